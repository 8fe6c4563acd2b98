package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/arducord/arducord/internal/bridgeclient"
	"github.com/arducord/arducord/internal/devicelink"
	"github.com/arducord/arducord/internal/uploader"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		relayURL   string
		serialPort string
		baudRate   int
		bridgeID   string
		flashPath  string
		boardType  string
	)

	cmd := &cobra.Command{
		Use:          "bridge",
		Short:        "Connect a serial-attached Arduino to an Arducord relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, relayURL, serialPort, baudRate, bridgeID, flashPath, boardType)
		},
	}

	// Load .env file so env defaults below see it.
	if err := godotenv.Load(); err == nil {
		log.Println("loaded configuration from .env")
	}

	cmd.Flags().StringVar(&relayURL, "relay-url", envOrDefault("RELAY_URL", "ws://localhost:8080/ws/bridge"), "relay WebSocket endpoint")
	cmd.Flags().StringVarP(&serialPort, "port", "p", os.Getenv("SERIAL_PORT"), "serial port of the Arduino")
	cmd.Flags().IntVar(&baudRate, "baud", devicelink.DefaultBaudRate, "serial baud rate")
	cmd.Flags().StringVar(&bridgeID, "bridge-id", os.Getenv("BRIDGE_ID"), "stable bridge identifier")
	cmd.Flags().StringVar(&flashPath, "flash", "", "sketch to upload before connecting")
	cmd.Flags().StringVar(&boardType, "board", "arduino:avr:uno", "board FQBN used with --flash")

	return cmd
}

func run(ctx context.Context, relayURL, serialPort string, baudRate int, bridgeID, flashPath, boardType string) error {
	if serialPort == "" {
		ports, err := devicelink.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			return errors.New("no serial ports found, pass --port")
		}
		serialPort = ports[0]
		log.Printf("[bridge] no port configured, using %s", serialPort)
	}

	if bridgeID == "" {
		bridgeID = defaultBridgeID()
	}

	if flashPath != "" {
		log.Printf("[bridge] uploading %s to %s (%s)", flashPath, serialPort, boardType)
		cli := &uploader.ArduinoCLI{}
		if err := cli.Upload(ctx, flashPath, boardType, serialPort, func(line string) {
			log.Printf("[upload] %s", line)
		}); err != nil {
			return err
		}
	}

	forwarder := &bridgeclient.Forwarder{}
	link, err := devicelink.Open(serialPort, baudRate,
		devicelink.WithTelemetry(forwarder.Forward),
		devicelink.WithRawLines(func(line string) {
			log.Printf("[device] %s", line)
		}),
	)
	if err != nil {
		return err
	}
	defer link.Close()

	client := bridgeclient.New(bridgeclient.Config{
		RelayURL:   relayURL,
		BridgeID:   bridgeID,
		SerialPort: serialPort,
		BaudRate:   baudRate,
	}, link)
	forwarder.Attach(client)

	log.Printf("[bridge] %s relaying %s to %s", bridgeID, serialPort, relayURL)
	err = client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func defaultBridgeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "bridge"
	}
	return fmt.Sprintf("%s-%s", strings.ToLower(host), uuid.NewString()[:8])
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
