package devicelink

import (
	"fmt"

	"go.bug.st/serial"
)

// DefaultBaudRate matches the firmware's serial configuration.
const DefaultBaudRate = 9600

// Open opens the named serial port at the given baud rate and returns a
// connected Link.
func Open(portName string, baud int, opts ...Option) (*Link, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}

	port, err := serial.Open(portName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}

	l := New(opts...)
	l.Connect(port)
	return l, nil
}

// ListPorts enumerates serial ports present on the machine, used by the
// bridge CLI to suggest a port when none is configured.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}
