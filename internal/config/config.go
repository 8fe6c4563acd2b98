package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config aggregates relay-side configuration.
type Config struct {
	Server ServerConfig
	AI     AIConfig
	Relay  RelayConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, AI: ai, Relay: relay}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" verbatim.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig describes the hosted chat model. APIKey is the service-level
// fallback; sessions normally supply their own credential per connection.
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	MaxTokens   *int
}

// Enabled reports whether a chat model can be constructed at all.
func (c AIConfig) Enabled() bool {
	return c.Model != ""
}

// NewChatModel builds a model instance. A non-empty credential overrides the
// service-level API key so each user session talks to the model on its own
// key.
func (c AIConfig) NewChatModel(ctx context.Context, credential string) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("chat model not configured: set ARK_MODEL")
	}

	apiKey := c.APIKey
	if credential != "" {
		apiKey = credential
	}
	if apiKey == "" && (c.AccessKey == "" || c.SecretKey == "") {
		return nil, fmt.Errorf("no model credential: provide a session key or ARK_API_KEY or AK/SK")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      apiKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}, nil
}

// RelayConfig carries the liveness and command-deadline knobs.
type RelayConfig struct {
	BridgeStaleAfter time.Duration
	SweepInterval    time.Duration
	CommandTimeout   time.Duration
}

func loadRelayConfig() (RelayConfig, error) {
	stale, err := parseOptionalIntEnv("BRIDGE_STALE_SECONDS")
	if err != nil {
		return RelayConfig{}, err
	}
	sweep, err := parseOptionalIntEnv("BRIDGE_SWEEP_SECONDS")
	if err != nil {
		return RelayConfig{}, err
	}
	timeout, err := parseOptionalIntEnv("COMMAND_TIMEOUT_SECONDS")
	if err != nil {
		return RelayConfig{}, err
	}

	cfg := RelayConfig{
		BridgeStaleAfter: 30 * time.Second,
		SweepInterval:    10 * time.Second,
		CommandTimeout:   10 * time.Second,
	}
	if stale != nil && *stale > 0 {
		cfg.BridgeStaleAfter = time.Duration(*stale) * time.Second
	}
	if sweep != nil && *sweep > 0 {
		cfg.SweepInterval = time.Duration(*sweep) * time.Second
	}
	if timeout != nil && *timeout > 0 {
		cfg.CommandTimeout = time.Duration(*timeout) * time.Second
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
