package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// nodeTokenEnv overrides the node auth token so deployments can keep it out
// of the config file.
const nodeTokenEnv = "AGORA_GATEWAY_NODE_TOKEN"

// APIKey is one partner credential accepted by the gateway's HMAC scheme.
type APIKey struct {
	Key    string `yaml:"key"`
	Secret string `yaml:"secret"`
}

// NodeConfig points the gateway at a ledger node's RPC endpoint.
type NodeConfig struct {
	URL       string        `yaml:"url"`
	AuthToken string        `yaml:"authToken"`
	Timeout   time.Duration `yaml:"timeout"`
}

// AuthConfig tunes the HMAC request-signing scheme.
type AuthConfig struct {
	TimestampSkew time.Duration `yaml:"timestampSkew"`
	NonceTTL      time.Duration `yaml:"nonceTTL"`
	NonceCapacity int           `yaml:"nonceCapacity"`
	APIKeys       []APIKey      `yaml:"apiKeys"`
}

// TokenConfig tunes the JWT bearer scheme used by dashboard clients.
type TokenConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Secret      string        `yaml:"secret"`
	Issuer      string        `yaml:"issuer"`
	Audience    string        `yaml:"audience"`
	ScopeClaim  string        `yaml:"scopeClaim"`
	ExemptPaths []string      `yaml:"exemptPaths"`
	ClockSkew   time.Duration `yaml:"clockSkew"`
}

// RateLimit is the per-client budget for one route class.
type RateLimit struct {
	PerMinute float64 `yaml:"perMinute"`
	Burst     int     `yaml:"burst"`
}

// WebhookConfig bounds the delivery queue.
type WebhookConfig struct {
	QueueCapacity int           `yaml:"queueCapacity"`
	HistorySize   int           `yaml:"historySize"`
	TTL           time.Duration `yaml:"ttl"`
}

// ObservabilityConfig toggles request metrics, tracing and logging. Spans
// and runtime metrics are exported over OTLP when an endpoint is set.
type ObservabilityConfig struct {
	ServiceName  string `yaml:"serviceName"`
	Enabled      bool   `yaml:"enabled"`
	LogRequests  bool   `yaml:"logRequests"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
}

// CORSConfig lists the origins allowed to call the gateway from a browser.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowedMethods   []string `yaml:"allowedMethods"`
	AllowedHeaders   []string `yaml:"allowedHeaders"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

// Config is the market gateway's full runtime configuration.
type Config struct {
	Listen         string               `yaml:"listen"`
	Node           NodeConfig           `yaml:"node"`
	Database       string               `yaml:"database"`
	ReplayDatabase string               `yaml:"replayDatabase"`
	Auth           AuthConfig           `yaml:"auth"`
	Tokens         TokenConfig          `yaml:"tokens"`
	RateLimits     map[string]RateLimit `yaml:"rateLimits"`
	Webhooks       WebhookConfig        `yaml:"webhooks"`
	Observability  ObservabilityConfig  `yaml:"observability"`
	CORS           CORSConfig           `yaml:"cors"`
}

// Load reads and validates the YAML configuration at path. Unknown fields are
// rejected so typos fail loudly instead of silently falling back to defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gateway config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(string(raw)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode gateway config: %w", err)
	}
	cfg.applyDefaults()
	if token := strings.TrimSpace(os.Getenv(nodeTokenEnv)); token != "" {
		cfg.Node.AuthToken = token
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = ":8090"
	}
	if c.Node.Timeout <= 0 {
		c.Node.Timeout = 10 * time.Second
	}
	if strings.TrimSpace(c.Database) == "" {
		c.Database = "market-gateway.db"
	}
	if strings.TrimSpace(c.ReplayDatabase) == "" {
		c.ReplayDatabase = "market-gateway-replay"
	}
	if c.Auth.TimestampSkew <= 0 {
		c.Auth.TimestampSkew = 2 * time.Minute
	}
	if c.Auth.NonceTTL <= 0 {
		c.Auth.NonceTTL = 2 * c.Auth.TimestampSkew
	}
	if c.Auth.NonceTTL < c.Auth.TimestampSkew {
		c.Auth.NonceTTL = c.Auth.TimestampSkew
	}
	if c.Auth.NonceCapacity <= 0 {
		c.Auth.NonceCapacity = 4096
	}
	if c.Webhooks.QueueCapacity <= 0 {
		c.Webhooks.QueueCapacity = 256
	}
	if c.Webhooks.HistorySize <= 0 {
		c.Webhooks.HistorySize = 128
	}
	if c.Webhooks.TTL <= 0 {
		c.Webhooks.TTL = 10 * time.Minute
	}
	if strings.TrimSpace(c.Observability.ServiceName) == "" {
		c.Observability.ServiceName = "market-gateway"
	}
}

// Validate checks the parts the gateway cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Node.URL) == "" {
		return errors.New("gateway config: node.url is required")
	}
	if len(c.Auth.APIKeys) == 0 {
		return errors.New("gateway config: at least one auth.apiKeys entry is required")
	}
	for i, entry := range c.Auth.APIKeys {
		if strings.TrimSpace(entry.Key) == "" || strings.TrimSpace(entry.Secret) == "" {
			return fmt.Errorf("gateway config: auth.apiKeys[%d] must set key and secret", i)
		}
	}
	if c.Tokens.Enabled && strings.TrimSpace(c.Tokens.Secret) == "" {
		return errors.New("gateway config: tokens.secret is required when tokens are enabled")
	}
	return nil
}

// Secrets returns the API key map consumed by the HMAC authenticator.
func (c *Config) Secrets() map[string]string {
	out := make(map[string]string, len(c.Auth.APIKeys))
	for _, entry := range c.Auth.APIKeys {
		out[strings.TrimSpace(entry.Key)] = strings.TrimSpace(entry.Secret)
	}
	return out
}
