package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"agora/native/escrow"
)

// Config is the node configuration file. Secrets (the RPC bearer token) are
// sourced from the environment, never from this file.
type Config struct {
	RPCAddress           string `toml:"RPCAddress"`
	DataDir              string `toml:"DataDir"`
	GenesisFile          string `toml:"GenesisFile"`
	AllowAutogenesis     bool   `toml:"AllowAutogenesis"`
	BlockIntervalSeconds uint64 `toml:"BlockIntervalSeconds"`
	LogLevel             string `toml:"LogLevel"`
	LogFile              string `toml:"LogFile"`
	MetricsAddress       string `toml:"MetricsAddress"`
	OTLPEndpoint         string `toml:"OTLPEndpoint"`

	Escrow EscrowConfig `toml:"escrow"`
}

// EscrowConfig carries the dispute settlement knobs.
type EscrowConfig struct {
	ResolutionPolicy string `toml:"ResolutionPolicy"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./agora-data"
	}
	if c.BlockIntervalSeconds == 0 {
		c.BlockIntervalSeconds = 5
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	if _, err := c.ResolutionPolicy(); err != nil {
		return err
	}
	return nil
}

// ResolutionPolicy parses the configured dispute settlement policy. An empty
// setting selects the arbiter policy.
func (c *Config) ResolutionPolicy() (escrow.ResolutionPolicy, error) {
	return escrow.ParseResolutionPolicy(c.Escrow.ResolutionPolicy)
}

// BlockInterval returns the chain clock period.
func (c *Config) BlockInterval() time.Duration {
	return time.Duration(c.BlockIntervalSeconds) * time.Second
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:           ":8080",
		DataDir:              "./agora-data",
		GenesisFile:          "",
		BlockIntervalSeconds: 5,
		LogLevel:             "info",
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
