// Package config loads and persists the client configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the chat client.
type Config struct {
	Relay  RelayConfig  `toml:"relay"`
	Client ClientConfig `toml:"client"`
}

// RelayConfig holds the backend connection settings.
type RelayConfig struct {
	URL string `toml:"url"`
}

// ClientConfig holds local identity and storage settings.
type ClientConfig struct {
	DataDir  string `toml:"data_dir"`
	Username string `toml:"username"`
}

// Load reads the TOML config at path and fills in defaults for anything
// unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.setDefaults()
	return &config, nil
}

// Save writes the config as TOML, creating the parent directory if needed.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// StatePath returns the path of the local state database.
func (c *Config) StatePath() string {
	return filepath.Join(c.Client.DataDir, "whisper.db")
}

func (c *Config) setDefaults() {
	if c.Relay.URL == "" {
		c.Relay.URL = "http://localhost:8080"
	}
	if c.Client.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.Client.DataDir = filepath.Join(home, ".whisper")
	}
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}
