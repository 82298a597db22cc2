package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// Config represents the CLI configuration stored in ~/.starling/config.toml.
// It carries connection tuning only — the recovery token is never
// persisted here, matching the protocol's own handling of it as a
// per-session secret rather than a saved credential.
type Config struct {
	Connection ConfigConnection `toml:"connection"`
	Reconnect  ConfigReconnect  `toml:"reconnect"`
}

// ConfigConnection holds default connection settings.
type ConfigConnection struct {
	URL            string `toml:"url"`
	ConnectTimeout string `toml:"connect_timeout"`
}

// ConfigReconnect holds default reconnection tuning.
type ConfigReconnect struct {
	MinDelay    string `toml:"min_delay"`
	MaxDelay    string `toml:"max_delay"`
	MaxAttempts int    `toml:"max_attempts"`
}

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".starling")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file. A missing file yields a
// zero-value Config rather than an error.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g.
// "connection.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. connection.url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "connection":
		switch field {
		case "url":
			cfg.Connection.URL = value
		case "connect_timeout":
			cfg.Connection.ConnectTimeout = value
		default:
			return fmt.Errorf("unknown field %q in section [connection]", field)
		}
	case "reconnect":
		switch field {
		case "min_delay":
			cfg.Reconnect.MinDelay = value
		case "max_delay":
			cfg.Reconnect.MaxDelay = value
		default:
			return fmt.Errorf("unknown field %q in section [reconnect]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: connection, reconnect)", section)
	}
	return nil
}

// parseDuration returns def if s is empty, otherwise time.ParseDuration(s).
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

var rootCmd = &cobra.Command{
	Use:   "starling",
	Short: "Helios-Starling client CLI",
	Long:  "Command-line interface for the Helios-Starling WebSocket client.\nConnect to a server, call methods, subscribe to topics, and manage configuration.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
