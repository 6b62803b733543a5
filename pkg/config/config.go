// Package config loads client configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level client configuration
type Config struct {
	Relays RelayConfig `yaml:"relays"`
	Pool   PoolConfig  `yaml:"pool"`
}

// RelayConfig lists the relay sets used by the messaging pipeline
type RelayConfig struct {
	// Read relays are subscribed for inbound gift wraps
	Read []string `yaml:"read"`
	// Write relays receive outbound publishes
	Write []string `yaml:"write"`
	// Blaster is appended to every publish for redundancy
	Blaster string `yaml:"blaster"`
}

// PoolConfig tunes the relay pool. Durations are Go duration strings.
type PoolConfig struct {
	KeepAlive  string `yaml:"keep_alive"`
	GCInterval string `yaml:"gc_interval"`
	IOTimeout  string `yaml:"io_timeout"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Relays: RelayConfig{
			Read: []string{
				"wss://relay.damus.io",
				"wss://nos.lol",
				"wss://relay.primal.net",
			},
			Write: []string{
				"wss://relay.damus.io",
				"wss://nos.lol",
			},
			Blaster: "wss://sendit.nosflare.com",
		},
		Pool: PoolConfig{
			KeepAlive:  "3m",
			GCInterval: "1m",
			IOTimeout:  "10s",
		},
	}
}

// Load reads configuration from the file (defaults when path is empty
// or missing) and applies environment overrides
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// Missing file falls back to defaults silently
		} else {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	if val := os.Getenv("SHOPSTR_READ_RELAYS"); val != "" {
		config.Relays.Read = splitRelayList(val)
	}
	if val := os.Getenv("SHOPSTR_WRITE_RELAYS"); val != "" {
		config.Relays.Write = splitRelayList(val)
	}
	if val := os.Getenv("SHOPSTR_BLASTER_RELAY"); val != "" {
		config.Relays.Blaster = val
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func splitRelayList(val string) []string {
	var relays []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			relays = append(relays, part)
		}
	}
	return relays
}

// Validate checks the configuration for obvious mistakes
func (c *Config) Validate() error {
	if len(c.Relays.Read) == 0 {
		return fmt.Errorf("at least one read relay is required")
	}
	if len(c.Relays.Write) == 0 {
		return fmt.Errorf("at least one write relay is required")
	}
	for _, field := range []struct{ name, value string }{
		{"keep_alive", c.Pool.KeepAlive},
		{"gc_interval", c.Pool.GCInterval},
		{"io_timeout", c.Pool.IOTimeout},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid %s: %w", field.name, err)
		}
	}
	return nil
}

// KeepAlive returns the parsed pool keep-alive duration
func (c *Config) KeepAlive() time.Duration { return c.duration(c.Pool.KeepAlive, 3*time.Minute) }

// GCInterval returns the parsed pool GC interval
func (c *Config) GCInterval() time.Duration { return c.duration(c.Pool.GCInterval, time.Minute) }

// IOTimeout returns the parsed relay I/O timeout
func (c *Config) IOTimeout() time.Duration { return c.duration(c.Pool.IOTimeout, 10*time.Second) }

func (c *Config) duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
