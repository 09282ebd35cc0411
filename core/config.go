// Package core configuration loading for the gobus library.
// This file implements YAML-backed configuration for the bus registry
// and cache defaults, with human-readable duration strings.
//
// Example:
//
//	transports:
//	  main:
//	    driver: redis
//	    url: redis://localhost:6379
//	  local:
//	    driver: memory
//	default: main
//	cache:
//	  stale_time: 5m
//	  gc_time: 30m
package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for strings like "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler. Accepts duration strings
// ("1s", "250ms") and bare integers interpreted as milliseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, ErrInvalidConfiguration)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Millisecond)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Millisecond)))
	default:
		return fmt.Errorf("invalid duration value %v: %w", raw, ErrInvalidConfiguration)
	}
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TransportConfig describes one named transport in the bus registry.
type TransportConfig struct {
	// Driver selects the transport implementation: "memory" or "redis".
	Driver string `yaml:"driver"`

	// URL is the connection string for remote drivers (redis://host:port).
	URL string `yaml:"url"`

	// Addrs lists the seed node addresses (host:port) for Redis cluster
	// mode. Ignored by the memory driver.
	Addrs []string `yaml:"addrs"`

	// Cluster enables Redis cluster mode for the redis driver. Requires
	// Addrs.
	Cluster bool `yaml:"cluster"`

	// Codec selects the payload codec: "json" (default), "msgpack", "base64".
	Codec string `yaml:"codec"`

	// MaxPayloadSize caps encoded payloads in bytes. Zero means the
	// library default (10 MiB); negative disables the check.
	MaxPayloadSize int `yaml:"max_payload_size"`
}

// CacheDefaults holds library-wide cache timing defaults.
type CacheDefaults struct {
	StaleTime Duration `yaml:"stale_time"`
	GcTime    Duration `yaml:"gc_time"`
}

// Config is the root configuration document.
type Config struct {
	Transports map[string]TransportConfig `yaml:"transports"`
	Default    string                     `yaml:"default"`
	Cache      CacheDefaults              `yaml:"cache"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates YAML configuration bytes.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural consistency of the configuration.
func (c *Config) Validate() error {
	for name, tc := range c.Transports {
		switch tc.Driver {
		case "memory":
		case "redis":
			if tc.Cluster {
				if len(tc.Addrs) == 0 {
					return fmt.Errorf("transport %q: cluster mode requires addrs: %w", name, ErrMissingConfiguration)
				}
			} else if tc.URL == "" {
				return fmt.Errorf("transport %q: redis driver requires url: %w", name, ErrMissingConfiguration)
			}
		case "":
			return fmt.Errorf("transport %q: driver is required: %w", name, ErrMissingConfiguration)
		default:
			return fmt.Errorf("transport %q: unknown driver %q: %w", name, tc.Driver, ErrInvalidConfiguration)
		}
		switch tc.Codec {
		case "", "json", "msgpack", "base64":
		default:
			return fmt.Errorf("transport %q: unknown codec %q: %w", name, tc.Codec, ErrInvalidConfiguration)
		}
	}
	if c.Default != "" {
		if _, ok := c.Transports[c.Default]; !ok {
			return fmt.Errorf("default transport %q is not defined: %w", c.Default, ErrInvalidConfiguration)
		}
	}
	return nil
}
