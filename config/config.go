// Package config loads the gateway's process configuration: a YAML file
// for the settings that don't belong in the environment, layered with
// UUID/PROXYIP environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"gopkg.in/yaml.v3"

	"github.com/Dreamacro/vlgate/log"
)

// Config is the gateway's full process configuration.
type Config struct {
	// Listen is the address the HTTP/WebSocket server binds to.
	Listen string `yaml:"listen"`

	// UUID is the canonical textual identifier for the static identity.
	// Overridden by the UUID environment variable when set.
	UUID string `yaml:"uuid"`

	// ProxyIP is the optional fallback destination host list ("proxy
	// IP"). Overridden by the PROXYIP environment variable when set
	// (comma-separated).
	ProxyIP []string `yaml:"proxy-ip"`

	// BoltPath, if non-empty, enables the dynamic identity backend at
	// this file path.
	BoltPath string `yaml:"bolt-path"`

	// LogLevel controls the log package's verbosity.
	LogLevel log.LogLevel `yaml:"log-level"`

	Timeouts Timeouts `yaml:"timeouts"`
}

// Timeouts holds the bounded waits the tunnel engine applies at each
// suspension point, each with a sensible default below.
type Timeouts struct {
	Header  time.Duration `yaml:"header"`
	Connect time.Duration `yaml:"connect"`
	Idle    time.Duration `yaml:"idle"`
}

func defaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8080",
		LogLevel: log.Info,
		Timeouts: Timeouts{
			Header:  5 * time.Second,
			Connect: 10 * time.Second,
			Idle:    30 * time.Second,
		},
	}
}

// Load reads the YAML config at path (if it exists; a missing file is
// not an error, since a config file is optional), then applies the
// UUID/PROXYIP environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(cfg)

	if cfg.UUID == "" {
		return nil, fmt.Errorf("config: UUID is required (set in config file or UUID env var)")
	}
	if _, err := uuid.FromString(cfg.UUID); err != nil {
		return nil, fmt.Errorf("config: UUID %q is not a valid identifier: %w", cfg.UUID, err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("UUID"); v != "" {
		cfg.UUID = v
	}
	if v := os.Getenv("PROXYIP"); v != "" {
		parts := strings.Split(v, ",")
		hosts := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				hosts = append(hosts, p)
			}
		}
		cfg.ProxyIP = hosts
	}
}
