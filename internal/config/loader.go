package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the config reads.
const EnvPrefix = "SIGNALREPLAY_"

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Sequence: SequenceConf{File: "signals.csv"},
		Broker: BrokerConf{
			Address:         "127.0.0.1",
			Port:            55555,
			CallTimeoutMs:   5000,
			HealthTimeoutMs: 10000,
			ResolveTypes:    true,
		},
		Retry: RetryConf{
			MaxAttempts: 5,
			BaseDelayMs: 200,
			Multiplier:  2,
			MaxDelayMs:  5000,
		},
		Log:       LogConf{Level: "info", Format: "text"},
		Telemetry: TelemetryConf{ServiceName: "signalreplay"},
	}
}

// Load layers defaults, the optional file at path and SIGNALREPLAY_*
// environment variables, in that order. Keys absent from the file keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// decodeFile reads a configuration file based on its extension.
// Supports: .yaml/.yml, .toml
func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// CallTimeout is the per-call broker deadline.
func (c BrokerConf) CallTimeout() time.Duration { return ms(c.CallTimeoutMs) }

// HealthTimeout bounds the wait for a healthy broker.
func (c BrokerConf) HealthTimeout() time.Duration { return ms(c.HealthTimeoutMs) }

// BaseDelay is the wait before the first retry.
func (c RetryConf) BaseDelay() time.Duration { return ms(c.BaseDelayMs) }

// MaxDelay caps the wait between retries.
func (c RetryConf) MaxDelay() time.Duration { return ms(c.MaxDelayMs) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
