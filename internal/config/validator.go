package config

import (
	"fmt"
	"strings"
)

// Validate checks the config for:
//   - a sequence file and a broker endpoint
//   - a usable retry policy
//   - known log level and format
func Validate(cfg *Config) error {
	var errs []string

	if strings.TrimSpace(cfg.Sequence.File) == "" {
		errs = append(errs, "sequence.file is required")
	}
	if strings.TrimSpace(cfg.Broker.Address) == "" {
		errs = append(errs, "broker.address is required")
	}
	if cfg.Broker.Port < 1 || cfg.Broker.Port > 65535 {
		errs = append(errs, fmt.Sprintf("broker.port %d out of range 1-65535", cfg.Broker.Port))
	}
	if cfg.Broker.CallTimeoutMs < 0 {
		errs = append(errs, "broker.call_timeout_ms must not be negative")
	}
	if cfg.Broker.HealthTimeoutMs < 0 {
		errs = append(errs, "broker.health_timeout_ms must not be negative")
	}

	r := cfg.Retry
	if r.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("retry.max_attempts must be at least 1, got %d", r.MaxAttempts))
	}
	if r.BaseDelayMs < 0 {
		errs = append(errs, "retry.base_delay_ms must not be negative")
	}
	if r.Multiplier < 1 {
		errs = append(errs, fmt.Sprintf("retry.multiplier must be >= 1, got %g", r.Multiplier))
	}
	if r.MaxDelayMs < r.BaseDelayMs {
		errs = append(errs, fmt.Sprintf("retry.max_delay_ms (%d) must be >= retry.base_delay_ms (%d)", r.MaxDelayMs, r.BaseDelayMs))
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level))
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not one of text, json", cfg.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
