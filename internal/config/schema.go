package config

// Config is the process configuration record, read once at startup.
type Config struct {
	Sequence  SequenceConf  `yaml:"sequence" toml:"sequence" envPrefix:"SEQUENCE_"`
	Broker    BrokerConf    `yaml:"broker" toml:"broker" envPrefix:"BROKER_"`
	Replay    ReplayConf    `yaml:"replay" toml:"replay" envPrefix:"REPLAY_"`
	Retry     RetryConf     `yaml:"retry" toml:"retry" envPrefix:"RETRY_"`
	Status    StatusConf    `yaml:"status" toml:"status" envPrefix:"STATUS_"`
	Monitor   MonitorConf   `yaml:"monitor" toml:"monitor" envPrefix:"MONITOR_"`
	Log       LogConf       `yaml:"log" toml:"log" envPrefix:"LOG_"`
	Telemetry TelemetryConf `yaml:"telemetry" toml:"telemetry" envPrefix:"TELEMETRY_"`
}

// SequenceConf locates the signal script.
type SequenceConf struct {
	File  string `yaml:"file" toml:"file" env:"FILE"`
	Watch bool   `yaml:"watch" toml:"watch" env:"WATCH"` // re-read between loops when the file changes
}

// BrokerConf describes the broker endpoint.
type BrokerConf struct {
	Address         string `yaml:"address" toml:"address" env:"ADDRESS"`
	Port            int    `yaml:"port" toml:"port" env:"PORT"`
	CallTimeoutMs   int    `yaml:"call_timeout_ms" toml:"call_timeout_ms" env:"CALL_TIMEOUT_MS"`
	WaitHealthy     bool   `yaml:"wait_healthy" toml:"wait_healthy" env:"WAIT_HEALTHY"`
	HealthTimeoutMs int    `yaml:"health_timeout_ms" toml:"health_timeout_ms" env:"HEALTH_TIMEOUT_MS"`
	ResolveTypes    bool   `yaml:"resolve_types" toml:"resolve_types" env:"RESOLVE_TYPES"`
}

// ReplayConf controls the replay loop.
type ReplayConf struct {
	Infinite    bool `yaml:"infinite" toml:"infinite" env:"INFINITE"`
	OnChange    bool `yaml:"on_change" toml:"on_change" env:"ON_CHANGE"`
	DelayOnSkip bool `yaml:"delay_on_skip" toml:"delay_on_skip" env:"DELAY_ON_SKIP"`
}

// RetryConf is the bounded exponential backoff applied to transient broker
// failures. MaxAttempts counts the first try.
type RetryConf struct {
	MaxAttempts int     `yaml:"max_attempts" toml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelayMs int     `yaml:"base_delay_ms" toml:"base_delay_ms" env:"BASE_DELAY_MS"`
	Multiplier  float64 `yaml:"multiplier" toml:"multiplier" env:"MULTIPLIER"`
	MaxDelayMs  int     `yaml:"max_delay_ms" toml:"max_delay_ms" env:"MAX_DELAY_MS"`
}

// StatusConf enables the HTTP status server. Empty Addr disables it.
type StatusConf struct {
	Addr string `yaml:"addr" toml:"addr" env:"ADDR"`
}

// MonitorConf enables the change subscription listener.
type MonitorConf struct {
	Enabled bool `yaml:"enabled" toml:"enabled" env:"ENABLED"`
}

// LogConf selects log verbosity and output format.
type LogConf struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`    // debug | info | warn | error
	Format string `yaml:"format" toml:"format" env:"FORMAT"` // text | json
}

// TelemetryConf enables OTLP trace export when Endpoint is set.
type TelemetryConf struct {
	Endpoint    string `yaml:"otlp_endpoint" toml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName string `yaml:"service_name" toml:"service_name" env:"SERVICE_NAME"`
}
