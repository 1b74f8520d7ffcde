// Package config loads the conduit configuration file, applies environment
// overrides, and converts the file representation into the typed configs
// each subsystem consumes. Construction-time validation fails fast on
// inconsistent settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"conduit/internal/broker"
	"conduit/internal/bus"
	"conduit/internal/logging"
	"conduit/internal/orchestrator"
	"conduit/internal/pool"
)

// Duration parses human-readable durations ("100ms", "5s") from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the full file shape.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Pool      PoolConfig      `yaml:"pool"`
	Orch      OrchConfig      `yaml:"orchestrator"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// TransportConfig selects and tunes the bus transport.
type TransportConfig struct {
	// Mode is local-only, remote-only (alias aws-only), or hybrid.
	Mode string `yaml:"mode"`
	// RemoteTopics routes these topics to the remote transport in hybrid
	// mode.
	RemoteTopics []string `yaml:"remote_topics"`
	// FlushInterval is the remote batch cadence.
	FlushInterval Duration     `yaml:"flush_interval"`
	Retry         RetryConfig  `yaml:"retry"`
	Broker        BrokerConfig `yaml:"broker"`
	// SendsPerSecond caps outbound broker batches; zero disables.
	SendsPerSecond float64 `yaml:"sends_per_second"`
}

// RetryConfig mirrors bus.RetryConfig with parseable durations.
type RetryConfig struct {
	MaxRetries        int      `yaml:"max_retries"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	InitialDelay      Duration `yaml:"initial_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
}

// BrokerConfig points the remote transport at its broker.
type BrokerConfig struct {
	// Endpoint is the HTTP batch endpoint. Required for remote modes
	// unless InMemory is set.
	Endpoint string `yaml:"endpoint"`
	// APIKey is normally supplied via CONDUIT_BROKER_API_KEY.
	APIKey string `yaml:"api_key"`
	// Timeout bounds each batch request.
	Timeout Duration `yaml:"timeout"`
	// InMemory swaps in the in-process broker. Development only.
	InMemory bool `yaml:"in_memory"`
}

// PoolConfig mirrors pool.Config with parseable durations.
type PoolConfig struct {
	MinAgents           int      `yaml:"min_agents"`
	MaxAgents           int      `yaml:"max_agents"`
	IdleTimeout         Duration `yaml:"idle_timeout"`
	WarmupThreshold     float64  `yaml:"warmup_threshold"`
	ScaleStepSize       int      `yaml:"scale_step_size"`
	MaintenanceInterval Duration `yaml:"maintenance_interval"`
}

// OrchConfig mirrors orchestrator.Config.
type OrchConfig struct {
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts"`
}

// StoreConfig locates the key/value database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig selects logger flavor.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	p := pool.DefaultConfig()
	r := bus.DefaultRetryConfig()
	return Config{
		Transport: TransportConfig{
			Mode:          string(bus.ModeLocal),
			FlushInterval: Duration(100 * time.Millisecond),
			Retry: RetryConfig{
				MaxRetries:        r.MaxRetries,
				BackoffMultiplier: r.BackoffMultiplier,
				InitialDelay:      Duration(r.InitialDelay),
				MaxDelay:          Duration(r.MaxDelay),
			},
			Broker: BrokerConfig{
				Timeout:  Duration(10 * time.Second),
				InMemory: true,
			},
		},
		Pool: PoolConfig{
			MinAgents:           p.MinAgents,
			MaxAgents:           p.MaxAgents,
			IdleTimeout:         Duration(p.IdleTimeout),
			WarmupThreshold:     p.WarmupThreshold,
			ScaleStepSize:       p.ScaleStepSize,
			MaintenanceInterval: Duration(p.MaintenanceInterval),
		},
		Orch:    OrchConfig{MaxRecoveryAttempts: orchestrator.DefaultConfig().MaxRecoveryAttempts},
		Store:   StoreConfig{Path: "conduit.db"},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: false, Addr: ":9477"},
	}
}

// Load reads the file at path over the defaults, applies environment
// overrides, and validates. A missing file is not an error; overrides and
// defaults still apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults only.
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets deployment environments override file settings without
// editing the file. Keys mirror the YAML paths.
func (c *Config) applyEnv() {
	if v := os.Getenv("CONDUIT_TRANSPORT_MODE"); v != "" {
		c.Transport.Mode = v
	}
	if v := os.Getenv("CONDUIT_BROKER_ENDPOINT"); v != "" {
		c.Transport.Broker.Endpoint = v
		c.Transport.Broker.InMemory = false
	}
	if v := os.Getenv("CONDUIT_BROKER_API_KEY"); v != "" {
		c.Transport.Broker.APIKey = v
	}
	if v := os.Getenv("CONDUIT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CONDUIT_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
}

// Validate fails fast on settings that would only surface as runtime
// breakage later.
func (c Config) Validate() error {
	mode, err := bus.ParseMode(c.Transport.Mode)
	if err != nil {
		return err
	}
	needsBroker := mode != bus.ModeLocal
	if needsBroker && !c.Transport.Broker.InMemory && c.Transport.Broker.Endpoint == "" {
		return fmt.Errorf("config: transport mode %q requires broker.endpoint (or broker.in_memory)", mode)
	}
	if err := c.PoolConfig().Validate(); err != nil {
		return err
	}
	if c.Orch.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("config: max_recovery_attempts must not be negative")
	}
	return nil
}

// Mode returns the parsed transport mode.
func (c Config) Mode() bus.Mode {
	mode, _ := bus.ParseMode(c.Transport.Mode)
	return mode
}

// RetryConfig converts to the bus representation.
func (c Config) RetryConfig() bus.RetryConfig {
	return bus.RetryConfig{
		MaxRetries:        c.Transport.Retry.MaxRetries,
		BackoffMultiplier: c.Transport.Retry.BackoffMultiplier,
		InitialDelay:      time.Duration(c.Transport.Retry.InitialDelay),
		MaxDelay:          time.Duration(c.Transport.Retry.MaxDelay),
	}
}

// RemoteConfig converts to the bus representation.
func (c Config) RemoteConfig() bus.RemoteConfig {
	return bus.RemoteConfig{
		FlushInterval:  time.Duration(c.Transport.FlushInterval),
		Retry:          c.RetryConfig(),
		SendsPerSecond: c.Transport.SendsPerSecond,
	}
}

// BrokerHTTPConfig converts to the broker representation.
func (c Config) BrokerHTTPConfig() broker.HTTPConfig {
	return broker.HTTPConfig{
		Endpoint: c.Transport.Broker.Endpoint,
		APIKey:   c.Transport.Broker.APIKey,
		Timeout:  time.Duration(c.Transport.Broker.Timeout),
	}
}

// PoolConfig converts to the pool representation.
func (c Config) PoolConfig() pool.Config {
	return pool.Config{
		MinAgents:           c.Pool.MinAgents,
		MaxAgents:           c.Pool.MaxAgents,
		IdleTimeout:         time.Duration(c.Pool.IdleTimeout),
		WarmupThreshold:     c.Pool.WarmupThreshold,
		ScaleStepSize:       c.Pool.ScaleStepSize,
		MaintenanceInterval: time.Duration(c.Pool.MaintenanceInterval),
	}
}

// OrchestratorConfig converts to the orchestrator representation.
func (c Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{MaxRecoveryAttempts: c.Orch.MaxRecoveryAttempts}
}

// LoggingConfig converts to the logging representation.
func (c Config) LoggingOptions() logging.Config {
	return logging.Config{Level: c.Logging.Level, Development: c.Logging.Development}
}
