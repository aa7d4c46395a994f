// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the wiretap agent.
type Config struct {
	ServiceName     string          `yaml:"service_name" toml:"service_name"`
	LogLevel        string          `yaml:"log_level" toml:"log_level"`
	Hook            HookConfig      `yaml:"hook" toml:"hook"`
	Tracing         TracingConfig   `yaml:"tracing" toml:"tracing"`
	Transfer        TransferConfig  `yaml:"transfer" toml:"transfer"`
	Exporters       ExportersConfig `yaml:"exporters" toml:"exporters"`
	Discovery       DiscoveryConfig `yaml:"discovery" toml:"discovery"`
	Health          HealthConfig    `yaml:"health" toml:"health"`
	Redaction       RedactionConfig `yaml:"redaction" toml:"redaction"`
	DebugAssertions bool            `yaml:"debug_assertions" toml:"debug_assertions"` // panic on transfer errors
}

// HookConfig selects and tunes the capture event source.
type HookConfig struct {
	Source         string `yaml:"source" toml:"source"` // "socket", "ringbuf" or "stub"
	SocketPath     string `yaml:"socket_path" toml:"socket_path"`
	RingbufPinPath string `yaml:"ringbuf_pin_path" toml:"ringbuf_pin_path"`
	Workers        int    `yaml:"workers" toml:"workers"`
	Shards         int    `yaml:"shards" toml:"shards"`
	QueueDepth     int    `yaml:"queue_depth" toml:"queue_depth"` // events per shard
	ASID           uint32 `yaml:"asid" toml:"asid"`
}

// TracingConfig tunes reassembly and request/response pairing.
type TracingConfig struct {
	CQLPorts          []uint16       `yaml:"cql_ports" toml:"cql_ports"`
	CaptureCeiling    int            `yaml:"capture_ceiling" toml:"capture_ceiling"` // bytes per captured event
	MaxBufferSize     int            `yaml:"max_buffer_size" toml:"max_buffer_size"` // bytes per stream direction
	MaxBodyLen        int            `yaml:"max_body_len" toml:"max_body_len"`
	MaxConns          int            `yaml:"max_conns" toml:"max_conns"`
	GapTimeout        time.Duration  `yaml:"gap_timeout" toml:"gap_timeout"`
	PendingTimeout    time.Duration  `yaml:"pending_timeout" toml:"pending_timeout"`
	IdleTimeout       time.Duration  `yaml:"idle_timeout" toml:"idle_timeout"`
	MaxPendingPerConn int            `yaml:"max_pending_per_conn" toml:"max_pending_per_conn"`
	OrphanPolicy      string         `yaml:"orphan_policy" toml:"orphan_policy"` // "drop" or "record"
	ExpiryPolicy      string         `yaml:"expiry_policy" toml:"expiry_policy"` // "drop" or "emit_incomplete"
	Sampling          SamplingConfig `yaml:"sampling" toml:"sampling"`
}

// TransferConfig configures the periodic drain into the record table.
type TransferConfig struct {
	Interval     time.Duration `yaml:"interval" toml:"interval"`
	TableMaxRows int           `yaml:"table_max_rows" toml:"table_max_rows"`
}

type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp" toml:"otlp"`
	Stdout StdoutConfig `yaml:"stdout" toml:"stdout"`
}

type OTLPConfig struct {
	Enabled  bool              `yaml:"enabled" toml:"enabled"`
	Endpoint string            `yaml:"endpoint" toml:"endpoint"`
	Insecure bool              `yaml:"insecure" toml:"insecure"`
	Headers  map[string]string `yaml:"headers" toml:"headers"`
	Timeout  time.Duration     `yaml:"timeout" toml:"timeout"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Format  string `yaml:"format" toml:"format"` // "text" or "json"
}

type DiscoveryConfig struct {
	EnvVars []string `yaml:"env_vars" toml:"env_vars"`
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Port    string `yaml:"port" toml:"port"` // e.g. ":8686"
}

// RedactionConfig configures literal redaction in exported statements.
type RedactionConfig struct {
	Enabled bool            `yaml:"enabled" toml:"enabled"`
	Rules   []RedactionRule `yaml:"rules" toml:"rules"`
}

// RedactionRule is a user-defined redaction pattern.
type RedactionRule struct {
	Name        string `yaml:"name" toml:"name"`
	Pattern     string `yaml:"pattern" toml:"pattern"`
	Replacement string `yaml:"replacement" toml:"replacement"`
}

// SamplingConfig configures export sampling.
type SamplingConfig struct {
	Rate float64 `yaml:"rate" toml:"rate"` // 0.0-1.0, default 1.0 (keep all)
}

// Load reads and parses a configuration file. Files ending in .toml are
// parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := loadFileInto(path, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "auto",
		LogLevel:    "info",
		Hook: HookConfig{
			Source:         "socket",
			SocketPath:     "/var/run/wiretap/hook.sock",
			RingbufPinPath: "/sys/fs/bpf/wiretap/events",
			Workers:        2,
			Shards:         4,
			QueueDepth:     4096,
		},
		Tracing: TracingConfig{
			CQLPorts:          []uint16{9042},
			CaptureCeiling:    30 * 1024,
			MaxBufferSize:     256 * 1024,
			MaxBodyLen:        16 * 1024,
			MaxConns:          100000,
			GapTimeout:        time.Second,
			PendingTimeout:    30 * time.Second,
			IdleTimeout:       5 * time.Minute,
			MaxPendingPerConn: 32768,
			OrphanPolicy:      "drop",
			ExpiryPolicy:      "drop",
			Sampling:          SamplingConfig{Rate: 1.0},
		},
		Transfer: TransferConfig{
			Interval:     time.Second,
			TableMaxRows: 0,
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:  false,
				Endpoint: "localhost:4317",
				Insecure: true,
				Timeout:  10 * time.Second,
			},
			Stdout: StdoutConfig{
				Enabled: true,
				Format:  "text",
			},
		},
		Discovery: DiscoveryConfig{
			EnvVars: []string{
				"OTEL_SERVICE_NAME",
				"SERVICE_NAME",
				"DD_SERVICE",
				"APP_NAME",
			},
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8686",
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
	}
}

// LoadDir loads the config files of a directory and merges them into a
// single Config. Expected files:
//   - base.yaml    → service_name, log_level, hook, exporters, health
//   - tracing.yaml → tracing, transfer
//
// A .toml file of the same name is read instead when present. Missing files
// are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, name := range []string{"base", "tracing"} {
		path := filepath.Join(dir, name+".toml")
		if _, err := os.Stat(path); err != nil {
			path = filepath.Join(dir, name+".yaml")
		}
		if err := loadFileInto(path, cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", filepath.Base(path), err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadFileInto parses a file into an existing Config, overwriting only the
// fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	if strings.HasSuffix(path, ".toml") {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return err
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown key %q", undecoded[0].String())
		}
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads WIRETAP_* environment variables and applies them
// to the config, overriding file values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"WIRETAP_SERVICE_NAME":            func(v string) { c.ServiceName = v },
		"WIRETAP_LOG_LEVEL":               func(v string) { c.LogLevel = v },
		"WIRETAP_HEALTH_PORT":             func(v string) { c.Health.Port = v },
		"WIRETAP_HOOK_SOURCE":             func(v string) { c.Hook.Source = v },
		"WIRETAP_HOOK_SOCKET_PATH":        func(v string) { c.Hook.SocketPath = v },
		"WIRETAP_EXPORTERS_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
		"WIRETAP_TRACING_ORPHAN_POLICY":   func(v string) { c.Tracing.OrphanPolicy = v },
		"WIRETAP_TRACING_EXPIRY_POLICY":   func(v string) { c.Tracing.ExpiryPolicy = v },
	}

	boolOverrides := map[string]*bool{
		"WIRETAP_HEALTH_ENABLED":           &c.Health.Enabled,
		"WIRETAP_REDACTION_ENABLED":        &c.Redaction.Enabled,
		"WIRETAP_EXPORTERS_OTLP_ENABLED":   &c.Exporters.OTLP.Enabled,
		"WIRETAP_EXPORTERS_STDOUT_ENABLED": &c.Exporters.Stdout.Enabled,
		"WIRETAP_DEBUG_ASSERTIONS":         &c.DebugAssertions,
	}

	durationOverrides := map[string]*time.Duration{
		"WIRETAP_TRACING_PENDING_TIMEOUT": &c.Tracing.PendingTimeout,
		"WIRETAP_TRACING_IDLE_TIMEOUT":    &c.Tracing.IdleTimeout,
		"WIRETAP_TRANSFER_INTERVAL":       &c.Transfer.Interval,
	}

	floatOverrides := map[string]*float64{
		"WIRETAP_TRACING_SAMPLING_RATE": &c.Tracing.Sampling.Rate,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range durationOverrides {
		if val := os.Getenv(envKey); val != "" {
			if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
				*target = d
			}
		}
	}

	for envKey, target := range floatOverrides {
		if val := os.Getenv(envKey); val != "" {
			if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
				*target = f
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Hook.Source {
	case "socket":
		if c.Hook.SocketPath == "" {
			return fmt.Errorf("hook.socket_path is required for the socket source")
		}
	case "ringbuf":
		if c.Hook.RingbufPinPath == "" {
			return fmt.Errorf("hook.ringbuf_pin_path is required for the ringbuf source")
		}
	case "stub":
	default:
		return fmt.Errorf("hook.source must be 'socket', 'ringbuf' or 'stub', got %q", c.Hook.Source)
	}

	if c.Tracing.CaptureCeiling <= 0 || c.Tracing.CaptureCeiling > 30*1024 {
		return fmt.Errorf("tracing.capture_ceiling must be in (0, 30720]")
	}
	if c.Tracing.MaxBufferSize < c.Tracing.CaptureCeiling {
		return fmt.Errorf("tracing.max_buffer_size must be at least tracing.capture_ceiling")
	}
	if c.Tracing.GapTimeout < time.Millisecond {
		return fmt.Errorf("tracing.gap_timeout must be at least 1ms")
	}
	if c.Tracing.PendingTimeout < time.Millisecond {
		return fmt.Errorf("tracing.pending_timeout must be at least 1ms")
	}
	if c.Tracing.IdleTimeout < c.Tracing.PendingTimeout {
		return fmt.Errorf("tracing.idle_timeout must not be shorter than tracing.pending_timeout")
	}
	switch c.Tracing.OrphanPolicy {
	case "drop", "record":
	default:
		return fmt.Errorf("tracing.orphan_policy must be 'drop' or 'record'")
	}
	switch c.Tracing.ExpiryPolicy {
	case "drop", "emit_incomplete":
	default:
		return fmt.Errorf("tracing.expiry_policy must be 'drop' or 'emit_incomplete'")
	}
	if r := c.Tracing.Sampling.Rate; r < 0 || r > 1 {
		return fmt.Errorf("tracing.sampling.rate must be within [0, 1]")
	}
	if len(c.Tracing.CQLPorts) == 0 {
		return fmt.Errorf("tracing.cql_ports must list at least one port")
	}

	if c.Transfer.Interval < 10*time.Millisecond {
		return fmt.Errorf("transfer.interval must be at least 10ms")
	}

	if c.Exporters.OTLP.Enabled && c.Exporters.OTLP.Endpoint == "" {
		return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
	}
	if f := c.Exporters.Stdout.Format; c.Exporters.Stdout.Enabled && f != "text" && f != "json" {
		return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
	}

	return nil
}
