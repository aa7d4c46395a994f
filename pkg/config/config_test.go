package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDefaultTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Tracing.PendingTimeout != 30*time.Second {
		t.Errorf("PendingTimeout = %v, want 30s", cfg.Tracing.PendingTimeout)
	}
	if cfg.Tracing.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", cfg.Tracing.IdleTimeout)
	}
	if cfg.Tracing.GapTimeout != time.Second {
		t.Errorf("GapTimeout = %v, want 1s", cfg.Tracing.GapTimeout)
	}
	if cfg.Tracing.OrphanPolicy != "drop" {
		t.Errorf("OrphanPolicy = %q, want drop", cfg.Tracing.OrphanPolicy)
	}
}

func TestShippedConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "wiretap.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := DefaultConfig()
	if cfg.Tracing.PendingTimeout != def.Tracing.PendingTimeout {
		t.Errorf("PendingTimeout = %v, want %v", cfg.Tracing.PendingTimeout, def.Tracing.PendingTimeout)
	}
	if cfg.Tracing.CaptureCeiling != def.Tracing.CaptureCeiling {
		t.Errorf("CaptureCeiling = %d, want %d", cfg.Tracing.CaptureCeiling, def.Tracing.CaptureCeiling)
	}
	if cfg.Hook.SocketPath != def.Hook.SocketPath {
		t.Errorf("SocketPath = %q, want %q", cfg.Hook.SocketPath, def.Hook.SocketPath)
	}
	if len(cfg.Discovery.EnvVars) != len(def.Discovery.EnvVars) {
		t.Errorf("EnvVars = %v, want %v", cfg.Discovery.EnvVars, def.Discovery.EnvVars)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "wiretap.yaml", `
log_level: debug
hook:
  source: stub
tracing:
  cql_ports: [9042, 19042]
  pending_timeout: 10s
  orphan_policy: record
transfer:
  interval: 250ms
debug_assertions: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Hook.Source != "stub" {
		t.Errorf("log_level/source = %q/%q", cfg.LogLevel, cfg.Hook.Source)
	}
	if len(cfg.Tracing.CQLPorts) != 2 || cfg.Tracing.CQLPorts[1] != 19042 {
		t.Errorf("CQLPorts = %v", cfg.Tracing.CQLPorts)
	}
	if cfg.Tracing.PendingTimeout != 10*time.Second {
		t.Errorf("PendingTimeout = %v, want 10s", cfg.Tracing.PendingTimeout)
	}
	if cfg.Transfer.Interval != 250*time.Millisecond {
		t.Errorf("Interval = %v, want 250ms", cfg.Transfer.Interval)
	}
	if !cfg.DebugAssertions {
		t.Error("DebugAssertions should be true")
	}
	// Untouched fields keep defaults.
	if cfg.Tracing.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want default 5m", cfg.Tracing.IdleTimeout)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "wiretap.toml", `
log_level = "warn"

[hook]
source = "ringbuf"
ringbuf_pin_path = "/sys/fs/bpf/cql/events"

[tracing]
expiry_policy = "emit_incomplete"
idle_timeout = "10m"

[exporters.otlp]
enabled = true
endpoint = "collector:4317"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hook.Source != "ringbuf" || cfg.Hook.RingbufPinPath != "/sys/fs/bpf/cql/events" {
		t.Errorf("hook = %+v", cfg.Hook)
	}
	if cfg.Tracing.ExpiryPolicy != "emit_incomplete" {
		t.Errorf("ExpiryPolicy = %q", cfg.Tracing.ExpiryPolicy)
	}
	if cfg.Tracing.IdleTimeout != 10*time.Minute {
		t.Errorf("IdleTimeout = %v, want 10m", cfg.Tracing.IdleTimeout)
	}
	if !cfg.Exporters.OTLP.Enabled || cfg.Exporters.OTLP.Endpoint != "collector:4317" {
		t.Errorf("otlp = %+v", cfg.Exporters.OTLP)
	}
}

func TestLoadTOMLUnknownKey(t *testing.T) {
	path := writeFile(t, t.TempDir(), "wiretap.toml", "log_levle = \"debug\"\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "log_levle") {
		t.Fatalf("err = %v, want unknown key error", err)
	}
}

func TestLoadDirMerges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "log_level: debug\nhook:\n  source: stub\n")
	writeFile(t, dir, "tracing.toml", "[tracing]\npending_timeout = \"5s\"\n")

	cfg, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Tracing.PendingTimeout != 5*time.Second {
		t.Errorf("PendingTimeout = %v, want 5s", cfg.Tracing.PendingTimeout)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WIRETAP_LOG_LEVEL", "error")
	t.Setenv("WIRETAP_TRACING_PENDING_TIMEOUT", "45s")
	t.Setenv("WIRETAP_DEBUG_ASSERTIONS", "yes")
	t.Setenv("WIRETAP_TRACING_SAMPLING_RATE", "0.25")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error", cfg.LogLevel)
	}
	if cfg.Tracing.PendingTimeout != 45*time.Second {
		t.Errorf("PendingTimeout = %v, want 45s", cfg.Tracing.PendingTimeout)
	}
	if !cfg.DebugAssertions {
		t.Error("DebugAssertions should be set")
	}
	if cfg.Tracing.Sampling.Rate != 0.25 {
		t.Errorf("Sampling.Rate = %v, want 0.25", cfg.Tracing.Sampling.Rate)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad source", func(c *Config) { c.Hook.Source = "pcap" }, "hook.source"},
		{"no socket", func(c *Config) { c.Hook.SocketPath = "" }, "hook.socket_path"},
		{"ceiling", func(c *Config) { c.Tracing.CaptureCeiling = 64 * 1024 }, "capture_ceiling"},
		{"orphan", func(c *Config) { c.Tracing.OrphanPolicy = "keep" }, "orphan_policy"},
		{"expiry", func(c *Config) { c.Tracing.ExpiryPolicy = "emit" }, "expiry_policy"},
		{"idle", func(c *Config) { c.Tracing.IdleTimeout = time.Second }, "idle_timeout"},
		{"rate", func(c *Config) { c.Tracing.Sampling.Rate = 2 }, "sampling.rate"},
		{"otlp", func(c *Config) { c.Exporters.OTLP.Enabled = true; c.Exporters.OTLP.Endpoint = "" }, "otlp.endpoint"},
		{"stdout", func(c *Config) { c.Exporters.Stdout.Format = "xml" }, "stdout.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestIsConfigFile(t *testing.T) {
	for name, want := range map[string]bool{
		"base.yaml":    true,
		"tracing.toml": true,
		"x.yml":        true,
		"notes.txt":    false,
		".base.yaml~":  false,
	} {
		if got := isConfigFile(name); got != want {
			t.Errorf("isConfigFile(%q) = %v, want %v", name, got, want)
		}
	}
}
