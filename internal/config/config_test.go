package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gateway.Port != DefaultPort {
		t.Fatalf("expected default port %d, got %d", DefaultPort, cfg.Gateway.Port)
	}
	if cfg.Synthesis.Mode != "mock" {
		t.Fatalf("expected mock synthesis by default, got %q", cfg.Synthesis.Mode)
	}
	if cfg.NeedsBus() {
		t.Fatal("default config should not require the bus")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	data := `
gateway:
  port: 40000
  max_connections: 8
synthesis:
  mode: exec
  command: "espeak-ng -v {lang} -w {output}"
  timeout_ms: 5000
relay:
  enabled: true
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != 40000 || cfg.Gateway.MaxConnections != 8 {
		t.Fatalf("gateway section not applied: %+v", cfg.Gateway)
	}
	if cfg.Synthesis.Command != "espeak-ng -v {lang} -w {output}" {
		t.Fatalf("unexpected command %q", cfg.Synthesis.Command)
	}
	if cfg.Synthesis.SampleRate != 22050 {
		t.Fatalf("expected defaults kept for unset keys, got sample rate %d", cfg.Synthesis.SampleRate)
	}
	if !cfg.NeedsBus() {
		t.Fatal("relay should require the bus")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TTSGATE_GATEWAY_PORT", "41000")
	t.Setenv("TTSGATE_SYNTHESIS_MODE", "remote")
	t.Setenv("TTSGATE_SYNTHESIS_DEFAULT_LOCALE", "it_IT")
	t.Setenv("TTSGATE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("TTSGATE_BUS_TLS_INSECURE", "true")
	t.Setenv("TTSGATE_STORE_MAX_JOBS", "10")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gateway.Port != 41000 {
		t.Fatalf("expected port override, got %d", cfg.Gateway.Port)
	}
	if cfg.Synthesis.Mode != "remote" || cfg.Synthesis.DefaultLocale != "it_IT" {
		t.Fatalf("synthesis overrides not applied: %+v", cfg.Synthesis)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Store.MaxJobs != 10 {
		t.Fatalf("expected max jobs override, got %d", cfg.Store.MaxJobs)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"privileged port":  func(c *Config) { c.Gateway.Port = 1024 },
		"top port":         func(c *Config) { c.Gateway.Port = 65535 },
		"unknown mode":     func(c *Config) { c.Synthesis.Mode = "cloud" },
		"exec no command":  func(c *Config) { c.Synthesis.Mode = "exec" },
		"zero timeout":     func(c *Config) { c.Synthesis.TimeoutMS = 0 },
		"admin clash":      func(c *Config) { c.Admin.Port = c.Gateway.Port },
		"relay on remote":  func(c *Config) { c.Relay.Enabled = true; c.Synthesis.Mode = "remote" },
		"no bus servers":   func(c *Config) { c.Relay.Enabled = true; c.Bus.Servers = nil },
		"negative workers": func(c *Config) { c.Synthesis.Workers = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidListenPort(t *testing.T) {
	for port, want := range map[int]bool{1024: false, 1025: true, 35248: true, 65534: true, 65535: false, 0: false} {
		if got := ValidListenPort(port); got != want {
			t.Fatalf("ValidListenPort(%d) = %v, want %v", port, got, want)
		}
	}
}
