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
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("expected default sample rate 16000, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Features.PitchFmin != 50 || cfg.Features.PitchFmax != 350 {
		t.Fatalf("unexpected pitch bounds: %v..%v", cfg.Features.PitchFmin, cfg.Features.PitchFmax)
	}
	if cfg.Model.Trees != 200 || cfg.Model.MaxDepth != 10 || cfg.Model.Seed != 42 || !cfg.Model.ClassBalanced {
		t.Fatalf("unexpected model defaults: %+v", cfg.Model)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voiceguard.yaml")
	data := []byte(`
service_name: vg-test
http:
  port: 8088
auth:
  api_keys: ["k1", "k2"]
model:
  path: /tmp/model.msgpack
  trees: 10
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "vg-test" || cfg.HTTP.Port != 8088 {
		t.Fatalf("expected file values, got %+v", cfg)
	}
	if len(cfg.Auth.APIKeys) != 2 {
		t.Fatalf("expected 2 api keys, got %v", cfg.Auth.APIKeys)
	}
	if cfg.Model.Trees != 10 || cfg.Model.MaxDepth != 10 {
		t.Fatalf("expected partial model override, got %+v", cfg.Model)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOICEGUARD_AUTH_API_KEYS", "alpha, beta")
	t.Setenv("VOICEGUARD_BUS_ENABLED", "true")
	t.Setenv("VOICEGUARD_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VOICEGUARD_BUS_EMBEDDED", "false")
	t.Setenv("VOICEGUARD_EVENT_STORE_RETENTION_MODE", "ephemeral")
	t.Setenv("VOICEGUARD_EVENT_STORE_MAX_RECORDS", "123")
	t.Setenv("VOICEGUARD_FEATURES_PITCH_FMAX", "400")
	t.Setenv("VOICEGUARD_MODEL_PATH", "./other.msgpack")
	t.Setenv("PORT", "7000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Auth.APIKeys) != 2 || cfg.Auth.APIKeys[1] != "beta" {
		t.Fatalf("expected api keys override, got %v", cfg.Auth.APIKeys)
	}
	if !cfg.Bus.Enabled || cfg.Bus.Embedded {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.EventStore.RetentionMode != "ephemeral" || cfg.EventStore.MaxRecords != 123 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Features.PitchFmax != 400 {
		t.Fatalf("expected pitch fmax override, got %v", cfg.Features.PitchFmax)
	}
	if cfg.Model.Path != "./other.msgpack" {
		t.Fatalf("expected model path override")
	}
	if cfg.HTTP.Port != 7000 {
		t.Fatalf("expected PORT override, got %d", cfg.HTTP.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"exec decoder without command": func(c *Config) { c.Audio.Decoder = "exec" },
		"unknown decoder":              func(c *Config) { c.Audio.Decoder = "ffmpeg" },
		"inverted pitch bounds":        func(c *Config) { c.Features.PitchFmin = 400 },
		"even hpss kernel":             func(c *Config) { c.Features.HPSSKernel = 30 },
		"unknown retention":            func(c *Config) { c.EventStore.RetentionMode = "session" },
		"zero trees":                   func(c *Config) { c.Model.Trees = 0 },
		"pitch frame too short":        func(c *Config) { c.Features.PitchFrameLength = 256 },
		"bus without node id": func(c *Config) {
			c.Bus.Enabled = true
			c.Node.ID = ""
		},
		"heartbeat timeout too short": func(c *Config) {
			c.Bus.Enabled = true
			c.Node.HeartbeatTimeout = 1000
		},
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
