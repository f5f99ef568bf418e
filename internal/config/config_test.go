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
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.RemoteTTS.Stability != 0.5 || cfg.RemoteTTS.SimilarityBoost != 0.75 {
		t.Fatalf("unexpected voice settings: %+v", cfg.RemoteTTS)
	}
	if cfg.RemoteTTS.CredentialKey == cfg.LLM.CredentialKey {
		t.Fatalf("credential keys must be independent, both %q", cfg.LLM.CredentialKey)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_CREDENTIALS_BACKEND", "memory")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_TTS_BACKEND", "remote")
	t.Setenv("LOQA_REMOTE_TTS_OUTPUT_FORMAT", "pcm_22050")
	t.Setenv("LOQA_REMOTE_TTS_STABILITY", "0.4")
	t.Setenv("LOQA_LLM_MODE", "ollama")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" {
		t.Fatalf("expected username override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Credentials.Backend != "memory" {
		t.Fatalf("expected credentials backend override, got %q", cfg.Credentials.Backend)
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.TTS.Backend != "remote" {
		t.Fatalf("expected tts backend override")
	}
	if cfg.RemoteTTS.OutputFormat != "pcm_22050" || cfg.RemoteTTS.Stability != 0.4 {
		t.Fatalf("expected remote tts overrides, got %+v", cfg.RemoteTTS)
	}
	if cfg.LLM.Mode != "ollama" {
		t.Fatalf("expected llm mode override")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa.yaml")
	data := []byte(`
runtime_name: speech-test
http:
  port: 9999
tts:
  enabled: true
  backend: remote
remote_tts:
  model_id: eleven_turbo_v2_5
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "speech-test" || cfg.HTTP.Port != 9999 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.RemoteTTS.ModelID != "eleven_turbo_v2_5" {
		t.Fatalf("expected model override, got %q", cfg.RemoteTTS.ModelID)
	}
	if cfg.RemoteTTS.Endpoint != "https://api.elevenlabs.io" {
		t.Fatalf("expected default endpoint retained, got %q", cfg.RemoteTTS.Endpoint)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	cases := map[string]func(*Config){
		"credentials backend": func(c *Config) { c.Credentials.Backend = "vault" },
		"tts backend":         func(c *Config) { c.TTS.Enabled = true; c.TTS.Backend = "cloud" },
		"tts exec command":    func(c *Config) { c.TTS.Enabled = true; c.TTS.Mode = "exec" },
		"stt without bus":     func(c *Config) { c.STT.Enabled = true; c.Bus.Enabled = false },
		"llm mode":            func(c *Config) { c.LLM.Enabled = true; c.LLM.Mode = "magic" },
		"assets":              func(c *Config) { c.Assets.MaxEntries = 0 },
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
