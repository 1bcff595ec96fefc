package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseYAMLAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
log_level: debug
auth:
  jwt_secret: s3cret
anomaly:
  buffer_size: 50
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level: %s", cfg.LogLevel)
	}
	if cfg.Anomaly.BufferSize != 50 {
		t.Fatalf("buffer size: %d", cfg.Anomaly.BufferSize)
	}
	if cfg.Anomaly.NumTrees != 100 || cfg.Anomaly.Contamination != 0.05 {
		t.Fatalf("anomaly defaults not applied: %+v", cfg.Anomaly)
	}
	if cfg.API.KeepAlive != 15*time.Second {
		t.Fatalf("keep alive: %s", cfg.API.KeepAlive)
	}
	if len(cfg.Detection.CriticalEventTypes) != 3 {
		t.Fatalf("critical types: %v", cfg.Detection.CriticalEventTypes)
	}
}

func TestParseJSONExpandsEnv(t *testing.T) {
	t.Setenv("TW_TEST_SECRET", "from-env")
	cfg, err := Parse([]byte(`{"auth":{"jwt_secret":"${TW_TEST_SECRET}"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Fatalf("secret: %q", cfg.Auth.JWTSecret)
	}
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	if _, err := Parse([]byte(`log_level: info`)); err == nil {
		t.Fatalf("expected error for missing jwt secret")
	}
}

func TestValidateKafkaRequiresBrokers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.JWTSecret = "x"
	cfg.Ingest.Kafka.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected kafka validation error")
	}
	cfg.Ingest.Kafka.Brokers = []string{"localhost:9092"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRedisDrivers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.JWTSecret = "x"
	cfg.Correlation.LockDriver = "redis"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected redis url error")
	}
	cfg.Redis.URL = "redis://localhost:6379/0"
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Anomaly.ModelStore = "s3"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected model store error")
	}
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "threatwatch.yaml")
	if err := os.WriteFile(path, []byte("auth:\n  jwt_secret: a\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if m.Get().Detection.LoginFailThreshold != 3 {
		t.Fatalf("threshold: %v", m.Get().Detection.LoginFailThreshold)
	}
	if err := os.WriteFile(path, []byte("auth:\n  jwt_secret: a\ndetection:\n  login_fail_threshold: 7\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := m.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Detection.LoginFailThreshold != 7 || m.Get().Detection.LoginFailThreshold != 7 {
		t.Fatalf("reload not applied")
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threatwatch.yaml")
	cfg := DefaultConfig()
	cfg.Auth.JWTSecret = "s3cret"
	cfg.API.KeepAlive = 20 * time.Second
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Auth.JWTSecret != "s3cret" || loaded.API.KeepAlive != 20*time.Second {
		t.Fatalf("round trip lost values: %+v", loaded.API)
	}
	if err := Save("", cfg); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
