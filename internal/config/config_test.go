package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
daemon:
  http_addr: ":9090"
  log_level: debug
redis:
  addr: redis.internal:6379
breaker:
  failure_threshold: 3
  timeout: 10s
batch:
  max_size: 25
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Daemon.HTTPAddr != ":9090" || cfg.Daemon.LogLevel != "debug" {
		t.Fatalf("daemon section not applied: %+v", cfg.Daemon)
	}
	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Fatalf("redis addr not applied: %q", cfg.Redis.Addr)
	}
	if cfg.Breaker.FailureThreshold != 3 || cfg.Breaker.Timeout != 10*time.Second {
		t.Fatalf("breaker section not applied: %+v", cfg.Breaker)
	}
	if cfg.Batch.MaxSize != 25 {
		t.Fatalf("batch section not applied: %+v", cfg.Batch)
	}

	// Untouched sections keep their defaults.
	if cfg.Breaker.SuccessThreshold != 2 {
		t.Fatalf("default success threshold lost: %d", cfg.Breaker.SuccessThreshold)
	}
	if cfg.Client.MaxRetries != 3 {
		t.Fatalf("default client retries lost: %d", cfg.Client.MaxRetries)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LINGOKIT_HTTP_ADDR", ":7070")
	t.Setenv("LINGOKIT_REDIS_ADDR", "cache:6379")
	t.Setenv("LINGOKIT_REDIS_DB", "4")
	t.Setenv("LINGOKIT_TOKEN_SECRET", "s3cret")
	t.Setenv("LINGOKIT_OTEL_ENABLED", "true")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Daemon.HTTPAddr != ":7070" {
		t.Fatalf("http addr override lost: %q", cfg.Daemon.HTTPAddr)
	}
	if cfg.Redis.Addr != "cache:6379" || cfg.Redis.DB != 4 {
		t.Fatalf("redis override lost: %+v", cfg.Redis)
	}
	if cfg.Token.SharedSecret != "s3cret" {
		t.Fatalf("token secret override lost")
	}
	if !cfg.Observability.Enabled {
		t.Fatal("otel enable override lost")
	}
}

func TestLoadFromFileRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("daemon: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}
