package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.App.Port != 8080 {
		t.Errorf("App.Port = %d, want 8080", cfg.App.Port)
	}
	if cfg.Services.BaseURLs["courses"] != "http://courses_service:8000" {
		t.Errorf("courses URL = %s", cfg.Services.BaseURLs["courses"])
	}
	if cfg.Services.Selectors["classes"] != "courses" {
		t.Errorf("classes selector = %s, want courses", cfg.Services.Selectors["classes"])
	}
	if cfg.Services.Selectors["results"] != "trainees" {
		t.Errorf("results selector = %s, want trainees", cfg.Services.Selectors["results"])
	}
	if cfg.Health.CacheTTL != 30*time.Second {
		t.Errorf("Health.CacheTTL = %v, want 30s", cfg.Health.CacheTTL)
	}
	if cfg.Proxy.ForwardTimeout != 30*time.Second {
		t.Errorf("Proxy.ForwardTimeout = %v, want 30s", cfg.Proxy.ForwardTimeout)
	}
	if cfg.Worker.MaxRetries != 3 {
		t.Errorf("Worker.MaxRetries = %d, want 3", cfg.Worker.MaxRetries)
	}
	if cfg.Worker.BatchSize != 100 || cfg.Worker.DeadLetterBatchSize != 50 {
		t.Errorf("batch sizes = %d/%d, want 100/50", cfg.Worker.BatchSize, cfg.Worker.DeadLetterBatchSize)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EXAMS_SERVICE_URL", "http://exams.internal:9000/")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("MAX_RETRIES", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Services.BaseURLs["exams"] != "http://exams.internal:9000" {
		t.Errorf("exams URL = %s, want trailing slash trimmed", cfg.Services.BaseURLs["exams"])
	}
	if cfg.Redis.Addr() != "redis.internal:6380" {
		t.Errorf("redis addr = %s", cfg.Redis.Addr())
	}
	if cfg.Worker.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.Worker.MaxRetries)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("MAX_RETRIES", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for MAX_RETRIES=0")
	}
}

func TestLoadRejectsBadInt(t *testing.T) {
	t.Setenv("APP_PORT", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-integer APP_PORT")
	}
}

func TestRedisFallbackAddrs(t *testing.T) {
	r := RedisConfig{Host: "redis.internal", Port: 6379}
	addrs := r.FallbackAddrs()
	if len(addrs) != 3 {
		t.Fatalf("addrs = %v, want primary plus two fallbacks", addrs)
	}
	if addrs[0] != "redis.internal:6379" {
		t.Errorf("primary = %s", addrs[0])
	}
	if addrs[1] != "127.0.0.1:6379" || addrs[2] != "localhost:6379" {
		t.Errorf("fallbacks = %v", addrs[1:])
	}

	local := RedisConfig{Host: "127.0.0.1", Port: 6379}
	if addrs := local.FallbackAddrs(); len(addrs) != 2 {
		t.Errorf("local addrs = %v, want primary deduplicated", addrs)
	}
}
