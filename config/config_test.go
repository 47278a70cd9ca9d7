package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shop.yaml")
	doc := `
name: roastery
listen_addr: ":9090"
baristas: 8
idle_wait: 2s
result_ttl: 1h
queue:
  backend: sqs
  url: https://sqs.us-east-1.amazonaws.com/123/orders
table:
  backend: dynamodb
  name: orders-results
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Name != "roastery" || cfg.ListenAddr != ":9090" || cfg.Baristas != 8 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.IdleWait != 2*time.Second || cfg.ResultTTL != time.Hour {
		t.Fatalf("durations not parsed: %+v", cfg)
	}
	if cfg.Queue.Backend != "sqs" || cfg.Table.Backend != "dynamodb" {
		t.Fatalf("backends not applied: %+v", cfg)
	}
	// Untouched fields keep their defaults.
	if cfg.Multicast.Host != "224.0.0.249" || cfg.Table.PartitionKey != "ticket" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config invalid: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("COFFEESHOP_NAME", "kiosk")
	t.Setenv("COFFEESHOP_BARISTAS", "2")
	t.Setenv("COFFEESHOP_QUEUE_BACKEND", "redis")
	t.Setenv("COFFEESHOP_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("COFFEESHOP_MULTICAST_PORT", "12000")

	cfg := Default()
	ApplyEnv(cfg)

	if cfg.Name != "kiosk" || cfg.Baristas != 2 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Queue.Backend != "redis" || cfg.Queue.Redis.Addr != "redis.internal:6379" {
		t.Fatalf("queue env not applied: %+v", cfg.Queue)
	}
	if cfg.Table.Redis.Addr != "redis.internal:6379" {
		t.Fatalf("redis addr must apply to both backends: %+v", cfg.Table)
	}
	if cfg.Multicast.Port != 12000 {
		t.Fatalf("multicast port not applied: %d", cfg.Multicast.Port)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero baristas", func(c *Config) { c.Baristas = 0 }},
		{"zero ttl", func(c *Config) { c.ResultTTL = 0 }},
		{"bad multicast port", func(c *Config) { c.Multicast.Port = 0 }},
		{"unknown queue backend", func(c *Config) { c.Queue.Backend = "kafka" }},
		{"sqs without url", func(c *Config) { c.Queue.Backend = "sqs"; c.Queue.URL = "" }},
		{"unknown table backend", func(c *Config) { c.Table.Backend = "mongo" }},
		{"empty partition key", func(c *Config) { c.Table.PartitionKey = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
