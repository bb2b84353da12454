package config

import (
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Port int `env:"PHARMATRACE_TEST_PORT" envDefault:"123"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("PHARMATRACE_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PHARMATRACE_JWT_SECRET", "0123456789abcdef0123")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.Auth.AccessTTL != 15*time.Minute || cfg.Auth.RefreshTTL != 168*time.Hour {
		t.Fatalf("unexpected ttls %s / %s", cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)
	}
	if cfg.Ledger.Mode != LedgerMemory {
		t.Fatalf("ledger mode = %q", cfg.Ledger.Mode)
	}
	if cfg.Batch.RetryAttempts != 4 || cfg.Batch.ConfirmTimeout != 30*time.Second || cfg.Batch.MaxCustodyAttempts != 3 {
		t.Fatalf("unexpected batch config %+v", cfg.Batch)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PHARMATRACE_JWT_SECRET", "0123456789abcdef0123")
	t.Setenv("PHARMATRACE_ACCESS_TTL", "5m")
	t.Setenv("PHARMATRACE_RETRY_ATTEMPTS", "2")
	t.Setenv("PHARMATRACE_REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.AccessTTL != 5*time.Minute {
		t.Fatalf("access ttl = %s", cfg.Auth.AccessTTL)
	}
	if cfg.Batch.RetryAttempts != 2 {
		t.Fatalf("retry attempts = %d", cfg.Batch.RetryAttempts)
	}
	if cfg.Store.RedisAddr != "localhost:6379" {
		t.Fatalf("redis addr = %q", cfg.Store.RedisAddr)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Auth:   AuthConfig{JWTSecret: "0123456789abcdef", AccessTTL: time.Minute, RefreshTTL: time.Hour},
			Ledger: LedgerConfig{Mode: LedgerMemory},
			Batch:  BatchConfig{RetryAttempts: 1},
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "JWT_SECRET"},
		{"refresh shorter than access", func(c *Config) { c.Auth.RefreshTTL = time.Second }, "refresh TTL"},
		{"unknown ledger", func(c *Config) { c.Ledger.Mode = "fabric" }, "unknown ledger mode"},
		{"evm without rpc", func(c *Config) { c.Ledger.Mode = LedgerEVM }, "PHARMATRACE_EVM_RPC_URL"},
		{"no retries", func(c *Config) { c.Batch.RetryAttempts = 0 }, "RETRY_ATTEMPTS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
