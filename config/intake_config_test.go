package config

import (
	"strings"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":       "file::memory:",
		"DATABASE_DRIVER":    "sqlite",
		"CREDENTIALS_SECRET": "0123456789abcdef",
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := parse(env.Options{Environment: baseEnv()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.SchedulerInterval != 15*time.Minute {
		t.Errorf("expected 15m scheduler interval, got %v", cfg.SchedulerInterval)
	}
	if !cfg.SchedulerEnabled {
		t.Error("scheduler should be enabled by default")
	}
	if cfg.LLMTimeout() != 30*time.Second {
		t.Errorf("expected 30s llm timeout, got %v", cfg.LLMTimeout())
	}
}

func TestParseFailsClosed(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(map[string]string)
		wantErr string
	}{
		{
			name:    "missing secret",
			mutate:  func(m map[string]string) { delete(m, "CREDENTIALS_SECRET") },
			wantErr: "CREDENTIALS_SECRET is required",
		},
		{
			name:    "short secret",
			mutate:  func(m map[string]string) { m["CREDENTIALS_SECRET"] = "short" },
			wantErr: "at least 16 characters",
		},
		{
			name:    "unknown driver",
			mutate:  func(m map[string]string) { m["DATABASE_DRIVER"] = "mysql" },
			wantErr: "not supported",
		},
		{
			name:    "zero interval",
			mutate:  func(m map[string]string) { m["SCHEDULER_INTERVAL"] = "0s" },
			wantErr: "SCHEDULER_INTERVAL must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars := baseEnv()
			tt.mutate(vars)

			_, err := parse(env.Options{Environment: vars})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAllowedOriginsSplit(t *testing.T) {
	vars := baseEnv()
	vars["ALLOWED_ORIGINS"] = "https://a.example.com,https://b.example.com"

	cfg, err := parse(env.Options{Environment: vars})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("expected 2 origins, got %v", cfg.AllowedOrigins)
	}
	if cfg.AllowedOriginsHeader() != "https://a.example.com,https://b.example.com" {
		t.Errorf("unexpected header %q", cfg.AllowedOriginsHeader())
	}
}
