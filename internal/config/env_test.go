package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("FLEETCHECK_ENDPOINT_URL", "https://env.example.com/exec")
	t.Setenv("FLEETCHECK_STORE", "redis")
	t.Setenv("FLEETCHECK_REDIS_URL", "redis://cache:6379/1")
	t.Setenv("FLEETCHECK_SESSION_IDLE_TIMEOUT", "5m")
	t.Setenv("FLEETCHECK_ENV", "development")

	cfg := Default()
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv() error: %v", err)
	}

	if cfg.EndpointURL != "https://env.example.com/exec" {
		t.Errorf("EndpointURL = %q", cfg.EndpointURL)
	}
	if cfg.Store.Backend != StoreRedis || cfg.Store.RedisURL != "redis://cache:6379/1" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Session.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", cfg.Session.IdleTimeout)
	}
	if !cfg.Environment.IsDevelopment() {
		t.Errorf("Environment = %q, want development", cfg.Environment)
	}
	if cfg.Session.MaxDuration != 12*time.Hour {
		t.Errorf("unset variable changed MaxDuration to %v", cfg.Session.MaxDuration)
	}
}

func TestApplyEnv_LegacyEndpoint(t *testing.T) {
	t.Setenv("VITE_APP_SCRIPT_URL", "https://legacy.example.com/exec")

	cfg := Default()
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv() error: %v", err)
	}
	if cfg.EndpointURL != "https://legacy.example.com/exec" {
		t.Errorf("EndpointURL = %q", cfg.EndpointURL)
	}
}

func TestApplyEnv_InvalidDuration(t *testing.T) {
	t.Setenv("FLEETCHECK_CACHE_TTL", "soon")

	if err := ApplyEnv(Default()); err == nil {
		t.Error("ApplyEnv() expected error for invalid duration")
	}
}

func TestEnvironment_Normalize(t *testing.T) {
	tests := []struct {
		env  Environment
		want Environment
	}{
		{"development", EnvDevelopment},
		{"Staging", EnvStaging},
		{"production", EnvProduction},
		{"", EnvProduction},
		{"invalid", EnvProduction},
	}

	for _, tt := range tests {
		t.Run(string(tt.env), func(t *testing.T) {
			if got := tt.env.Normalize(); got != tt.want {
				t.Errorf("Normalize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("FLEETCHECK_TEST_DOTENV=loaded\n"), 0600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("FLEETCHECK_TEST_DOTENV") })

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error: %v", err)
	}
	if got := os.Getenv("FLEETCHECK_TEST_DOTENV"); got != "loaded" {
		t.Errorf("FLEETCHECK_TEST_DOTENV = %q, want loaded", got)
	}
}
