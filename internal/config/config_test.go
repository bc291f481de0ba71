package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FLEET_ACCESS_TOKEN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.DemoMode() {
		t.Error("no access token should mean demo mode")
	}
	if cfg.ReconnectAttempts != 5 {
		t.Errorf("ReconnectAttempts = %d, want 5", cfg.ReconnectAttempts)
	}
	if cfg.ReconnectDelay != time.Second {
		t.Errorf("ReconnectDelay = %v, want 1s", cfg.ReconnectDelay)
	}
	if cfg.MapTheme != "dark" {
		t.Errorf("MapTheme = %q, want dark", cfg.MapTheme)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FLEET_ACCESS_TOKEN", "token")
	t.Setenv("RECONNECT_ATTEMPTS", "3")
	t.Setenv("RECONNECT_REINIT_LIMIT", "-1")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MAP_THEME", "LIGHT")
	t.Setenv("RATE_LIMIT_WHITELIST", " 10.0.0.1 , ,127.0.0.1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DemoMode() {
		t.Error("access token set, should not be demo mode")
	}
	if cfg.ReconnectAttempts != 3 {
		t.Errorf("ReconnectAttempts = %d, want 3", cfg.ReconnectAttempts)
	}
	if cfg.ReconnectReinitLimit != -1 {
		t.Errorf("ReconnectReinitLimit = %d, want -1", cfg.ReconnectReinitLimit)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.MapTheme != "light" {
		t.Errorf("MapTheme = %q, want light", cfg.MapTheme)
	}
	if len(cfg.RateLimitWhitelist) != 2 || cfg.RateLimitWhitelist[1] != "127.0.0.1" {
		t.Errorf("RateLimitWhitelist = %v", cfg.RateLimitWhitelist)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad api url", "FLEET_API_URL", "not a url"},
		{"zero attempts", "RECONNECT_ATTEMPTS", "0"},
		{"negative reinit limit", "RECONNECT_REINIT_LIMIT", "-2"},
		{"unknown theme", "MAP_THEME", "sepia"},
		{"recorder without database", "RECORDER_ENABLED", "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.val)
			}
		})
	}
}
