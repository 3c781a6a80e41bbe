package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"AGENTLINK_REMOTE_URL", "AGENTLINK_PORT", "AGENTLINK_PASSWORD", "AGENTLINK_LOG_LEVEL", "AGENTLINK_DATA_DIR"} {
		t.Setenv(k, "")
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected defaults written: %v", err)
	}
	if cfg.Backend.Mode != "local" || !cfg.Backend.AutoConnect {
		t.Errorf("unexpected backend defaults: %+v", cfg.Backend)
	}
	if cfg.ProbeTimeout() != 3*time.Second {
		t.Errorf("expected 3s probe timeout, got %s", cfg.ProbeTimeout())
	}
	if cfg.BatchWindow() != 16*time.Millisecond {
		t.Errorf("expected 16ms batch window, got %s", cfg.BatchWindow())
	}
	opts := cfg.StreamOptions()
	if opts.Retry.MaxAttempts != 10 || opts.Retry.MaxDelay != 30*time.Second || opts.HeartbeatTimeout != 45*time.Second {
		t.Errorf("unexpected stream options: %+v %+v", opts, opts.Retry)
	}
	if cfg.SelectedModel() != nil {
		t.Error("expected no model selected by default")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	t.Setenv("AGENTLINK_REMOTE_URL", "http://agent:4096")
	t.Setenv("AGENTLINK_PORT", "5123")
	t.Setenv("AGENTLINK_PASSWORD", "pw")
	t.Setenv("AGENTLINK_LOG_LEVEL", "debug")
	t.Setenv("AGENTLINK_DATA_DIR", "/tmp/al")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend.Mode != "remote" || cfg.Backend.RemoteURL != "http://agent:4096" {
		t.Errorf("expected remote override, got %+v", cfg.Backend)
	}
	if cfg.Backend.Port != 5123 || cfg.Backend.Password != "pw" {
		t.Errorf("unexpected backend overrides: %+v", cfg.Backend)
	}
	if cfg.LogLevel != "debug" || cfg.DataDir != "/tmp/al" {
		t.Errorf("unexpected overrides: %s %s", cfg.LogLevel, cfg.DataDir)
	}
	if cfg.JournalDir() != filepath.Join("/tmp/al", "journal") {
		t.Errorf("unexpected journal dir %s", cfg.JournalDir())
	}
}

func TestLoad_BadPortEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENTLINK_PORT", "not-a-port")
	if _, err := Load(tempConfigPath(t)); err == nil {
		t.Error("expected error for invalid AGENTLINK_PORT")
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	original := defaults()
	original.LogLevel = "warn"
	original.Backend.Mode = "remote"
	original.Backend.RemoteURL = "https://agent.example.com"
	original.Backend.Password = "secret-pass"
	original.Stream.MaxAttempts = 3
	original.Model.ProviderID = "anthropic"
	original.Model.ModelID = "m1"
	original.HTTP.AllowedOrigins = []string{"http://localhost:3000"}

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.LogLevel != "warn" {
		t.Errorf("LogLevel mismatch: %v", loaded.LogLevel)
	}
	if loaded.Backend != original.Backend {
		t.Errorf("Backend mismatch: %+v != %+v", loaded.Backend, original.Backend)
	}
	if loaded.StreamOptions().Retry.MaxAttempts != 3 {
		t.Errorf("expected max attempts 3, got %d", loaded.StreamOptions().Retry.MaxAttempts)
	}
	if m := loaded.SelectedModel(); m == nil || m.ModelID != "m1" {
		t.Errorf("unexpected model %+v", m)
	}
	if len(loaded.HTTP.AllowedOrigins) != 1 {
		t.Errorf("expected allowed origins kept, got %v", loaded.HTTP.AllowedOrigins)
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)
	if err := Save(path, defaults()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "config.json")
	if err := Save(path, &Config{LogLevel: "warn"}); err != nil {
		t.Fatalf("Save should create parent directory, got: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file should exist: %v", err)
	}
}

func TestListValues(t *testing.T) {
	cfg := defaults()
	cfg.Backend.Password = "secret1234"

	flat, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["backend.password"] != "secret1234" {
		t.Errorf("expected unmasked password, got %v", flat["backend.password"])
	}
	if flat["stream.max_attempts"] != float64(10) {
		t.Errorf("expected stream.max_attempts=10, got %v (%T)", flat["stream.max_attempts"], flat["stream.max_attempts"])
	}

	masked, err := ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if masked["backend.password"] != "***1234" {
		t.Errorf("expected masked password, got %v", masked["backend.password"])
	}
}

func TestGetValue(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue on new config failed: %v", err)
	}
	if v != "info" {
		t.Errorf("expected default log_level=info, got %v", v)
	}

	_, err = GetValue(path, "nonexistent.key")
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if err.Error() != "unknown config key: nonexistent.key" {
		t.Errorf("unexpected error text %q", err.Error())
	}
}

func TestSetValue(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	writeTestConfig(t, path, defaults())

	tests := []struct {
		key   string
		value string
		want  any
	}{
		{"backend.mode", "remote", "remote"},
		{"backend.port", "4096", float64(4096)},
		{"backend.auto_connect", "false", false},
		{"stream.multiplier", "1.5", 1.5},
		{"custom.setting", "value", "value"},
	}
	for _, tt := range tests {
		if err := SetValue(path, tt.key, tt.value); err != nil {
			t.Fatalf("SetValue(%s) failed: %v", tt.key, err)
		}
		v, err := GetValue(path, tt.key)
		if err != nil {
			t.Fatalf("GetValue(%s) failed: %v", tt.key, err)
		}
		if v != tt.want {
			t.Errorf("expected %s=%v, got %v (%T)", tt.key, tt.want, v, v)
		}
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend.Port != 4096 || cfg.Backend.AutoConnect {
		t.Errorf("typed values not applied: %+v", cfg.Backend)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected other values preserved, got %s", cfg.LogLevel)
	}
}

func TestSetValue_RejectsWrongType(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, defaults())
	if err := SetValue(path, "backend.port", "abc"); err == nil {
		t.Error("expected error for non-numeric port")
	}
	v, err := GetValue(path, "backend.port")
	if err != nil || v != float64(0) {
		t.Errorf("expected port unchanged, got %v, %v", v, err)
	}
}

func TestSetValue_RejectsKeyUnderScalar(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, defaults())
	if err := SetValue(path, "backend.mode.kind", "remote"); err == nil {
		t.Error("expected error for a key nested under a scalar")
	}
	if v, err := GetValue(path, "backend.mode"); err != nil || v != "local" {
		t.Errorf("expected backend.mode unchanged, got %v, %v", v, err)
	}
}

func TestResetValue(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	writeTestConfig(t, path, defaults())

	if err := SetValue(path, "backend.port", "4096"); err != nil {
		t.Fatal(err)
	}
	if err := SetValue(path, "custom.setting", "value"); err != nil {
		t.Fatal(err)
	}
	if err := ResetValue(path, "backend.port"); err != nil {
		t.Fatalf("reset port: %v", err)
	}
	if v, err := GetValue(path, "backend.port"); err != nil || v != float64(0) {
		t.Errorf("expected port back to default 0, got %v, %v", v, err)
	}
	if err := ResetValue(path, "custom.setting"); err != nil {
		t.Fatalf("reset custom: %v", err)
	}
	if _, err := GetValue(path, "custom.setting"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("expected key without default removed, got %v", err)
	}
	if err := ResetValue(path, "no.such.key"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey, got %v", err)
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	if err := SetValue(path, "log_level", "debug"); err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}

func TestFileSettings(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	s := NewFileSettings(path)

	v, err := s.Get("session.last_id")
	if err != nil || v != "" {
		t.Fatalf("expected empty last session, got %q, %v", v, err)
	}
	if err := s.Set("session.last_id", "12345"); err != nil {
		t.Fatal(err)
	}
	v, err = s.Get("session.last_id")
	if err != nil || v != "12345" {
		t.Errorf("expected string value kept, got %q, %v", v, err)
	}
	if v, _ := s.Get("backend.auto_connect"); v != "true" {
		t.Errorf("expected formatted bool, got %q", v)
	}
	if v, err := s.Get("no.such.key"); err != nil || v != "" {
		t.Errorf("expected unset key to read empty, got %q, %v", v, err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Session.LastID != "12345" {
		t.Errorf("expected last id persisted, got %q", cfg.Session.LastID)
	}
}
