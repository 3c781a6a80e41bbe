package main

import (
	"path/filepath"
	"testing"

	"github.com/user/agentlink/internal/config"
)

func TestConfigEntriesMarksChanges(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Backend.Mode = "remote"
	cfg.Backend.Password = "hunter22"

	entries, err := configEntries(cfg, true)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	byKey := make(map[string]int)
	for i, e := range entries {
		byKey[e.Key] = i
	}

	mode := entries[byKey["backend.mode"]]
	if !mode.Changed || mode.Value != "remote" {
		t.Errorf("expected backend.mode changed to remote, got %+v", mode)
	}
	pw := entries[byKey["backend.password"]]
	if !pw.Secret || pw.Value != "***er22" {
		t.Errorf("expected masked secret, got %+v", pw)
	}
	attempts := entries[byKey["stream.max_attempts"]]
	if attempts.Changed || attempts.Value != "10" {
		t.Errorf("expected default max_attempts unchanged, got %+v", attempts)
	}

	unmasked, err := configEntries(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range unmasked {
		if e.Key == "backend.password" && (e.Secret || e.Value != "hunter22") {
			t.Errorf("expected raw secret with masking off, got %+v", e)
		}
	}
}

func TestDescribeChange(t *testing.T) {
	tests := []struct {
		key           string
		before, after any
		want          string
	}{
		{"backend.port", float64(0), float64(4096), "backend.port: 0 -> 4096"},
		{"custom.setting", nil, "value", "custom.setting = value"},
		{"backend.password", "old", "new", "backend.password updated"},
	}
	for _, tt := range tests {
		if got := describeChange(tt.key, tt.before, tt.after); got != tt.want {
			t.Errorf("describeChange(%s): expected %q, got %q", tt.key, tt.want, got)
		}
	}
}
