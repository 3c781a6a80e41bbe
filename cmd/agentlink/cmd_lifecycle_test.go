package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWritePIDFileAndReadPID(t *testing.T) {
	dir := t.TempDir()
	path, err := writePIDFile(dir)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if filepath.Base(path) != "agentlink.pid" {
		t.Errorf("expected agentlink.pid, got %s", path)
	}

	pid, err := readPID(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), pid)
	}
}

func TestReadPIDMissingFile(t *testing.T) {
	_, err := readPID(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "no running watch") {
		t.Errorf("expected missing watch error, got %v", err)
	}
}

func TestReadPIDInvalidContent(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "agentlink.pid"), []byte("not-a-pid\n"), 0644)
	if _, err := readPID(dir); err == nil {
		t.Error("expected error for invalid PID content")
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"text", "text"},
		{float64(3000), "3000"},
		{true, "true"},
		{[]any{"a", "b"}, `["a","b"]`},
		{nil, "null"},
	}
	for _, tt := range tests {
		if got := formatValue(tt.in); got != tt.want {
			t.Errorf("formatValue(%v): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}
