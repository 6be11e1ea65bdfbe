package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCLIConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	t.Setenv("SENSORD_SOCKET_PATH", "")
	os.Unsetenv("SENSORD_SOCKET_PATH")

	cfg, err := loadCLIConfig("")
	if err != nil {
		t.Fatalf("loadCLIConfig: %v", err)
	}
	if cfg.SocketPath != "/run/user/1000/sensord/sensord.sock" {
		t.Fatalf("SocketPath = %q", cfg.SocketPath)
	}
	if cfg.HistoryHours != 24 {
		t.Fatalf("HistoryHours = %d, want 24", cfg.HistoryHours)
	}

	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("socket-path: /tmp/other.sock\nhistory-hours: 6\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadCLIConfig(path)
	if err != nil {
		t.Fatalf("loadCLIConfig(file): %v", err)
	}
	if cfg.SocketPath != "/tmp/other.sock" || cfg.HistoryHours != 6 {
		t.Fatalf("cfg = %+v", cfg)
	}

	t.Setenv("SENSORD_SOCKET_PATH", "/tmp/env.sock")
	cfg, err = loadCLIConfig(path)
	if err != nil {
		t.Fatalf("loadCLIConfig(env): %v", err)
	}
	if cfg.SocketPath != "/tmp/env.sock" {
		t.Fatalf("SocketPath = %q, want env override", cfg.SocketPath)
	}
}
