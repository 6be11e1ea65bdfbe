package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// resetSensordEnv clears SENSORD_* variables and points HOME at a temp dir so
// the user's own config never leaks into a test.
func resetSensordEnv(t *testing.T) {
	t.Helper()

	for _, kv := range os.Environ() {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "SENSORD_") {
			continue
		}
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_RUNTIME_DIR", "")
}

func TestLoadConfig_Defaults(t *testing.T) {
	resetSensordEnv(t)

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ConfigPath != "" {
		t.Fatalf("ConfigPath = %q, want empty when no file exists", cfg.ConfigPath)
	}
	if cfg.TCPAddr != "127.0.0.1:4000" {
		t.Fatalf("TCPAddr = %q", cfg.TCPAddr)
	}
	if cfg.APIAddr != "0.0.0.0:3000" {
		t.Fatalf("APIAddr = %q", cfg.APIAddr)
	}
	if cfg.DecoderMode != decoderModeLine || cfg.StoreDriver != storeDriverDuckDB || cfg.InsertMode != insertModeSync {
		t.Fatalf("modes = %q/%q/%q", cfg.DecoderMode, cfg.StoreDriver, cfg.InsertMode)
	}
	if cfg.Schema != "accelerometer" {
		t.Fatalf("Schema = %q", cfg.Schema)
	}
	if cfg.SerialPort != "/dev/ttyUSB0" || cfg.SerialBaud != 9600 {
		t.Fatalf("serial = %q @ %d", cfg.SerialPort, cfg.SerialBaud)
	}
	if cfg.StoreTimeout != 5*time.Second || cfg.AccumulateTimeout != 30*time.Second {
		t.Fatalf("timeouts = %s/%s", cfg.StoreTimeout, cfg.AccumulateTimeout)
	}
	if cfg.SubscriberBuffer != 64 {
		t.Fatalf("SubscriberBuffer = %d", cfg.SubscriberBuffer)
	}
	if !strings.HasSuffix(cfg.DBPath, filepath.Join(".local", "share", "sensord", "sensord.duckdb")) {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
}

func TestLoadConfig_AddressResolution(t *testing.T) {
	resetSensordEnv(t)

	tests := []struct {
		name        string
		configYAML  string
		wantTCPAddr string
		wantAPIAddr string
	}{
		{
			name: "ports derive addresses",
			configYAML: `
tcp-port: 4100
api-port: 3100
`,
			wantTCPAddr: "127.0.0.1:4100",
			wantAPIAddr: "0.0.0.0:3100",
		},
		{
			name: "explicit addresses override ports",
			configYAML: `
tcp-port: 4300
api-port: 3300
tcp-addr: 10.0.0.5:9999
api-addr: 10.0.0.5:8888
`,
			wantTCPAddr: "10.0.0.5:9999",
			wantAPIAddr: "10.0.0.5:8888",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeTempConfig(t, tt.configYAML))
			if err != nil {
				t.Fatalf("loadConfig returned error: %v", err)
			}
			if cfg.TCPAddr != tt.wantTCPAddr {
				t.Fatalf("TCPAddr = %q, want %q", cfg.TCPAddr, tt.wantTCPAddr)
			}
			if cfg.APIAddr != tt.wantAPIAddr {
				t.Fatalf("APIAddr = %q, want %q", cfg.APIAddr, tt.wantAPIAddr)
			}
		})
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	resetSensordEnv(t)

	tests := []struct {
		name         string
		configYAML   string
		errSubstring string
	}{
		{"tcp port out of range", "tcp-port: 70000", "invalid tcp-port"},
		{"api port zero", "api-port: -1", "invalid api-port"},
		{"unknown decoder mode", "decoder-mode: magic", "invalid decoder-mode"},
		{"unknown store driver", "store-driver: sqlite", "invalid store-driver"},
		{"postgres without dsn", "store-driver: postgres", "requires postgres-dsn"},
		{"unknown insert mode", "insert-mode: eventually", "invalid insert-mode"},
		{"journal without buffer", "journal-enabled: true", "requires insert-mode buffered"},
		{"backup with postgres", "store-driver: postgres\npostgres-dsn: postgres://localhost/sensord\nbackup-enabled: true", "backup-enabled requires"},
		{"unknown schema", "schema: weather-balloon", "invalid schema"},
		{"unknown log format", "log-format: xml", "invalid log-format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeTempConfig(t, tt.configYAML))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errSubstring) {
				t.Fatalf("error = %q, want substring %q", err.Error(), tt.errSubstring)
			}
		})
	}
}

func TestLoadConfig_FileAndModes(t *testing.T) {
	resetSensordEnv(t)

	path := writeTempConfig(t, `
serial-enabled: true
serial-port: /dev/ttyACM0
serial-baud: 115200
decoder-mode: Accumulate
store-driver: postgres
postgres-dsn: postgres://sensord@localhost/sensord?sslmode=disable
insert-mode: buffered
journal-enabled: true
journal-path: ~/journal/ingest.journal
insert-flush-interval: 250ms
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ConfigPath != path {
		t.Fatalf("ConfigPath = %q, want %q", cfg.ConfigPath, path)
	}
	if !cfg.SerialEnabled || cfg.SerialPort != "/dev/ttyACM0" || cfg.SerialBaud != 115200 {
		t.Fatalf("serial = %v %q %d", cfg.SerialEnabled, cfg.SerialPort, cfg.SerialBaud)
	}
	if cfg.DecoderMode != decoderModeAccumulate {
		t.Fatalf("DecoderMode = %q, want normalised %q", cfg.DecoderMode, decoderModeAccumulate)
	}
	if cfg.InsertFlushInterval != 250*time.Millisecond {
		t.Fatalf("InsertFlushInterval = %s", cfg.InsertFlushInterval)
	}
	if strings.HasPrefix(cfg.JournalPath, "~") || !strings.HasSuffix(cfg.JournalPath, filepath.Join("journal", "ingest.journal")) {
		t.Fatalf("JournalPath = %q, want ~ expanded", cfg.JournalPath)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	resetSensordEnv(t)
	t.Setenv("SENSORD_API_PORT", "3900")
	t.Setenv("SENSORD_SCHEMA", "environmental")

	cfg, err := loadConfig(writeTempConfig(t, "api-port: 3100"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.APIPort != 3900 || cfg.APIAddr != "0.0.0.0:3900" {
		t.Fatalf("api = %d %q, want env override", cfg.APIPort, cfg.APIAddr)
	}
	if cfg.Schema != "environmental" {
		t.Fatalf("Schema = %q", cfg.Schema)
	}
}
