package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/sensord/internal/backup"
	"github.com/tinytelemetry/sensord/internal/decode"
	"github.com/tinytelemetry/sensord/internal/healthrpc"
	"github.com/tinytelemetry/sensord/internal/hub"
	"github.com/tinytelemetry/sensord/internal/logging"
	"github.com/tinytelemetry/sensord/internal/logsource"
	"github.com/tinytelemetry/sensord/internal/model"
	"github.com/tinytelemetry/sensord/internal/schema"
	"github.com/tinytelemetry/sensord/internal/socketrpc"
)

const (
	defaultBindHost            = "127.0.0.1"
	defaultAPIHost             = "0.0.0.0"
	defaultTCPPort             = 4000
	defaultAPIPort             = 3000
	defaultMuxBufferSize       = DefaultMuxBuffer
	defaultStoreTimeout        = 5 * time.Second
	defaultQueryTimeout        = model.DefaultQueryTimeout
	defaultInsertBatchSize     = 500
	defaultInsertFlushInterval = 100 * time.Millisecond
	defaultSubscriberWrite     = 5 * time.Second
)

// Decoder modes.
const (
	decoderModeLine       = "line"
	decoderModeAccumulate = "accumulate"
)

// Store drivers.
const (
	storeDriverDuckDB   = "duckdb"
	storeDriverPostgres = "postgres"
)

// Insert modes.
const (
	insertModeSync     = "sync"
	insertModeBuffered = "buffered"
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	SerialEnabled bool   `mapstructure:"serial-enabled"`
	SerialPort    string `mapstructure:"serial-port"`
	SerialBaud    int    `mapstructure:"serial-baud"`
	TCPEnabled    bool   `mapstructure:"tcp-enabled"`
	TCPPort       int    `mapstructure:"tcp-port"`
	TCPAddr       string `mapstructure:"tcp-addr"`
	MuxBufferSize int    `mapstructure:"mux-buffer-size"`

	DecoderMode       string        `mapstructure:"decoder-mode"`
	AccumulateTimeout time.Duration `mapstructure:"accumulate-timeout"`
	AccumulateReset   string        `mapstructure:"accumulate-reset"`
	Schema            string        `mapstructure:"schema"`
	SchemaFile        string        `mapstructure:"schema-file"`

	StoreDriver         string        `mapstructure:"store-driver"`
	DBPath              string        `mapstructure:"db-path"`
	PostgresDSN         string        `mapstructure:"postgres-dsn"`
	StoreTimeout        time.Duration `mapstructure:"store-timeout"`
	QueryTimeout        time.Duration `mapstructure:"query-timeout"`
	InsertMode          string        `mapstructure:"insert-mode"`
	InsertBatchSize     int           `mapstructure:"insert-batch-size"`
	InsertFlushInterval time.Duration `mapstructure:"insert-flush-interval"`
	JournalEnabled      bool          `mapstructure:"journal-enabled"`
	JournalPath         string        `mapstructure:"journal-path"`
	BackupEnabled       bool          `mapstructure:"backup-enabled"`
	BackupDir           string        `mapstructure:"backup-dir"`
	BackupInterval      time.Duration `mapstructure:"backup-interval"`
	BackupKeepLast      int           `mapstructure:"backup-keep-last"`

	APIEnabled             bool          `mapstructure:"api-enabled"`
	APIPort                int           `mapstructure:"api-port"`
	APIAddr                string        `mapstructure:"api-addr"`
	SubscriberBuffer       int           `mapstructure:"subscriber-buffer"`
	SubscriberWriteTimeout time.Duration `mapstructure:"subscriber-write-timeout"`
	SocketPath             string        `mapstructure:"socket-path"`
	GRPCHealthEnabled      bool          `mapstructure:"grpc-health-enabled"`
	GRPCHealthAddr         string        `mapstructure:"grpc-health-addr"`

	LogLevel   string `mapstructure:"log-level"`
	LogFormat  string `mapstructure:"log-format"`
	LogFile    string `mapstructure:"log-file"`
	ConfigPath string `mapstructure:"-"` // not from config file
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	dataDir := filepath.Join(home, ".local", "share", "sensord")

	v := viper.New()
	v.SetEnvPrefix("SENSORD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("serial-enabled", false)
	v.SetDefault("serial-port", logsource.DefaultSerialPort)
	v.SetDefault("serial-baud", logsource.DefaultSerialBaud)
	v.SetDefault("tcp-enabled", true)
	v.SetDefault("tcp-port", defaultTCPPort)
	v.SetDefault("tcp-addr", "")
	v.SetDefault("mux-buffer-size", defaultMuxBufferSize)
	v.SetDefault("decoder-mode", decoderModeLine)
	v.SetDefault("accumulate-timeout", decode.DefaultAccumulateTimeout)
	v.SetDefault("accumulate-reset", decode.DefaultResetMarker)
	v.SetDefault("schema", schema.DefaultPreset)
	v.SetDefault("schema-file", "")
	v.SetDefault("store-driver", storeDriverDuckDB)
	v.SetDefault("db-path", filepath.Join(dataDir, "sensord.duckdb"))
	v.SetDefault("postgres-dsn", "")
	v.SetDefault("store-timeout", defaultStoreTimeout)
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("insert-mode", insertModeSync)
	v.SetDefault("insert-batch-size", defaultInsertBatchSize)
	v.SetDefault("insert-flush-interval", defaultInsertFlushInterval)
	v.SetDefault("journal-enabled", false)
	v.SetDefault("journal-path", filepath.Join(dataDir, "ingest.journal"))
	v.SetDefault("backup-enabled", false)
	v.SetDefault("backup-dir", filepath.Join(dataDir, "backups"))
	v.SetDefault("backup-interval", backup.DefaultInterval)
	v.SetDefault("backup-keep-last", backup.DefaultKeepLast)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("api-addr", "")
	v.SetDefault("subscriber-buffer", hub.DefaultBufferSize)
	v.SetDefault("subscriber-write-timeout", defaultSubscriberWrite)
	v.SetDefault("socket-path", socketrpc.DefaultSocketPath())
	v.SetDefault("grpc-health-enabled", false)
	v.SetDefault("grpc-health-addr", healthrpc.DefaultAddr)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", logging.FormatConsole)
	v.SetDefault("log-file", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "sensord", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err == nil {
		cfg.ConfigPath = v.ConfigFileUsed()
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.JournalPath = expandHome(home, cfg.JournalPath)
	cfg.BackupDir = expandHome(home, cfg.BackupDir)
	cfg.SchemaFile = expandHome(home, cfg.SchemaFile)
	cfg.LogFile = expandHome(home, cfg.LogFile)

	if cfg.TCPAddr == "" {
		cfg.TCPAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.TCPPort))
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(defaultAPIHost, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}

func (cfg *appConfig) validate() error {
	if cfg.TCPPort <= 0 || cfg.TCPPort > 65535 {
		return fmt.Errorf("invalid tcp-port: %d", cfg.TCPPort)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if cfg.SerialBaud <= 0 {
		return fmt.Errorf("invalid serial-baud: %d", cfg.SerialBaud)
	}

	cfg.DecoderMode = strings.ToLower(strings.TrimSpace(cfg.DecoderMode))
	switch cfg.DecoderMode {
	case decoderModeLine, decoderModeAccumulate:
	default:
		return fmt.Errorf("invalid decoder-mode %q (want %s or %s)", cfg.DecoderMode, decoderModeLine, decoderModeAccumulate)
	}

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	switch cfg.StoreDriver {
	case storeDriverDuckDB:
	case storeDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return errors.New("store-driver postgres requires postgres-dsn")
		}
	default:
		return fmt.Errorf("invalid store-driver %q (want %s or %s)", cfg.StoreDriver, storeDriverDuckDB, storeDriverPostgres)
	}

	cfg.InsertMode = strings.ToLower(strings.TrimSpace(cfg.InsertMode))
	switch cfg.InsertMode {
	case insertModeSync, insertModeBuffered:
	default:
		return fmt.Errorf("invalid insert-mode %q (want %s or %s)", cfg.InsertMode, insertModeSync, insertModeBuffered)
	}
	if cfg.JournalEnabled && cfg.InsertMode != insertModeBuffered {
		return errors.New("journal-enabled requires insert-mode buffered")
	}

	if cfg.BackupEnabled && cfg.StoreDriver != storeDriverDuckDB {
		return fmt.Errorf("backup-enabled requires store-driver %s", storeDriverDuckDB)
	}

	if cfg.SchemaFile == "" {
		if _, err := schema.Preset(cfg.Schema); err != nil {
			return fmt.Errorf("invalid schema: %w", err)
		}
	}

	switch strings.ToLower(cfg.LogFormat) {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		return fmt.Errorf("invalid log-format %q", cfg.LogFormat)
	}
	return nil
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
