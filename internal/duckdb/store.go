// Package duckdb is the default record store engine: readings persisted in an
// embedded DuckDB database.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/tinytelemetry/sensord/internal/duckdb/migrate"
	"github.com/tinytelemetry/sensord/internal/model"
)

var _ model.RecordStore = (*Store)(nil)

// Store manages the DuckDB connection and implements model.RecordStore.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	log          *zap.SugaredLogger
	QueryTimeout time.Duration
}

// StoreConfig holds optional store settings.
type StoreConfig struct {
	QueryTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// NewStore opens or creates a DuckDB database and applies pending migrations.
// If dbPath is empty, an in-memory database is used.
func NewStore(dbPath string, conf ...StoreConfig) (*Store, error) {
	dsn := ""
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, &model.StorageError{Op: "open", Err: err}
		}
		dsn = dbPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, &model.StorageError{Op: "open", Err: err}
	}
	// An in-memory database lives inside a single connection.
	if dsn == "" {
		db.SetMaxOpenConns(1)
	}

	qt := model.DefaultQueryTimeout
	logger := zap.NewNop().Sugar()
	if len(conf) > 0 {
		if conf[0].QueryTimeout > 0 {
			qt = conf[0].QueryTimeout
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), qt)
	defer cancel()
	if err := migrate.NewRunner(db).Run(ctx); err != nil {
		db.Close()
		return nil, &model.StorageError{Op: "migrate", Err: err}
	}

	return &Store{
		db:           db,
		dbPath:       dbPath,
		log:          logger,
		QueryTimeout: qt,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path, empty for an in-memory store.
func (s *Store) Path() string {
	return s.dbPath
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &model.StorageError{Op: "ping", Err: err}
	}
	return nil
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &model.StorageError{Op: op, Err: fmt.Errorf("duckdb: %w", err)}
}
