// Package postgres is the PostgreSQL (and TimescaleDB) record store engine.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/tinytelemetry/sensord/internal/model"
)

var _ model.RecordStore = (*Store)(nil)

const defaultTable = "readings"

const columns = `ts, temperature, pressure, altitude, humidity, secondary_temperature, accel_x, accel_y, accel_z`

// columnCount is the number of bound values per reading.
const columnCount = 9

// Config holds optional store settings.
type Config struct {
	Table        string
	QueryTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// Store persists readings in a PostgreSQL table.
type Store struct {
	db           *sql.DB
	table        string
	log          *zap.SugaredLogger
	QueryTimeout time.Duration
}

// New wraps an open database handle. It does not touch the schema; call
// EnsureSchema or use Open for that.
func New(db *sql.DB, conf ...Config) *Store {
	s := &Store{
		db:           db,
		table:        defaultTable,
		log:          zap.NewNop().Sugar(),
		QueryTimeout: model.DefaultQueryTimeout,
	}
	if len(conf) > 0 {
		if conf[0].Table != "" {
			s.table = conf[0].Table
		}
		if conf[0].QueryTimeout > 0 {
			s.QueryTimeout = conf[0].QueryTimeout
		}
		if conf[0].Logger != nil {
			s.log = conf[0].Logger
		}
	}
	return s
}

// Open connects to dsn, verifies the connection and creates the readings
// table when missing.
func Open(ctx context.Context, dsn string, conf ...Config) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, &model.StorageError{Op: "open", Err: errors.New("postgres: dsn is empty")}
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}
	s := New(db, conf...)

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, storageErr("ping", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the readings table and its timestamp index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			temperature DOUBLE PRECISION,
			pressure DOUBLE PRECISION,
			altitude DOUBLE PRECISION,
			humidity DOUBLE PRECISION,
			secondary_temperature DOUBLE PRECISION,
			accel_x DOUBLE PRECISION,
			accel_y DOUBLE PRECISION,
			accel_z DOUBLE PRECISION,
			ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_ts_idx ON %s (ts)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storageErr("ensure schema", err)
		}
	}
	return nil
}

func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.QueryTimeout)
}

func storageErr(op string, err error) error {
	return &model.StorageError{Op: op, Err: fmt.Errorf("postgres: %w", err)}
}

func appendArgs(args []any, r *model.Reading) []any {
	args = append(args, r.Timestamp.UTC())
	for _, a := range model.Attributes {
		if v, ok := r.Get(a); ok {
			args = append(args, v)
		} else {
			args = append(args, nil)
		}
	}
	return args
}

// placeholders writes "($n,...,$m)" for the reading at index i.
func placeholders(b *strings.Builder, i int) {
	b.WriteByte('(')
	for c := 0; c < columnCount; c++ {
		if c > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(b, "$%d", i*columnCount+c+1)
	}
	b.WriteByte(')')
}

func (s *Store) insertSQL(n int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(s.table)
	b.WriteString(" (" + columns + ") VALUES ")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		placeholders(&b, i)
	}
	return b.String()
}

// Insert durably appends one reading.
func (s *Store) Insert(ctx context.Context, r *model.Reading) error {
	if r == nil {
		return storageErr("insert", errors.New("nil reading"))
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, s.insertSQL(1), appendArgs(nil, r)...); err != nil {
		return storageErr("insert", err)
	}
	return nil
}

// InsertBatch appends readings with a single multi-row statement, so the
// batch is stored entirely or not at all.
func (s *Store) InsertBatch(ctx context.Context, readings []*model.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	args := make([]any, 0, len(readings)*columnCount)
	for _, r := range readings {
		if r == nil {
			return storageErr("insert batch", errors.New("nil reading"))
		}
		args = appendArgs(args, r)
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, s.insertSQL(len(readings)), args...); err != nil {
		return storageErr("insert batch", err)
	}
	return nil
}

func scanReading(row interface{ Scan(...any) error }) (model.Reading, error) {
	var (
		r    model.Reading
		ts   time.Time
		vals [8]sql.NullFloat64
	)
	if err := row.Scan(&ts, &vals[0], &vals[1], &vals[2], &vals[3], &vals[4], &vals[5], &vals[6], &vals[7]); err != nil {
		return r, err
	}
	r.Timestamp = ts.UTC()
	for i, a := range model.Attributes {
		if vals[i].Valid {
			r.Set(a, vals[i].Float64)
		}
	}
	return r, nil
}

// QueryRange returns readings with start <= ts <= end, newest first. A zero
// end leaves the range open.
func (s *Store) QueryRange(ctx context.Context, start, end time.Time) ([]model.Reading, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query := "SELECT " + columns + " FROM " + s.table + " WHERE ts >= $1"
	args := []any{start.UTC()}
	if !end.IsZero() {
		query += " AND ts <= $2"
		args = append(args, end.UTC())
	}
	query += " ORDER BY ts DESC, seq DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query range", err)
	}
	defer rows.Close()

	out := make([]model.Reading, 0)
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, storageErr("query range", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query range", err)
	}
	return out, nil
}

// Latest returns the most recent reading, or nil when the table is empty.
func (s *Store) Latest(ctx context.Context) (*model.Reading, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, "SELECT "+columns+" FROM "+s.table+" ORDER BY ts DESC, seq DESC LIMIT 1")
	r, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("latest", err)
	}
	return &r, nil
}

// Count returns the number of stored readings.
func (s *Store) Count(ctx context.Context) (int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.table).Scan(&n); err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
