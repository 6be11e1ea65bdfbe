package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/tinytelemetry/sensord/internal/model"
)

const readingColumns = `ts, temperature, pressure, altitude, humidity, secondary_temperature, accel_x, accel_y, accel_z`

// queryCtx bounds ctx by the store's configured query timeout.
func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.QueryTimeout)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (model.Reading, error) {
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
// end leaves the range open. Readings sharing a timestamp are ordered by
// reverse submission.
func (s *Store) QueryRange(ctx context.Context, start, end time.Time) ([]model.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var q strings.Builder
	q.WriteString("SELECT " + readingColumns + " FROM readings WHERE ts >= ?")
	args := []any{start.UTC()}
	if !end.IsZero() {
		q.WriteString(" AND ts <= ?")
		args = append(args, end.UTC())
	}
	q.WriteString(" ORDER BY ts DESC, seq DESC")

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
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

// Latest returns the most recent reading, or nil when the store is empty.
func (s *Store) Latest(ctx context.Context) (*model.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, "SELECT "+readingColumns+" FROM readings ORDER BY ts DESC, seq DESC LIMIT 1")
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
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM readings").Scan(&n); err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}
