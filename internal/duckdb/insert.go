package duckdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinytelemetry/sensord/internal/model"
)

const insertReadingSQL = `INSERT INTO readings (` + readingColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func readingArgs(r *model.Reading) []any {
	args := make([]any, 0, len(model.Attributes)+1)
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

// Insert durably appends one reading. Absent attributes are stored as NULL.
func (s *Store) Insert(ctx context.Context, r *model.Reading) error {
	if r == nil {
		return storageErr("insert", errors.New("nil reading"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, insertReadingSQL, readingArgs(r)...); err != nil {
		return storageErr("insert", err)
	}
	return nil
}

// InsertBatch appends readings in a single transaction. If the transaction
// fails, it is retried reading-by-reading to salvage as many as possible; the
// returned error then reports how many were lost.
func (s *Store) InsertBatch(ctx context.Context, readings []*model.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	err := s.insertBatchTx(ctx, readings)
	if err == nil {
		return nil
	}
	if len(readings) == 1 || ctx.Err() != nil {
		return storageErr("insert batch", err)
	}

	var errs []error
	for _, r := range readings {
		if rerr := s.insertBatchTx(ctx, []*model.Reading{r}); rerr != nil {
			errs = append(errs, rerr)
			s.log.Warnw("dropping reading", "reading", r, "error", rerr)
		}
	}
	if len(errs) > 0 {
		return storageErr("insert batch", fmt.Errorf("%d/%d readings dropped: %w", len(errs), len(readings), errors.Join(errs...)))
	}
	return nil
}

func (s *Store) insertBatchTx(ctx context.Context, readings []*model.Reading) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertReadingSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range readings {
		if r == nil {
			return errors.New("nil reading")
		}
		if _, err := stmt.ExecContext(ctx, readingArgs(r)...); err != nil {
			return fmt.Errorf("reading insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
