package model

import (
	"context"
	"fmt"
	"time"
)

// RecordWriter provides append-only write operations for canonical readings.
type RecordWriter interface {
	Insert(ctx context.Context, r *Reading) error
}

// BatchWriter appends several readings at once, preserving slice order.
type BatchWriter interface {
	InsertBatch(ctx context.Context, rs []*Reading) error
}

// RecordReader provides the read-side query contract.
type RecordReader interface {
	// QueryRange returns readings with start <= timestamp (and timestamp <= end
	// when end is non-zero), newest first. An empty result is not an error.
	QueryRange(ctx context.Context, start, end time.Time) ([]Reading, error)
	// Latest returns the most recent reading, or nil when the store is empty.
	Latest(ctx context.Context) (*Reading, error)
}

// RecordStore is the full store contract implemented by every engine.
type RecordStore interface {
	RecordWriter
	BatchWriter
	RecordReader
	Count(ctx context.Context) (int64, error)
	Close() error
}

// StorageError reports a persistence failure. It never aborts ingestion.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
