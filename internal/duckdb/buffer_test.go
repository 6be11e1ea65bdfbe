package duckdb

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/sensord/internal/journal"
	"github.com/tinytelemetry/sensord/internal/model"
)

func countReadings(t *testing.T, store *Store) int64 {
	t.Helper()
	n, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func TestInsertBuffer_InsertAndStop(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store)

	for i := 0; i < 10; i++ {
		if err := buf.Insert(context.Background(), testReading(baseTime.Add(time.Duration(i)*time.Second), float64(i))); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	// Stop flushes everything still pending.
	buf.Stop()

	if n := countReadings(t, store); n != 10 {
		t.Errorf("after Stop, Count = %d, want 10", n)
	}
}

func TestInsertBuffer_BatchThreshold(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store, InsertBufferConfig{BatchSize: 50, FlushInterval: time.Hour})

	for i := 0; i < 120; i++ {
		if err := buf.Insert(context.Background(), testReading(baseTime, float64(i))); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	buf.Stop()

	if n := countReadings(t, store); n != 120 {
		t.Errorf("after batch insert, Count = %d, want 120", n)
	}
}

func TestInsertBuffer_ConcurrentInserts(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store, InsertBufferConfig{BatchSize: 16, FlushQueueSize: 1})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = buf.Insert(context.Background(), testReading(baseTime, float64(g*100+i)))
			}
		}(g)
	}
	wg.Wait()
	buf.Stop()

	if n := countReadings(t, store); n != 200 {
		t.Errorf("Count = %d, want 200", n)
	}
}

func TestInsertBuffer_StopIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store)
	buf.Stop()
	buf.Stop()

	if err := buf.Insert(context.Background(), testReading(baseTime, 1)); !errors.Is(err, ErrBufferStopped) {
		t.Fatalf("Insert after Stop = %v, want ErrBufferStopped", err)
	}
}

type failingWriter struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (w *failingWriter) InsertBatch(_ context.Context, readings []*model.Reading) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.fail {
		return &model.StorageError{Op: "insert batch", Err: errors.New("disk full")}
	}
	return nil
}

func TestInsertBuffer_ReportsFlushResults(t *testing.T) {
	w := &failingWriter{fail: true}

	var (
		mu      sync.Mutex
		results []error
	)
	buf := NewInsertBuffer(w, InsertBufferConfig{
		FlushInterval: time.Hour,
		OnFlush: func(n int, err error) {
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		},
	})

	if err := buf.Insert(context.Background(), testReading(baseTime, 1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	buf.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 1 {
		t.Fatalf("OnFlush calls = %d, want 1", len(results))
	}
	var se *model.StorageError
	if !errors.As(results[0], &se) {
		t.Fatalf("OnFlush error = %v, want *model.StorageError", results[0])
	}
}

func TestInsertBuffer_JournalReplayAfterCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.journal")

	j, err := journal.Open(path)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	// The writer never succeeds, so nothing gets committed.
	buf := NewInsertBuffer(&failingWriter{fail: true}, InsertBufferConfig{Journal: j, FlushInterval: time.Hour})
	for i := 0; i < 3; i++ {
		if err := buf.Insert(context.Background(), testReading(baseTime.Add(time.Duration(i)*time.Second), float64(i))); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	buf.Stop()

	j2, err := journal.Open(path)
	if err != nil {
		t.Fatalf("journal.Open after crash: %v", err)
	}
	defer j2.Close()

	store := newTestStore(t)
	n, err := journal.ReplayInto(context.Background(), j2, store, 2)
	if err != nil {
		t.Fatalf("ReplayInto: %v", err)
	}
	if n != 3 {
		t.Fatalf("replayed = %d, want 3", n)
	}
	if got := countReadings(t, store); got != 3 {
		t.Fatalf("Count after replay = %d, want 3", got)
	}

	// A second replay finds everything committed.
	n, err = journal.ReplayInto(context.Background(), j2, store, 2)
	if err != nil || n != 0 {
		t.Fatalf("second ReplayInto = %d, %v; want 0, nil", n, err)
	}
}
