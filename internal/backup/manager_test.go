package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeSnapshotter struct {
	path string
	data []byte

	mu    sync.Mutex
	calls int
	block bool
}

func (f *fakeSnapshotter) Path() string { return f.path }

func (f *fakeSnapshotter) SnapshotTo(ctx context.Context, dstPath string) error {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return os.WriteFile(dstPath, f.data, 0644)
}

func (f *fakeSnapshotter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// steppingClock returns a time one second later on every call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func TestNewManagerRejectsInMemoryStore(t *testing.T) {
	t.Parallel()

	_, err := NewManager(&fakeSnapshotter{}, Config{Dir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error for in-memory store")
	}
}

func TestNewManagerRequiresDir(t *testing.T) {
	t.Parallel()

	_, err := NewManager(&fakeSnapshotter{path: "/data/sensord.duckdb"}, Config{})
	if err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestNewManagerDefaults(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "backups")
	m, err := NewManager(&fakeSnapshotter{path: "/data/sensord.duckdb"}, Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.cfg.Interval != DefaultInterval || m.cfg.KeepLast != DefaultKeepLast {
		t.Fatalf("defaults: interval=%v keep=%d", m.cfg.Interval, m.cfg.KeepLast)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("backup dir not created: %v", err)
	}
}

func TestRunOnceCreatesAndPrunes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m, err := NewManager(&fakeSnapshotter{path: "/data/sensord.duckdb", data: []byte("snapshot")}, Config{
		Dir:      dir,
		KeepLast: 2,
		Now:      steppingClock(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var paths []string
	for i := 0; i < 3; i++ {
		p, err := m.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce #%d: %v", i+1, err)
		}
		paths = append(paths, p)
	}

	files, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(files))
	}
	if files[0] != paths[2] || files[1] != paths[1] {
		t.Fatalf("kept %v, want newest two of %v", files, paths)
	}
	if _, err := os.Stat(paths[0]); !os.IsNotExist(err) {
		t.Fatalf("oldest snapshot not pruned: %v", err)
	}
}

func TestRunOnceWrapsStoreError(t *testing.T) {
	t.Parallel()

	m, err := NewManager(&fakeSnapshotter{path: "/data/sensord.duckdb", block: true}, Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunOnce = %v, want context.Canceled", err)
	}
}

func TestStartSnapshotsImmediately(t *testing.T) {
	t.Parallel()

	store := &fakeSnapshotter{path: "/data/sensord.duckdb", data: []byte("x")}
	m, err := NewManager(store, Config{Dir: t.TempDir(), Interval: time.Hour, Now: steppingClock()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Start(context.Background())
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for store.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no startup snapshot")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopCancelsInFlightSnapshot(t *testing.T) {
	t.Parallel()

	store := &fakeSnapshotter{path: "/data/sensord.duckdb", block: true}
	m, err := NewManager(store, Config{Dir: t.TempDir(), Interval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for store.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("snapshot never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()

	m, err := NewManager(&fakeSnapshotter{path: "/data/sensord.duckdb"}, Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Stop()
}
