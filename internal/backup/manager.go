// Package backup keeps a rotating set of local snapshots of the reading
// database.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults.
const (
	DefaultInterval = time.Hour
	DefaultKeepLast = 24
)

const (
	filePrefix = "sensord-"
	fileSuffix = ".duckdb"
	stampFmt   = "20060102-150405.000000000"
)

// Snapshotter is a store whose database file can be copied while open.
type Snapshotter interface {
	Path() string
	SnapshotTo(ctx context.Context, dstPath string) error
}

// Config controls periodic snapshots.
type Config struct {
	Dir      string
	Interval time.Duration
	KeepLast int
	Logger   *zap.SugaredLogger
	Now      func() time.Time
}

// Manager takes a snapshot on Start and then every Interval until Stop.
type Manager struct {
	store Snapshotter
	cfg   Config
	log   *zap.SugaredLogger

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager validates conf and prepares the snapshot directory.
func NewManager(store Snapshotter, conf Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("backup: nil store")
	}
	if strings.TrimSpace(store.Path()) == "" {
		return nil, errors.New("backup: store is in-memory")
	}
	if strings.TrimSpace(conf.Dir) == "" {
		return nil, errors.New("backup: dir is required")
	}
	if conf.Interval <= 0 {
		conf.Interval = DefaultInterval
	}
	if conf.KeepLast <= 0 {
		conf.KeepLast = DefaultKeepLast
	}
	if conf.Now == nil {
		conf.Now = time.Now
	}
	log := conf.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(conf.Dir, 0755); err != nil {
		return nil, fmt.Errorf("backup: create dir: %w", err)
	}
	return &Manager{store: store, cfg: conf, log: log}, nil
}

// Start takes a snapshot immediately and then runs the periodic loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runLogged(ctx)

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runLogged(ctx)
			}
		}
	}()
}

func (m *Manager) runLogged(ctx context.Context) {
	path, err := m.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warnw("snapshot failed", "error", err)
		}
		return
	}
	m.log.Infow("snapshot created", "path", path)
}

// RunOnce writes one snapshot and prunes the oldest beyond KeepLast. It
// returns the snapshot path.
func (m *Manager) RunOnce(ctx context.Context) (string, error) {
	name := filePrefix + m.cfg.Now().UTC().Format(stampFmt) + fileSuffix
	path := filepath.Join(m.cfg.Dir, name)
	if err := m.store.SnapshotTo(ctx, path); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	if err := prune(m.cfg.Dir, m.cfg.KeepLast); err != nil {
		return path, fmt.Errorf("backup: prune: %w", err)
	}
	return path, nil
}

// Stop ends the loop and waits for an in-flight snapshot. It is safe to call
// more than once, and before Start.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
	})
}

// List returns snapshot paths, newest first.
func List(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, err
	}
	// the timestamp sorts lexically
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}

func prune(dir string, keep int) error {
	matches, err := List(dir)
	if err != nil {
		return err
	}
	if len(matches) <= keep {
		return nil
	}
	for _, old := range matches[keep:] {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
