// Package history answers bounded-range queries over the record store.
package history

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/sensord/internal/model"
)

// Service resolves relative windows against the store.
type Service struct {
	store model.RecordReader
	now   func() time.Time
}

// NewService creates a history service over store. now defaults to time.Now.
func NewService(store model.RecordReader, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now}
}

// MaxWindowHours is the longest window whose duration fits a time.Duration.
const MaxWindowHours = int(math.MaxInt64 / int64(time.Hour))

// NormalizeWindow returns hours clamped to MaxWindowHours, or the default
// window when hours is not positive.
func NormalizeWindow(hours int) int {
	if hours <= 0 {
		return model.DefaultHistoryHours
	}
	return min(hours, MaxWindowHours)
}

// ParseWindow parses an hours query parameter. Missing, malformed or
// non-positive values give the default window.
func ParseWindow(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return model.DefaultHistoryHours
	}
	return NormalizeWindow(n)
}

// History returns readings from the last windowHours hours, newest first.
// An empty window yields an empty, non-nil slice.
func (s *Service) History(ctx context.Context, windowHours int) ([]model.Reading, error) {
	hours := NormalizeWindow(windowHours)
	start := s.now().UTC().Add(-time.Duration(hours) * time.Hour)
	readings, err := s.store.QueryRange(ctx, start, time.Time{})
	if err != nil {
		return nil, err
	}
	if readings == nil {
		readings = []model.Reading{}
	}
	return readings, nil
}

// Latest returns the most recent stored reading, or nil.
func (s *Service) Latest(ctx context.Context) (*model.Reading, error) {
	return s.store.Latest(ctx)
}
