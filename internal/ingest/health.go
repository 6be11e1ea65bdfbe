package ingest

import (
	"sync"
	"time"
)

// HealthStatus is a point-in-time view of store health.
type HealthStatus struct {
	Degraded      bool
	LastError     string
	DegradedSince time.Time
	LastSuccess   time.Time
}

// Health tracks degraded mode: the store is degraded from the first failed
// write until the next successful one.
type Health struct {
	mu       sync.Mutex
	now      func() time.Time
	status   HealthStatus
	watchers []func(degraded bool)
}

// NewHealth returns a healthy tracker.
func NewHealth() *Health {
	return &Health{now: time.Now}
}

// Observe records the outcome of one store write.
func (h *Health) Observe(err error) {
	if err != nil {
		h.MarkFailure(err)
		return
	}
	h.MarkSuccess()
}

// MarkFailure enters degraded mode.
func (h *Health) MarkFailure(err error) {
	h.mu.Lock()
	changed := !h.status.Degraded
	h.status.Degraded = true
	if err != nil {
		h.status.LastError = err.Error()
	}
	if changed {
		h.status.DegradedSince = h.now().UTC()
	}
	if changed {
		h.notify(true)
	}
	h.mu.Unlock()
}

// MarkSuccess leaves degraded mode.
func (h *Health) MarkSuccess() {
	h.mu.Lock()
	changed := h.status.Degraded
	h.status.Degraded = false
	h.status.DegradedSince = time.Time{}
	h.status.LastSuccess = h.now().UTC()
	if changed {
		h.notify(false)
	}
	h.mu.Unlock()
}

// Status returns the current health.
func (h *Health) Status() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Degraded reports whether the store is currently failing.
func (h *Health) Degraded() bool {
	return h.Status().Degraded
}

// Watch registers fn to be called on every transition, and once immediately
// with the current state. Calls are serialized; fn must not call back into h.
func (h *Health) Watch(fn func(degraded bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watchers = append(h.watchers, fn)
	fn(h.status.Degraded)
}

func (h *Health) notify(degraded bool) {
	for _, fn := range h.watchers {
		fn(degraded)
	}
}
