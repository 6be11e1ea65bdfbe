// Package hub fans accepted readings out to live subscribers.
//
// Every subscriber has a bounded queue. Publish never waits on a subscriber:
// one whose queue is full is dropped and its queue closed, so a slow or dead
// connection cannot delay ingestion or other subscribers.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tinytelemetry/sensord/internal/model"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 64

// ErrClosed is returned by Register after Close.
var ErrClosed = errors.New("hub: closed")

var (
	emptySnapshot = []byte(`{}`)
	errorSnapshot = []byte(`{"error":"error retrieving data"}`)
)

// Drop reasons reported in metrics.
const (
	DropSlow       = "slow"
	DropUnregister = "unregister"
	DropShutdown   = "shutdown"
)

// Message is one frame delivered to subscribers. Data is the JSON encoding
// shared by every subscriber; Reading is nil for snapshot markers.
type Message struct {
	Reading *model.Reading
	Data    []byte
}

// LatestReader supplies the initial snapshot for new subscribers.
type LatestReader interface {
	Latest(ctx context.Context) (*model.Reading, error)
}

// Subscriber is one registered live connection.
type Subscriber struct {
	ID string
	ch chan Message

	mu     sync.Mutex
	closed bool
}

// C returns the subscriber's delivery queue. It is closed when the
// subscriber is unregistered or dropped.
func (s *Subscriber) C() <-chan Message { return s.ch }

// offer enqueues m without blocking. It reports false when the queue is full
// or already closed.
func (s *Subscriber) offer(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- m:
		return true
	default:
		return false
	}
}

// close reports whether this call closed the queue.
func (s *Subscriber) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// Config tunes a Hub.
type Config struct {
	BufferSize int
	Logger     *zap.SugaredLogger
	Registerer prometheus.Registerer
}

// Hub is the broadcast registry.
type Hub struct {
	latest  LatestReader
	bufSize int
	log     *zap.SugaredLogger
	metrics *metrics

	mu     sync.RWMutex
	subs   map[string]*Subscriber
	last   *Message
	closed bool
}

// New creates a hub. latest may be nil, in which case new subscribers get the
// empty marker until the first publish.
func New(latest LatestReader, conf ...Config) *Hub {
	h := &Hub{
		latest:  latest,
		bufSize: DefaultBufferSize,
		log:     zap.NewNop().Sugar(),
		subs:    make(map[string]*Subscriber),
	}
	var reg prometheus.Registerer
	if len(conf) > 0 {
		if conf[0].BufferSize > 0 {
			h.bufSize = conf[0].BufferSize
		}
		if conf[0].Logger != nil {
			h.log = conf[0].Logger
		}
		reg = conf[0].Registerer
	}
	h.metrics = newMetrics(reg)
	return h
}

// Register adds a subscriber. Its first message is a snapshot: the most
// recent published reading, else the store's latest, else the empty marker,
// or the error marker when the store lookup fails. Every later publish
// follows the snapshot in order.
func (h *Hub) Register(ctx context.Context) (*Subscriber, error) {
	h.mu.RLock()
	closed, haveLast := h.closed, h.last != nil
	h.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	var fallback Message
	if !haveLast {
		fallback = h.storeSnapshot(ctx)
	}

	sub := &Subscriber{ID: uuid.NewString(), ch: make(chan Message, h.bufSize)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	snap := fallback
	if h.last != nil {
		snap = *h.last
	}
	sub.offer(snap)
	h.subs[sub.ID] = sub
	h.metrics.subscribers.Set(float64(len(h.subs)))
	h.log.Debugw("subscriber registered", "id", sub.ID, "subscribers", len(h.subs))
	return sub, nil
}

func (h *Hub) storeSnapshot(ctx context.Context) Message {
	if h.latest == nil {
		return Message{Data: emptySnapshot}
	}
	r, err := h.latest.Latest(ctx)
	if err != nil {
		h.log.Warnw("snapshot lookup failed", "error", err)
		return Message{Data: errorSnapshot}
	}
	if r == nil {
		return Message{Data: emptySnapshot}
	}
	m, err := encode(r)
	if err != nil {
		h.log.Warnw("snapshot encode failed", "error", err)
		return Message{Data: errorSnapshot}
	}
	return m
}

func encode(r *model.Reading) (Message, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return Message{}, err
	}
	return Message{Reading: r, Data: data}, nil
}

// Unregister removes a subscriber and closes its queue. Unknown or already
// removed subscribers are ignored.
func (h *Hub) Unregister(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.remove(sub, DropUnregister)
}

// remove reports whether sub was still registered.
func (h *Hub) remove(sub *Subscriber, reason string) bool {
	h.mu.Lock()
	cur, ok := h.subs[sub.ID]
	if ok && cur == sub {
		delete(h.subs, sub.ID)
		h.metrics.subscribers.Set(float64(len(h.subs)))
	}
	h.mu.Unlock()

	if sub.close() && reason != DropUnregister {
		h.metrics.dropped.WithLabelValues(reason).Inc()
	}
	return ok
}

// Publish delivers r to every registered subscriber without blocking.
// Subscribers that cannot accept it are dropped. It returns the number of
// subscribers that received the reading.
func (h *Hub) Publish(r *model.Reading) int {
	if r == nil {
		return 0
	}
	m, err := encode(r.Clone())
	if err != nil {
		h.log.Errorw("publish encode failed", "error", err)
		return 0
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0
	}
	h.last = &m
	targets := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	h.metrics.published.Inc()

	delivered := 0
	for _, s := range targets {
		if s.offer(m) {
			delivered++
			continue
		}
		if h.remove(s, DropSlow) {
			h.log.Infow("dropping slow subscriber", "id", s.ID)
		}
	}
	return delivered
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Last returns the most recently published reading, or nil.
func (h *Hub) Last() *model.Reading {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return nil
	}
	return h.last.Reading.Clone()
}

// Close unregisters every subscriber. Later Register calls fail with
// ErrClosed and Publish becomes a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.metrics.subscribers.Set(0)
	h.mu.Unlock()

	for _, s := range subs {
		if s.close() {
			h.metrics.dropped.WithLabelValues(DropShutdown).Inc()
		}
	}
}
