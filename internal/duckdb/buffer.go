package duckdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/sensord/internal/model"
)

// Buffer defaults.
const (
	DefaultBatchSize      = 500
	DefaultFlushInterval  = 100 * time.Millisecond
	DefaultFlushQueueSize = 64
)

// ErrBufferStopped is returned by Insert after Stop.
var ErrBufferStopped = errors.New("duckdb: insert buffer stopped")

var _ model.RecordWriter = (*InsertBuffer)(nil)

type journaledReading struct {
	seq     uint64
	reading *model.Reading
}

type durableJournal interface {
	Append(r *model.Reading) (uint64, error)
	Commit(seq uint64) error
	Close() error
}

// InsertBuffer batches readings and flushes them to a BatchWriter
// asynchronously. Insert never blocks on database writes unless the flush
// queue is full, in which case the batch is flushed inline.
type InsertBuffer struct {
	writer        model.BatchWriter
	log           *zap.SugaredLogger
	onFlush       func(n int, err error)
	journal       durableJournal
	maxBatch      int
	flushInterval time.Duration

	mu      sync.Mutex
	pending []journaledReading
	stopped bool

	// sendMu guards flushChan against close while senders are active.
	sendMu    sync.RWMutex
	flushChan chan []journaledReading
	done      chan struct{}
	wg        sync.WaitGroup
	tickWg    sync.WaitGroup
	stopOnce  sync.Once

	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64
}

// InsertBufferConfig holds tunable parameters for the insert buffer.
type InsertBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
	// Journal, when set, records every reading before it is queued and is
	// committed after each successful flush. The buffer closes it on Stop.
	Journal durableJournal
	Logger  *zap.SugaredLogger
	// OnFlush is called after every flush attempt with the batch size and
	// the write error, nil on success.
	OnFlush func(n int, err error)
}

// NewInsertBuffer creates an insert buffer in front of writer.
func NewInsertBuffer(writer model.BatchWriter, conf ...InsertBufferConfig) *InsertBuffer {
	batchSize := DefaultBatchSize
	flushInterval := DefaultFlushInterval
	flushQueueSize := DefaultFlushQueueSize
	logger := zap.NewNop().Sugar()
	var (
		j       durableJournal
		onFlush func(int, error)
	)
	if len(conf) > 0 {
		c := conf[0]
		if c.BatchSize > 0 {
			batchSize = c.BatchSize
		}
		if c.FlushInterval > 0 {
			flushInterval = c.FlushInterval
		}
		if c.FlushQueueSize > 0 {
			flushQueueSize = c.FlushQueueSize
		}
		if c.Logger != nil {
			logger = c.Logger
		}
		j = c.Journal
		onFlush = c.OnFlush
	}

	b := &InsertBuffer{
		writer:        writer,
		log:           logger,
		onFlush:       onFlush,
		journal:       j,
		maxBatch:      batchSize,
		flushInterval: flushInterval,
		pending:       make([]journaledReading, 0, batchSize),
		flushChan:     make(chan []journaledReading, flushQueueSize),
		done:          make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushWorker()

	b.wg.Add(1)
	b.tickWg.Add(1)
	go b.tickLoop()

	return b
}

func (b *InsertBuffer) tickLoop() {
	defer b.wg.Done()
	defer b.tickWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainPending()
		case <-b.done:
			b.drainPending()
			return
		}
	}
}

// logBackpressure warns at most once per 10 seconds about inline flushes.
func (b *InsertBuffer) logBackpressure() {
	count := b.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := b.lastBPLog.Load()
	if now-last >= 10 && b.lastBPLog.CompareAndSwap(last, now) {
		b.log.Warnw("insert buffer backpressure: flush queue full, flushing inline", "inline_flushes", count)
	}
}

func (b *InsertBuffer) drainPending() {
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make([]journaledReading, 0, b.maxBatch)
	b.mu.Unlock()

	b.enqueue(batch)
}

// enqueue hands batch to the flush worker, or flushes inline when the queue
// is full. Callers hold sendMu.
func (b *InsertBuffer) enqueue(batch []journaledReading) {
	select {
	case b.flushChan <- batch:
	default:
		b.logBackpressure()
		b.flushBatch(batch)
	}
}

func (b *InsertBuffer) flushWorker() {
	defer b.wg.Done()
	for batch := range b.flushChan {
		b.flushBatch(batch)
	}
}

// Insert queues a reading for batched persistence. A nil error means the
// reading was accepted (and journaled, when a journal is configured); write
// failures surface later through OnFlush.
func (b *InsertBuffer) Insert(ctx context.Context, r *model.Reading) error {
	if r == nil {
		return &model.StorageError{Op: "buffer insert", Err: errors.New("nil reading")}
	}

	b.sendMu.RLock()
	defer b.sendMu.RUnlock()

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrBufferStopped
	}
	seq, err := b.appendJournal(ctx, r)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.pending = append(b.pending, journaledReading{seq: seq, reading: r.Clone()})
	var batch []journaledReading
	if len(b.pending) >= b.maxBatch {
		batch = b.pending
		b.pending = make([]journaledReading, 0, b.maxBatch)
	}
	b.mu.Unlock()

	if batch != nil {
		b.enqueue(batch)
	}
	return nil
}

// appendJournal retries transient journal failures until ctx ends.
func (b *InsertBuffer) appendJournal(ctx context.Context, r *model.Reading) (uint64, error) {
	if b.journal == nil {
		return 0, nil
	}
	for {
		seq, err := b.journal.Append(r)
		if err == nil {
			return seq, nil
		}
		b.log.Warnw("journal append failed, retrying", "error", err)
		select {
		case <-ctx.Done():
			return 0, &model.StorageError{Op: "journal append", Err: fmt.Errorf("%w (%v)", ctx.Err(), err)}
		case <-b.done:
			return 0, ErrBufferStopped
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// Stop flushes remaining readings and waits for all writes to complete.
// It is safe to call more than once.
func (b *InsertBuffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()

		b.tickWg.Wait()
		b.drainPending()

		b.sendMu.Lock()
		close(b.flushChan)
		b.sendMu.Unlock()

		b.wg.Wait()
		if b.journal != nil {
			if err := b.journal.Close(); err != nil {
				b.log.Warnw("journal close failed", "error", err)
			}
		}
	})
}

func (b *InsertBuffer) flushBatch(batch []journaledReading) {
	if len(batch) == 0 {
		return
	}
	err := b.writeBatch(batch)
	if err != nil {
		b.log.Errorw("insert buffer flush failed", "readings", len(batch), "error", err)
	}
	if b.onFlush != nil {
		b.onFlush(len(batch), err)
	}
}

func (b *InsertBuffer) writeBatch(batch []journaledReading) error {
	readings := make([]*model.Reading, 0, len(batch))
	var maxSeq uint64
	for _, item := range batch {
		readings = append(readings, item.reading)
		if item.seq > maxSeq {
			maxSeq = item.seq
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), model.DefaultQueryTimeout)
	defer cancel()
	if err := b.writer.InsertBatch(ctx, readings); err != nil {
		return err
	}

	if b.journal != nil && maxSeq > 0 {
		if err := b.journal.Commit(maxSeq); err != nil {
			return fmt.Errorf("journal commit seq=%d: %w", maxSeq, err)
		}
	}
	return nil
}
