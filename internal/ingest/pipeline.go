// Package ingest runs the per-line pipeline: decode, map and validate,
// store, then publish. No per-line failure stops the loop.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tinytelemetry/sensord/internal/decode"
	"github.com/tinytelemetry/sensord/internal/model"
	"github.com/tinytelemetry/sensord/internal/schema"
)

// ErrSourcesClosed is returned by Run when the line channel closes. It is
// the only fatal pipeline condition.
var ErrSourcesClosed = errors.New("ingest: all line sources closed")

// Pipeline defaults.
const (
	DefaultStoreTimeout   = 5 * time.Second
	DefaultExpireInterval = time.Second
)

// LineDecoder turns lines into candidate fields. complete is false while a
// candidate is still being accumulated.
type LineDecoder interface {
	Feed(line string) (fields model.Fields, complete bool, err error)
}

// expirer is implemented by accumulating decoders.
type expirer interface {
	Expire(now time.Time) bool
}

type statelessDecoder struct{ d *decode.Decoder }

func (s statelessDecoder) Feed(line string) (model.Fields, bool, error) {
	fields, err := s.d.Decode(line)
	if err != nil {
		return nil, false, err
	}
	return fields, true, nil
}

// Stateless adapts d so every decoded line is a complete candidate.
func Stateless(d *decode.Decoder) LineDecoder {
	if d == nil {
		d = decode.NewDecoder()
	}
	return statelessDecoder{d: d}
}

// Publisher fans a reading out to live subscribers without blocking.
type Publisher interface {
	Publish(r *model.Reading) int
}

// Outcome classifies what happened to one line. Values double as the
// lines_total metric label.
type Outcome string

const (
	OutcomePending         Outcome = "pending"
	OutcomeDecodeError     Outcome = "decode_error"
	OutcomeValidationError Outcome = "validation_error"
	OutcomeStored          Outcome = "stored"
	OutcomeStoreError      Outcome = "store_error"
)

// Result reports the handling of one line.
type Result struct {
	Outcome   Outcome
	Reading   *model.Reading
	Delivered int
	Err       error
}

// Config wires a Pipeline.
type Config struct {
	Schema  *schema.Schema
	Decoder LineDecoder
	// StoreTimeout bounds each insert so a slow store cannot starve publish.
	StoreTimeout   time.Duration
	ExpireInterval time.Duration
	// Health, when set, drives the store_degraded gauge and follows the
	// outcome of every insert unless AsyncStore is set.
	Health *Health
	// AsyncStore marks a store whose Insert only queues the write (buffered
	// mode); its flush results are reported to Health elsewhere.
	AsyncStore bool
	Logger     *zap.SugaredLogger
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// Pipeline processes lines one at a time. It is not safe for concurrent use;
// exactly one goroutine drives it.
type Pipeline struct {
	store          model.RecordWriter
	pub            Publisher
	schema         *schema.Schema
	decoder        LineDecoder
	storeTimeout   time.Duration
	expireInterval time.Duration
	health         *Health
	asyncStore     bool
	log            *zap.SugaredLogger
	metrics        *metrics
	now            func() time.Time
}

// NewPipeline creates a pipeline writing to store and publishing to pub.
func NewPipeline(store model.RecordWriter, pub Publisher, conf Config) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("ingest: store is required")
	}
	if pub == nil {
		return nil, errors.New("ingest: publisher is required")
	}
	s := conf.Schema
	if s == nil {
		var err error
		if s, err = schema.Preset(schema.DefaultPreset); err != nil {
			return nil, err
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		store:          store,
		pub:            pub,
		schema:         s,
		decoder:        conf.Decoder,
		storeTimeout:   conf.StoreTimeout,
		expireInterval: conf.ExpireInterval,
		health:         conf.Health,
		asyncStore:     conf.AsyncStore,
		log:            conf.Logger,
		metrics:        newMetrics(conf.Registerer),
		now:            conf.Now,
	}
	if p.decoder == nil {
		p.decoder = Stateless(nil)
	}
	if p.storeTimeout <= 0 {
		p.storeTimeout = DefaultStoreTimeout
	}
	if p.expireInterval <= 0 {
		p.expireInterval = DefaultExpireInterval
	}
	if p.log == nil {
		p.log = zap.NewNop().Sugar()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.health != nil {
		p.health.Watch(func(degraded bool) {
			if degraded {
				p.metrics.storeDegraded.Set(1)
			} else {
				p.metrics.storeDegraded.Set(0)
			}
		})
	}
	return p, nil
}

// Schema returns the active schema.
func (p *Pipeline) Schema() *schema.Schema { return p.schema }

// Run consumes lines until ctx is cancelled (returning nil) or the channel
// closes (returning ErrSourcesClosed).
func (p *Pipeline) Run(ctx context.Context, lines <-chan model.IngestEnvelope) error {
	var tick <-chan time.Time
	if _, ok := p.decoder.(expirer); ok {
		ticker := time.NewTicker(p.expireInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-lines:
			if !ok {
				return ErrSourcesClosed
			}
			p.ProcessLine(ctx, env)
		case now := <-tick:
			if exp, ok := p.decoder.(expirer); ok && exp.Expire(now) {
				p.log.Debugw("discarded stale partial reading")
			}
		}
	}
}

// ProcessLine runs one line through every stage.
func (p *Pipeline) ProcessLine(ctx context.Context, env model.IngestEnvelope) Result {
	fields, complete, err := p.decoder.Feed(env.Line)
	if err != nil {
		p.metrics.lines.WithLabelValues(string(OutcomeDecodeError)).Inc()
		p.log.Infow("line dropped", "stage", "decode", "source", env.Source, "error", err)
		return Result{Outcome: OutcomeDecodeError, Err: err}
	}
	if !complete {
		p.metrics.lines.WithLabelValues(string(OutcomePending)).Inc()
		return Result{Outcome: OutcomePending}
	}
	p.metrics.lines.WithLabelValues("decoded").Inc()

	r, err := p.schema.MapAndValidate(fields, p.now())
	if err != nil {
		p.metrics.lines.WithLabelValues(string(OutcomeValidationError)).Inc()
		var ve *schema.ValidationError
		if errors.As(err, &ve) {
			p.log.Warnw("candidate rejected", "stage", "validate", "source", env.Source, "schema", ve.Schema, "attributes", ve.Attributes(), "error", err)
		} else {
			p.log.Warnw("candidate rejected", "stage", "validate", "source", env.Source, "error", err)
		}
		return Result{Outcome: OutcomeValidationError, Err: err}
	}

	res := Result{Outcome: OutcomeStored, Reading: r}
	if err := p.insert(ctx, r); err != nil {
		p.metrics.lines.WithLabelValues(string(OutcomeStoreError)).Inc()
		p.log.Errorw("store insert failed, publishing anyway", "stage", "store", "source", env.Source, "error", err)
		res.Outcome = OutcomeStoreError
		res.Err = err
	} else {
		p.metrics.lines.WithLabelValues(string(OutcomeStored)).Inc()
	}

	res.Delivered = p.pub.Publish(r)
	return res
}

func (p *Pipeline) insert(ctx context.Context, r *model.Reading) error {
	ctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()

	start := time.Now()
	err := p.store.Insert(ctx, r)
	p.metrics.insertLatency.Observe(time.Since(start).Seconds())

	if p.health != nil && !p.asyncStore {
		p.health.Observe(err)
	}
	if err != nil {
		var se *model.StorageError
		if !errors.As(err, &se) {
			err = &model.StorageError{Op: "insert", Err: err}
		}
	}
	return err
}
