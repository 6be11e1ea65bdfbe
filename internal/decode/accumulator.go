package decode

import (
	"strings"
	"sync"
	"time"

	"github.com/tinytelemetry/sensord/internal/model"
)

const (
	// DefaultAccumulateTimeout bounds how long partial fields may wait for the rest of a record.
	DefaultAccumulateTimeout = 30 * time.Second

	// DefaultResetMarker is the line that discards pending fields.
	DefaultResetMarker = "---"
)

// Completer decides whether accumulated fields form a complete candidate.
type Completer interface {
	Complete(fields model.Fields) bool
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(model.Fields) bool

func (f CompleterFunc) Complete(fields model.Fields) bool { return f(fields) }

// AccumulatorConfig holds tunable parameters for the accumulator.
type AccumulatorConfig struct {
	Timeout     time.Duration
	ResetMarker string
	Now         func() time.Time
}

// Accumulator assembles one candidate from fields trickling in over several lines.
// JSON lines are complete by construction and pass straight through.
type Accumulator struct {
	decoder   *Decoder
	completer Completer
	timeout   time.Duration
	reset     string
	now       func() time.Time

	mu        sync.Mutex
	pending   model.Fields
	firstSeen time.Time
}

// NewAccumulator creates an accumulator on top of decoder.
func NewAccumulator(decoder *Decoder, completer Completer, conf ...AccumulatorConfig) *Accumulator {
	if decoder == nil {
		decoder = NewDecoder()
	}
	a := &Accumulator{
		decoder:   decoder,
		completer: completer,
		timeout:   DefaultAccumulateTimeout,
		reset:     DefaultResetMarker,
		now:       time.Now,
	}
	if len(conf) > 0 {
		if conf[0].Timeout > 0 {
			a.timeout = conf[0].Timeout
		}
		if conf[0].ResetMarker != "" {
			a.reset = conf[0].ResetMarker
		}
		if conf[0].Now != nil {
			a.now = conf[0].Now
		}
	}
	return a
}

// Feed decodes one line. It returns the flushed candidate and true once the
// completer is satisfied; (nil, false, nil) means the fields are pending.
func (a *Accumulator) Feed(line string) (model.Fields, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if strings.TrimSpace(line) == a.reset {
		a.resetLocked()
		return nil, false, nil
	}
	a.expireLocked(a.now())

	fields, syntax, err := a.decoder.DecodeSyntax(line)
	if err != nil {
		return nil, false, err
	}
	if syntax == SyntaxJSON {
		return fields, true, nil
	}

	if a.pending == nil {
		a.pending = make(model.Fields, len(fields))
		a.firstSeen = a.now()
	}
	for k, v := range fields {
		a.pending[k] = v
	}

	if a.completer != nil && !a.completer.Complete(a.pending) {
		return nil, false, nil
	}
	out := a.pending
	a.resetLocked()
	return out, true, nil
}

// Expire discards pending fields older than the timeout. It reports whether
// anything was discarded.
func (a *Accumulator) Expire(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expireLocked(now)
}

// Reset discards pending fields.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

// Pending returns a copy of the fields collected so far.
func (a *Accumulator) Pending() model.Fields {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return nil
	}
	return a.pending.Clone()
}

func (a *Accumulator) expireLocked(now time.Time) bool {
	if a.pending == nil || now.Sub(a.firstSeen) < a.timeout {
		return false
	}
	a.resetLocked()
	return true
}

func (a *Accumulator) resetLocked() {
	a.pending = nil
	a.firstSeen = time.Time{}
}
