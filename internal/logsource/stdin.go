package logsource

import (
	"context"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/tinytelemetry/sensord/internal/model"
)

// DefaultStdinBuffer is the default channel buffer size for stdin lines.
const DefaultStdinBuffer = 4096

// StdinConfig holds tunable parameters for the stdin source.
type StdinConfig struct {
	BufferSize  int
	MaxLineSize int
	Logger      *zap.SugaredLogger
}

// StdinSource reads lines from stdin, e.g. a replayed capture file.
type StdinSource struct {
	ch       chan model.IngestEnvelope
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewStdinSource creates a StdinSource that reads from stdin in a background goroutine.
func NewStdinSource(ctx context.Context, conf ...StdinConfig) *StdinSource {
	return newStdinSourceWithReader(ctx, os.Stdin, conf...)
}

func newStdinSourceWithReader(ctx context.Context, r io.Reader, conf ...StdinConfig) *StdinSource {
	bufferSize := DefaultStdinBuffer
	maxLineSize := DefaultMaxLineSize
	logger := zap.NewNop().Sugar()
	if len(conf) > 0 {
		if conf[0].BufferSize > 0 {
			bufferSize = conf[0].BufferSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &StdinSource{
		ch:     make(chan model.IngestEnvelope, bufferSize),
		cancel: cancel,
	}
	go s.read(ctx, r, maxLineSize, logger)
	return s
}

func (s *StdinSource) read(ctx context.Context, r io.Reader, maxLineSize int, log *zap.SugaredLogger) {
	defer close(s.ch)

	// The scan blocks on the reader, so it runs in its own goroutine and
	// cancellation closes the output without waiting for it.
	lines := make(chan model.IngestEnvelope)
	go func() {
		defer close(lines)
		logScanErr(log, s.Name(), maxLineSize, scanLines(ctx, r, s.Name(), maxLineSize, lines))
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-lines:
			if !ok {
				return
			}
			select {
			case s.ch <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *StdinSource) Lines() <-chan model.IngestEnvelope { return s.ch }
func (s *StdinSource) Stop()                              { s.stopOnce.Do(s.cancel) }
func (s *StdinSource) Name() string                       { return "stdin" }
