// Package logsource adapts transports into streams of raw sensor lines.
package logsource

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/tinytelemetry/sensord/internal/model"
)

// LineSource is a unified interface for all line inputs (serial, TCP, stdin).
type LineSource interface {
	Lines() <-chan model.IngestEnvelope // read-only channel of raw lines
	Stop()                              // graceful shutdown
	Name() string                       // "serial", "tcp", "stdin"
}

// DefaultMaxLineSize is the default maximum size (in bytes) of a single line.
const DefaultMaxLineSize = 64 * 1024

// scanLines reads r line by line, strips trailing CRs, skips blank lines and
// sends the rest on out until r ends or ctx is cancelled. It returns ctx.Err()
// on cancellation and the reader error otherwise (nil at EOF).
func scanLines(ctx context.Context, r io.Reader, source string, maxLineSize int, out chan<- model.IngestEnvelope) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		select {
		case out <- model.IngestEnvelope{Source: source, Line: line}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return scanner.Err()
}

func logScanErr(log *zap.SugaredLogger, source string, maxLineSize int, err error) {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, bufio.ErrTooLong):
		log.Warnw("line exceeded max size", "source", source, "max_bytes", maxLineSize)
	default:
		log.Warnw("line source read failed", "source", source, "error", err)
	}
}
