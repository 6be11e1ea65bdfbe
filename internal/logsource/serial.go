package logsource

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/tinytelemetry/sensord/internal/model"
)

// Serial defaults.
const (
	DefaultSerialPort          = "/dev/ttyUSB0"
	DefaultSerialBaud          = 9600
	DefaultSerialBuffer        = 1024
	DefaultSerialRetryInterval = 2 * time.Second
)

// SerialConfig holds tunable parameters for the serial source.
type SerialConfig struct {
	Port          string
	BaudRate      int
	BufferSize    int
	MaxLineSize   int
	RetryInterval time.Duration
	Logger        *zap.SugaredLogger
}

type portOpener func(name string, mode *serial.Mode) (io.ReadCloser, error)

func openSerialPort(name string, mode *serial.Mode) (io.ReadCloser, error) {
	return serial.Open(name, mode)
}

// SerialSource reads lines from a serial device (8N1). When the device
// disappears or fails to open, it is reopened after RetryInterval until Stop.
type SerialSource struct {
	port          string
	mode          *serial.Mode
	maxLineSize   int
	retryInterval time.Duration
	open          portOpener
	log           *zap.SugaredLogger

	ch       chan model.IngestEnvelope
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	cur io.ReadCloser
}

// NewSerialSource starts reading the configured device in the background.
func NewSerialSource(ctx context.Context, conf SerialConfig) *SerialSource {
	return newSerialSource(ctx, conf, openSerialPort)
}

func newSerialSource(ctx context.Context, conf SerialConfig, open portOpener) *SerialSource {
	if conf.Port == "" {
		conf.Port = DefaultSerialPort
	}
	if conf.BaudRate <= 0 {
		conf.BaudRate = DefaultSerialBaud
	}
	if conf.BufferSize <= 0 {
		conf.BufferSize = DefaultSerialBuffer
	}
	if conf.MaxLineSize <= 0 {
		conf.MaxLineSize = DefaultMaxLineSize
	}
	if conf.RetryInterval <= 0 {
		conf.RetryInterval = DefaultSerialRetryInterval
	}
	if conf.Logger == nil {
		conf.Logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &SerialSource{
		port: conf.Port,
		mode: &serial.Mode{
			BaudRate: conf.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		maxLineSize:   conf.MaxLineSize,
		retryInterval: conf.RetryInterval,
		open:          open,
		log:           conf.Logger,
		ch:            make(chan model.IngestEnvelope, conf.BufferSize),
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *SerialSource) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)

	// Closing the port unblocks a pending read on cancellation.
	stop := context.AfterFunc(ctx, s.closePort)
	defer stop()

	for ctx.Err() == nil {
		port, err := s.open(s.port, s.mode)
		if err != nil {
			s.log.Warnw("serial open failed, retrying", "port", s.port, "retry_in", s.retryInterval, "error", err)
			if !s.wait(ctx) {
				return
			}
			continue
		}
		s.setPort(port)
		if ctx.Err() != nil {
			s.closePort()
			return
		}
		s.log.Infow("serial port opened", "port", s.port, "baud", s.mode.BaudRate)

		err = scanLines(ctx, port, s.Name(), s.maxLineSize, s.ch)
		s.closePort()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("device closed")
		}
		logScanErr(s.log, s.Name(), s.maxLineSize, err)
		if !s.wait(ctx) {
			return
		}
	}
}

func (s *SerialSource) wait(ctx context.Context) bool {
	t := time.NewTimer(s.retryInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *SerialSource) setPort(p io.ReadCloser) {
	s.mu.Lock()
	s.cur = p
	s.mu.Unlock()
}

func (s *SerialSource) closePort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		_ = s.cur.Close()
		s.cur = nil
	}
}

func (s *SerialSource) Lines() <-chan model.IngestEnvelope { return s.ch }
func (s *SerialSource) Name() string                       { return "serial" }

// Stop closes the device and waits for the reader to exit.
func (s *SerialSource) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}
