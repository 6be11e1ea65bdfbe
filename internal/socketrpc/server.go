package socketrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/sensord/internal/hub"
	"github.com/tinytelemetry/sensord/internal/model"
)

const (
	// scannerInitBufSize is the initial buffer size for the per-connection scanner (64 KB).
	scannerInitBufSize = 64 * 1024
	// scannerMaxTokenSize is the maximum request size the scanner will accept (1 MB).
	scannerMaxTokenSize = 1024 * 1024

	defaultWriteTimeout = 10 * time.Second
)

// Querier answers history and latest queries.
type Querier interface {
	History(ctx context.Context, windowHours int) ([]model.Reading, error)
	Latest(ctx context.Context) (*model.Reading, error)
}

// Subscriptions registers live subscribers.
type Subscriptions interface {
	Register(ctx context.Context) (*hub.Subscriber, error)
	Unregister(sub *hub.Subscriber)
}

// Config holds optional server settings.
type Config struct {
	// Hub enables Subscribe. Without it Subscribe reports method not found.
	Hub          Subscriptions
	Logger       *zap.SugaredLogger
	WriteTimeout time.Duration
}

// Server exposes a Querier over a Unix domain socket using JSON-RPC 2.0.
type Server struct {
	socketPath   string
	querier      Querier
	hub          Subscriptions
	log          *zap.SugaredLogger
	writeTimeout time.Duration

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewServer creates a new socket RPC server.
func NewServer(socketPath string, querier Querier, conf ...Config) *Server {
	s := &Server{
		socketPath:   socketPath,
		querier:      querier,
		log:          zap.NewNop().Sugar(),
		writeTimeout: defaultWriteTimeout,
		quit:         make(chan struct{}),
		conns:        make(map[net.Conn]struct{}),
	}
	if len(conf) > 0 {
		c := conf[0]
		s.hub = c.Hub
		if c.Logger != nil {
			s.log = c.Logger
		}
		if c.WriteTimeout > 0 {
			s.writeTimeout = c.WriteTimeout
		}
	}
	return s
}

// Start begins listening on the Unix socket and accepting connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("socketrpc: mkdir: %w", err)
	}

	// Remove a stale socket left by a crashed server.
	if _, err := os.Stat(s.socketPath); err == nil {
		conn, dialErr := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
		if dialErr != nil {
			_ = os.Remove(s.socketPath)
		} else {
			conn.Close()
			return fmt.Errorf("socketrpc: another server is already listening on %s", s.socketPath)
		}
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("socketrpc: listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Infow("socket rpc listening", "socket", s.socketPath)
	return nil
}

// Stop closes the listener and open connections, waits for handlers to
// return, and removes the socket file.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		s.connMu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.connMu.Unlock()
		s.wg.Wait()
		_ = os.Remove(s.socketPath)
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				// Transient errors (e.g. fd limit) must not end the loop.
				s.log.Warnw("socket rpc accept failed", "error", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	select {
	case <-s.quit:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		select {
		case <-s.quit:
			return
		default:
		}

		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			resp := Response{JSONRPC: "2.0", ID: 0, Error: &RPCError{Code: CodeParseError, Message: "parse error"}}
			if err := s.write(conn, encoder, resp); err != nil {
				return
			}
			continue
		}

		if req.Method == MethodSubscribe && s.hub != nil {
			s.stream(conn, scanner, encoder, req)
			return
		}

		resp := s.dispatch(req)
		if err := s.write(conn, encoder, resp); err != nil {
			return
		}
	}
}

func (s *Server) write(conn net.Conn, enc *json.Encoder, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return enc.Encode(v)
}

// stream turns the connection into a subscription. Frames are forwarded as
// notifications until the client disconnects, the hub drops the subscriber,
// or the server stops.
func (s *Server) stream(conn net.Conn, scanner *bufio.Scanner, enc *json.Encoder, req Request) {
	ctx, cancel := context.WithTimeout(context.Background(), model.DefaultQueryTimeout)
	sub, err := s.hub.Register(ctx)
	cancel()
	if err != nil {
		_ = s.write(conn, enc, Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: CodeAppError, Message: err.Error()}})
		return
	}
	defer s.hub.Unregister(sub)

	result, _ := json.Marshal(SubscribeResult{ID: sub.ID})
	if err := s.write(conn, enc, Response{JSONRPC: "2.0", ID: req.ID, Result: result}); err != nil {
		return
	}
	s.log.Debugw("socket rpc subscriber attached", "id", sub.ID)

	// Requests after Subscribe are ignored; reading only detects disconnect.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for scanner.Scan() {
		}
	}()

	for {
		select {
		case <-s.quit:
			return
		case <-gone:
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			n := Notification{JSONRPC: "2.0", Method: NotificationReading, Params: msg.Data}
			if err := s.write(conn, enc, n); err != nil {
				s.log.Debugw("socket rpc subscriber write failed", "id", sub.ID, "error", err)
				return
			}
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}

	ctx, cancel := context.WithTimeout(context.Background(), model.DefaultQueryTimeout)
	defer cancel()

	marshalResult := func(v any, err error) Response {
		if err != nil {
			resp.Error = &RPCError{Code: CodeAppError, Message: err.Error()}
			return resp
		}
		data, merr := json.Marshal(v)
		if merr != nil {
			resp.Error = &RPCError{Code: CodeInternalError, Message: merr.Error()}
			return resp
		}
		resp.Result = data
		return resp
	}

	invalidParams := func(err error) Response {
		resp.Error = &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
		return resp
	}

	switch req.Method {
	case MethodHistory:
		var p HistoryParams
		// Empty or null params select the default window.
		if err := json.Unmarshal(req.Params, &p); err != nil && len(req.Params) > 0 {
			return invalidParams(err)
		}
		return marshalResult(s.querier.History(ctx, p.Hours))

	case MethodLatest:
		return marshalResult(s.querier.Latest(ctx))

	default:
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
		return resp
	}
}
