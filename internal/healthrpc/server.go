// Package healthrpc serves the standard gRPC health service and mirrors the
// store's degraded mode into it.
package healthrpc

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service reported by the health server.
const ServiceName = "sensord"

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = "127.0.0.1:4318"

// Watcher reports degraded-mode transitions. Watch must call fn once with
// the current state.
type Watcher interface {
	Watch(fn func(degraded bool))
}

// Config holds optional server settings.
type Config struct {
	Logger *zap.SugaredLogger
}

// Server is a gRPC server carrying only the health service.
type Server struct {
	addr   string
	log    *zap.SugaredLogger
	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a health server. Until Follow is called, ServiceName and the
// overall ("") status report SERVING.
func New(addr string, conf ...Config) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	logger := zap.NewNop().Sugar()
	if len(conf) > 0 && conf[0].Logger != nil {
		logger = conf[0].Logger
	}

	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{addr: addr, log: logger, grpc: gs, health: hs}
	s.SetServing(true)
	return s
}

// SetServing sets the status of ServiceName and the overall server.
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
}

// Follow keeps the served status in step with w.
func (s *Server) Follow(w Watcher) {
	w.Watch(func(degraded bool) {
		s.SetServing(!degraded)
		s.log.Infow("grpc health status changed", "service", ServiceName, "serving", !degraded)
	})
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("healthrpc: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Errorw("grpc health server stopped", "error", err)
		}
	}()
	s.log.Infow("grpc health listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.health.Shutdown()
		s.grpc.GracefulStop()
		s.wg.Wait()
	})
}
