// Package httpserver serves readings over HTTP: history and latest queries,
// health, Prometheus metrics and WebSocket subscriptions.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tinytelemetry/sensord/internal/history"
	"github.com/tinytelemetry/sensord/internal/hub"
	"github.com/tinytelemetry/sensord/internal/ingest"
	"github.com/tinytelemetry/sensord/internal/model"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = "0.0.0.0:3000"

// HistoryQuerier is the read contract required by the query routes.
type HistoryQuerier interface {
	History(ctx context.Context, windowHours int) ([]model.Reading, error)
	Latest(ctx context.Context) (*model.Reading, error)
}

// Subscriptions registers live subscribers.
type Subscriptions interface {
	Register(ctx context.Context) (*hub.Subscriber, error)
	Unregister(sub *hub.Subscriber)
	Len() int
}

// HealthReporter exposes degraded mode.
type HealthReporter interface {
	Status() ingest.HealthStatus
}

// Options wires a Server. Nil Health reports always ok, nil Gatherer omits
// /metrics and nil Hub omits the WebSocket routes.
type Options struct {
	Addr         string
	History      HistoryQuerier
	Hub          Subscriptions
	Health       HealthReporter
	Gatherer     prometheus.Gatherer
	Logger       *zap.SugaredLogger
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// Server is the HTTP surface of the daemon.
type Server struct {
	addr         string
	history      HistoryQuerier
	hub          Subscriptions
	health       HealthReporter
	gatherer     prometheus.Gatherer
	log          *zap.SugaredLogger
	writeTimeout time.Duration
	pingInterval time.Duration
	upgrader     websocket.Upgrader

	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP server.
func NewServer(opts Options) *Server {
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:         addr,
		history:      opts.History,
		hub:          opts.Hub,
		health:       opts.Health,
		gatherer:     opts.Gatherer,
		log:          logger,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	if s.history != nil {
		r.GET("/data/history", s.handleHistory)
		r.GET("/data/latest", s.handleLatest)
	}
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	if s.hub != nil {
		r.GET("/ws", s.handleWebSocket)
		r.GET("/", s.handleWebSocket)
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("http server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.hub != nil {
		body["subscribers"] = s.hub.Len()
	}

	code := http.StatusOK
	if s.health != nil {
		st := s.health.Status()
		if st.LastError != "" {
			body["last_store_error"] = st.LastError
		}
		if st.Degraded {
			body["status"] = "degraded"
			body["degraded_since"] = st.DegradedSince.Format(time.RFC3339)
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, body)
}

func (s *Server) handleHistory(c *gin.Context) {
	hours := history.ParseWindow(c.Query("hours"))
	readings, err := s.history.History(c.Request.Context(), hours)
	if err != nil {
		s.log.Errorw("history query failed", "hours", hours, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "error retrieving historical data"})
		return
	}
	c.JSON(http.StatusOK, readings)
}

func (s *Server) handleLatest(c *gin.Context) {
	r, err := s.history.Latest(c.Request.Context())
	if err != nil {
		s.log.Errorw("latest query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "error retrieving data"})
		return
	}
	if r == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, r)
}
