package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/sensord/internal/backup"
	"github.com/tinytelemetry/sensord/internal/decode"
	"github.com/tinytelemetry/sensord/internal/duckdb"
	"github.com/tinytelemetry/sensord/internal/healthrpc"
	"github.com/tinytelemetry/sensord/internal/history"
	"github.com/tinytelemetry/sensord/internal/httpserver"
	"github.com/tinytelemetry/sensord/internal/hub"
	"github.com/tinytelemetry/sensord/internal/ingest"
	"github.com/tinytelemetry/sensord/internal/journal"
	"github.com/tinytelemetry/sensord/internal/logging"
	"github.com/tinytelemetry/sensord/internal/model"
	"github.com/tinytelemetry/sensord/internal/postgres"
	"github.com/tinytelemetry/sensord/internal/schema"
	"github.com/tinytelemetry/sensord/internal/socketrpc"
)

// errNoSources is returned when no line source could be built.
var errNoSources = errors.New("no line sources enabled (serial, tcp or piped stdin)")

// runServer starts ingestion with the HTTP, socket and gRPC health surfaces.
func runServer(cfg appConfig) error {
	logger, cleanupLogger, err := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return err
	}
	defer cleanupLogger()
	log := logger.Sugar()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer d.close()

	if err := d.startSurfaces(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		cleanupSocket(cfg.SocketPath)
		os.Exit(1)
	}()

	mux, err := buildMultiplexer(ctx, cfg, log)
	if err != nil {
		return err
	}
	mux.Start()

	printStartupBanner(cfg, mux.SourceNames())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.pipeline.Run(gctx, mux.Lines())
	})

	err = g.Wait()
	shuttingDown := ctx.Err() != nil
	cancel()
	mux.Stop()

	if errors.Is(err, ingest.ErrSourcesClosed) && shuttingDown {
		err = nil
	}
	if err != nil {
		log.Errorw("ingestion stopped", "error", err)
		return err
	}
	log.Infow("shutdown complete")
	return nil
}

// daemon holds the wired components of one process.
type daemon struct {
	cfg      appConfig
	log      *zap.SugaredLogger
	reg      *prometheus.Registry
	store    model.RecordStore
	writer   model.RecordWriter
	buffer   *duckdb.InsertBuffer
	health   *ingest.Health
	hub      *hub.Hub
	history  *history.Service
	pipeline *ingest.Pipeline
	backups  *backup.Manager

	api        *httpserver.Server
	socket     *socketrpc.Server
	grpcHealth *healthrpc.Server
}

// newDaemon opens the store and wires the pipeline. Network surfaces are
// started separately by startSurfaces.
func newDaemon(ctx context.Context, cfg appConfig, log *zap.SugaredLogger, reg *prometheus.Registry) (*daemon, error) {
	sch, err := schema.Resolve(cfg.Schema, cfg.SchemaFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	d := &daemon{
		cfg:    cfg,
		log:    log,
		reg:    reg,
		store:  store,
		writer: store,
		health: ingest.NewHealth(),
	}

	if cfg.InsertMode == insertModeBuffered {
		if err := d.startBuffer(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	if cfg.BackupEnabled {
		if err := d.startBackups(ctx); err != nil {
			d.close()
			return nil, err
		}
	}

	d.hub = hub.New(store, hub.Config{
		BufferSize: cfg.SubscriberBuffer,
		Logger:     log.Named("hub"),
		Registerer: reg,
	})
	d.history = history.NewService(store, nil)

	d.pipeline, err = ingest.NewPipeline(d.writer, d.hub, ingest.Config{
		Schema:       sch,
		Decoder:      buildDecoder(cfg, sch),
		StoreTimeout: cfg.StoreTimeout,
		Health:       d.health,
		AsyncStore:   d.buffer != nil,
		Logger:       log.Named("ingest"),
		Registerer:   reg,
	})
	if err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func openStore(ctx context.Context, cfg appConfig, log *zap.SugaredLogger) (model.RecordStore, error) {
	switch cfg.StoreDriver {
	case storeDriverPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.Config{
			QueryTimeout: cfg.QueryTimeout,
			Logger:       log.Named("postgres"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		return store, nil
	default:
		store, err := duckdb.NewStore(cfg.DBPath, duckdb.StoreConfig{
			QueryTimeout: cfg.QueryTimeout,
			Logger:       log.Named("duckdb"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize DuckDB: %w", err)
		}
		return store, nil
	}
}

// startBuffer puts an InsertBuffer in front of the store, replaying the
// journal first when one is enabled.
func (d *daemon) startBuffer(ctx context.Context) error {
	conf := duckdb.InsertBufferConfig{
		BatchSize:     d.cfg.InsertBatchSize,
		FlushInterval: d.cfg.InsertFlushInterval,
		Logger:        d.log.Named("buffer"),
		OnFlush: func(_ int, err error) {
			d.health.Observe(err)
		},
	}

	if d.cfg.JournalEnabled {
		j, err := journal.Open(d.cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open ingest journal: %w", err)
		}
		n, err := journal.ReplayInto(ctx, j, d.store, d.cfg.InsertBatchSize)
		if err != nil {
			_ = j.Close()
			return fmt.Errorf("failed to replay ingest journal: %w", err)
		}
		if n > 0 {
			d.log.Infow("ingest journal replayed", "readings", n)
		}
		conf.Journal = j
	}

	d.buffer = duckdb.NewInsertBuffer(d.store, conf)
	d.writer = d.buffer
	return nil
}

// startBackups schedules periodic snapshots of the DuckDB file.
func (d *daemon) startBackups(ctx context.Context) error {
	snap, ok := d.store.(backup.Snapshotter)
	if !ok {
		return fmt.Errorf("backup-enabled requires store-driver %s", storeDriverDuckDB)
	}
	m, err := backup.NewManager(snap, backup.Config{
		Dir:      d.cfg.BackupDir,
		Interval: d.cfg.BackupInterval,
		KeepLast: d.cfg.BackupKeepLast,
		Logger:   d.log.Named("backup"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize backups: %w", err)
	}
	m.Start(ctx)
	d.backups = m
	return nil
}

func buildDecoder(cfg appConfig, sch *schema.Schema) ingest.LineDecoder {
	dec := decode.NewDecoder()
	if cfg.DecoderMode == decoderModeAccumulate {
		return decode.NewAccumulator(dec, sch, decode.AccumulatorConfig{
			Timeout:     cfg.AccumulateTimeout,
			ResetMarker: cfg.AccumulateReset,
		})
	}
	return ingest.Stateless(dec)
}

// startSurfaces starts the enabled read and subscription servers. The Unix
// socket is optional: failing to bind it only logs a warning.
func (d *daemon) startSurfaces() error {
	if d.cfg.APIEnabled {
		d.api = httpserver.NewServer(httpserver.Options{
			Addr:         d.cfg.APIAddr,
			History:      d.history,
			Hub:          d.hub,
			Health:       d.health,
			Gatherer:     d.reg,
			Logger:       d.log.Named("http"),
			WriteTimeout: d.cfg.SubscriberWriteTimeout,
		})
		if err := d.api.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	if d.cfg.SocketPath != "" {
		sock := socketrpc.NewServer(d.cfg.SocketPath, d.history, socketrpc.Config{
			Hub:          d.hub,
			Logger:       d.log.Named("socketrpc"),
			WriteTimeout: d.cfg.SubscriberWriteTimeout,
		})
		if err := sock.Start(); err != nil {
			d.log.Warnw("failed to start socket server", "socket", d.cfg.SocketPath, "error", err)
		} else {
			d.socket = sock
		}
	}

	if d.cfg.GRPCHealthEnabled {
		d.grpcHealth = healthrpc.New(d.cfg.GRPCHealthAddr, healthrpc.Config{Logger: d.log.Named("healthrpc")})
		d.grpcHealth.Follow(d.health)
		if err := d.grpcHealth.Start(); err != nil {
			return fmt.Errorf("failed to start gRPC health server: %w", err)
		}
	}
	return nil
}

// close stops components in reverse dependency order: surfaces, hub,
// backups, the buffered writer (flushing pending readings) and finally the
// store.
func (d *daemon) close() {
	if d.grpcHealth != nil {
		d.grpcHealth.Stop()
	}
	if d.socket != nil {
		d.socket.Stop()
	}
	if d.api != nil {
		if err := d.api.Stop(); err != nil {
			d.log.Warnw("api shutdown", "error", err)
		}
	}
	if d.hub != nil {
		d.hub.Close()
	}
	if d.backups != nil {
		d.backups.Stop()
	}
	if d.buffer != nil {
		d.buffer.Stop()
	}
	if err := d.store.Close(); err != nil {
		d.log.Warnw("store close", "error", err)
	}
}

func buildMultiplexer(ctx context.Context, cfg appConfig, log *zap.SugaredLogger) (*SourceMultiplexer, error) {
	plugins := buildInputPlugins(InputPluginConfig{
		SerialEnabled: cfg.SerialEnabled,
		SerialPort:    cfg.SerialPort,
		SerialBaud:    cfg.SerialBaud,
		TCPEnabled:    cfg.TCPEnabled,
		TCPAddr:       cfg.TCPAddr,
		Logger:        log.Named("source"),
	})

	sources := make([]NamedLineSource, 0, len(plugins))
	for _, plugin := range plugins {
		if plugin.Name() == "stdin" || !plugin.Enabled() {
			continue
		}
		src, err := plugin.Build(ctx)
		if err != nil {
			log.Errorw("input plugin failed", "plugin", plugin.Name(), "error", err)
			continue
		}
		sources = append(sources, src)
	}

	if len(sources) == 0 {
		// Fall back to stdin if piped.
		fallback := stdinInputPlugin{log: log.Named("source")}
		if fallback.Enabled() {
			if src, err := fallback.Build(ctx); err == nil {
				sources = append(sources, src)
			}
		}
	}
	if len(sources) == 0 {
		return nil, errNoSources
	}
	return NewSourceMultiplexer(ctx, sources, cfg.MuxBufferSize), nil
}

func cleanupSocket(path string) {
	if path != "" {
		os.Remove(path)
	}
}
