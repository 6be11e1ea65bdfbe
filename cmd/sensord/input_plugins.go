package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/tinytelemetry/sensord/internal/logsource"
	"github.com/tinytelemetry/sensord/internal/tcpserver"
)

// NamedLineSource aliases the shared source abstraction to keep app-layer APIs explicit.
type NamedLineSource = logsource.LineSource

// InputSourcePlugin is a small plugin primitive for wiring line inputs.
type InputSourcePlugin interface {
	Name() string
	Enabled() bool
	Build(ctx context.Context) (NamedLineSource, error)
}

// InputPluginConfig defines runtime input selection.
type InputPluginConfig struct {
	SerialEnabled bool
	SerialPort    string
	SerialBaud    int
	TCPEnabled    bool
	TCPAddr       string
	Logger        *zap.SugaredLogger
}

func buildInputPlugins(cfg InputPluginConfig) []InputSourcePlugin {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return []InputSourcePlugin{
		serialInputPlugin{
			port:    cfg.SerialPort,
			baud:    cfg.SerialBaud,
			enabled: cfg.SerialEnabled,
			log:     cfg.Logger,
		},
		tcpInputPlugin{
			addr:    cfg.TCPAddr,
			enabled: cfg.TCPEnabled,
			log:     cfg.Logger,
		},
		stdinInputPlugin{log: cfg.Logger},
	}
}

type serialInputPlugin struct {
	port    string
	baud    int
	enabled bool
	log     *zap.SugaredLogger
}

func (p serialInputPlugin) Name() string { return "serial" }

func (p serialInputPlugin) Enabled() bool { return p.enabled }

func (p serialInputPlugin) Build(ctx context.Context) (NamedLineSource, error) {
	return logsource.NewSerialSource(ctx, logsource.SerialConfig{
		Port:     p.port,
		BaudRate: p.baud,
		Logger:   p.log,
	}), nil
}

type tcpInputPlugin struct {
	addr    string
	enabled bool
	log     *zap.SugaredLogger
}

func (p tcpInputPlugin) Name() string { return "tcp" }

func (p tcpInputPlugin) Enabled() bool { return p.enabled }

func (p tcpInputPlugin) Build(_ context.Context) (NamedLineSource, error) {
	server := tcpserver.NewServer(p.addr, tcpserver.ServerConfig{Logger: p.log})
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("start tcp server: %w", err)
	}
	return logsource.NewTCPSource(server), nil
}

type stdinInputPlugin struct {
	log *zap.SugaredLogger
}

func (p stdinInputPlugin) Name() string { return "stdin" }

func (p stdinInputPlugin) Enabled() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

func (p stdinInputPlugin) Build(ctx context.Context) (NamedLineSource, error) {
	return logsource.NewStdinSource(ctx, logsource.StdinConfig{Logger: p.log}), nil
}
