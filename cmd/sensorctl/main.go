package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tinytelemetry/sensord/internal/socketrpc"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

const usage = `usage: sensorctl [flags] <command> [command flags]

commands:
  history [-hours N]   readings from the last N hours, newest first
  latest               the most recent stored reading
  tail                 stream live readings until interrupted

flags:
`

func main() {
	var configPath string
	var socketPath string
	var showVersion bool
	var asJSON bool

	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/sensord/config.yml)")
	flag.StringVar(&socketPath, "socket", "", "override socket path to connect to the sensord service")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.BoolVar(&asJSON, "json", false, "print raw JSON instead of styled lines")
	flag.Parse()

	if showVersion {
		fmt.Printf("sensorctl - Sensor Telemetry Client\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadCLIConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := socketrpc.Dial(cfg.SocketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot connect to sensord at %s: %v\nIs the sensord service running? Start it with: sensord\n", cfg.SocketPath, err)
		os.Exit(1)
	}
	defer client.Close()

	out := output{w: os.Stdout, json: asJSON}
	if err := runCommand(ctx, client, out, cfg, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
