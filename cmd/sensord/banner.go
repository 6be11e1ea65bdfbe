package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

func printStartupBanner(cfg appConfig, sources []string) {
	fmt.Println(renderStartupBanner(cfg, sources))
}

func renderStartupBanner(cfg appConfig, sources []string) string {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	row := func(on bool, label, value string) string {
		if on {
			return fmt.Sprintf("    %s  %-14s %s", check, label, cyan.Render(value))
		}
		return fmt.Sprintf("    %s  %-14s %s", dot, label, dim.Render("disabled"))
	}

	logo := cyan.Bold(true).Render(`
    ╔═╗╔═╗╔╗╔╔═╗╔═╗╦═╗╔╦╗
    ╚═╗║╣ ║║║╚═╗║ ║╠╦╝ ║║
    ╚═╝╚═╝╝╚╝╚═╝╚═╝╩╚══╩╝`)

	separator := dim.Render("    ─────────────────────────────────")

	lines := []string{
		"",
		logo,
		"    " + dim.Render("v"+version),
		"",
		separator,
		"",
		bold.Render("    Inputs"),
		"",
		row(cfg.SerialEnabled, "Serial", fmt.Sprintf("%s @ %d baud", cfg.SerialPort, cfg.SerialBaud)),
		row(cfg.TCPEnabled, "TCP Ingest", cfg.TCPAddr),
		row(len(sources) > 0, "Active", strings.Join(sources, ", ")),
		"",
		bold.Render("    Gateway"),
		"",
		row(cfg.APIEnabled, "HTTP API", cfg.APIAddr),
		row(cfg.APIEnabled, "WebSocket", cfg.APIAddr+"/ws"),
		row(cfg.SocketPath != "", "Unix Socket", shortenPath(cfg.SocketPath)),
		row(cfg.GRPCHealthEnabled, "gRPC Health", cfg.GRPCHealthAddr),
		"",
		bold.Render("    Storage"),
		"",
	}

	switch cfg.StoreDriver {
	case storeDriverPostgres:
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "PostgreSQL", dim.Render("configured dsn")))
	default:
		path := shortenPath(cfg.DBPath)
		if path == "" {
			path = "in-memory"
		}
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "DuckDB", dim.Render(path)))
	}
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Insert Mode", dim.Render(cfg.InsertMode)))
	if cfg.JournalEnabled {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Journal", dim.Render(shortenPath(cfg.JournalPath))))
	} else {
		lines = append(lines, row(false, "Journal", ""))
	}
	if cfg.BackupEnabled {
		detail := fmt.Sprintf("%s every %s, keep %d", shortenPath(cfg.BackupDir), cfg.BackupInterval, cfg.BackupKeepLast)
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Backups", dim.Render(detail)))
	} else {
		lines = append(lines, row(false, "Backups", ""))
	}

	lines = append(lines, "", bold.Render("    Decoding"), "")
	schemaName := cfg.Schema
	if cfg.SchemaFile != "" {
		schemaName = shortenPath(cfg.SchemaFile)
	}
	lines = append(lines,
		fmt.Sprintf("    %s  %-14s %s", check, "Schema", dim.Render(schemaName)),
		fmt.Sprintf("    %s  %-14s %s", check, "Decoder", dim.Render(cfg.DecoderMode)),
	)

	lines = append(lines, "", bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", dot, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines,
		"",
		separator,
		"",
		"    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"),
		"",
	)
	return strings.Join(lines, "\n")
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
