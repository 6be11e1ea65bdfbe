package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/tinytelemetry/sensord/internal/model"
	"github.com/tinytelemetry/sensord/internal/socketrpc"
)

// sensorClient is the subset of socketrpc.Client used by the commands.
type sensorClient interface {
	History(hours int) ([]model.Reading, error)
	Latest() (*model.Reading, error)
	Subscribe(ctx context.Context, fn func(socketrpc.Frame) error) error
}

type output struct {
	w    io.Writer
	json bool
}

func (o output) reading(r *model.Reading) error {
	if o.json {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(o.w, string(data))
		return err
	}
	_, err := fmt.Fprintln(o.w, renderReading(r))
	return err
}

func (o output) note(msg string, raw json.RawMessage) error {
	if o.json {
		_, err := fmt.Fprintln(o.w, string(raw))
		return err
	}
	_, err := fmt.Fprintln(o.w, renderNote(msg))
	return err
}

func runCommand(ctx context.Context, c sensorClient, out output, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return errors.New("missing command")
	}
	switch args[0] {
	case "history":
		fs := flag.NewFlagSet("history", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		hours := fs.Int("hours", cfg.HistoryHours, "window in hours")
		if err := fs.Parse(args[1:]); err != nil {
			return fmt.Errorf("history: %w", err)
		}
		return runHistory(c, out, *hours)
	case "latest":
		return runLatest(c, out)
	case "tail":
		return runTail(ctx, c, out)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runHistory(c sensorClient, out output, hours int) error {
	readings, err := c.History(hours)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if out.json {
		if readings == nil {
			readings = []model.Reading{}
		}
		data, err := json.Marshal(readings)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out.w, string(data))
		return err
	}
	if len(readings) == 0 {
		return out.note("no readings in window", nil)
	}
	for i := range readings {
		if err := out.reading(&readings[i]); err != nil {
			return err
		}
	}
	return nil
}

func runLatest(c sensorClient, out output) error {
	r, err := c.Latest()
	if err != nil {
		return fmt.Errorf("latest: %w", err)
	}
	if r == nil {
		return out.note("no readings stored yet", json.RawMessage("{}"))
	}
	return out.reading(r)
}

func runTail(ctx context.Context, c sensorClient, out output) error {
	err := c.Subscribe(ctx, func(f socketrpc.Frame) error {
		if f.Reading != nil {
			return out.reading(f.Reading)
		}
		if string(f.Raw) == "{}" {
			return out.note("no readings stored yet, waiting for live data", f.Raw)
		}
		return out.note("server reported: "+string(f.Raw), f.Raw)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
