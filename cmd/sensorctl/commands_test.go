package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tinytelemetry/sensord/internal/model"
	"github.com/tinytelemetry/sensord/internal/socketrpc"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeClient struct {
	hours    int
	readings []model.Reading
	latest   *model.Reading
	frames   []socketrpc.Frame
	err      error
}

func (f *fakeClient) History(hours int) ([]model.Reading, error) {
	f.hours = hours
	return f.readings, f.err
}

func (f *fakeClient) Latest() (*model.Reading, error) { return f.latest, f.err }

func (f *fakeClient) Subscribe(ctx context.Context, fn func(socketrpc.Frame) error) error {
	for _, fr := range f.frames {
		if err := fn(fr); err != nil {
			return err
		}
	}
	if f.err != nil {
		return f.err
	}
	return context.Canceled
}

func run(t *testing.T, c sensorClient, asJSON bool, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	cfg := cliConfig{HistoryHours: model.DefaultHistoryHours}
	if err := runCommand(context.Background(), c, output{w: &buf, json: asJSON}, cfg, args); err != nil {
		t.Fatalf("runCommand(%v): %v", args, err)
	}
	return buf.String()
}

func TestHistoryCommand(t *testing.T) {
	c := &fakeClient{readings: []model.Reading{
		{Temperature: model.Float(22.25), Timestamp: t0.Add(time.Minute)},
		{Temperature: model.Float(21), Humidity: model.Float(40), Timestamp: t0},
	}}

	out := run(t, c, false, "history", "-hours", "6")
	if c.hours != 6 {
		t.Fatalf("hours = %d, want 6", c.hours)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "temperature=22.25°C") || strings.Contains(lines[0], "humidity") {
		t.Fatalf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "humidity=40.00%") {
		t.Fatalf("line 1 = %q", lines[1])
	}
}

func TestHistoryCommandDefaultsAndJSON(t *testing.T) {
	c := &fakeClient{}
	out := run(t, c, true, "history")
	if c.hours != model.DefaultHistoryHours {
		t.Fatalf("hours = %d, want default %d", c.hours, model.DefaultHistoryHours)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Fatalf("json output = %q, want []", out)
	}
}

func TestLatestCommand(t *testing.T) {
	out := run(t, &fakeClient{}, false, "latest")
	if !strings.Contains(out, "no readings stored yet") {
		t.Fatalf("empty latest = %q", out)
	}

	c := &fakeClient{latest: &model.Reading{Pressure: model.Float(101325), Timestamp: t0}}
	out = run(t, c, true, "latest")
	var r model.Reading
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("latest json: %v (%q)", err, out)
	}
	if r.Pressure == nil || *r.Pressure != 101325 || !r.Timestamp.Equal(t0) {
		t.Fatalf("latest = %+v", r)
	}
}

func TestTailCommand(t *testing.T) {
	r := &model.Reading{AccelZ: model.Float(9.81), Timestamp: t0}
	c := &fakeClient{frames: []socketrpc.Frame{
		{Raw: json.RawMessage("{}")},
		{Reading: r, Raw: json.RawMessage(`{"accelZ":9.81}`)},
		{Raw: json.RawMessage(`{"error":"error retrieving data"}`)},
	}}

	out := run(t, c, false, "tail")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "waiting for live data") {
		t.Fatalf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "accelZ=9.81") {
		t.Fatalf("line 1 = %q", lines[1])
	}
	if !strings.Contains(lines[2], "error retrieving data") {
		t.Fatalf("line 2 = %q", lines[2])
	}
}

func TestCommandErrors(t *testing.T) {
	var buf bytes.Buffer
	out := output{w: &buf}
	cfg := cliConfig{HistoryHours: 24}

	if err := runCommand(context.Background(), &fakeClient{}, out, cfg, []string{"reboot"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
	if err := runCommand(context.Background(), &fakeClient{}, out, cfg, []string{"history", "-hours", "x"}); err == nil {
		t.Fatal("expected error for malformed -hours")
	}
	boom := errors.New("socket closed")
	if err := runCommand(context.Background(), &fakeClient{err: boom}, out, cfg, []string{"latest"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	if err := runCommand(context.Background(), &fakeClient{err: boom}, out, cfg, []string{"tail"}); !errors.Is(err, boom) {
		t.Fatalf("tail err = %v, want %v", err, boom)
	}
}
