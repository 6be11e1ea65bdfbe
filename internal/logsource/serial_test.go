package logsource

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"
)

type fakePorts struct {
	mu     sync.Mutex
	opens  int
	fail   int
	mode   *serial.Mode
	name   string
	writes chan *io.PipeWriter
}

func newFakePorts(fail int) *fakePorts {
	return &fakePorts{fail: fail, writes: make(chan *io.PipeWriter, 4)}
}

func (f *fakePorts) open(name string, mode *serial.Mode) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.name, f.mode = name, mode
	if f.opens <= f.fail {
		return nil, errors.New("no such device")
	}
	r, w := io.Pipe()
	f.writes <- w
	return r, nil
}

func (f *fakePorts) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func nextWriter(t *testing.T, f *fakePorts) *io.PipeWriter {
	t.Helper()
	select {
	case w := <-f.writes:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("port was not opened")
		return nil
	}
}

func expectLine(t *testing.T, src *SerialSource, want string) {
	t.Helper()
	select {
	case env := <-src.Lines():
		if env.Line != want || env.Source != "serial" {
			t.Fatalf("got %+v, want %q from serial", env, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestSerialSourceReadsLines(t *testing.T) {
	f := newFakePorts(0)
	src := newSerialSource(context.Background(), SerialConfig{Port: "/dev/ttyACM0", BaudRate: 115200}, f.open)
	defer src.Stop()

	w := nextWriter(t, f)
	go func() { _, _ = w.Write([]byte("Pressure = 101325 Pa\r\nApprox altitude = 12.3 m\r\n")) }()

	expectLine(t, src, "Pressure = 101325 Pa")
	expectLine(t, src, "Approx altitude = 12.3 m")

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.name != "/dev/ttyACM0" || f.mode.BaudRate != 115200 || f.mode.DataBits != 8 ||
		f.mode.Parity != serial.NoParity || f.mode.StopBits != serial.OneStopBit {
		t.Fatalf("opened %q with %+v", f.name, f.mode)
	}
}

func TestSerialSourceDefaults(t *testing.T) {
	f := newFakePorts(0)
	src := newSerialSource(context.Background(), SerialConfig{}, f.open)
	nextWriter(t, f)
	src.Stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.name != DefaultSerialPort || f.mode.BaudRate != DefaultSerialBaud {
		t.Fatalf("opened %q at %d baud", f.name, f.mode.BaudRate)
	}
}

func TestSerialSourceRetriesOpenAndReconnects(t *testing.T) {
	f := newFakePorts(2)
	src := newSerialSource(context.Background(), SerialConfig{RetryInterval: 10 * time.Millisecond}, f.open)
	defer src.Stop()

	w := nextWriter(t, f)
	go func() {
		_, _ = w.Write([]byte("Humidity: 40.0%\n"))
		_ = w.Close()
	}()
	expectLine(t, src, "Humidity: 40.0%")

	w = nextWriter(t, f)
	go func() { _, _ = w.Write([]byte("Humidity: 41.0%\n")) }()
	expectLine(t, src, "Humidity: 41.0%")

	if got := f.openCount(); got != 4 {
		t.Fatalf("opens = %d, want 4 (2 failures, first port, reconnect)", got)
	}
}

func TestSerialSourceStopClosesLines(t *testing.T) {
	f := newFakePorts(0)
	src := newSerialSource(context.Background(), SerialConfig{}, f.open)
	nextWriter(t, f)

	done := make(chan struct{})
	go func() {
		src.Stop()
		src.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung on a blocked read")
	}
	if _, ok := <-src.Lines(); ok {
		t.Fatal("expected lines channel to be closed after Stop")
	}
}
