package socketrpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tinytelemetry/sensord/internal/model"
)

// ErrSubscribed is returned by calls made after Subscribe took over the
// connection.
var ErrSubscribed = errors.New("socketrpc: connection is subscribed")

// Client queries a sensord server over a Unix domain socket using JSON-RPC 2.0.
type Client struct {
	conn       net.Conn
	mu         sync.Mutex
	nextID     int
	subscribed bool
	scanner    *bufio.Scanner
	encoder    *json.Encoder
}

// Dial connects to the socket RPC server at the given path.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("socketrpc: dial: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	return &Client{
		conn:    conn,
		scanner: scanner,
		encoder: json.NewEncoder(conn),
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(method string, params any) (int, error) {
	c.nextID++
	id := c.nextID

	paramsData, err := json.Marshal(params)
	if err != nil {
		return 0, fmt.Errorf("socketrpc: marshal params: %w", err)
	}
	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsData}
	if err := c.encoder.Encode(req); err != nil {
		return 0, fmt.Errorf("socketrpc: send: %w", err)
	}
	return id, nil
}

func (c *Client) readLine() ([]byte, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, fmt.Errorf("socketrpc: read: %w", err)
		}
		return nil, errors.New("socketrpc: connection closed")
	}
	return c.scanner.Bytes(), nil
}

func (c *Client) readResponse(dest any) error {
	line, err := c.readLine()
	if err != nil {
		return err
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("socketrpc: unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if dest != nil {
		if err := json.Unmarshal(resp.Result, dest); err != nil {
			return fmt.Errorf("socketrpc: unmarshal result: %w", err)
		}
	}
	return nil
}

// call performs a JSON-RPC call and unmarshals the result into dest.
func (c *Client) call(method string, params any, dest any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed {
		return ErrSubscribed
	}

	_ = c.conn.SetDeadline(time.Now().Add(model.DefaultQueryTimeout))
	defer c.conn.SetDeadline(time.Time{})

	if _, err := c.send(method, params); err != nil {
		return err
	}
	return c.readResponse(dest)
}

// History returns readings from the last hours hours, newest first.
func (c *Client) History(hours int) ([]model.Reading, error) {
	var result []model.Reading
	err := c.call(MethodHistory, HistoryParams{Hours: hours}, &result)
	return result, err
}

// Latest returns the most recent stored reading, or nil when there is none.
func (c *Client) Latest() (*model.Reading, error) {
	var result *model.Reading
	err := c.call(MethodLatest, nil, &result)
	return result, err
}

// Frame is one subscription frame. Reading is nil for the empty snapshot
// ({}) and for error markers, in which case Raw still holds the payload.
type Frame struct {
	Reading *model.Reading
	Raw     json.RawMessage
}

var emptyFrame = []byte("{}")

// Subscribe turns the connection into a live subscription and calls fn for
// every frame until ctx ends, fn returns an error, or the server closes the
// stream. The first frame is the snapshot. The client cannot issue other
// calls afterwards, and the connection is closed when Subscribe returns.
func (c *Client) Subscribe(ctx context.Context, fn func(Frame) error) error {
	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		return ErrSubscribed
	}
	c.subscribed = true
	c.mu.Unlock()
	defer c.conn.Close()

	_ = c.conn.SetDeadline(time.Now().Add(model.DefaultQueryTimeout))
	if _, err := c.send(MethodSubscribe, nil); err != nil {
		return err
	}
	var res SubscribeResult
	if err := c.readResponse(&res); err != nil {
		return err
	}
	_ = c.conn.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		line, err := c.readLine()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var n Notification
		if err := json.Unmarshal(line, &n); err != nil {
			return fmt.Errorf("socketrpc: unmarshal notification: %w", err)
		}
		if n.Method != NotificationReading {
			continue
		}
		f := Frame{Raw: n.Params}
		if !bytes.Equal(bytes.TrimSpace(n.Params), emptyFrame) {
			var r model.Reading
			if err := json.Unmarshal(n.Params, &r); err == nil && !r.Timestamp.IsZero() {
				f.Reading = &r
			}
		}
		if err := fn(f); err != nil {
			return err
		}
	}
}
