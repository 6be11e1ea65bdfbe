package socketrpc

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// JSON-RPC 2.0 Method Reference
//
// One JSON object per line in each direction.
//
//   Method      Params           Result
//   ─────────   ──────────────   ──────────────────────────────────────
//   History     {Hours: int}     []Reading, newest first (Hours <= 0 → 24)
//   Latest      (none)           Reading, or null when the store is empty
//   Subscribe   (none)           {"id": string}, then a stream of
//                                {"jsonrpc":"2.0","method":"reading","params":<frame>}
//                                notifications; the first frame is the
//                                snapshot ({} when nothing is stored yet)
//
// After Subscribe the connection carries notifications only; further
// requests on it are ignored.
//
// Error codes follow JSON-RPC 2.0:
//   -32700  Parse error (malformed JSON)
//   -32601  Method not found
//   -32602  Invalid params
//   -32603  Internal error (marshal failure)
//   -32000  Application error (query failure)

// Method names.
const (
	MethodHistory   = "History"
	MethodLatest    = "Latest"
	MethodSubscribe = "Subscribe"

	// NotificationReading is the method of streamed subscription frames.
	NotificationReading = "reading"
)

// Error codes.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeAppError       = -32000
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a JSON-RPC 2.0 notification (a request without an id).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// HistoryParams are the params of History.
type HistoryParams struct {
	Hours int
}

// SubscribeResult is the result of Subscribe.
type SubscribeResult struct {
	ID string `json:"id"`
}

// DefaultSocketPath returns the default Unix socket path.
// It prefers $XDG_RUNTIME_DIR/sensord/sensord.sock, falling back to
// ~/.local/state/sensord/sensord.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "sensord", "sensord.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/sensord.sock"
	}
	return filepath.Join(home, ".local", "state", "sensord", "sensord.sock")
}
