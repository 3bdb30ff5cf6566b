// Package procrpc implements the line-delimited JSON-RPC transport to agent
// subprocesses. A Client owns zero or one live subprocess, correlates requests
// to responses by numeric id, and fans out server-initiated requests and
// notifications. Two wire variants share one client: the codex app-server
// speaks JSON-RPC envelopes, while the claude CLI emits envelope-less
// stream-json lines with control_request messages for permissions.
package procrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request is a client-to-process message. Presence of ID means a response is
// expected; a zero ID with omitempty produces a notification-shaped object.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a process-to-client reply correlated to a prior request.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is a method call with no id; no response is expected in
// either direction.
type Notification struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ServerRequest is a server-initiated request (e.g. an approval ask) decoded
// from the subprocess stream. ID is the wire id: a numeric JSON-RPC id for the
// codex variant, a request_id string for claude control requests.
type ServerRequest struct {
	ID     string
	Method string
	Params json.RawMessage

	// control marks claude control_request framing so the response is
	// written back in the matching envelope.
	control bool
}

// ServerRequestHandler produces the result written back to the subprocess as
// the response to a server-initiated request. Returning an error sends an
// error response instead.
type ServerRequestHandler func(req *ServerRequest) (any, error)

// NotificationHandler receives unsolicited server messages. For envelope-less
// claude stream lines, method is MethodRawStream and params carries the whole
// line.
type NotificationHandler func(method string, params json.RawMessage)

// ExitInfo describes terminal process state. It is emitted exactly once per
// subprocess lifetime.
type ExitInfo struct {
	// Code is the process exit code, nil when the process never ran or was
	// killed by a signal before exiting.
	Code *int
	// Err is a human-readable description of an abnormal exit, empty on a
	// clean exit.
	Err string
}

// ExitHandler observes terminal process state.
type ExitHandler func(info ExitInfo)

// MethodRawStream is the synthetic notification method under which
// envelope-less stream-json lines (claude backend) are delivered. Params is
// the raw line.
const MethodRawStream = "stream/raw"

// MethodControlRequest is the Method of a ServerRequest decoded from a claude
// control_request line; Params carries the request body.
const MethodControlRequest = "control_request"

// Claude control framing, mirrored from the CLI stream-json protocol.
const (
	typeControlRequest  = "control_request"
	typeControlResponse = "control_response"
)

type controlResponseLine struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Response  *controlResponse `json:"response"`
}

type controlResponse struct {
	Subtype string `json:"subtype"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Sentinel errors surfaced by Client operations.
var (
	// ErrShuttingDown rejects pending and new requests once Shutdown began.
	ErrShuttingDown = errors.New("procrpc: client shutting down")
	// ErrRequestTimeout rejects a request whose response did not arrive in time.
	ErrRequestTimeout = errors.New("procrpc: request timed out")
)

// ProcessExitError rejects pending requests when the subprocess dies while
// they are in flight.
type ProcessExitError struct {
	Info ExitInfo
}

func (e *ProcessExitError) Error() string {
	if e.Info.Code != nil {
		return fmt.Sprintf("procrpc: process exited with code %d", *e.Info.Code)
	}
	if e.Info.Err != "" {
		return "procrpc: process exited: " + e.Info.Err
	}
	return "procrpc: process exited"
}
