package procrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultShutdownWait   = 5 * time.Second
	defaultStderrCap      = 64 * 1024

	// scanner sizing for large streamed messages
	scanInitialBuf = 64 * 1024
	scanMaxBuf     = 10 * 1024 * 1024
)

// Config configures a Client. Command is required; everything else has
// defaults.
type Config struct {
	// Command is the subprocess executable. Resolved from PATH when not
	// absolute.
	Command string
	// Args are the subprocess arguments.
	Args []string
	// Dir is the working directory for the subprocess.
	Dir string
	// Env is merged over the host process environment.
	Env map[string]string
	// RequestTimeout bounds each Request call (default 30s).
	RequestTimeout time.Duration
	// ShutdownWait bounds the graceful stop before the process is killed
	// (default 5s).
	ShutdownWait time.Duration
	// StderrCap bounds captured stderr bytes (default 64KB).
	StderrCap int
}

type callResult struct {
	resp *Response
	err  error
}

type pendingCall struct {
	ch chan callResult
}

// process tracks one spawned subprocess and its scoped resources.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *cappedBuffer
	sigCh  chan os.Signal

	// exitOnce guards the single exit path: whether termination came from
	// Wait returning or from a forced kill, exit handling runs once.
	exitOnce sync.Once
	done     chan struct{}
}

// Client owns a single agent subprocess and speaks newline-delimited JSON
// with it. The subprocess is spawned lazily on first use. All methods are
// safe for concurrent use.
type Client struct {
	cfg    Config
	logger *logger.Logger

	nextID atomic.Int64
	subSeq atomic.Int64

	writeMu sync.Mutex // serializes stdin writes

	mu            sync.Mutex
	proc          *process
	pending       map[string]*pendingCall
	serverHandler ServerRequestHandler
	notifSubs     map[int64]NotificationHandler
	exitSubs      map[int64]ExitHandler
	shuttingDown  bool
}

// NewClient creates a Client for the given subprocess configuration. No
// process is spawned until the first Request or Notify.
func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = defaultShutdownWait
	}
	if cfg.StderrCap <= 0 {
		cfg.StderrCap = defaultStderrCap
	}
	return &Client{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "procrpc-client"), zap.String("command", cfg.Command)),
		pending:   make(map[string]*pendingCall),
		notifSubs: make(map[int64]NotificationHandler),
		exitSubs:  make(map[int64]ExitHandler),
	}
}

// OnServerRequest registers the single handler for server-initiated requests.
// The handler's return value is written back to the subprocess as the
// response. Registering replaces any previous handler.
func (c *Client) OnServerRequest(handler ServerRequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverHandler = handler
}

// OnNotification subscribes to unsolicited server messages. The returned
// function removes the subscription.
func (c *Client) OnNotification(handler NotificationHandler) func() {
	id := c.subSeq.Add(1)
	c.mu.Lock()
	c.notifSubs[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.notifSubs, id)
		c.mu.Unlock()
	}
}

// OnExit subscribes to terminal process state. The returned function removes
// the subscription.
func (c *Client) OnExit(handler ExitHandler) func() {
	id := c.subSeq.Add(1)
	c.mu.Lock()
	c.exitSubs[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.exitSubs, id)
		c.mu.Unlock()
	}
}

// Request sends a JSON-RPC request and waits for the correlated response,
// the per-request timeout, process death, or ctx cancellation, whichever
// comes first. The subprocess is spawned on first use.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	key := strconv.FormatInt(id, 10)

	req := &Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}

	resp, err := c.roundTrip(ctx, key, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// ControlRequest sends a claude-style control request and waits for the
// matching control_response. Used for backends speaking the stream-json
// protocol, where interrupt and initialize are control operations rather
// than JSON-RPC methods.
func (c *Client) ControlRequest(ctx context.Context, subtype string, request any) (json.RawMessage, error) {
	body := map[string]any{"subtype": subtype}
	if request != nil {
		extra, err := json.Marshal(request)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal control request: %w", err)
		}
		if err := json.Unmarshal(extra, &body); err != nil {
			return nil, fmt.Errorf("failed to merge control request: %w", err)
		}
		body["subtype"] = subtype
	}

	key := uuid.New().String()
	msg := map[string]any{
		"type":       typeControlRequest,
		"request_id": key,
		"request":    body,
	}

	resp, err := c.roundTrip(ctx, key, msg)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *Client) roundTrip(ctx context.Context, key string, msg any) (*Response, error) {
	call := &pendingCall{ch: make(chan callResult, 1)}

	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if err := c.ensureProcessLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.pending[key] = call
	c.mu.Unlock()

	if err := c.send(msg); err != nil {
		c.removePending(key)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-call.ch:
		return res.resp, res.err
	case <-timer.C:
		// The response may have been delivered concurrently with the
		// timer firing; only time out if the call is still pending.
		if c.removePending(key) {
			return nil, fmt.Errorf("%w after %v", ErrRequestTimeout, c.cfg.RequestTimeout)
		}
		res := <-call.ch
		return res.resp, res.err
	case <-ctx.Done():
		if c.removePending(key) {
			return nil, ctx.Err()
		}
		res := <-call.ch
		return res.resp, res.err
	}
}

// Notify sends a fire-and-forget message. No correlation id is allocated.
func (c *Client) Notify(method string, params any) error {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	if err := c.ensureProcessLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	return c.send(&Notification{JSONRPC: "2.0", Method: method, Params: paramsJSON})
}

// SendRaw writes an arbitrary message line to the subprocess. Used for
// protocol shapes outside the JSON-RPC envelope, e.g. claude user messages.
func (c *Client) SendRaw(msg any) error {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	if err := c.ensureProcessLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	return c.send(msg)
}

// Running reports whether a subprocess is currently alive.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc != nil
}

// Shutdown stops the subprocess: closes stdin, sends SIGTERM, waits up to
// ShutdownWait, then kills. All pending requests are rejected with
// ErrShuttingDown. Idempotent.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.shuttingDown {
		proc := c.proc
		c.mu.Unlock()
		if proc != nil {
			<-proc.done
		}
		return
	}
	c.shuttingDown = true
	proc := c.proc
	c.mu.Unlock()

	if proc == nil {
		c.failAllPending(ErrShuttingDown)
		return
	}

	// Best-effort graceful stop; every step tolerates an already-dead
	// process.
	if proc.stdin != nil {
		_ = proc.stdin.Close()
	}
	if proc.cmd.Process != nil {
		_ = proc.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-proc.done:
	case <-time.After(c.cfg.ShutdownWait):
		c.logger.Warn("process did not exit gracefully, killing",
			zap.Duration("waited", c.cfg.ShutdownWait))
		if proc.cmd.Process != nil {
			_ = proc.cmd.Process.Kill()
		}
		<-proc.done
	}
}

// ensureProcessLocked spawns the subprocess if none is alive. Caller holds
// c.mu.
func (c *Client) ensureProcessLocked() error {
	if c.proc != nil {
		return nil
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir
	cmd.Env = mergeEnv(os.Environ(), c.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr := newCappedBuffer(c.cfg.StderrCap)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn %s: %w", c.cfg.Command, err)
	}

	proc := &process{
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	c.proc = proc

	c.installSignalForwarding(proc)

	c.logger.Info("spawned agent subprocess", zap.Int("pid", cmd.Process.Pid))

	go c.readLoop(proc, stdout)
	go func() {
		err := cmd.Wait()
		c.handleExit(proc, err)
	}()

	return nil
}

// installSignalForwarding forwards interrupt/terminate/hangup to the
// subprocess so interactive signal behavior is preserved. The subscription
// is scoped to this process instance and torn down in handleExit.
func (c *Client) installSignalForwarding(proc *process) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	proc.sigCh = sigCh
	go func() {
		for sig := range sigCh {
			if proc.cmd.Process != nil {
				_ = proc.cmd.Process.Signal(sig)
			}
		}
	}()
}

// handleExit runs the single exit path for a subprocess: tears down signal
// forwarding, rejects all pending requests, and notifies exit subscribers
// exactly once.
func (c *Client) handleExit(proc *process, waitErr error) {
	proc.exitOnce.Do(func() {
		if proc.sigCh != nil {
			signal.Stop(proc.sigCh)
			close(proc.sigCh)
		}

		info := buildExitInfo(proc, waitErr)

		c.mu.Lock()
		if c.proc == proc {
			c.proc = nil
		}
		shuttingDown := c.shuttingDown
		calls := c.pending
		c.pending = make(map[string]*pendingCall)
		handlers := make([]ExitHandler, 0, len(c.exitSubs))
		for _, h := range c.exitSubs {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()

		var rejectErr error
		if shuttingDown {
			rejectErr = ErrShuttingDown
		} else {
			rejectErr = &ProcessExitError{Info: info}
		}
		for _, call := range calls {
			call.ch <- callResult{err: rejectErr}
		}

		if info.Err != "" && !shuttingDown {
			c.logger.Warn("agent subprocess exited abnormally", zap.String("error", info.Err))
		} else {
			c.logger.Info("agent subprocess exited")
		}

		for _, h := range handlers {
			c.invokeExitHandler(h, info)
		}

		close(proc.done)
	})
}

// invokeExitHandler isolates observer faults: one panicking handler must not
// affect the others or the exit path.
func (c *Client) invokeExitHandler(h ExitHandler, info ExitInfo) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("exit handler panicked", zap.Any("panic", r))
		}
	}()
	h(info)
}

func buildExitInfo(proc *process, waitErr error) ExitInfo {
	var info ExitInfo
	if state := proc.cmd.ProcessState; state != nil {
		if code := state.ExitCode(); code >= 0 {
			info.Code = &code
		}
	}
	if waitErr != nil {
		info.Err = waitErr.Error()
		if tail := proc.stderr.Tail(); tail != "" {
			info.Err += "; stderr: " + tail
		}
	}
	return info
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc == nil {
		return ErrShuttingDown
	}

	if _, err := proc.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("sent message", zap.ByteString("data", data))
	return nil
}

func (c *Client) removePending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; !ok {
		return false
	}
	delete(c.pending, key)
	return true
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()
	for _, call := range calls {
		call.ch <- callResult{err: err}
	}
}

func (c *Client) readLoop(proc *process, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, scanInitialBuf)
	scanner.Buffer(buf, scanMaxBuf)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("read loop ended with error", zap.Error(err))
	}
}

// lineProbe decodes just enough of a message to classify it.
type lineProbe struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	Params json.RawMessage `json:"params"`

	// claude stream-json framing
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
	Response  json.RawMessage `json:"response"`
}

func (c *Client) handleLine(line []byte) {
	var probe lineProbe
	if err := json.Unmarshal(line, &probe); err != nil {
		// Non-JSON output (banners, npm noise) is benign.
		c.logger.Debug("skipping non-JSON line", zap.ByteString("line", line))
		return
	}

	switch {
	case probe.Type == typeControlRequest && probe.RequestID != "":
		c.dispatchServerRequest(&ServerRequest{
			ID:      probe.RequestID,
			Method:  typeControlRequest,
			Params:  probe.Request,
			control: true,
		})
	case probe.Type == typeControlResponse && probe.Response != nil:
		c.handleControlResponse(probe.Response)
	case probe.Type != "":
		// Envelope-less stream event (claude backend). Delivered whole.
		c.dispatchNotification(MethodRawStream, json.RawMessage(append([]byte(nil), line...)))
	case probe.ID != nil && probe.Method != "":
		c.dispatchServerRequest(&ServerRequest{
			ID:     strconv.FormatInt(*probe.ID, 10),
			Method: probe.Method,
			Params: probe.Params,
		})
	case probe.ID != nil:
		c.handleResponse(&Response{ID: *probe.ID, Result: probe.Result, Error: probe.Error})
	case probe.Method != "":
		c.dispatchNotification(probe.Method, probe.Params)
	default:
		c.logger.Debug("skipping unclassifiable message", zap.ByteString("line", line))
	}
}

func (c *Client) handleResponse(resp *Response) {
	key := strconv.FormatInt(resp.ID, 10)
	c.mu.Lock()
	call, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		// Duplicate or delayed delivery; dropping is the safe choice.
		c.logger.Debug("response for unknown request id", zap.Int64("id", resp.ID))
		return
	}
	call.ch <- callResult{resp: resp}
}

// incomingControlResponse mirrors the claude control_response payload, where
// request_id lives inside the response object.
type incomingControlResponse struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response"`
	Error     string          `json:"error"`
}

func (c *Client) handleControlResponse(raw json.RawMessage) {
	var resp incomingControlResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.logger.Warn("failed to parse control response", zap.Error(err))
		return
	}

	c.mu.Lock()
	call, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("control response for unknown request", zap.String("request_id", resp.RequestID))
		return
	}
	if resp.Subtype == "error" {
		call.ch <- callResult{err: fmt.Errorf("control request failed: %s", resp.Error)}
		return
	}
	call.ch <- callResult{resp: &Response{Result: resp.Response}}
}

func (c *Client) dispatchServerRequest(req *ServerRequest) {
	c.mu.Lock()
	handler := c.serverHandler
	c.mu.Unlock()

	go func() {
		if handler == nil {
			c.logger.Warn("server request received but no handler registered",
				zap.String("method", req.Method), zap.String("id", req.ID))
			c.respondToServerRequest(req, nil, errors.New("no handler registered"))
			return
		}
		result, err := c.safeInvokeServerHandler(handler, req)
		c.respondToServerRequest(req, result, err)
	}()
}

func (c *Client) safeInvokeServerHandler(handler ServerRequestHandler, req *ServerRequest) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("server request handler panicked", zap.Any("panic", r))
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(req)
}

func (c *Client) respondToServerRequest(req *ServerRequest, result any, err error) {
	var msg any
	if req.control {
		resp := &controlResponse{Subtype: "success", Result: result}
		if err != nil {
			resp = &controlResponse{Subtype: "error", Error: err.Error()}
		}
		msg = &controlResponseLine{Type: typeControlResponse, RequestID: req.ID, Response: resp}
	} else {
		id, _ := strconv.ParseInt(req.ID, 10, 64)
		if err != nil {
			msg = &Response{ID: id, Error: &Error{Code: CodeInternalError, Message: err.Error()}}
		} else {
			resultJSON, marshalErr := json.Marshal(result)
			if marshalErr != nil {
				msg = &Response{ID: id, Error: &Error{Code: CodeInternalError, Message: marshalErr.Error()}}
			} else {
				msg = &Response{ID: id, Result: resultJSON}
			}
		}
	}
	if sendErr := c.send(msg); sendErr != nil {
		c.logger.Warn("failed to send server request response", zap.Error(sendErr))
	}
}

func (c *Client) dispatchNotification(method string, params json.RawMessage) {
	c.mu.Lock()
	handlers := make([]NotificationHandler, 0, len(c.notifSubs))
	for _, h := range c.notifSubs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		c.invokeNotificationHandler(h, method, params)
	}
}

func (c *Client) invokeNotificationHandler(h NotificationHandler, method string, params json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification handler panicked",
				zap.String("method", method), zap.Any("panic", r))
		}
	}()
	h(method, params)
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return data, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			key = kv[:idx]
		}
		if _, ok := extra[key]; !ok {
			merged = append(merged, kv)
		}
	}
	for k, v := range extra {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// cappedBuffer captures up to cap bytes and drops the rest, so a misbehaving
// subprocess cannot grow memory without bound.
type cappedBuffer struct {
	mu      sync.Mutex
	buf     []byte
	max     int
	dropped int64
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - len(b.buf)
	if room > 0 {
		take := min(room, len(p))
		b.buf = append(b.buf, p[:take]...)
		b.dropped += int64(len(p) - take)
	} else {
		b.dropped += int64(len(p))
	}
	return len(p), nil
}

// Tail returns the last captured chunk of stderr, trimmed for inclusion in
// error messages.
func (b *cappedBuffer) Tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	const tailLen = 512
	s := string(b.buf)
	if len(s) > tailLen {
		s = s[len(s)-tailLen:]
	}
	return strings.TrimSpace(s)
}
