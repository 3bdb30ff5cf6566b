// Package runner drives agent subprocess sessions: it admits executions,
// starts and resumes backend threads, runs turns, and fans the normalized
// event stream out to subscribers and the event bus.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmux/agentmux/internal/agent"
	"github.com/agentmux/agentmux/internal/agent/approval"
	"github.com/agentmux/agentmux/internal/agent/registry"
	"github.com/agentmux/agentmux/internal/agent/stream"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/pkg/claudecode"
	"github.com/agentmux/agentmux/pkg/codex"
	"github.com/agentmux/agentmux/pkg/procrpc"
)

// Lookup failures.
var (
	ErrExecutionNotFound = fmt.Errorf("execution not found")
	ErrRunNotFound       = fmt.Errorf("run not found")
	ErrTurnInFlight      = fmt.Errorf("a turn is already running on this execution")
)

// StartOptions describe how to begin an execution.
type StartOptions struct {
	ConversationID string
	Backend        agent.Backend
	// Cwd is the working directory the agent operates in.
	Cwd string
	// ResumeThreadID continues an existing backend thread.
	ResumeThreadID string
	// Fork starts a new thread seeded from ResumeThreadID instead of
	// continuing it.
	Fork bool
}

// TurnResult is the accumulated outcome of one synchronous turn.
type TurnResult struct {
	RunID    string
	ThreadID string
	TurnID   string
	// Text is the concatenated assistant message deltas.
	Text string
	// Result is the backend's final result payload.
	Result  string
	IsError bool
	Items   []stream.Item
}

// EventHandler observes canonical stream events across all executions.
type EventHandler func(event stream.Event)

// ExitHandler observes agent subprocess exits, keyed by execution id.
type ExitHandler func(executionID string, info procrpc.ExitInfo)

// session is the runner's live state for one execution.
type session struct {
	exec       *registry.Execution
	client     *procrpc.Client
	normalizer *stream.Normalizer
	cache      *approval.SessionCache

	// ctx is cancelled when the session is stopped, withdrawing any
	// approval asks still blocked on the operator.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	activeRun  *run
	resumeFrom string
	forked     bool
}

// run is one in-flight turn. threadID and turnID are written by the
// session read loop (thread binding, turn ids) and read from caller
// goroutines, so they live under mu with the rest of the mutable state.
type run struct {
	id          string
	executionID string

	mu        sync.Mutex
	threadID  string
	turnID    string
	text      string
	items     []stream.Item
	result    *TurnResult
	cancelled bool
	done      chan struct{}
}

func (r *run) setThreadID(id string) {
	r.mu.Lock()
	r.threadID = id
	r.mu.Unlock()
}

func (r *run) setTurnID(id string) {
	r.mu.Lock()
	r.turnID = id
	r.mu.Unlock()
}

func (r *run) ids() (threadID, turnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threadID, r.turnID
}

func (r *run) finish(result *TurnResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result != nil {
		return
	}
	result.RunID = r.id
	result.Text = r.text
	result.Items = r.items
	r.result = result
	close(r.done)
}

// Runner orchestrates all executions for the daemon.
type Runner struct {
	cfg       *config.AgentConfig
	logger    *logger.Logger
	registry  *registry.Registry
	approvals *approval.Manager
	eventBus  bus.EventBus

	mu        sync.Mutex
	sessions  map[string]*session // executionID -> session
	runs      map[string]*run     // runID -> run
	eventSubs map[int64]EventHandler
	exitSubs  map[int64]ExitHandler
	subSeq    int64
	closed    bool
}

// NewRunner creates a Runner.
func NewRunner(cfg *config.AgentConfig, reg *registry.Registry, approvals *approval.Manager, eventBus bus.EventBus, log *logger.Logger) *Runner {
	return &Runner{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "agent-runner")),
		registry:  reg,
		approvals: approvals,
		eventBus:  eventBus,
		sessions:  make(map[string]*session),
		runs:      make(map[string]*run),
		eventSubs: make(map[int64]EventHandler),
		exitSubs:  make(map[int64]ExitHandler),
	}
}

// OnEvent subscribes to canonical stream events from every execution. The
// returned function removes the subscription.
func (r *Runner) OnEvent(handler EventHandler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subSeq++
	id := r.subSeq
	r.eventSubs[id] = handler
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.eventSubs, id)
	}
}

// OnExit subscribes to agent subprocess exits across all executions. The
// returned function removes the subscription.
func (r *Runner) OnExit(handler ExitHandler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subSeq++
	id := r.subSeq
	r.exitSubs[id] = handler
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.exitSubs, id)
	}
}

// Start admits a new execution and, for the codex backend, starts or resumes
// the backend thread immediately. The claude backend binds its thread id
// lazily on the first turn. On any failure after admission the execution is
// deregistered, so a failed start never occupies a conversation slot.
func (r *Runner) Start(ctx context.Context, opts StartOptions) (*registry.Execution, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("runner is shut down")
	}
	r.mu.Unlock()

	exec := &registry.Execution{
		ID:             uuid.New().String(),
		ConversationID: opts.ConversationID,
		Backend:        opts.Backend,
	}
	if err := r.registry.Register(exec); err != nil {
		return nil, err
	}

	sess, err := r.newSession(exec, opts)
	if err != nil {
		r.registry.Remove(exec.ID)
		return nil, err
	}

	r.mu.Lock()
	r.sessions[exec.ID] = sess
	r.mu.Unlock()

	if opts.Backend == agent.BackendCodex {
		if err := r.startCodexThread(ctx, sess, opts); err != nil {
			r.teardownSession(sess, "thread start failed")
			return nil, err
		}
	}

	r.publishExecution(events.ExecutionSpawned, exec, r.registry.ThreadID(exec.ID), "")
	r.logger.Info("execution started",
		zap.String("execution_id", exec.ID),
		zap.String("conversation_id", exec.ConversationID),
		zap.String("backend", exec.Backend.String()))
	return exec, nil
}

func (r *Runner) newSession(exec *registry.Execution, opts StartOptions) (*session, error) {
	clientCfg, err := r.subprocessConfig(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		exec:       exec,
		normalizer: stream.NewNormalizer(exec.ConversationID, r.logger),
		cache:      r.sessionCacheFor(opts.ResumeThreadID),
		ctx:        ctx,
		cancel:     cancel,
		resumeFrom: opts.ResumeThreadID,
		forked:     opts.Fork,
	}
	sess.client = procrpc.NewClient(clientCfg, r.logger)
	sess.client.OnServerRequest(func(req *procrpc.ServerRequest) (any, error) {
		return r.handleServerRequest(sess, req)
	})
	sess.client.OnNotification(func(method string, params json.RawMessage) {
		r.handleNotification(sess, method, params)
	})
	sess.client.OnExit(func(info procrpc.ExitInfo) {
		r.handleProcessExit(sess, info)
	})
	return sess, nil
}

// sessionCacheFor picks the approval session cache for a new execution. An
// execution resumed or forked from a live thread shares the owning session's
// cache, so an approve-for-session decision made on the parent covers every
// child spawned from it.
func (r *Runner) sessionCacheFor(resumeThreadID string) *approval.SessionCache {
	if resumeThreadID != "" {
		if parent, ok := r.registry.GetByThread(resumeThreadID); ok {
			r.mu.Lock()
			psess, live := r.sessions[parent.ID]
			r.mu.Unlock()
			if live {
				return psess.cache
			}
		}
	}
	return approval.NewSessionCache()
}

// subprocessConfig builds the backend command line. The claude CLI carries
// thread resumption in its arguments, so resume and fork shape the spawn
// itself; the codex app-server does it over RPC instead.
func (r *Runner) subprocessConfig(opts StartOptions) (procrpc.Config, error) {
	cfg := procrpc.Config{
		Dir:            opts.Cwd,
		RequestTimeout: r.cfg.RequestTimeoutDuration(),
		ShutdownWait:   r.cfg.ShutdownWaitDuration(),
		StderrCap:      r.cfg.StderrCaptureBytes,
	}
	switch opts.Backend {
	case agent.BackendCodex:
		cfg.Command = r.cfg.CodexBinary
		if cfg.Command == "" {
			cfg.Command = "codex"
		}
		cfg.Args = []string{"app-server"}
	case agent.BackendClaude:
		cfg.Command = r.cfg.ClaudeBinary
		if cfg.Command == "" {
			cfg.Command = "claude"
		}
		cfg.Args = []string{
			"--input-format", "stream-json",
			"--output-format", "stream-json",
			"--verbose",
		}
		if opts.ResumeThreadID != "" {
			cfg.Args = append(cfg.Args, "--resume", opts.ResumeThreadID)
			if opts.Fork {
				cfg.Args = append(cfg.Args, "--fork-session")
			}
		}
	default:
		return procrpc.Config{}, fmt.Errorf("unknown agent backend %q", opts.Backend)
	}
	return cfg, nil
}

func (r *Runner) startCodexThread(ctx context.Context, sess *session, opts StartOptions) error {
	var (
		method string
		params any
	)
	switch {
	case opts.ResumeThreadID == "":
		method = codex.MethodThreadStart
		params = &codex.ThreadStartParams{Cwd: opts.Cwd}
	case opts.Fork:
		method = codex.MethodThreadFork
		params = &codex.ThreadForkParams{ThreadID: opts.ResumeThreadID, Cwd: opts.Cwd}
	default:
		method = codex.MethodThreadResume
		params = &codex.ThreadResumeParams{ThreadID: opts.ResumeThreadID, Cwd: opts.Cwd}
	}

	raw, err := sess.client.Request(ctx, method, params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	var result codex.ThreadResult
	if err := codex.DecodeParams(raw, &result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	if result.Thread == nil || result.Thread.ID == "" {
		return fmt.Errorf("%s: backend returned no thread id", method)
	}
	return r.registry.BindThread(sess.exec.ID, result.Thread.ID)
}

// SendTurn starts a turn on an execution and returns the run id immediately.
// Events stream to OnEvent subscribers; Wait blocks for the result. Only one
// turn may be in flight per execution.
func (r *Runner) SendTurn(ctx context.Context, executionID, prompt string) (string, error) {
	sess, err := r.session(executionID)
	if err != nil {
		return "", err
	}

	runID := uuid.New().String()
	newRun := &run{
		id:          runID,
		executionID: executionID,
		threadID:    r.registry.ThreadID(executionID),
		done:        make(chan struct{}),
	}

	sess.mu.Lock()
	if sess.activeRun != nil {
		sess.mu.Unlock()
		return "", fmt.Errorf("execution %s: %w", executionID, ErrTurnInFlight)
	}
	sess.activeRun = newRun
	sess.mu.Unlock()

	r.mu.Lock()
	r.runs[runID] = newRun
	r.mu.Unlock()

	if err := r.startTurn(ctx, sess, newRun, prompt); err != nil {
		r.dropRun(sess, newRun)
		return "", err
	}
	return runID, nil
}

func (r *Runner) startTurn(ctx context.Context, sess *session, newRun *run, prompt string) error {
	switch sess.exec.Backend {
	case agent.BackendCodex:
		raw, err := sess.client.Request(ctx, codex.MethodTurnStart, &codex.TurnStartParams{
			ThreadID: r.registry.ThreadID(sess.exec.ID),
			Input:    []codex.UserInput{{Type: "text", Text: prompt}},
		})
		if err != nil {
			return fmt.Errorf("turn/start: %w", err)
		}
		var result codex.TurnStartResult
		if err := codex.DecodeParams(raw, &result); err != nil {
			return fmt.Errorf("decode turn/start result: %w", err)
		}
		if result.Turn == nil || result.Turn.ID == "" {
			return fmt.Errorf("turn/start: backend returned no turn id")
		}
		newRun.setTurnID(result.Turn.ID)
		return nil

	case agent.BackendClaude:
		// The CLI has no turn ids; the run id stands in and the normalizer
		// stamps it onto every event of this turn.
		newRun.setTurnID(newRun.id)
		sess.normalizer.BeginTurn(r.registry.ThreadID(sess.exec.ID), newRun.id)
		if err := sess.client.SendRaw(claudecode.NewUserMessage(prompt)); err != nil {
			return fmt.Errorf("send user message: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown agent backend %q", sess.exec.Backend)
	}
}

// Wait blocks until the run finishes and returns its accumulated result.
func (r *Runner) Wait(ctx context.Context, runID string) (*TurnResult, error) {
	r.mu.Lock()
	active, exists := r.runs[runID]
	r.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}

	select {
	case <-active.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	active.mu.Lock()
	defer active.mu.Unlock()
	return active.result, nil
}

// Run starts a turn and blocks until it completes.
func (r *Runner) Run(ctx context.Context, executionID, prompt string) (*TurnResult, error) {
	runID, err := r.SendTurn(ctx, executionID, prompt)
	if err != nil {
		return nil, err
	}
	return r.Wait(ctx, runID)
}

// Cancel interrupts an in-flight run. The run is always removed, whether or
// not the backend acknowledged the interrupt, so a wedged subprocess cannot
// pin a turn forever. Cancelling an unknown or finished run is a no-op.
func (r *Runner) Cancel(ctx context.Context, runID string) error {
	r.mu.Lock()
	active, exists := r.runs[runID]
	r.mu.Unlock()
	if !exists {
		return nil
	}

	active.mu.Lock()
	if active.cancelled || active.result != nil {
		active.mu.Unlock()
		return nil
	}
	active.cancelled = true
	active.mu.Unlock()

	sess, err := r.session(active.executionID)
	if err == nil {
		threadID, turnID := active.ids()
		var rpcErr error
		switch sess.exec.Backend {
		case agent.BackendCodex:
			_, rpcErr = sess.client.Request(ctx, codex.MethodTurnInterrupt, &codex.TurnInterruptParams{
				ThreadID: threadID,
				TurnID:   turnID,
			})
		case agent.BackendClaude:
			_, rpcErr = sess.client.ControlRequest(ctx, claudecode.SubtypeInterrupt, nil)
		}
		if rpcErr != nil {
			r.logger.Warn("interrupt request failed",
				zap.String("run_id", runID), zap.Error(rpcErr))
		}
		r.approvals.CancelExecution(active.executionID)
		r.finishRun(sess, active, &TurnResult{
			ThreadID: threadID,
			TurnID:   turnID,
			Result:   "cancelled",
			IsError:  true,
		})
	}
	return nil
}

// Stop terminates an execution: stops its subprocess, withdraws its pending
// approvals, and frees its conversation slot. Idempotent.
func (r *Runner) Stop(executionID string) {
	sess, err := r.session(executionID)
	if err != nil {
		return
	}
	threadID := r.registry.ThreadID(executionID)
	r.teardownSession(sess, "")
	r.publishExecution(events.ExecutionCompleted, sess.exec, threadID, "")
	r.logger.Info("execution stopped", zap.String("execution_id", executionID))
}

// Shutdown stops every execution concurrently and shuts down the approval
// manager.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	r.approvals.Shutdown()

	g, _ := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			r.teardownSession(sess, "shutdown")
			return nil
		})
	}
	return g.Wait()
}

// List returns all live executions.
func (r *Runner) List() []*registry.Execution {
	return r.registry.List()
}

func (r *Runner) session(executionID string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, exists := r.sessions[executionID]
	if !exists {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrExecutionNotFound)
	}
	return sess, nil
}

// teardownSession releases everything a session holds. Safe to call more
// than once; later calls find the session already gone.
func (r *Runner) teardownSession(sess *session, reason string) {
	r.mu.Lock()
	if _, exists := r.sessions[sess.exec.ID]; !exists {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sess.exec.ID)
	r.mu.Unlock()

	sess.cancel()
	r.approvals.CancelExecution(sess.exec.ID)

	sess.mu.Lock()
	active := sess.activeRun
	sess.mu.Unlock()
	if active != nil {
		msg := "execution stopped"
		if reason != "" {
			msg = "execution stopped: " + reason
		}
		threadID, turnID := active.ids()
		r.finishRun(sess, active, &TurnResult{
			ThreadID: threadID,
			TurnID:   turnID,
			Result:   msg,
			IsError:  true,
		})
	}

	sess.client.Shutdown()
	r.registry.Remove(sess.exec.ID)
}

// dropRun clears a run that never started.
func (r *Runner) dropRun(sess *session, failed *run) {
	sess.mu.Lock()
	if sess.activeRun == failed {
		sess.activeRun = nil
	}
	sess.mu.Unlock()
	r.mu.Lock()
	delete(r.runs, failed.id)
	r.mu.Unlock()
}

// finishRun resolves a run exactly once and clears it from the indexes.
func (r *Runner) finishRun(sess *session, finished *run, result *TurnResult) {
	finished.finish(result)
	sess.mu.Lock()
	if sess.activeRun == finished {
		sess.activeRun = nil
	}
	sess.mu.Unlock()
	r.mu.Lock()
	delete(r.runs, finished.id)
	r.mu.Unlock()
}

func (r *Runner) handleProcessExit(sess *session, info procrpc.ExitInfo) {
	r.mu.Lock()
	_, live := r.sessions[sess.exec.ID]
	handlers := make([]ExitHandler, 0, len(r.exitSubs))
	for _, h := range r.exitSubs {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		r.invokeExitHandler(h, sess.exec.ID, info)
	}
	if !live {
		return
	}

	reason := "agent process exited"
	if info.Err != "" {
		reason = "agent process exited: " + info.Err
	}
	r.logger.Warn("agent process exited while execution was live",
		zap.String("execution_id", sess.exec.ID),
		zap.String("error", info.Err))

	threadID := r.registry.ThreadID(sess.exec.ID)
	r.teardownSession(sess, reason)
	r.publishExecution(events.ExecutionDiscarded, sess.exec, threadID, reason)
}

func (r *Runner) publishExecution(eventType string, exec *registry.Execution, threadID, detail string) {
	if r.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"execution_id":    exec.ID,
		"conversation_id": exec.ConversationID,
		"backend":         exec.Backend.String(),
	}
	if threadID != "" {
		data["thread_id"] = threadID
	}
	if detail != "" {
		data["detail"] = detail
	}
	event := bus.NewEvent(eventType, "agent-runner", data)
	if err := r.eventBus.Publish(context.Background(), events.SubjectExecutions, event); err != nil {
		r.logger.Warn("failed to publish execution event",
			zap.String("type", eventType), zap.Error(err))
	}
}
