package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentmux/agentmux/internal/agent"
	"github.com/agentmux/agentmux/internal/agent/approval"
	"github.com/agentmux/agentmux/internal/agent/registry"
	"github.com/agentmux/agentmux/internal/agent/stream"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "json",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// writeScript drops an executable shell script standing in for an agent CLI.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newTestRunner(t *testing.T, cfg config.AgentConfig) *Runner {
	log := newTestLogger(t)
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5
	}
	if cfg.ShutdownWait == 0 {
		cfg.ShutdownWait = 1
	}
	if cfg.MaxConcurrentPerConversation == 0 {
		cfg.MaxConcurrentPerConversation = 10
	}
	if cfg.StderrCaptureBytes == 0 {
		cfg.StderrCaptureBytes = 64 * 1024
	}
	reg := registry.NewRegistry(cfg.MaxConcurrentPerConversation)
	approvals := approval.NewManager(time.Minute, nil, log)
	r := NewRunner(&cfg, reg, approvals, nil, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

// The codex script answers thread/start and turn/start by request id (ids are
// sequential per client) and then streams a delta and a completion.
const codexScript = `read line
echo '{"jsonrpc":"2.0","id":1,"result":{"thread":{"id":"th-1"}}}'
read line
echo '{"jsonrpc":"2.0","id":2,"result":{"turn":{"id":"turn-1"}}}'
echo '{"jsonrpc":"2.0","method":"item/agentMessage/delta","params":{"threadId":"th-1","turnId":"turn-1","itemId":"item-1","delta":"a.txt"}}'
echo '{"jsonrpc":"2.0","method":"turn/completed","params":{"threadId":"th-1","turnId":"turn-1","success":true,"result":"done"}}'
read line
`

func TestRunner_CodexTurn(t *testing.T) {
	bin := writeScript(t, "codex", codexScript)
	r := newTestRunner(t, config.AgentConfig{CodexBinary: bin})

	var deltas []string
	r.OnEvent(func(event stream.Event) {
		if d, ok := event.(stream.AgentMessageDelta); ok {
			deltas = append(deltas, d.Delta)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exec, err := r.Start(ctx, StartOptions{
		ConversationID: "conv-1",
		Backend:        agent.BackendCodex,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if exec.ThreadID != "th-1" {
		t.Errorf("ThreadID = %q, want th-1", exec.ThreadID)
	}

	result, err := r.Run(ctx, exec.ID, "list files")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Result != "done" || result.IsError {
		t.Errorf("result = %+v", result)
	}
	if result.Text != "a.txt" {
		t.Errorf("accumulated text = %q, want a.txt", result.Text)
	}
	if result.TurnID != "turn-1" || result.ThreadID != "th-1" {
		t.Errorf("ids = %q/%q", result.ThreadID, result.TurnID)
	}
	if len(deltas) != 1 || deltas[0] != "a.txt" {
		t.Errorf("deltas = %v", deltas)
	}
}

// The claude script consumes the user message and streams init, a text
// delta, and a result.
const claudeScript = `read line
echo '{"type":"system","subtype":"init","session_id":"sess-1"}'
echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"a.txt"}]}}'
echo '{"type":"result","subtype":"success","result":"done","is_error":false}'
read line
`

func TestRunner_ClaudeTurn(t *testing.T) {
	bin := writeScript(t, "claude", claudeScript)
	r := newTestRunner(t, config.AgentConfig{ClaudeBinary: bin})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exec, err := r.Start(ctx, StartOptions{
		ConversationID: "conv-1",
		Backend:        agent.BackendClaude,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// No subprocess until the first turn.
	if exec.ThreadID != "" {
		t.Errorf("ThreadID bound before first turn: %q", exec.ThreadID)
	}

	result, err := r.Run(ctx, exec.ID, "list files")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Result != "done" || result.IsError {
		t.Errorf("result = %+v", result)
	}
	if result.Text != "a.txt" {
		t.Errorf("accumulated text = %q", result.Text)
	}
	if result.ThreadID != "sess-1" {
		t.Errorf("ThreadID = %q, want sess-1", result.ThreadID)
	}

	got, ok := r.registry.GetByThread("sess-1")
	if !ok || got.ID != exec.ID {
		t.Errorf("thread index = %v, %v", got, ok)
	}
}

func TestRunner_AdmissionCeiling(t *testing.T) {
	bin := writeScript(t, "claude", claudeScript)
	r := newTestRunner(t, config.AgentConfig{
		ClaudeBinary:                 bin,
		MaxConcurrentPerConversation: 2,
	})

	ctx := context.Background()
	opts := StartOptions{ConversationID: "conv-1", Backend: agent.BackendClaude}

	for i := 0; i < 2; i++ {
		if _, err := r.Start(ctx, opts); err != nil {
			t.Fatalf("Start(%d) error = %v", i, err)
		}
	}
	if _, err := r.Start(ctx, opts); !errors.Is(err, registry.ErrConversationFull) {
		t.Fatalf("Start over limit error = %v, want ErrConversationFull", err)
	}

	// Stopping an execution frees its slot.
	execs := r.List()
	r.Stop(execs[0].ID)
	if _, err := r.Start(ctx, opts); err != nil {
		t.Fatalf("Start after Stop error = %v", err)
	}
}

func TestRunner_StopIsIdempotent(t *testing.T) {
	bin := writeScript(t, "claude", claudeScript)
	r := newTestRunner(t, config.AgentConfig{ClaudeBinary: bin})

	exec, err := r.Start(context.Background(), StartOptions{
		ConversationID: "conv-1",
		Backend:        agent.BackendClaude,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	r.Stop(exec.ID)
	r.Stop(exec.ID)
	r.Stop("never-existed")

	if len(r.List()) != 0 {
		t.Errorf("List() = %v after Stop", r.List())
	}
}

func TestRunner_RejectsSecondTurnInFlight(t *testing.T) {
	// Script that never answers, keeping the first turn open.
	bin := writeScript(t, "claude", "read line\nread line\nsleep 30\n")
	r := newTestRunner(t, config.AgentConfig{ClaudeBinary: bin})

	ctx := context.Background()
	exec, err := r.Start(ctx, StartOptions{ConversationID: "conv-1", Backend: agent.BackendClaude})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := r.SendTurn(ctx, exec.ID, "first"); err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}
	if _, err := r.SendTurn(ctx, exec.ID, "second"); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("second SendTurn() error = %v, want ErrTurnInFlight", err)
	}
}

func TestRunner_ProcessCrashFailsRun(t *testing.T) {
	// Script that dies mid-turn.
	bin := writeScript(t, "claude", "read line\nexit 3\n")
	r := newTestRunner(t, config.AgentConfig{ClaudeBinary: bin})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exec, err := r.Start(ctx, StartOptions{ConversationID: "conv-1", Backend: agent.BackendClaude})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	result, err := r.Run(ctx, exec.ID, "boom")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.IsError {
		t.Errorf("result = %+v, want error outcome", result)
	}

	// The crashed execution no longer occupies a slot.
	if len(r.List()) != 0 {
		t.Errorf("List() = %v after crash", r.List())
	}
}

// The script floods thread bindings and then goes quiet, so the cancel path
// and the stream goroutine touch the run's ids concurrently.
const bindFloodScript = `read line
i=0
while [ "$i" -lt 200 ]; do
	echo '{"type":"system","subtype":"init","session_id":"sess-1"}'
	i=$((i+1))
done
sleep 30
`

func TestRunner_CancelDuringThreadBinding(t *testing.T) {
	bin := writeScript(t, "claude", bindFloodScript)
	r := newTestRunner(t, config.AgentConfig{ClaudeBinary: bin, RequestTimeout: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exec, err := r.Start(ctx, StartOptions{ConversationID: "conv-1", Backend: agent.BackendClaude})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	runID, err := r.SendTurn(ctx, exec.ID, "go")
	if err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}

	if err := r.Cancel(ctx, runID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	r.mu.Lock()
	_, leaked := r.runs[runID]
	r.mu.Unlock()
	if leaked {
		t.Error("cancelled run still in the run map")
	}
}

func TestRunner_CancelLiveRunTwice(t *testing.T) {
	// Binds the thread and then keeps the turn open.
	bin := writeScript(t, "claude", `read line
echo '{"type":"system","subtype":"init","session_id":"sess-9"}'
sleep 30
`)
	r := newTestRunner(t, config.AgentConfig{ClaudeBinary: bin, RequestTimeout: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exec, err := r.Start(ctx, StartOptions{ConversationID: "conv-1", Backend: agent.BackendClaude})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	runID, err := r.SendTurn(ctx, exec.ID, "slow")
	if err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}

	if err := r.Cancel(ctx, runID); err != nil {
		t.Fatalf("first Cancel() error = %v", err)
	}
	if err := r.Cancel(ctx, runID); err != nil {
		t.Fatalf("second Cancel() error = %v", err)
	}

	r.mu.Lock()
	_, leaked := r.runs[runID]
	r.mu.Unlock()
	if leaked {
		t.Error("run map still holds the cancelled run")
	}

	// The execution accepts a new turn once the cancelled one is cleared.
	if _, err := r.SendTurn(ctx, exec.ID, "again"); err != nil {
		t.Fatalf("SendTurn() after cancel error = %v", err)
	}
}

// The codex script answers thread/start (or thread/fork) and turn/start, then
// asks for command approval before completing the turn. Thread ids embed the
// script's pid so each subprocess binds a distinct thread.
const approvalScript = `read line
echo '{"jsonrpc":"2.0","id":1,"result":{"thread":{"id":"th-'$$'"}}}'
read line
echo '{"jsonrpc":"2.0","id":2,"result":{"turn":{"id":"turn-1"}}}'
echo '{"jsonrpc":"2.0","id":100,"method":"item/commandExecution/requestApproval","params":{"threadId":"th-'$$'","turnId":"turn-1","itemId":"item-1","command":"npm install"}}'
read answer
echo '{"jsonrpc":"2.0","method":"turn/completed","params":{"threadId":"th-'$$'","turnId":"turn-1","success":true,"result":"done"}}'
read line
`

func TestRunner_ForkInheritsSessionApprovals(t *testing.T) {
	bin := writeScript(t, "codex", approvalScript)
	r := newTestRunner(t, config.AgentConfig{CodexBinary: bin})

	var asks atomic.Int32
	r.approvals.OnRequest(func(req *approval.Request) {
		asks.Add(1)
		r.approvals.Respond(req.Token, approval.DecisionAcceptForSession)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	parent, err := r.Start(ctx, StartOptions{ConversationID: "conv-1", Backend: agent.BackendCodex})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := r.Run(ctx, parent.ID, "install deps"); err != nil {
		t.Fatalf("parent Run() error = %v", err)
	}
	if got := asks.Load(); got != 1 {
		t.Fatalf("operator prompted %d times on the parent turn, want 1", got)
	}

	child, err := r.Start(ctx, StartOptions{
		ConversationID: "conv-1",
		Backend:        agent.BackendCodex,
		ResumeThreadID: r.registry.ThreadID(parent.ID),
		Fork:           true,
	})
	if err != nil {
		t.Fatalf("fork Start() error = %v", err)
	}
	result, err := r.Run(ctx, child.ID, "install deps")
	if err != nil {
		t.Fatalf("child Run() error = %v", err)
	}
	if result.IsError {
		t.Errorf("child result = %+v", result)
	}

	// The parent's approve-for-session decision covers the forked child; no
	// second prompt reaches the operator.
	if got := asks.Load(); got != 1 {
		t.Errorf("operator prompted %d times in total, want 1", got)
	}
}

func TestRunner_CancelUnknownRunIsNoop(t *testing.T) {
	r := newTestRunner(t, config.AgentConfig{})
	if err := r.Cancel(context.Background(), "no-such-run"); err != nil {
		t.Errorf("Cancel() error = %v", err)
	}
}

func TestRunner_SendTurnUnknownExecution(t *testing.T) {
	r := newTestRunner(t, config.AgentConfig{})
	_, err := r.SendTurn(context.Background(), "missing", "hello")
	if !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("SendTurn() error = %v, want ErrExecutionNotFound", err)
	}
}

func TestRunner_StartUnknownBackend(t *testing.T) {
	r := newTestRunner(t, config.AgentConfig{})
	_, err := r.Start(context.Background(), StartOptions{
		ConversationID: "conv-1",
		Backend:        agent.Backend("gemini"),
	})
	if err == nil {
		t.Fatal("Start() with unknown backend succeeded")
	}
	// The failed start must not leak a registry slot.
	if got := r.registry.Count("conv-1"); got != 0 {
		t.Errorf("Count() = %d after failed start", got)
	}
}
