package approval

import (
	"context"
	"sync"
	"testing"
	"time"

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

func newTestManager(t *testing.T, timeout time.Duration) *Manager {
	return NewManager(timeout, nil, newTestLogger(t))
}

func TestManager_AskAndRespond(t *testing.T) {
	m := newTestManager(t, time.Minute)

	requests := make(chan *Request, 1)
	m.OnRequest(func(req *Request) { requests <- req })

	done := make(chan Decision, 1)
	go func() {
		d, err := m.Ask(context.Background(), &Request{
			ExecutionID:    "exec-1",
			ConversationID: "conv-1",
			Kind:           KindCommandExecution,
			Command:        "rm -rf build",
			Cwd:            "/work",
		}, nil)
		if err != nil {
			t.Errorf("Ask() error = %v", err)
		}
		done <- d
	}()

	var req *Request
	select {
	case req = <-requests:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request callback")
	}

	if len(req.Token) != 43 {
		t.Errorf("token length = %d, want 43", len(req.Token))
	}
	if req.Deadline.Before(req.RequestedAt) {
		t.Error("deadline precedes request time")
	}

	if !m.Respond(req.Token, DecisionAccept) {
		t.Fatal("Respond() did not match pending token")
	}

	select {
	case d := <-done:
		if d != DecisionAccept {
			t.Errorf("decision = %q, want accept", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decision")
	}

	if len(m.Pending()) != 0 {
		t.Errorf("Pending() = %d after decision, want 0", len(m.Pending()))
	}
}

func TestManager_RespondRejectsBadTokens(t *testing.T) {
	m := newTestManager(t, time.Minute)

	requests := make(chan *Request, 1)
	m.OnRequest(func(req *Request) { requests <- req })

	go func() {
		_, _ = m.Ask(context.Background(), &Request{ExecutionID: "exec-1", Kind: KindToolUse}, nil)
	}()
	req := <-requests

	if m.Respond("short", DecisionAccept) {
		t.Error("Respond() matched a short token")
	}
	if m.Respond("", DecisionAccept) {
		t.Error("Respond() matched an empty token")
	}
	// Right length, wrong bytes.
	wrong := make([]byte, 43)
	for i := range wrong {
		wrong[i] = 'A'
	}
	if m.Respond(string(wrong), DecisionAccept) {
		t.Error("Respond() matched a forged token")
	}
	if len(m.Pending()) != 1 {
		t.Errorf("Pending() = %d, want 1", len(m.Pending()))
	}

	if !m.Respond(req.Token, DecisionDecline) {
		t.Error("Respond() rejected the genuine token")
	}
}

func TestManager_DeadlineAutoDeclines(t *testing.T) {
	m := newTestManager(t, 50*time.Millisecond)

	d, err := m.Ask(context.Background(), &Request{ExecutionID: "exec-1", Kind: KindFileChange}, nil)
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if d != DecisionDecline {
		t.Errorf("decision = %q, want decline on deadline", d)
	}
	if len(m.Pending()) != 0 {
		t.Errorf("Pending() = %d after deadline, want 0", len(m.Pending()))
	}
}

func TestManager_ContextCancelWithdraws(t *testing.T) {
	m := newTestManager(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Decision, 1)
	requests := make(chan *Request, 1)
	m.OnRequest(func(req *Request) { requests <- req })
	go func() {
		d, _ := m.Ask(ctx, &Request{ExecutionID: "exec-1", Kind: KindToolUse}, nil)
		done <- d
	}()
	<-requests

	cancel()
	select {
	case d := <-done:
		if d != DecisionCancel {
			t.Errorf("decision = %q, want cancel", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}
	if len(m.Pending()) != 0 {
		t.Errorf("Pending() = %d after cancel, want 0", len(m.Pending()))
	}
}

func TestManager_SessionCache(t *testing.T) {
	m := newTestManager(t, time.Minute)
	cache := NewSessionCache()

	requests := make(chan *Request, 1)
	m.OnRequest(func(req *Request) { requests <- req })

	ask := func() Decision {
		d, err := m.Ask(context.Background(), &Request{
			ExecutionID: "exec-1",
			Kind:        KindCommandExecution,
			Command:     "go test ./...",
			Cwd:         "/work",
		}, cache)
		if err != nil {
			t.Errorf("Ask() error = %v", err)
		}
		return d
	}

	done := make(chan Decision, 1)
	go func() { done <- ask() }()
	req := <-requests
	if !m.Respond(req.Token, DecisionAcceptForSession) {
		t.Fatal("Respond() failed")
	}
	if d := <-done; d != DecisionAcceptForSession {
		t.Fatalf("first decision = %q", d)
	}

	// Identical ask resolves from the cache without a callback.
	if d := ask(); d != DecisionAccept {
		t.Errorf("cached decision = %q, want accept", d)
	}
	select {
	case <-requests:
		t.Error("cached ask still invoked the callback")
	default:
	}

	// A different cwd is a different triple and prompts again.
	go func() {
		d, _ := m.Ask(context.Background(), &Request{
			ExecutionID: "exec-1",
			Kind:        KindCommandExecution,
			Command:     "go test ./...",
			Cwd:         "/other",
		}, cache)
		done <- d
	}()
	req = <-requests
	m.Respond(req.Token, DecisionDecline)
	if d := <-done; d != DecisionDecline {
		t.Errorf("decision for different cwd = %q, want decline", d)
	}
}

func TestManager_ShutdownDeclinesAll(t *testing.T) {
	m := newTestManager(t, time.Minute)

	const n = 3
	var wg sync.WaitGroup
	decisions := make(chan Decision, n)
	requests := make(chan *Request, n)
	m.OnRequest(func(req *Request) { requests <- req })
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := m.Ask(context.Background(), &Request{ExecutionID: "exec-1", Kind: KindToolUse}, nil)
			decisions <- d
		}()
	}
	for i := 0; i < n; i++ {
		<-requests
	}

	m.Shutdown()
	wg.Wait()
	close(decisions)
	for d := range decisions {
		if d != DecisionDecline {
			t.Errorf("decision after shutdown = %q, want decline", d)
		}
	}

	if _, err := m.Ask(context.Background(), &Request{ExecutionID: "exec-2", Kind: KindToolUse}, nil); err == nil {
		t.Error("Ask() after Shutdown() succeeded, want error")
	}
}

func TestManager_CancelExecution(t *testing.T) {
	m := newTestManager(t, time.Minute)

	requests := make(chan *Request, 2)
	m.OnRequest(func(req *Request) { requests <- req })

	got := make(chan Decision, 2)
	for _, execID := range []string{"exec-1", "exec-2"} {
		go func(id string) {
			d, _ := m.Ask(context.Background(), &Request{ExecutionID: id, Kind: KindToolUse}, nil)
			got <- d
		}(execID)
	}
	<-requests
	<-requests

	m.CancelExecution("exec-1")

	select {
	case d := <-got:
		if d != DecisionCancel {
			t.Errorf("decision = %q, want cancel", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}

	// exec-2 is still pending.
	pending := m.Pending()
	if len(pending) != 1 || pending[0].ExecutionID != "exec-2" {
		t.Errorf("Pending() = %v", pending)
	}
}

func TestSessionCache_KeyEncoding(t *testing.T) {
	cache := NewSessionCache()
	cache.Allow(KindCommandExecution, "a", "b/c")

	if cache.Allowed(KindCommandExecution, "a/b", "c") {
		t.Error("distinct triples collided in the cache")
	}
	if !cache.Allowed(KindCommandExecution, "a", "b/c") {
		t.Error("stored triple not found")
	}
	if cache.Allowed(KindFileChange, "a", "b/c") {
		t.Error("kind not part of the key")
	}
}
