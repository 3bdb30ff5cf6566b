// Package approval brokers permission requests between agent subprocesses and
// the operator. Each pending request is addressed by an unguessable token and
// auto-declines at its deadline, so an unattended daemon never leaves an agent
// hanging.
package approval

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
)

// Kind classifies what the agent is asking permission for.
type Kind string

const (
	KindCommandExecution Kind = "commandExecution"
	KindFileChange       Kind = "fileChange"
	KindToolUse          Kind = "toolUse"
)

// Decision is the operator's answer to a pending request.
type Decision string

const (
	DecisionAccept           Decision = "accept"
	DecisionAcceptForSession Decision = "acceptForSession"
	DecisionDecline          Decision = "decline"
	DecisionCancel           Decision = "cancel"
)

// Accepted reports whether the decision permits the action.
func (d Decision) Accepted() bool {
	return d == DecisionAccept || d == DecisionAcceptForSession
}

// tokenLen is the encoded length of a 32-byte token under unpadded
// base64url. Anything of a different length cannot be a valid token and is
// rejected before any map access.
const tokenLen = 43

// Request is one pending permission ask, as shown to the operator.
type Request struct {
	Token          string
	ExecutionID    string
	ConversationID string
	Kind           Kind
	Command        string
	Cwd            string
	Path           string
	Reasoning      string
	RequestedAt    time.Time
	Deadline       time.Time
}

// Callback observes new pending requests, e.g. to surface them over the API.
type Callback func(req *Request)

type pendingRequest struct {
	req   *Request
	timer *time.Timer
	ch    chan Decision // buffered; the first decision wins
}

// Manager tracks pending approval requests across all executions.
type Manager struct {
	logger   *logger.Logger
	eventBus bus.EventBus
	timeout  time.Duration

	mu        sync.Mutex
	pending   map[string]*pendingRequest // token -> pending
	callbacks map[int64]Callback
	cbSeq     int64
	closed    bool
}

// NewManager creates a Manager. timeout bounds how long a request may stay
// pending before it auto-declines.
func NewManager(timeout time.Duration, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		logger:    log.WithFields(zap.String("component", "approval-manager")),
		eventBus:  eventBus,
		timeout:   timeout,
		pending:   make(map[string]*pendingRequest),
		callbacks: make(map[int64]Callback),
	}
}

// OnRequest registers a callback invoked for every new pending request. The
// returned function removes it. A panicking callback is recovered and logged;
// it never blocks the decision path.
func (m *Manager) OnRequest(cb Callback) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbSeq++
	id := m.cbSeq
	m.callbacks[id] = cb
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.callbacks, id)
	}
}

// Ask registers a pending request and blocks until it is decided, the
// deadline passes (auto-decline), or ctx is cancelled (cancel). When cache is
// non-nil it is consulted first, and an acceptForSession decision populates
// it, so repeated identical asks within a session resolve without prompting.
func (m *Manager) Ask(ctx context.Context, req *Request, cache *SessionCache) (Decision, error) {
	if cache != nil && cache.Allowed(req.Kind, req.Command, req.Cwd) {
		m.logger.Debug("approval satisfied from session cache",
			zap.String("execution_id", req.ExecutionID),
			zap.String("kind", string(req.Kind)))
		return DecisionAccept, nil
	}

	token, err := newToken()
	if err != nil {
		return DecisionDecline, fmt.Errorf("generate approval token: %w", err)
	}
	req.Token = token
	req.RequestedAt = time.Now()
	req.Deadline = req.RequestedAt.Add(m.timeout)

	p := &pendingRequest{
		req: req,
		ch:  make(chan Decision, 1),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return DecisionDecline, fmt.Errorf("approval manager is shut down")
	}
	m.pending[token] = p
	p.timer = time.AfterFunc(m.timeout, func() {
		m.resolve(token, DecisionDecline, "deadline")
	})
	cbs := make([]Callback, 0, len(m.callbacks))
	for _, cb := range m.callbacks {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	m.publish(events.ApprovalRequested, req, "")
	for _, cb := range cbs {
		m.invokeCallback(cb, req)
	}

	var decision Decision
	select {
	case decision = <-p.ch:
	case <-ctx.Done():
		// The execution is going away; withdraw the request.
		if m.remove(token) {
			decision = DecisionCancel
			m.publish(events.ApprovalCancelled, req, string(decision))
		} else {
			// Decided concurrently with cancellation; honor the decision.
			decision = <-p.ch
		}
	}

	if decision == DecisionAcceptForSession && cache != nil {
		cache.Allow(req.Kind, req.Command, req.Cwd)
	}
	return decision, nil
}

// Respond delivers a decision for the given token. It reports whether a
// pending request matched. Token comparison is constant-time; length is
// checked first since all valid tokens share one length.
func (m *Manager) Respond(token string, decision Decision) bool {
	if len(token) != tokenLen {
		return false
	}
	return m.resolve(token, decision, "operator")
}

// Pending returns a snapshot of all undecided requests.
func (m *Manager) Pending() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*Request, 0, len(m.pending))
	for _, p := range m.pending {
		result = append(result, p.req)
	}
	return result
}

// CancelExecution withdraws all pending requests belonging to an execution,
// resolving them as cancelled.
func (m *Manager) CancelExecution(executionID string) {
	for _, req := range m.Pending() {
		if req.ExecutionID == executionID {
			m.resolve(req.Token, DecisionCancel, "execution cancelled")
		}
	}
}

// Shutdown declines every pending request and rejects future asks.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	tokens := make([]string, 0, len(m.pending))
	for token := range m.pending {
		tokens = append(tokens, token)
	}
	m.mu.Unlock()

	for _, token := range tokens {
		m.resolve(token, DecisionDecline, "shutdown")
	}
}

// resolve removes the pending request for token and delivers the decision.
// It reports whether a request matched. The map lookup is re-verified with a
// constant-time compare.
func (m *Manager) resolve(token string, decision Decision, reason string) bool {
	m.mu.Lock()
	matched, exists := m.pending[token]
	if !exists || subtle.ConstantTimeCompare([]byte(matched.req.Token), []byte(token)) != 1 {
		m.mu.Unlock()
		return false
	}
	delete(m.pending, token)
	m.mu.Unlock()

	matched.timer.Stop()
	matched.ch <- decision

	m.logger.Info("approval resolved",
		zap.String("execution_id", matched.req.ExecutionID),
		zap.String("decision", string(decision)),
		zap.String("resolved_by", reason))

	switch {
	case decision.Accepted():
		m.publish(events.ApprovalAccepted, matched.req, string(decision))
	case decision == DecisionCancel:
		m.publish(events.ApprovalCancelled, matched.req, string(decision))
	default:
		m.publish(events.ApprovalDeclined, matched.req, string(decision))
	}
	return true
}

// remove drops a pending request without delivering a decision. Reports
// whether the token was still pending.
func (m *Manager) remove(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, exists := m.pending[token]
	if !exists {
		return false
	}
	p.timer.Stop()
	delete(m.pending, token)
	return true
}

func (m *Manager) invokeCallback(cb Callback, req *Request) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("approval callback panicked", zap.Any("panic", r))
		}
	}()
	cb(req)
}

func (m *Manager) publish(eventType string, req *Request, decision string) {
	if m.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"token":           req.Token,
		"execution_id":    req.ExecutionID,
		"conversation_id": req.ConversationID,
		"kind":            string(req.Kind),
	}
	if decision != "" {
		data["decision"] = decision
	}
	event := bus.NewEvent(eventType, "approval-manager", data)
	if err := m.eventBus.Publish(context.Background(), events.SubjectApprovals, event); err != nil {
		m.logger.Warn("failed to publish approval event",
			zap.String("type", eventType), zap.Error(err))
	}
}

// newToken returns 32 bytes of randomness as unpadded base64url, always
// tokenLen characters.
func newToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
