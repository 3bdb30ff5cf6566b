// Package manager assembles the agent subsystem: registry, approvals,
// runner, and persistence. It is constructed explicitly and passed where
// needed; there is no package-level instance.
package manager

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/approval"
	"github.com/agentmux/agentmux/internal/agent/registry"
	"github.com/agentmux/agentmux/internal/agent/runner"
	"github.com/agentmux/agentmux/internal/agent/stream"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/store"
)

// Manager owns the agent subsystem for the daemon's lifetime.
type Manager struct {
	logger    *logger.Logger
	store     store.Store
	eventBus  bus.EventBus
	registry  *registry.Registry
	approvals *approval.Manager
	runner    *runner.Runner

	subscriptions []bus.Subscription
	unsubscribe   []func()
}

// NewManager wires the agent subsystem together. The store may be nil for
// an ephemeral daemon; everything else is required.
func NewManager(cfg *config.Config, st store.Store, eventBus bus.EventBus, log *logger.Logger) (*Manager, error) {
	reg := registry.NewRegistry(cfg.Agent.MaxConcurrentPerConversation)
	approvals := approval.NewManager(cfg.Agent.ApprovalTimeoutDuration(), eventBus, log)
	run := runner.NewRunner(&cfg.Agent, reg, approvals, eventBus, log)

	m := &Manager{
		logger:    log.WithFields(zap.String("component", "agent-manager")),
		store:     st,
		eventBus:  eventBus,
		registry:  reg,
		approvals: approvals,
		runner:    run,
	}

	if st != nil {
		if err := m.wirePersistence(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// wirePersistence mirrors live state into the store: executions on their
// lifecycle events, approvals on request and resolution.
func (m *Manager) wirePersistence() error {
	m.unsubscribe = append(m.unsubscribe, m.approvals.OnRequest(func(req *approval.Request) {
		err := m.store.RecordApproval(context.Background(), &store.ApprovalRecord{
			Token:          req.Token,
			ExecutionID:    req.ExecutionID,
			ConversationID: req.ConversationID,
			Kind:           string(req.Kind),
			Command:        req.Command,
			Cwd:            req.Cwd,
			Path:           req.Path,
			RequestedAt:    req.RequestedAt,
		})
		if err != nil {
			m.logger.Warn("failed to persist approval request", zap.Error(err))
		}
	}))

	m.unsubscribe = append(m.unsubscribe, m.runner.OnEvent(func(event stream.Event) {
		ts, ok := event.(stream.ThreadStarted)
		if !ok {
			return
		}
		exec, found := m.registry.GetByThread(ts.ThreadID)
		if !found {
			return
		}
		err := m.store.UpdateExecution(context.Background(), &store.ExecutionRecord{
			ID:       exec.ID,
			ThreadID: ts.ThreadID,
			Status:   store.ExecutionRunning,
		})
		if err != nil {
			m.logger.Warn("failed to persist thread binding", zap.Error(err))
		}
	}))

	approvalSub, err := m.eventBus.Subscribe(events.SubjectApprovals, m.onApprovalEvent)
	if err != nil {
		return fmt.Errorf("subscribe to approval events: %w", err)
	}
	m.subscriptions = append(m.subscriptions, approvalSub)

	execSub, err := m.eventBus.Subscribe(events.SubjectExecutions, m.onExecutionEvent)
	if err != nil {
		return fmt.Errorf("subscribe to execution events: %w", err)
	}
	m.subscriptions = append(m.subscriptions, execSub)
	return nil
}

func (m *Manager) onApprovalEvent(ctx context.Context, event *bus.Event) error {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return nil
	}
	token, _ := data["token"].(string)
	decision, _ := data["decision"].(string)
	if token == "" || decision == "" {
		return nil
	}
	switch event.Type {
	case events.ApprovalAccepted, events.ApprovalDeclined, events.ApprovalCancelled:
		if err := m.store.ResolveApproval(ctx, token, decision); err != nil {
			m.logger.Warn("failed to persist approval resolution",
				zap.String("type", event.Type), zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) onExecutionEvent(ctx context.Context, event *bus.Event) error {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return nil
	}
	executionID, _ := data["execution_id"].(string)
	if executionID == "" {
		return nil
	}

	rec := &store.ExecutionRecord{ID: executionID}
	if threadID, ok := data["thread_id"].(string); ok {
		rec.ThreadID = threadID
	}
	switch event.Type {
	case events.ExecutionCompleted:
		rec.Status = store.ExecutionCompleted
	case events.ExecutionDiscarded:
		rec.Status = store.ExecutionFailed
		if detail, ok := data["detail"].(string); ok {
			rec.DiscardReason = detail
		}
	default:
		return nil
	}

	if err := m.store.UpdateExecution(ctx, rec); err != nil {
		m.logger.Warn("failed to persist execution state",
			zap.String("type", event.Type), zap.Error(err))
	}
	return nil
}

// StartExecution admits and starts a new execution, persisting its record.
func (m *Manager) StartExecution(ctx context.Context, opts runner.StartOptions) (*registry.Execution, error) {
	exec, err := m.runner.Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	if m.store != nil {
		err := m.store.CreateExecution(ctx, &store.ExecutionRecord{
			ID:             exec.ID,
			ConversationID: exec.ConversationID,
			Backend:        exec.Backend.String(),
			ThreadID:       exec.ThreadID,
			Status:         store.ExecutionRunning,
			StartedAt:      exec.StartedAt,
		})
		if err != nil {
			m.logger.Warn("failed to persist execution",
				zap.String("execution_id", exec.ID), zap.Error(err))
		}
	}
	return exec, nil
}

// SendTurn starts a turn and returns its run id.
func (m *Manager) SendTurn(ctx context.Context, executionID, prompt string) (string, error) {
	return m.runner.SendTurn(ctx, executionID, prompt)
}

// Run starts a turn and blocks for its result, persisting the outcome.
func (m *Manager) Run(ctx context.Context, executionID, prompt string) (*runner.TurnResult, error) {
	result, err := m.runner.Run(ctx, executionID, prompt)
	if err != nil {
		return nil, err
	}
	if m.store != nil {
		status := store.ExecutionRunning
		rec := &store.ExecutionRecord{
			ID:       executionID,
			ThreadID: result.ThreadID,
			Status:   status,
			Result:   result.Result,
		}
		if err := m.store.UpdateExecution(ctx, rec); err != nil {
			m.logger.Warn("failed to persist turn result",
				zap.String("execution_id", executionID), zap.Error(err))
		}
	}
	return result, nil
}

// CancelRun interrupts an in-flight run.
func (m *Manager) CancelRun(ctx context.Context, runID string) error {
	return m.runner.Cancel(ctx, runID)
}

// StopExecution terminates an execution and frees its conversation slot.
func (m *Manager) StopExecution(executionID string) {
	m.runner.Stop(executionID)
}

// RespondApproval delivers an operator decision for a pending approval
// token. It reports whether a pending request matched.
func (m *Manager) RespondApproval(token string, decision approval.Decision) bool {
	return m.approvals.Respond(token, decision)
}

// PendingApprovals lists undecided approval requests.
func (m *Manager) PendingApprovals() []*approval.Request {
	return m.approvals.Pending()
}

// ListExecutions returns all live executions.
func (m *Manager) ListExecutions() []*registry.Execution {
	return m.runner.List()
}

// OnEvent subscribes to the canonical event stream.
func (m *Manager) OnEvent(handler runner.EventHandler) func() {
	return m.runner.OnEvent(handler)
}

// OnApprovalRequest subscribes to new approval asks.
func (m *Manager) OnApprovalRequest(cb approval.Callback) func() {
	return m.approvals.OnRequest(cb)
}

// OnExit subscribes to agent subprocess exits.
func (m *Manager) OnExit(handler runner.ExitHandler) func() {
	return m.runner.OnExit(handler)
}

// Shutdown stops all executions and releases subscriptions. The store and
// event bus are owned by the caller and closed there.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, unsub := range m.unsubscribe {
		unsub()
	}
	for _, sub := range m.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			m.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
	return m.runner.Shutdown(ctx)
}
