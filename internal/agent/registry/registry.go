// Package registry tracks live agent executions and enforces the
// per-conversation concurrency ceiling. Admission and registration are one
// atomic step so the ceiling cannot be raced past.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/agent"
)

// Admission and lookup failures.
var (
	// ErrExecutionExists reports an execution id collision. Ids are uuids, so
	// a collision means a caller bug rather than bad luck.
	ErrExecutionExists = fmt.Errorf("execution id already registered")
	// ErrConversationFull reports that a conversation is at its concurrency
	// ceiling.
	ErrConversationFull = fmt.Errorf("conversation at concurrent execution limit")
	// ErrExecutionNotFound is returned by lookups that miss.
	ErrExecutionNotFound = fmt.Errorf("execution not found")
)

// Execution is the registry's record of one live agent subprocess session.
type Execution struct {
	ID             string
	ConversationID string
	Backend        agent.Backend
	// ThreadID is the backend's session id. Empty until the backend reports
	// it; set via BindThread.
	ThreadID  string
	StartedAt time.Time
}

// Registry is a thread-safe three-index store of live executions: by
// execution id, by conversation id, and by backend thread id.
type Registry struct {
	mu             sync.RWMutex
	executions     map[string]*Execution
	byConversation map[string]map[string]struct{} // conversationID -> set of executionIDs
	byThread       map[string]string              // threadID -> executionID

	limit int
}

// NewRegistry creates a registry with the given per-conversation ceiling.
// A non-positive limit disables admission control.
func NewRegistry(limit int) *Registry {
	return &Registry{
		executions:     make(map[string]*Execution),
		byConversation: make(map[string]map[string]struct{}),
		byThread:       make(map[string]string),
		limit:          limit,
	}
}

// Register admits and records an execution in one atomic step. It fails with
// ErrConversationFull when the conversation is at its ceiling and with
// ErrExecutionExists on an id collision; on failure nothing is recorded.
func (r *Registry) Register(exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("register: execution id is required")
	}
	if exec.ConversationID == "" {
		return fmt.Errorf("register: conversation id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executions[exec.ID]; exists {
		return fmt.Errorf("register %s: %w", exec.ID, ErrExecutionExists)
	}
	if r.limit > 0 && len(r.byConversation[exec.ConversationID]) >= r.limit {
		return fmt.Errorf("register %s in conversation %s (limit %d): %w",
			exec.ID, exec.ConversationID, r.limit, ErrConversationFull)
	}

	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now()
	}
	r.executions[exec.ID] = exec
	set, ok := r.byConversation[exec.ConversationID]
	if !ok {
		set = make(map[string]struct{})
		r.byConversation[exec.ConversationID] = set
	}
	set[exec.ID] = struct{}{}
	if exec.ThreadID != "" {
		r.byThread[exec.ThreadID] = exec.ID
	}
	return nil
}

// BindThread records the backend-assigned thread id for an execution once the
// backend reports it.
func (r *Registry) BindThread(executionID, threadID string) error {
	if threadID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	exec, exists := r.executions[executionID]
	if !exists {
		return fmt.Errorf("bind thread %s: %w", executionID, ErrExecutionNotFound)
	}
	if exec.ThreadID != "" && exec.ThreadID != threadID {
		delete(r.byThread, exec.ThreadID)
	}
	exec.ThreadID = threadID
	r.byThread[threadID] = executionID
	return nil
}

// ThreadID returns the bound backend thread id for an execution, empty while
// unbound or when the execution is unknown. Reads go through the registry
// lock because BindThread may run concurrently on a stream goroutine.
func (r *Registry) ThreadID(executionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if exec, exists := r.executions[executionID]; exists {
		return exec.ThreadID
	}
	return ""
}

// Get returns an execution by id.
func (r *Registry) Get(executionID string) (*Execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, exists := r.executions[executionID]
	return exec, exists
}

// GetByThread returns the execution owning a backend thread id.
func (r *Registry) GetByThread(threadID string) (*Execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executionID, exists := r.byThread[threadID]
	if !exists {
		return nil, false
	}
	exec, exists := r.executions[executionID]
	return exec, exists
}

// ListByConversation returns all live executions in a conversation.
func (r *Registry) ListByConversation(conversationID string) []*Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byConversation[conversationID]
	result := make([]*Execution, 0, len(set))
	for id := range set {
		if exec, exists := r.executions[id]; exists {
			result = append(result, exec)
		}
	}
	return result
}

// Count returns the number of live executions in a conversation.
func (r *Registry) Count(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConversation[conversationID])
}

// List returns all tracked executions.
func (r *Registry) List() []*Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Execution, 0, len(r.executions))
	for _, exec := range r.executions {
		result = append(result, exec)
	}
	return result
}

// Remove drops an execution from all three indexes. Removing an unknown id is
// a no-op so teardown paths can call it unconditionally.
func (r *Registry) Remove(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, exists := r.executions[executionID]
	if !exists {
		return
	}

	if set, ok := r.byConversation[exec.ConversationID]; ok {
		delete(set, executionID)
		if len(set) == 0 {
			delete(r.byConversation, exec.ConversationID)
		}
	}
	if exec.ThreadID != "" {
		delete(r.byThread, exec.ThreadID)
	}
	delete(r.executions, executionID)
}
