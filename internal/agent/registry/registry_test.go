package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/agentmux/agentmux/internal/agent"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(10)

	exec := &Execution{
		ID:             "exec-1",
		ConversationID: "conv-1",
		Backend:        agent.BackendCodex,
		ThreadID:       "th-1",
	}
	if err := r.Register(exec); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, ok := r.Get("exec-1")
	if !ok {
		t.Fatal("Get() miss for registered execution")
	}
	if got.ConversationID != "conv-1" {
		t.Errorf("ConversationID = %q", got.ConversationID)
	}
	if got.StartedAt.IsZero() {
		t.Error("StartedAt not defaulted")
	}

	byThread, ok := r.GetByThread("th-1")
	if !ok || byThread.ID != "exec-1" {
		t.Errorf("GetByThread() = %v, %v", byThread, ok)
	}

	list := r.ListByConversation("conv-1")
	if len(list) != 1 || list[0].ID != "exec-1" {
		t.Errorf("ListByConversation() = %v", list)
	}
}

func TestRegistry_RejectsIDCollision(t *testing.T) {
	r := NewRegistry(10)

	if err := r.Register(&Execution{ID: "exec-1", ConversationID: "conv-1"}); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	err := r.Register(&Execution{ID: "exec-1", ConversationID: "conv-2"})
	if !errors.Is(err, ErrExecutionExists) {
		t.Fatalf("duplicate Register() error = %v, want ErrExecutionExists", err)
	}

	// The failed registration must not have touched any index.
	if r.Count("conv-2") != 0 {
		t.Errorf("Count(conv-2) = %d after rejected register", r.Count("conv-2"))
	}
}

func TestRegistry_ConversationCeiling(t *testing.T) {
	r := NewRegistry(3)

	for i := 0; i < 3; i++ {
		err := r.Register(&Execution{ID: fmt.Sprintf("exec-%d", i), ConversationID: "conv-1"})
		if err != nil {
			t.Fatalf("Register(%d) error = %v", i, err)
		}
	}

	err := r.Register(&Execution{ID: "exec-over", ConversationID: "conv-1"})
	if !errors.Is(err, ErrConversationFull) {
		t.Fatalf("Register over limit error = %v, want ErrConversationFull", err)
	}

	// Other conversations are unaffected.
	if err := r.Register(&Execution{ID: "exec-other", ConversationID: "conv-2"}); err != nil {
		t.Fatalf("Register in other conversation error = %v", err)
	}

	// Freeing a slot allows admission again.
	r.Remove("exec-0")
	if err := r.Register(&Execution{ID: "exec-new", ConversationID: "conv-1"}); err != nil {
		t.Fatalf("Register after Remove error = %v", err)
	}
}

func TestRegistry_BindThread(t *testing.T) {
	r := NewRegistry(10)

	if err := r.Register(&Execution{ID: "exec-1", ConversationID: "conv-1"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, ok := r.GetByThread("th-late"); ok {
		t.Fatal("GetByThread() hit before bind")
	}
	if got := r.ThreadID("exec-1"); got != "" {
		t.Errorf("ThreadID() = %q before bind", got)
	}

	if err := r.BindThread("exec-1", "th-late"); err != nil {
		t.Fatalf("BindThread() error = %v", err)
	}
	got, ok := r.GetByThread("th-late")
	if !ok || got.ID != "exec-1" {
		t.Errorf("GetByThread() = %v, %v", got, ok)
	}
	if got := r.ThreadID("exec-1"); got != "th-late" {
		t.Errorf("ThreadID() = %q, want th-late", got)
	}
	if got := r.ThreadID("exec-unknown"); got != "" {
		t.Errorf("ThreadID(unknown) = %q, want empty", got)
	}

	// Rebinding replaces the old index entry.
	if err := r.BindThread("exec-1", "th-rebound"); err != nil {
		t.Fatalf("BindThread() rebind error = %v", err)
	}
	if _, ok := r.GetByThread("th-late"); ok {
		t.Error("stale thread index entry after rebind")
	}

	if err := r.BindThread("exec-missing", "th-x"); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("BindThread(missing) error = %v, want ErrExecutionNotFound", err)
	}
}

func TestRegistry_RemoveIdempotent(t *testing.T) {
	r := NewRegistry(10)

	if err := r.Register(&Execution{ID: "exec-1", ConversationID: "conv-1", ThreadID: "th-1"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	r.Remove("exec-1")
	r.Remove("exec-1")
	r.Remove("never-existed")

	if _, ok := r.Get("exec-1"); ok {
		t.Error("Get() hit after Remove")
	}
	if _, ok := r.GetByThread("th-1"); ok {
		t.Error("GetByThread() hit after Remove")
	}
	if r.Count("conv-1") != 0 {
		t.Errorf("Count() = %d after Remove", r.Count("conv-1"))
	}
}

func TestRegistry_ConcurrentAdmission(t *testing.T) {
	const limit = 10
	r := NewRegistry(limit)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := r.Register(&Execution{ID: fmt.Sprintf("exec-%d", i), ConversationID: "conv-1"})
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			} else if !errors.Is(err, ErrConversationFull) {
				t.Errorf("Register() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if admitted != limit {
		t.Errorf("admitted %d executions, want %d", admitted, limit)
	}
	if got := r.Count("conv-1"); got != limit {
		t.Errorf("Count() = %d, want %d", got, limit)
	}
}
