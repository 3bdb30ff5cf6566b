// Package agent holds types shared across the agent subsystem.
package agent

import "fmt"

// Backend identifies which agent CLI drives an execution.
type Backend string

const (
	BackendCodex  Backend = "codex"
	BackendClaude Backend = "claude"
)

// ParseBackend validates a backend name from config or an API request.
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendCodex, BackendClaude:
		return Backend(s), nil
	default:
		return "", fmt.Errorf("unknown agent backend %q", s)
	}
}

func (b Backend) String() string { return string(b) }
