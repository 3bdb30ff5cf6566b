package approval

import (
	"encoding/json"
	"sync"
)

// SessionCache remembers acceptForSession decisions for one execution
// session. Entries are keyed by the (kind, command, cwd) triple so an
// identical repeat ask within the session is granted without prompting. The
// cache dies with the session; nothing persists across executions.
type SessionCache struct {
	mu      sync.Mutex
	allowed map[string]struct{}
}

// NewSessionCache creates an empty cache.
func NewSessionCache() *SessionCache {
	return &SessionCache{allowed: make(map[string]struct{})}
}

// Allow records the triple as approved for the rest of the session.
func (c *SessionCache) Allow(kind Kind, command, cwd string) {
	key := cacheKey(kind, command, cwd)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowed[key] = struct{}{}
}

// Allowed reports whether the triple was previously approved for the session.
func (c *SessionCache) Allowed(kind Kind, command, cwd string) bool {
	key := cacheKey(kind, command, cwd)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.allowed[key]
	return ok
}

// cacheKey encodes the triple unambiguously; concatenation would let
// ("a", "b/c") and ("a/b", "c") collide.
func cacheKey(kind Kind, command, cwd string) string {
	raw, _ := json.Marshal(struct {
		Kind    Kind   `json:"kind"`
		Command string `json:"command"`
		Cwd     string `json:"cwd"`
	}{kind, command, cwd})
	return string(raw)
}
