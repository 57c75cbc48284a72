package initiator

import (
	"sync"

	"github.com/af-corp/copilot-bridge/internal/types"
)

// Decision is a session-keyed attribution before it is committed.
type Decision struct {
	Initiator types.Initiator
	Remaining int
}

// SessionTracker implements the session-keyed policy: a user turn opens a
// budget of agent-attributed calls that later requests consume.
//
// Peek and Commit are individually safe but not atomic as a pair. Two
// concurrent requests for the same session may both observe the same budget.
type SessionTracker struct {
	limits *Limits
	opts   options

	mu        sync.Mutex
	remaining map[string]int
}

func NewSessionTracker(limits *Limits, opts ...Option) *SessionTracker {
	return &SessionTracker{
		limits:    limits,
		opts:      buildOptions(opts),
		remaining: make(map[string]int),
	}
}

// Peek computes the attribution for key without storing it.
func (t *SessionTracker) Peek(key string, lastRoleIsUser bool) Decision {
	t.mu.Lock()
	remaining := t.remaining[key]
	t.mu.Unlock()

	switch {
	case remaining > 0:
		return Decision{Initiator: types.InitiatorAgent, Remaining: remaining - 1}
	case lastRoleIsUser:
		return Decision{Initiator: types.InitiatorUser, Remaining: draw(t.opts.rng, t.limits.Get())}
	default:
		return Decision{Initiator: types.InitiatorAgent, Remaining: 0}
	}
}

// Commit stores the remaining budget of d for key.
func (t *SessionTracker) Commit(key string, d Decision) {
	t.mu.Lock()
	t.remaining[key] = d.Remaining
	t.mu.Unlock()
}

// Attribute peeks and commits in one call.
func (t *SessionTracker) Attribute(key string, lastRoleIsUser bool) types.Initiator {
	d := t.Peek(key, lastRoleIsUser)
	t.Commit(key, d)
	return d.Initiator
}

// Remaining reports the stored budget for key.
func (t *SessionTracker) Remaining(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining[key]
}

// Sessions returns a copy of every stored budget.
func (t *SessionTracker) Sessions() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.remaining))
	for k, v := range t.remaining {
		out[k] = v
	}
	return out
}
