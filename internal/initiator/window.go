package initiator

import (
	"sort"
	"sync"
	"time"

	"github.com/af-corp/copilot-bridge/internal/types"
)

const (
	minWindowLifetime = 20 * time.Hour
	windowJitter      = 4 * time.Hour
)

// Window is the model-keyed attribution state. The first call in a window
// is attributed to the user and every later call to the agent.
type Window struct {
	Key            string
	ConversationID string
	CallCount      int
	MaxCalls       int
	EverUsed       bool
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

func (w *Window) exhausted() bool { return w.CallCount >= w.MaxCalls }

func (w *Window) expired(now time.Time) bool { return !now.Before(w.ExpiresAt) }

// Attribution is the outcome of committing one call against a window.
type Attribution struct {
	Initiator      types.Initiator
	ConversationID string
}

// WindowStats is the admin view of a window.
type WindowStats struct {
	ModelID        string    `json:"modelId"`
	ConversationID string    `json:"conversationId"`
	CallCount      int       `json:"callCount"`
	MaxCalls       int       `json:"maxCalls"`
	RemainingCalls int       `json:"remainingCalls"`
	HasBeenUsed    bool      `json:"hasBeenUsed"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	IsExpired      bool      `json:"isExpired"`
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// WindowTracker implements the model-keyed escalating policy. Calls for the
// same key are serialized by a per-key mutex; different keys never contend.
type WindowTracker struct {
	limits *Limits
	opts   options

	mu      sync.Mutex // guards windows, locks and all Window fields
	windows map[string]*Window
	locks   map[string]*keyLock
}

func NewWindowTracker(limits *Limits, opts ...Option) *WindowTracker {
	return &WindowTracker{
		limits:  limits,
		opts:    buildOptions(opts),
		windows: make(map[string]*Window),
		locks:   make(map[string]*keyLock),
	}
}

// lockKey blocks until the caller owns key and returns the release func.
func (t *WindowTracker) lockKey(key string) func() {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &keyLock{}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}

// Peek reports the attribution the next call for key would receive without
// changing any state.
func (t *WindowTracker) Peek(key string) types.Initiator {
	now := t.opts.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[key]
	if !ok || w.exhausted() || w.expired(now) || !w.EverUsed {
		return types.InitiatorUser
	}
	return types.InitiatorAgent
}

// Attribute atomically checks the window for key, replaces it when it is
// exhausted or expired, and counts this call against it.
func (t *WindowTracker) Attribute(key string) Attribution {
	release := t.lockKey(key)
	defer release()

	now := t.opts.now()

	t.mu.Lock()
	w, ok := t.windows[key]
	var exhausted, expired bool
	if ok {
		exhausted = w.exhausted()
		expired = w.expired(now)
	}
	t.mu.Unlock()

	if !ok || exhausted || expired {
		if ok {
			t.opts.logger.Info("initiator window reset",
				"key", key,
				"exhausted", exhausted,
				"expired", expired,
			)
		}
		w = t.newWindow(key, now)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows[key] = w
	initiator := types.InitiatorAgent
	if !w.EverUsed {
		initiator = types.InitiatorUser
	}
	w.EverUsed = true
	w.CallCount++
	return Attribution{Initiator: initiator, ConversationID: w.ConversationID}
}

func (t *WindowTracker) newWindow(key string, now time.Time) *Window {
	maxCalls := draw(t.opts.rng, t.limits.Get())
	lifetime := minWindowLifetime + time.Duration(t.opts.rng.Float64()*float64(windowJitter))
	w := &Window{
		Key:            key,
		ConversationID: t.opts.newID(),
		MaxCalls:       maxCalls,
		CreatedAt:      now,
		ExpiresAt:      now.Add(lifetime),
	}
	t.opts.logger.Debug("initiator window created",
		"key", key,
		"max_calls", maxCalls,
		"expires_in", lifetime.Round(time.Minute).String(),
	)
	return w
}

// Stats drops exhausted and expired windows and reports the rest, sorted by key.
func (t *WindowTracker) Stats() []WindowStats {
	now := t.opts.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := make([]WindowStats, 0, len(t.windows))
	for key, w := range t.windows {
		if w.exhausted() || w.expired(now) {
			delete(t.windows, key)
			continue
		}
		stats = append(stats, WindowStats{
			ModelID:        key,
			ConversationID: w.ConversationID,
			CallCount:      w.CallCount,
			MaxCalls:       w.MaxCalls,
			RemainingCalls: max(0, w.MaxCalls-w.CallCount),
			HasBeenUsed:    w.EverUsed,
			CreatedAt:      w.CreatedAt,
			ExpiresAt:      w.ExpiresAt,
			IsExpired:      w.expired(now),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ModelID < stats[j].ModelID })
	return stats
}

// Reset forgets every window.
func (t *WindowTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows = make(map[string]*Window)
}
