package initiator

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/af-corp/copilot-bridge/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedSource always draws the lowest value of a range and no jitter.
type fixedSource struct{ n int }

func (s fixedSource) IntN(n int) int {
	if s.n >= n {
		return n - 1
	}
	return s.n
}

func (fixedSource) Float64() float64 { return 0 }

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestWindow_EscalatesAfterFirstCall(t *testing.T) {
	const m = 3
	tr := NewWindowTracker(NewLimits(m, m), WithSource(fixedSource{}), quiet())

	want := []types.Initiator{
		types.InitiatorUser, types.InitiatorAgent, types.InitiatorAgent,
		types.InitiatorUser, types.InitiatorAgent,
	}
	var convs []string
	for i, w := range want {
		a := tr.Attribute("gpt-4o")
		assert.Equal(t, w, a.Initiator, "call %d", i+1)
		convs = append(convs, a.ConversationID)
	}
	assert.Equal(t, convs[0], convs[2])
	assert.NotEqual(t, convs[2], convs[3], "window should be replaced after %d calls", m)
}

func TestWindow_KeysAreIndependent(t *testing.T) {
	tr := NewWindowTracker(NewLimits(10, 10), WithSource(fixedSource{}), quiet())

	got := []types.Initiator{
		tr.Attribute("A").Initiator,
		tr.Attribute("B").Initiator,
		tr.Attribute("A").Initiator,
		tr.Attribute("B").Initiator,
	}
	assert.Equal(t, []types.Initiator{
		types.InitiatorUser, types.InitiatorUser, types.InitiatorAgent, types.InitiatorAgent,
	}, got)
}

func TestWindow_ZeroBoundsAlwaysUser(t *testing.T) {
	tr := NewWindowTracker(NewLimits(0, 0), quiet())
	for i := 0; i < 3; i++ {
		assert.Equal(t, types.InitiatorUser, tr.Attribute("m").Initiator)
	}
}

func TestWindow_ExpiryStartsNewWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tr := NewWindowTracker(NewLimits(100, 100), WithSource(fixedSource{}), WithClock(clock), quiet())

	require.Equal(t, types.InitiatorUser, tr.Attribute("m").Initiator)
	require.Equal(t, types.InitiatorAgent, tr.Attribute("m").Initiator)

	now = now.Add(20 * time.Hour)
	assert.Equal(t, types.InitiatorUser, tr.Peek("m"))
	assert.Equal(t, types.InitiatorUser, tr.Attribute("m").Initiator)
}

func TestWindow_PeekDoesNotMutate(t *testing.T) {
	tr := NewWindowTracker(NewLimits(5, 5), WithSource(fixedSource{}), quiet())
	assert.Equal(t, types.InitiatorUser, tr.Peek("m"))
	assert.Equal(t, types.InitiatorUser, tr.Peek("m"))
	assert.Empty(t, tr.Stats())

	tr.Attribute("m")
	assert.Equal(t, types.InitiatorAgent, tr.Peek("m"))
}

func TestWindow_ConcurrentSameKeyHasSingleUser(t *testing.T) {
	tr := NewWindowTracker(NewLimits(100, 100), WithSource(fixedSource{}), quiet())

	var wg sync.WaitGroup
	results := make(chan types.Initiator, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- tr.Attribute("shared").Initiator
		}()
	}
	wg.Wait()
	close(results)

	users := 0
	for r := range results {
		if r.IsUser() {
			users++
		}
	}
	assert.Equal(t, 1, users)

	stats := tr.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 50, stats[0].CallCount)
	assert.Equal(t, 50, stats[0].RemainingCalls)
}

func TestWindow_StatsDropsExhausted(t *testing.T) {
	tr := NewWindowTracker(NewLimits(1, 1), WithSource(fixedSource{}), quiet())
	tr.Attribute("a")
	tr.Attribute("b")
	assert.Empty(t, tr.Stats())
}

func TestSession_BudgetAfterUserTurn(t *testing.T) {
	tr := NewSessionTracker(NewLimits(2, 2), WithSource(fixedSource{}))

	got := []types.Initiator{
		tr.Attribute("s", true),
		tr.Attribute("s", false),
		tr.Attribute("s", false),
		tr.Attribute("s", false),
	}
	assert.Equal(t, []types.Initiator{
		types.InitiatorUser, types.InitiatorAgent, types.InitiatorAgent, types.InitiatorAgent,
	}, got)
	assert.Equal(t, 0, tr.Remaining("s"))
}

func TestSession_BudgetOverridesUserRole(t *testing.T) {
	tr := NewSessionTracker(NewLimits(2, 2), WithSource(fixedSource{}))
	require.Equal(t, types.InitiatorUser, tr.Attribute("s", true))
	assert.Equal(t, types.InitiatorAgent, tr.Attribute("s", true))
	assert.Equal(t, 1, tr.Remaining("s"))
}

func TestSession_NoBudgetNonUserIsAgent(t *testing.T) {
	tr := NewSessionTracker(NewLimits(2, 2))
	assert.Equal(t, types.InitiatorAgent, tr.Attribute("fresh", false))
	assert.Equal(t, 0, tr.Remaining("fresh"))
}

func TestSession_PeekIsPure(t *testing.T) {
	tr := NewSessionTracker(NewLimits(3, 3), WithSource(fixedSource{}))
	d := tr.Peek("s", true)
	assert.Equal(t, types.InitiatorUser, d.Initiator)
	assert.Equal(t, 3, d.Remaining)
	assert.Equal(t, 0, tr.Remaining("s"))

	tr.Commit("s", d)
	assert.Equal(t, 3, tr.Remaining("s"))
}

func TestLimits_Override(t *testing.T) {
	l := NewLimits(70, 100)

	bad := 501
	assert.Equal(t, Bounds{Min: 70, Max: 100}, l.Override(&bad, nil))
	neg := -1
	assert.Equal(t, Bounds{Min: 70, Max: 100}, l.Override(nil, &neg))

	lo, hi := 10, 20
	assert.Equal(t, Bounds{Min: 10, Max: 20}, l.Override(&lo, &hi))

	only := 15
	assert.Equal(t, Bounds{Min: 10, Max: 15}, l.Override(nil, &only))
}

func TestBounds_Normalized(t *testing.T) {
	assert.Equal(t, Bounds{Min: 0, Max: 0}, Bounds{Min: -3, Max: -1}.Normalized())
	assert.Equal(t, Bounds{Min: 8, Max: 8}, Bounds{Min: 8, Max: 2}.Normalized())
}
