package initiator

import "sync"

// MaxBound is the largest window bound accepted from an external issuer.
const MaxBound = 500

// Bounds is the inclusive range window sizes are drawn from.
type Bounds struct {
	Min int `json:"initiatorWindowMin"`
	Max int `json:"initiatorWindowMax"`
}

// Normalized floors both bounds at zero and Max at Min.
func (b Bounds) Normalized() Bounds {
	if b.Min < 0 {
		b.Min = 0
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	return b
}

// ValidBound reports whether v is acceptable as an issuer-supplied bound.
func ValidBound(v int) bool {
	return v >= 0 && v <= MaxBound
}

// Limits holds the live bounds shared by both attribution policies. The
// credential issuer and config reloads update it while requests read it.
type Limits struct {
	mu sync.RWMutex
	b  Bounds
}

func NewLimits(min, max int) *Limits {
	return &Limits{b: Bounds{Min: min, Max: max}}
}

func (l *Limits) Get() Bounds {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.b
}

func (l *Limits) Set(b Bounds) {
	l.mu.Lock()
	l.b = b
	l.mu.Unlock()
}

// Override replaces whichever bounds are present and valid, keeping the
// prior value for the rest, and returns the result.
func (l *Limits) Override(min, max *int) Bounds {
	l.mu.Lock()
	defer l.mu.Unlock()
	if min != nil && ValidBound(*min) {
		l.b.Min = *min
	}
	if max != nil && ValidBound(*max) {
		l.b.Max = *max
	}
	return l.b
}
