package initiator

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// Source is the randomness used to size windows. Tests inject a fixed one.
type Source interface {
	IntN(n int) int
	Float64() float64
}

type globalSource struct{}

func (globalSource) IntN(n int) int   { return rand.IntN(n) }
func (globalSource) Float64() float64 { return rand.Float64() }

// draw returns a uniform integer in the normalized [Min, Max] range.
func draw(src Source, b Bounds) int {
	b = b.Normalized()
	return b.Min + src.IntN(b.Max-b.Min+1)
}

type options struct {
	rng    Source
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option customises a tracker.
type Option func(*options)

func WithSource(src Source) Option {
	return func(o *options) { o.rng = src }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) options {
	o := options{
		rng:    globalSource{},
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
