package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/af-corp/copilot-bridge/internal/config"
	"github.com/af-corp/copilot-bridge/internal/telemetry"
)

const gateKey = "admission"

// RejectedError is returned when the gate turns a request away.
type RejectedError struct {
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// Gate enforces a minimum interval between admitted requests. Depending on
// configuration a request arriving too early either waits out the remainder
// or is rejected.
type Gate struct {
	limiter *Limiter
	cfg     func() config.RateLimitConfig
	metrics *telemetry.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewGate(limiter *Limiter, cfg func() config.RateLimitConfig, metrics *telemetry.Metrics) *Gate {
	return &Gate{limiter: limiter, cfg: cfg, metrics: metrics, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Admit returns nil once the request may proceed. A disabled gate admits
// everything.
func (g *Gate) Admit(ctx context.Context) error {
	cfg := g.cfg()
	if cfg.Interval <= 0 {
		return nil
	}

	for {
		res, err := g.limiter.Check(ctx, gateKey, 1, cfg.Interval)
		if err != nil {
			return err
		}
		if res.Allowed {
			return nil
		}

		// Waits are whole seconds.
		wait := time.Duration(math.Ceil(res.RetryAfter.Seconds())) * time.Second
		if !cfg.Wait {
			g.record("rejected")
			return &RejectedError{RetryAfter: wait}
		}

		g.record("waited")
		slog.Warn("rate limit reached, waiting", "wait_seconds", wait.Seconds())
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (g *Gate) record(action string) {
	if g.metrics != nil {
		g.metrics.RecordRateLimitHit(action)
	}
}
