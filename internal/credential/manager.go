// Package credential acquires the identity credential and keeps a fresh
// bearer token for upstream calls.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/af-corp/copilot-bridge/internal/config"
	"github.com/af-corp/copilot-bridge/internal/initiator"
	"github.com/af-corp/copilot-bridge/internal/redact"
	"golang.org/x/sync/singleflight"
)

const (
	// expiryMargin is how close to expiry a cached token is still served.
	expiryMargin = 60 * time.Second
	// retryDelay is both the floor of the refresh delay and the re-arm delay after a failure.
	retryDelay     = 60 * time.Second
	refreshTimeout = 30 * time.Second
)

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler arms one-shot timers.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }

// Manager owns the identity credential, the cached bearer token and the
// refresh timer. At most one timer is pending at any time.
type Manager struct {
	issuer   *IssuerClient
	store    *FileStore
	device   *DeviceFlow
	exchange *ExchangeClient
	limits   *initiator.Limits
	logger   *slog.Logger

	sched     Scheduler
	now       func() time.Time
	showToken bool
	onRefresh func(result string)

	group singleflight.Group

	mu       sync.Mutex
	identity string
	bearer   *BearerToken
	timer    Timer
	stopped  bool
}

// Option customises a Manager.
type Option func(*Manager)

func WithScheduler(s Scheduler) Option { return func(m *Manager) { m.sched = s } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithShowToken(show bool) Option { return func(m *Manager) { m.showToken = show } }

// WithRefreshHook registers fn to be told "success" or "failure" after every exchange.
func WithRefreshHook(fn func(result string)) Option { return func(m *Manager) { m.onRefresh = fn } }

// WithDeviceFlow enables interactive login when no identity is persisted.
func WithDeviceFlow(f *DeviceFlow) Option { return func(m *Manager) { m.device = f } }

func NewManager(cfg config.CredentialConfig, exchange *ExchangeClient, limits *initiator.Limits, client *http.Client, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:    NewFileStore(cfg.TokenPath),
		exchange: exchange,
		limits:   limits,
		logger:   logger,
		sched:    realScheduler{},
		now:      time.Now,
	}
	if cfg.Issuer.Enabled() {
		m.issuer = NewIssuerClient(cfg.Issuer, client)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) secret(s string) string {
	if m.showToken {
		return s
	}
	return redact.Mask(s)
}

// acquireIdentity fetches from the issuer when configured, otherwise reads
// the persisted file and falls back to the device flow.
func (m *Manager) acquireIdentity(ctx context.Context) (string, error) {
	if m.issuer != nil {
		res, err := m.issuer.Fetch(ctx)
		if err != nil {
			return "", fmt.Errorf("fetch identity from issuer: %w", err)
		}
		if res.Min != nil || res.Max != nil {
			b := m.limits.Override(res.Min, res.Max)
			m.logger.Info("initiator bounds overridden by issuer", "min", b.Min, "max", b.Max)
		}
		m.logger.Info("identity credential loaded from issuer", "token", m.secret(res.Token))
		return res.Token, nil
	}

	identity, err := m.store.Read()
	if err != nil {
		return "", err
	}
	if identity != "" {
		m.logger.Info("identity credential loaded from file", "path", m.store.Path, "token", m.secret(identity))
		return identity, nil
	}

	if m.device == nil {
		return "", fmt.Errorf("%w at %s, run the login command first", ErrNoIdentity, m.store.Path)
	}
	m.logger.Info("not logged in, starting device authorization")
	identity, err = m.device.Login(ctx)
	if err != nil {
		return "", fmt.Errorf("device login: %w", err)
	}
	if err := m.store.Write(identity); err != nil {
		return "", err
	}
	return identity, nil
}

// Setup acquires the identity credential, performs the first exchange and
// arms the refresh timer.
func (m *Manager) Setup(ctx context.Context) error {
	identity, err := m.acquireIdentity(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.identity = identity
	m.mu.Unlock()

	if m.issuer == nil {
		if login, err := m.exchange.User(ctx, identity); err == nil {
			m.logger.Info("logged in", "user", login)
		} else {
			m.logger.Warn("could not resolve user", "error", err)
		}
	}

	if _, err := m.refresh(ctx); err != nil {
		return fmt.Errorf("initial token exchange: %w", err)
	}
	return nil
}

// Reload re-acquires the identity credential and re-runs the exchange.
// Calling it repeatedly leaves exactly one timer pending.
func (m *Manager) Reload(ctx context.Context) error {
	return m.Setup(ctx)
}

// Token returns a bearer token with more than a minute of validity left,
// exchanging synchronously when the cached one is missing or about to expire.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	cached := m.bearer
	m.mu.Unlock()

	if cached != nil && cached.ExpiresAt.Sub(m.now()) > expiryMargin {
		return cached.Token, nil
	}

	tok, err := m.refresh(ctx)
	if err != nil {
		m.logger.Error("on-demand token exchange failed", "error", err)
		if cached != nil && m.now().Before(cached.ExpiresAt) {
			return cached.Token, nil
		}
		return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	return tok.Token, nil
}

// refresh exchanges the identity credential once, sharing the call between
// concurrent callers, and re-arms the timer according to the outcome. The
// shared exchange is detached from ctx and bounded by refreshTimeout, so one
// caller giving up does not fail the others.
func (m *Manager) refresh(ctx context.Context) (*BearerToken, error) {
	ch := m.group.DoChan("exchange", func() (any, error) {
		m.mu.Lock()
		identity := m.identity
		m.mu.Unlock()
		if identity == "" {
			return nil, ErrNoIdentity
		}

		exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		tok, err := m.exchange.Exchange(exCtx, identity)
		if err != nil {
			m.report("failure")
			m.arm(retryDelay)
			return nil, err
		}

		m.mu.Lock()
		m.bearer = tok
		m.mu.Unlock()
		m.report("success")
		m.logger.Debug("bearer token refreshed",
			"expires_at", tok.ExpiresAt,
			"token", m.secret(tok.Token),
		)
		m.arm(max(tok.RefreshIn-expiryMargin, retryDelay))
		return tok, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*BearerToken), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) report(result string) {
	if m.onRefresh != nil {
		m.onRefresh(result)
	}
}

// arm schedules the next refresh and cancels the previous timer.
func (m *Manager) arm(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	next := m.sched.AfterFunc(d, m.fire)
	prev := m.timer
	m.timer = next
	if prev != nil {
		prev.Stop()
	}
}

func (m *Manager) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if _, err := m.refresh(ctx); err != nil {
		if errors.Is(err, ErrNoIdentity) {
			m.logger.Error("scheduled token refresh skipped", "error", err)
			return
		}
		m.logger.Error("scheduled token refresh failed, retrying", "error", err, "retry_in", retryDelay.String())
	}
}

// Stop cancels the pending refresh. The manager never re-arms afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Status is a snapshot for the admin surface.
type Status struct {
	HasIdentity bool      `json:"hasIdentity"`
	HasBearer   bool      `json:"hasBearer"`
	ExpiresAt   time.Time `json:"expiresAt,omitzero"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{HasIdentity: m.identity != ""}
	if m.bearer != nil {
		s.HasBearer = true
		s.ExpiresAt = m.bearer.ExpiresAt
	}
	return s
}
