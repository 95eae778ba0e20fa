package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agyc/orchestrator/internal/config"
)

// Handle is the dispatcher's view of one account's session.
type Handle struct {
	AccountID      string
	Session        Session
	MaxConcurrency int
}

// Factory builds a Session for an account; production code uses
// NewSubprocess, tests substitute fakes.
type Factory func(config.AccountConfig) Session

// Manager owns every account's Session, starts them, and supervises their
// health on a timer, restarting any that fail a probe.
type Manager struct {
	factory Factory
	accts   []config.AccountConfig

	mu      sync.RWMutex
	handles map[string]Handle

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager constructs a Manager for the given accounts, using factory to
// build each account's Session.
func NewManager(accts []config.AccountConfig, factory Factory) *Manager {
	if factory == nil {
		factory = func(a config.AccountConfig) Session { return NewSubprocess(a) }
	}
	return &Manager{factory: factory, accts: accts, handles: make(map[string]Handle, len(accts))}
}

// Handles returns a snapshot of the current account_id -> Handle map.
func (m *Manager) Handles() map[string]Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Handle, len(m.handles))
	for k, v := range m.handles {
		out[k] = v
	}
	return out
}

// StartAll instantiates one Session per configured account, starts each in
// submission order, and launches the supervision loop.
func (m *Manager) StartAll(ctx context.Context, interval time.Duration) error {
	for _, a := range m.accts {
		sess := m.factory(a)
		if err := sess.Start(ctx); err != nil {
			return err
		}
		m.mu.Lock()
		m.handles[a.ID] = Handle{AccountID: a.ID, Session: sess, MaxConcurrency: a.MaxConcurrency}
		m.mu.Unlock()
	}

	if interval < time.Second {
		interval = time.Second
	}
	superCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.superviseLoop(superCtx, interval)
	return nil
}

// StopAll cancels supervision, then stops every session. Stop errors are
// logged and swallowed: stop must always proceed.
func (m *Manager) StopAll(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}

	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]Handle)
	m.mu.Unlock()

	for id, h := range handles {
		if err := h.Session.Stop(ctx); err != nil {
			slog.Warn("session stop failed", slog.String("account_id", id), slog.Any("error", err))
		}
	}
}

func (m *Manager) superviseLoop(ctx context.Context, interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

// probeOnce checks every account's health concurrently so one hanging probe
// can't block the others, restarting (stop then start) any unhealthy one.
func (m *Manager) probeOnce(ctx context.Context) {
	handles := m.Handles()
	ids := make([]string, 0, len(handles))
	for id := range handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	g, gctx := errgroup.WithContext(context.Background())
	for _, id := range ids {
		h := handles[id]
		g.Go(func() error {
			m.probeAndRestart(gctx, h)
			return nil
		})
	}
	_ = g.Wait()
	_ = ctx
}

func (m *Manager) probeAndRestart(ctx context.Context, h Handle) {
	healthy := func() (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				ok = false
			}
		}()
		return h.Session.IsHealthy(ctx)
	}()
	if healthy {
		return
	}
	slog.Warn("session unhealthy, restarting", slog.String("account_id", h.AccountID))
	if err := h.Session.Stop(ctx); err != nil {
		slog.Warn("session stop during restart failed", slog.String("account_id", h.AccountID), slog.Any("error", err))
	}
	if err := h.Session.Start(ctx); err != nil {
		slog.Error("session restart failed", slog.String("account_id", h.AccountID), slog.Any("error", err))
	}
}
