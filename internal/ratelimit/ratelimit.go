// Package ratelimit answers admission queries against per-service
// fixed-window quotas. Windows are persisted so budgets survive restarts;
// rollover is lazy (checked on each call, no background timer).
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"botherd/internal/state"
	logx "botherd/pkg/logx"
)

// Budget declares one service quota.
type Budget struct {
	Limit  int
	Window time.Duration
}

// Config maps bot types to services and services to budgets.
type Config struct {
	// Services maps bot_type -> service. Unmapped bot types use their own
	// name as the service.
	Services map[string]string

	// Budgets maps service -> quota. Services without a budget are
	// unlimited.
	Budgets map[string]Budget
}

type Limiter struct {
	store *state.Store
	log   logx.Logger

	mu  sync.Mutex
	cfg Config
}

func New(store *state.Store, log logx.Logger, cfg Config) *Limiter {
	return &Limiter{store: store, log: log, cfg: cfg}
}

// Apply swaps the quota configuration on reload. Persisted windows keep
// their consumption; only limits and window lengths change.
func (l *Limiter) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

// ServiceFor resolves the external service a bot type consumes.
func (l *Limiter) ServiceFor(botType string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if svc, ok := l.cfg.Services[botType]; ok && svc != "" {
		return svc
	}
	return botType
}

// Admit consumes one unit of the service's window if available. It never
// blocks or queues; a false answer leaves the window untouched and callers
// decide their own backoff.
func (l *Limiter) Admit(ctx context.Context, service string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.cfg.Budgets[service]
	if !ok || b.Limit <= 0 || b.Window <= 0 {
		return true, nil
	}

	now := time.Now()
	cur, err := l.store.GetRateBudget(ctx, service)
	if errors.Is(err, state.ErrNotFound) {
		cur = &state.RateBudget{Service: service, WindowStart: now}
	} else if err != nil {
		return false, err
	}

	// Config is authoritative for limit and window length.
	cur.Limit = b.Limit
	cur.Window = b.Window

	if !now.Before(cur.WindowStart.Add(cur.Window)) {
		cur.WindowStart = now
		cur.Consumed = 0
	}

	if cur.Consumed >= cur.Limit {
		return false, nil
	}
	cur.Consumed++
	if err := l.store.PutRateBudget(ctx, *cur); err != nil {
		return false, err
	}
	return true, nil
}

// ServiceStatus is an operator-facing snapshot of one window.
type ServiceStatus struct {
	Service  string        `json:"service"`
	Consumed int           `json:"consumed"`
	Limit    int           `json:"limit"`
	ResetsIn time.Duration `json:"resets_in"`
}

// Status reports every configured budget, folding in persisted consumption.
func (l *Limiter) Status(ctx context.Context) ([]ServiceStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	out := make([]ServiceStatus, 0, len(l.cfg.Budgets))
	for service, b := range l.cfg.Budgets {
		st := ServiceStatus{Service: service, Limit: b.Limit}
		cur, err := l.store.GetRateBudget(ctx, service)
		if err == nil {
			end := cur.WindowStart.Add(b.Window)
			if now.Before(end) {
				st.Consumed = cur.Consumed
				st.ResetsIn = end.Sub(now)
			}
		} else if !errors.Is(err, state.ErrNotFound) {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
