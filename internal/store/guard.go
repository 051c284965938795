package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// GuardConfig configures Guard.
type GuardConfig struct {
	// Timeout bounds each counter operation on the decision path.
	Timeout time.Duration
	// EventTimeout bounds event log operations, which run in the background.
	EventTimeout time.Duration
	// Failures is the number of consecutive failures that opens the breaker.
	Failures uint32
	// Cooldown is how long the breaker stays open before probing again.
	Cooldown time.Duration
}

// Guarded wraps a Store so that no call outlives its deadline and a failing
// backend is short-circuited by a circuit breaker. Every failure is reported
// as ErrUnavailable; deciding to fail open is the caller's job.
type Guarded struct {
	inner   Store
	cfg     GuardConfig
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// Guard wraps inner with timeouts and a circuit breaker.
func Guard(inner Store, cfg GuardConfig, logger *slog.Logger) *Guarded {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 75 * time.Millisecond
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 2 * time.Second
	}
	if cfg.Failures == 0 {
		cfg.Failures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}

	g := &Guarded{inner: inner, cfg: cfg, logger: logger}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "counter-store",
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Failures
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up is not the backend's fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store_breaker_state_change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return g
}

// State returns the breaker state, for health reporting.
func (g *Guarded) State() gobreaker.State {
	return g.breaker.State()
}

// Inner returns the wrapped store.
func (g *Guarded) Inner() Store {
	return g.inner
}

func (g *Guarded) do(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	res, err := g.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(callCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return res, nil
}

func (g *Guarded) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	res, err := g.do(ctx, g.cfg.Timeout, "increment", func(ctx context.Context) (any, error) {
		return g.inner.Increment(ctx, key, window)
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (g *Guarded) Get(ctx context.Context, key string) (int64, error) {
	res, err := g.do(ctx, g.cfg.Timeout, "get", func(ctx context.Context) (any, error) {
		return g.inner.Get(ctx, key)
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (g *Guarded) SetLockout(ctx context.Context, key string, d time.Duration) error {
	_, err := g.do(ctx, g.cfg.Timeout, "set_lockout", func(ctx context.Context) (any, error) {
		return nil, g.inner.SetLockout(ctx, key, d)
	})
	return err
}

func (g *Guarded) IsLockedOut(ctx context.Context, key string) (bool, error) {
	res, err := g.do(ctx, g.cfg.Timeout, "is_locked_out", func(ctx context.Context) (any, error) {
		return g.inner.IsLockedOut(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (g *Guarded) Delete(ctx context.Context, key string) error {
	_, err := g.do(ctx, g.cfg.Timeout, "delete", func(ctx context.Context) (any, error) {
		return nil, g.inner.Delete(ctx, key)
	})
	return err
}

func (g *Guarded) AppendEvent(ctx context.Context, id string, data []byte, maxEvents int64, ttl time.Duration) error {
	_, err := g.do(ctx, g.cfg.EventTimeout, "append_event", func(ctx context.Context) (any, error) {
		return nil, g.inner.AppendEvent(ctx, id, data, maxEvents, ttl)
	})
	return err
}

func (g *Guarded) RecentEvents(ctx context.Context, limit int64) ([][]byte, error) {
	res, err := g.do(ctx, g.cfg.EventTimeout, "recent_events", func(ctx context.Context) (any, error) {
		return g.inner.RecentEvents(ctx, limit)
	})
	if err != nil {
		return nil, err
	}
	return res.([][]byte), nil
}

func (g *Guarded) IncrMetrics(ctx context.Context, deltas map[string]int64) error {
	_, err := g.do(ctx, g.cfg.EventTimeout, "incr_metrics", func(ctx context.Context) (any, error) {
		return nil, g.inner.IncrMetrics(ctx, deltas)
	})
	return err
}

func (g *Guarded) Metrics(ctx context.Context) (map[string]int64, error) {
	res, err := g.do(ctx, g.cfg.EventTimeout, "metrics", func(ctx context.Context) (any, error) {
		return g.inner.Metrics(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]int64), nil
}

func (g *Guarded) Ping(ctx context.Context) error {
	_, err := g.do(ctx, g.cfg.EventTimeout, "ping", func(ctx context.Context) (any, error) {
		return nil, g.inner.Ping(ctx)
	})
	return err
}

func (g *Guarded) Close() error {
	return g.inner.Close()
}
