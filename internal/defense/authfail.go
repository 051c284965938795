package defense

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/inercia/edgeguard/internal/config"
	"github.com/inercia/edgeguard/internal/store"
)

// AuthFailureKey returns the failure counter key.
func AuthFailureKey(prefix, ip string) string {
	return fmt.Sprintf("%sauthfail:%s:%s", store.KeyPrefix, prefix, ip)
}

// LockoutKey returns the lockout marker key.
func LockoutKey(prefix, ip string) string {
	return fmt.Sprintf("%sauthfail:lock:%s:%s", store.KeyPrefix, prefix, ip)
}

// AuthFailure describes one recorded authentication failure.
type AuthFailure struct {
	Prefix      string
	Count       int64
	MaxAttempts int64
	// Locked is set when this failure triggered a lockout.
	Locked  bool
	Lockout time.Duration
}

// lockoutTracker counts failures per (prefix, ip) and locks clients out.
// Only prefixes listed in the config are tracked.
type lockoutTracker struct {
	cfg    config.AuthFailureConfig
	store  store.CounterStore
	logger *slog.Logger
}

func (*lockoutTracker) name() string { return "auth_failure" }

// check denies clients with a live lockout. It never touches the failure
// counter, so repeated requests do not extend the lockout.
func (t *lockoutTracker) check(ctx context.Context, req *Request) (Reason, error) {
	prefix, rule, ok := t.cfg.Resolve(req.Path)
	if !ok {
		return nil, nil
	}
	locked, err := t.store.IsLockedOut(ctx, LockoutKey(prefix, req.IP))
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, nil
	}
	return AuthFailureReason{
		Prefix:      prefix,
		MaxAttempts: rule.MaxAttempts,
		Lockout:     rule.Lockout(),
	}, nil
}

// recordFailure counts a failure. Reaching MaxAttempts sets the lockout and
// clears the counter. Failures while already locked out are ignored. ok is
// false when path is not tracked or the failure was ignored.
func (t *lockoutTracker) recordFailure(ctx context.Context, path, ip string) (AuthFailure, bool, error) {
	prefix, rule, ok := t.cfg.Resolve(path)
	if !ok {
		return AuthFailure{}, false, nil
	}
	lockKey := LockoutKey(prefix, ip)

	locked, err := t.store.IsLockedOut(ctx, lockKey)
	if err != nil {
		return AuthFailure{}, false, err
	}
	if locked {
		return AuthFailure{}, false, nil
	}

	counterKey := AuthFailureKey(prefix, ip)
	count, err := t.store.Increment(ctx, counterKey, rule.Window())
	if err != nil {
		return AuthFailure{}, false, err
	}

	f := AuthFailure{
		Prefix:      prefix,
		Count:       count,
		MaxAttempts: rule.MaxAttempts,
		Lockout:     rule.Lockout(),
	}
	if count < rule.MaxAttempts {
		return f, true, nil
	}

	if err := t.store.SetLockout(ctx, lockKey, rule.Lockout()); err != nil {
		return f, true, err
	}
	f.Locked = true
	// The lockout supersedes the counter; a failed delete only means the
	// next failure after the lockout starts from a higher count.
	if err := t.store.Delete(ctx, counterKey); err != nil {
		t.logger.Debug("auth_failure_counter_reset_failed",
			"ip", ip,
			"prefix", prefix,
			"error", err,
		)
	}
	return f, true, nil
}

// recordSuccess clears the failure counter for a tracked path.
func (t *lockoutTracker) recordSuccess(ctx context.Context, path, ip string) error {
	prefix, _, ok := t.cfg.Resolve(path)
	if !ok {
		return nil
	}
	return t.store.Delete(ctx, AuthFailureKey(prefix, ip))
}
