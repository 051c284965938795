package defense

import (
	"context"
	"fmt"

	"github.com/inercia/edgeguard/internal/config"
	"github.com/inercia/edgeguard/internal/store"
)

// RateLimitKey returns the counter key for a scope and client.
func RateLimitKey(scope, ip string) string {
	return fmt.Sprintf("%sratelimit:%s:%s", store.KeyPrefix, scope, ip)
}

// rateLimiter applies fixed-window limits resolved by longest path prefix.
type rateLimiter struct {
	cfg   config.RateLimitConfig
	store store.CounterStore
}

func (*rateLimiter) name() string { return "rate_limit" }

func (l *rateLimiter) check(ctx context.Context, req *Request) (Reason, error) {
	scope, rule := l.cfg.Resolve(req.Path)
	count, err := l.store.Increment(ctx, RateLimitKey(scope, req.IP), rule.Duration())
	if err != nil {
		return nil, err
	}
	if count > rule.Max {
		return RateLimitReason{
			Prefix:   scope,
			WindowMs: rule.WindowMs,
			Max:      rule.Max,
			Count:    count,
		}, nil
	}
	return nil, nil
}
