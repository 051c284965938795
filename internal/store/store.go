// Package store provides the counter store shared by every edge instance:
// fixed-window counters, lockout markers and the security event log.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backing store cannot answer in time.
// Callers on the decision path treat it as "no signal" and fail open.
var ErrUnavailable = errors.New("counter store unavailable")

// Key layout shared by all drivers.
const (
	KeyPrefix     = "security:"
	EventsListKey = "security:events"
	EventKeyFmt   = "security:event:%s"
	MetricsKey    = "security:metrics"
)

// CounterStore holds TTL-bearing counters. Implementations must be safe for
// concurrent use, and Increment must be atomic across processes sharing the
// same backend.
type CounterStore interface {
	// Increment adds one to key and returns the new count. The first
	// increment of a window sets the key's TTL to window.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
	// Get returns the current count, or 0 if the key does not exist.
	Get(ctx context.Context, key string) (int64, error)
	// SetLockout marks key as locked for d.
	SetLockout(ctx context.Context, key string, d time.Duration) error
	// IsLockedOut reports whether key carries a live lockout.
	IsLockedOut(ctx context.Context, key string) (bool, error)
	// Delete removes key.
	Delete(ctx context.Context, key string) error
}

// EventStore holds the append-only security event log and aggregate counters.
type EventStore interface {
	// AppendEvent stores data under the event id with ttl, pushes the id on
	// the events list and trims the list to maxEvents.
	AppendEvent(ctx context.Context, id string, data []byte, maxEvents int64, ttl time.Duration) error
	// RecentEvents returns up to limit stored events, newest first. Ids whose
	// payload has expired are skipped.
	RecentEvents(ctx context.Context, limit int64) ([][]byte, error)
	// IncrMetrics adds each delta to the metrics hash.
	IncrMetrics(ctx context.Context, deltas map[string]int64) error
	// Metrics returns the metrics hash.
	Metrics(ctx context.Context) (map[string]int64, error)
}

// Store is the full store surface used by the engine and the sink.
type Store interface {
	CounterStore
	EventStore
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	Close() error
}
