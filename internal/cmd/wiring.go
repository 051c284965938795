package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/inercia/edgeguard/internal/appdir"
	"github.com/inercia/edgeguard/internal/config"
	"github.com/inercia/edgeguard/internal/logging"
	"github.com/inercia/edgeguard/internal/store"
)

// openStore opens the configured backend wrapped in the timeout and circuit
// breaker guard. A Redis store that cannot be reached at startup is an error;
// once running, outages fail open.
func openStore(ctx context.Context, c *config.Config) (*store.Guarded, error) {
	logger := logging.Store()

	var inner store.Store
	switch c.Store.Driver {
	case config.DriverRedis:
		r, err := store.NewRedis(ctx, store.RedisConfig{
			URL:         c.Store.URL,
			Token:       c.Store.Token,
			DialTimeout: 2 * time.Second,
		}, logger)
		if err != nil {
			return nil, err
		}
		inner = r
	default:
		path := snapshotPath(c)
		inner = store.NewMemory(path, logger)
		logger.Info("memory_store_ready", "snapshot", path)
	}

	return store.Guard(inner, store.GuardConfig{
		Timeout:  c.Store.Timeout(),
		Failures: c.Store.Breaker.Failures,
		Cooldown: time.Duration(c.Store.Breaker.CooldownMs) * time.Millisecond,
	}, logger), nil
}

// openEventStore opens the store for reading events. The memory driver loads
// its snapshot read-only so the file written by a running server is left
// alone.
func openEventStore(ctx context.Context, c *config.Config) (store.Store, error) {
	if c.Store.Driver == config.DriverRedis {
		st, err := openStore(ctx, c)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return store.OpenMemorySnapshot(snapshotPath(c), logging.Store()), nil
}

func snapshotPath(c *config.Config) string {
	if c.Store.PersistPath != "" {
		return c.Store.PersistPath
	}
	if p, err := appdir.SnapshotPath(); err == nil {
		return p
	}
	return ""
}

// closeStore closes s and logs any error.
func closeStore(s store.Store, logger *slog.Logger) {
	if err := s.Close(); err != nil {
		logger.Warn("store_close_failed", "error", err)
	}
}

func describeStore(c *config.Config) string {
	if c.Store.Driver == config.DriverRedis {
		return fmt.Sprintf("redis (timeout %s)", c.Store.Timeout())
	}
	return "memory"
}
