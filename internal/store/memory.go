package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/inercia/edgeguard/internal/fileutil"
)

// memoryCleanupInterval is how often go-cache evicts expired counters.
const memoryCleanupInterval = time.Minute

// Memory is a single-process Store backed by go-cache. It suits development,
// tests and single-instance deployments; counters are not shared across
// processes. When persistPath is set, live counters, events and metrics are
// snapshotted on Close and restored on open.
type Memory struct {
	mu          sync.Mutex
	counters    *cache.Cache
	events      []memoryEvent
	metrics     map[string]int64
	persistPath string
	readOnly    bool
	logger      *slog.Logger
}

type memoryEvent struct {
	ID        string    `json:"id"`
	Data      []byte    `json:"data"`
	ExpiresAt time.Time `json:"expires_at"`
}

type memoryCounter struct {
	Value     int64 `json:"value"`
	ExpiresAt int64 `json:"expires_at"` // unix nanoseconds, 0 = never
}

type memorySnapshot struct {
	Counters map[string]memoryCounter `json:"counters"`
	Events   []memoryEvent            `json:"events"`
	Metrics  map[string]int64         `json:"metrics"`
}

// NewMemory creates an in-memory store. persistPath may be empty.
func NewMemory(persistPath string, logger *slog.Logger) *Memory {
	m := &Memory{
		counters:    cache.New(cache.NoExpiration, memoryCleanupInterval),
		metrics:     make(map[string]int64),
		persistPath: persistPath,
		logger:      logger,
	}

	if persistPath != "" {
		if err := m.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("memory_snapshot_load_error",
				"path", persistPath,
				"error", err,
			)
		}
	}
	return m
}

// OpenMemorySnapshot loads the snapshot at path for inspection. Close never
// writes it back, so a running server keeps ownership of the file.
func OpenMemorySnapshot(path string, logger *slog.Logger) *Memory {
	m := NewMemory(path, logger)
	m.readOnly = true
	return m
}

func (m *Memory) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.counters.IncrementInt64(key, 1)
	if err != nil {
		// Missing or expired: this hit opens a new window.
		m.counters.Set(key, int64(1), window)
		return 1, nil
	}
	return n, nil
}

func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	v, ok := m.counters.Get(key)
	if !ok {
		return 0, nil
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("key %s does not hold a counter", key)
	}
	return n, nil
}

func (m *Memory) SetLockout(_ context.Context, key string, d time.Duration) error {
	m.counters.Set(key, time.Now().Add(d).UnixMilli(), d)
	return nil
}

func (m *Memory) IsLockedOut(_ context.Context, key string) (bool, error) {
	_, ok := m.counters.Get(key)
	return ok, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.counters.Delete(key)
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, id string, data []byte, maxEvents int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev := memoryEvent{ID: id, Data: append([]byte(nil), data...)}
	if ttl > 0 {
		ev.ExpiresAt = time.Now().Add(ttl)
	}
	// Newest first, like LPUSH.
	m.events = append([]memoryEvent{ev}, m.events...)
	if maxEvents > 0 && int64(len(m.events)) > maxEvents {
		m.events = m.events[:maxEvents]
	}
	return nil
}

func (m *Memory) RecentEvents(_ context.Context, limit int64) ([][]byte, error) {
	if limit <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := make([][]byte, 0, min(limit, int64(len(m.events))))
	for i := 0; i < len(m.events) && int64(i) < limit; i++ {
		ev := m.events[i]
		if !ev.ExpiresAt.IsZero() && now.After(ev.ExpiresAt) {
			continue
		}
		out = append(out, ev.Data)
	}
	return out, nil
}

// EventCount returns the length of the event list, expired payloads included.
func (m *Memory) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *Memory) IncrMetrics(_ context.Context, deltas map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for field, d := range deltas {
		m.metrics[field] += d
	}
	return nil
}

func (m *Memory) Metrics(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.metrics))
	for k, v := range m.metrics {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

// Close persists the snapshot if a path is configured and the store was not
// opened read-only.
func (m *Memory) Close() error {
	if m.persistPath == "" || m.readOnly {
		return nil
	}
	if err := m.save(); err != nil {
		return fmt.Errorf("failed to persist memory store: %w", err)
	}
	m.logger.Info("memory_snapshot_saved",
		"path", m.persistPath,
		"counters", m.counters.ItemCount(),
	)
	return nil
}

func (m *Memory) save() error {
	m.mu.Lock()
	snap := memorySnapshot{
		Counters: make(map[string]memoryCounter),
		Events:   append([]memoryEvent(nil), m.events...),
		Metrics:  make(map[string]int64, len(m.metrics)),
	}
	for k, v := range m.metrics {
		snap.Metrics[k] = v
	}
	m.mu.Unlock()

	for key, item := range m.counters.Items() {
		n, ok := item.Object.(int64)
		if !ok {
			continue
		}
		snap.Counters[key] = memoryCounter{Value: n, ExpiresAt: item.Expiration}
	}
	return fileutil.WriteJSONAtomic(m.persistPath, snap, 0o600)
}

func (m *Memory) load() error {
	var snap memorySnapshot
	if err := fileutil.ReadJSON(m.persistPath, &snap); err != nil {
		return err
	}

	now := time.Now()
	restored := 0
	for key, c := range snap.Counters {
		ttl := cache.NoExpiration
		if c.ExpiresAt > 0 {
			ttl = time.Unix(0, c.ExpiresAt).Sub(now)
			if ttl <= 0 {
				continue
			}
		}
		m.counters.Set(key, c.Value, ttl)
		restored++
	}

	m.mu.Lock()
	m.events = snap.Events
	for k, v := range snap.Metrics {
		m.metrics[k] = v
	}
	m.mu.Unlock()

	m.logger.Info("memory_snapshot_loaded",
		"path", m.persistPath,
		"counters", restored,
		"events", len(snap.Events),
	)
	return nil
}
