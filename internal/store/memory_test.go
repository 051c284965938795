package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMemory_IncrementWindow(t *testing.T) {
	m := NewMemory("", testLogger())
	ctx := context.Background()
	key := "security:ratelimit:general:1.2.3.4"

	for i := int64(1); i <= 3; i++ {
		n, err := m.Increment(ctx, key, 100*time.Millisecond)
		if err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
		if n != i {
			t.Errorf("Increment #%d = %d, want %d", i, n, i)
		}
	}

	time.Sleep(150 * time.Millisecond)

	n, err := m.Increment(ctx, key, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Increment after window expiry = %d, want 1", n)
	}
}

func TestMemory_IncrementConcurrent(t *testing.T) {
	m := NewMemory("", testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Increment(ctx, "k", time.Minute); err != nil {
				t.Errorf("Increment failed: %v", err)
			}
		}()
	}
	wg.Wait()

	n, _ := m.Get(ctx, "k")
	if n != 50 {
		t.Errorf("Get = %d, want 50", n)
	}
}

func TestMemory_GetMissing(t *testing.T) {
	m := NewMemory("", testLogger())
	n, err := m.Get(context.Background(), "missing")
	if err != nil || n != 0 {
		t.Errorf("Get(missing) = %d, %v; want 0, nil", n, err)
	}
}

func TestMemory_Lockout(t *testing.T) {
	m := NewMemory("", testLogger())
	ctx := context.Background()
	key := "security:authfail:lock:/api/auth:1.2.3.4"

	locked, _ := m.IsLockedOut(ctx, key)
	if locked {
		t.Fatal("expected no lockout before SetLockout")
	}

	if err := m.SetLockout(ctx, key, 80*time.Millisecond); err != nil {
		t.Fatalf("SetLockout failed: %v", err)
	}
	locked, _ = m.IsLockedOut(ctx, key)
	if !locked {
		t.Error("expected lockout after SetLockout")
	}

	time.Sleep(120 * time.Millisecond)
	locked, _ = m.IsLockedOut(ctx, key)
	if locked {
		t.Error("expected lockout to expire")
	}
}

func TestMemory_Delete(t *testing.T) {
	m := NewMemory("", testLogger())
	ctx := context.Background()

	m.Increment(ctx, "k", time.Minute)
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if n, _ := m.Get(ctx, "k"); n != 0 {
		t.Errorf("Get after Delete = %d, want 0", n)
	}
	// Deleting a missing key is not an error.
	if err := m.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete(missing) failed: %v", err)
	}
}

func TestMemory_EventsNewestFirstAndCapped(t *testing.T) {
	m := NewMemory("", testLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		data := []byte(fmt.Sprintf(`{"n":%d}`, i))
		if err := m.AppendEvent(ctx, fmt.Sprintf("id-%d", i), data, 3, time.Hour); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	if got := m.EventCount(); got != 3 {
		t.Errorf("EventCount = %d, want 3", got)
	}

	events, err := m.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("RecentEvents returned %d, want 3", len(events))
	}
	if string(events[0]) != `{"n":4}` || string(events[2]) != `{"n":2}` {
		t.Errorf("unexpected order: %s ... %s", events[0], events[2])
	}

	events, _ = m.RecentEvents(ctx, 1)
	if len(events) != 1 {
		t.Errorf("RecentEvents(1) returned %d", len(events))
	}
	events, _ = m.RecentEvents(ctx, 0)
	if events != nil {
		t.Errorf("RecentEvents(0) = %v, want nil", events)
	}
}

func TestMemory_ExpiredEventsSkipped(t *testing.T) {
	m := NewMemory("", testLogger())
	ctx := context.Background()

	m.AppendEvent(ctx, "old", []byte("old"), 10, 50*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	m.AppendEvent(ctx, "new", []byte("new"), 10, time.Hour)

	events, _ := m.RecentEvents(ctx, 10)
	if len(events) != 1 || string(events[0]) != "new" {
		t.Errorf("RecentEvents = %q, want [new]", events)
	}
}

func TestMemory_Metrics(t *testing.T) {
	m := NewMemory("", testLogger())
	ctx := context.Background()

	m.IncrMetrics(ctx, map[string]int64{"total": 1, "blocked": 1})
	m.IncrMetrics(ctx, map[string]int64{"total": 1})

	got, err := m.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if got["total"] != 2 || got["blocked"] != 1 {
		t.Errorf("Metrics = %v", got)
	}
}

func TestMemory_Snapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "counters.json")
	ctx := context.Background()

	m := NewMemory(path, testLogger())
	m.Increment(ctx, "live", time.Hour)
	m.Increment(ctx, "live", time.Hour)
	m.Increment(ctx, "short", 10*time.Millisecond)
	m.AppendEvent(ctx, "e1", []byte(`{"a":1}`), 10, time.Hour)
	m.IncrMetrics(ctx, map[string]int64{"total": 3})
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	restored := NewMemory(path, testLogger())
	if n, _ := restored.Get(ctx, "live"); n != 2 {
		t.Errorf("restored live = %d, want 2", n)
	}
	if n, _ := restored.Get(ctx, "short"); n != 0 {
		t.Errorf("restored short = %d, want 0 (expired)", n)
	}
	events, _ := restored.RecentEvents(ctx, 10)
	if len(events) != 1 || string(events[0]) != `{"a":1}` {
		t.Errorf("restored events = %q", events)
	}
	metrics, _ := restored.Metrics(ctx)
	if metrics["total"] != 3 {
		t.Errorf("restored metrics = %v", metrics)
	}
}

func TestMemory_SnapshotMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "none.json")
	m := NewMemory(path, testLogger())
	if n, _ := m.Get(context.Background(), "x"); n != 0 {
		t.Errorf("Get = %d, want 0", n)
	}
}

func TestMemory_SnapshotReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counters.json")
	ctx := context.Background()

	m := NewMemory(path, testLogger())
	m.AppendEvent(ctx, "e1", []byte(`{"a":1}`), 10, time.Hour)
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ro := OpenMemorySnapshot(path, testLogger())
	if events, _ := ro.RecentEvents(ctx, 10); len(events) != 1 {
		t.Fatalf("snapshot events = %q, want 1", events)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := ro.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("read-only Close wrote the snapshot back (stat err = %v)", err)
	}
}
