package defense

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inercia/edgeguard/internal/background"
	"github.com/inercia/edgeguard/internal/config"
	"github.com/inercia/edgeguard/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelWarn})), buf
}

// countingStore records how many calls reach the backend.
type countingStore struct {
	*store.Memory
	calls atomic.Int64
}

func newCountingStore() *countingStore {
	return &countingStore{Memory: store.NewMemory("", testLogger())}
}

func (c *countingStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.calls.Add(1)
	return c.Memory.Increment(ctx, key, window)
}

func (c *countingStore) IsLockedOut(ctx context.Context, key string) (bool, error) {
	c.calls.Add(1)
	return c.Memory.IsLockedOut(ctx, key)
}

// failingStore fails every counter operation.
type failingStore struct {
	*store.Memory
}

var errStoreDown = errors.New("dial tcp: connection refused")

func newFailingStore() *failingStore {
	return &failingStore{Memory: store.NewMemory("", testLogger())}
}

func (failingStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}

func (failingStore) IsLockedOut(context.Context, string) (bool, error) {
	return false, errStoreDown
}

func (failingStore) SetLockout(context.Context, string, time.Duration) error {
	return errStoreDown
}

// undeletableStore works except that Delete always fails.
type undeletableStore struct {
	*store.Memory
}

func (undeletableStore) Delete(context.Context, string) error {
	return errStoreDown
}

// panickingDetector blows up on every call.
type panickingDetector struct{}

func (panickingDetector) name() string { return "panicky" }
func (panickingDetector) check(context.Context, *Request) (Reason, error) {
	panic("nil map write")
}

// recordingObserver collects everything the engine reports.
type recordingObserver struct {
	mu           sync.Mutex
	decisions    []Decision
	authFailures []AuthFailure
	errors       []string
}

func (o *recordingObserver) ObserveDecision(_ background.Scheduler, _ *Request, d Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisions = append(o.decisions, d)
}

func (o *recordingObserver) ObserveAuthFailure(_ background.Scheduler, _ *Request, f AuthFailure, _ config.Mode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.authFailures = append(o.authFailures, f)
}

func (o *recordingObserver) ObserveDetectorError(_ background.Scheduler, _ *Request, detector string, _ error, _ config.Mode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, detector)
}

func baseConfig(mode config.Mode) *config.Config {
	cfg := &config.Config{
		Mode: mode,
		RateLimit: config.RateLimitConfig{
			Default: config.Window{WindowMs: 60000, Max: 3},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func browserHeader() http.Header {
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
	h.Set("Accept", "text/html,application/xhtml+xml")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	return h
}

func newRequest(ip, path string) *Request {
	return &Request{
		Method:   http.MethodGet,
		Path:     path,
		Header:   browserHeader(),
		IP:       ip,
		Received: time.Now(),
	}
}

func mustEngine(t *testing.T, cfg *config.Config, s store.CounterStore, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	e, err := New(cfg, s, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}
