// Package shutdown coordinates graceful shutdown of the edge server.
package shutdown

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/inercia/edgeguard/internal/logging"
)

// Func is a function that performs cleanup during shutdown.
// It receives a reason string describing why shutdown was triggered.
type Func func(reason string)

type cleanup struct {
	name string
	fn   Func
}

// Manager runs registered cleanups exactly once, in the order they were
// added, when a signal arrives or Shutdown is called.
//
// It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	reason   string
	cleanups []cleanup
	stop     func()
}

// NewManager creates a new shutdown manager.
// It does not start signal handling until Start() is called.
func NewManager() *Manager {
	return &Manager{
		done: make(chan struct{}),
	}
}

// AddCleanup adds a named cleanup function.
func (m *Manager) AddCleanup(name string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanup{name: name, fn: fn})
}

// Start begins listening for SIGINT and SIGTERM. The first signal triggers
// Shutdown in the background.
func (m *Manager) Start() {
	logger := logging.Shutdown()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	quit := make(chan struct{})

	m.mu.Lock()
	m.stop = func() {
		signal.Stop(sigChan)
		close(quit)
	}
	m.mu.Unlock()

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("signal_received", "signal", sig.String())
			m.Shutdown("signal:" + sig.String())
		case <-quit:
		}
	}()
}

// Shutdown triggers graceful shutdown with the given reason.
// It is safe to call multiple times; only the first call runs the cleanups.
// Every call blocks until the cleanups are complete.
func (m *Manager) Shutdown(reason string) {
	m.once.Do(func() {
		m.run(reason)
	})
	<-m.done
}

func (m *Manager) run(reason string) {
	logger := logging.Shutdown()
	logger.Info("shutdown_started", "reason", reason)
	start := time.Now()

	m.mu.Lock()
	m.reason = reason
	cleanups := make([]cleanup, len(m.cleanups))
	copy(cleanups, m.cleanups)
	stop := m.stop
	m.mu.Unlock()

	if stop != nil {
		stop()
	}

	for _, c := range cleanups {
		t := time.Now()
		c.fn(reason)
		logger.Debug("cleanup_done", "name", c.name, "took", time.Since(t))
	}

	logger.Info("shutdown_complete", "reason", reason, "took", time.Since(start))
	close(m.done)
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Reason returns the reason for shutdown, or empty string if not yet shut down.
func (m *Manager) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}
