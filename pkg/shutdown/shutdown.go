package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/schedopt/pkg/logging"
)

// Hook is one named shutdown step
type Hook struct {
	Name string
	Fn   func(context.Context) error
}

// Manager runs registered hooks in reverse registration order when the
// process is asked to stop.
type Manager struct {
	mu      sync.Mutex
	hooks   []Hook
	timeout time.Duration
	logger  *logging.Logger
	once    sync.Once
	done    chan struct{}
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	return &Manager{
		timeout: timeout,
		logger:  logger.WithField("component", "shutdown"),
		done:    make(chan struct{}),
	}
}

// Register adds a shutdown hook. Hooks run LIFO.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Fn: fn})
}

// Done is closed once shutdown starts
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Shutdown runs every hook once, bounded by the manager timeout.
// Errors are logged and the first one is returned.
func (m *Manager) Shutdown() error {
	var firstErr error
	m.once.Do(func() {
		close(m.done)

		m.mu.Lock()
		hooks := append([]Hook(nil), m.hooks...)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			start := time.Now()
			if err := h.Fn(ctx); err != nil {
				m.logger.Error("Shutdown hook failed", logging.Fields{"hook": h.Name, "error": err})
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", h.Name, err)
				}
				continue
			}
			m.logger.Info("Shutdown hook done", logging.Fields{"hook": h.Name, "took": time.Since(start).String()})
		}
		m.logger.Info("Graceful shutdown complete")
	})
	return firstErr
}

// WaitWithContext blocks until SIGINT/SIGTERM or ctx is done, then runs Shutdown
func (m *Manager) WaitWithContext(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info("Received signal, shutting down", logging.Fields{"signal": sig.String()})
	case <-ctx.Done():
		m.logger.Info("Context done, shutting down")
	}
	return m.Shutdown()
}

// StopHTTPServer adapts http.Server.Shutdown
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// CloseResource adapts an io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return closer.Close()
	}
}
