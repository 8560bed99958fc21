// Package shutdown coordinates orderly teardown: components register stop
// functions as they start, and on SIGTERM/SIGINT they run in reverse order
// under one shared deadline.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Manager collects stop functions and runs them LIFO on shutdown.
type Manager struct {
	mu      sync.Mutex
	steps   []func(context.Context) error
	timeout time.Duration
	done    chan struct{}
	once    sync.Once
}

// New creates a manager; timeout bounds the whole teardown sequence.
func New(timeout time.Duration) *Manager {
	return &Manager{
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Register adds a stop function. Registration order is start order;
// shutdown runs in the reverse.
func (m *Manager) Register(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, fn)
}

// Wait blocks until SIGTERM or SIGINT arrives.
func (m *Manager) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	fmt.Fprintf(os.Stderr, "received %v, shutting down\n", sig)

	m.once.Do(func() { close(m.done) })
}

// Done is closed once a shutdown signal has been seen.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Shutdown runs every registered stop function, newest first. Errors are
// reported but never abort the sequence; later resources still get their
// chance to stop.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i := len(m.steps) - 1; i >= 0; i-- {
		if err := m.steps[i](ctx); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown step %d: %v\n", i, err)
		}
	}
}

// StopHTTPServer wraps an http.Server drain as a stop function.
func StopHTTPServer(server interface{ Shutdown(context.Context) error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("stop %s server: %w", name, err)
		}
		return nil
	}
}

// CloseResource wraps an io.Closer as a stop function.
func CloseResource(closer interface{ Close() error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
		return nil
	}
}
