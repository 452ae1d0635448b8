package shutdown

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Manager handles graceful shutdown
type Manager struct {
	shutdownFuncs []namedFunc
	mu            sync.Mutex
	timeout       time.Duration
	doneChan      chan struct{}
	once          sync.Once
}

type namedFunc struct {
	name string
	fn   func(context.Context) error
}

// New creates a new shutdown manager
func New(timeout time.Duration) *Manager {
	return &Manager{
		timeout:  timeout,
		doneChan: make(chan struct{}),
	}
}

// Register adds a shutdown function.
// Functions are called in reverse order (LIFO).
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownFuncs = append(m.shutdownFuncs, namedFunc{name: name, fn: fn})
}

// Trigger starts shutdown without a signal
func (m *Manager) Trigger() {
	m.once.Do(func() {
		close(m.doneChan)
	})
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Shutdown executes all registered shutdown functions and returns the
// errors they reported
func (m *Manager) Shutdown() []error {
	m.Trigger()

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(m.shutdownFuncs) - 1; i >= 0; i-- {
		f := m.shutdownFuncs[i]
		if err := f.fn(ctx); err != nil {
			log.Printf("[Shutdown] %s: %v", f.name, err)
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
		}
	}
	m.shutdownFuncs = nil

	log.Println("[Shutdown] Graceful shutdown complete")
	return errs
}

// WaitWithContext blocks until SIGTERM/SIGINT, Trigger or ctx cancellation,
// then runs the shutdown functions
func (m *Manager) WaitWithContext(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Printf("[Shutdown] Received signal: %v, initiating graceful shutdown", sig)
	case <-m.doneChan:
		log.Println("[Shutdown] Shutdown requested")
	case <-ctx.Done():
		m.Shutdown()
		return ctx.Err()
	}
	m.Shutdown()
	return nil
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop HTTP server: %w", err)
		}
		return nil
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}
