// Package process handles process lifecycle and shutdown signals
package process

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/deckhand/deckhand/pkg/logger"
)

// ShutdownHandler runs once when the process is asked to stop. ctx bounds
// how long it may take.
type ShutdownHandler func(ctx context.Context)

// Manager runs shutdown handlers on SIGINT, SIGTERM or context cancellation
type Manager struct {
	logger           logger.Logger
	shutdownHandlers []ShutdownHandler
	shutdownTimeout  time.Duration
	heartbeatFunc    func()
	heartbeatEvery   time.Duration
	heartbeatStop    chan struct{}
	done             chan struct{}
	wg               sync.WaitGroup
	mu               sync.Mutex
	running          bool
	signals          []os.Signal
}

// NewManager creates a new process manager
func NewManager(log logger.Logger, shutdownTimeout time.Duration) *Manager {
	return &Manager{
		logger:          log,
		shutdownTimeout: shutdownTimeout,
		heartbeatEvery:  10 * time.Second,
		done:            make(chan struct{}),
		signals:         []os.Signal{os.Interrupt, syscall.SIGTERM},
	}
}

// RegisterShutdownHandler adds a shutdown handler. Handlers run in reverse
// registration order.
func (m *Manager) RegisterShutdownHandler(handler ShutdownHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHandlers = append(m.shutdownHandlers, handler)
}

// SetHeartbeat sets a function run every interval while the manager runs
func (m *Manager) SetHeartbeat(interval time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeatEvery = interval
	m.heartbeatFunc = fn
}

// Start listens for signals until ctx is done. The first of the two
// triggers the shutdown handlers.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	heartbeat := m.heartbeatFunc
	m.mu.Unlock()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, m.signals...)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer signal.Stop(sigChan)

		select {
		case <-ctx.Done():
			m.logger.Debug("Context done, shutting down")
		case sig := <-sigChan:
			m.logger.Info("Received signal", logger.WithField("signal", sig))
		}
		m.handleShutdown()
	}()

	if heartbeat != nil {
		m.startHeartbeat(ctx, heartbeat)
	}
}

// Done is closed once every shutdown handler has returned
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Stop stops the heartbeat and waits for a shutdown in progress
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// IsRunning checks if the process manager is running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) handleShutdown() {
	m.logger.Info("Initiating graceful shutdown...")

	m.mu.Lock()
	handlers := make([]ShutdownHandler, len(m.shutdownHandlers))
	copy(handlers, m.shutdownHandlers)
	m.running = false
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	for i := len(handlers) - 1; i >= 0; i-- {
		m.runHandler(ctx, handlers[i])
	}
	close(m.done)
}

func (m *Manager) runHandler(ctx context.Context, handler ShutdownHandler) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Shutdown handler panic recovered", logger.WithField("panic", r))
		}
	}()
	handler(ctx)
}

func (m *Manager) startHeartbeat(ctx context.Context, fn func()) {
	m.mu.Lock()
	stop := make(chan struct{})
	m.heartbeatStop = stop
	interval := m.heartbeatEvery
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}
