// Package shutdown coordinates graceful shutdown of the fleetcheck daemon.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State represents the current shutdown state.
type State string

const (
	// StateRunning indicates the daemon is running normally.
	StateRunning State = "running"
	// StateDraining indicates components are being stopped and no new work is accepted.
	StateDraining State = "draining"
	// StateFlushing indicates a last attempt to deliver the offline queue.
	StateFlushing State = "flushing"
	// StateComplete indicates shutdown is complete.
	StateComplete State = "complete"
)

// QueueFlusher gives queued submissions a last chance to reach the endpoint.
type QueueFlusher interface {
	// Pending returns the number of queued submissions.
	Pending(ctx context.Context) (int, error)
	// Flush resends queued submissions and returns how many are left.
	Flush(ctx context.Context) (remaining int, err error)
}

// Status represents the current shutdown status.
type Status struct {
	State         State         `json:"state"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	TimeRemaining time.Duration `json:"time_remaining,omitempty"`
	Pending       int           `json:"pending"`
	AcceptingWork bool          `json:"accepting_work"`
	Message       string        `json:"message,omitempty"`
}

// Config holds configuration for the shutdown manager.
type Config struct {
	// Timeout is the maximum time to wait for graceful shutdown.
	Timeout time.Duration

	// DrainTimeout bounds the stop hooks.
	DrainTimeout time.Duration

	// FlushQueue makes shutdown try one last queue flush.
	FlushQueue bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		DrainTimeout: 10 * time.Second,
		FlushQueue:   true,
	}
}

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// Manager coordinates graceful shutdown of the daemon.
type Manager struct {
	config    Config
	flusher   QueueFlusher
	logger    zerolog.Logger
	mu        sync.RWMutex
	state     State
	started   *time.Time
	hooks     []hook
	pending   atomic.Int32
	accepting atomic.Bool
	doneCh    chan struct{}
	once      sync.Once
}

// NewManager creates a new shutdown manager. flusher may be nil.
func NewManager(config Config, flusher QueueFlusher, logger zerolog.Logger) *Manager {
	m := &Manager{
		config:  config,
		flusher: flusher,
		logger:  logger.With().Str("component", "shutdown_manager").Logger(),
		state:   StateRunning,
		doneCh:  make(chan struct{}),
	}
	m.accepting.Store(true)
	return m
}

// OnShutdown registers a stop hook. Hooks run in reverse registration order,
// so components are stopped before the ones they depend on.
func (m *Manager) OnShutdown(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
	m.mu.Unlock()
}

// IsAcceptingWork returns true until shutdown starts.
func (m *Manager) IsAcceptingWork() bool {
	return m.accepting.Load()
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetStatus returns the current shutdown status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		State:         m.state,
		StartedAt:     m.started,
		Pending:       int(m.pending.Load()),
		AcceptingWork: m.accepting.Load(),
	}
	if m.started != nil {
		if remaining := m.config.Timeout - time.Since(*m.started); remaining > 0 {
			status.TimeRemaining = remaining
		}
	}

	switch m.state {
	case StateRunning:
		status.Message = "Running normally"
	case StateDraining:
		status.Message = "Stopping background work"
	case StateFlushing:
		status.Message = "Delivering queued submissions"
	case StateComplete:
		status.Message = "Shutdown complete"
	}
	return status
}

// Shutdown stops every registered component and blocks until done or the
// configured timeout. Only the first call does any work.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.once.Do(func() {
		err = m.doShutdown(ctx)
	})
	return err
}

func (m *Manager) doShutdown(parent context.Context) error {
	m.logger.Info().
		Dur("timeout", m.config.Timeout).
		Dur("drain_timeout", m.config.DrainTimeout).
		Bool("flush_queue", m.config.FlushQueue).
		Msg("initiating graceful shutdown")

	now := time.Now()
	m.mu.Lock()
	m.started = &now
	m.state = StateDraining
	hooks := append([]hook(nil), m.hooks...)
	m.mu.Unlock()
	m.accepting.Store(false)

	ctx, cancel := context.WithTimeout(parent, m.config.Timeout)
	defer cancel()
	defer m.complete(now)

	drainCtx, drainCancel := context.WithTimeout(ctx, m.config.DrainTimeout)
	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.fn(drainCtx); err != nil {
			m.logger.Warn().Err(err).Str("hook", h.name).Msg("stop hook failed")
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		m.logger.Debug().Str("hook", h.name).Msg("stopped")
	}
	drainCancel()

	if ctx.Err() != nil {
		m.logger.Warn().Msg("shutdown timed out while draining, skipping queue flush")
		return errors.Join(errs...)
	}

	if m.config.FlushQueue && m.flusher != nil {
		m.mu.Lock()
		m.state = StateFlushing
		m.mu.Unlock()
		if err := m.flushQueue(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("final queue flush incomplete")
		}
	}

	return errors.Join(errs...)
}

// flushQueue tries to deliver what is left in the offline queue. Whatever
// stays queued is kept for the next start.
func (m *Manager) flushQueue(ctx context.Context) error {
	pending, err := m.flusher.Pending(ctx)
	if err != nil {
		return fmt.Errorf("count queued submissions: %w", err)
	}
	m.pending.Store(int32(pending))
	if pending == 0 {
		m.logger.Debug().Msg("offline queue empty")
		return nil
	}

	m.logger.Info().Int("pending", pending).Msg("flushing offline queue before exit")
	remaining, err := m.flusher.Flush(ctx)
	m.pending.Store(int32(remaining))
	if err != nil {
		return err
	}
	m.logger.Info().Int("remaining", remaining).Msg("final queue flush done")
	return nil
}

func (m *Manager) complete(started time.Time) {
	m.mu.Lock()
	m.state = StateComplete
	m.mu.Unlock()
	close(m.doneCh)

	m.logger.Info().
		Dur("duration", time.Since(started)).
		Int("pending", int(m.pending.Load())).
		Msg("graceful shutdown complete")
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}

// WaitForShutdown blocks until shutdown is complete.
func (m *Manager) WaitForShutdown() {
	<-m.doneCh
}
