// Package queue holds inspection submissions that could not be delivered and
// resends them, oldest first, once the endpoint is reachable again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/config"
	"github.com/MacJediWizard/fleetcheck/internal/metrics"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Sender delivers submission payloads to the endpoint.
type Sender interface {
	// Submit posts one payload. Any error leaves the payload queued.
	Submit(ctx context.Context, payload json.RawMessage) error
	// Ping checks that the endpoint is reachable.
	Ping(ctx context.Context) error
}

// FlushResult reports the outcome of one flush.
type FlushResult struct {
	Sent      int   `json:"sent"`
	Remaining int   `json:"remaining"`
	Err       error `json:"-"`
}

// Status represents the current state of the submission queue.
type Status struct {
	Pending         int        `json:"pending"`
	OldestQueuedAt  *time.Time `json:"oldest_queued_at,omitempty"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
	LastSuccessSync *time.Time `json:"last_success_sync,omitempty"`
	ServerReachable bool       `json:"server_reachable"`
}

// FlushHook runs after a flush that delivered at least one entry.
type FlushHook func(ctx context.Context, result FlushResult)

// Queue manages offline submission queuing and resending.
type Queue struct {
	store   store.SubmissionQueue
	sender  Sender
	config  config.QueueConfig
	logger  zerolog.Logger
	metrics *metrics.PrometheusMetrics

	// flushMu serializes flushes so an entry is never sent twice concurrently.
	flushMu sync.Mutex

	mu              sync.RWMutex
	serverReachable bool
	lastHealthCheck time.Time
	lastSyncAttempt time.Time
	lastSuccessSync time.Time
	hooks           []FlushHook

	// ctx bounds background flushes; Stop cancels it once the grace
	// period for an in-flight submission has passed.
	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewQueue creates a new submission queue manager.
func NewQueue(s store.SubmissionQueue, sender Sender, cfg config.QueueConfig, logger zerolog.Logger) *Queue {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Minute
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:  s,
		sender: sender,
		config: cfg,
		logger: logger.With().Str("component", "submission_queue").Logger(),
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
	}
}

// SetMetrics attaches Prometheus collectors.
func (q *Queue) SetMetrics(m *metrics.PrometheusMetrics) {
	q.metrics = m
}

// OnFlushed registers a hook that runs after every flush that sent something.
func (q *Queue) OnFlushed(hook FlushHook) {
	q.mu.Lock()
	q.hooks = append(q.hooks, hook)
	q.mu.Unlock()
}

// Start begins connectivity monitoring and periodic resending.
func (q *Queue) Start(ctx context.Context) error {
	if !q.started.CompareAndSwap(false, true) {
		return errors.New("submission queue already started")
	}
	if err := q.checkServerHealth(ctx); err != nil {
		q.logger.Warn().Err(err).Msg("initial endpoint check failed, starting in offline mode")
	}

	q.wg.Add(2)
	go q.healthCheckLoop()
	go q.syncLoop()

	q.logger.Info().
		Dur("health_check_interval", q.config.HealthCheckInterval).
		Dur("sync_interval", q.config.SyncInterval).
		Msg("submission queue started")

	return nil
}

// Stop gracefully stops background processing. A background flush finishes
// the entry it is sending and stops; if that takes longer than the submit
// timeout its context is cancelled. It is safe to call more than once.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)

		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(q.config.SubmitTimeout + time.Second):
			q.logger.Warn().Msg("background flush did not finish in time, cancelling")
			q.cancel()
			<-done
		}
		q.cancel()
		q.logger.Info().Msg("submission queue stopped")
	})
}

// interrupted reports whether ch is closed. A nil channel never is.
func interrupted(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Enqueue appends a fully formed payload to the tail of the queue. Payloads
// are not deduplicated.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage) (*models.QueuedSubmission, error) {
	if !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}

	sub := &models.QueuedSubmission{
		ID:         uuid.New().String(),
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.store.AppendSubmission(ctx, sub); err != nil {
		return nil, fmt.Errorf("append queued submission: %w", err)
	}

	q.logger.Info().Str("entry_id", sub.ID).Msg("submission queued for later delivery")
	q.recordDepth(ctx)
	return sub, nil
}

// List returns every queued submission, oldest first.
func (q *Queue) List(ctx context.Context) ([]*models.QueuedSubmission, error) {
	subs, err := q.store.ListSubmissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queued submissions: %w", err)
	}
	return subs, nil
}

// Count returns the number of queued submissions.
func (q *Queue) Count(ctx context.Context) (int, error) {
	n, err := q.store.CountSubmissions(ctx)
	if err != nil {
		return 0, fmt.Errorf("count queued submissions: %w", err)
	}
	return n, nil
}

// IsServerReachable returns true if the last check reached the endpoint.
func (q *Queue) IsServerReachable() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.serverReachable
}

// Online reports whether the endpoint is reachable, checking it first when
// no health check has run yet.
func (q *Queue) Online(ctx context.Context) bool {
	q.mu.RLock()
	checked := !q.lastHealthCheck.IsZero()
	reachable := q.serverReachable
	q.mu.RUnlock()

	if checked {
		return reachable
	}
	return q.checkServerHealth(ctx) == nil
}

// Status returns the current queue status.
func (q *Queue) Status(ctx context.Context) (*Status, error) {
	subs, err := q.List(ctx)
	if err != nil {
		return nil, err
	}

	status := &Status{Pending: len(subs)}
	if len(subs) > 0 {
		oldest := subs[0].EnqueuedAt
		status.OldestQueuedAt = &oldest
	}

	q.mu.RLock()
	status.ServerReachable = q.serverReachable
	if !q.lastSyncAttempt.IsZero() {
		t := q.lastSyncAttempt
		status.LastSyncAttempt = &t
	}
	if !q.lastSuccessSync.IsZero() {
		t := q.lastSuccessSync
		status.LastSuccessSync = &t
	}
	q.mu.RUnlock()

	return status, nil
}

// Flush resends queued submissions in FIFO order. Each entry is removed only
// after the endpoint accepts it, and the flush stops at the first failure so
// later entries are never sent ahead of an earlier one.
func (q *Queue) Flush(ctx context.Context) FlushResult {
	return q.flush(ctx, nil)
}

// flush sends entries until the queue is empty, an entry fails or interrupt
// is closed. interrupt is checked between entries only, so a submission that
// is on the wire is always followed by its removal.
func (q *Queue) flush(ctx context.Context, interrupt <-chan struct{}) FlushResult {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	q.lastSyncAttempt = time.Now()
	q.mu.Unlock()

	subs, err := q.store.ListSubmissions(ctx)
	if err != nil {
		return FlushResult{Err: fmt.Errorf("list queued submissions: %w", err)}
	}
	if len(subs) == 0 {
		return FlushResult{}
	}

	q.logger.Info().Int("entry_count", len(subs)).Msg("flushing queued submissions")

	var result FlushResult
	for _, sub := range subs {
		if interrupted(interrupt) {
			q.logger.Info().Str("entry_id", sub.ID).Msg("queue stopping, flush interrupted")
			break
		}
		if err := q.sender.Submit(ctx, sub.Payload); err != nil {
			result.Err = fmt.Errorf("resend %s: %w", sub.ID, err)
			q.logger.Warn().Err(err).Str("entry_id", sub.ID).Msg("queued submission not delivered, stopping flush")
			break
		}
		if err := q.store.RemoveSubmission(ctx, sub.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			// The entry was delivered but is still stored; stop before it is sent again.
			result.Sent++
			result.Err = fmt.Errorf("remove delivered submission %s: %w", sub.ID, err)
			q.logger.Error().Err(err).Str("entry_id", sub.ID).Msg("failed to remove delivered submission")
			break
		}
		result.Sent++
	}

	if remaining, err := q.store.CountSubmissions(ctx); err == nil {
		result.Remaining = remaining
	} else {
		result.Remaining = len(subs) - result.Sent
	}

	q.finishFlush(ctx, result)
	return result
}

func (q *Queue) finishFlush(ctx context.Context, result FlushResult) {
	outcome := metrics.OutcomeSuccess
	if result.Err != nil {
		outcome = metrics.OutcomeFailed
	}
	q.metrics.RecordFlush(outcome, result.Sent)
	q.metrics.SetQueueDepth(result.Remaining)

	if result.Sent == 0 {
		return
	}

	q.mu.Lock()
	q.serverReachable = true
	q.lastSuccessSync = time.Now()
	hooks := append([]FlushHook(nil), q.hooks...)
	q.mu.Unlock()

	q.logger.Info().
		Int("sent", result.Sent).
		Int("remaining", result.Remaining).
		Msg("queued submissions delivered")

	for _, hook := range hooks {
		hook(ctx, result)
	}
}

// checkServerHealth pings the endpoint and flushes on an offline to online transition.
func (q *Queue) checkServerHealth(ctx context.Context) error {
	err := q.sender.Ping(ctx)

	q.mu.Lock()
	wasReachable := q.serverReachable
	q.serverReachable = err == nil
	q.lastHealthCheck = time.Now()
	q.mu.Unlock()

	q.metrics.SetServerReachable(err == nil)

	if err != nil {
		q.logger.Debug().Err(err).Msg("endpoint check failed")
		return err
	}

	if !wasReachable {
		q.handleReconnection(ctx)
	}
	return nil
}

// handleReconnection flushes the queue after the endpoint comes back.
func (q *Queue) handleReconnection(ctx context.Context) {
	count, err := q.store.CountSubmissions(ctx)
	if err != nil {
		q.logger.Warn().Err(err).Msg("failed to get queue count on reconnection")
		return
	}
	if count == 0 {
		return
	}
	// Without the background loops nothing would wait for the flush; callers
	// of an unstarted queue flush explicitly.
	if !q.started.Load() || interrupted(q.stopCh) {
		q.logger.Debug().Int("queued_count", count).Msg("endpoint reachable, queue not running")
		return
	}

	q.logger.Info().Int("queued_count", count).Msg("endpoint reachable again, flushing queue")

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		syncCtx, cancel := context.WithTimeout(q.ctx, 5*time.Minute)
		defer cancel()
		if res := q.flush(syncCtx, q.stopCh); res.Err != nil {
			q.logger.Warn().Err(res.Err).Msg("flush after reconnection failed")
		}
	}()
}

func (q *Queue) recordDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	if n, err := q.store.CountSubmissions(ctx); err == nil {
		q.metrics.SetQueueDepth(n)
	}
}

// healthCheckLoop periodically checks endpoint reachability.
func (q *Queue) healthCheckLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(q.ctx, 10*time.Second)
			_ = q.checkServerHealth(ctx)
			cancel()
		}
	}
}

// syncLoop periodically flushes while the endpoint is reachable.
func (q *Queue) syncLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if !q.IsServerReachable() {
				continue
			}
			ctx, cancel := context.WithTimeout(q.ctx, 5*time.Minute)
			if res := q.flush(ctx, q.stopCh); res.Err != nil {
				q.logger.Debug().Err(res.Err).Msg("periodic flush failed")
			}
			cancel()
		}
	}
}

// Errors
var (
	// ErrInvalidPayload is returned when a payload is not valid JSON.
	ErrInvalidPayload = errors.New("queued payload is not valid JSON")
)
