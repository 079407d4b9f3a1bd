// Package notifications merges inspection alerts, server notifications, support
// tickets, licence and sync warnings into one per-user list, tracks what the
// user read or dismissed, and pushes newly detected items.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/metrics"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/remote"
	"github.com/MacJediWizard/fleetcheck/internal/store"
	"github.com/MacJediWizard/fleetcheck/internal/subscription"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotLoggedIn is returned when no user is given.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrPermissionDenied is returned when a non-admin broadcasts.
	ErrPermissionDenied = errors.New("only administrators can broadcast")
	// ErrEmptyMessage is returned for a broadcast without text.
	ErrEmptyMessage = errors.New("broadcast message is empty")
)

const backgroundCallTimeout = 15 * time.Second

// Remote is the subset of the endpoint client used for notifications.
type Remote interface {
	Snapshot(ctx context.Context) (*remote.Snapshot, error)
	MarkNotificationRead(ctx context.Context, id string) error
	AcknowledgeIssue(ctx context.Context, issueID, user string, role models.Role) error
	Broadcast(ctx context.Context, message string, typ models.NotificationType, action models.Action) (string, error)
}

// QueueCounter reports how many submissions wait in the offline queue.
type QueueCounter interface {
	Count(ctx context.Context) (int, error)
}

// UnreadPublisher is implemented by pushers that also track unread counts.
type UnreadPublisher interface {
	PublishUnread(username string, count int)
}

// SnapshotHook observes every snapshot fetched for notifications.
type SnapshotHook func(ctx context.Context, snap *remote.Snapshot)

// Service reconciles notifications for logged-in users.
type Service struct {
	remote  Remote
	queue   QueueCounter
	kv      store.KV
	now     func() time.Time
	metrics *metrics.PrometheusMetrics
	logger  zerolog.Logger

	mu      sync.Mutex
	states  map[string]*userState
	pushers []Pusher
	hooks   []SnapshotHook

	wg sync.WaitGroup
}

// NewService creates a notification service.
func NewService(r Remote, q QueueCounter, kv store.KV, logger zerolog.Logger) *Service {
	return &Service{
		remote: r,
		queue:  q,
		kv:     kv,
		now:    time.Now,
		logger: logger.With().Str("component", "notification_service").Logger(),
		states: make(map[string]*userState),
	}
}

// SetMetrics attaches Prometheus collectors.
func (s *Service) SetMetrics(m *metrics.PrometheusMetrics) {
	s.metrics = m
}

// AddPusher registers a push channel.
func (s *Service) AddPusher(p Pusher) {
	s.mu.Lock()
	s.pushers = append(s.pushers, p)
	s.mu.Unlock()
}

// OnSnapshot registers a hook run after each successful snapshot fetch.
func (s *Service) OnSnapshot(fn SnapshotHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// state returns the overlay for user, loading it on first use. s.mu must be held.
func (s *Service) state(ctx context.Context, user *models.User) *userState {
	key := user.Key()
	st, ok := s.states[key]
	if !ok {
		st = loadUserState(ctx, s.kv, key, s.logger)
		s.states[key] = st
	}
	return st
}

// Fetch rebuilds the list for user from a fresh snapshot. The subscription
// carried by the snapshot takes precedence over sub. When the endpoint
// cannot be read the previous list is returned; malformed responses and an
// unconfigured endpoint are not errors.
func (s *Service) Fetch(ctx context.Context, user *models.User, sub subscription.State) ([]models.Notification, error) {
	if user == nil {
		return nil, ErrNotLoggedIn
	}

	var (
		snap    *remote.Snapshot
		pending int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap, err = s.remote.Snapshot(gctx)
		return err
	})
	if s.queue != nil {
		g.Go(func() error {
			n, err := s.queue.Count(gctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("failed to count queued submissions")
				return nil
			}
			pending = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, remote.ErrMalformedResponse) || errors.Is(err, remote.ErrNotConfigured) {
			s.logger.Debug().Err(err).Msg("notification poll skipped")
			return s.List(user), nil
		}
		return s.List(user), fmt.Errorf("fetch notifications: %w", err)
	}

	s.mu.Lock()
	hooks := append([]SnapshotHook(nil), s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx, snap)
	}

	now := s.now()
	if snap.Subscription != nil {
		sub = subscription.Evaluate(snap.Subscription, now)
	}

	system := systemAlerts(snap, user, s.logger)
	candidates := append([]models.Notification(nil), system...)
	candidates = append(candidates, ticketAlerts(snap, user, system)...)
	if n, ok := subscriptionAlert(sub, now); ok {
		candidates = append(candidates, n)
	}
	if n, ok := syncAlert(pending, now); ok {
		candidates = append(candidates, n)
	}
	candidates = append(candidates, inspectionAlerts(snap)...)

	s.mu.Lock()
	st := s.state(ctx, user)
	st.current = reconcile(candidates, st)
	push, shouldPush := pickPush(st.current, st.seen)
	out := append([]models.Notification(nil), st.current...)
	unread := st.unread()
	s.mu.Unlock()

	s.metrics.SetVisibleNotifications(len(out))
	s.logger.Debug().Int("visible", len(out)).Int("unread", unread).Msg("notifications reconciled")

	if shouldPush {
		s.push(user, push)
	}
	s.publishUnread(user, unread)
	return out, nil
}

// List returns the last reconciled list for user.
func (s *Service) List(user *models.User) []models.Notification {
	if user == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[user.Key()]
	if !ok {
		return nil
	}
	return append([]models.Notification(nil), st.current...)
}

// UnreadCount returns the number of unread items in the last list.
func (s *Service) UnreadCount(user *models.User) int {
	if user == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[user.Key()]; ok {
		return st.unread()
	}
	return 0
}

// MarkRead records id as read and, for server events, tells the endpoint
// without waiting or retrying. It returns the matching item, when it is in
// the current feed, so callers can follow its action. An id that was never
// reconciled in this process is treated as a server event unless it has the
// shape of a locally generated alert. Only a local storage failure is an
// error.
func (s *Service) MarkRead(ctx context.Context, user *models.User, id string) (models.Notification, bool, error) {
	if user == nil {
		return models.Notification{}, false, ErrNotLoggedIn
	}

	s.mu.Lock()
	st := s.state(ctx, user)
	target, found := st.markRead(id)
	var err error
	if st.read.add(id) {
		err = st.saveRead(ctx, s.kv, user.Key())
	}
	unread := st.unread()
	s.mu.Unlock()

	if (found && target.IsServerEvent) || (!found && !IsLocalAlertID(id)) {
		s.fireAndForget("mark_notification_read", func(ctx context.Context) error {
			return s.remote.MarkNotificationRead(ctx, id)
		})
	}
	s.publishUnread(user, unread)

	if err != nil {
		return target, found, fmt.Errorf("save read notifications: %w", err)
	}
	return target, found, nil
}

// Dismiss hides id for good.
func (s *Service) Dismiss(ctx context.Context, user *models.User, id string) error {
	if user == nil {
		return ErrNotLoggedIn
	}

	s.mu.Lock()
	st := s.state(ctx, user)
	st.remove(id)
	var err error
	if st.dismissed.add(id) {
		err = st.saveDismissed(ctx, s.kv, user.Key())
	}
	unread := st.unread()
	s.mu.Unlock()

	s.publishUnread(user, unread)
	if err != nil {
		return fmt.Errorf("save dismissed notifications: %w", err)
	}
	return nil
}

// ClearAll marks every visible item read and dismissed, and returns how many
// were cleared.
func (s *Service) ClearAll(ctx context.Context, user *models.User) (int, error) {
	if user == nil {
		return 0, ErrNotLoggedIn
	}

	s.mu.Lock()
	st := s.state(ctx, user)
	n := len(st.current)
	for _, item := range st.current {
		st.read.add(item.ID)
		st.dismissed.add(item.ID)
	}
	st.current = nil
	err := errors.Join(
		st.saveRead(ctx, s.kv, user.Key()),
		st.saveDismissed(ctx, s.kv, user.Key()),
	)
	s.mu.Unlock()

	s.publishUnread(user, 0)
	if err != nil {
		return n, fmt.Errorf("clear notifications: %w", err)
	}
	return n, nil
}

// GlobalAcknowledge resolves an issue for every user. The item disappears
// locally at once and the endpoint is told without waiting or retrying.
func (s *Service) GlobalAcknowledge(ctx context.Context, user *models.User, id string) error {
	if user == nil {
		return ErrNotLoggedIn
	}

	s.mu.Lock()
	st := s.state(ctx, user)
	st.remove(id)
	st.acked.add(id)
	unread := st.unread()
	s.mu.Unlock()

	name := user.Name
	if name == "" {
		name = "Unknown"
	}
	role := user.Role
	s.fireAndForget("acknowledge_issue", func(ctx context.Context) error {
		return s.remote.AcknowledgeIssue(ctx, id, name, role)
	})
	s.publishUnread(user, unread)
	return nil
}

// Broadcast sends a system notification to every user. Only administrators
// may broadcast.
func (s *Service) Broadcast(ctx context.Context, user *models.User, message string, typ models.NotificationType, action models.Action) (string, error) {
	if user == nil {
		return "", ErrNotLoggedIn
	}
	if !user.Role.IsAdmin() {
		return "", ErrPermissionDenied
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return "", ErrEmptyMessage
	}

	id, err := s.remote.Broadcast(ctx, message, typ, action)
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	s.logger.Info().Str("id", id).Str("user", user.Username).Str("type", string(typ)).Msg("broadcast sent")
	return id, nil
}

// Reset forgets the in-memory state of username. Persisted sets are kept.
func (s *Service) Reset(username string) {
	s.mu.Lock()
	delete(s.states, strings.ToLower(strings.TrimSpace(username)))
	s.mu.Unlock()
}

// Wait blocks until background pushes and endpoint calls finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) push(user *models.User, n models.Notification) {
	s.mu.Lock()
	pushers := append([]Pusher(nil), s.pushers...)
	s.mu.Unlock()
	if len(pushers) == 0 {
		return
	}

	s.metrics.RecordNotificationPush(string(n.Type))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		for _, p := range pushers {
			if err := p.Push(ctx, user, n); err != nil {
				s.logger.Warn().Err(err).Str("id", n.ID).Msg("failed to push notification")
			}
		}
	}()
}

func (s *Service) publishUnread(user *models.User, count int) {
	s.mu.Lock()
	pushers := append([]Pusher(nil), s.pushers...)
	s.mu.Unlock()
	for _, p := range pushers {
		if up, ok := p.(UnreadPublisher); ok {
			up.PublishUnread(user.Key(), count)
		}
	}
}

func (s *Service) fireAndForget(op string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundCallTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Debug().Err(err).Str("op", op).Msg("background endpoint call failed")
		}
	}()
}
