package notifications

import (
	"context"

	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/rs/zerolog"
)

// Pusher delivers a newly detected notification to the user.
type Pusher interface {
	Push(ctx context.Context, user *models.User, n models.Notification) error
}

// LogPusher writes pushed notifications to the log.
type LogPusher struct {
	logger zerolog.Logger
}

// NewLogPusher creates a pusher that logs at a level matching the type.
func NewLogPusher(logger zerolog.Logger) *LogPusher {
	return &LogPusher{logger: logger.With().Str("component", "notification_push").Logger()}
}

// Push logs n.
func (p *LogPusher) Push(ctx context.Context, user *models.User, n models.Notification) error {
	ev := p.logger.Info()
	switch n.Type {
	case models.NotificationCritical:
		ev = p.logger.Error()
	case models.NotificationWarning:
		ev = p.logger.Warn()
	}
	ev.Str("user", user.Username).
		Str("id", n.ID).
		Str("module", n.Module).
		Str("title", n.Title).
		Msg(n.Message)
	return nil
}
