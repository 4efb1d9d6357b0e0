package hub

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const DefaultAnnounceInterval = 10 * time.Second

// Announcer broadcasts a status message on a fixed interval for the
// lifetime of the hub.
type Announcer struct {
	broadcaster *Broadcaster
	interval    time.Duration
	message     func(time.Time) string
	logger      zerolog.Logger
}

func NewAnnouncer(b *Broadcaster, interval time.Duration, message func(time.Time) string, logger zerolog.Logger) *Announcer {
	if interval <= 0 {
		interval = DefaultAnnounceInterval
	}
	if message == nil {
		message = TimeAnnouncement
	}
	return &Announcer{
		broadcaster: b,
		interval:    interval,
		message:     message,
		logger:      logger.With().Str("component", "announcer").Logger(),
	}
}

func (a *Announcer) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			report := a.broadcaster.Broadcast(ctx, a.message(now))
			a.logger.Debug().
				Int("recipients", report.Recipients).
				Int("delivered", report.Delivered).
				Int("failed", report.Failed()).
				Msg("announcement sent")
		}
	}
}
