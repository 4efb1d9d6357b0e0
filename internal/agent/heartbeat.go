package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"pulsehub/internal/conn"
)

// heartbeat sends a liveness frame immediately and then every interval.
// A failed send is logged and retried on the next tick; the loop ends when
// ctx is done or the connection leaves Open. Ending the session is left to
// the receiver.
func (c *Client) heartbeat(ctx context.Context, log zerolog.Logger, h *conn.Handle) {
	msg := HeartbeatMessage(c.ClientID)
	ticker := time.NewTicker(c.heartbeatInterval())
	defer ticker.Stop()

	for {
		if h.State() != conn.StateOpen {
			return
		}
		if err := h.Send(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("heartbeat failed")
		} else {
			log.Debug().Msg("sent heartbeat")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
