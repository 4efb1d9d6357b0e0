package hub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pulsehub/internal/conn"
)

const (
	DefaultSendTimeout = 5 * time.Second
	defaultFanout      = 32
)

type Failure struct {
	AgentID string
	Err     error
}

// Report describes one fan-out. Recipients counts the snapshot; handles
// that were no longer open when reached are Skipped.
type Report struct {
	Recipients int
	Delivered  int
	Skipped    int
	Failures   []Failure
}

func (r Report) Failed() int { return len(r.Failures) }

// Broadcaster delivers a message to every open connection in a registry
// snapshot. A failed recipient never stops delivery to the others.
type Broadcaster struct {
	registry    *Registry
	sendTimeout time.Duration
	fanout      int
	logger      zerolog.Logger
	metrics     *Metrics
}

func NewBroadcaster(registry *Registry, sendTimeout time.Duration, logger zerolog.Logger) *Broadcaster {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Broadcaster{
		registry:    registry,
		sendTimeout: sendTimeout,
		fanout:      defaultFanout,
		logger:      logger.With().Str("component", "broadcaster").Logger(),
	}
}

// Broadcast sends event, followed by the membership line, to every open
// connection registered at call time.
func (b *Broadcaster) Broadcast(ctx context.Context, event string) Report {
	entries := b.registry.Snapshot()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	msg := FormatBroadcast(event, ids)

	report := Report{Recipients: len(entries)}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(b.fanout)
	for _, e := range entries {
		g.Go(func() error {
			if e.Handle.State() != conn.StateOpen {
				mu.Lock()
				report.Skipped++
				mu.Unlock()
				return nil
			}
			sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
			err := e.Handle.Send(sendCtx, msg)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures = append(report.Failures, Failure{AgentID: e.ID, Err: err})
				b.logger.Warn().Err(err).Str("agent_id", e.ID).Msg("broadcast send failed")
				return nil
			}
			report.Delivered++
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].AgentID < report.Failures[j].AgentID })
	b.metrics.broadcastDone(len(report.Failures))
	return report
}
