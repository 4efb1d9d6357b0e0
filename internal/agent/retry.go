package agent

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const DefaultRetryDelay = 10 * time.Second

// BackoffConfig defines the delay between connection attempts. The
// defaults give a fixed delay.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type RetryPolicy struct {
	Backoff BackoffConfig
	// StopOnDuplicate ends the retry loop when the hub reports the client
	// id as already in use, instead of waiting for the old session to die.
	StopOnDuplicate bool
	Rand            *rand.Rand
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Backoff: BackoffConfig{InitialDelay: DefaultRetryDelay, Multiplier: 1}}
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// RunWithRetry keeps client connected until ctx is cancelled. It returns
// ctx's error, a configuration error, or ErrDuplicateClientID when the
// policy says to stop on it.
func RunWithRetry(ctx context.Context, client *Client, policy RetryPolicy) error {
	if err := client.validate(); err != nil {
		return err
	}
	if _, err := client.endpoint(); err != nil {
		return err
	}
	log := client.Logger.With().Str("agent_id", client.ClientID).Logger()

	attempt := 0
	for {
		err := client.Run(ctx)
		if ctx.Err() != nil {
			client.setState(StateStopped, ctx.Err())
			return ctx.Err()
		}
		reason := ReasonOf(err)
		if reason == "" {
			client.setState(StateStopped, err)
			return err
		}
		client.setState(StateDisconnected, err)

		switch reason {
		case ReasonDuplicateID:
			if policy.StopOnDuplicate {
				log.Error().Err(err).Msg("client id already in use, not reconnecting")
				client.setState(StateStopped, err)
				return err
			}
		case ReasonServerClosed, ReasonTransportError:
			attempt = 0
		}

		attempt++
		delay := NextBackoffDelay(policy.Backoff, attempt, policy.Rand)
		log.Warn().Err(err).
			Str("reason", string(reason)).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("connection lost, attempting to reconnect")
		client.setState(StateBackoff, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			client.setState(StateStopped, ctx.Err())
			return ctx.Err()
		case <-timer.C:
		}
	}
}
