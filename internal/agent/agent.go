package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pulsehub/internal/conn"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultGreeting          = "Hello, server!"
)

var (
	ErrMissingClientID   = errors.New("client id required")
	ErrMissingServerURL  = errors.New("server url required")
	ErrDuplicateClientID = errors.New("client id already in use")
	ErrServerClosed      = errors.New("server closed the connection")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Reason string

const (
	ReasonConnectError   Reason = "connect-error"
	ReasonDuplicateID    Reason = "duplicate-id"
	ReasonServerClosed   Reason = "server-closed"
	ReasonTransportError Reason = "transport-error"
	ReasonCanceled       Reason = "canceled"
)

// Disconnect is why one connection attempt ended.
type Disconnect struct {
	Reason Reason
	Err    error
}

func (d *Disconnect) Error() string {
	if d.Err == nil {
		return string(d.Reason)
	}
	return string(d.Reason) + ": " + d.Err.Error()
}

func (d *Disconnect) Unwrap() error { return d.Err }

// ReasonOf returns the disconnect reason carried by err, or "" if err is
// not a Disconnect.
func ReasonOf(err error) Reason {
	var d *Disconnect
	if errors.As(err, &d) {
		return d.Reason
	}
	return ""
}

func HeartbeatMessage(clientID string) string {
	return "Heartbeat from " + clientID
}

// Client is one agent identity connecting to a hub.
type Client struct {
	ServerURL         string
	ClientID          string
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	Greeting          string
	Dialer            *websocket.Dialer
	Logger            zerolog.Logger

	// Consumer receives every text frame from the hub. Nil logs it.
	Consumer func(text string)
	// OnStateChange observes the connection state machine. err is set for
	// Disconnected, Backoff and Stopped.
	OnStateChange func(state State, err error)
}

func (c *Client) validate() error {
	if c.ClientID == "" {
		return ErrMissingClientID
	}
	if c.ServerURL == "" {
		return ErrMissingServerURL
	}
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set(conn.ClientIDParam, c.ClientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) setState(s State, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(s, err)
	}
}

func (c *Client) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval <= 0 {
		return DefaultHeartbeatInterval
	}
	return c.HeartbeatInterval
}

// Run makes one connection attempt and serves it until it ends. The
// returned error is always a *Disconnect except for configuration errors.
func (c *Client) Run(ctx context.Context) error {
	if err := c.validate(); err != nil {
		return err
	}
	target, err := c.endpoint()
	if err != nil {
		return err
	}

	c.setState(StateConnecting, nil)
	h, resp, err := conn.Dial(ctx, c.Dialer, target, c.ClientID, conn.WithWriteTimeout(c.WriteTimeout))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return &Disconnect{Reason: ReasonCanceled, Err: ctx.Err()}
		case resp != nil && resp.StatusCode == http.StatusConflict:
			return &Disconnect{Reason: ReasonDuplicateID, Err: ErrDuplicateClientID}
		default:
			return &Disconnect{Reason: ReasonConnectError, Err: err}
		}
	}
	defer h.Close(websocket.CloseNormalClosure, "Closing")

	log := c.Logger.With().Str("agent_id", c.ClientID).Str("session_id", h.SessionID()).Logger()
	log.Info().Msg("connected to the hub")
	c.setState(StateConnected, nil)

	// Whichever loop ends first cancels the other; closing the handle
	// unblocks the pending read.
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		_ = h.Close(websocket.CloseNormalClosure, "Closing")
	})
	defer stop()

	greeting := c.Greeting
	if greeting == "" {
		greeting = DefaultGreeting
	}
	if err := h.Send(gctx, greeting); err != nil {
		log.Warn().Err(err).Msg("greeting failed")
	}

	g.Go(func() error { return c.receive(log, h) })
	g.Go(func() error {
		c.heartbeat(gctx, log, h)
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return &Disconnect{Reason: ReasonCanceled, Err: ctx.Err()}
	}
	if ReasonOf(err) == "" {
		err = &Disconnect{Reason: ReasonTransportError, Err: err}
	}
	return err
}

func (c *Client) receive(log zerolog.Logger, h *conn.Handle) error {
	for {
		f, err := h.Receive()
		if err != nil {
			return &Disconnect{Reason: ReasonTransportError, Err: err}
		}
		switch f.Kind {
		case conn.KindText:
			if c.Consumer != nil {
				c.Consumer(f.Text)
				continue
			}
			log.Info().Msg("Received: " + f.Text)
		case conn.KindClose:
			log.Info().Int("code", f.CloseCode).Str("reason", f.Text).Msg("disconnected from the hub")
			if f.CloseCode == conn.CloseDuplicateID {
				return &Disconnect{Reason: ReasonDuplicateID, Err: ErrDuplicateClientID}
			}
			return &Disconnect{
				Reason: ReasonServerClosed,
				Err:    fmt.Errorf("%w: code %d %s", ErrServerClosed, f.CloseCode, f.Text),
			}
		default:
			log.Debug().Msg("ignoring binary frame")
		}
	}
}
