// Package conn wraps one duplex websocket connection behind a Handle that
// tracks its lifecycle state and serializes writes.
package conn

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// ClientIDParam is the query parameter carrying the agent identifier on
	// the upgrade request.
	ClientIDParam = "clientId"

	// CloseDuplicateID is the close code the hub sends when it loses a
	// registration race after the upgrade already happened.
	CloseDuplicateID = 4409
	// DuplicateIDReason accompanies CloseDuplicateID.
	DuplicateIDReason = "duplicate clientId"

	DefaultWriteTimeout = 10 * time.Second
	MaxFrameSize        = 1 << 20

	closeGrace = time.Second
)

var ErrNotOpen = errors.New("connection not open")

// WSConn is the subset of *websocket.Conn a Handle drives.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Kind int

const (
	KindText Kind = iota
	KindBinary
	KindClose
)

// Frame is one inbound message. For KindClose, Text holds the close reason.
type Frame struct {
	Kind      Kind
	Text      string
	Data      []byte
	CloseCode int
}

// Handle owns exactly one socket. At most one data write is in flight at
// any instant; reads may run concurrently with writes.
type Handle struct {
	agentID   string
	sessionID string
	conn      WSConn

	state        atomic.Int32
	writeSem     chan struct{}
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

type Option func(*Handle)

// WithWriteTimeout bounds every Send that carries no earlier context deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handle) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

func WithSessionID(id string) Option {
	return func(h *Handle) {
		if id != "" {
			h.sessionID = id
		}
	}
}

func newHandle(agentID string, opts ...Option) *Handle {
	h := &Handle{
		agentID:      agentID,
		sessionID:    uuid.NewString(),
		writeSem:     make(chan struct{}, 1),
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Wrap adopts an already-established connection; the handle starts Open.
func Wrap(c WSConn, agentID string, opts ...Option) *Handle {
	h := newHandle(agentID, opts...)
	h.conn = c
	h.state.Store(int32(StateOpen))
	return h
}

// Accept upgrades an HTTP request and wraps the resulting socket.
func Accept(up *websocket.Upgrader, w http.ResponseWriter, r *http.Request, agentID string, opts ...Option) (*Handle, error) {
	h := newHandle(agentID, opts...)
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		h.state.Store(int32(StateClosed))
		return nil, err
	}
	prepare(ws)
	h.conn = ws
	h.state.Store(int32(StateOpen))
	return h, nil
}

// Dial connects to rawURL. The HTTP response is returned even on a failed
// handshake so callers can inspect the rejection status.
func Dial(ctx context.Context, d *websocket.Dialer, rawURL, agentID string, opts ...Option) (*Handle, *http.Response, error) {
	if d == nil {
		d = websocket.DefaultDialer
	}
	h := newHandle(agentID, opts...)
	ws, resp, err := d.DialContext(ctx, rawURL, nil)
	if err != nil {
		h.state.Store(int32(StateClosed))
		return nil, resp, err
	}
	prepare(ws)
	h.conn = ws
	h.state.Store(int32(StateOpen))
	return h, resp, nil
}

// prepare answers a peer's close frame with a normal closure instead of
// echoing the peer's code.
func prepare(ws *websocket.Conn) {
	ws.SetReadLimit(MaxFrameSize)
	ws.SetCloseHandler(func(code int, text string) error {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		return nil
	})
}

func (h *Handle) AgentID() string   { return h.agentID }
func (h *Handle) SessionID() string { return h.sessionID }
func (h *Handle) State() State      { return State(h.state.Load()) }

// Send writes one text frame. Waiting for the writer slot observes ctx;
// the write itself is bounded by the earlier of ctx's deadline and the
// handle's write timeout.
func (h *Handle) Send(ctx context.Context, text string) error {
	if h.State() != StateOpen {
		return ErrNotOpen
	}
	select {
	case h.writeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-h.writeSem }()

	if h.State() != StateOpen {
		return ErrNotOpen
	}
	deadline := time.Now().Add(h.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = h.conn.SetWriteDeadline(deadline)
	return h.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// Receive blocks for the next frame. A peer close frame is reported as a
// KindClose frame, not as an error; the close reply has already been sent.
func (h *Handle) Receive() (Frame, error) {
	mt, data, err := h.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			h.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
			return Frame{Kind: KindClose, CloseCode: ce.Code, Text: ce.Text}, nil
		}
		return Frame{}, err
	}
	if mt == websocket.TextMessage {
		return Frame{Kind: KindText, Text: string(data)}, nil
	}
	return Frame{Kind: KindBinary, Data: data}, nil
}

// Close sends a close frame if the connection is still writable, then
// releases the socket. Only the first call has any effect.
func (h *Handle) Close(code int, reason string) error {
	h.closeOnce.Do(func() {
		prev := State(h.state.Swap(int32(StateClosing)))
		if h.conn == nil {
			h.state.Store(int32(StateClosed))
			return
		}
		if prev == StateOpen {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = h.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		}
		h.closeErr = h.conn.Close()
		h.state.Store(int32(StateClosed))
	})
	return h.closeErr
}
