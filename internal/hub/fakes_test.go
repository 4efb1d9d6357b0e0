package hub

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type frame struct {
	msgType int
	data    []byte
}

type fakeConn struct {
	in       chan frame
	readErr  chan error
	out      chan frame
	controls chan []byte
	closed   chan struct{}
	once     sync.Once

	writeErr   error
	writeDelay time.Duration
	writing    int32
	overlaps   int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:       make(chan frame, 16),
		readErr:  make(chan error, 1),
		out:      make(chan frame, 64),
		controls: make(chan []byte, 4),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.msgType, f.data, nil
	case err := <-c.readErr:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if !atomic.CompareAndSwapInt32(&c.writing, 0, 1) {
		atomic.AddInt32(&c.overlaps, 1)
		return errors.New("concurrent write to websocket connection")
	}
	defer atomic.StoreInt32(&c.writing, 0)
	if c.writeDelay > 0 {
		time.Sleep(c.writeDelay)
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.out <- frame{msgType: messageType, data: cp}
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	select {
	case c.controls <- data:
	default:
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sendText(s string) {
	c.in <- frame{msgType: websocket.TextMessage, data: []byte(s)}
}

func (c *fakeConn) peerClose(code int) {
	c.readErr <- &websocket.CloseError{Code: code}
}

func (c *fakeConn) readText(t *testing.T) string {
	t.Helper()
	select {
	case f := <-c.out:
		if f.msgType != websocket.TextMessage {
			t.Fatalf("expected text frame, got %d", f.msgType)
		}
		return string(f.data)
	case <-time.After(2 * time.Second):
		t.Fatalf("read timeout")
		return ""
	}
}

func (c *fakeConn) readUntil(t *testing.T, prefix string) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %q", prefix)
			return ""
		default:
		}
		if msg := c.readText(t); strings.HasPrefix(msg, prefix) {
			return msg
		}
	}
}

func (c *fakeConn) closeCode(t *testing.T) int {
	t.Helper()
	select {
	case data := <-c.controls:
		if len(data) < 2 {
			t.Fatalf("short close payload %v", data)
		}
		return int(data[0])<<8 | int(data[1])
	case <-time.After(2 * time.Second):
		t.Fatalf("no close frame sent")
		return 0
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newHTTPTestServerOrSkip(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if strings.Contains(msg, "failed to listen on a port") ||
				strings.Contains(msg, "operation not permitted") ||
				strings.Contains(msg, "permission denied") {
				t.Skipf("network listen not permitted in this environment: %s", msg)
			}
			panic(r)
		}
	}()
	return httptest.NewServer(handler)
}
