package conn

import (
	"context"
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

	writing    int32
	overlaps   int32
	writeDelay time.Duration
	block      chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:       make(chan frame, 16),
		readErr:  make(chan error, 1),
		out:      make(chan frame, 256),
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
		return 0, nil, errors.New("closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if !atomic.CompareAndSwapInt32(&c.writing, 0, 1) {
		atomic.AddInt32(&c.overlaps, 1)
		return errors.New("concurrent write")
	}
	defer atomic.StoreInt32(&c.writing, 0)
	if c.block != nil {
		<-c.block
	}
	if c.writeDelay > 0 {
		time.Sleep(c.writeDelay)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.out <- frame{msgType: messageType, data: cp}
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.controls <- data
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestSendSerializesConcurrentWriters(t *testing.T) {
	fc := newFakeConn()
	fc.writeDelay = time.Millisecond
	h := Wrap(fc, "A1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := h.Send(context.Background(), fmt.Sprintf("w%d-%d", i, j)); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if n := atomic.LoadInt32(&fc.overlaps); n != 0 {
		t.Fatalf("expected no overlapping writes, got %d", n)
	}
	if len(fc.out) != 160 {
		t.Fatalf("expected 160 frames, got %d", len(fc.out))
	}
}

func TestSendRejectsClosedHandle(t *testing.T) {
	h := Wrap(newFakeConn(), "A1")
	if err := h.Close(websocket.CloseNormalClosure, ""); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.Send(context.Background(), "late"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if h.State() != StateClosed {
		t.Fatalf("expected closed, got %s", h.State())
	}
}

func TestSendWaitForWriterObservesContext(t *testing.T) {
	fc := newFakeConn()
	fc.block = make(chan struct{})
	h := Wrap(fc, "A1")

	first := make(chan error, 1)
	go func() { first <- h.Send(context.Background(), "slow") }()
	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&fc.writing) == 0 {
		select {
		case <-deadline:
			t.Fatal("first write never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.Send(ctx, "queued"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	close(fc.block)
	if err := <-first; err != nil {
		t.Fatalf("first send: %v", err)
	}
}

func TestReceiveClassifiesFrames(t *testing.T) {
	fc := newFakeConn()
	h := Wrap(fc, "A1")

	fc.in <- frame{msgType: websocket.TextMessage, data: []byte("hello")}
	f, err := h.Receive()
	if err != nil || f.Kind != KindText || f.Text != "hello" {
		t.Fatalf("unexpected text frame %+v err=%v", f, err)
	}

	fc.in <- frame{msgType: websocket.BinaryMessage, data: []byte{1, 2}}
	f, err = h.Receive()
	if err != nil || f.Kind != KindBinary || len(f.Data) != 2 {
		t.Fatalf("unexpected binary frame %+v err=%v", f, err)
	}

	fc.readErr <- &websocket.CloseError{Code: websocket.CloseGoingAway, Text: "bye"}
	f, err = h.Receive()
	if err != nil {
		t.Fatalf("close frame should not be an error: %v", err)
	}
	if f.Kind != KindClose || f.CloseCode != websocket.CloseGoingAway || f.Text != "bye" {
		t.Fatalf("unexpected close frame %+v", f)
	}
	if h.State() != StateClosing {
		t.Fatalf("expected closing, got %s", h.State())
	}

	// The peer already got its close reply; Close must not send another.
	_ = h.Close(websocket.CloseNormalClosure, "")
	if len(fc.controls) != 0 {
		t.Fatalf("expected no close frame after peer close, got %d", len(fc.controls))
	}
}

func TestReceiveSurfacesTransportErrors(t *testing.T) {
	fc := newFakeConn()
	h := Wrap(fc, "A1")
	fc.readErr <- errors.New("connection reset")
	if _, err := h.Receive(); err == nil || !strings.Contains(err.Error(), "reset") {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	fc := newFakeConn()
	h := Wrap(fc, "A1", WithSessionID("s-1"))
	if h.SessionID() != "s-1" || h.AgentID() != "A1" {
		t.Fatalf("unexpected identity %s/%s", h.AgentID(), h.SessionID())
	}
	_ = h.Close(websocket.CloseNormalClosure, "done")
	_ = h.Close(websocket.CloseGoingAway, "again")

	if len(fc.controls) != 1 {
		t.Fatalf("expected one close frame, got %d", len(fc.controls))
	}
	data := <-fc.controls
	if len(data) < 2 || int(data[0])<<8|int(data[1]) != websocket.CloseNormalClosure {
		t.Fatalf("unexpected close payload %v", data)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateConnecting: "connecting",
		StateOpen:       "open",
		StateClosing:    "closing",
		StateClosed:     "closed",
		State(42):       "unknown",
	} {
		if s.String() != want {
			t.Fatalf("state %d: got %q want %q", s, s.String(), want)
		}
	}
}

func TestConcurrentSendsOverRealSocketNeverInterleave(t *testing.T) {
	const perWriter = 50
	payloadA := strings.Repeat("a", 32*1024)
	payloadB := strings.Repeat("b", 32*1024)

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	got := make(chan []string, 1)
	ts := newHTTPTestServerOrSkip(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, err := Accept(&upgrader, w, r, "hub")
		if err != nil {
			return
		}
		defer h.Close(websocket.CloseNormalClosure, "")
		var frames []string
		for len(frames) < 2*perWriter {
			f, err := h.Receive()
			if err != nil || f.Kind != KindText {
				break
			}
			frames = append(frames, f.Text)
		}
		got <- frames
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, _, err := Dial(ctx, nil, "ws"+strings.TrimPrefix(ts.URL, "http"), "A1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer h.Close(websocket.CloseNormalClosure, "")

	var wg sync.WaitGroup
	for _, p := range []string{payloadA, payloadB} {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := h.Send(ctx, p); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	select {
	case frames := <-got:
		if len(frames) != 2*perWriter {
			t.Fatalf("expected %d frames, got %d", 2*perWriter, len(frames))
		}
		for i, f := range frames {
			if f != payloadA && f != payloadB {
				t.Fatalf("frame %d is not a clean payload (len=%d)", i, len(f))
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for server frames")
	}
}

func TestPeerCloseIsAnsweredWithNormalClosure(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	serverDone := make(chan Frame, 1)
	ts := newHTTPTestServerOrSkip(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, err := Accept(&upgrader, w, r, "hub")
		if err != nil {
			return
		}
		f, _ := h.Receive()
		_ = h.Close(websocket.CloseNormalClosure, "")
		serverDone <- f
	}))
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "leaving")
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("write close: %v", err)
	}
	_, _, err = ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure reply, got %v", err)
	}

	select {
	case f := <-serverDone:
		if f.Kind != KindClose || f.CloseCode != websocket.CloseGoingAway {
			t.Fatalf("unexpected server frame %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe close")
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
