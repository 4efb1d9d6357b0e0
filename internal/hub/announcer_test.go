package hub

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsehub/internal/conn"
)

func TestAnnouncerBroadcastsOnInterval(t *testing.T) {
	r := NewRegistry()
	fc := newFakeConn()
	require.True(t, r.TryRegister("A1", conn.Wrap(fc, "A1")))
	b := NewBroadcaster(r, time.Second, zerolog.Nop())
	fixed := time.Date(2024, 1, 2, 13, 4, 5, 0, time.UTC)
	a := NewAnnouncer(b, 10*time.Millisecond, func(time.Time) string { return TimeAnnouncement(fixed) }, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	for i := 0; i < 2; i++ {
		assert.Equal(t, "The current time is : 13:04:05\nConnected clients: A1", fc.readText(t))
	}
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("announcer did not stop")
	}
}

func TestAnnouncerDefaults(t *testing.T) {
	a := NewAnnouncer(NewBroadcaster(NewRegistry(), 0, zerolog.Nop()), 0, nil, zerolog.Nop())
	assert.Equal(t, DefaultAnnounceInterval, a.interval)
	assert.Equal(t, "The current time is : 00:00:00", a.message(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestMessageFormats(t *testing.T) {
	assert.Equal(t, "Echo from A1: hi", EchoMessage("A1", "hi"))
	assert.Equal(t, "e\nConnected clients: ", FormatBroadcast("e", nil))
	assert.Equal(t, "Client A1 connected", joinedMessage("A1"))
	assert.Equal(t, "Client A1 disconnected", leftMessage("A1"))
}
