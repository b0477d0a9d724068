package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secure-legion/legion/wire"
)

func connPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})
	return NewConn(c1), NewConn(c2)
}

func TestConnFrameRoundtrip(t *testing.T) {
	a, b := connPair(t)

	frame := []byte{0x01, 0xAA, 0xBB}
	done := make(chan error, 1)
	go func() {
		done <- a.WriteFrame(context.Background(), frame)
	}()

	got, err := b.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, frame, got)
	require.NoError(t, <-done)
}

func TestConnReadDeadline(t *testing.T) {
	a, _ := connPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.ReadFrame(ctx)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestConnAge(t *testing.T) {
	a, _ := connPair(t)
	assert.Less(t, a.Age(), time.Second)
}

func TestPoolAcquireRelease(t *testing.T) {
	p := NewPool(time.Minute)
	a, _ := connPair(t)

	// Nothing pooled yet.
	assert.Nil(t, p.Acquire("dest"))

	p.Track("dest", a)
	// Tracked handles start inflight.
	assert.Nil(t, p.Acquire("dest"))

	p.Release("dest", a)
	got := p.Acquire("dest")
	require.NotNil(t, got)
	assert.Same(t, a, got)

	// Acquired again means inflight again.
	assert.Nil(t, p.Acquire("dest"))
}

func TestPoolExpiresStaleHandles(t *testing.T) {
	p := NewPool(10 * time.Millisecond)
	a, _ := connPair(t)

	p.Track("dest", a)
	p.Release("dest", a)
	time.Sleep(20 * time.Millisecond)

	assert.Nil(t, p.Acquire("dest"), "stale handle must not be reused")
}

func TestPoolDiscard(t *testing.T) {
	p := NewPool(time.Minute)
	a, _ := connPair(t)

	p.Track("dest", a)
	p.Discard("dest", a)
	assert.Nil(t, p.Acquire("dest"))
}

func TestListenerDeliversFrames(t *testing.T) {
	l := NewListener("127.0.0.1:0", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Start(ctx))
	defer l.Close()

	c, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer c.Close()

	frame := []byte{0x04, 0x01, 0x02}
	require.NoError(t, wire.WriteFrame(c, frame))

	select {
	case f := <-l.Frames():
		assert.Equal(t, frame, f.Payload)
		assert.NotNil(t, f.Conn)
		assert.WithinDuration(t, time.Now(), f.ReceivedAt, 5*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("no frame delivered")
	}

	assert.False(t, l.LastAccept().IsZero())
}

func TestListenerReplyOnInboundConn(t *testing.T) {
	l := NewListener("127.0.0.1:0", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Start(ctx))
	defer l.Close()

	c, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, wire.WriteFrame(c, []byte{0x01}))
	f := <-l.Frames()

	// Answer on the same stream, as the instant path does.
	require.NoError(t, f.Conn.WriteFrame(context.Background(), []byte{0x02, 0xFF}))
	reply, err := wire.ReadFrame(c)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0xFF}, reply)
}

func TestClientSendPingPoolsHandle(t *testing.T) {
	l := NewListener("127.0.0.1:0", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Start(ctx))
	defer l.Close()

	dial := func(ctx context.Context, addr string) (*Conn, error) {
		c, err := net.Dial("tcp", l.Addr())
		if err != nil {
			return nil, transient("dial", err)
		}
		return NewConn(c), nil
	}

	client := NewClient(dial, ClientConfig{ReuseMaxAge: time.Minute}, nil)
	defer client.Close()

	h1, err := client.SendPing(ctx, "peer.onion", []byte{0x01})
	require.NoError(t, err)
	client.Release("peer.onion", h1)

	// A second ping to the same destination reuses the pooled stream.
	h2, err := client.SendPing(ctx, "peer.onion", []byte{0x01})
	require.NoError(t, err)
	assert.Same(t, h1, h2)
}

func TestSendPongReuseRejectsStaleHandle(t *testing.T) {
	client := NewClient(nil, ClientConfig{ReuseMaxAge: time.Nanosecond}, nil)
	a, _ := connPair(t)
	time.Sleep(time.Millisecond)

	err := client.SendPongReuse(context.Background(), a, []byte{0x02})
	assert.ErrorIs(t, err, ErrHandleStale)
}
