package core

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secure-legion/legion/core/events"
	"github.com/secure-legion/legion/crypto/keys"
	"github.com/secure-legion/legion/storage"
	"github.com/secure-legion/legion/storage/memory"
	"github.com/secure-legion/legion/transport"
	"github.com/secure-legion/legion/wire"
)

// testNet routes onion hostnames to loopback listener addresses, standing in
// for Tor.
type testNet struct {
	mu    sync.Mutex
	addrs map[string]string
}

func newTestNet() *testNet {
	return &testNet{addrs: make(map[string]string)}
}

func (n *testNet) register(onion, addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.addrs[onion] = addr
}

func (n *testNet) unregister(onion string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.addrs, onion)
}

func (n *testNet) dial(ctx context.Context, addr string) (*transport.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrTransient, err)
	}
	n.mu.Lock()
	real, ok := n.addrs[host]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no route to %s", transport.ErrTransient, host)
	}
	d := net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", real)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrTransient, err)
	}
	return transport.NewConn(c), nil
}

type testNode struct {
	core    *Core
	store   *memory.Store
	bus     *events.Bus
	events  <-chan events.Event
	onion   string
	signing ed25519.PrivateKey
	encPub  []byte
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.PongDeadline = 5 * time.Second
	opts.MsgAckDeadline = 5 * time.Second
	opts.PingRetryCadence = 250 * time.Millisecond
	opts.SendBackoffBase = 100 * time.Millisecond
	opts.SendBackoffCap = 500 * time.Millisecond
	opts.JitterFraction = 0
	opts.SendMaxAttempts = 3
	return opts
}

func newTestNode(t *testing.T, nw *testNet, onion string, opts Options) *testNode {
	t.Helper()

	signPair, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	encPair, err := keys.GenerateX25519KeyPair()
	require.NoError(t, err)
	signing := signPair.PrivateKey().(ed25519.PrivateKey)

	store := memory.NewStore()
	bus := events.NewBus(256)
	listener := transport.NewListener("127.0.0.1:0", nil)

	c := New(Identity{
		SigningKey:   signing,
		SigningPub:   signPair.PublicKeyBytes(),
		X25519Priv:   encPair.PrivateKeyBytes(),
		OnionAddress: onion,
	}, opts, Deps{
		Store:    store,
		Dial:     nw.dial,
		Listener: listener,
		Bus:      bus,
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() {
		cancel()
		c.Stop()
	})
	nw.register(onion, listener.Addr())

	ch, cancelSub := bus.Subscribe()
	t.Cleanup(cancelSub)

	return &testNode{
		core:    c,
		store:   store,
		bus:     bus,
		events:  ch,
		onion:   onion,
		signing: signing,
		encPub:  encPair.PublicKeyBytes(),
	}
}

func (n *testNode) card() ContactCard {
	return ContactCard{
		DisplayName:      n.onion[:4],
		OnionAddress:     n.onion,
		SigningPubKey:    n.signing.Public().(ed25519.PublicKey),
		EncryptionPubKey: n.encPub,
	}
}

// befriend exchanges cards both ways and returns each side's record of the
// other.
func befriend(t *testing.T, a, b *testNode) (bOnA, aOnB *storage.Contact) {
	t.Helper()
	ctx := context.Background()
	bOnA, err := a.core.AddContact(ctx, b.card())
	require.NoError(t, err)
	aOnB, err = b.core.AddContact(ctx, a.card())
	require.NoError(t, err)
	return bOnA, aOnB
}

func awaitEvent(t *testing.T, ch <-chan events.Event, want events.Type, timeout time.Duration) events.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func awaitStatus(t *testing.T, ch <-chan events.Event, want storage.OutboxStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Type == events.OutboxStatusChanged && ev.Status == string(want) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for outbox status %s", want)
		}
	}
}

const (
	onionA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.onion"
	onionB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb.onion"
)

func TestHappyPathDelivery(t *testing.T) {
	nw := newTestNet()
	a := newTestNode(t, nw, onionA, fastOptions())
	b := newTestNode(t, nw, onionB, fastOptions())
	bOnA, aOnB := befriend(t, a, b)

	msgID, err := a.core.Send(context.Background(), bOnA.ID, []byte("hello"), SendOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, msgID)

	// Sender-side status ladder.
	awaitStatus(t, a.events, storage.OutboxPending, 10*time.Second)
	awaitStatus(t, a.events, storage.OutboxSending, 10*time.Second)
	awaitStatus(t, a.events, storage.OutboxPingDelivered, 10*time.Second)
	awaitStatus(t, a.events, storage.OutboxMessageDelivered, 10*time.Second)

	// Receiver-side events.
	awaitEvent(t, b.events, events.NewPing, 10*time.Second)
	ev := awaitEvent(t, b.events, events.MessageReceived, 10*time.Second)
	assert.Equal(t, aOnB.ID, ev.ContactID)

	msgs, err := b.core.Messages(context.Background(), aOnB.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", string(msgs[0].Body))
	assert.Equal(t, storage.Inbound, msgs[0].Direction)

	// The terminal inbox row no longer renders.
	require.Eventually(t, func() bool {
		rows, err := b.core.PendingPings(context.Background(), aOnB.ID)
		return err == nil && len(rows) == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDeviceProtectionManualDownload(t *testing.T) {
	nw := newTestNet()
	a := newTestNode(t, nw, onionA, fastOptions())

	optsB := fastOptions()
	optsB.DeviceProtection = true
	b := newTestNode(t, nw, onionB, optsB)
	bOnA, aOnB := befriend(t, a, b)

	_, err := a.core.Send(context.Background(), bOnA.ID, []byte("x"), SendOptions{})
	require.NoError(t, err)

	// The ping lands behind the consent gate: lock icon, no payload, no
	// typing indicator.
	awaitEvent(t, b.events, events.NewPing, 10*time.Second)
	var locked []*storage.PingRecord
	require.Eventually(t, func() bool {
		locked, err = b.core.PendingPings(context.Background(), aOnB.ID)
		return err == nil && len(locked) == 1 && locked[0].State == storage.ManualRequired
	}, 10*time.Second, 50*time.Millisecond)

	msgs, err := b.core.Messages(context.Background(), aOnB.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// The user taps the lock.
	require.NoError(t, b.core.RequestDownload(context.Background(), aOnB.ID, locked[0].PingID))

	awaitEvent(t, b.events, events.MessageReceived, 30*time.Second)
	msgs, err = b.core.Messages(context.Background(), aOnB.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "x", string(msgs[0].Body))

	// Lock cleared.
	require.Eventually(t, func() bool {
		rows, err := b.core.PendingPings(context.Background(), aOnB.ID)
		return err == nil && len(rows) == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestOfflinePeerFailsThenResendSucceeds(t *testing.T) {
	nw := newTestNet()
	optsA := fastOptions()
	optsA.SendMaxAttempts = 2
	optsA.PongDeadline = 500 * time.Millisecond
	a := newTestNode(t, nw, onionA, optsA)
	b := newTestNode(t, nw, onionB, fastOptions())
	bOnA, aOnB := befriend(t, a, b)

	// Take B off the network before sending.
	nw.unregister(onionB)

	msgID, err := a.core.Send(context.Background(), bOnA.ID, []byte("delayed"), SendOptions{})
	require.NoError(t, err)

	// Both attempts fail and the message surfaces as FAILED.
	awaitStatus(t, a.events, storage.OutboxFailed, 30*time.Second)

	// B comes back online; the user resends.
	nw.register(onionB, b.core.listener.Addr())
	require.NoError(t, a.core.Resend(context.Background(), msgID))

	awaitStatus(t, a.events, storage.OutboxMessageDelivered, 30*time.Second)
	msgs, err := b.core.Messages(context.Background(), aOnB.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "delayed", string(msgs[0].Body))

	// The resend kept the message id.
	rec, err := a.store.Outbox().Get(context.Background(), msgID)
	require.NoError(t, err)
	assert.Equal(t, storage.OutboxMessageDelivered, rec.Status)
}

func TestDuplicatePingSingleNotification(t *testing.T) {
	nw := newTestNet()
	a := newTestNode(t, nw, onionA, fastOptions())
	b := newTestNode(t, nw, onionB, fastOptions())
	befriend(t, a, b)

	// Hand-deliver the same logical ping twice (fresh nonce each time, as a
	// retransmission would) straight to B's listener.
	pingID, err := wire.NewPingID()
	require.NoError(t, err)

	sendRaw := func() {
		nonce := make([]byte, wire.NonceSize)
		_, err := rand.Read(nonce)
		require.NoError(t, err)
		frame, err := wire.EncodePing(&wire.Ping{
			PingID:       pingID,
			SenderPub:    a.signing.Public().(ed25519.PublicKey),
			RecipientPub: b.signing.Public().(ed25519.PublicKey),
			Timestamp:    time.Now(),
			Nonce:        nonce,
		}, a.signing)
		require.NoError(t, err)

		conn, err := nw.dial(context.Background(), onionB+":7321")
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.WriteFrame(context.Background(), frame))
		time.Sleep(200 * time.Millisecond)
	}

	sendRaw()
	sendRaw()

	// Exactly one NEW_PING despite two deliveries.
	awaitEvent(t, b.events, events.NewPing, 10*time.Second)
	select {
	case ev := <-b.events:
		if ev.Type == events.NewPing {
			t.Fatalf("duplicate ping produced a second NEW_PING")
		}
	case <-time.After(time.Second):
	}

	rec, err := b.store.Pings().Get(context.Background(), pingID.String())
	require.NoError(t, err)
	assert.Equal(t, 2, rec.AttemptCount)
}
