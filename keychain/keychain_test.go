package keychain

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secure-legion/legion/storage"
	"github.com/secure-legion/legion/storage/memory"
	"github.com/secure-legion/legion/wire"
)

const (
	onionA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.onion"
	onionB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb.onion"
)

type peer struct {
	store *memory.Store
	mgr   *Manager
}

// pairedPeers builds two sides of one conversation from the same shared
// secret, each addressing the other as contact 1.
func pairedPeers(t *testing.T) (a, b peer) {
	t.Helper()
	shared := make([]byte, 32)
	_, err := rand.Read(shared)
	require.NoError(t, err)

	pubA := make([]byte, 32)
	pubB := make([]byte, 32)
	_, _ = rand.Read(pubA)
	_, _ = rand.Read(pubB)

	a.store = memory.NewStore()
	b.store = memory.NewStore()
	a.mgr = NewManager(a.store, pubA, DefaultConfig())
	b.mgr = NewManager(b.store, pubB, DefaultConfig())

	ctx := context.Background()
	require.NoError(t, a.mgr.InitializeWithSecret(ctx, 1, shared, onionA, onionB))
	require.NoError(t, b.mgr.InitializeWithSecret(ctx, 1, shared, onionB, onionA))
	return a, b
}

func TestDirectionAgreement(t *testing.T) {
	a, b := pairedPeers(t)
	ctx := context.Background()

	stateA, err := a.store.KeyChains().Get(ctx, 1)
	require.NoError(t, err)
	stateB, err := b.store.KeyChains().Get(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, stateA.SendingChain, stateB.ReceivingChain)
	assert.Equal(t, stateA.ReceivingChain, stateB.SendingChain)
	assert.NotEqual(t, stateA.SendingChain, stateA.ReceivingChain)
	assert.Equal(t, stateA.RootKey, stateB.RootKey)
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	a, b := pairedPeers(t)
	ctx := context.Background()

	payloads := [][]byte{
		[]byte("hello"),
		{},
		make([]byte, 64*1024),
	}
	_, _ = rand.Read(payloads[2])

	for i, plaintext := range payloads {
		header, ct, err := a.mgr.EncryptNext(ctx, 1, plaintext, nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), header.Counter)

		got, err := b.mgr.Decrypt(ctx, 1, header, ct, nil)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}

	stateA, err := a.store.KeyChains().Get(ctx, 1)
	require.NoError(t, err)
	stateB, err := b.store.KeyChains().Get(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stateA.SendCounter)
	assert.EqualValues(t, 3, stateB.ReceiveCounter)
}

func TestCounterMonotonicityAcrossFailedPersist(t *testing.T) {
	a, _ := pairedPeers(t)
	ctx := context.Background()

	// A failing persist step aborts the whole transaction: the chain and the
	// counter stay exactly where they were.
	boom := errors.New("boom")
	_, _, err := a.mgr.EncryptNext(ctx, 1, []byte("x"), func(tx storage.Store, _ *wire.MessageHeader, _ []byte) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	state, err := a.store.KeyChains().Get(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, state.SendCounter)

	// The next successful encrypt reuses counter zero.
	header, _, err := a.mgr.EncryptNext(ctx, 1, []byte("x"), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, header.Counter)

	state, err = a.store.KeyChains().Get(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, state.SendCounter)
}

func TestOutOfOrderDelivery(t *testing.T) {
	a, b := pairedPeers(t)
	ctx := context.Background()

	type sealed struct {
		header *wire.MessageHeader
		ct     []byte
		body   string
	}
	var msgs []sealed
	for _, body := range []string{"m1", "m2", "m3", "m4", "m5"} {
		header, ct, err := a.mgr.EncryptNext(ctx, 1, []byte(body), nil)
		require.NoError(t, err)
		msgs = append(msgs, sealed{header, ct, body})
	}

	// Deliver shuffled to counters {4, 2, 3, 1, 0}.
	for _, idx := range []int{4, 2, 3, 1, 0} {
		got, err := b.mgr.Decrypt(ctx, 1, msgs[idx].header, msgs[idx].ct, nil)
		require.NoError(t, err, "counter %d", idx)
		assert.Equal(t, msgs[idx].body, string(got))
	}

	state, err := b.store.KeyChains().Get(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 5, state.ReceiveCounter)
	// Every cached skip key was consumed.
	assert.Zero(t, b.mgr.SkippedKeyCount())
}

func TestReplayRejected(t *testing.T) {
	a, b := pairedPeers(t)
	ctx := context.Background()

	header, ct, err := a.mgr.EncryptNext(ctx, 1, []byte("once"), nil)
	require.NoError(t, err)

	_, err = b.mgr.Decrypt(ctx, 1, header, ct, nil)
	require.NoError(t, err)

	_, err = b.mgr.Decrypt(ctx, 1, header, ct, nil)
	assert.ErrorIs(t, err, ErrReplayOrUnknown)
}

func TestTamperedCiphertextUndecryptable(t *testing.T) {
	a, b := pairedPeers(t)
	ctx := context.Background()

	header, ct, err := a.mgr.EncryptNext(ctx, 1, []byte("payload"), nil)
	require.NoError(t, err)

	bad := append([]byte(nil), ct...)
	bad[0] ^= 0xFF
	_, err = b.mgr.Decrypt(ctx, 1, header, bad, nil)
	assert.ErrorIs(t, err, ErrUndecryptable)

	// The chain did not advance on failure: the genuine ciphertext still
	// decrypts.
	got, err := b.mgr.Decrypt(ctx, 1, header, ct, nil)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestSkipWindowExceeded(t *testing.T) {
	shared := make([]byte, 32)
	_, _ = rand.Read(shared)
	pub := make([]byte, 32)
	_, _ = rand.Read(pub)

	store := memory.NewStore()
	mgr := NewManager(store, pub, Config{SkipWindowSize: 10, SkipKeyTTL: time.Hour})
	ctx := context.Background()
	require.NoError(t, mgr.InitializeWithSecret(ctx, 1, shared, onionB, onionA))

	header := &wire.MessageHeader{SenderPub: pub, Counter: 50, Nonce: make([]byte, wire.NonceSize)}
	_, err := mgr.Decrypt(ctx, 1, header, []byte("whatever"), nil)
	assert.ErrorIs(t, err, ErrSkipWindowExceeded)
}

func TestSkipKeySweep(t *testing.T) {
	a, b := pairedPeers(t)
	ctx := context.Background()

	// Sending m0 and m1 but delivering only m1 leaves one cached key.
	_, _, err := a.mgr.EncryptNext(ctx, 1, []byte("m0"), nil)
	require.NoError(t, err)
	header, ct, err := a.mgr.EncryptNext(ctx, 1, []byte("m1"), nil)
	require.NoError(t, err)

	_, err = b.mgr.Decrypt(ctx, 1, header, ct, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, b.mgr.SkippedKeyCount())

	// Nothing expires yet; everything expires far in the future.
	assert.Zero(t, b.mgr.SweepSkippedKeys(time.Now()))
	assert.Equal(t, 1, b.mgr.SweepSkippedKeys(time.Now().Add(31*24*time.Hour)))
	assert.Zero(t, b.mgr.SkippedKeyCount())
}

func TestPersistCallbackSharesTransaction(t *testing.T) {
	a, b := pairedPeers(t)
	ctx := context.Background()

	header, ct, err := a.mgr.EncryptNext(ctx, 1, []byte("hi"), nil)
	require.NoError(t, err)

	// A failing receive-side persist rolls back the chain advance too.
	boom := errors.New("disk full")
	_, err = b.mgr.Decrypt(ctx, 1, header, ct, func(tx storage.Store, _ []byte) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	state, err := b.store.KeyChains().Get(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, state.ReceiveCounter)

	// Retransmission succeeds once the persist step recovers.
	got, err := b.mgr.Decrypt(ctx, 1, header, ct, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))
}

func TestResetCountersGuarded(t *testing.T) {
	a, _ := pairedPeers(t)
	ctx := context.Background()

	err := a.mgr.ResetCounters(ctx, 1, onionA, onionB)
	assert.ErrorIs(t, err, ErrDebugDisabled)
}

func TestDeleteDropsChainAndSkipKeys(t *testing.T) {
	a, b := pairedPeers(t)
	ctx := context.Background()

	_, _, err := a.mgr.EncryptNext(ctx, 1, []byte("m0"), nil)
	require.NoError(t, err)
	header, ct, err := a.mgr.EncryptNext(ctx, 1, []byte("m1"), nil)
	require.NoError(t, err)
	_, err = b.mgr.Decrypt(ctx, 1, header, ct, nil)
	require.NoError(t, err)
	require.Equal(t, 1, b.mgr.SkippedKeyCount())

	require.NoError(t, b.mgr.Delete(ctx, 1))
	assert.Zero(t, b.mgr.SkippedKeyCount())
	_, err = b.store.KeyChains().Get(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
