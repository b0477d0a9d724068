package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secure-legion/legion/storage"
)

func testContact(t *testing.T, s *Store) *storage.Contact {
	t.Helper()
	contact := &storage.Contact{
		DisplayName:      "peer",
		OnionAddress:     "peerpeerpeerpeerpeerpeerpeerpeerpeerpeerpeerpeerpeerpeer.onion",
		SigningPubKey:    []byte("0123456789abcdef0123456789abcdef"),
		EncryptionPubKey: []byte("fedcba9876543210fedcba9876543210"),
		CreatedAt:        time.Now(),
	}
	require.NoError(t, s.Contacts().Create(context.Background(), contact))
	return contact
}

func TestContactLifecycle(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	contact := testContact(t, s)
	require.NotZero(t, contact.ID)

	got, err := s.Contacts().Get(ctx, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, contact.OnionAddress, got.OnionAddress)

	byKey, err := s.Contacts().GetBySigningKey(ctx, contact.SigningPubKey)
	require.NoError(t, err)
	assert.Equal(t, contact.ID, byKey.ID)

	list, err := s.Contacts().List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.Contacts().Delete(ctx, contact.ID))
	_, err = s.Contacts().Get(ctx, contact.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPingRecordDuplicates(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	contact := testContact(t, s)
	now := time.Now()

	rec := &storage.PingRecord{
		PingID:        "ping-1",
		ContactID:     contact.ID,
		FirstSeenAt:   now,
		LastUpdatedAt: now,
		WireBytes:     []byte{0x01, 0x02},
	}
	created, err := s.Pings().Record(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	// Delivering the same ping N more times only bumps the attempt count.
	for i := 0; i < 4; i++ {
		created, err = s.Pings().Record(ctx, rec)
		require.NoError(t, err)
		assert.False(t, created)
	}
	got, err := s.Pings().Get(ctx, "ping-1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.AttemptCount)
	assert.Equal(t, storage.PingSeen, got.State)
}

func TestPingTransitionMonotonic(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	contact := testContact(t, s)
	now := time.Now()

	rec := &storage.PingRecord{PingID: "p", ContactID: contact.ID, FirstSeenAt: now, LastUpdatedAt: now}
	_, err := s.Pings().Record(ctx, rec)
	require.NoError(t, err)

	// Forward transitions succeed.
	ok, err := s.Pings().Transition(ctx, "p", storage.DownloadQueued, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Claiming an already-claimed row is a no-op.
	ok, err = s.Pings().Transition(ctx, "p", storage.DownloadQueued, now)
	require.NoError(t, err)
	assert.False(t, ok)

	// Lateral moves inside the pre-PONG band carry the retry and consent
	// flows.
	ok, err = s.Pings().Transition(ctx, "p", storage.FailedTemp, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Pings().Transition(ctx, "p", storage.DownloadQueued, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// A pre-PONG row never falls back to PING_SEEN.
	ok, err = s.Pings().Transition(ctx, "p", storage.PingSeen, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Pings().Transition(ctx, "p", storage.PongSent, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Pings().Transition(ctx, "p", storage.MsgStored, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// A terminal row never regresses, whatever arrives late.
	for _, to := range []storage.PingState{
		storage.PingSeen, storage.DownloadQueued, storage.FailedTemp,
		storage.ManualRequired, storage.PongSent, storage.MsgStored,
	} {
		ok, err = s.Pings().Transition(ctx, "p", to, now)
		require.NoError(t, err)
		assert.False(t, ok, "state %s must not win over MSG_STORED", to)
	}

	got, err := s.Pings().Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, storage.MsgStored, got.State)
}

func TestPingRenderableAndSweep(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	contact := testContact(t, s)
	old := time.Now().Add(-40 * 24 * time.Hour)

	for _, p := range []struct {
		id    string
		state storage.PingState
	}{
		{"a", storage.PingSeen},
		{"b", storage.ManualRequired},
		{"c", storage.MsgStored},
	} {
		_, err := s.Pings().Record(ctx, &storage.PingRecord{
			PingID: p.id, ContactID: contact.ID, FirstSeenAt: old, LastUpdatedAt: old,
		})
		require.NoError(t, err)
		if p.state != storage.PingSeen {
			_, err = s.Pings().Transition(ctx, p.id, p.state, old)
			require.NoError(t, err)
		}
	}

	renderable, err := s.Pings().Renderable(ctx, contact.ID)
	require.NoError(t, err)
	assert.Len(t, renderable, 2) // MSG_STORED rows are not rendered

	n, err := s.Pings().DeleteOlderThan(ctx, storage.MsgStored, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestOutboxDueOrdering(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	contact := testContact(t, s)
	now := time.Now()

	for i, due := range []time.Duration{2 * time.Minute, -time.Minute, -2 * time.Minute} {
		require.NoError(t, s.Outbox().Create(ctx, &storage.OutboxRecord{
			MessageID:   string(rune('a' + i)),
			PingID:      "ping-" + string(rune('a'+i)),
			ContactID:   contact.ID,
			Status:      storage.OutboxPending,
			NextRetryAt: now.Add(due),
			CreatedAt:   now,
		}))
	}

	due, err := s.Outbox().Due(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "c", due[0].MessageID) // earliest first
	assert.Equal(t, "b", due[1].MessageID)
}

func TestOutboxRequeueStuckSending(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	contact := testContact(t, s)
	now := time.Now()

	rec := &storage.OutboxRecord{
		MessageID:   "m",
		PingID:      "p",
		ContactID:   contact.ID,
		Status:      storage.OutboxSending,
		NextRetryAt: now.Add(-5 * time.Minute),
		CreatedAt:   now,
	}
	require.NoError(t, s.Outbox().Create(ctx, rec))

	n, err := s.Outbox().RequeueStuckSending(ctx, now.Add(-2*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.Outbox().Get(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, storage.OutboxPending, got.Status)
}

func TestMessageCreateIdempotentByPing(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	contact := testContact(t, s)

	msg := &storage.StoredMessage{
		MessageID: "m1",
		PingID:    "ping-x",
		ContactID: contact.ID,
		Direction: storage.Inbound,
		Type:      storage.TypeText,
		Body:      []byte("hello"),
		StoredAt:  time.Now(),
	}
	created, err := s.Messages().Create(ctx, msg)
	require.NoError(t, err)
	assert.True(t, created)

	// A re-download of the same ping must not duplicate the message.
	dup := *msg
	dup.MessageID = "m2"
	created, err = s.Messages().Create(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created)

	list, err := s.Messages().ListByContact(ctx, contact.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	contact := testContact(t, s)

	errBoom := errors.New("boom")
	err := s.WithTx(ctx, func(tx storage.Store) error {
		_, err := tx.Pings().Record(ctx, &storage.PingRecord{
			PingID: "tx-ping", ContactID: contact.ID,
			FirstSeenAt: time.Now(), LastUpdatedAt: time.Now(),
		})
		require.NoError(t, err)
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)

	_, err = s.Pings().Get(ctx, "tx-ping")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWithTxCommits(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	contact := testContact(t, s)

	err := s.WithTx(ctx, func(tx storage.Store) error {
		_, err := tx.Pings().Record(ctx, &storage.PingRecord{
			PingID: "tx-ping", ContactID: contact.ID,
			FirstSeenAt: time.Now(), LastUpdatedAt: time.Now(),
		})
		return err
	})
	require.NoError(t, err)

	got, err := s.Pings().Get(ctx, "tx-ping")
	require.NoError(t, err)
	assert.Equal(t, storage.PingSeen, got.State)
}

func TestNonceSeen(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	nonce := []byte{1, 2, 3}
	seen, err := s.Nonces().Seen(ctx, "sender", nonce, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = s.Nonces().Seen(ctx, "sender", nonce, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, seen)

	// A different sender with the same nonce is not a replay.
	seen, err = s.Nonces().Seen(ctx, "other", nonce, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, seen)

	n, err := s.Nonces().DeleteExpired(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
