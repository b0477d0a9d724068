package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secure-legion/legion/storage"
	"github.com/secure-legion/legion/storage/memory"
	"github.com/secure-legion/legion/wire"
)

func testInbox(t *testing.T) (*Inbox, *memory.Store, wire.PingID) {
	t.Helper()
	store := memory.NewStore()
	id, err := wire.NewPingID()
	require.NoError(t, err)
	return New(store, nil), store, id
}

func TestRecordAndDuplicate(t *testing.T) {
	ib, _, id := testInbox(t)
	ctx := context.Background()
	now := time.Now()

	created, err := ib.Record(ctx, id, 1, []byte{0x01}, now)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = ib.Record(ctx, id, 1, []byte{0x01}, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, created)

	rec, err := ib.Get(ctx, id.String())
	require.NoError(t, err)
	assert.Equal(t, 2, rec.AttemptCount)
}

func TestClaimForDownloadSingleWinner(t *testing.T) {
	ib, _, id := testInbox(t)
	ctx := context.Background()
	now := time.Now()

	_, err := ib.Record(ctx, id, 1, nil, now)
	require.NoError(t, err)

	won, err := ib.ClaimForDownload(ctx, id.String(), now)
	require.NoError(t, err)
	assert.True(t, won)

	// The second claimant loses: the CAS returns zero affected rows.
	won, err = ib.ClaimForDownload(ctx, id.String(), now)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestFullLifecycle(t *testing.T) {
	ib, _, id := testInbox(t)
	ctx := context.Background()
	now := time.Now()
	pid := id.String()

	_, err := ib.Record(ctx, id, 1, nil, now)
	require.NoError(t, err)

	won, err := ib.ClaimForDownload(ctx, pid, now)
	require.NoError(t, err)
	require.True(t, won)

	ok, err := ib.MarkPongSent(ctx, pid, now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ib.MarkMsgStored(ctx, pid, now)
	require.NoError(t, err)
	require.True(t, ok)

	// Stored rows are terminal and invisible to the UI.
	rows, err := ib.Renderable(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestManualRequiredRenders(t *testing.T) {
	ib, _, id := testInbox(t)
	ctx := context.Background()
	now := time.Now()

	_, err := ib.Record(ctx, id, 1, nil, now)
	require.NoError(t, err)
	ok, err := ib.MarkManualRequired(ctx, id.String(), now)
	require.NoError(t, err)
	require.True(t, ok)

	rows, err := ib.Renderable(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, storage.ManualRequired, rows[0].State)
}

func TestSweepPolicies(t *testing.T) {
	ib, store, _ := testInbox(t)
	ctx := context.Background()
	now := time.Now()

	mk := func(pid string, state storage.PingState, age time.Duration) {
		_, err := store.Pings().Record(ctx, &storage.PingRecord{
			PingID: pid, ContactID: 1,
			FirstSeenAt: now.Add(-age), LastUpdatedAt: now.Add(-age),
		})
		require.NoError(t, err)
		if state != storage.PingSeen {
			_, err = store.Pings().Transition(ctx, pid, state, now.Add(-age))
			require.NoError(t, err)
		}
	}

	mk("stored-old", storage.MsgStored, 31*24*time.Hour)
	mk("stored-new", storage.MsgStored, time.Hour)
	mk("seen-old", storage.PingSeen, 31*24*time.Hour)
	mk("pong-stuck", storage.PongSent, 8*24*time.Hour)
	mk("pong-fresh", storage.PongSent, time.Hour)

	n, err := ib.Sweep(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	for _, pid := range []string{"stored-new", "pong-fresh"} {
		_, err := ib.Get(ctx, pid)
		assert.NoError(t, err, pid)
	}
}
