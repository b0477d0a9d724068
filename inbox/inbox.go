// Package inbox is the durable ping inbox: one row per observed inbound wake
// token, advanced through a monotonic state machine. Transitions are CAS
// updates gated on the state rank, so duplicate pings and out-of-order
// callbacks never regress a row, under any concurrency.
package inbox

import (
	"context"
	"time"

	"github.com/secure-legion/legion/internal/logger"
	"github.com/secure-legion/legion/storage"
	"github.com/secure-legion/legion/wire"
)

// Inbox wraps the persisted ping table with the wake-protocol operations.
type Inbox struct {
	store storage.Store
	log   logger.Logger
}

// New creates an inbox over the given store.
func New(store storage.Store, log logger.Logger) *Inbox {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Inbox{store: store, log: log}
}

// Record inserts a freshly observed ping in PING_SEEN. A duplicate only
// increments attemptCount and refreshes lastUpdatedAt. Returns true when the
// ping was new.
func (i *Inbox) Record(ctx context.Context, pingID wire.PingID, contactID storage.ContactID, wireBytes []byte, now time.Time) (bool, error) {
	created, err := i.store.Pings().Record(ctx, &storage.PingRecord{
		PingID:        pingID.String(),
		ContactID:     contactID,
		State:         storage.PingSeen,
		FirstSeenAt:   now,
		LastUpdatedAt: now,
		WireBytes:     wireBytes,
	})
	if err != nil {
		return false, err
	}
	if !created {
		i.log.Debug("duplicate ping absorbed", logger.String("ping_id", pingID.String()))
	}
	return created, nil
}

// Get returns the row for a ping id.
func (i *Inbox) Get(ctx context.Context, pingID string) (*storage.PingRecord, error) {
	return i.store.Pings().Get(ctx, pingID)
}

// ClaimForDownload moves the row to DOWNLOAD_QUEUED iff it has not been
// claimed already. Returns false when another actor won the claim.
func (i *Inbox) ClaimForDownload(ctx context.Context, pingID string, now time.Time) (bool, error) {
	return i.store.Pings().Transition(ctx, pingID, storage.DownloadQueued, now)
}

// MarkPongSent records that our signed consent left for the sender.
func (i *Inbox) MarkPongSent(ctx context.Context, pingID string, now time.Time) (bool, error) {
	return i.store.Pings().Transition(ctx, pingID, storage.PongSent, now)
}

// MarkMsgStored records that the payload is durably persisted. Terminal.
func (i *Inbox) MarkMsgStored(ctx context.Context, pingID string, now time.Time) (bool, error) {
	return i.store.Pings().Transition(ctx, pingID, storage.MsgStored, now)
}

// MarkMsgStoredTx is MarkMsgStored against a transactional store view, used
// when the transition must commit together with the stored message.
func (i *Inbox) MarkMsgStoredTx(ctx context.Context, tx storage.Store, pingID string, now time.Time) (bool, error) {
	return tx.Pings().Transition(ctx, pingID, storage.MsgStored, now)
}

// MarkFailedTemp parks the row for a retry after a transient network error.
func (i *Inbox) MarkFailedTemp(ctx context.Context, pingID string, now time.Time) (bool, error) {
	return i.store.Pings().Transition(ctx, pingID, storage.FailedTemp, now)
}

// MarkManualRequired parks the row behind the device-protection consent gate.
func (i *Inbox) MarkManualRequired(ctx context.Context, pingID string, now time.Time) (bool, error) {
	return i.store.Pings().Transition(ctx, pingID, storage.ManualRequired, now)
}

// Renderable returns the rows the UI shows for a contact.
func (i *Inbox) Renderable(ctx context.Context, contactID storage.ContactID) ([]*storage.PingRecord, error) {
	return i.store.Pings().Renderable(ctx, contactID)
}

// Pending returns rows parked in a given state, for the retry worker and the
// restart recovery scan.
func (i *Inbox) Pending(ctx context.Context, state storage.PingState) ([]*storage.PingRecord, error) {
	return i.store.Pings().ListByState(ctx, state)
}

// Retention policy applied by the GC sweeper.
const (
	StoredRetention = 30 * 24 * time.Hour
	SeenRetention   = 30 * 24 * time.Hour
	PongRetention   = 7 * 24 * time.Hour
)

// Sweep garbage-collects aged rows: stored and abandoned rows after 30 days,
// stuck post-PONG rows after 7 days.
func (i *Inbox) Sweep(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, policy := range []struct {
		state storage.PingState
		age   time.Duration
	}{
		{storage.MsgStored, StoredRetention},
		{storage.PingSeen, SeenRetention},
		{storage.PongSent, PongRetention},
	} {
		n, err := i.store.Pings().DeleteOlderThan(ctx, policy.state, now.Add(-policy.age))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
