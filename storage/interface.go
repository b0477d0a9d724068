// Secure Legion - metadata-minimising messenger
// Copyright (C) 2025 Secure-Legion
//
// This file is part of Secure Legion.
//
// Secure Legion is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Secure Legion is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Secure Legion. If not, see <https://www.gnu.org/licenses/>.

package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists is returned on unique-key conflicts.
	ErrAlreadyExists = errors.New("storage: already exists")
)

// Store aggregates the persisted tables of the transport core. WithTx groups
// mutations that must commit atomically (decrypt+persist+transition on the
// receive path, status+schedule on the send path).
type Store interface {
	Contacts() ContactStore
	KeyChains() KeyChainStore
	Pings() PingStore
	Outbox() OutboxStore
	Messages() MessageStore
	Nonces() NonceStore

	// WithTx runs fn against a transactional view of the store. The view
	// commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	Ping(ctx context.Context) error
	Close() error
}

// ContactStore persists correspondents.
type ContactStore interface {
	Create(ctx context.Context, contact *Contact) error
	Get(ctx context.Context, id ContactID) (*Contact, error)
	GetBySigningKey(ctx context.Context, signingPubKey []byte) (*Contact, error)
	List(ctx context.Context) ([]*Contact, error)
	Delete(ctx context.Context, id ContactID) error
}

// KeyChainStore persists per-contact chain state. Put is a full-row upsert;
// chain advancement must be durable before a ciphertext leaves the process.
type KeyChainStore interface {
	Put(ctx context.Context, state *KeyChainState) error
	Get(ctx context.Context, contactID ContactID) (*KeyChainState, error)
	Delete(ctx context.Context, contactID ContactID) error
}

// PingStore persists the ping inbox. All state changes go through Transition,
// a CAS gated on state rank (forward across bands, lateral inside the
// pre-PONG band) so duplicates and out-of-order callbacks never regress a row.
type PingStore interface {
	// Record inserts the row in PING_SEEN, or, when the pingId is already
	// known, increments attemptCount and refreshes lastUpdatedAt without
	// touching the state. Returns true when the row was created.
	Record(ctx context.Context, rec *PingRecord) (created bool, err error)

	Get(ctx context.Context, pingID string) (*PingRecord, error)

	// Transition applies the monotonic CAS: strictly forward across rank
	// bands, lateral within the pre-PONG band, never to the same state. The
	// returned bool is false when another actor already holds the row at or
	// past the target.
	Transition(ctx context.Context, pingID string, to PingState, now time.Time) (bool, error)

	// Renderable returns the rows the UI shows for a contact.
	Renderable(ctx context.Context, contactID ContactID) ([]*PingRecord, error)

	ListByState(ctx context.Context, state PingState) ([]*PingRecord, error)

	// DeleteOlderThan garbage-collects rows in the given state whose
	// lastUpdatedAt precedes the cutoff.
	DeleteOlderThan(ctx context.Context, state PingState, cutoff time.Time) (int64, error)

	DeleteByContact(ctx context.Context, contactID ContactID) error
}

// OutboxStore persists outbound send records.
type OutboxStore interface {
	Create(ctx context.Context, rec *OutboxRecord) error
	Get(ctx context.Context, messageID string) (*OutboxRecord, error)
	GetByPingID(ctx context.Context, pingID string) (*OutboxRecord, error)

	// Update rewrites status, attempts, nextRetryAt and pingId for a message.
	Update(ctx context.Context, rec *OutboxRecord) error

	// Due returns non-terminal records whose nextRetryAt has passed.
	Due(ctx context.Context, now time.Time, limit int) ([]*OutboxRecord, error)

	// RequeueStuckSending returns SENDING rows older than the cutoff to
	// PENDING; the reaper runs this after crashes and cancellations.
	RequeueStuckSending(ctx context.Context, cutoff time.Time) (int64, error)

	DeleteByContact(ctx context.Context, contactID ContactID) error
}

// MessageStore persists decrypted messages.
type MessageStore interface {
	// Create persists a message. For inbound messages the pingId is a unique
	// key: re-storing the same ping is a no-op, so a crash between store and
	// ack never duplicates a message.
	Create(ctx context.Context, msg *StoredMessage) (created bool, err error)

	Get(ctx context.Context, messageID string) (*StoredMessage, error)
	ListByContact(ctx context.Context, contactID ContactID) ([]*StoredMessage, error)
	DeleteByContact(ctx context.Context, contactID ContactID) error
}

// NonceStore is the rolling replay window for signed frames.
type NonceStore interface {
	// Seen atomically records (sender, nonce) and reports whether it was
	// already present and unexpired.
	Seen(ctx context.Context, sender string, nonce []byte, expiresAt time.Time) (bool, error)

	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
