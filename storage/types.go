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

import "time"

// ContactID is the stable local identifier of a contact.
type ContactID int64

// Contact is a messaging correspondent addressed by a Tor v3 onion identity.
// The public keys and the onion address are immutable after creation.
type Contact struct {
	ID               ContactID `json:"id"`
	DisplayName      string    `json:"display_name"`
	OnionAddress     string    `json:"onion_address"`
	SigningPubKey    []byte    `json:"signing_pub_key"`
	EncryptionPubKey []byte    `json:"encryption_pub_key"`
	KEMPubKey        []byte    `json:"kem_pub_key,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// KeyChainState is the persisted forward-secrecy chain state for one contact.
type KeyChainState struct {
	ContactID      ContactID `json:"contact_id"`
	RootKey        []byte    `json:"root_key"`
	SendingChain   []byte    `json:"sending_chain"`
	ReceivingChain []byte    `json:"receiving_chain"`
	SendCounter    uint64    `json:"send_counter"`
	ReceiveCounter uint64    `json:"receive_counter"`
	CreatedAt      time.Time `json:"created_at"`
	LastEvolvedAt  time.Time `json:"last_evolved_at"`
}

// PingState is the wire value of a ping inbox row state.
type PingState int

const (
	PingSeen       PingState = 0
	PongSent       PingState = 1
	MsgStored      PingState = 2
	DownloadQueued PingState = 10
	FailedTemp     PingState = 11
	ManualRequired PingState = 12
)

// Rank maps a state to its position in the monotonic ordering
// PING_SEEN < DOWNLOAD_QUEUED ~ FAILED_TEMP ~ MANUAL_REQUIRED < PONG_SENT < MSG_STORED.
// The three pre-PONG substates share a rank band so retry and consent flows can
// move laterally without ever regressing a later state.
func (s PingState) Rank() int {
	switch s {
	case PingSeen:
		return 0
	case DownloadQueued, FailedTemp, ManualRequired:
		return 1
	case PongSent:
		return 2
	case MsgStored:
		return 3
	default:
		return -1
	}
}

// String returns the state name used in logs and events.
func (s PingState) String() string {
	switch s {
	case PingSeen:
		return "PING_SEEN"
	case PongSent:
		return "PONG_SENT"
	case MsgStored:
		return "MSG_STORED"
	case DownloadQueued:
		return "DOWNLOAD_QUEUED"
	case FailedTemp:
		return "FAILED_TEMP"
	case ManualRequired:
		return "MANUAL_REQUIRED"
	default:
		return "UNKNOWN"
	}
}

// Renderable reports whether a row in this state is shown to the UI.
func (s PingState) Renderable() bool {
	return s != MsgStored
}

// PingRecord is one observed inbound wake token.
type PingRecord struct {
	PingID        string    `json:"ping_id"` // base64 of the 16-byte wire id
	ContactID     ContactID `json:"contact_id"`
	State         PingState `json:"state"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	AttemptCount  int       `json:"attempt_count"`
	WireBytes     []byte    `json:"wire_bytes"`
}

// OutboxStatus is the delivery status of an outbound message.
type OutboxStatus string

const (
	OutboxPending          OutboxStatus = "PENDING"
	OutboxSending          OutboxStatus = "SENDING"
	OutboxPingDelivered    OutboxStatus = "PING_DELIVERED"
	OutboxMessageDelivered OutboxStatus = "MESSAGE_DELIVERED"
	OutboxFailed           OutboxStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s OutboxStatus) Terminal() bool {
	return s == OutboxMessageDelivered || s == OutboxFailed
}

// OutboxRecord is the per-message send record.
type OutboxRecord struct {
	MessageID   string       `json:"message_id"`
	PingID      string       `json:"ping_id"`
	ContactID   ContactID    `json:"contact_id"`
	Ciphertext  []byte       `json:"ciphertext"` // full MESSAGE frame payload
	Status      OutboxStatus `json:"status"`
	Attempts    int          `json:"attempts"`
	NextRetryAt time.Time    `json:"next_retry_at"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Direction of a stored message.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// MessageType is the payload kind; payload decoding belongs to collaborators.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeVoice    MessageType = "voice"
	TypeImage    MessageType = "image"
	TypeSticker  MessageType = "sticker"
	TypeReaction MessageType = "reaction"
	TypePayment  MessageType = "payment"
	TypeProfile  MessageType = "profile"
)

// StoredMessage is a decrypted message as the core persists it. The core owns
// only the envelope; Body is opaque plaintext or an attachment pointer.
type StoredMessage struct {
	MessageID string      `json:"message_id"`
	PingID    string      `json:"ping_id,omitempty"` // inbound only
	ContactID ContactID   `json:"contact_id"`
	Direction Direction   `json:"direction"`
	Type      MessageType `json:"type"`
	Body      []byte      `json:"body"`
	Counter   uint64      `json:"counter"` // sender chain counter, orders S4
	SentAt    time.Time   `json:"sent_at"`
	StoredAt  time.Time   `json:"stored_at"`
	Read      bool        `json:"read"`
	Pinned    bool        `json:"pinned"`
}
