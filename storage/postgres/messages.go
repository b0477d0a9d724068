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

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/secure-legion/legion/storage"
)

// MessageStore implements storage.MessageStore for PostgreSQL
type MessageStore struct {
	q querier
}

func (m *MessageStore) Create(ctx context.Context, msg *storage.StoredMessage) (bool, error) {
	// Conflict on ping_id (or message_id) means the message was already
	// persisted by an earlier attempt; re-storing is a no-op.
	query := `
		INSERT INTO stored_message (message_id, ping_id, contact_id, direction, msg_type, body, counter, sent_at, stored_at, read, pinned)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
	`
	tag, err := m.q.Exec(ctx, query,
		msg.MessageID,
		msg.PingID,
		msg.ContactID,
		int(msg.Direction),
		string(msg.Type),
		msg.Body,
		int64(msg.Counter),
		msg.SentAt,
		msg.StoredAt,
		msg.Read,
		msg.Pinned,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create stored message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (m *MessageStore) Get(ctx context.Context, messageID string) (*storage.StoredMessage, error) {
	query := messageSelect + ` WHERE message_id = $1`
	return scanMessage(m.q.QueryRow(ctx, query, messageID))
}

func (m *MessageStore) ListByContact(ctx context.Context, contactID storage.ContactID) ([]*storage.StoredMessage, error) {
	query := messageSelect + ` WHERE contact_id = $1 ORDER BY counter, stored_at`
	rows, err := m.q.Query(ctx, query, contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*storage.StoredMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (m *MessageStore) DeleteByContact(ctx context.Context, contactID storage.ContactID) error {
	if _, err := m.q.Exec(ctx, `DELETE FROM stored_message WHERE contact_id = $1`, contactID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

const messageSelect = `
	SELECT message_id, COALESCE(ping_id, ''), contact_id, direction, msg_type, body, counter, sent_at, stored_at, read, pinned
	FROM stored_message
`

func scanMessage(row pgx.Row) (*storage.StoredMessage, error) {
	var msg storage.StoredMessage
	var direction int
	var msgType string
	var counter int64
	err := row.Scan(
		&msg.MessageID,
		&msg.PingID,
		&msg.ContactID,
		&direction,
		&msgType,
		&msg.Body,
		&counter,
		&msg.SentAt,
		&msg.StoredAt,
		&msg.Read,
		&msg.Pinned,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan stored message: %w", err)
	}
	msg.Direction = storage.Direction(direction)
	msg.Type = storage.MessageType(msgType)
	msg.Counter = uint64(counter)
	return &msg, nil
}
