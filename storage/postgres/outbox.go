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
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/secure-legion/legion/storage"
)

// OutboxStore implements storage.OutboxStore for PostgreSQL
type OutboxStore struct {
	q querier
}

func (o *OutboxStore) Create(ctx context.Context, rec *storage.OutboxRecord) error {
	query := `
		INSERT INTO outbox_message (message_id, ping_id, contact_id, ciphertext, status, attempts, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := o.q.Exec(ctx, query,
		rec.MessageID,
		rec.PingID,
		rec.ContactID,
		rec.Ciphertext,
		string(rec.Status),
		rec.Attempts,
		rec.NextRetryAt,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox message: %w", err)
	}
	return nil
}

func (o *OutboxStore) Get(ctx context.Context, messageID string) (*storage.OutboxRecord, error) {
	query := outboxSelect + ` WHERE message_id = $1`
	return scanOutbox(o.q.QueryRow(ctx, query, messageID))
}

func (o *OutboxStore) GetByPingID(ctx context.Context, pingID string) (*storage.OutboxRecord, error) {
	query := outboxSelect + ` WHERE ping_id = $1`
	return scanOutbox(o.q.QueryRow(ctx, query, pingID))
}

func (o *OutboxStore) Update(ctx context.Context, rec *storage.OutboxRecord) error {
	query := `
		UPDATE outbox_message
		SET ping_id = $2, status = $3, attempts = $4, next_retry_at = $5
		WHERE message_id = $1
	`
	tag, err := o.q.Exec(ctx, query,
		rec.MessageID,
		rec.PingID,
		string(rec.Status),
		rec.Attempts,
		rec.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update outbox message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox message %s: %w", rec.MessageID, storage.ErrNotFound)
	}
	return nil
}

func (o *OutboxStore) Due(ctx context.Context, now time.Time, limit int) ([]*storage.OutboxRecord, error) {
	query := outboxSelect + `
		WHERE status IN ('PENDING', 'PING_DELIVERED') AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2
	`
	rows, err := o.q.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due outbox messages: %w", err)
	}
	defer rows.Close()

	var out []*storage.OutboxRecord
	for rows.Next() {
		rec, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (o *OutboxStore) RequeueStuckSending(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := o.q.Exec(ctx,
		`UPDATE outbox_message SET status = 'PENDING' WHERE status = 'SENDING' AND next_retry_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (o *OutboxStore) DeleteByContact(ctx context.Context, contactID storage.ContactID) error {
	if _, err := o.q.Exec(ctx, `DELETE FROM outbox_message WHERE contact_id = $1`, contactID); err != nil {
		return fmt.Errorf("failed to delete outbox messages: %w", err)
	}
	return nil
}

const outboxSelect = `
	SELECT message_id, ping_id, contact_id, ciphertext, status, attempts, next_retry_at, created_at
	FROM outbox_message
`

func scanOutbox(row pgx.Row) (*storage.OutboxRecord, error) {
	var rec storage.OutboxRecord
	var status string
	err := row.Scan(
		&rec.MessageID,
		&rec.PingID,
		&rec.ContactID,
		&rec.Ciphertext,
		&status,
		&rec.Attempts,
		&rec.NextRetryAt,
		&rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox message: %w", err)
	}
	rec.Status = storage.OutboxStatus(status)
	return &rec, nil
}
