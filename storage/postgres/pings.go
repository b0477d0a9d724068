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

// PingStore implements storage.PingStore for PostgreSQL
type PingStore struct {
	q querier
}

func (p *PingStore) Record(ctx context.Context, rec *storage.PingRecord) (bool, error) {
	// xmax = 0 only for freshly inserted rows, so the flag distinguishes
	// insert from the duplicate-ping attempt_count bump.
	query := `
		INSERT INTO ping_inbox (ping_id, contact_id, state, state_rank, first_seen_at, last_updated_at, attempt_count, wire_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
		ON CONFLICT (ping_id) DO UPDATE SET
			attempt_count = ping_inbox.attempt_count + 1,
			last_updated_at = EXCLUDED.last_updated_at
		RETURNING (xmax = 0) AS created
	`
	var created bool
	err := p.q.QueryRow(ctx, query,
		rec.PingID,
		rec.ContactID,
		int(storage.PingSeen),
		storage.PingSeen.Rank(),
		rec.FirstSeenAt,
		rec.LastUpdatedAt,
		rec.WireBytes,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("failed to record ping: %w", err)
	}
	return created, nil
}

func (p *PingStore) Get(ctx context.Context, pingID string) (*storage.PingRecord, error) {
	query := `
		SELECT ping_id, contact_id, state, first_seen_at, last_updated_at, attempt_count, wire_bytes
		FROM ping_inbox
		WHERE ping_id = $1
	`
	return scanPing(p.q.QueryRow(ctx, query, pingID))
}

func (p *PingStore) Transition(ctx context.Context, pingID string, to storage.PingState, now time.Time) (bool, error) {
	// Strictly forward across rank bands; lateral moves allowed within the
	// pre-PONG band, same-state never.
	query := `
		UPDATE ping_inbox
		SET state = $2, state_rank = $3, last_updated_at = $4
		WHERE ping_id = $1 AND (state_rank < $3 OR (state_rank = $3 AND state <> $2))
	`
	tag, err := p.q.Exec(ctx, query, pingID, int(to), to.Rank(), now)
	if err != nil {
		return false, fmt.Errorf("failed to transition ping: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PingStore) Renderable(ctx context.Context, contactID storage.ContactID) ([]*storage.PingRecord, error) {
	query := `
		SELECT ping_id, contact_id, state, first_seen_at, last_updated_at, attempt_count, wire_bytes
		FROM ping_inbox
		WHERE contact_id = $1 AND state <> $2
		ORDER BY first_seen_at
	`
	return p.queryPings(ctx, query, contactID, int(storage.MsgStored))
}

func (p *PingStore) ListByState(ctx context.Context, state storage.PingState) ([]*storage.PingRecord, error) {
	query := `
		SELECT ping_id, contact_id, state, first_seen_at, last_updated_at, attempt_count, wire_bytes
		FROM ping_inbox
		WHERE state = $1
		ORDER BY first_seen_at
	`
	return p.queryPings(ctx, query, int(state))
}

func (p *PingStore) DeleteOlderThan(ctx context.Context, state storage.PingState, cutoff time.Time) (int64, error) {
	tag, err := p.q.Exec(ctx,
		`DELETE FROM ping_inbox WHERE state = $1 AND last_updated_at < $2`,
		int(state), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old pings: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PingStore) DeleteByContact(ctx context.Context, contactID storage.ContactID) error {
	if _, err := p.q.Exec(ctx, `DELETE FROM ping_inbox WHERE contact_id = $1`, contactID); err != nil {
		return fmt.Errorf("failed to delete pings: %w", err)
	}
	return nil
}

func (p *PingStore) queryPings(ctx context.Context, query string, args ...any) ([]*storage.PingRecord, error) {
	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pings: %w", err)
	}
	defer rows.Close()

	var out []*storage.PingRecord
	for rows.Next() {
		rec, err := scanPing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanPing(row pgx.Row) (*storage.PingRecord, error) {
	var rec storage.PingRecord
	var state int
	err := row.Scan(
		&rec.PingID,
		&rec.ContactID,
		&state,
		&rec.FirstSeenAt,
		&rec.LastUpdatedAt,
		&rec.AttemptCount,
		&rec.WireBytes,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ping: %w", err)
	}
	rec.State = storage.PingState(state)
	return &rec, nil
}
