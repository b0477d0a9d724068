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
	"fmt"
	"time"
)

// NonceStore implements the rolling replay window for PostgreSQL
type NonceStore struct {
	q querier
}

func (n *NonceStore) Seen(ctx context.Context, sender string, nonce []byte, expiresAt time.Time) (bool, error) {
	// Conflict with an unexpired row means the (sender, nonce) pair was
	// already seen: a replay. An expired row is refreshed and not a replay.
	query := `
		INSERT INTO seen_nonce (sender, nonce, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (sender, nonce) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE seen_nonce.expires_at < $4
	`
	tag, err := n.q.Exec(ctx, query, sender, nonce, expiresAt, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to store nonce: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

func (n *NonceStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := n.q.Exec(ctx, `DELETE FROM seen_nonce WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired nonces: %w", err)
	}
	return tag.RowsAffected(), nil
}
