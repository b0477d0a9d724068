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

// KeyChainStore implements storage.KeyChainStore for PostgreSQL
type KeyChainStore struct {
	q querier
}

func (k *KeyChainStore) Put(ctx context.Context, state *storage.KeyChainState) error {
	query := `
		INSERT INTO contact_key_chain (contact_id, root_key, sending_chain, receiving_chain, send_counter, receive_counter, created_at, last_evolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (contact_id) DO UPDATE SET
			root_key = EXCLUDED.root_key,
			sending_chain = EXCLUDED.sending_chain,
			receiving_chain = EXCLUDED.receiving_chain,
			send_counter = EXCLUDED.send_counter,
			receive_counter = EXCLUDED.receive_counter,
			created_at = EXCLUDED.created_at,
			last_evolved_at = EXCLUDED.last_evolved_at
	`
	_, err := k.q.Exec(ctx, query,
		state.ContactID,
		state.RootKey,
		state.SendingChain,
		state.ReceivingChain,
		int64(state.SendCounter),
		int64(state.ReceiveCounter),
		state.CreatedAt,
		state.LastEvolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put key chain: %w", err)
	}
	return nil
}

func (k *KeyChainStore) Get(ctx context.Context, contactID storage.ContactID) (*storage.KeyChainState, error) {
	query := `
		SELECT contact_id, root_key, sending_chain, receiving_chain, send_counter, receive_counter, created_at, last_evolved_at
		FROM contact_key_chain
		WHERE contact_id = $1
	`

	var state storage.KeyChainState
	var sendCounter, receiveCounter int64
	err := k.q.QueryRow(ctx, query, contactID).Scan(
		&state.ContactID,
		&state.RootKey,
		&state.SendingChain,
		&state.ReceivingChain,
		&sendCounter,
		&receiveCounter,
		&state.CreatedAt,
		&state.LastEvolvedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key chain: %w", err)
	}
	state.SendCounter = uint64(sendCounter)
	state.ReceiveCounter = uint64(receiveCounter)
	return &state, nil
}

func (k *KeyChainStore) Delete(ctx context.Context, contactID storage.ContactID) error {
	tag, err := k.q.Exec(ctx, `DELETE FROM contact_key_chain WHERE contact_id = $1`, contactID)
	if err != nil {
		return fmt.Errorf("failed to delete key chain: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("key chain for contact %d: %w", contactID, storage.ErrNotFound)
	}
	return nil
}
