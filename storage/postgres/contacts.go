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

// ContactStore implements storage.ContactStore for PostgreSQL
type ContactStore struct {
	q querier
}

func (c *ContactStore) Create(ctx context.Context, contact *storage.Contact) error {
	query := `
		INSERT INTO contact (display_name, onion_address, signing_pub_key, encryption_pub_key, kem_pub_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := c.q.QueryRow(ctx, query,
		contact.DisplayName,
		contact.OnionAddress,
		contact.SigningPubKey,
		contact.EncryptionPubKey,
		contact.KEMPubKey,
		contact.CreatedAt,
	).Scan(&contact.ID)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

func (c *ContactStore) Get(ctx context.Context, id storage.ContactID) (*storage.Contact, error) {
	query := `
		SELECT id, display_name, onion_address, signing_pub_key, encryption_pub_key, kem_pub_key, created_at
		FROM contact
		WHERE id = $1
	`
	return scanContact(c.q.QueryRow(ctx, query, id))
}

func (c *ContactStore) GetBySigningKey(ctx context.Context, signingPubKey []byte) (*storage.Contact, error) {
	query := `
		SELECT id, display_name, onion_address, signing_pub_key, encryption_pub_key, kem_pub_key, created_at
		FROM contact
		WHERE signing_pub_key = $1
	`
	return scanContact(c.q.QueryRow(ctx, query, signingPubKey))
}

func (c *ContactStore) List(ctx context.Context) ([]*storage.Contact, error) {
	query := `
		SELECT id, display_name, onion_address, signing_pub_key, encryption_pub_key, kem_pub_key, created_at
		FROM contact
		ORDER BY id
	`
	rows, err := c.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	var out []*storage.Contact
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, contact)
	}
	return out, rows.Err()
}

func (c *ContactStore) Delete(ctx context.Context, id storage.ContactID) error {
	tag, err := c.q.Exec(ctx, `DELETE FROM contact WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete contact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("contact %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

func scanContact(row pgx.Row) (*storage.Contact, error) {
	var contact storage.Contact
	err := row.Scan(
		&contact.ID,
		&contact.DisplayName,
		&contact.OnionAddress,
		&contact.SigningPubKey,
		&contact.EncryptionPubKey,
		&contact.KEMPubKey,
		&contact.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan contact: %w", err)
	}
	return &contact, nil
}
