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

package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/secure-legion/legion/storage"
)

// ContactStore implements storage.ContactStore
type ContactStore struct {
	store *Store
}

func (c *ContactStore) Create(ctx context.Context, contact *storage.Contact) error {
	c.store.lock()
	defer c.store.unlock()

	if contact.ID == 0 {
		contact.ID = c.store.data.nextContactID
		c.store.data.nextContactID++
	} else if _, exists := c.store.data.contacts[contact.ID]; exists {
		return fmt.Errorf("contact %d: %w", contact.ID, storage.ErrAlreadyExists)
	} else if contact.ID >= c.store.data.nextContactID {
		c.store.data.nextContactID = contact.ID + 1
	}

	cp := *contact
	c.store.data.contacts[cp.ID] = &cp
	return nil
}

func (c *ContactStore) Get(ctx context.Context, id storage.ContactID) (*storage.Contact, error) {
	c.store.lock()
	defer c.store.unlock()

	contact, ok := c.store.data.contacts[id]
	if !ok {
		return nil, fmt.Errorf("contact %d: %w", id, storage.ErrNotFound)
	}
	cp := *contact
	return &cp, nil
}

func (c *ContactStore) GetBySigningKey(ctx context.Context, signingPubKey []byte) (*storage.Contact, error) {
	c.store.lock()
	defer c.store.unlock()

	for _, contact := range c.store.data.contacts {
		if bytes.Equal(contact.SigningPubKey, signingPubKey) {
			cp := *contact
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("contact by signing key: %w", storage.ErrNotFound)
}

func (c *ContactStore) List(ctx context.Context) ([]*storage.Contact, error) {
	c.store.lock()
	defer c.store.unlock()

	out := make([]*storage.Contact, 0, len(c.store.data.contacts))
	for _, contact := range c.store.data.contacts {
		cp := *contact
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *ContactStore) Delete(ctx context.Context, id storage.ContactID) error {
	c.store.lock()
	defer c.store.unlock()

	if _, ok := c.store.data.contacts[id]; !ok {
		return fmt.Errorf("contact %d: %w", id, storage.ErrNotFound)
	}
	delete(c.store.data.contacts, id)
	return nil
}
