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
	"context"
	"fmt"
	"sort"

	"github.com/secure-legion/legion/storage"
)

// MessageStore implements storage.MessageStore
type MessageStore struct {
	store *Store
}

func (m *MessageStore) Create(ctx context.Context, msg *storage.StoredMessage) (bool, error) {
	m.store.lock()
	defer m.store.unlock()

	if msg.PingID != "" {
		if _, exists := m.store.data.msgByPing[msg.PingID]; exists {
			return false, nil
		}
	}
	if _, exists := m.store.data.messages[msg.MessageID]; exists {
		return false, nil
	}

	cp := *msg
	cp.Body = append([]byte(nil), msg.Body...)
	m.store.data.messages[cp.MessageID] = &cp
	if cp.PingID != "" {
		m.store.data.msgByPing[cp.PingID] = cp.MessageID
	}
	return true, nil
}

func (m *MessageStore) Get(ctx context.Context, messageID string) (*storage.StoredMessage, error) {
	m.store.lock()
	defer m.store.unlock()

	msg, ok := m.store.data.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, storage.ErrNotFound)
	}
	cp := *msg
	return &cp, nil
}

func (m *MessageStore) ListByContact(ctx context.Context, contactID storage.ContactID) ([]*storage.StoredMessage, error) {
	m.store.lock()
	defer m.store.unlock()

	var out []*storage.StoredMessage
	for _, msg := range m.store.data.messages {
		if msg.ContactID == contactID {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Counter != out[j].Counter {
			return out[i].Counter < out[j].Counter
		}
		return out[i].StoredAt.Before(out[j].StoredAt)
	})
	return out, nil
}

func (m *MessageStore) DeleteByContact(ctx context.Context, contactID storage.ContactID) error {
	m.store.lock()
	defer m.store.unlock()

	for id, msg := range m.store.data.messages {
		if msg.ContactID == contactID {
			if msg.PingID != "" {
				delete(m.store.data.msgByPing, msg.PingID)
			}
			delete(m.store.data.messages, id)
		}
	}
	return nil
}
