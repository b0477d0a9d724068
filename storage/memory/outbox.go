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
	"time"

	"github.com/secure-legion/legion/storage"
)

// OutboxStore implements storage.OutboxStore
type OutboxStore struct {
	store *Store
}

func (o *OutboxStore) Create(ctx context.Context, rec *storage.OutboxRecord) error {
	o.store.lock()
	defer o.store.unlock()

	if _, exists := o.store.data.outbox[rec.MessageID]; exists {
		return fmt.Errorf("outbox message %s: %w", rec.MessageID, storage.ErrAlreadyExists)
	}
	cp := *rec
	cp.Ciphertext = append([]byte(nil), rec.Ciphertext...)
	o.store.data.outbox[cp.MessageID] = &cp
	o.store.data.outboxByPing[cp.PingID] = cp.MessageID
	return nil
}

func (o *OutboxStore) Get(ctx context.Context, messageID string) (*storage.OutboxRecord, error) {
	o.store.lock()
	defer o.store.unlock()

	rec, ok := o.store.data.outbox[messageID]
	if !ok {
		return nil, fmt.Errorf("outbox message %s: %w", messageID, storage.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (o *OutboxStore) GetByPingID(ctx context.Context, pingID string) (*storage.OutboxRecord, error) {
	o.store.lock()
	defer o.store.unlock()

	messageID, ok := o.store.data.outboxByPing[pingID]
	if !ok {
		return nil, fmt.Errorf("outbox by ping %s: %w", pingID, storage.ErrNotFound)
	}
	rec, ok := o.store.data.outbox[messageID]
	if !ok {
		return nil, fmt.Errorf("outbox by ping %s: %w", pingID, storage.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (o *OutboxStore) Update(ctx context.Context, rec *storage.OutboxRecord) error {
	o.store.lock()
	defer o.store.unlock()

	existing, ok := o.store.data.outbox[rec.MessageID]
	if !ok {
		return fmt.Errorf("outbox message %s: %w", rec.MessageID, storage.ErrNotFound)
	}
	if existing.PingID != rec.PingID {
		delete(o.store.data.outboxByPing, existing.PingID)
		o.store.data.outboxByPing[rec.PingID] = rec.MessageID
	}
	cp := *rec
	cp.Ciphertext = append([]byte(nil), rec.Ciphertext...)
	o.store.data.outbox[cp.MessageID] = &cp
	return nil
}

func (o *OutboxStore) Due(ctx context.Context, now time.Time, limit int) ([]*storage.OutboxRecord, error) {
	o.store.lock()
	defer o.store.unlock()

	var out []*storage.OutboxRecord
	for _, rec := range o.store.data.outbox {
		if !rec.Status.Terminal() && rec.Status != storage.OutboxSending && !rec.NextRetryAt.After(now) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *OutboxStore) RequeueStuckSending(ctx context.Context, cutoff time.Time) (int64, error) {
	o.store.lock()
	defer o.store.unlock()

	var n int64
	for _, rec := range o.store.data.outbox {
		if rec.Status == storage.OutboxSending && rec.NextRetryAt.Before(cutoff) {
			rec.Status = storage.OutboxPending
			n++
		}
	}
	return n, nil
}

func (o *OutboxStore) DeleteByContact(ctx context.Context, contactID storage.ContactID) error {
	o.store.lock()
	defer o.store.unlock()

	for id, rec := range o.store.data.outbox {
		if rec.ContactID == contactID {
			delete(o.store.data.outboxByPing, rec.PingID)
			delete(o.store.data.outbox, id)
		}
	}
	return nil
}
