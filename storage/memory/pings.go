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

// PingStore implements storage.PingStore
type PingStore struct {
	store *Store
}

func (p *PingStore) Record(ctx context.Context, rec *storage.PingRecord) (bool, error) {
	p.store.lock()
	defer p.store.unlock()

	if existing, ok := p.store.data.pings[rec.PingID]; ok {
		existing.AttemptCount++
		existing.LastUpdatedAt = rec.LastUpdatedAt
		return false, nil
	}

	cp := *rec
	cp.State = storage.PingSeen
	if cp.AttemptCount == 0 {
		cp.AttemptCount = 1
	}
	cp.WireBytes = append([]byte(nil), rec.WireBytes...)
	p.store.data.pings[cp.PingID] = &cp
	return true, nil
}

func (p *PingStore) Get(ctx context.Context, pingID string) (*storage.PingRecord, error) {
	p.store.lock()
	defer p.store.unlock()

	rec, ok := p.store.data.pings[pingID]
	if !ok {
		return nil, fmt.Errorf("ping %s: %w", pingID, storage.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (p *PingStore) Transition(ctx context.Context, pingID string, to storage.PingState, now time.Time) (bool, error) {
	p.store.lock()
	defer p.store.unlock()

	rec, ok := p.store.data.pings[pingID]
	if !ok {
		return false, fmt.Errorf("ping %s: %w", pingID, storage.ErrNotFound)
	}
	// Strictly forward across rank bands; lateral moves allowed within the
	// pre-PONG band (retry and consent flows), same-state never.
	if rec.State.Rank() > to.Rank() || rec.State == to {
		return false, nil
	}
	rec.State = to
	rec.LastUpdatedAt = now
	return true, nil
}

func (p *PingStore) Renderable(ctx context.Context, contactID storage.ContactID) ([]*storage.PingRecord, error) {
	p.store.lock()
	defer p.store.unlock()

	var out []*storage.PingRecord
	for _, rec := range p.store.data.pings {
		if rec.ContactID == contactID && rec.State.Renderable() {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeenAt.Before(out[j].FirstSeenAt) })
	return out, nil
}

func (p *PingStore) ListByState(ctx context.Context, state storage.PingState) ([]*storage.PingRecord, error) {
	p.store.lock()
	defer p.store.unlock()

	var out []*storage.PingRecord
	for _, rec := range p.store.data.pings {
		if rec.State == state {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeenAt.Before(out[j].FirstSeenAt) })
	return out, nil
}

func (p *PingStore) DeleteOlderThan(ctx context.Context, state storage.PingState, cutoff time.Time) (int64, error) {
	p.store.lock()
	defer p.store.unlock()

	var n int64
	for id, rec := range p.store.data.pings {
		if rec.State == state && rec.LastUpdatedAt.Before(cutoff) {
			delete(p.store.data.pings, id)
			n++
		}
	}
	return n, nil
}

func (p *PingStore) DeleteByContact(ctx context.Context, contactID storage.ContactID) error {
	p.store.lock()
	defer p.store.unlock()

	for id, rec := range p.store.data.pings {
		if rec.ContactID == contactID {
			delete(p.store.data.pings, id)
		}
	}
	return nil
}
