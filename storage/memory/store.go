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

// Package memory provides an in-process Store used by tests and embedded
// deployments. A transaction clones the tables and swaps them in on commit,
// so a failing transaction leaves no partial writes behind.
package memory

import (
	"context"
	"sync"

	"github.com/secure-legion/legion/storage"
)

type tables struct {
	contacts      map[storage.ContactID]*storage.Contact
	nextContactID storage.ContactID
	keychains     map[storage.ContactID]*storage.KeyChainState
	pings         map[string]*storage.PingRecord
	outbox        map[string]*storage.OutboxRecord
	outboxByPing  map[string]string
	messages      map[string]*storage.StoredMessage
	msgByPing     map[string]string
	nonces        map[string]int64 // sender/nonce -> expiry unix
}

func newTables() *tables {
	return &tables{
		contacts:      make(map[storage.ContactID]*storage.Contact),
		nextContactID: 1,
		keychains:     make(map[storage.ContactID]*storage.KeyChainState),
		pings:         make(map[string]*storage.PingRecord),
		outbox:        make(map[string]*storage.OutboxRecord),
		outboxByPing:  make(map[string]string),
		messages:      make(map[string]*storage.StoredMessage),
		msgByPing:     make(map[string]string),
		nonces:        make(map[string]int64),
	}
}

func (t *tables) clone() *tables {
	c := &tables{
		contacts:      make(map[storage.ContactID]*storage.Contact, len(t.contacts)),
		nextContactID: t.nextContactID,
		keychains:     make(map[storage.ContactID]*storage.KeyChainState, len(t.keychains)),
		pings:         make(map[string]*storage.PingRecord, len(t.pings)),
		outbox:        make(map[string]*storage.OutboxRecord, len(t.outbox)),
		outboxByPing:  make(map[string]string, len(t.outboxByPing)),
		messages:      make(map[string]*storage.StoredMessage, len(t.messages)),
		msgByPing:     make(map[string]string, len(t.msgByPing)),
		nonces:        make(map[string]int64, len(t.nonces)),
	}
	for k, v := range t.contacts {
		vc := *v
		c.contacts[k] = &vc
	}
	for k, v := range t.keychains {
		vc := *v
		c.keychains[k] = &vc
	}
	for k, v := range t.pings {
		vc := *v
		c.pings[k] = &vc
	}
	for k, v := range t.outbox {
		vc := *v
		c.outbox[k] = &vc
	}
	for k, v := range t.outboxByPing {
		c.outboxByPing[k] = v
	}
	for k, v := range t.messages {
		vc := *v
		c.messages[k] = &vc
	}
	for k, v := range t.msgByPing {
		c.msgByPing[k] = v
	}
	for k, v := range t.nonces {
		c.nonces[k] = v
	}
	return c
}

// Store implements storage.Store in memory.
type Store struct {
	mu   *sync.Mutex
	data *tables
	inTx bool
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		mu:   &sync.Mutex{},
		data: newTables(),
	}
}

func (s *Store) lock() {
	if !s.inTx {
		s.mu.Lock()
	}
}

func (s *Store) unlock() {
	if !s.inTx {
		s.mu.Unlock()
	}
}

// Contacts returns the contact table
func (s *Store) Contacts() storage.ContactStore { return &ContactStore{store: s} }

// KeyChains returns the key chain table
func (s *Store) KeyChains() storage.KeyChainStore { return &KeyChainStore{store: s} }

// Pings returns the ping inbox table
func (s *Store) Pings() storage.PingStore { return &PingStore{store: s} }

// Outbox returns the outbox table
func (s *Store) Outbox() storage.OutboxStore { return &OutboxStore{store: s} }

// Messages returns the stored message table
func (s *Store) Messages() storage.MessageStore { return &MessageStore{store: s} }

// Nonces returns the replay window table
func (s *Store) Nonces() storage.NonceStore { return &NonceStore{store: s} }

// WithTx clones the tables, runs fn against the clone, and swaps the clone in
// when fn succeeds. Transactions serialise on the store mutex.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Store) error) error {
	if s.inTx {
		// Nested transactions join the outer one.
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Store{mu: s.mu, data: s.data.clone(), inTx: true}
	if err := fn(tx); err != nil {
		return err
	}
	s.data = tx.data
	return nil
}

// Ping reports the store as reachable.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close releases nothing; the memory store has no external resources.
func (s *Store) Close() error { return nil }
