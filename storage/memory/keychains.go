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

	"github.com/secure-legion/legion/storage"
)

// KeyChainStore implements storage.KeyChainStore
type KeyChainStore struct {
	store *Store
}

func (k *KeyChainStore) Put(ctx context.Context, state *storage.KeyChainState) error {
	k.store.lock()
	defer k.store.unlock()

	cp := *state
	cp.RootKey = append([]byte(nil), state.RootKey...)
	cp.SendingChain = append([]byte(nil), state.SendingChain...)
	cp.ReceivingChain = append([]byte(nil), state.ReceivingChain...)
	k.store.data.keychains[cp.ContactID] = &cp
	return nil
}

func (k *KeyChainStore) Get(ctx context.Context, contactID storage.ContactID) (*storage.KeyChainState, error) {
	k.store.lock()
	defer k.store.unlock()

	state, ok := k.store.data.keychains[contactID]
	if !ok {
		return nil, fmt.Errorf("key chain for contact %d: %w", contactID, storage.ErrNotFound)
	}
	cp := *state
	cp.RootKey = append([]byte(nil), state.RootKey...)
	cp.SendingChain = append([]byte(nil), state.SendingChain...)
	cp.ReceivingChain = append([]byte(nil), state.ReceivingChain...)
	return &cp, nil
}

func (k *KeyChainStore) Delete(ctx context.Context, contactID storage.ContactID) error {
	k.store.lock()
	defer k.store.unlock()

	if _, ok := k.store.data.keychains[contactID]; !ok {
		return fmt.Errorf("key chain for contact %d: %w", contactID, storage.ErrNotFound)
	}
	delete(k.store.data.keychains, contactID)
	return nil
}
