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
	"encoding/base64"
	"time"

	"github.com/secure-legion/legion/storage"
)

// NonceStore implements the rolling replay window in memory.
type NonceStore struct {
	store *Store
}

func nonceKey(sender string, nonce []byte) string {
	return sender + "/" + base64.RawStdEncoding.EncodeToString(nonce)
}

func (n *NonceStore) Seen(ctx context.Context, sender string, nonce []byte, expiresAt time.Time) (bool, error) {
	n.store.lock()
	defer n.store.unlock()

	key := nonceKey(sender, nonce)
	now := time.Now().Unix()
	if exp, ok := n.store.data.nonces[key]; ok && exp >= now {
		return true, nil
	}
	n.store.data.nonces[key] = expiresAt.Unix()
	return false, nil
}

func (n *NonceStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	n.store.lock()
	defer n.store.unlock()

	var count int64
	cutoff := now.Unix()
	for key, exp := range n.store.data.nonces {
		if exp < cutoff {
			delete(n.store.data.nonces, key)
			count++
		}
	}
	return count, nil
}

var _ storage.NonceStore = (*NonceStore)(nil)
