package keychain

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/secure-legion/legion/wire"
)

// FuzzReorderedDelivery drives the skip-window with fuzzed delivery orders:
// whatever the permutation, every message decrypts exactly once and the cache
// drains.
func FuzzReorderedDelivery(f *testing.F) {
	f.Add([]byte{4, 2, 3, 1, 0})
	f.Add([]byte{0, 1, 2, 3, 4, 5, 6, 7})
	f.Add([]byte{7, 0, 6, 1, 5, 2, 4, 3})

	f.Fuzz(func(t *testing.T, order []byte) {
		if len(order) == 0 || len(order) > 32 {
			t.Skip()
		}
		// Normalise the fuzz input into a permutation of [0, n).
		n := len(order)
		perm := make([]int, n)
		for i := range perm {
			perm[i] = i
		}
		for i, b := range order {
			j := int(b) % n
			perm[i], perm[j] = perm[j], perm[i]
		}

		a, b := pairedPeers(t)
		ctx := context.Background()

		type sealed struct {
			header *wire.MessageHeader
			ct     []byte
			body   string
		}
		msgs := make([]sealed, 0, n)
		for i := 0; i < n; i++ {
			body := fmt.Sprintf("msg-%d", i)
			header, ct, err := a.mgr.EncryptNext(ctx, 1, []byte(body), nil)
			require.NoError(t, err)
			msgs = append(msgs, sealed{header: header, ct: ct, body: body})
		}

		for _, idx := range perm {
			got, err := b.mgr.Decrypt(ctx, 1, msgs[idx].header, msgs[idx].ct, nil)
			require.NoError(t, err, "delivery order %v at %d", perm, idx)
			require.Equal(t, msgs[idx].body, string(got))
		}

		state, err := b.store.KeyChains().Get(ctx, 1)
		require.NoError(t, err)
		require.EqualValues(t, n, state.ReceiveCounter)
		require.Zero(t, b.mgr.SkippedKeyCount())
	})
}
