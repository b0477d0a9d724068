package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAgreementPair(t *testing.T) (aPriv, aPub, bPriv, bPub []byte) {
	t.Helper()
	a, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	b, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return a.Bytes(), a.PublicKey().Bytes(), b.Bytes(), b.PublicKey().Bytes()
}

func TestDeriveSharedSecretSymmetry(t *testing.T) {
	aPriv, aPub, bPriv, bPub := newAgreementPair(t)

	s1, err := DeriveSharedSecret(aPriv, bPub)
	require.NoError(t, err)
	s2, err := DeriveSharedSecret(bPriv, aPub)
	require.NoError(t, err)

	assert.Equal(t, s1, s2)
	assert.Len(t, s1, KeySize)
}

func TestDeriveSharedSecretRejectsBadSizes(t *testing.T) {
	aPriv, _, _, bPub := newAgreementPair(t)

	_, err := DeriveSharedSecret(aPriv[:16], bPub)
	assert.ErrorIs(t, err, ErrInvalidKeySize)

	_, err = DeriveSharedSecret(aPriv, bPub[:31])
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestDeriveChainPairDeterministic(t *testing.T) {
	shared := make([]byte, KeySize)
	_, err := rand.Read(shared)
	require.NoError(t, err)

	root, err := DeriveRootKey(shared, RootKeyInfo)
	require.NoError(t, err)
	require.Len(t, root, KeySize)

	out1, in1, err := DeriveChainPair(root)
	require.NoError(t, err)
	out2, in2, err := DeriveChainPair(root)
	require.NoError(t, err)

	assert.Equal(t, out1, out2)
	assert.Equal(t, in1, in2)
	assert.NotEqual(t, out1, in1)
}

func TestEvolveChainOneWay(t *testing.T) {
	chain := make([]byte, KeySize)
	_, err := rand.Read(chain)
	require.NoError(t, err)

	next, err := EvolveChain(chain)
	require.NoError(t, err)
	assert.NotEqual(t, chain, next)

	// Message keys are domain-separated from chain evolution.
	msgKey, err := MessageKey(chain)
	require.NoError(t, err)
	assert.NotEqual(t, next, msgKey)

	// Evolution is deterministic.
	again, err := EvolveChain(chain)
	require.NoError(t, err)
	assert.Equal(t, next, again)
}

func TestAEADRoundtrip(t *testing.T) {
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	nonce, err := NewNonce()
	require.NoError(t, err)
	ad := []byte("header bytes")
	plaintext := []byte("the quick brown fox")

	ct, err := AEADSeal(key, nonce, ad, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ct)

	pt, err := AEADOpen(key, nonce, ad, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestAEADTamperDetection(t *testing.T) {
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	nonce, err := NewNonce()
	require.NoError(t, err)

	ct, err := AEADSeal(key, nonce, []byte("ad"), []byte("payload"))
	require.NoError(t, err)

	t.Run("flipped ciphertext byte", func(t *testing.T) {
		bad := append([]byte(nil), ct...)
		bad[len(bad)/2] ^= 0xFF
		_, err := AEADOpen(key, nonce, []byte("ad"), bad)
		assert.ErrorIs(t, err, ErrTamperedOrWrongKey)
	})

	t.Run("wrong associated data", func(t *testing.T) {
		_, err := AEADOpen(key, nonce, []byte("other"), ct)
		assert.ErrorIs(t, err, ErrTamperedOrWrongKey)
	})

	t.Run("wrong key", func(t *testing.T) {
		other := make([]byte, KeySize)
		_, _ = rand.Read(other)
		_, err := AEADOpen(other, nonce, []byte("ad"), ct)
		assert.ErrorIs(t, err, ErrTamperedOrWrongKey)
	})
}

func TestWipe(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Wipe(b)
	assert.True(t, bytes.Equal(b, []byte{0, 0, 0, 0}))
}
