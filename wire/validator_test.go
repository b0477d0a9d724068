package wire

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secure-legion/legion/storage"
	"github.com/secure-legion/legion/storage/memory"
)

func validatorFixture(t *testing.T) (*Validator, *storage.Contact, ed25519.PrivateKey) {
	t.Helper()
	store := memory.NewStore()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	contact := &storage.Contact{
		DisplayName:      "peer",
		OnionAddress:     "peerpeerpeerpeerpeerpeerpeerpeerpeerpeerpeerpeerpeerpeer.onion",
		SigningPubKey:    []byte(pub),
		EncryptionPubKey: make([]byte, 32),
		CreatedAt:        time.Now(),
	}
	require.NoError(t, store.Contacts().Create(context.Background(), contact))

	v := NewValidator(5*time.Minute, store.Nonces(), store.Contacts())
	return v, contact, priv
}

func signedPing(t *testing.T, priv ed25519.PrivateKey, senderPub []byte, ts time.Time) *Ping {
	t.Helper()
	id, err := NewPingID()
	require.NoError(t, err)
	nonce := make([]byte, NonceSize)
	_, err = rand.Read(nonce)
	require.NoError(t, err)

	p := &Ping{
		PingID:       id,
		SenderPub:    senderPub,
		RecipientPub: make([]byte, PubKeySize),
		Timestamp:    ts,
		Nonce:        nonce,
	}
	_, err = EncodePing(p, priv)
	require.NoError(t, err)
	return p
}

func TestValidatePingHappyPath(t *testing.T) {
	v, contact, priv := validatorFixture(t)

	p := signedPing(t, priv, contact.SigningPubKey, time.Now())
	got, err := v.ValidatePing(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, contact.ID, got.ID)
}

func TestValidatePingStaleTimestamp(t *testing.T) {
	v, contact, priv := validatorFixture(t)

	for _, skew := range []time.Duration{-10 * time.Minute, 10 * time.Minute} {
		p := signedPing(t, priv, contact.SigningPubKey, time.Now().Add(skew))
		_, err := v.ValidatePing(context.Background(), p)
		assert.ErrorIs(t, err, ErrStaleTimestamp)
	}
}

func TestValidatePingReplay(t *testing.T) {
	v, contact, priv := validatorFixture(t)

	p := signedPing(t, priv, contact.SigningPubKey, time.Now())
	_, err := v.ValidatePing(context.Background(), p)
	require.NoError(t, err)

	// The identical frame again: same nonce, same sender.
	_, err = v.ValidatePing(context.Background(), p)
	assert.ErrorIs(t, err, ErrReplay)
}

func TestValidatePingBadSignature(t *testing.T) {
	v, contact, priv := validatorFixture(t)

	p := signedPing(t, priv, contact.SigningPubKey, time.Now())
	p.Signature[0] ^= 0xFF
	_, err := v.ValidatePing(context.Background(), p)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestValidatePingUnknownSender(t *testing.T) {
	v, _, _ := validatorFixture(t)

	// A valid signature from a key that maps to no contact.
	strangerPub, strangerPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	p := signedPing(t, strangerPriv, []byte(strangerPub), time.Now())

	_, err = v.ValidatePing(context.Background(), p)
	assert.ErrorIs(t, err, ErrUnknownSender)
}

func TestValidatePong(t *testing.T) {
	v, contact, priv := validatorFixture(t)

	id, err := NewPingID()
	require.NoError(t, err)
	pong := &Pong{PingID: id, Authenticated: true, Timestamp: time.Now()}
	_, err = EncodePong(pong, priv)
	require.NoError(t, err)

	require.NoError(t, v.ValidatePong(pong, contact.SigningPubKey))

	pong.Signature[3] ^= 0x10
	assert.ErrorIs(t, v.ValidatePong(pong, contact.SigningPubKey), ErrBadSignature)

	stale := &Pong{PingID: id, Timestamp: time.Now().Add(-time.Hour)}
	_, err = EncodePong(stale, priv)
	require.NoError(t, err)
	assert.ErrorIs(t, v.ValidatePong(stale, contact.SigningPubKey), ErrStaleTimestamp)
}
