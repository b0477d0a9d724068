package wire

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/secure-legion/legion/storage"
)

// Validator applies the receive-side checks for signed frames: timestamp
// window, nonce replay, signature, and sender lookup. Anything that fails is
// dropped silently by the caller to minimise oracle leakage.
type Validator struct {
	window   time.Duration
	nonces   storage.NonceStore
	contacts storage.ContactStore
	now      func() time.Time
}

// NewValidator creates a validator with the given replay window.
func NewValidator(window time.Duration, nonces storage.NonceStore, contacts storage.ContactStore) *Validator {
	return &Validator{
		window:   window,
		nonces:   nonces,
		contacts: contacts,
		now:      time.Now,
	}
}

// SetClock overrides the wall clock, used by tests.
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
}

// ValidatePing runs the full check sequence for an inbound PING and returns
// the contact the sender key maps to.
func (v *Validator) ValidatePing(ctx context.Context, p *Ping) (*storage.Contact, error) {
	if err := v.checkTimestamp(p.Timestamp); err != nil {
		return nil, err
	}

	sender := hex.EncodeToString(p.SenderPub)
	seen, err := v.nonces.Seen(ctx, sender, p.Nonce, v.now().Add(v.window))
	if err != nil {
		return nil, fmt.Errorf("replay check: %w", err)
	}
	if seen {
		return nil, ErrReplay
	}

	if !ed25519.Verify(p.SenderPub, p.SignedBytes(), p.Signature) {
		return nil, ErrBadSignature
	}

	// The claimed sender key must map to a known contact.
	contact, err := v.contacts.GetBySigningKey(ctx, p.SenderPub)
	if err != nil {
		return nil, ErrUnknownSender
	}
	return contact, nil
}

// ValidatePong verifies a PONG against the expected recipient key. The pingId
// correlation decides whose key to check.
func (v *Validator) ValidatePong(p *Pong, recipientPub []byte) error {
	if err := v.checkTimestamp(p.Timestamp); err != nil {
		return err
	}
	if len(recipientPub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: recipient key", ErrMalformedFrame)
	}
	if !ed25519.Verify(recipientPub, p.SignedBytes(), p.Signature) {
		return ErrBadSignature
	}
	return nil
}

func (v *Validator) checkTimestamp(ts time.Time) error {
	skew := v.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		return ErrStaleTimestamp
	}
	return nil
}
