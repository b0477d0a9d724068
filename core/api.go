package core

import (
	"context"
	"fmt"
	"time"

	legioncrypto "github.com/secure-legion/legion/crypto"
	"github.com/secure-legion/legion/scheduler"
	"github.com/secure-legion/legion/storage"
)

// ContactCard is the out-of-band exchanged identity of a correspondent.
type ContactCard struct {
	DisplayName      string
	OnionAddress     string
	SigningPubKey    []byte
	EncryptionPubKey []byte
	KEMPubKey        []byte
}

// AddContact accepts a contact and derives the forward-secrecy chains from a
// plain X25519 agreement.
func (c *Core) AddContact(ctx context.Context, card ContactCard) (*storage.Contact, error) {
	contact, err := c.createContact(ctx, card)
	if err != nil {
		return nil, err
	}
	if err := c.keys.Initialize(ctx, contact, c.identity.X25519Priv, c.identity.OnionAddress); err != nil {
		return nil, fmt.Errorf("initialise key chain: %w", err)
	}
	return contact, nil
}

// AddContactHybrid accepts a contact whose card advertises a post-quantum KEM
// key. The returned KEM ciphertext must reach the peer out of band (inside
// the acceptance payload) so both sides derive the same root.
func (c *Core) AddContactHybrid(ctx context.Context, card ContactCard) (*storage.Contact, []byte, error) {
	if len(card.KEMPubKey) == 0 {
		return nil, nil, fmt.Errorf("contact card has no KEM key")
	}
	contact, err := c.createContact(ctx, card)
	if err != nil {
		return nil, nil, err
	}
	secret, kemCT, err := legioncrypto.HybridEncapsulate(card.EncryptionPubKey, card.KEMPubKey)
	if err != nil {
		return nil, nil, fmt.Errorf("hybrid encapsulate: %w", err)
	}
	defer legioncrypto.Wipe(secret)

	if err := c.keys.InitializeWithSecret(ctx, contact.ID, secret, c.identity.OnionAddress, contact.OnionAddress); err != nil {
		return nil, nil, fmt.Errorf("initialise key chain: %w", err)
	}
	return contact, kemCT, nil
}

// AcceptContactHybrid is the responder side of the hybrid bootstrap: the
// peer's KEM ciphertext decapsulates to the shared root input.
func (c *Core) AcceptContactHybrid(ctx context.Context, card ContactCard, kemCiphertext, ourKyberPriv []byte) (*storage.Contact, error) {
	contact, err := c.createContact(ctx, card)
	if err != nil {
		return nil, err
	}
	secret, err := legioncrypto.HybridDecapsulate(c.identity.X25519Priv, ourKyberPriv, kemCiphertext)
	if err != nil {
		return nil, fmt.Errorf("hybrid decapsulate: %w", err)
	}
	defer legioncrypto.Wipe(secret)

	if err := c.keys.InitializeWithSecret(ctx, contact.ID, secret, c.identity.OnionAddress, contact.OnionAddress); err != nil {
		return nil, fmt.Errorf("initialise key chain: %w", err)
	}
	return contact, nil
}

func (c *Core) createContact(ctx context.Context, card ContactCard) (*storage.Contact, error) {
	contact := &storage.Contact{
		DisplayName:      card.DisplayName,
		OnionAddress:     card.OnionAddress,
		SigningPubKey:    card.SigningPubKey,
		EncryptionPubKey: card.EncryptionPubKey,
		KEMPubKey:        card.KEMPubKey,
		CreatedAt:        time.Now(),
	}
	if err := c.store.Contacts().Create(ctx, contact); err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}
	return contact, nil
}

// RequestDownload is the user's lock tap: consent to download a pending
// ciphertext. Losing the claim to a concurrent actor is a silent no-op.
func (c *Core) RequestDownload(ctx context.Context, contactID storage.ContactID, pingID string) error {
	claimed, err := c.inbox.ClaimForDownload(ctx, pingID, time.Now())
	if err != nil {
		return err
	}
	if claimed {
		c.sched.OnUserLockTapped(contactID, pingID)
	}
	return nil
}

// DeleteThread removes the conversation history for a contact: stored
// messages, inbox rows and outbox records. The contact and its key chain
// survive.
func (c *Core) DeleteThread(ctx context.Context, contactID storage.ContactID) error {
	return c.store.WithTx(ctx, func(tx storage.Store) error {
		if err := tx.Messages().DeleteByContact(ctx, contactID); err != nil {
			return err
		}
		if err := tx.Pings().DeleteByContact(ctx, contactID); err != nil {
			return err
		}
		return tx.Outbox().DeleteByContact(ctx, contactID)
	})
}

// DeleteContact removes a correspondent entirely. In-flight sends for the
// contact fail permanently on their next attempt.
func (c *Core) DeleteContact(ctx context.Context, contactID storage.ContactID) error {
	if err := c.DeleteThread(ctx, contactID); err != nil {
		return err
	}
	if err := c.keys.Delete(ctx, contactID); err != nil {
		return err
	}
	return c.store.Contacts().Delete(ctx, contactID)
}

// SetDeviceProtection flips the consent gate for automatic downloads.
func (c *Core) SetDeviceProtection(enabled bool) {
	c.sched.SetDeviceProtection(enabled)
}

// SetForeground records the chat the user is viewing; zero clears it.
func (c *Core) SetForeground(contactID storage.ContactID) {
	c.sched.SetForeground(contactID)
}

// Messages returns the stored conversation for a contact ordered by chain
// counter.
func (c *Core) Messages(ctx context.Context, contactID storage.ContactID) ([]*storage.StoredMessage, error) {
	return c.store.Messages().ListByContact(ctx, contactID)
}

// Contacts lists all correspondents.
func (c *Core) Contacts(ctx context.Context) ([]*storage.Contact, error) {
	return c.store.Contacts().List(ctx)
}

// PendingPings returns the renderable inbox rows for a contact; rows in
// MANUAL_REQUIRED render the lock icon.
func (c *Core) PendingPings(ctx context.Context, contactID storage.ContactID) ([]*storage.PingRecord, error) {
	return c.inbox.Renderable(ctx, contactID)
}

// DownloadState reports the scheduler state for a contact; DOWNLOADING alone
// renders the typing indicator.
func (c *Core) DownloadState(contactID storage.ContactID) scheduler.State {
	return c.sched.StateOf(contactID)
}
