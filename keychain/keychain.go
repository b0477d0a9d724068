// Package keychain maintains the per-contact forward-secrecy chains. Both
// peers derive the same chain pair from the shared secret; the lexicographic
// order of the two onion addresses decides which half each side sends on.
// All mutations for one contact are serialised, and chain advancement commits
// in the same transaction as the ciphertext it produced, so a reloaded
// counter always equals the number of durable ciphertexts.
package keychain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	legioncrypto "github.com/secure-legion/legion/crypto"
	"github.com/secure-legion/legion/storage"
	"github.com/secure-legion/legion/wire"
)

var (
	// ErrUndecryptable covers a header that cannot be encoded and AEAD tag
	// failure (including a key derived at the wrong chain position). The
	// message is not acknowledged; the sender retransmits.
	ErrUndecryptable = errors.New("keychain: undecryptable")
	// ErrReplayOrUnknown is returned for a counter below the receive counter
	// with no cached skip key.
	ErrReplayOrUnknown = errors.New("keychain: replay or unknown counter")
	// ErrSkipWindowExceeded is returned when a header counter jumps past the
	// bounded out-of-order window.
	ErrSkipWindowExceeded = errors.New("keychain: skip window exceeded")
	// ErrNoChain is returned when no key chain exists for the contact.
	ErrNoChain = errors.New("keychain: no chain for contact")
	// ErrDebugDisabled is returned when a debug-only operation is invoked
	// without the config flag.
	ErrDebugDisabled = errors.New("keychain: debug operations disabled")
)

// Config bounds the out-of-order window and the cached skip-key lifetime.
type Config struct {
	SkipWindowSize int
	SkipKeyTTL     time.Duration
	AllowDebugOps  bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SkipWindowSize: 1000,
		SkipKeyTTL:     30 * 24 * time.Hour,
	}
}

// Manager owns chain state for all contacts.
type Manager struct {
	store       storage.Store
	identityPub []byte // our Ed25519 public key, carried in message headers
	cfg         Config
	skip        *skipCache

	mu    sync.Mutex
	locks map[storage.ContactID]*sync.Mutex
}

// NewManager creates a chain manager bound to a store and our signing
// identity.
func NewManager(store storage.Store, identityPub []byte, cfg Config) *Manager {
	if cfg.SkipWindowSize <= 0 {
		cfg.SkipWindowSize = DefaultConfig().SkipWindowSize
	}
	if cfg.SkipKeyTTL <= 0 {
		cfg.SkipKeyTTL = DefaultConfig().SkipKeyTTL
	}
	return &Manager{
		store:       store,
		identityPub: append([]byte(nil), identityPub...),
		cfg:         cfg,
		skip:        newSkipCache(),
		locks:       make(map[storage.ContactID]*sync.Mutex),
	}
}

// lockFor returns the serial lock for a contact. Per-contact serialisation is
// the invariant that keeps counters monotonic without locks at call sites.
func (m *Manager) lockFor(id storage.ContactID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Initialize derives and persists the chain state for a freshly accepted
// contact from an X25519 agreement.
func (m *Manager) Initialize(ctx context.Context, contact *storage.Contact, ourX25519Priv []byte, ourOnion string) error {
	shared, err := legioncrypto.DeriveSharedSecret(ourX25519Priv, contact.EncryptionPubKey)
	if err != nil {
		return fmt.Errorf("derive shared secret: %w", err)
	}
	defer legioncrypto.Wipe(shared)
	return m.InitializeWithSecret(ctx, contact.ID, shared, ourOnion, contact.OnionAddress)
}

// InitializeWithSecret derives and persists the chain state from an already
// agreed secret (X25519 or hybrid KEM output).
func (m *Manager) InitializeWithSecret(ctx context.Context, contactID storage.ContactID, sharedSecret []byte, ourOnion, theirOnion string) error {
	l := m.lockFor(contactID)
	l.Lock()
	defer l.Unlock()

	root, err := legioncrypto.DeriveRootKey(sharedSecret, legioncrypto.RootKeyInfo)
	if err != nil {
		return fmt.Errorf("derive root key: %w", err)
	}
	outgoing, incoming, err := legioncrypto.DeriveChainPair(root)
	if err != nil {
		return fmt.Errorf("derive chain pair: %w", err)
	}

	sending, receiving := outgoing, incoming
	if !sendsOnOutgoing(ourOnion, theirOnion) {
		sending, receiving = incoming, outgoing
	}

	now := time.Now()
	state := &storage.KeyChainState{
		ContactID:      contactID,
		RootKey:        root,
		SendingChain:   sending,
		ReceivingChain: receiving,
		CreatedAt:      now,
		LastEvolvedAt:  now,
	}
	if err := m.store.KeyChains().Put(ctx, state); err != nil {
		return fmt.Errorf("persist chain state: %w", err)
	}
	return nil
}

// sendsOnOutgoing is the direction tie-break: the side with the smaller
// messaging onion address sends on the outgoing half. Onion addresses are
// persistent and canonical, so both peers agree without a round trip.
func sendsOnOutgoing(ourOnion, theirOnion string) bool {
	return ourOnion < theirOnion
}

// EncryptNext encrypts a plaintext at the current sending position. The chain
// advance, the counter increment and the caller's persist step commit in one
// transaction; if any part fails the message key is discarded and the caller
// sees a transient failure.
func (m *Manager) EncryptNext(ctx context.Context, contactID storage.ContactID, plaintext []byte, persist func(tx storage.Store, header *wire.MessageHeader, ciphertext []byte) error) (*wire.MessageHeader, []byte, error) {
	l := m.lockFor(contactID)
	l.Lock()
	defer l.Unlock()

	var header *wire.MessageHeader
	var ciphertext []byte

	err := m.store.WithTx(ctx, func(tx storage.Store) error {
		state, err := tx.KeyChains().Get(ctx, contactID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrNoChain
			}
			return err
		}

		msgKey, err := legioncrypto.MessageKey(state.SendingChain)
		if err != nil {
			return err
		}
		defer legioncrypto.Wipe(msgKey)

		nonce, err := legioncrypto.NewNonce()
		if err != nil {
			return err
		}

		header = &wire.MessageHeader{
			SenderPub: m.identityPub,
			Counter:   state.SendCounter,
			Nonce:     nonce,
		}
		ad, err := header.Marshal()
		if err != nil {
			return err
		}
		ciphertext, err = legioncrypto.AEADSeal(msgKey, nonce, ad, plaintext)
		if err != nil {
			return err
		}

		next, err := legioncrypto.EvolveChain(state.SendingChain)
		if err != nil {
			return err
		}
		legioncrypto.Wipe(state.SendingChain)
		state.SendingChain = next
		state.SendCounter++
		state.LastEvolvedAt = time.Now()
		if err := tx.KeyChains().Put(ctx, state); err != nil {
			return fmt.Errorf("persist chain advance: %w", err)
		}

		if persist != nil {
			return persist(tx, header, ciphertext)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return header, ciphertext, nil
}

// Decrypt opens a ciphertext at the header's counter, absorbing out-of-order
// delivery through the bounded skip window. On success the caller's persist
// step commits in the same transaction as the chain advance; on failure the
// durable state is untouched so the sender's retransmit can still land.
func (m *Manager) Decrypt(ctx context.Context, contactID storage.ContactID, header *wire.MessageHeader, ciphertext []byte, persist func(tx storage.Store, plaintext []byte) error) ([]byte, error) {
	l := m.lockFor(contactID)
	l.Lock()
	defer l.Unlock()

	ad, err := header.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}

	var plaintext []byte
	err = m.store.WithTx(ctx, func(tx storage.Store) error {
		state, err := tx.KeyChains().Get(ctx, contactID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrNoChain
			}
			return err
		}

		n, c := header.Counter, state.ReceiveCounter
		switch {
		case n < c:
			msgKey, ok := m.skip.take(contactID, n)
			if !ok {
				return ErrReplayOrUnknown
			}
			plaintext, err = legioncrypto.AEADOpen(msgKey, header.Nonce, ad, ciphertext)
			if err != nil {
				// Put the key back: a corrupt duplicate must not burn the
				// cached key for the real retransmit.
				m.skip.put(contactID, n, msgKey)
				return ErrUndecryptable
			}
			legioncrypto.Wipe(msgKey)

		case n == c:
			msgKey, err := legioncrypto.MessageKey(state.ReceivingChain)
			if err != nil {
				return err
			}
			defer legioncrypto.Wipe(msgKey)
			plaintext, err = legioncrypto.AEADOpen(msgKey, header.Nonce, ad, ciphertext)
			if err != nil {
				return ErrUndecryptable
			}
			if err := m.advanceReceiving(ctx, tx, state, 1); err != nil {
				return err
			}

		default: // n > c
			if n-c > uint64(m.cfg.SkipWindowSize) {
				return ErrSkipWindowExceeded
			}
			chain := append([]byte(nil), state.ReceivingChain...)
			for i := c; i < n; i++ {
				k, err := legioncrypto.MessageKey(chain)
				if err != nil {
					return err
				}
				m.skip.put(contactID, i, k)
				chain, err = legioncrypto.EvolveChain(chain)
				if err != nil {
					return err
				}
			}
			msgKey, err := legioncrypto.MessageKey(chain)
			if err != nil {
				return err
			}
			defer legioncrypto.Wipe(msgKey)
			plaintext, err = legioncrypto.AEADOpen(msgKey, header.Nonce, ad, ciphertext)
			if err != nil {
				return ErrUndecryptable
			}
			legioncrypto.Wipe(state.ReceivingChain)
			state.ReceivingChain = chain
			if err := m.advanceReceiving(ctx, tx, state, n-c+1); err != nil {
				return err
			}
		}

		if persist != nil {
			return persist(tx, plaintext)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// advanceReceiving evolves the receiving chain once and moves the counter by
// steps (the skipped indices were already consumed into the cache).
func (m *Manager) advanceReceiving(ctx context.Context, tx storage.Store, state *storage.KeyChainState, steps uint64) error {
	next, err := legioncrypto.EvolveChain(state.ReceivingChain)
	if err != nil {
		return err
	}
	legioncrypto.Wipe(state.ReceivingChain)
	state.ReceivingChain = next
	state.ReceiveCounter += steps
	state.LastEvolvedAt = time.Now()
	if err := tx.KeyChains().Put(ctx, state); err != nil {
		return fmt.Errorf("persist chain advance: %w", err)
	}
	return nil
}

// SweepSkippedKeys drops cached out-of-order keys older than the TTL.
// Called periodically by the daemon's GC loop.
func (m *Manager) SweepSkippedKeys(now time.Time) int {
	return m.skip.sweep(now.Add(-m.cfg.SkipKeyTTL))
}

// SkippedKeyCount reports the cache size, for metrics and tests.
func (m *Manager) SkippedKeyCount() int {
	return m.skip.count()
}

// Delete removes the chain state for a deleted contact.
func (m *Manager) Delete(ctx context.Context, contactID storage.ContactID) error {
	l := m.lockFor(contactID)
	l.Lock()
	defer l.Unlock()

	m.skip.drop(contactID)
	if err := m.store.KeyChains().Delete(ctx, contactID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// ResetCounters is a debug-only recovery operation: it re-derives both
// chains from the root and zeroes the counters. It must be issued
// simultaneously on both peers and is disabled unless the config allows it.
func (m *Manager) ResetCounters(ctx context.Context, contactID storage.ContactID, ourOnion, theirOnion string) error {
	if !m.cfg.AllowDebugOps {
		return ErrDebugDisabled
	}
	l := m.lockFor(contactID)
	l.Lock()
	defer l.Unlock()

	state, err := m.store.KeyChains().Get(ctx, contactID)
	if err != nil {
		return err
	}
	outgoing, incoming, err := legioncrypto.DeriveChainPair(state.RootKey)
	if err != nil {
		return err
	}
	state.SendingChain, state.ReceivingChain = outgoing, incoming
	if !sendsOnOutgoing(ourOnion, theirOnion) {
		state.SendingChain, state.ReceivingChain = incoming, outgoing
	}
	state.SendCounter = 0
	state.ReceiveCounter = 0
	state.LastEvolvedAt = time.Now()
	m.skip.drop(contactID)
	return m.store.KeyChains().Put(ctx, state)
}
