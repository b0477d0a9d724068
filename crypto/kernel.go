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

package crypto

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// RootKeyInfo is the HKDF info label for root-key derivation. It is part of
// the wire contract and must not change without a migration.
const RootKeyInfo = "SecureLegion-RootKey-v1"

// Domain-separation bytes for the HMAC chain.
const (
	labelChainEvolve   = 0x01
	labelMessageKey    = 0x02
	labelChainOutgoing = 0x03
	labelChainIncoming = 0x04
)

// DeriveSharedSecret computes the raw X25519 shared secret between our
// private key and the peer's public key. An all-zero output is rejected.
func DeriveSharedSecret(ourPriv, theirPub []byte) ([]byte, error) {
	if len(ourPriv) != KeySize {
		return nil, fmt.Errorf("%w: private key %d bytes", ErrInvalidKeySize, len(ourPriv))
	}
	if len(theirPub) != KeySize {
		return nil, fmt.Errorf("%w: public key %d bytes", ErrInvalidKeySize, len(theirPub))
	}

	curve := ecdh.X25519()
	priv, err := curve.NewPrivateKey(ourPriv)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	pub, err := curve.NewPublicKey(theirPub)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}

	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("x25519 agreement: %w", err)
	}

	var zero [KeySize]byte
	if subtle.ConstantTimeCompare(shared, zero[:]) == 1 {
		return nil, ErrZeroSharedSecret
	}
	return shared, nil
}

// DeriveRootKey derives the 32-byte root key from a shared secret via
// HKDF-SHA256 with the fixed info label.
func DeriveRootKey(sharedSecret []byte, info string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("%w: empty shared secret", ErrInvalidKeySize)
	}
	r := hkdf.New(sha256.New, sharedSecret, nil, []byte(info))
	root := make([]byte, KeySize)
	if _, err := io.ReadFull(r, root); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return root, nil
}

// DeriveChainPair derives the two chain halves from the root key. Both peers
// derive the same pair; the direction tie-break happens in the keychain layer.
func DeriveChainPair(root []byte) (outgoing, incoming []byte, err error) {
	if len(root) != KeySize {
		return nil, nil, fmt.Errorf("%w: root key %d bytes", ErrInvalidKeySize, len(root))
	}
	return hmacByte(root, labelChainOutgoing), hmacByte(root, labelChainIncoming), nil
}

// EvolveChain advances a chain key one step. One-way: the previous chain key
// cannot be recovered from the output.
func EvolveChain(chainKey []byte) ([]byte, error) {
	if len(chainKey) != KeySize {
		return nil, fmt.Errorf("%w: chain key %d bytes", ErrInvalidKeySize, len(chainKey))
	}
	return hmacByte(chainKey, labelChainEvolve), nil
}

// MessageKey derives the message key for the current chain position. Kept
// domain-separated from chain evolution.
func MessageKey(chainKey []byte) ([]byte, error) {
	if len(chainKey) != KeySize {
		return nil, fmt.Errorf("%w: chain key %d bytes", ErrInvalidKeySize, len(chainKey))
	}
	return hmacByte(chainKey, labelMessageKey), nil
}

// AEADSeal encrypts plaintext with XChaCha20-Poly1305 under the message key.
func AEADSeal(messageKey, nonce, additionalData, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(messageKey, nonce)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

// AEADOpen decrypts ciphertext produced by AEADSeal. Tag mismatch yields
// ErrTamperedOrWrongKey.
func AEADOpen(messageKey, nonce, additionalData, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(messageKey, nonce)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrTamperedOrWrongKey
	}
	return plaintext, nil
}

// NewNonce returns a fresh random 24-byte XChaCha20 nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return nonce, nil
}

// Wipe overwrites key material in place before it goes out of scope.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newAEAD(key, nonce []byte) (cipher.AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: aead key %d bytes", ErrInvalidKeySize, len(key))
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: aead nonce %d bytes", ErrInvalidNonceSize, len(nonce))
	}
	return chacha20poly1305.NewX(key)
}

func hmacByte(key []byte, label byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte{label})
	return mac.Sum(nil)
}
