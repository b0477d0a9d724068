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

package keys

import (
	stdcrypto "crypto"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"filippo.io/edwards25519"

	legioncrypto "github.com/secure-legion/legion/crypto"
)

// X25519KeyPair holds an X25519 private key and its corresponding public key.
type X25519KeyPair struct {
	privateKey *ecdh.PrivateKey
	publicKey  *ecdh.PublicKey
	id         string
}

// GenerateX25519KeyPair generates a new X25519 key pair.
func GenerateX25519KeyPair() (*X25519KeyPair, error) {
	privateKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDH key: %w", err)
	}
	return newX25519KeyPair(privateKey), nil
}

// X25519KeyPairFromBytes reconstructs a key pair from a stored 32-byte private key.
func X25519KeyPairFromBytes(priv []byte) (*X25519KeyPair, error) {
	privateKey, err := ecdh.X25519().NewPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newX25519KeyPair(privateKey), nil
}

func newX25519KeyPair(priv *ecdh.PrivateKey) *X25519KeyPair {
	publicKey := priv.PublicKey()

	// Generate ID from public key hash
	hash := sha256.Sum256(publicKey.Bytes())
	return &X25519KeyPair{
		privateKey: priv,
		publicKey:  publicKey,
		id:         hex.EncodeToString(hash[:8]),
	}
}

// PublicKey returns the public key
func (kp *X25519KeyPair) PublicKey() stdcrypto.PublicKey {
	return kp.publicKey
}

// PublicKeyBytes returns the raw 32-byte public key
func (kp *X25519KeyPair) PublicKeyBytes() []byte {
	return kp.publicKey.Bytes()
}

// PrivateKey returns the private key
func (kp *X25519KeyPair) PrivateKey() stdcrypto.PrivateKey {
	return kp.privateKey
}

// PrivateKeyBytes returns the raw 32-byte private key
func (kp *X25519KeyPair) PrivateKeyBytes() []byte {
	return kp.privateKey.Bytes()
}

// Type returns the key type
func (kp *X25519KeyPair) Type() legioncrypto.KeyType {
	return legioncrypto.KeyTypeX25519
}

// ID returns a unique identifier for this key pair
func (kp *X25519KeyPair) ID() string {
	return kp.id
}

// Sign returns an error as X25519 is a key agreement algorithm and does not
// support signing operations. For digital signatures, use Ed25519 keys instead.
func (kp *X25519KeyPair) Sign(message []byte) ([]byte, error) {
	return nil, legioncrypto.ErrSignNotSupported
}

// Verify returns an error as X25519 is a key agreement algorithm and does not
// support signature verification. Use Ed25519 keys instead.
func (kp *X25519KeyPair) Verify(message, signature []byte) error {
	return legioncrypto.ErrVerifyNotSupported
}

// DeriveSharedSecret computes the X25519 shared secret against the peer's
// 32-byte public key.
func (kp *X25519KeyPair) DeriveSharedSecret(peerPubBytes []byte) ([]byte, error) {
	return legioncrypto.DeriveSharedSecret(kp.privateKey.Bytes(), peerPubBytes)
}

// Ed25519PublicKeyToX25519 converts an Ed25519 public key to its birationally
// equivalent X25519 public key. Used when a contact card carries only a
// signing key and the encryption key must be recovered from it.
func Ed25519PublicKeyToX25519(pub []byte) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: ed25519 public key %d bytes", legioncrypto.ErrInvalidKeySize, len(pub))
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("decode edwards point: %w", err)
	}
	return p.BytesMontgomery(), nil
}
