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
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	legioncrypto "github.com/secure-legion/legion/crypto"
)

// Ed25519KeyPair implements the KeyPair interface for Ed25519 signing keys
type Ed25519KeyPair struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	id         string
}

// GenerateEd25519KeyPair generates a new Ed25519 key pair
func GenerateEd25519KeyPair() (*Ed25519KeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return newEd25519KeyPair(privateKey, publicKey), nil
}

// Ed25519KeyPairFromSeed reconstructs a key pair from a stored 32-byte seed
func Ed25519KeyPairFromSeed(seed []byte) (*Ed25519KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed %d bytes", legioncrypto.ErrInvalidKeySize, len(seed))
	}
	privateKey := ed25519.NewKeyFromSeed(seed)
	return newEd25519KeyPair(privateKey, privateKey.Public().(ed25519.PublicKey)), nil
}

func newEd25519KeyPair(priv ed25519.PrivateKey, pub ed25519.PublicKey) *Ed25519KeyPair {
	// Generate ID from public key hash
	hash := sha256.Sum256(pub)
	return &Ed25519KeyPair{
		privateKey: priv,
		publicKey:  pub,
		id:         hex.EncodeToString(hash[:8]),
	}
}

// PublicKey returns the public key
func (kp *Ed25519KeyPair) PublicKey() stdcrypto.PublicKey {
	return kp.publicKey
}

// PublicKeyBytes returns the raw 32-byte public key
func (kp *Ed25519KeyPair) PublicKeyBytes() []byte {
	return kp.publicKey
}

// PrivateKey returns the private key
func (kp *Ed25519KeyPair) PrivateKey() stdcrypto.PrivateKey {
	return kp.privateKey
}

// Type returns the key type
func (kp *Ed25519KeyPair) Type() legioncrypto.KeyType {
	return legioncrypto.KeyTypeEd25519
}

// ID returns a unique identifier for this key pair
func (kp *Ed25519KeyPair) ID() string {
	return kp.id
}

// Sign signs the given message
func (kp *Ed25519KeyPair) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(kp.privateKey, message), nil
}

// Verify verifies the signature
func (kp *Ed25519KeyPair) Verify(message, signature []byte) error {
	if !ed25519.Verify(kp.publicKey, message, signature) {
		return legioncrypto.ErrInvalidSignature
	}
	return nil
}

// VerifyWith verifies a signature against an arbitrary 32-byte public key.
func VerifyWith(publicKey, message, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key %d bytes", legioncrypto.ErrInvalidKeySize, len(publicKey))
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature %d bytes", legioncrypto.ErrInvalidKeySize, len(signature))
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), message, signature) {
		return legioncrypto.ErrInvalidSignature
	}
	return nil
}
