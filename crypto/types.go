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

// Package crypto is the only place in the core that touches raw secret
// material: X25519 agreement, HKDF root derivation, HMAC chain evolution,
// XChaCha20-Poly1305 AEAD, Ed25519 signatures and the optional hybrid KEM.
package crypto

import (
	"crypto"
	"errors"
)

// KeyType represents the type of cryptographic key
type KeyType string

const (
	// KeyTypeEd25519 is used for frame signatures
	KeyTypeEd25519 KeyType = "ed25519"
	// KeyTypeX25519 is used for key agreement
	KeyTypeX25519 KeyType = "x25519"
)

// Sentinel errors for the kernel operations.
var (
	ErrInvalidKeySize     = errors.New("crypto: invalid key size")
	ErrInvalidNonceSize   = errors.New("crypto: invalid nonce size")
	ErrZeroSharedSecret   = errors.New("crypto: all-zero shared secret")
	ErrInvalidSignature   = errors.New("crypto: invalid signature")
	ErrTamperedOrWrongKey = errors.New("crypto: tampered ciphertext or wrong key")
	ErrSignNotSupported   = errors.New("crypto: key type does not support signing")
	ErrVerifyNotSupported = errors.New("crypto: key type does not support verification")
)

// KeyPair is a generated key pair with a stable identifier.
type KeyPair interface {
	PublicKey() crypto.PublicKey
	PrivateKey() crypto.PrivateKey
	Type() KeyType
	ID() string

	Sign(message []byte) ([]byte, error)
	Verify(message, signature []byte) error
}

// Sizes fixed by the wire contract.
const (
	KeySize       = 32
	NonceSize     = 24
	SignatureSize = 64
)
