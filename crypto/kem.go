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
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"golang.org/x/crypto/hkdf"
)

// hybridKEMInfo is the HKDF info label mixing the classical and post-quantum
// shared secrets at contact bootstrap.
const hybridKEMInfo = "SecureLegion-HybridKEM-v1"

// HybridCiphertextSize is the size of a hybrid KEM ciphertext:
// ephemeral X25519 public key followed by the Kyber768 ciphertext.
const HybridCiphertextSize = KeySize + kyber768.CiphertextSize

// KyberPublicKeySize is the size of a contact's optional KEM public key.
const KyberPublicKeySize = kyber768.PublicKeySize

// KyberPrivateKeySize is the size of a stored KEM private key.
const KyberPrivateKeySize = kyber768.PrivateKeySize

// GenerateKyberKeyPair generates a Kyber768 key pair for the optional
// post-quantum contact bootstrap, returned in marshalled form.
func GenerateKyberKeyPair() (pub, priv []byte, err error) {
	pk, sk, err := kyber768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("kyber keygen: %w", err)
	}
	pub = make([]byte, kyber768.PublicKeySize)
	priv = make([]byte, kyber768.PrivateKeySize)
	pk.Pack(pub)
	sk.Pack(priv)
	return pub, priv, nil
}

// HybridEncapsulate produces a shared secret bound to both the peer's X25519
// key and their Kyber768 key. The returned ciphertext is sent alongside the
// contact bootstrap so the peer can decapsulate the same secret.
func HybridEncapsulate(theirX25519Pub, theirKyberPub []byte) (sharedSecret, ciphertext []byte, err error) {
	if len(theirKyberPub) != kyber768.PublicKeySize {
		return nil, nil, fmt.Errorf("%w: kyber public key %d bytes", ErrInvalidKeySize, len(theirKyberPub))
	}

	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("ephemeral keygen: %w", err)
	}
	ecdhSecret, err := DeriveSharedSecret(eph.Bytes(), theirX25519Pub)
	if err != nil {
		return nil, nil, err
	}
	defer Wipe(ecdhSecret)

	var pk kyber768.PublicKey
	pk.Unpack(theirKyberPub)

	kemCT := make([]byte, kyber768.CiphertextSize)
	kemSecret := make([]byte, kyber768.SharedKeySize)
	pk.EncapsulateTo(kemCT, kemSecret, nil)
	defer Wipe(kemSecret)

	sharedSecret, err = combineSecrets(ecdhSecret, kemSecret)
	if err != nil {
		return nil, nil, err
	}

	ciphertext = make([]byte, 0, HybridCiphertextSize)
	ciphertext = append(ciphertext, eph.PublicKey().Bytes()...)
	ciphertext = append(ciphertext, kemCT...)
	return sharedSecret, ciphertext, nil
}

// HybridDecapsulate recovers the shared secret from a hybrid ciphertext using
// our long-term X25519 and Kyber768 private keys.
func HybridDecapsulate(ourX25519Priv, ourKyberPriv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != HybridCiphertextSize {
		return nil, fmt.Errorf("%w: hybrid ciphertext %d bytes", ErrInvalidKeySize, len(ciphertext))
	}
	if len(ourKyberPriv) != kyber768.PrivateKeySize {
		return nil, fmt.Errorf("%w: kyber private key %d bytes", ErrInvalidKeySize, len(ourKyberPriv))
	}

	ephPub := ciphertext[:KeySize]
	kemCT := ciphertext[KeySize:]

	ecdhSecret, err := DeriveSharedSecret(ourX25519Priv, ephPub)
	if err != nil {
		return nil, err
	}
	defer Wipe(ecdhSecret)

	var sk kyber768.PrivateKey
	sk.Unpack(ourKyberPriv)

	kemSecret := make([]byte, kyber768.SharedKeySize)
	sk.DecapsulateTo(kemSecret, kemCT)
	defer Wipe(kemSecret)

	return combineSecrets(ecdhSecret, kemSecret)
}

func combineSecrets(ecdhSecret, kemSecret []byte) ([]byte, error) {
	ikm := make([]byte, 0, len(ecdhSecret)+len(kemSecret))
	ikm = append(ikm, ecdhSecret...)
	ikm = append(ikm, kemSecret...)
	defer Wipe(ikm)

	r := hkdf.New(sha256.New, ikm, nil, []byte(hybridKEMInfo))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}
