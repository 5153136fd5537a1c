// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/hkdf"
)

// DefaultKDFAlgorithm is the KDF used on the forward-secret wrap path.
const DefaultKDFAlgorithm = "HKDF-SHA256"

// DefaultKDFInfo is the HKDF info parameter used when the package does not
// carry an explicit one.  Both sides of a session must agree on it exactly.
var DefaultKDFInfo = []byte("siegelpost-hkdf-v1")

// ErrKeyUnwrapFailed is returned for any cryptographic failure while
// recovering a wrapped content key.  The underlying diagnostic is
// deliberately not propagated.
var ErrKeyUnwrapFailed = errors.New("crypto: key unwrap failed")

// GenerateContentKey returns a fresh random symmetric content key.
func GenerateContentKey() ([]byte, error) {
	key := make([]byte, ContentKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// WrapRSA wraps a content key under the recipient's RSA public key with
// OAEP (SHA-256).
func WrapRSA(pub *rsa.PublicKey, contentKey []byte) ([]byte, error) {
	if len(contentKey) != ContentKeySize {
		return nil, fmt.Errorf("crypto: content key must be %d bytes", ContentKeySize)
	}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, contentKey, nil)
}

// UnwrapRSA recovers a content key wrapped with WrapRSA.
func UnwrapRSA(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, ErrKeyUnwrapFailed
	}
	if len(key) != ContentKeySize {
		return nil, ErrKeyUnwrapFailed
	}
	return key, nil
}

// WrapX25519 wraps a content key for the forward-secret path: an ephemeral
// X25519 keypair is generated, a key encryption key is derived from the
// shared secret via HKDF-SHA256 (salt = ephemeral public key bytes, info =
// kdfInfo), and the content key is sealed with AES-256-GCM.  The returned
// blob is iv || ciphertext+tag.  Compromise of the recipient's long term
// identity key does not expose the ephemeral scalar, which is discarded on
// return.
func WrapX25519(recipientPub, contentKey, kdfInfo []byte) (wrapped, ephemeralPub []byte, err error) {
	if len(contentKey) != ContentKeySize {
		return nil, nil, fmt.Errorf("crypto: content key must be %d bytes", ContentKeySize)
	}
	if kdfInfo == nil {
		kdfInfo = DefaultKDFInfo
	}

	pub, err := ecdh.X25519().NewPublicKey(recipientPub)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	shared, err := eph.ECDH(pub)
	if err != nil {
		return nil, nil, err
	}
	ephemeralPub = eph.PublicKey().Bytes()

	kek, err := deriveKEK(shared, ephemeralPub, kdfInfo)
	if err != nil {
		return nil, nil, err
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	iv := make([]byte, GCMIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, err
	}
	wrapped = append(iv, gcm.Seal(nil, iv, contentKey, nil)...)
	return wrapped, ephemeralPub, nil
}

// UnwrapX25519 recovers a content key wrapped with WrapX25519, given the
// recipient's private X25519 scalar and the package's ephemeral public key.
func UnwrapX25519(recipientPriv, ephemeralPub, wrapped, kdfInfo []byte) ([]byte, error) {
	if kdfInfo == nil {
		kdfInfo = DefaultKDFInfo
	}
	if len(wrapped) < GCMIVSize+GCMTagSize {
		return nil, ErrKeyUnwrapFailed
	}

	priv, err := ecdh.X25519().NewPrivateKey(recipientPriv)
	if err != nil {
		return nil, ErrKeyUnwrapFailed
	}
	pub, err := ecdh.X25519().NewPublicKey(ephemeralPub)
	if err != nil {
		return nil, ErrKeyUnwrapFailed
	}
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, ErrKeyUnwrapFailed
	}

	kek, err := deriveKEK(shared, ephemeralPub, kdfInfo)
	if err != nil {
		return nil, ErrKeyUnwrapFailed
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, ErrKeyUnwrapFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrKeyUnwrapFailed
	}
	key, err := gcm.Open(nil, wrapped[:GCMIVSize], wrapped[GCMIVSize:], nil)
	if err != nil {
		return nil, ErrKeyUnwrapFailed
	}
	if len(key) != ContentKeySize {
		return nil, ErrKeyUnwrapFailed
	}
	return key, nil
}

func deriveKEK(shared, salt, info []byte) ([]byte, error) {
	kek := make([]byte, ContentKeySize)
	r := hkdf.New(sha256.New, shared, salt, info)
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, err
	}
	return kek, nil
}
