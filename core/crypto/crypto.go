// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package crypto provides the cryptographic primitives used by the
// end-to-end encryption engine: identity key validation and fingerprinting,
// content key wrapping, authenticated encryption of message payloads, and
// payload signatures.
package crypto

import (
	"crypto/ecdh"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
)

// Algorithm identifies a key algorithm as carried in envelopes and key
// records.  The string values are wire tokens and must not change.
type Algorithm string

const (
	// AlgRSAOAEP is RSA with OAEP (SHA-256) key wrapping.
	AlgRSAOAEP Algorithm = "RSA-OAEP"

	// AlgECDH is NIST P-256 ECDH.
	AlgECDH Algorithm = "ECDH"

	// AlgX25519 is Curve25519 ECDH.
	AlgX25519 Algorithm = "X25519"

	// AlgEd25519 is the Ed25519 signature scheme.
	AlgEd25519 Algorithm = "Ed25519"

	// AlgAES256GCM is AES-256 in GCM mode, the only content cipher.
	AlgAES256GCM Algorithm = "AES-256-GCM"
)

const (
	// ContentKeySize is the size of a symmetric content key in bytes.
	ContentKeySize = 32

	// GCMIVSize is the AES-GCM IV size in bytes.
	GCMIVSize = 12

	// GCMTagSize is the AES-GCM authentication tag size in bytes.
	GCMTagSize = 16

	// minRSABits is the minimum accepted RSA modulus size.
	minRSABits = 2048

	// curve25519KeySize is the raw key size of the Curve25519 family.
	curve25519KeySize = 32

	// p256PointSize is the size of an uncompressed P-256 point.
	p256PointSize = 65
)

// ErrUnsupportedAlgorithm is returned when an algorithm token is unknown or
// not valid in the requested context.
var ErrUnsupportedAlgorithm = errors.New("crypto: unsupported algorithm")

// ErrInvalidKeyMaterial is returned when public key material fails the
// structural checks for its claimed algorithm.
var ErrInvalidKeyMaterial = errors.New("crypto: invalid key material")

// ParseAlgorithm maps a wire token onto an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case AlgRSAOAEP, AlgECDH, AlgX25519, AlgEd25519, AlgAES256GCM:
		return Algorithm(s), nil
	default:
		return "", fmt.Errorf("%w: '%v'", ErrUnsupportedAlgorithm, s)
	}
}

// Fingerprint returns the SHA-256 fingerprint of public key material, hex
// encoded.  The same fingerprint is recomputed server side on every key
// upload and compared against the client supplied value.
func Fingerprint(material []byte) string {
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:])
}

// ValidateKeyMaterial performs algorithm specific structural checks on
// uploaded public key material.  It does not prove possession of the
// private half, it only rejects material that cannot possibly be a valid
// public key for the algorithm.
func ValidateKeyMaterial(alg Algorithm, material []byte) error {
	if len(material) == 0 {
		return fmt.Errorf("%w: empty material", ErrInvalidKeyMaterial)
	}

	switch alg {
	case AlgRSAOAEP:
		pub, err := ParseRSAPublicKey(material)
		if err != nil {
			return err
		}
		if pub.N.BitLen() < minRSABits {
			return fmt.Errorf("%w: RSA modulus %d bits, need >= %d", ErrInvalidKeyMaterial, pub.N.BitLen(), minRSABits)
		}
	case AlgECDH:
		if _, err := ecdh.P256().NewPublicKey(material); err != nil {
			if len(material) == p256PointSize {
				return fmt.Errorf("%w: malformed P-256 point", ErrInvalidKeyMaterial)
			}
			return fmt.Errorf("%w: P-256 public key must be a %d byte uncompressed point", ErrInvalidKeyMaterial, p256PointSize)
		}
	case AlgX25519:
		if len(material) != curve25519KeySize {
			return fmt.Errorf("%w: X25519 public key must be %d bytes, got %d", ErrInvalidKeyMaterial, curve25519KeySize, len(material))
		}
	case AlgEd25519:
		if len(material) != curve25519KeySize {
			return fmt.Errorf("%w: Ed25519 public key must be %d bytes, got %d", ErrInvalidKeyMaterial, curve25519KeySize, len(material))
		}
	default:
		return fmt.Errorf("%w: '%v'", ErrUnsupportedAlgorithm, alg)
	}
	return nil
}

// ParseRSAPublicKey parses SPKI (PKIX) encoded RSA public key material.
func ParseRSAPublicKey(material []byte) (*rsa.PublicKey, error) {
	k, err := x509.ParsePKIXPublicKey(material)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	pub, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKeyMaterial)
	}
	return pub, nil
}
