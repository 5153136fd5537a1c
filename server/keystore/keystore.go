// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package keystore defines the identity key registry abstraction.  The
// registry is the trust anchor everything else depends on: it validates,
// fingerprints, stores and serves per-user public keys.
package keystore

import (
	"errors"
	"time"

	"github.com/siegelpost/siegelpost/core/crypto"
)

var (
	// ErrNoSuchKey is the error returned when a key does not exist.
	ErrNoSuchKey = errors.New("keystore: no such key")

	// ErrDuplicateKeyID is the error returned when a (userId, keyId) pair
	// already exists.
	ErrDuplicateKeyID = errors.New("keystore: duplicate key id")

	// ErrFingerprintMismatch is the error returned when the server side
	// recomputed fingerprint disagrees with the client claimed one.
	ErrFingerprintMismatch = errors.New("keystore: fingerprint mismatch")
)

// Status is the lifecycle status of an identity key.
type Status string

const (
	StatusActive   Status = "Active"
	StatusDisabled Status = "Disabled"
	StatusExpired  Status = "Expired"
	StatusRevoked  Status = "Revoked"
)

// IdentityKey is one user's public key material for one algorithm
// generation.
type IdentityKey struct {
	UserID            uint64           `cbor:"userId"`
	KeyID             string           `cbor:"keyId"`
	Algorithm         crypto.Algorithm `cbor:"algorithm"`
	PublicKeyMaterial []byte           `cbor:"publicKeyMaterial"`
	Fingerprint       string           `cbor:"fingerprint"`
	Status            Status           `cbor:"status"`
	CreatedAt         time.Time        `cbor:"createdAt"`
	ExpiresAt         time.Time        `cbor:"expiresAt,omitempty"`
	LastUsedAt        time.Time        `cbor:"lastUsedAt,omitempty"`
}

// Usable returns true if the key may be used for wrapping or verification
// at the given instant.  ExpiresAt is an exclusive upper bound: a key whose
// expiry equals now is already unusable.
func (k *IdentityKey) Usable(now time.Time) bool {
	if k.Status != StatusActive {
		return false
	}
	if !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt) {
		return false
	}
	return true
}

// UploadRequest carries the parameters of a key upload.
type UploadRequest struct {
	UserID             uint64
	KeyID              string
	Algorithm          crypto.Algorithm
	PublicKeyMaterial  []byte
	ClaimedFingerprint string
	ExpiresAt          time.Time

	// DisableOthers applies the single-active-key policy: on success every
	// other Active key of the user is transitioned to Disabled.
	DisableOthers bool
}

// Store is the identity key registry.
type Store interface {
	// Upload validates, fingerprints and persists a new identity key.
	Upload(req *UploadRequest) (*IdentityKey, error)

	// ActiveKey returns the newest Active, non-expired key of a user.
	ActiveKey(userID uint64, now time.Time) (*IdentityKey, error)

	// KeyByID returns the key with the given (userId, keyId).
	KeyByID(userID uint64, keyID string) (*IdentityKey, error)

	// ByFingerprint returns the key with the given fingerprint.
	ByFingerprint(fingerprint string) (*IdentityKey, error)

	// ExpireDue transitions Active keys past their expiry to Expired and
	// returns how many were transitioned.
	ExpireDue(now time.Time) (int, error)

	// TouchLastUsed records a successful unwrap/verify that referenced the
	// key.
	TouchLastUsed(userID uint64, keyID string, now time.Time) error

	// Close terminates the store.
	Close()
}
