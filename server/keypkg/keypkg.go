// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package keypkg defines the session key package store abstraction.  A
// session key package is one symmetric content key, wrapped for exactly one
// recipient, scoped to one session, with a forward-only status machine.
package keypkg

import (
	"errors"
	"time"

	"github.com/siegelpost/siegelpost/core/crypto"
)

var (
	// ErrNoSuchPackage is the error returned when a package does not
	// exist.
	ErrNoSuchPackage = errors.New("keypkg: no such package")

	// ErrDuplicatePackage is the error returned when a (sessionId, keyId)
	// pair already exists.
	ErrDuplicatePackage = errors.New("keypkg: duplicate package")

	// ErrRecipientKeyUnavailable is the error returned when the recipient
	// has no Active identity key to have wrapped under.
	ErrRecipientKeyUnavailable = errors.New("keypkg: recipient has no active identity key")

	// ErrPackageNotUsable is the error returned when a package exists but
	// is revoked or expired.
	ErrPackageNotUsable = errors.New("keypkg: package revoked or expired")
)

// DefaultLifetime is the package lifetime applied when a distribution does
// not carry an explicit expiry.
const DefaultLifetime = 7 * 24 * time.Hour

// Status is the lifecycle status of a session key package.
type Status string

const (
	StatusPending  Status = "Pending"
	StatusConsumed Status = "Consumed"
	StatusExpired  Status = "Expired"
	StatusRevoked  Status = "Revoked"
)

// SessionKeyPackage is one wrapped content key for one recipient.
type SessionKeyPackage struct {
	SessionID   string           `cbor:"sessionId"`
	KeyID       string           `cbor:"keyId"`
	SenderID    uint64           `cbor:"senderId"`
	RecipientID uint64           `cbor:"recipientId"`
	WrappedKey  []byte           `cbor:"wrappedKey"`
	Algorithm   crypto.Algorithm `cbor:"algorithm"`
	Status      Status           `cbor:"status"`
	CreatedAt   time.Time        `cbor:"createdAt"`
	ExpiresAt   time.Time        `cbor:"expiresAt"`
	UsedAt      time.Time        `cbor:"usedAt,omitempty"`
	RevokedAt   time.Time        `cbor:"revokedAt,omitempty"`

	// RotationCount increases monotonically with every rotation touching
	// the package.
	RotationCount uint32 `cbor:"rotationCount"`

	// ForwardSecret marks the ephemeral ECDH+KDF wrap path; the three
	// fields below are only meaningful when it is set.
	ForwardSecret      bool   `cbor:"forwardSecret"`
	EphemeralPublicKey []byte `cbor:"ephemeralPublicKey,omitempty"`
	KDFAlgorithm       string `cbor:"kdfAlgorithm,omitempty"`
	KDFInfo            []byte `cbor:"kdfInfo,omitempty"`
}

// Usable returns true if the package may still satisfy a decryption at the
// given instant.  The expiry bound is exclusive.
func (p *SessionKeyPackage) Usable(now time.Time) bool {
	switch p.Status {
	case StatusPending, StatusConsumed:
	default:
		return false
	}
	if !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt) {
		return false
	}
	return true
}

// DistributeRequest carries the parameters of a package distribution.
type DistributeRequest struct {
	SessionID   string
	KeyID       string
	SenderID    uint64
	RecipientID uint64
	WrappedKey  []byte
	Algorithm   crypto.Algorithm
	ExpiresAt   time.Time

	ForwardSecret      bool
	EphemeralPublicKey []byte
	KDFAlgorithm       string
	KDFInfo            []byte
}

// Store is the session key package store.
type Store interface {
	// Distribute persists a new package and, in the same transaction,
	// revokes every other Pending package of the session.  Older revoked
	// packages remain individually decryptable history; only the new one
	// is offered for fresh encryptions.
	Distribute(req *DistributeRequest) (*SessionKeyPackage, error)

	// Get returns the package with the given (sessionId, keyId).
	Get(sessionID, keyID string) (*SessionKeyPackage, error)

	// ByKeyID resolves the package referenced by an envelope, keyed by
	// (keyId, recipientId).
	ByKeyID(keyID string, recipientID uint64) (*SessionKeyPackage, error)

	// Consume marks the package used.  Idempotent: only the first call
	// transitions Pending to Consumed and sets usedAt, subsequent calls
	// return the already consumed record unchanged.
	Consume(sessionID, keyID string, recipientID uint64, now time.Time) (*SessionKeyPackage, error)

	// Revoke moves the package to Revoked and increments its rotation
	// count.  Revoking an already revoked package increments the count
	// again; the status is terminal.
	Revoke(sessionID, keyID, reason string) (*SessionKeyPackage, error)

	// RevokeAllForUser revokes every Pending package wrapped for the user
	// and returns the revoked packages.
	RevokeAllForUser(userID uint64, reason string) ([]*SessionKeyPackage, error)

	// ListExpiring returns Pending packages whose expiry falls within the
	// horizon.
	ListExpiring(now time.Time, within time.Duration) ([]*SessionKeyPackage, error)

	// ListActiveForRecipient returns the recipient's usable Pending
	// packages.
	ListActiveForRecipient(recipientID uint64, now time.Time) ([]*SessionKeyPackage, error)

	// PurgeRevoked deletes Revoked packages whose revocation is older
	// than the cutoff and returns how many were deleted.
	PurgeRevoked(olderThan time.Time) (int, error)

	// Close terminates the store.
	Close()
}
