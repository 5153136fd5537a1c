// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package msgdb defines the encrypted message store abstraction.  The store
// only ever sees ciphertext envelopes; the interesting parts are the
// self-destruct arithmetic and the single-shot read receipt semantics.
package msgdb

import (
	"errors"
	"time"

	"github.com/siegelpost/siegelpost/core/crypto"
	"github.com/siegelpost/siegelpost/core/envelope"
)

var (
	// ErrNoSuchMessage is the error returned when a message does not
	// exist.
	ErrNoSuchMessage = errors.New("msgdb: no such message")

	// ErrMalformedMessage is the error returned when a message record
	// fails structural validation.
	ErrMalformedMessage = errors.New("msgdb: malformed message")
)

const (
	// MaxLifetime is the hard cap on any self-destructing message's
	// lifetime, regardless of timer or read arithmetic.
	MaxLifetime = 3 * 24 * time.Hour

	// ReadGrace is how long a self-destructing message survives after its
	// first read.
	ReadGrace = 5 * time.Minute
)

// VerificationStatus is the signature verification state of a message.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "Unverified"
	VerificationVerified   VerificationStatus = "Verified"
	VerificationInvalid    VerificationStatus = "Invalid"
	VerificationRead       VerificationStatus = "Read"
)

// EncryptedMessage is one ciphertext envelope at rest.
type EncryptedMessage struct {
	MessageID      string `cbor:"messageId"`
	ConversationID string `cbor:"conversationId"`
	SenderID       uint64 `cbor:"senderId"`

	// Exactly one of RecipientID (private message) and RoomID (group
	// message) is set.
	RecipientID uint64 `cbor:"recipientId,omitempty"`
	RoomID      string `cbor:"roomId,omitempty"`

	KeyID       string           `cbor:"keyId"`
	Algorithm   crypto.Algorithm `cbor:"algorithm"`
	Ciphertext  []byte           `cbor:"ciphertext"`
	IV          []byte           `cbor:"iv"`
	Tag         []byte           `cbor:"tag,omitempty"`
	ContentHash []byte           `cbor:"contentHash"`
	Signature   []byte           `cbor:"signature,omitempty"`
	ContentType string           `cbor:"contentType"`
	IsSigned    bool             `cbor:"isSigned"`

	VerificationStatus VerificationStatus `cbor:"verificationStatus"`

	// SelfDestructTimer is the client requested destruction delay in
	// milliseconds, 0 when the message does not self-destruct.
	SelfDestructTimer int64 `cbor:"selfDestructTimer,omitempty"`

	CreatedAt  time.Time `cbor:"createdAt"`
	ReadAt     time.Time `cbor:"readAt,omitempty"`
	DestructAt time.Time `cbor:"destructAt,omitempty"`
}

// Validate performs the structural checks a message must pass before it is
// persisted.
func (m *EncryptedMessage) Validate() error {
	if m.MessageID == "" || m.ConversationID == "" || m.KeyID == "" {
		return ErrMalformedMessage
	}
	if len(m.Ciphertext) == 0 || len(m.IV) == 0 {
		return ErrMalformedMessage
	}
	if (m.RecipientID == 0) == (m.RoomID == "") {
		return ErrMalformedMessage
	}
	return nil
}

// InitialDestructAt computes the destruction time applied at creation:
// createdAt + timer, capped at createdAt + MaxLifetime.  The zero time is
// returned for messages without a timer.
func (m *EncryptedMessage) InitialDestructAt() time.Time {
	if m.SelfDestructTimer <= 0 {
		return time.Time{}
	}
	d := time.Duration(m.SelfDestructTimer) * time.Millisecond
	if d > MaxLifetime {
		d = MaxLifetime
	}
	return m.CreatedAt.Add(d)
}

// WireEnvelope returns the transport form of the message.  Addressing and
// bookkeeping fields stay behind; the envelope only carries what the
// recipient needs to decrypt and verify.
func (m *EncryptedMessage) WireEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		KeyID:             m.KeyID,
		Algorithm:         string(m.Algorithm),
		Ciphertext:        m.Ciphertext,
		IV:                m.IV,
		Tag:               m.Tag,
		ContentHash:       m.ContentHash,
		Signature:         m.Signature,
		ContentType:       m.ContentType,
		SelfDestructTimer: m.SelfDestructTimer,
	}
}

// ApplyEnvelope fills the wire carried fields from a decoded envelope.  The
// caller supplies addressing separately.
func (m *EncryptedMessage) ApplyEnvelope(e *envelope.Envelope) {
	m.KeyID = e.KeyID
	m.Algorithm = crypto.Algorithm(e.Algorithm)
	m.Ciphertext = e.Ciphertext
	m.IV = e.IV
	m.Tag = e.Tag
	m.ContentHash = e.ContentHash
	m.Signature = e.Signature
	m.IsSigned = len(e.Signature) > 0
	m.ContentType = e.ContentType
	m.SelfDestructTimer = e.SelfDestructTimer
}

// Store is the encrypted message store.
type Store interface {
	// Put persists a new message, deriving its initial destructAt.
	Put(m *EncryptedMessage) error

	// Get returns the message with the given id.
	Get(messageID string) (*EncryptedMessage, error)

	// MarkRead applies the first read receipt: sets readAt, moves the
	// verification status to Read and pulls destructAt forward to
	// min(readAt+ReadGrace, destructAt).  Subsequent calls are no-ops.
	MarkRead(messageID string, now time.Time) (*EncryptedMessage, error)

	// SetVerificationStatus records a signature verification outcome.
	SetVerificationStatus(messageID string, vs VerificationStatus) error

	// ListDestructDue returns messages whose destructAt has passed.
	ListDestructDue(now time.Time) ([]*EncryptedMessage, error)

	// Delete removes a message.
	Delete(messageID string) error

	// PurgeOlderThan deletes messages created before the cutoff,
	// independent of self-destruct state, and returns how many were
	// deleted.
	PurgeOlderThan(cutoff time.Time) (int, error)

	// Close terminates the store.
	Close()
}
