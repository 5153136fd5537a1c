// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package envelope implements the wire form of an encrypted message
// envelope.  The envelope must round-trip byte-for-byte through any
// transport; binary fields are carried raw here, base64 is a transport
// concern.
package envelope

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// Envelope is the ciphertext plus all metadata needed to decrypt and verify
// one message.
type Envelope struct {
	// KeyID references the session key package the content key was
	// distributed under.
	KeyID string `cbor:"keyId"`

	// Algorithm is the content cipher wire token.
	Algorithm string `cbor:"algorithm"`

	// Ciphertext is the AES-GCM ciphertext, without the tag.
	Ciphertext []byte `cbor:"ciphertext"`

	// IV is the 96 bit GCM IV.
	IV []byte `cbor:"iv"`

	// Tag is the 128 bit GCM authentication tag.
	Tag []byte `cbor:"tag"`

	// ContentHash is the SHA-256 integrity hash over the canonical layout.
	ContentHash []byte `cbor:"contentHash"`

	// Signature is the optional RSA-PSS sender signature.
	Signature []byte `cbor:"signature,omitempty"`

	// ContentType describes the plaintext.
	ContentType string `cbor:"contentType"`

	// SelfDestructTimer is the optional self-destruct delay in
	// milliseconds.
	SelfDestructTimer int64 `cbor:"selfDestructTimer,omitempty"`
}

// ErrMalformedEnvelope is returned when an envelope fails structural
// validation.
var ErrMalformedEnvelope = errors.New("envelope: malformed envelope")

// Validate performs the structural checks every inbound envelope must pass
// before it is handed to the decryption pipeline.
func (e *Envelope) Validate() error {
	if len(e.Ciphertext) == 0 || len(e.IV) == 0 {
		return ErrMalformedEnvelope
	}
	if e.KeyID == "" || e.Algorithm == "" {
		return ErrMalformedEnvelope
	}
	return nil
}

// Marshal serializes the envelope to its CBOR wire form.
func (e *Envelope) Marshal() ([]byte, error) {
	return cbor.Marshal(e)
}

// Unmarshal parses an envelope from its CBOR wire form.
func Unmarshal(b []byte) (*Envelope, error) {
	e := new(Envelope)
	if err := cbor.Unmarshal(b, e); err != nil {
		return nil, err
	}
	return e, nil
}
