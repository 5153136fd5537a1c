// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"github.com/katzenpost/hpqc/rand"
)

// ErrContentDecryptionFailed is returned on AES-GCM tag mismatch or any
// other failure to recover the plaintext.
var ErrContentDecryptionFailed = errors.New("crypto: content decryption failed")

// HashInputs are the fields bound together by the envelope content hash.
// The hash covers, in this exact order: ciphertext, IV, conversation id,
// sender id (8 byte big endian), recipient id (8 byte big endian, only when
// present), content type, key id.  Changing any one of them invalidates the
// hash, which is what prevents message redirection and relabeling.
type HashInputs struct {
	Ciphertext     []byte
	IV             []byte
	ConversationID string
	SenderID       uint64
	RecipientID    uint64
	HasRecipient   bool
	ContentType    string
	KeyID          string
}

// ContentHash computes the SHA-256 integrity hash over the canonical byte
// layout.
func ContentHash(in *HashInputs) []byte {
	h := sha256.New()
	h.Write(in.Ciphertext)
	h.Write(in.IV)
	h.Write([]byte(in.ConversationID))

	var id [8]byte
	binary.BigEndian.PutUint64(id[:], in.SenderID)
	h.Write(id[:])
	if in.HasRecipient {
		binary.BigEndian.PutUint64(id[:], in.RecipientID)
		h.Write(id[:])
	}

	h.Write([]byte(in.ContentType))
	h.Write([]byte(in.KeyID))
	return h.Sum(nil)
}

// ReplayFingerprint computes the replay detection fingerprint: SHA-256 over
// ciphertext, IV, sender id, recipient id and conversation id.  Unlike the
// content hash it deliberately omits the content type and key id so that a
// duplicate relabeled under a different key id still collides.
func ReplayFingerprint(ciphertext, iv []byte, senderID, recipientID uint64, conversationID string) []byte {
	h := sha256.New()
	h.Write(ciphertext)
	h.Write(iv)

	var id [8]byte
	binary.BigEndian.PutUint64(id[:], senderID)
	h.Write(id[:])
	binary.BigEndian.PutUint64(id[:], recipientID)
	h.Write(id[:])

	h.Write([]byte(conversationID))
	return h.Sum(nil)
}

// Seal encrypts a plaintext with AES-256-GCM under the content key, using a
// fresh random 96 bit IV.  The 128 bit authentication tag is returned as a
// separate field so it can travel as its own envelope field.
func Seal(contentKey, plaintext []byte) (ciphertext, iv, tag []byte, err error) {
	gcm, err := newGCM(contentKey)
	if err != nil {
		return nil, nil, nil, err
	}
	iv = make([]byte, GCMIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - GCMTagSize
	return sealed[:split], iv, sealed[split:], nil
}

// Open decrypts an envelope sealed with Seal.
func Open(contentKey, ciphertext, iv, tag []byte) ([]byte, error) {
	if len(iv) != GCMIVSize || len(tag) != GCMTagSize {
		return nil, ErrContentDecryptionFailed
	}
	gcm, err := newGCM(contentKey)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrContentDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(contentKey []byte) (cipher.AEAD, error) {
	if len(contentKey) != ContentKeySize {
		return nil, ErrContentDecryptionFailed
	}
	block, err := aes.NewCipher(contentKey)
	if err != nil {
		return nil, ErrContentDecryptionFailed
	}
	return cipher.NewGCM(block)
}
