// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/katzenpost/hpqc/rand"
)

// ErrSignatureInvalid is returned when a signature does not verify under
// the sender's identity key.
var ErrSignatureInvalid = errors.New("crypto: signature invalid")

// pssOptions fixes the RSA-PSS parameters: SHA-256, MGF1-SHA256, 32 byte
// salt.  These are part of the wire contract.
var pssOptions = &rsa.PSSOptions{
	SaltLength: 32,
	Hash:       crypto.SHA256,
}

// SignatureDigest computes the digest an envelope signature is made over:
// SHA-256 of "<senderId>:<conversationId>:<keyId>:<base64(ciphertext)>".
func SignatureDigest(senderID uint64, conversationID, keyID string, ciphertext []byte) []byte {
	payload := fmt.Sprintf("%d:%s:%s:%s",
		senderID, conversationID, keyID,
		base64.StdEncoding.EncodeToString(ciphertext))
	sum := sha256.Sum256([]byte(payload))
	return sum[:]
}

// Sign produces an RSA-PSS signature over a SignatureDigest.
func Sign(priv *rsa.PrivateKey, digest []byte) ([]byte, error) {
	return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest, pssOptions)
}

// Verify checks an RSA-PSS signature over a SignatureDigest.
func Verify(pub *rsa.PublicKey, digest, signature []byte) error {
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest, signature, pssOptions); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}
