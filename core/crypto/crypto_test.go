// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genRSAMaterial(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	spki, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return priv, spki
}

func TestParseAlgorithm(t *testing.T) {
	for _, tok := range []string{"RSA-OAEP", "ECDH", "X25519", "Ed25519", "AES-256-GCM"} {
		alg, err := ParseAlgorithm(tok)
		require.NoError(t, err)
		require.Equal(t, tok, string(alg))
	}

	_, err := ParseAlgorithm("ROT13")
	require.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestValidateKeyMaterial(t *testing.T) {
	assert := assert.New(t)

	_, spki := genRSAMaterial(t)
	assert.NoError(ValidateKeyMaterial(AlgRSAOAEP, spki))

	// Undersized RSA keys are rejected.
	weak, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	weakSPKI, err := x509.MarshalPKIXPublicKey(&weak.PublicKey)
	require.NoError(t, err)
	assert.ErrorIs(ValidateKeyMaterial(AlgRSAOAEP, weakSPKI), ErrInvalidKeyMaterial)

	xkey, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	assert.NoError(ValidateKeyMaterial(AlgX25519, xkey.PublicKey().Bytes()))
	assert.ErrorIs(ValidateKeyMaterial(AlgX25519, make([]byte, 31)), ErrInvalidKeyMaterial)

	assert.NoError(ValidateKeyMaterial(AlgEd25519, make([]byte, 32)))
	assert.ErrorIs(ValidateKeyMaterial(AlgEd25519, make([]byte, 64)), ErrInvalidKeyMaterial)

	pkey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	assert.NoError(ValidateKeyMaterial(AlgECDH, pkey.PublicKey().Bytes()))
	assert.ErrorIs(ValidateKeyMaterial(AlgECDH, make([]byte, 65)), ErrInvalidKeyMaterial)

	assert.ErrorIs(ValidateKeyMaterial(AlgRSAOAEP, nil), ErrInvalidKeyMaterial)
}

func TestFingerprint(t *testing.T) {
	_, spki := genRSAMaterial(t)
	fp := Fingerprint(spki)
	require.Len(t, fp, 64) // SHA-256, hex.
	require.Equal(t, fp, Fingerprint(spki))
	require.NotEqual(t, fp, Fingerprint(append([]byte{0}, spki...)))
}

func TestWrapUnwrapRSA(t *testing.T) {
	require := require.New(t)

	priv, spki := genRSAMaterial(t)
	pub, err := ParseRSAPublicKey(spki)
	require.NoError(err)

	key, err := GenerateContentKey()
	require.NoError(err)
	require.Len(key, ContentKeySize)

	wrapped, err := WrapRSA(pub, key)
	require.NoError(err)

	got, err := UnwrapRSA(priv, wrapped)
	require.NoError(err)
	require.Equal(key, got)

	// Corrupted wrap.
	wrapped[0] ^= 0x01
	_, err = UnwrapRSA(priv, wrapped)
	require.ErrorIs(err, ErrKeyUnwrapFailed)

	// Wrong private key.
	wrapped[0] ^= 0x01
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)
	_, err = UnwrapRSA(other, wrapped)
	require.ErrorIs(err, ErrKeyUnwrapFailed)
}

func TestWrapUnwrapX25519(t *testing.T) {
	require := require.New(t)

	recipient, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(err)

	key, err := GenerateContentKey()
	require.NoError(err)

	wrapped, ephPub, err := WrapX25519(recipient.PublicKey().Bytes(), key, nil)
	require.NoError(err)
	require.Len(ephPub, 32)

	got, err := UnwrapX25519(recipient.Bytes(), ephPub, wrapped, nil)
	require.NoError(err)
	require.Equal(key, got)

	// KDF info disagreement yields a different KEK.
	_, err = UnwrapX25519(recipient.Bytes(), ephPub, wrapped, []byte("other-info"))
	require.ErrorIs(err, ErrKeyUnwrapFailed)

	// Wrong recipient scalar.
	other, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(err)
	_, err = UnwrapX25519(other.Bytes(), ephPub, wrapped, nil)
	require.ErrorIs(err, ErrKeyUnwrapFailed)

	// Truncated blob.
	_, err = UnwrapX25519(recipient.Bytes(), ephPub, wrapped[:GCMIVSize], nil)
	require.ErrorIs(err, ErrKeyUnwrapFailed)
}

func TestSealOpen(t *testing.T) {
	require := require.New(t)

	key, err := GenerateContentKey()
	require.NoError(err)

	plaintext := []byte("hello")
	ciphertext, iv, tag, err := Seal(key, plaintext)
	require.NoError(err)
	require.Len(iv, GCMIVSize)
	require.Len(tag, GCMTagSize)

	got, err := Open(key, ciphertext, iv, tag)
	require.NoError(err)
	require.Equal(plaintext, got)
}

func TestOpenTamper(t *testing.T) {
	require := require.New(t)

	key, err := GenerateContentKey()
	require.NoError(err)
	ciphertext, iv, tag, err := Seal(key, []byte("attack at dawn"))
	require.NoError(err)

	flip := func(b []byte, i int) []byte {
		c := append([]byte(nil), b...)
		c[i] ^= 0x01
		return c
	}

	// A single flipped bit anywhere must fail the open, never return
	// altered plaintext.
	_, err = Open(key, flip(ciphertext, 0), iv, tag)
	require.ErrorIs(err, ErrContentDecryptionFailed)
	_, err = Open(key, ciphertext, flip(iv, 3), tag)
	require.ErrorIs(err, ErrContentDecryptionFailed)
	_, err = Open(key, ciphertext, iv, flip(tag, GCMTagSize-1))
	require.ErrorIs(err, ErrContentDecryptionFailed)
}

func TestContentHashBinding(t *testing.T) {
	assert := assert.New(t)

	base := HashInputs{
		Ciphertext:     []byte{0x01, 0x02, 0x03},
		IV:             []byte{0x04, 0x05},
		ConversationID: "c1",
		SenderID:       7,
		RecipientID:    9,
		HasRecipient:   true,
		ContentType:    "text/plain",
		KeyID:          "sk1",
	}
	ref := ContentHash(&base)

	mutations := []func(*HashInputs){
		func(h *HashInputs) { h.Ciphertext = []byte{0x01, 0x02, 0x02} },
		func(h *HashInputs) { h.IV = []byte{0x04, 0x04} },
		func(h *HashInputs) { h.ConversationID = "c2" },
		func(h *HashInputs) { h.SenderID = 8 },
		func(h *HashInputs) { h.RecipientID = 10 },
		func(h *HashInputs) { h.HasRecipient = false },
		func(h *HashInputs) { h.ContentType = "text/html" },
		func(h *HashInputs) { h.KeyID = "sk2" },
	}
	for i, mutate := range mutations {
		in := base
		mutate(&in)
		assert.NotEqual(ref, ContentHash(&in), "mutation %d did not change the hash", i)
	}

	same := base
	assert.Equal(ref, ContentHash(&same))
}

func TestReplayFingerprint(t *testing.T) {
	assert := assert.New(t)

	ct, iv := []byte{0xaa, 0xbb}, []byte{0xcc}
	ref := ReplayFingerprint(ct, iv, 1, 2, "c1")

	// Key id relabeling does not enter the fingerprint at all; identity of
	// the envelope bytes and routing fields does.
	assert.Equal(ref, ReplayFingerprint(ct, iv, 1, 2, "c1"))
	assert.NotEqual(ref, ReplayFingerprint(ct, iv, 2, 2, "c1"))
	assert.NotEqual(ref, ReplayFingerprint(ct, iv, 1, 3, "c1"))
	assert.NotEqual(ref, ReplayFingerprint(ct, iv, 1, 2, "c2"))
	assert.NotEqual(ref, ReplayFingerprint([]byte{0xaa}, iv, 1, 2, "c1"))
}

func TestSignVerify(t *testing.T) {
	require := require.New(t)

	priv, spki := genRSAMaterial(t)
	pub, err := ParseRSAPublicKey(spki)
	require.NoError(err)

	digest := SignatureDigest(7, "c1", "sk1", []byte("ciphertext"))
	sig, err := Sign(priv, digest)
	require.NoError(err)
	require.NoError(Verify(pub, digest, sig))

	// Any change to the signed fields produces a different digest.
	other := SignatureDigest(7, "c1", "sk2", []byte("ciphertext"))
	require.NotEqual(digest, other)
	require.ErrorIs(Verify(pub, other, sig), ErrSignatureInvalid)

	sig[0] ^= 0x01
	require.ErrorIs(Verify(pub, digest, sig), ErrSignatureInvalid)
}
