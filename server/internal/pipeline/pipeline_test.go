// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package pipeline

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siegelpost/siegelpost/core/crypto"
	"github.com/siegelpost/siegelpost/core/log"
	"github.com/siegelpost/siegelpost/server/internal/replay"
	"github.com/siegelpost/siegelpost/server/keypkg"
	"github.com/siegelpost/siegelpost/server/keypkg/boltkeypkg"
	"github.com/siegelpost/siegelpost/server/keystore"
	"github.com/siegelpost/siegelpost/server/keystore/boltkeystore"
	"github.com/siegelpost/siegelpost/server/msgdb"
	"github.com/siegelpost/siegelpost/server/msgdb/boltmsgdb"
	"github.com/siegelpost/siegelpost/server/notify"
)

type recordingNotifier struct {
	sync.Mutex

	distributed   []*notify.SessionKeyDistributed
	distributedTo [][]uint64
}

func (n *recordingNotifier) SessionKeyDistributed(userIDs []uint64, ev *notify.SessionKeyDistributed) {
	n.Lock()
	defer n.Unlock()
	n.distributed = append(n.distributed, ev)
	n.distributedTo = append(n.distributedTo, userIDs)
}

func (n *recordingNotifier) KeyRotationRequired([]uint64, *notify.KeyRotationRequired) {}
func (n *recordingNotifier) ForceKeyRotation(uint64, *notify.ForceKeyRotation)         {}
func (n *recordingNotifier) MessageDestructed([]uint64, *notify.MessageDestructed)     {}

type harness struct {
	pipeline *Pipeline
	keys     keystore.Store
	packages keypkg.Store
	messages msgdb.Store
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	return newHarnessCfg(t, nil)
}

func newHarnessCfg(t *testing.T, cfg *Config) *harness {
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)

	dir := t.TempDir()
	keys, err := boltkeystore.New(filepath.Join(dir, "keys.db"))
	require.NoError(t, err)
	t.Cleanup(keys.Close)

	packages, err := boltkeypkg.New(filepath.Join(dir, "packages.db"))
	require.NoError(t, err)
	t.Cleanup(packages.Close)

	messages, err := boltmsgdb.New(filepath.Join(dir, "messages.db"))
	require.NoError(t, err)
	t.Cleanup(messages.Close)

	win, err := replay.NewMemoryWindow(logBackend, time.Minute)
	require.NoError(t, err)
	detector := replay.NewDetector(logBackend, win, nil)
	t.Cleanup(detector.Halt)

	notifier := &recordingNotifier{}
	p := New(logBackend, cfg, detector, keys, packages, messages, nil, notifier)
	t.Cleanup(p.Halt)

	return &harness{
		pipeline: p,
		keys:     keys,
		packages: packages,
		messages: messages,
		notifier: notifier,
	}
}

func uploadRSAKey(t *testing.T, h *harness, userID uint64, keyID string) *rsa.PrivateKey {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	material, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	_, err = h.keys.Upload(&keystore.UploadRequest{
		UserID:            userID,
		KeyID:             keyID,
		Algorithm:         crypto.AlgRSAOAEP,
		PublicKeyMaterial: material,
	})
	require.NoError(t, err)
	return priv
}

func uploadX25519Key(t *testing.T, h *harness, userID uint64, keyID string) *ecdh.PrivateKey {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = h.keys.Upload(&keystore.UploadRequest{
		UserID:            userID,
		KeyID:             keyID,
		Algorithm:         crypto.AlgX25519,
		PublicKeyMaterial: priv.PublicKey().Bytes(),
	})
	require.NoError(t, err)
	return priv
}

func TestEndToEndRSA(t *testing.T) {
	h := newHarness(t)
	const userA = uint64(1)

	idPriv := uploadRSAKey(t, h, userA, "k1")

	pkg, contentKey, err := h.pipeline.DistributeSessionKey(&DistributeSessionKeyRequest{
		SessionID:   "s1",
		KeyID:       "sk1",
		SenderID:    2,
		RecipientID: userA,
	})
	require.NoError(t, err)
	assert.Equal(t, keypkg.StatusPending, pkg.Status)

	msg, err := h.pipeline.Encrypt(&EncryptRequest{
		MessageID:      "m1",
		ConversationID: "c1",
		SenderID:       2,
		RecipientID:    userA,
		KeyID:          "sk1",
		ContentType:    "text",
		ContentKey:     contentKey,
		Plaintext:      []byte("hello"),
	})
	require.NoError(t, err)

	res, err := h.pipeline.Decrypt(msg, &RecipientPrivateKey{KeyID: "k1", RSA: idPriv})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), res.Plaintext)
	assert.Equal(t, crypto.AlgAES256GCM, res.Algorithm)
	assert.Equal(t, "text", res.ContentType)

	got, err := h.packages.Get("s1", "sk1")
	require.NoError(t, err)
	assert.Equal(t, keypkg.StatusConsumed, got.Status)

	// The identical envelope is rejected at the replay gate.
	_, err = h.pipeline.Decrypt(msg, &RecipientPrivateKey{KeyID: "k1", RSA: idPriv})
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, FailureReplayAttackDetected, perr.Kind)
	assert.False(t, perr.Transient())

	// The consumed package decrypts nothing twice but its state is stable.
	got, err = h.packages.Get("s1", "sk1")
	require.NoError(t, err)
	assert.Equal(t, keypkg.StatusConsumed, got.Status)
}

func TestEndToEndForwardSecret(t *testing.T) {
	h := newHarness(t)
	const userB = uint64(3)

	idPriv := uploadX25519Key(t, h, userB, "x1")

	pkg, contentKey, err := h.pipeline.DistributeSessionKey(&DistributeSessionKeyRequest{
		SessionID:     "s2",
		KeyID:         "sk2",
		SenderID:      4,
		RecipientID:   userB,
		ForwardSecret: true,
	})
	require.NoError(t, err)
	assert.True(t, pkg.ForwardSecret)
	assert.NotEmpty(t, pkg.EphemeralPublicKey)
	assert.Equal(t, crypto.DefaultKDFAlgorithm, pkg.KDFAlgorithm)

	msg, err := h.pipeline.Encrypt(&EncryptRequest{
		MessageID:      "m2",
		ConversationID: "c2",
		SenderID:       4,
		RecipientID:    userB,
		KeyID:          "sk2",
		ContentType:    "text",
		ContentKey:     contentKey,
		Plaintext:      []byte("forward secret hello"),
	})
	require.NoError(t, err)

	res, err := h.pipeline.Decrypt(msg, &RecipientPrivateKey{KeyID: "x1", X25519Scalar: idPriv.Bytes()})
	require.NoError(t, err)
	assert.Equal(t, []byte("forward secret hello"), res.Plaintext)
}

func TestDecryptFailures(t *testing.T) {
	h := newHarness(t)
	const userA = uint64(1)

	idPriv := uploadRSAKey(t, h, userA, "k1")
	_, contentKey, err := h.pipeline.DistributeSessionKey(&DistributeSessionKeyRequest{
		SessionID:   "s1",
		KeyID:       "sk1",
		SenderID:    2,
		RecipientID: userA,
	})
	require.NoError(t, err)

	encrypt := func(messageID string) *msgdb.EncryptedMessage {
		msg, err := h.pipeline.Encrypt(&EncryptRequest{
			MessageID:      messageID,
			ConversationID: "c1",
			SenderID:       2,
			RecipientID:    userA,
			KeyID:          "sk1",
			ContentType:    "text",
			ContentKey:     contentKey,
			Plaintext:      []byte("payload"),
		})
		require.NoError(t, err)
		return msg
	}

	priv := &RecipientPrivateKey{KeyID: "k1", RSA: idPriv}

	t.Run("KeyNotFound", func(t *testing.T) {
		msg := encrypt("m-nokey")
		msg.KeyID = "missing"
		_, err := h.pipeline.Decrypt(msg, priv)
		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, FailureKeyNotFound, perr.Kind)
	})

	t.Run("KeyUnwrapFailed", func(t *testing.T) {
		msg := encrypt("m-badpriv")
		wrong, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		_, err = h.pipeline.Decrypt(msg, &RecipientPrivateKey{RSA: wrong})
		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, FailureKeyUnwrapFailed, perr.Kind)
	})

	t.Run("UnsupportedAlgorithm", func(t *testing.T) {
		msg := encrypt("m-badalg")
		msg.Algorithm = crypto.Algorithm("ChaCha20-Poly1305")
		_, err := h.pipeline.Decrypt(msg, priv)
		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, FailureUnsupportedAlgorithm, perr.Kind)
	})

	t.Run("ContentDecryptionFailed", func(t *testing.T) {
		msg := encrypt("m-tamper-tag")
		msg.Tag[0] ^= 0x01
		_, err := h.pipeline.Decrypt(msg, priv)
		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, FailureContentDecryptionFailed, perr.Kind)
	})

	t.Run("IntegrityCheckFailed", func(t *testing.T) {
		// Relabeling the content type survives AES-GCM but not the
		// content hash.
		msg := encrypt("m-relabel")
		msg.ContentType = "image"
		_, err := h.pipeline.Decrypt(msg, priv)
		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, FailureIntegrityCheckFailed, perr.Kind)
	})
}

func TestDecryptBatch(t *testing.T) {
	h := newHarness(t)
	const userA = uint64(1)

	idPriv := uploadRSAKey(t, h, userA, "k1")
	_, contentKey, err := h.pipeline.DistributeSessionKey(&DistributeSessionKeyRequest{
		SessionID:   "s1",
		KeyID:       "sk1",
		SenderID:    2,
		RecipientID: userA,
	})
	require.NoError(t, err)

	priv := &RecipientPrivateKey{KeyID: "k1", RSA: idPriv}
	items := make([]*BatchItem, 0, 4)
	for i, plaintext := range []string{"one", "two", "three"} {
		msg, err := h.pipeline.Encrypt(&EncryptRequest{
			MessageID:      string(rune('a' + i)),
			ConversationID: "c1",
			SenderID:       2,
			RecipientID:    userA,
			KeyID:          "sk1",
			ContentType:    "text",
			ContentKey:     contentKey,
			Plaintext:      []byte(plaintext),
		})
		require.NoError(t, err)
		items = append(items, &BatchItem{Message: msg, PrivateKey: priv})
	}

	// One poisoned item must not abort the batch.
	bad, err := h.pipeline.Encrypt(&EncryptRequest{
		MessageID:      "bad",
		ConversationID: "c1",
		SenderID:       2,
		RecipientID:    userA,
		KeyID:          "sk1",
		ContentType:    "text",
		ContentKey:     contentKey,
		Plaintext:      []byte("poison"),
	})
	require.NoError(t, err)
	bad.Ciphertext[0] ^= 0x01
	items = append(items, &BatchItem{Message: bad, PrivateKey: priv})

	results, failures := h.pipeline.DecryptBatch(items)
	require.Len(t, results, 3)
	require.Len(t, failures, 1)
	assert.Equal(t, []byte("one"), results["a"].Plaintext)
	assert.Equal(t, []byte("two"), results["b"].Plaintext)
	assert.Equal(t, []byte("three"), results["c"].Plaintext)
	assert.Contains(t, []FailureKind{FailureContentDecryptionFailed, FailureIntegrityCheckFailed}, failures["bad"].Kind)
}

func TestDecryptRejectsUnusablePackage(t *testing.T) {
	h := newHarness(t)
	const userA = uint64(1)

	idPriv := uploadRSAKey(t, h, userA, "k1")
	priv := &RecipientPrivateKey{KeyID: "k1", RSA: idPriv}

	encrypt := func(messageID, keyID string, contentKey []byte) *msgdb.EncryptedMessage {
		msg, err := h.pipeline.Encrypt(&EncryptRequest{
			MessageID:      messageID,
			ConversationID: "c1",
			SenderID:       2,
			RecipientID:    userA,
			KeyID:          keyID,
			ContentType:    "text",
			ContentKey:     contentKey,
			Plaintext:      []byte("should not decrypt"),
		})
		require.NoError(t, err)
		return msg
	}

	t.Run("Revoked", func(t *testing.T) {
		_, contentKey, err := h.pipeline.DistributeSessionKey(&DistributeSessionKeyRequest{
			SessionID:   "s-revoked",
			KeyID:       "sk-revoked",
			SenderID:    2,
			RecipientID: userA,
		})
		require.NoError(t, err)
		msg := encrypt("m-revoked", "sk-revoked", contentKey)

		revoked, err := h.packages.Revoke("s-revoked", "sk-revoked", "suspected compromise")
		require.NoError(t, err)
		require.Equal(t, keypkg.StatusRevoked, revoked.Status)

		_, err = h.pipeline.Decrypt(msg, priv)
		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, FailureKeyNotFound, perr.Kind)
		assert.ErrorIs(t, err, keypkg.ErrPackageNotUsable)
	})

	t.Run("Expired", func(t *testing.T) {
		pkg, contentKey, err := h.pipeline.DistributeSessionKey(&DistributeSessionKeyRequest{
			SessionID:   "s-expired",
			KeyID:       "sk-expired",
			SenderID:    2,
			RecipientID: userA,
			ExpiresAt:   time.Now().Add(-time.Hour),
		})
		require.NoError(t, err)
		// The expiry bound is exclusive.
		assert.False(t, pkg.Usable(pkg.ExpiresAt))
		msg := encrypt("m-expired", "sk-expired", contentKey)

		_, err = h.pipeline.Decrypt(msg, priv)
		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, FailureKeyNotFound, perr.Kind)
		assert.ErrorIs(t, err, keypkg.ErrPackageNotUsable)
	})
}

func TestDecryptBatchBacklog(t *testing.T) {
	// A single worker with a single queue slot forces most of the batch
	// through the caller-runs overflow path.
	h := newHarnessCfg(t, &Config{NumWorkers: 1, QueueDepth: 1})
	const userA = uint64(1)

	idPriv := uploadRSAKey(t, h, userA, "k1")
	_, contentKey, err := h.pipeline.DistributeSessionKey(&DistributeSessionKeyRequest{
		SessionID:   "s1",
		KeyID:       "sk1",
		SenderID:    2,
		RecipientID: userA,
	})
	require.NoError(t, err)

	priv := &RecipientPrivateKey{KeyID: "k1", RSA: idPriv}
	items := make([]*BatchItem, 0, 8)
	for i := 0; i < 8; i++ {
		msg, err := h.pipeline.Encrypt(&EncryptRequest{
			MessageID:      fmt.Sprintf("m%d", i),
			ConversationID: "c1",
			SenderID:       2,
			RecipientID:    userA,
			KeyID:          "sk1",
			ContentType:    "text",
			ContentKey:     contentKey,
			Plaintext:      []byte(fmt.Sprintf("payload %d", i)),
		})
		require.NoError(t, err)
		items = append(items, &BatchItem{Message: msg, PrivateKey: priv})
	}

	results, failures := h.pipeline.DecryptBatch(items)
	require.Empty(t, failures)
	require.Len(t, results, 8)
	for i := 0; i < 8; i++ {
		assert.Equal(t, []byte(fmt.Sprintf("payload %d", i)), results[fmt.Sprintf("m%d", i)].Plaintext)
	}
}

func TestVerifySignature(t *testing.T) {
	h := newHarness(t)
	const sender = uint64(2)
	const userA = uint64(1)

	senderPriv := uploadRSAKey(t, h, sender, "sender-key")
	uploadRSAKey(t, h, userA, "k1")

	_, contentKey, err := h.pipeline.DistributeSessionKey(&DistributeSessionKeyRequest{
		SessionID:   "s1",
		KeyID:       "sk1",
		SenderID:    sender,
		RecipientID: userA,
	})
	require.NoError(t, err)

	msg, err := h.pipeline.Encrypt(&EncryptRequest{
		MessageID:      "m1",
		ConversationID: "c1",
		SenderID:       sender,
		RecipientID:    userA,
		KeyID:          "sk1",
		ContentType:    "text",
		ContentKey:     contentKey,
		Plaintext:      []byte("signed hello"),
		SignKey:        senderPriv,
	})
	require.NoError(t, err)
	require.True(t, msg.IsSigned)
	require.NoError(t, h.messages.Put(msg))

	assert.Equal(t, VerifyValid, h.pipeline.VerifySignature(msg))
	got, err := h.messages.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, msgdb.VerificationVerified, got.VerificationStatus)

	// A tampered signature is Invalid and recorded as such.
	tampered := *msg
	tampered.Signature = append([]byte(nil), msg.Signature...)
	tampered.Signature[0] ^= 0x01
	assert.Equal(t, VerifyInvalid, h.pipeline.VerifySignature(&tampered))
	got, err = h.messages.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, msgdb.VerificationInvalid, got.VerificationStatus)

	// Unsigned messages are not rejected.
	unsigned := *msg
	unsigned.IsSigned = false
	unsigned.Signature = nil
	assert.Equal(t, VerifyNotSigned, h.pipeline.VerifySignature(&unsigned))

	// An unknown sender cannot be verified.
	orphan := *msg
	orphan.SenderID = 99
	assert.Equal(t, VerifyError, h.pipeline.VerifySignature(&orphan))
}

func TestDecryptAndVerifyPolicy(t *testing.T) {
	h := newHarness(t)
	const sender = uint64(2)
	const userA = uint64(1)

	senderPriv := uploadRSAKey(t, h, sender, "sender-key")
	idPriv := uploadRSAKey(t, h, userA, "k1")

	_, contentKey, err := h.pipeline.DistributeSessionKey(&DistributeSessionKeyRequest{
		SessionID:   "s1",
		KeyID:       "sk1",
		SenderID:    sender,
		RecipientID: userA,
	})
	require.NoError(t, err)

	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	strict := New(logBackend, &Config{RequireSignature: true}, h.pipeline.detector, h.keys, h.packages, h.messages, nil, nil)
	t.Cleanup(strict.Halt)

	priv := &RecipientPrivateKey{KeyID: "k1", RSA: idPriv}
	encrypt := func(messageID string, signKey *rsa.PrivateKey) *msgdb.EncryptedMessage {
		msg, err := h.pipeline.Encrypt(&EncryptRequest{
			MessageID:      messageID,
			ConversationID: "c1",
			SenderID:       sender,
			RecipientID:    userA,
			KeyID:          "sk1",
			ContentType:    "text",
			ContentKey:     contentKey,
			Plaintext:      []byte("policy"),
			SignKey:        signKey,
		})
		require.NoError(t, err)
		return msg
	}

	// Default policy: unsigned messages pass as NotSigned.
	res, vr, err := h.pipeline.DecryptAndVerify(encrypt("p1", nil), priv)
	require.NoError(t, err)
	assert.Equal(t, VerifyNotSigned, vr)
	assert.Equal(t, []byte("policy"), res.Plaintext)

	// Strict policy: unsigned messages are rejected.
	_, _, err = strict.DecryptAndVerify(encrypt("p2", nil), priv)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, FailureSignatureInvalid, perr.Kind)

	// Strict policy: validly signed messages pass.
	res, vr, err = strict.DecryptAndVerify(encrypt("p3", senderPriv), priv)
	require.NoError(t, err)
	assert.Equal(t, VerifyValid, vr)
	assert.Equal(t, []byte("policy"), res.Plaintext)

	// A tampered signature fails under any policy.
	bad := encrypt("p4", senderPriv)
	bad.Signature[0] ^= 0x01
	_, _, err = h.pipeline.DecryptAndVerify(bad, priv)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, FailureSignatureInvalid, perr.Kind)
}

func TestDistributeNotifiesParties(t *testing.T) {
	h := newHarness(t)
	uploadRSAKey(t, h, 1, "k1")

	pkg, _, err := h.pipeline.DistributeSessionKey(&DistributeSessionKeyRequest{
		SessionID:   "s1",
		KeyID:       "sk1",
		SenderID:    2,
		RecipientID: 1,
	})
	require.NoError(t, err)

	require.Len(t, h.notifier.distributed, 1)
	ev := h.notifier.distributed[0]
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "sk1", ev.KeyID)
	assert.Equal(t, pkg.ExpiresAt, ev.ExpiresAt)
	assert.ElementsMatch(t, []uint64{1, 2}, h.notifier.distributedTo[0])
}

func TestDistributeAppliesLifetime(t *testing.T) {
	h := newHarnessCfg(t, &Config{PackageLifetime: 48 * time.Hour})
	uploadRSAKey(t, h, 1, "k1")

	pkg, _, err := h.pipeline.DistributeSessionKey(&DistributeSessionKeyRequest{
		SessionID:   "s1",
		KeyID:       "sk1",
		SenderID:    2,
		RecipientID: 1,
	})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(48*time.Hour), pkg.ExpiresAt, time.Minute)
}

func TestDistributeRequiresRecipientKey(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.pipeline.DistributeSessionKey(&DistributeSessionKeyRequest{
		SessionID:   "s1",
		KeyID:       "sk1",
		SenderID:    2,
		RecipientID: 42,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, keypkg.ErrRecipientKeyUnavailable))
}

func TestDistributeForwardSecretNeedsX25519(t *testing.T) {
	h := newHarness(t)
	uploadRSAKey(t, h, 1, "k1")

	_, _, err := h.pipeline.DistributeSessionKey(&DistributeSessionKeyRequest{
		SessionID:     "s1",
		KeyID:         "sk1",
		SenderID:      2,
		RecipientID:   1,
		ForwardSecret: true,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, crypto.ErrUnsupportedAlgorithm))
}
