// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package pipeline orchestrates message encryption and decryption: replay
// gating, session key package resolution, key unwrap, authenticated
// decryption, integrity verification and package consumption.
package pipeline

import (
	"bytes"
	"crypto/rsa"
	"errors"
	"runtime"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/siegelpost/siegelpost/core/crypto"
	"github.com/siegelpost/siegelpost/core/log"
	"github.com/siegelpost/siegelpost/server/audit"
	"github.com/siegelpost/siegelpost/server/internal/instrument"
	"github.com/siegelpost/siegelpost/server/internal/replay"
	"github.com/siegelpost/siegelpost/server/keypkg"
	"github.com/siegelpost/siegelpost/server/keystore"
	"github.com/siegelpost/siegelpost/server/msgdb"
	"github.com/siegelpost/siegelpost/server/notify"
)

// VerifyResult is the outcome of a signature verification.
type VerifyResult string

const (
	VerifyValid     VerifyResult = "Valid"
	VerifyInvalid   VerifyResult = "Invalid"
	VerifyNotSigned VerifyResult = "NotSigned"
	VerifyError     VerifyResult = "Error"
)

// RecipientPrivateKey is the recipient side private key material used to
// unwrap a session key package.  KeyID names the identity key the material
// belongs to, for usage bookkeeping.
type RecipientPrivateKey struct {
	KeyID        string
	RSA          *rsa.PrivateKey
	X25519Scalar []byte
}

// Result is a successful decryption.
type Result struct {
	Plaintext   []byte
	Elapsed     time.Duration
	Algorithm   crypto.Algorithm
	ContentType string
	Package     *keypkg.SessionKeyPackage
}

// EncryptRequest carries the parameters of a service side encryption.
type EncryptRequest struct {
	MessageID      string
	ConversationID string
	SenderID       uint64
	RecipientID    uint64
	RoomID         string
	KeyID          string
	ContentType    string
	ContentKey     []byte
	Plaintext      []byte

	// SignKey, when set, attaches an RSA-PSS signature.
	SignKey *rsa.PrivateKey

	// SelfDestructTimer is the requested destruction delay in
	// milliseconds, 0 for none.
	SelfDestructTimer int64
}

// DistributeSessionKeyRequest carries the parameters of a service initiated
// session key distribution.
type DistributeSessionKeyRequest struct {
	SessionID   string
	KeyID       string
	SenderID    uint64
	RecipientID uint64
	ExpiresAt   time.Time

	// ForwardSecret selects the ephemeral ECDH wrap path; it requires
	// the recipient's active identity key to be an X25519 key.
	ForwardSecret bool
}

// Config tunes the pipeline's worker pools.
type Config struct {
	// NumWorkers is the size of the general pool used by batch
	// decryption.  Defaults to the CPU count.
	NumWorkers int

	// NumSignatureWorkers is the size of the pool signature
	// verifications run on, kept smaller so RSA-PSS bursts cannot
	// starve decryption.  Defaults to a quarter of the CPU count.
	NumSignatureWorkers int

	// QueueDepth bounds each pool's backlog; submissions beyond it run
	// on the caller's goroutine.  Defaults to 64.
	QueueDepth int

	// RequireSignature rejects unsigned messages in DecryptAndVerify.
	// Off by default: unsigned messages decrypt normally and stay
	// Unverified.
	RequireSignature bool

	// PackageLifetime is the expiry applied to distributions that do not
	// carry their own.  Zero falls through to the store default.
	PackageLifetime time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = runtime.NumCPU()
	}
	if cfg.NumSignatureWorkers <= 0 {
		cfg.NumSignatureWorkers = runtime.NumCPU() / 4
		if cfg.NumSignatureWorkers < 1 {
			cfg.NumSignatureWorkers = 1
		}
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
}

// Pipeline is the message encryption/decryption engine.
type Pipeline struct {
	log *logging.Logger

	detector *replay.Detector
	keys     keystore.Store
	packages keypkg.Store

	// messages is optional; when present verification outcomes are
	// recorded on the stored message.
	messages msgdb.Store

	auditor  audit.Sink
	notifier notify.Notifier

	requireSignature bool
	packageLifetime  time.Duration

	genPool *pool
	sigPool *pool
}

// New constructs a Pipeline.
func New(logBackend *log.Backend, cfg *Config, detector *replay.Detector, keys keystore.Store, packages keypkg.Store, messages msgdb.Store, auditor audit.Sink, notifier notify.Notifier) *Pipeline {
	if cfg == nil {
		cfg = new(Config)
	}
	cfg.applyDefaults()
	if auditor == nil {
		auditor = audit.DiscardSink{}
	}
	if notifier == nil {
		notifier = notify.DiscardNotifier{}
	}
	return &Pipeline{
		log:      logBackend.GetLogger("pipeline"),
		detector: detector,
		keys:     keys,
		packages: packages,
		messages: messages,
		auditor:  auditor,
		notifier: notifier,

		requireSignature: cfg.RequireSignature,
		packageLifetime:  cfg.PackageLifetime,

		genPool: newPool(cfg.NumWorkers, cfg.QueueDepth),
		sigPool: newPool(cfg.NumSignatureWorkers, cfg.QueueDepth),
	}
}

// Halt tears down the pipeline's worker pools.  The stores and the replay
// detector are owned by the caller.
func (p *Pipeline) Halt() {
	p.genPool.Halt()
	p.sigPool.Halt()
}

func hashInputs(m *msgdb.EncryptedMessage) *crypto.HashInputs {
	return &crypto.HashInputs{
		Ciphertext:     m.Ciphertext,
		IV:             m.IV,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		HasRecipient:   m.RecipientID != 0,
		ContentType:    m.ContentType,
		KeyID:          m.KeyID,
	}
}

// Decrypt runs the strictly ordered decryption pipeline over one message,
// short-circuiting on the first failure.  A non-nil error is always a
// *pipeline.Error.
func (p *Pipeline) Decrypt(msg *msgdb.EncryptedMessage, priv *RecipientPrivateKey) (*Result, error) {
	start := time.Now()
	res, err := p.decrypt(msg, priv)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			instrument.DecryptionFailed(string(perr.Kind))
			// Replays are already audited by the detector.
			if perr.Kind != FailureReplayAttackDetected {
				p.auditor.Submit(&audit.Event{
					Action:   "decryption_failed",
					Severity: audit.SeverityMedium,
					ActorID:  msg.SenderID,
					Details: map[string]interface{}{
						"messageId":      msg.MessageID,
						"conversationId": msg.ConversationID,
						"kind":           string(perr.Kind),
					},
				})
			}
		}
		return nil, err
	}
	res.Elapsed = time.Since(start)
	instrument.Decrypted()
	return res, nil
}

func (p *Pipeline) decrypt(msg *msgdb.EncryptedMessage, priv *RecipientPrivateKey) (*Result, error) {
	in := hashInputs(msg)

	if p.detector.IsReplay(msg.MessageID, in) {
		return nil, failure(FailureReplayAttackDetected, nil)
	}

	pkg, err := p.packages.ByKeyID(msg.KeyID, msg.RecipientID)
	switch {
	case errors.Is(err, keypkg.ErrNoSuchPackage):
		return nil, failure(FailureKeyNotFound, err)
	case err != nil:
		return nil, failure(FailureStoreUnavailable, err)
	}

	// A revoked or expired package must never unwrap, that is the whole
	// point of revoking it.
	if !pkg.Usable(time.Now()) {
		return nil, failure(FailureKeyNotFound, keypkg.ErrPackageNotUsable)
	}

	contentKey, err := p.unwrap(pkg, priv)
	if err != nil {
		return nil, err
	}
	defer zero(contentKey)

	if msg.Algorithm != crypto.AlgAES256GCM {
		return nil, failure(FailureUnsupportedAlgorithm, crypto.ErrUnsupportedAlgorithm)
	}
	plaintext, err := crypto.Open(contentKey, msg.Ciphertext, msg.IV, msg.Tag)
	if err != nil {
		return nil, failure(FailureContentDecryptionFailed, err)
	}

	if !bytes.Equal(crypto.ContentHash(in), msg.ContentHash) {
		p.auditor.Submit(&audit.Event{
			Action:   "integrity_check_failed",
			Severity: audit.SeverityHigh,
			ActorID:  msg.SenderID,
			Details: map[string]interface{}{
				"messageId":      msg.MessageID,
				"conversationId": msg.ConversationID,
			},
		})
		return nil, failure(FailureIntegrityCheckFailed, nil)
	}

	if _, err = p.packages.Consume(pkg.SessionID, pkg.KeyID, msg.RecipientID, time.Now()); err != nil {
		return nil, failure(FailureStoreUnavailable, err)
	}

	if priv.KeyID != "" {
		// Usage bookkeeping must never fail the decryption.
		if err := p.keys.TouchLastUsed(msg.RecipientID, priv.KeyID, time.Now()); err != nil {
			p.log.Warningf("Failed to touch identity key %d/%s: %v", msg.RecipientID, priv.KeyID, err)
		}
	}

	return &Result{
		Plaintext:   plaintext,
		Algorithm:   msg.Algorithm,
		ContentType: msg.ContentType,
		Package:     pkg,
	}, nil
}

func (p *Pipeline) unwrap(pkg *keypkg.SessionKeyPackage, priv *RecipientPrivateKey) ([]byte, error) {
	if pkg.ForwardSecret {
		if pkg.KDFAlgorithm != "" && pkg.KDFAlgorithm != crypto.DefaultKDFAlgorithm {
			return nil, failure(FailureUnsupportedAlgorithm, crypto.ErrUnsupportedAlgorithm)
		}
		if priv.X25519Scalar == nil {
			return nil, failure(FailureKeyUnwrapFailed, crypto.ErrInvalidKeyMaterial)
		}
		key, err := crypto.UnwrapX25519(priv.X25519Scalar, pkg.EphemeralPublicKey, pkg.WrappedKey, pkg.KDFInfo)
		if err != nil {
			return nil, failure(FailureKeyUnwrapFailed, err)
		}
		return key, nil
	}

	switch pkg.Algorithm {
	case crypto.AlgRSAOAEP:
		if priv.RSA == nil {
			return nil, failure(FailureKeyUnwrapFailed, crypto.ErrInvalidKeyMaterial)
		}
		key, err := crypto.UnwrapRSA(priv.RSA, pkg.WrappedKey)
		if err != nil {
			return nil, failure(FailureKeyUnwrapFailed, err)
		}
		return key, nil
	default:
		return nil, failure(FailureUnsupportedAlgorithm, crypto.ErrUnsupportedAlgorithm)
	}
}

// DecryptAndVerify decrypts the message and then runs signature
// verification.  An Invalid signature fails the operation; a missing one
// fails it only when the signature policy demands signing.
func (p *Pipeline) DecryptAndVerify(msg *msgdb.EncryptedMessage, priv *RecipientPrivateKey) (*Result, VerifyResult, error) {
	res, err := p.Decrypt(msg, priv)
	if err != nil {
		return nil, "", err
	}

	vr := p.VerifySignature(msg)
	switch vr {
	case VerifyInvalid:
		return nil, vr, failure(FailureSignatureInvalid, crypto.ErrSignatureInvalid)
	case VerifyNotSigned:
		if p.requireSignature {
			return nil, vr, failure(FailureSignatureInvalid, errors.New("unsigned message rejected by policy"))
		}
	case VerifyError:
		if p.requireSignature {
			return nil, vr, failure(FailureSignatureInvalid, errors.New("signature could not be verified"))
		}
	}
	return res, vr, nil
}

// BatchItem pairs one message with the private key material that unwraps
// its session key package.
type BatchItem struct {
	Message    *msgdb.EncryptedMessage
	PrivateKey *RecipientPrivateKey
}

// DecryptBatch decrypts the items independently on the general pool.  A
// failing item lands in the failure map; it never aborts the rest of the
// batch.  Both maps are keyed by message id.  Items that do not fit in the
// pool's queue run on the calling goroutine, so batch concurrency never
// exceeds the pool size.
func (p *Pipeline) DecryptBatch(items []*BatchItem) (map[string]*Result, map[string]*Error) {
	results := make(map[string]*Result)
	failures := make(map[string]*Error)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, item := range items {
		item := item
		job := func() {
			defer wg.Done()
			res, err := p.Decrypt(item.Message, item.PrivateKey)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var perr *Error
				if !errors.As(err, &perr) {
					perr = failure(FailureStoreUnavailable, err)
				}
				failures[item.Message.MessageID] = perr
				return
			}
			results[item.Message.MessageID] = res
		}
		wg.Add(1)
		if !p.genPool.submit(job) {
			job()
		}
	}
	wg.Wait()
	return results, failures
}

// VerifySignature checks the envelope's RSA-PSS signature against the
// sender's active identity key.  Verification runs on the dedicated
// signature pool.  When a message store is wired, Valid and Invalid
// outcomes are recorded on the message.
func (p *Pipeline) VerifySignature(msg *msgdb.EncryptedMessage) VerifyResult {
	var res VerifyResult
	p.sigPool.do(func() {
		res = p.verifySignature(msg)
	})
	instrument.SignatureVerified(string(res))

	sev := audit.SeverityLow
	if res == VerifyInvalid {
		sev = audit.SeverityMedium
	}
	p.auditor.Submit(&audit.Event{
		Action:   "signature_verification",
		Severity: sev,
		ActorID:  msg.SenderID,
		Details: map[string]interface{}{
			"messageId":      msg.MessageID,
			"conversationId": msg.ConversationID,
			"result":         string(res),
		},
	})
	return res
}

func (p *Pipeline) verifySignature(msg *msgdb.EncryptedMessage) VerifyResult {
	if !msg.IsSigned || len(msg.Signature) == 0 {
		return VerifyNotSigned
	}

	now := time.Now()
	key, err := p.keys.ActiveKey(msg.SenderID, now)
	if err != nil {
		p.log.Warningf("No usable identity key for sender %d: %v", msg.SenderID, err)
		return VerifyError
	}
	if key.Algorithm != crypto.AlgRSAOAEP {
		return VerifyError
	}
	pub, err := crypto.ParseRSAPublicKey(key.PublicKeyMaterial)
	if err != nil {
		return VerifyError
	}

	digest := crypto.SignatureDigest(msg.SenderID, msg.ConversationID, msg.KeyID, msg.Ciphertext)
	if err := crypto.Verify(pub, digest, msg.Signature); err != nil {
		p.recordVerification(msg.MessageID, msgdb.VerificationInvalid)
		return VerifyInvalid
	}

	if err := p.keys.TouchLastUsed(msg.SenderID, key.KeyID, now); err != nil {
		p.log.Warningf("Failed to touch identity key %d/%s: %v", msg.SenderID, key.KeyID, err)
	}
	p.recordVerification(msg.MessageID, msgdb.VerificationVerified)
	return VerifyValid
}

func (p *Pipeline) recordVerification(messageID string, vs msgdb.VerificationStatus) {
	if p.messages == nil {
		return
	}
	if err := p.messages.SetVerificationStatus(messageID, vs); err != nil {
		p.log.Warningf("Failed to record verification of %s: %v", messageID, err)
	}
}

// Encrypt builds a message record the decryption pipeline accepts: AES-256-GCM
// with a random 96 bit IV, the canonical content hash, and optionally an
// RSA-PSS signature.  Exactly one of RecipientID and RoomID must be set.
func (p *Pipeline) Encrypt(req *EncryptRequest) (*msgdb.EncryptedMessage, error) {
	ciphertext, iv, tag, err := crypto.Seal(req.ContentKey, req.Plaintext)
	if err != nil {
		return nil, err
	}

	in := &crypto.HashInputs{
		Ciphertext:     ciphertext,
		IV:             iv,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		RecipientID:    req.RecipientID,
		HasRecipient:   req.RecipientID != 0,
		ContentType:    req.ContentType,
		KeyID:          req.KeyID,
	}

	msg := &msgdb.EncryptedMessage{
		MessageID:         req.MessageID,
		ConversationID:    req.ConversationID,
		SenderID:          req.SenderID,
		RecipientID:       req.RecipientID,
		RoomID:            req.RoomID,
		KeyID:             req.KeyID,
		Algorithm:         crypto.AlgAES256GCM,
		Ciphertext:        ciphertext,
		IV:                iv,
		Tag:               tag,
		ContentHash:       crypto.ContentHash(in),
		ContentType:       req.ContentType,
		SelfDestructTimer: req.SelfDestructTimer,
		CreatedAt:         time.Now().UTC(),
	}

	if req.SignKey != nil {
		digest := crypto.SignatureDigest(req.SenderID, req.ConversationID, req.KeyID, ciphertext)
		sig, err := crypto.Sign(req.SignKey, digest)
		if err != nil {
			return nil, err
		}
		msg.Signature = sig
		msg.IsSigned = true
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// DistributeSessionKey generates a fresh content key, wraps it under the
// recipient's active identity key and persists the resulting package.  The
// caller receives the package together with the plaintext content key for
// the sender side; the key must be zeroed once the envelope is sealed.
func (p *Pipeline) DistributeSessionKey(req *DistributeSessionKeyRequest) (*keypkg.SessionKeyPackage, []byte, error) {
	now := time.Now()
	idKey, err := p.keys.ActiveKey(req.RecipientID, now)
	if err != nil {
		if errors.Is(err, keystore.ErrNoSuchKey) {
			return nil, nil, keypkg.ErrRecipientKeyUnavailable
		}
		return nil, nil, err
	}

	contentKey, err := crypto.GenerateContentKey()
	if err != nil {
		return nil, nil, err
	}

	dist := &keypkg.DistributeRequest{
		SessionID:   req.SessionID,
		KeyID:       req.KeyID,
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		ExpiresAt:   req.ExpiresAt,
	}
	if dist.ExpiresAt.IsZero() && p.packageLifetime > 0 {
		dist.ExpiresAt = now.Add(p.packageLifetime)
	}

	if req.ForwardSecret {
		if idKey.Algorithm != crypto.AlgX25519 {
			return nil, nil, crypto.ErrUnsupportedAlgorithm
		}
		wrapped, ephemeralPub, err := crypto.WrapX25519(idKey.PublicKeyMaterial, contentKey, crypto.DefaultKDFInfo)
		if err != nil {
			return nil, nil, err
		}
		dist.Algorithm = crypto.AlgX25519
		dist.WrappedKey = wrapped
		dist.ForwardSecret = true
		dist.EphemeralPublicKey = ephemeralPub
		dist.KDFAlgorithm = crypto.DefaultKDFAlgorithm
		dist.KDFInfo = crypto.DefaultKDFInfo
	} else {
		if idKey.Algorithm != crypto.AlgRSAOAEP {
			return nil, nil, crypto.ErrUnsupportedAlgorithm
		}
		pub, err := crypto.ParseRSAPublicKey(idKey.PublicKeyMaterial)
		if err != nil {
			return nil, nil, err
		}
		wrapped, err := crypto.WrapRSA(pub, contentKey)
		if err != nil {
			return nil, nil, err
		}
		dist.Algorithm = crypto.AlgRSAOAEP
		dist.WrappedKey = wrapped
	}

	pkg, err := p.packages.Distribute(dist)
	if err != nil {
		zero(contentKey)
		return nil, nil, err
	}

	p.notifier.SessionKeyDistributed([]uint64{pkg.SenderID, pkg.RecipientID}, &notify.SessionKeyDistributed{
		SessionID: pkg.SessionID,
		KeyID:     pkg.KeyID,
		ExpiresAt: pkg.ExpiresAt,
	})
	return pkg, contentKey, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
