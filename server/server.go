// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package server assembles the siegelpost session key and message
// encryption daemon.
package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/siegelpost/siegelpost/core/envelope"
	"github.com/siegelpost/siegelpost/core/log"
	"github.com/siegelpost/siegelpost/server/audit"
	"github.com/siegelpost/siegelpost/server/config"
	"github.com/siegelpost/siegelpost/server/internal/glue"
	"github.com/siegelpost/siegelpost/server/internal/pipeline"
	"github.com/siegelpost/siegelpost/server/internal/replay"
	"github.com/siegelpost/siegelpost/server/internal/rotation"
	"github.com/siegelpost/siegelpost/server/keypkg"
	"github.com/siegelpost/siegelpost/server/keypkg/boltkeypkg"
	"github.com/siegelpost/siegelpost/server/keystore"
	"github.com/siegelpost/siegelpost/server/keystore/boltkeystore"
	"github.com/siegelpost/siegelpost/server/msgdb"
	"github.com/siegelpost/siegelpost/server/msgdb/boltmsgdb"
	"github.com/siegelpost/siegelpost/server/notify"
)

// Server is a siegelpost server instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	identityKeys keystore.Store
	sessionKeys  keypkg.Store
	messages     msgdb.Store

	detector *replay.Detector
	pipeline *pipeline.Pipeline
	rotation *rotation.Scheduler

	auditor  audit.Sink
	notifier notify.Notifier

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.MkdirAll(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v', should be '%v'", d, fi.Mode(), dirMode)
		}
	}
	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
		return
	}
	s.log.Notice("Log rotated.")
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

func (s *Server) halt() {
	s.log.Notice("Starting graceful shutdown.")

	if s.rotation != nil {
		s.rotation.Halt()
		s.rotation = nil
	}
	if s.pipeline != nil {
		s.pipeline.Halt()
		s.pipeline = nil
	}
	if s.detector != nil {
		s.detector.Halt()
		s.detector = nil
	}

	if s.messages != nil {
		s.messages.Close()
		s.messages = nil
	}
	if s.sessionKeys != nil {
		s.sessionKeys.Close()
		s.sessionKeys = nil
	}
	if s.identityKeys != nil {
		s.identityKeys.Close()
		s.identityKeys = nil
	}

	close(s.fatalErrCh)

	s.log.Notice("Shutdown complete.")
	close(s.haltedCh)
}

// IdentityKeys returns the identity key registry.
func (s *Server) IdentityKeys() keystore.Store {
	return s.identityKeys
}

// UploadIdentityKey registers a new identity key, applies the single
// active key policy and audits the upload.
func (s *Server) UploadIdentityKey(req *keystore.UploadRequest) (*keystore.IdentityKey, error) {
	if !s.cfg.Policy.DisableSingleActiveKey {
		req.DisableOthers = true
	}
	key, err := s.identityKeys.Upload(req)
	if err != nil {
		return nil, err
	}
	s.auditor.Submit(&audit.Event{
		Action:   "key_upload",
		Severity: audit.SeverityLow,
		ActorID:  key.UserID,
		Details: map[string]interface{}{
			"keyId":       key.KeyID,
			"algorithm":   string(key.Algorithm),
			"fingerprint": key.Fingerprint,
		},
	})
	return key, nil
}

// SessionKeys returns the session key package store.
func (s *Server) SessionKeys() keypkg.Store {
	return s.sessionKeys
}

// Messages returns the encrypted message store.
func (s *Server) Messages() msgdb.Store {
	return s.messages
}

// IngestMessage decodes a wire envelope, attaches the supplied addressing
// and persists the resulting message.  Exactly one of recipientID and
// roomID must be set.
func (s *Server) IngestMessage(wire []byte, messageID, conversationID string, senderID, recipientID uint64, roomID string) (*msgdb.EncryptedMessage, error) {
	e, err := envelope.Unmarshal(wire)
	if err != nil {
		return nil, err
	}
	if err = e.Validate(); err != nil {
		return nil, err
	}
	m := &msgdb.EncryptedMessage{
		MessageID:          messageID,
		ConversationID:     conversationID,
		SenderID:           senderID,
		RecipientID:        recipientID,
		RoomID:             roomID,
		VerificationStatus: msgdb.VerificationUnverified,
		CreatedAt:          time.Now(),
	}
	m.ApplyEnvelope(e)
	if err = s.messages.Put(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ExportMessage returns the wire envelope form of a stored message.
func (s *Server) ExportMessage(messageID string) ([]byte, error) {
	m, err := s.messages.Get(messageID)
	if err != nil {
		return nil, err
	}
	return m.WireEnvelope().Marshal()
}

// Pipeline returns the encryption/decryption pipeline.
func (s *Server) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

// Rotation returns the key rotation scheduler.
func (s *Server) Rotation() *rotation.Scheduler {
	return s.rotation
}

// ReplayDetector returns the replay detector.
func (s *Server) ReplayDetector() *replay.Detector {
	return s.detector
}

// New returns a new Server instance parameterized with the specific
// configuration.
func New(cfg *config.Config, auditor audit.Sink, notifier notify.Notifier) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}

	if auditor == nil {
		auditor = audit.NewLogSink(s.logBackend.GetLogger("audit"))
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(s.logBackend.GetLogger("notify"))
	}
	s.auditor = auditor
	s.notifier = notifier

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	// Bring up the stores.
	var err error
	d := s.cfg.Server.DataDir
	if s.identityKeys, err = boltkeystore.New(filepath.Join(d, s.cfg.Stores.IdentityKeyDB)); err != nil {
		s.log.Errorf("Failed to open identity key store: %v", err)
		return nil, err
	}
	if s.sessionKeys, err = boltkeypkg.New(filepath.Join(d, s.cfg.Stores.SessionKeyDB)); err != nil {
		s.log.Errorf("Failed to open session key store: %v", err)
		return nil, err
	}
	if s.messages, err = boltmsgdb.New(filepath.Join(d, s.cfg.Stores.MessageDB)); err != nil {
		s.log.Errorf("Failed to open message store: %v", err)
		return nil, err
	}

	// The replay detector and its window store.
	win, err := replay.NewMemoryWindow(s.logBackend, s.cfg.Replay.Window())
	if err != nil {
		s.log.Errorf("Failed to initialize replay window: %v", err)
		return nil, err
	}
	s.detector = replay.NewDetector(s.logBackend, win, s.auditor)

	// The decryption pipeline.
	s.pipeline = pipeline.New(s.logBackend, &pipeline.Config{
		NumWorkers:          s.cfg.Debug.NumPipelineWorkers,
		NumSignatureWorkers: s.cfg.Debug.NumSignatureWorkers,
		QueueDepth:          s.cfg.Debug.PipelineQueueDepth,
		RequireSignature:    s.cfg.Policy.RequireSignature,
		PackageLifetime:     s.cfg.Policy.PackageLifetime(),
	}, s.detector, s.identityKeys, s.sessionKeys, s.messages, s.auditor, s.notifier)

	// The rotation scheduler.
	s.rotation = rotation.New(s.logBackend, &rotation.Config{
		Interval:         s.cfg.Rotation.Interval(),
		RotationHorizon:  s.cfg.Rotation.Horizon(),
		RevokedRetention: s.cfg.Rotation.RevokedRetention(),
		MessageRetention: s.cfg.Rotation.MessageRetention(),
	}, s.identityKeys, s.sessionKeys, s.messages, s.auditor, s.notifier)

	s.log.Noticef("Server started, data dir: %v", d)

	isOk = true
	return s, nil
}

type serverGlue struct {
	s *Server
}

func (g *serverGlue) Config() *config.Config {
	return g.s.cfg
}

func (g *serverGlue) LogBackend() *log.Backend {
	return g.s.logBackend
}

func (g *serverGlue) IdentityKeys() keystore.Store {
	return g.s.identityKeys
}

func (g *serverGlue) SessionKeys() keypkg.Store {
	return g.s.sessionKeys
}

func (g *serverGlue) Messages() msgdb.Store {
	return g.s.messages
}

func (g *serverGlue) ReplayDetector() *replay.Detector {
	return g.s.detector
}

func (g *serverGlue) Pipeline() *pipeline.Pipeline {
	return g.s.pipeline
}

func (g *serverGlue) Rotation() *rotation.Scheduler {
	return g.s.rotation
}

func (g *serverGlue) Auditor() audit.Sink {
	return g.s.auditor
}

func (g *serverGlue) Notifier() notify.Notifier {
	return g.s.notifier
}

// Glue returns the server's internal glue.
func (s *Server) Glue() glue.Glue {
	return &serverGlue{s}
}
