// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package rotation implements the periodic key rotation and self-destruct
// sweeps.
package rotation

import (
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/siegelpost/siegelpost/core/log"
	"github.com/siegelpost/siegelpost/core/worker"
	"github.com/siegelpost/siegelpost/server/audit"
	"github.com/siegelpost/siegelpost/server/internal/instrument"
	"github.com/siegelpost/siegelpost/server/keypkg"
	"github.com/siegelpost/siegelpost/server/keystore"
	"github.com/siegelpost/siegelpost/server/msgdb"
	"github.com/siegelpost/siegelpost/server/notify"
)

const (
	// DefaultInterval is the pause between scheduler sweeps.
	DefaultInterval = 1 * time.Hour

	// DefaultRotationHorizon is how far ahead of a package's expiry the
	// scheduler starts demanding rotation.
	DefaultRotationHorizon = 24 * time.Hour

	// DefaultRevokedRetention is how long revoked packages are kept
	// around before being purged.
	DefaultRevokedRetention = 30 * 24 * time.Hour

	// DefaultMessageRetention is how long messages without a
	// self-destruct timer are kept before the retention purge claims
	// them.
	DefaultMessageRetention = 30 * 24 * time.Hour
)

// Config tunes the scheduler.
type Config struct {
	Interval         time.Duration
	RotationHorizon  time.Duration
	RevokedRetention time.Duration
	MessageRetention time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RotationHorizon <= 0 {
		cfg.RotationHorizon = DefaultRotationHorizon
	}
	if cfg.RevokedRetention <= 0 {
		cfg.RevokedRetention = DefaultRevokedRetention
	}
	if cfg.MessageRetention <= 0 {
		cfg.MessageRetention = DefaultMessageRetention
	}
}

// Scheduler runs the rotation, cleanup and self-destruct jobs.  Every job
// is idempotent and safe to re-run; the worker stops at the next iteration
// boundary on Halt.
type Scheduler struct {
	worker.Worker

	log *logging.Logger
	cfg Config

	keys     keystore.Store
	packages keypkg.Store
	messages msgdb.Store

	auditor  audit.Sink
	notifier notify.Notifier
}

// New constructs and starts a Scheduler.
func New(logBackend *log.Backend, cfg *Config, keys keystore.Store, packages keypkg.Store, messages msgdb.Store, auditor audit.Sink, notifier notify.Notifier) *Scheduler {
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
	s := &Scheduler{
		log:      logBackend.GetLogger("rotation"),
		cfg:      *cfg,
		keys:     keys,
		packages: packages,
		messages: messages,
		auditor:  auditor,
		notifier: notifier,
	}
	s.Go(s.worker)
	return s
}

func (s *Scheduler) worker() {
	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-s.HaltCh():
			s.log.Debugf("Terminating gracefully.")
			return
		case <-timer.C:
		}
		s.sweep(time.Now())
		timer.Reset(s.cfg.Interval)
	}
}

func (s *Scheduler) sweep(now time.Time) {
	if n, err := s.CheckAndRotate(now); err != nil {
		s.log.Warningf("Rotation sweep failed: %v", err)
	} else if n > 0 {
		s.log.Noticef("Rotation sweep revoked %d packages.", n)
	}
	if s.halted() {
		return
	}

	if n, err := s.ExpireDueIdentityKeys(now); err != nil {
		s.log.Warningf("Identity key expiry sweep failed: %v", err)
	} else if n > 0 {
		s.log.Noticef("Expired %d identity keys.", n)
	}
	if s.halted() {
		return
	}

	if n, err := s.CleanupRevoked(now); err != nil {
		s.log.Warningf("Revoked package cleanup failed: %v", err)
	} else if n > 0 {
		s.log.Noticef("Purged %d revoked packages.", n)
	}
	if s.halted() {
		return
	}

	if n, err := s.SweepSelfDestruct(now); err != nil {
		s.log.Warningf("Self-destruct sweep failed: %v", err)
	} else if n > 0 {
		s.log.Noticef("Destructed %d messages.", n)
	}
	if s.halted() {
		return
	}

	if n, err := s.PurgeExpiredMessages(now); err != nil {
		s.log.Warningf("Message retention purge failed: %v", err)
	} else if n > 0 {
		s.log.Noticef("Purged %d messages past retention.", n)
	}
}

func (s *Scheduler) halted() bool {
	select {
	case <-s.HaltCh():
		return true
	default:
		return false
	}
}

// CheckAndRotate revokes packages whose expiry falls inside the rotation
// horizon and notifies both parties of each affected session.  Sessions
// where either party no longer holds an Active identity key are skipped:
// the counterpart could not re-distribute a replacement.  Replacement key
// generation is the counterpart's responsibility after notification.
func (s *Scheduler) CheckAndRotate(now time.Time) (int, error) {
	expiring, err := s.packages.ListExpiring(now, s.cfg.RotationHorizon)
	if err != nil {
		return 0, err
	}

	bySession := make(map[string][]*keypkg.SessionKeyPackage)
	for _, pkg := range expiring {
		bySession[pkg.SessionID] = append(bySession[pkg.SessionID], pkg)
	}

	rotated := 0
	for sessionID, pkgs := range bySession {
		if s.halted() {
			break
		}
		for _, pkg := range pkgs {
			if !s.partiesHoldActiveKeys(pkg, now) {
				s.log.Warningf("Skipping rotation of %s/%s: a party has no active identity key.", sessionID, pkg.KeyID)
				continue
			}

			if _, err := s.packages.Revoke(pkg.SessionID, pkg.KeyID, "key expiring"); err != nil {
				s.log.Warningf("Failed to revoke %s/%s: %v", sessionID, pkg.KeyID, err)
				continue
			}
			rotated++

			s.auditor.Submit(&audit.Event{
				Action:   "key_rotation",
				Severity: audit.SeverityMedium,
				ActorID:  pkg.RecipientID,
				Details: map[string]interface{}{
					"sessionId": pkg.SessionID,
					"keyId":     pkg.KeyID,
					"reason":    "key expiring",
				},
			})
			s.notifier.KeyRotationRequired([]uint64{pkg.SenderID, pkg.RecipientID}, &notify.KeyRotationRequired{
				SessionID: pkg.SessionID,
				ExpiresAt: pkg.ExpiresAt,
			})
		}
	}
	instrument.PackagesRotated(rotated)
	return rotated, nil
}

func (s *Scheduler) partiesHoldActiveKeys(pkg *keypkg.SessionKeyPackage, now time.Time) bool {
	for _, userID := range []uint64{pkg.SenderID, pkg.RecipientID} {
		if _, err := s.keys.ActiveKey(userID, now); err != nil {
			return false
		}
	}
	return true
}

// ForceRotate revokes every pending package wrapped for the user and sends
// an urgent rotation demand.  Used on suspected key compromise.
func (s *Scheduler) ForceRotate(userID uint64, reason string) (int, error) {
	revoked, err := s.packages.RevokeAllForUser(userID, reason)
	if err != nil {
		return 0, err
	}

	for _, pkg := range revoked {
		s.auditor.Submit(&audit.Event{
			Action:   "key_rotation_forced",
			Severity: audit.SeverityHigh,
			ActorID:  userID,
			Details: map[string]interface{}{
				"sessionId": pkg.SessionID,
				"keyId":     pkg.KeyID,
				"reason":    reason,
			},
		})
	}
	if len(revoked) > 0 {
		s.notifier.ForceKeyRotation(userID, &notify.ForceKeyRotation{
			UserID: userID,
			Reason: reason,
			Urgent: true,
		})
	}
	instrument.PackagesRotated(len(revoked))
	return len(revoked), nil
}

// CleanupRevoked purges revoked packages older than the retention horizon.
func (s *Scheduler) CleanupRevoked(now time.Time) (int, error) {
	n, err := s.packages.PurgeRevoked(now.Add(-s.cfg.RevokedRetention))
	if err != nil {
		return 0, err
	}
	instrument.PackagesPurged(n)
	return n, nil
}

// ExpireDueIdentityKeys transitions identity keys past their expiry.
func (s *Scheduler) ExpireDueIdentityKeys(now time.Time) (int, error) {
	return s.keys.ExpireDue(now)
}

// SweepSelfDestruct deletes messages whose destructAt has passed and
// notifies both parties of each deletion.
func (s *Scheduler) SweepSelfDestruct(now time.Time) (int, error) {
	due, err := s.messages.ListDestructDue(now)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, m := range due {
		if s.halted() {
			break
		}
		if err := s.messages.Delete(m.MessageID); err != nil {
			s.log.Warningf("Failed to delete destructed message %s: %v", m.MessageID, err)
			continue
		}
		deleted++

		parties := []uint64{m.SenderID}
		if m.RecipientID != 0 {
			parties = append(parties, m.RecipientID)
		}
		s.notifier.MessageDestructed(parties, &notify.MessageDestructed{
			MessageID:      m.MessageID,
			ConversationID: m.ConversationID,
		})
	}
	instrument.MessagesDestructed(deleted)
	return deleted, nil
}

// PurgeExpiredMessages deletes messages older than the retention horizon,
// self-destructing or not.  No per-message notification is sent; retention
// is a storage policy, not a conversation event.
func (s *Scheduler) PurgeExpiredMessages(now time.Time) (int, error) {
	return s.messages.PurgeOlderThan(now.Add(-s.cfg.MessageRetention))
}
