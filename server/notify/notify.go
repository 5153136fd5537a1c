// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package notify defines the outbound notification channel used to inform
// the parties of a session that a rotation or destruction occurred.  The
// delivery mechanism is the collaborator's concern; failures are logged and
// swallowed, they never roll back the operation that emitted them.
package notify

import (
	"time"

	"gopkg.in/op/go-logging.v1"
)

// SessionKeyDistributed announces that a fresh session key package was
// wrapped for the recipient and both parties may start using it.
type SessionKeyDistributed struct {
	SessionID string
	KeyID     string
	ExpiresAt time.Time
}

// KeyRotationRequired announces that the session's key packages were
// revoked for scheduled rotation, and the counterpart should distribute a
// replacement key.
type KeyRotationRequired struct {
	SessionID string
	ExpiresAt time.Time
}

// ForceKeyRotation announces an immediate forced rotation, typically after
// a suspected key compromise.
type ForceKeyRotation struct {
	UserID uint64
	Reason string
	Urgent bool
}

// MessageDestructed announces that a message reached its self-destruct time
// and was deleted.
type MessageDestructed struct {
	MessageID      string
	ConversationID string
}

// Notifier delivers notifications to one or more user ids.
type Notifier interface {
	SessionKeyDistributed(userIDs []uint64, n *SessionKeyDistributed)
	KeyRotationRequired(userIDs []uint64, n *KeyRotationRequired)
	ForceKeyRotation(userID uint64, n *ForceKeyRotation)
	MessageDestructed(userIDs []uint64, n *MessageDestructed)
}

// DiscardNotifier drops all notifications.  Used in tests.
type DiscardNotifier struct{}

func (DiscardNotifier) SessionKeyDistributed([]uint64, *SessionKeyDistributed) {}
func (DiscardNotifier) KeyRotationRequired([]uint64, *KeyRotationRequired)     {}
func (DiscardNotifier) ForceKeyRotation(uint64, *ForceKeyRotation)             {}
func (DiscardNotifier) MessageDestructed([]uint64, *MessageDestructed)         {}

// LogNotifier logs notifications.  It is the default when no push
// collaborator is wired in.
type LogNotifier struct {
	log *logging.Logger
}

// NewLogNotifier returns a Notifier that writes to log.
func NewLogNotifier(log *logging.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) SessionKeyDistributed(userIDs []uint64, ev *SessionKeyDistributed) {
	n.log.Noticef("notify: SessionKeyDistributed to=%v session=%s key=%s expiresAt=%v", userIDs, ev.SessionID, ev.KeyID, ev.ExpiresAt)
}

func (n *LogNotifier) KeyRotationRequired(userIDs []uint64, ev *KeyRotationRequired) {
	n.log.Noticef("notify: KeyRotationRequired to=%v session=%s expiresAt=%v", userIDs, ev.SessionID, ev.ExpiresAt)
}

func (n *LogNotifier) ForceKeyRotation(userID uint64, ev *ForceKeyRotation) {
	n.log.Warningf("notify: ForceKeyRotation to=%d reason=%q urgent=%v", userID, ev.Reason, ev.Urgent)
}

func (n *LogNotifier) MessageDestructed(userIDs []uint64, ev *MessageDestructed) {
	n.log.Noticef("notify: MessageDestructed to=%v message=%s conversation=%s", userIDs, ev.MessageID, ev.ConversationID)
}
