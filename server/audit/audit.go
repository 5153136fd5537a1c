// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package audit defines the structured security event sink.  Delivery is
// at-least-once and strictly best effort from the caller's point of view:
// losing an audit event must never fail the cryptographic operation that
// emitted it.
package audit

import (
	"fmt"

	"gopkg.in/op/go-logging.v1"
)

// Severity is the severity attached to a security event.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Event is one structured security event.
type Event struct {
	// Action names what happened, eg "key_upload", "replay_detected".
	Action string

	// Severity is the event severity.
	Severity Severity

	// ActorID is the user the event concerns, 0 when not applicable.
	ActorID uint64

	// Details are free-form key/value context.
	Details map[string]interface{}
}

// Sink accepts security events.  Implementations must not block the caller
// for longer than a bounded flush and must swallow their own failures.
type Sink interface {
	Submit(e *Event)
}

// DiscardSink drops all events.  Used in tests.
type DiscardSink struct{}

// Submit implements Sink.
func (DiscardSink) Submit(*Event) {}

// LogSink writes events to a logger.  It is the default sink when no
// external audit collaborator is wired in.
type LogSink struct {
	log *logging.Logger
}

// NewLogSink returns a Sink that writes to log.
func NewLogSink(log *logging.Logger) *LogSink {
	return &LogSink{log: log}
}

// Submit implements Sink.
func (s *LogSink) Submit(e *Event) {
	line := fmt.Sprintf("audit: action=%s severity=%s actor=%d details=%v", e.Action, e.Severity, e.ActorID, e.Details)
	switch e.Severity {
	case SeverityHigh, SeverityCritical:
		s.log.Warning(line)
	default:
		s.log.Notice(line)
	}
}
