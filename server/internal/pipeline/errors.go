// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package pipeline

import (
	"fmt"
)

// FailureKind classifies a terminal pipeline failure.
type FailureKind string

const (
	FailureKeyNotFound             FailureKind = "KeyNotFound"
	FailureKeyUnwrapFailed         FailureKind = "KeyUnwrapFailed"
	FailureUnsupportedAlgorithm    FailureKind = "UnsupportedAlgorithm"
	FailureContentDecryptionFailed FailureKind = "ContentDecryptionFailed"
	FailureIntegrityCheckFailed    FailureKind = "IntegrityCheckFailed"
	FailureReplayAttackDetected    FailureKind = "ReplayAttackDetected"
	FailureSignatureInvalid        FailureKind = "SignatureInvalid"
	FailureStoreUnavailable        FailureKind = "StoreUnavailable"
)

// Error is a typed pipeline failure.  All kinds except StoreUnavailable are
// terminal for the inputs that produced them: retrying a cryptographic
// rejection cannot succeed without a different input.
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pipeline: %s", e.Kind)
	}
	return fmt.Sprintf("pipeline: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient returns true if the failure is safe to retry with backoff.
func (e *Error) Transient() bool {
	return e.Kind == FailureStoreUnavailable
}

func failure(kind FailureKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
