// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument collects the daemon's security counters.
package instrument

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "siegelpost"

	pipelineSubsystem = "pipeline"
	replaySubsystem   = "replay"
	rotationSubsystem = "rotation"
	msgSubsystem      = "messages"
)

var (
	replaysDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detected_total",
			Subsystem: replaySubsystem,
			Help:      "Number of replayed envelopes rejected",
		},
	)
	replayStoreFaults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_faults_total",
			Subsystem: replaySubsystem,
			Help:      "Number of replay window store faults (fail-open)",
		},
	)
	decryptionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decryption_failures_total",
			Subsystem: pipelineSubsystem,
			Help:      "Number of failed decryptions",
		},
		[]string{"reason"},
	)
	decryptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decryptions_total",
			Subsystem: pipelineSubsystem,
			Help:      "Number of successful decryptions",
		},
	)
	signatureVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_verifications_total",
			Subsystem: pipelineSubsystem,
			Help:      "Number of signature verifications",
		},
		[]string{"result"},
	)
	packagesRotated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_rotated_total",
			Subsystem: rotationSubsystem,
			Help:      "Number of session key packages revoked by rotation",
		},
	)
	packagesPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_purged_total",
			Subsystem: rotationSubsystem,
			Help:      "Number of revoked session key packages purged",
		},
	)
	messagesDestructed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "destructed_total",
			Subsystem: msgSubsystem,
			Help:      "Number of self-destructed messages deleted",
		},
	)
)

func init() {
	prometheus.MustRegister(replaysDetected)
	prometheus.MustRegister(replayStoreFaults)
	prometheus.MustRegister(decryptionFailures)
	prometheus.MustRegister(decryptions)
	prometheus.MustRegister(signatureVerifications)
	prometheus.MustRegister(packagesRotated)
	prometheus.MustRegister(packagesPurged)
	prometheus.MustRegister(messagesDestructed)
}

// ReplayDetected increments the counter for rejected replayed envelopes.
func ReplayDetected() {
	replaysDetected.Inc()
}

// ReplayStoreFault increments the counter for replay window store faults.
func ReplayStoreFault() {
	replayStoreFaults.Inc()
}

// DecryptionFailed increments the failure counter for the given reason.
func DecryptionFailed(reason string) {
	decryptionFailures.With(prometheus.Labels{"reason": reason}).Inc()
}

// Decrypted increments the counter for successful decryptions.
func Decrypted() {
	decryptions.Inc()
}

// SignatureVerified increments the verification counter for the given result.
func SignatureVerified(result string) {
	signatureVerifications.With(prometheus.Labels{"result": result}).Inc()
}

// PackagesRotated adds to the counter for rotation revocations.
func PackagesRotated(n int) {
	packagesRotated.Add(float64(n))
}

// PackagesPurged adds to the counter for purged revoked packages.
func PackagesPurged(n int) {
	packagesPurged.Add(float64(n))
}

// MessagesDestructed adds to the counter for deleted self-destructed messages.
func MessagesDestructed(n int) {
	messagesDestructed.Add(float64(n))
}
