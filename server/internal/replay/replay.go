// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package replay rejects duplicate envelopes inside a sliding time window.
package replay

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	"gopkg.in/op/go-logging.v1"

	"github.com/siegelpost/siegelpost/core/crypto"
	"github.com/siegelpost/siegelpost/core/log"
	"github.com/siegelpost/siegelpost/core/worker"
	"github.com/siegelpost/siegelpost/server/audit"
	"github.com/siegelpost/siegelpost/server/internal/instrument"
)

const (
	// DefaultWindow is the sliding window inside which a repeated
	// fingerprint is treated as a replay.
	DefaultWindow = 5 * time.Minute

	filterSizeLog2 = 23
	filterFalsePos = 0.001
)

// Window is the TTL store holding recently seen envelope fingerprints.
// Implementations report faults instead of guessing; the Detector is the
// layer that decides to fail open.
type Window interface {
	// TestAndSet marks fp as seen and returns true iff fp was already
	// present and not older than the window.
	TestAndSet(fp [sha256.Size]byte, now time.Time) (bool, error)

	// Seed inserts fp without testing, for out-of-band pre-seeding.
	Seed(fp [sha256.Size]byte, now time.Time) error

	// Halt tears down the window.
	Halt()
}

type memoryWindow struct {
	worker.Worker
	sync.Mutex

	log *logging.Logger

	f      *bloom.Filter
	seen   map[[sha256.Size]byte]time.Time
	window time.Duration
}

// NewMemoryWindow constructs an in-process Window.  The bloom filter is a
// fast negative probe in front of the exact map; the map is authoritative
// so filter false positives never reject fresh traffic.
func NewMemoryWindow(logBackend *log.Backend, window time.Duration) (Window, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	f, err := bloom.New(rand.Reader, filterSizeLog2, filterFalsePos)
	if err != nil {
		return nil, err
	}
	w := &memoryWindow{
		log:    logBackend.GetLogger("replay/window"),
		f:      f,
		seen:   make(map[[sha256.Size]byte]time.Time),
		window: window,
	}
	w.Go(w.pruneWorker)
	return w, nil
}

func (w *memoryWindow) TestAndSet(fp [sha256.Size]byte, now time.Time) (bool, error) {
	w.Lock()
	defer w.Unlock()

	if !w.f.TestAndSet(fp[:]) {
		// Definitely unseen per the filter.
		w.seen[fp] = now
		w.maybeRebuildFilter()
		return false, nil
	}

	// Filter hit, the map decides.
	if first, ok := w.seen[fp]; ok && now.Sub(first) < w.window {
		return true, nil
	}
	w.seen[fp] = now
	return false, nil
}

func (w *memoryWindow) Seed(fp [sha256.Size]byte, now time.Time) error {
	w.Lock()
	defer w.Unlock()

	w.f.TestAndSet(fp[:])
	if _, ok := w.seen[fp]; !ok {
		w.seen[fp] = now
	}
	w.maybeRebuildFilter()
	return nil
}

// maybeRebuildFilter swaps in a fresh filter re-seeded from the live map
// when the old one approaches saturation.  Bloom filters cannot delete, so
// without this the filter would degrade into rejecting everything through
// the map path.  Called with the lock held.
func (w *memoryWindow) maybeRebuildFilter() {
	if w.f.Entries() < w.f.MaxEntries() {
		return
	}
	f, err := bloom.New(rand.Reader, filterSizeLog2, filterFalsePos)
	if err != nil {
		// Keep the saturated filter, correctness is unaffected.
		w.log.Warningf("Failed to rebuild saturated filter: %v", err)
		return
	}
	for fp := range w.seen {
		f.TestAndSet(fp[:])
	}
	w.f = f
}

func (w *memoryWindow) pruneWorker() {
	interval := w.window
	if interval > time.Minute {
		interval = time.Minute
	}
	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-w.HaltCh():
			return
		case now := <-t.C:
			w.prune(now)
			t.Reset(interval)
		}
	}
}

func (w *memoryWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)

	w.Lock()
	defer w.Unlock()
	for fp, first := range w.seen {
		if first.Before(cutoff) {
			delete(w.seen, fp)
		}
	}
}

// Detector gates the decryption pipeline on envelope freshness.
type Detector struct {
	log     *logging.Logger
	win     Window
	auditor audit.Sink
}

// NewDetector constructs a Detector over the given window store.
func NewDetector(logBackend *log.Backend, win Window, auditor audit.Sink) *Detector {
	if auditor == nil {
		auditor = audit.DiscardSink{}
	}
	return &Detector{
		log:     logBackend.GetLogger("replay"),
		win:     win,
		auditor: auditor,
	}
}

// IsReplay marks the envelope's fingerprint as seen and returns true iff it
// was already seen inside the window.  Detection is advisory: a window
// store fault is logged and counted, and the envelope is treated as fresh
// rather than blocking all traffic.
func (d *Detector) IsReplay(messageID string, in *crypto.HashInputs) bool {
	var fp [sha256.Size]byte
	copy(fp[:], crypto.ReplayFingerprint(in.Ciphertext, in.IV, in.SenderID, in.RecipientID, in.ConversationID))

	seen, err := d.win.TestAndSet(fp, time.Now())
	if err != nil {
		d.log.Warningf("Window store fault, failing open: %v", err)
		instrument.ReplayStoreFault()
		return false
	}
	if !seen {
		return false
	}

	d.log.Warningf("Replayed envelope: message=%s sender=%d", messageID, in.SenderID)
	instrument.ReplayDetected()
	d.auditor.Submit(&audit.Event{
		Action:   "replay_detected",
		Severity: audit.SeverityHigh,
		ActorID:  in.SenderID,
		Details: map[string]interface{}{
			"messageId":      messageID,
			"conversationId": in.ConversationID,
			"senderId":       in.SenderID,
			"recipientId":    in.RecipientID,
			"fingerprint":    hex.EncodeToString(fp[:]),
		},
	})
	return true
}

// MarkProcessed pre-seeds the window with the envelope's fingerprint so a
// later submission of the same envelope is rejected.
func (d *Detector) MarkProcessed(in *crypto.HashInputs) error {
	var fp [sha256.Size]byte
	copy(fp[:], crypto.ReplayFingerprint(in.Ciphertext, in.IV, in.SenderID, in.RecipientID, in.ConversationID))
	return d.win.Seed(fp, time.Now())
}

// Halt tears down the detector and its window store.
func (d *Detector) Halt() {
	d.win.Halt()
}
