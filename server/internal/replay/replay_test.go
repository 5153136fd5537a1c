// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package replay

import (
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siegelpost/siegelpost/core/crypto"
	"github.com/siegelpost/siegelpost/core/log"
	"github.com/siegelpost/siegelpost/server/audit"
)

func testInputs(ct byte) *crypto.HashInputs {
	return &crypto.HashInputs{
		Ciphertext:     []byte{ct, 1, 2, 3},
		IV:             []byte("012345678901"),
		ConversationID: "conv-1",
		SenderID:       7,
		RecipientID:    8,
		HasRecipient:   true,
	}
}

type recordingSink struct {
	events []*audit.Event
}

func (s *recordingSink) Submit(e *audit.Event) {
	s.events = append(s.events, e)
}

type faultyWindow struct{}

func (faultyWindow) TestAndSet([sha256.Size]byte, time.Time) (bool, error) {
	return false, errors.New("store unreachable")
}

func (faultyWindow) Seed([sha256.Size]byte, time.Time) error {
	return errors.New("store unreachable")
}

func (faultyWindow) Halt() {}

func TestDetector(t *testing.T) {
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)

	win, err := NewMemoryWindow(logBackend, time.Minute)
	require.NoError(t, err)

	sink := &recordingSink{}
	d := NewDetector(logBackend, win, sink)
	defer d.Halt()

	in := testInputs(0)
	assert.False(t, d.IsReplay("msg-1", in), "first sighting must be fresh")
	assert.True(t, d.IsReplay("msg-1", in), "second sighting must be a replay")

	// Key-id relabeling must not defeat detection.
	relabeled := *in
	relabeled.KeyID = "other-key"
	relabeled.ContentType = "image"
	assert.True(t, d.IsReplay("msg-1", &relabeled))

	// A different ciphertext is a different envelope.
	assert.False(t, d.IsReplay("msg-2", testInputs(9)))

	require.Len(t, sink.events, 2)
	e := sink.events[0]
	assert.Equal(t, "replay_detected", e.Action)
	assert.Equal(t, audit.SeverityHigh, e.Severity)
	assert.Equal(t, uint64(7), e.ActorID)
	assert.Equal(t, "msg-1", e.Details["messageId"])
	assert.Equal(t, "conv-1", e.Details["conversationId"])
}

func TestDetectorMarkProcessed(t *testing.T) {
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)

	win, err := NewMemoryWindow(logBackend, time.Minute)
	require.NoError(t, err)

	d := NewDetector(logBackend, win, nil)
	defer d.Halt()

	in := testInputs(0)
	require.NoError(t, d.MarkProcessed(in))
	assert.True(t, d.IsReplay("msg-1", in), "pre-seeded fingerprint must register as a replay")
}

func TestDetectorFailOpen(t *testing.T) {
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)

	sink := &recordingSink{}
	d := NewDetector(logBackend, faultyWindow{}, sink)

	in := testInputs(0)
	assert.False(t, d.IsReplay("msg-1", in))
	assert.False(t, d.IsReplay("msg-1", in), "store faults must not reject traffic")
	assert.Empty(t, sink.events)
}

func TestMemoryWindowExpiry(t *testing.T) {
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)

	w, err := NewMemoryWindow(logBackend, time.Minute)
	require.NoError(t, err)
	defer w.Halt()

	var fp [sha256.Size]byte
	fp[0] = 0x5a

	now := time.Now()
	seen, err := w.TestAndSet(fp, now)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = w.TestAndSet(fp, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, seen)

	// Past the window the fingerprint reads as fresh again.
	seen, err = w.TestAndSet(fp, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryWindowPrune(t *testing.T) {
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)

	w, err := NewMemoryWindow(logBackend, time.Minute)
	require.NoError(t, err)
	defer w.Halt()

	mw := w.(*memoryWindow)
	now := time.Now()

	var stale, live [sha256.Size]byte
	stale[0], live[0] = 1, 2
	_, err = w.TestAndSet(stale, now.Add(-2*time.Minute))
	require.NoError(t, err)
	_, err = w.TestAndSet(live, now)
	require.NoError(t, err)

	mw.prune(now)

	mw.Lock()
	_, staleOk := mw.seen[stale]
	_, liveOk := mw.seen[live]
	mw.Unlock()
	assert.False(t, staleOk)
	assert.True(t, liveOk)
}
