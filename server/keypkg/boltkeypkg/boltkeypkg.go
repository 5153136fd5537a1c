// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltkeypkg implements the session key package store with a
// boltdb based backend.
package boltkeypkg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/siegelpost/siegelpost/server/keypkg"
)

const (
	packagesBucket  = "packages"
	recipientBucket = "recipientIndex"
	metadataBucket  = "metadata"
	versionKey      = "version"

	keySeparator = 0x00
)

// Records carry timestamps whose sub-second precision matters for expiry
// arithmetic; the default CBOR time encoding truncates to seconds.
var cborEnc = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

type boltPkgStore struct {
	db *bolt.DB
}

// recordKey is sessionId || 0x00 || keyId.  Session and key ids are
// caller-supplied identifiers and must not contain NUL.
func recordKey(sessionID, keyID string) []byte {
	k := make([]byte, 0, len(sessionID)+1+len(keyID))
	k = append(k, []byte(sessionID)...)
	k = append(k, keySeparator)
	k = append(k, []byte(keyID)...)
	return k
}

// indexKey is keyId || 0x00 || recipientId, the envelope-side lookup key.
func indexKey(keyID string, recipientID uint64) []byte {
	k := make([]byte, 0, len(keyID)+9)
	k = append(k, []byte(keyID)...)
	k = append(k, keySeparator)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], recipientID)
	return append(k, id[:]...)
}

func sessionPrefix(sessionID string) []byte {
	return append([]byte(sessionID), keySeparator)
}

func putRecord(bkt *bolt.Bucket, k []byte, rec *keypkg.SessionKeyPackage) error {
	blob, err := cborEnc.Marshal(rec)
	if err != nil {
		return err
	}
	return bkt.Put(k, blob)
}

func (d *boltPkgStore) Distribute(req *keypkg.DistributeRequest) (*keypkg.SessionKeyPackage, error) {
	if req.SessionID == "" || req.KeyID == "" {
		return nil, fmt.Errorf("keypkg: empty session or key id")
	}
	if len(req.WrappedKey) == 0 {
		return nil, fmt.Errorf("keypkg: empty wrapped key")
	}
	if req.ForwardSecret && len(req.EphemeralPublicKey) == 0 {
		return nil, fmt.Errorf("keypkg: forward secret package without ephemeral public key")
	}

	now := time.Now().UTC()
	rec := &keypkg.SessionKeyPackage{
		SessionID:          req.SessionID,
		KeyID:              req.KeyID,
		SenderID:           req.SenderID,
		RecipientID:        req.RecipientID,
		WrappedKey:         req.WrappedKey,
		Algorithm:          req.Algorithm,
		Status:             keypkg.StatusPending,
		CreatedAt:          now,
		ExpiresAt:          req.ExpiresAt,
		ForwardSecret:      req.ForwardSecret,
		EphemeralPublicKey: req.EphemeralPublicKey,
		KDFAlgorithm:       req.KDFAlgorithm,
		KDFInfo:            req.KDFInfo,
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = now.Add(keypkg.DefaultLifetime)
	}

	err := d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(packagesBucket))
		k := recordKey(req.SessionID, req.KeyID)
		if bkt.Get(k) != nil {
			return keypkg.ErrDuplicatePackage
		}

		// Issuing a new package supersedes every other Pending package
		// of the session, atomically with the insertion.
		prefix := sessionPrefix(req.SessionID)
		c := bkt.Cursor()
		for pk, v := c.Seek(prefix); pk != nil && bytes.HasPrefix(pk, prefix); pk, v = c.Next() {
			var old keypkg.SessionKeyPackage
			if err := cbor.Unmarshal(v, &old); err != nil {
				return err
			}
			if old.Status != keypkg.StatusPending {
				continue
			}
			old.Status = keypkg.StatusRevoked
			old.RevokedAt = now
			old.RotationCount++
			if err := putRecord(bkt, append([]byte(nil), pk...), &old); err != nil {
				return err
			}
		}

		if err := putRecord(bkt, k, rec); err != nil {
			return err
		}
		return tx.Bucket([]byte(recipientBucket)).Put(indexKey(req.KeyID, req.RecipientID), k)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *boltPkgStore) Get(sessionID, keyID string) (*keypkg.SessionKeyPackage, error) {
	var rec *keypkg.SessionKeyPackage
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(packagesBucket)).Get(recordKey(sessionID, keyID))
		if v == nil {
			return keypkg.ErrNoSuchPackage
		}
		rec = new(keypkg.SessionKeyPackage)
		return cbor.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *boltPkgStore) ByKeyID(keyID string, recipientID uint64) (*keypkg.SessionKeyPackage, error) {
	var rec *keypkg.SessionKeyPackage
	err := d.db.View(func(tx *bolt.Tx) error {
		k := tx.Bucket([]byte(recipientBucket)).Get(indexKey(keyID, recipientID))
		if k == nil {
			return keypkg.ErrNoSuchPackage
		}
		v := tx.Bucket([]byte(packagesBucket)).Get(k)
		if v == nil {
			return keypkg.ErrNoSuchPackage
		}
		rec = new(keypkg.SessionKeyPackage)
		return cbor.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *boltPkgStore) Consume(sessionID, keyID string, recipientID uint64, now time.Time) (*keypkg.SessionKeyPackage, error) {
	var rec *keypkg.SessionKeyPackage
	err := d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(packagesBucket))
		k := recordKey(sessionID, keyID)
		v := bkt.Get(k)
		if v == nil {
			return keypkg.ErrNoSuchPackage
		}
		rec = new(keypkg.SessionKeyPackage)
		if err := cbor.Unmarshal(v, rec); err != nil {
			return err
		}
		if rec.RecipientID != recipientID {
			return keypkg.ErrNoSuchPackage
		}

		// First consumption wins; replays of the state transition are
		// no-ops by design.
		if rec.Status != keypkg.StatusPending {
			return nil
		}
		rec.Status = keypkg.StatusConsumed
		rec.UsedAt = now
		return putRecord(bkt, k, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *boltPkgStore) Revoke(sessionID, keyID, reason string) (*keypkg.SessionKeyPackage, error) {
	var rec *keypkg.SessionKeyPackage
	err := d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(packagesBucket))
		k := recordKey(sessionID, keyID)
		v := bkt.Get(k)
		if v == nil {
			return keypkg.ErrNoSuchPackage
		}
		rec = new(keypkg.SessionKeyPackage)
		if err := cbor.Unmarshal(v, rec); err != nil {
			return err
		}
		rec.Status = keypkg.StatusRevoked
		if rec.RevokedAt.IsZero() {
			rec.RevokedAt = time.Now().UTC()
		}
		rec.RotationCount++
		return putRecord(bkt, k, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *boltPkgStore) RevokeAllForUser(userID uint64, reason string) ([]*keypkg.SessionKeyPackage, error) {
	var revoked []*keypkg.SessionKeyPackage
	now := time.Now().UTC()

	err := d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(packagesBucket))
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec keypkg.SessionKeyPackage
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.RecipientID != userID || rec.Status != keypkg.StatusPending {
				continue
			}
			rec.Status = keypkg.StatusRevoked
			rec.RevokedAt = now
			rec.RotationCount++
			if err := putRecord(bkt, append([]byte(nil), k...), &rec); err != nil {
				return err
			}
			r := rec
			revoked = append(revoked, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return revoked, nil
}

func (d *boltPkgStore) ListExpiring(now time.Time, within time.Duration) ([]*keypkg.SessionKeyPackage, error) {
	horizon := now.Add(within)
	var out []*keypkg.SessionKeyPackage

	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(packagesBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec keypkg.SessionKeyPackage
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Status != keypkg.StatusPending {
				continue
			}
			if rec.ExpiresAt.IsZero() || rec.ExpiresAt.After(horizon) {
				continue
			}
			r := rec
			out = append(out, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *boltPkgStore) ListActiveForRecipient(recipientID uint64, now time.Time) ([]*keypkg.SessionKeyPackage, error) {
	var out []*keypkg.SessionKeyPackage

	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(packagesBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec keypkg.SessionKeyPackage
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.RecipientID != recipientID || rec.Status != keypkg.StatusPending || !rec.Usable(now) {
				continue
			}
			r := rec
			out = append(out, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *boltPkgStore) PurgeRevoked(olderThan time.Time) (int, error) {
	count := 0
	err := d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(packagesBucket))
		idx := tx.Bucket([]byte(recipientBucket))
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec keypkg.SessionKeyPackage
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Status != keypkg.StatusRevoked || rec.RevokedAt.After(olderThan) {
				continue
			}
			if err := idx.Delete(indexKey(rec.KeyID, rec.RecipientID)); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (d *boltPkgStore) Close() {
	d.db.Sync()
	d.db.Close()
}

// New creates (or loads) a session key package store with the given file
// name f.
func New(f string) (keypkg.Store, error) {
	d := new(boltPkgStore)

	var err error
	d.db, err = bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = d.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(packagesBucket)); err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(recipientBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("keypkg: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		d.db.Close()
		return nil, err
	}

	return d, nil
}
