// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltkeystore implements the identity key registry with a simple
// boltdb based backend.
package boltkeystore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/siegelpost/siegelpost/core/crypto"
	"github.com/siegelpost/siegelpost/server/keystore"
)

const (
	keysBucket         = "identityKeys"
	fingerprintsBucket = "keyFingerprints"
	metadataBucket     = "metadata"
	versionKey         = "version"
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

type boltKeyStore struct {
	sync.RWMutex

	db *bolt.DB

	// activeCache is a read-through cache of each user's newest usable
	// key.  Invalidated on any write touching the user.
	activeCache map[uint64]*keystore.IdentityKey
}

func userPrefix(userID uint64) []byte {
	var p [8]byte
	binary.BigEndian.PutUint64(p[:], userID)
	return p[:]
}

func recordKey(userID uint64, keyID string) []byte {
	return append(userPrefix(userID), []byte(keyID)...)
}

func (d *boltKeyStore) Upload(req *keystore.UploadRequest) (*keystore.IdentityKey, error) {
	if req.KeyID == "" {
		return nil, fmt.Errorf("keystore: empty key id")
	}
	if err := crypto.ValidateKeyMaterial(req.Algorithm, req.PublicKeyMaterial); err != nil {
		return nil, err
	}

	// The fingerprint is always recomputed server side; a client claimed
	// fingerprint that disagrees is rejected outright.
	fp := crypto.Fingerprint(req.PublicKeyMaterial)
	if req.ClaimedFingerprint != "" && req.ClaimedFingerprint != fp {
		return nil, keystore.ErrFingerprintMismatch
	}

	rec := &keystore.IdentityKey{
		UserID:            req.UserID,
		KeyID:             req.KeyID,
		Algorithm:         req.Algorithm,
		PublicKeyMaterial: req.PublicKeyMaterial,
		Fingerprint:       fp,
		Status:            keystore.StatusActive,
		CreatedAt:         time.Now().UTC(),
		ExpiresAt:         req.ExpiresAt,
	}

	err := d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(keysBucket))
		k := recordKey(req.UserID, req.KeyID)
		if bkt.Get(k) != nil {
			return keystore.ErrDuplicateKeyID
		}

		if req.DisableOthers {
			if err := disableActiveKeys(bkt, req.UserID); err != nil {
				return err
			}
		}

		blob, err := cborEnc.Marshal(rec)
		if err != nil {
			return err
		}
		if err := bkt.Put(k, blob); err != nil {
			return err
		}
		return tx.Bucket([]byte(fingerprintsBucket)).Put([]byte(fp), k)
	})
	if err != nil {
		return nil, err
	}

	d.invalidate(req.UserID)
	return rec, nil
}

// disableActiveKeys transitions every Active key of the user to Disabled,
// inside the caller's transaction.
func disableActiveKeys(bkt *bolt.Bucket, userID uint64) error {
	prefix := userPrefix(userID)
	c := bkt.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var rec keystore.IdentityKey
		if err := cbor.Unmarshal(v, &rec); err != nil {
			return err
		}
		if rec.Status != keystore.StatusActive {
			continue
		}
		rec.Status = keystore.StatusDisabled
		blob, err := cborEnc.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := bkt.Put(append([]byte(nil), k...), blob); err != nil {
			return err
		}
	}
	return nil
}

func (d *boltKeyStore) ActiveKey(userID uint64, now time.Time) (*keystore.IdentityKey, error) {
	d.RLock()
	if rec, ok := d.activeCache[userID]; ok && rec.Usable(now) {
		d.RUnlock()
		return rec, nil
	}
	d.RUnlock()

	var best *keystore.IdentityKey
	err := d.db.View(func(tx *bolt.Tx) error {
		prefix := userPrefix(userID)
		c := tx.Bucket([]byte(keysBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec keystore.IdentityKey
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.Usable(now) {
				continue
			}
			if best == nil || rec.CreatedAt.After(best.CreatedAt) {
				r := rec
				best = &r
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if best == nil {
		return nil, keystore.ErrNoSuchKey
	}

	d.Lock()
	d.activeCache[userID] = best
	d.Unlock()
	return best, nil
}

func (d *boltKeyStore) KeyByID(userID uint64, keyID string) (*keystore.IdentityKey, error) {
	var rec *keystore.IdentityKey
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(keysBucket)).Get(recordKey(userID, keyID))
		if v == nil {
			return keystore.ErrNoSuchKey
		}
		rec = new(keystore.IdentityKey)
		return cbor.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *boltKeyStore) ByFingerprint(fingerprint string) (*keystore.IdentityKey, error) {
	var rec *keystore.IdentityKey
	err := d.db.View(func(tx *bolt.Tx) error {
		k := tx.Bucket([]byte(fingerprintsBucket)).Get([]byte(fingerprint))
		if k == nil {
			return keystore.ErrNoSuchKey
		}
		v := tx.Bucket([]byte(keysBucket)).Get(k)
		if v == nil {
			return keystore.ErrNoSuchKey
		}
		rec = new(keystore.IdentityKey)
		return cbor.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *boltKeyStore) ExpireDue(now time.Time) (int, error) {
	count := 0
	touched := make(map[uint64]bool)

	err := d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(keysBucket))
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec keystore.IdentityKey
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Status != keystore.StatusActive || rec.ExpiresAt.IsZero() || now.Before(rec.ExpiresAt) {
				continue
			}
			rec.Status = keystore.StatusExpired
			blob, err := cborEnc.Marshal(&rec)
			if err != nil {
				return err
			}
			if err := bkt.Put(append([]byte(nil), k...), blob); err != nil {
				return err
			}
			touched[rec.UserID] = true
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for userID := range touched {
		d.invalidate(userID)
	}
	return count, nil
}

func (d *boltKeyStore) TouchLastUsed(userID uint64, keyID string, now time.Time) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(keysBucket))
		k := recordKey(userID, keyID)
		v := bkt.Get(k)
		if v == nil {
			return keystore.ErrNoSuchKey
		}
		var rec keystore.IdentityKey
		if err := cbor.Unmarshal(v, &rec); err != nil {
			return err
		}
		rec.LastUsedAt = now
		blob, err := cborEnc.Marshal(&rec)
		if err != nil {
			return err
		}
		return bkt.Put(k, blob)
	})
}

func (d *boltKeyStore) Close() {
	d.db.Sync()
	d.db.Close()
}

func (d *boltKeyStore) invalidate(userID uint64) {
	d.Lock()
	defer d.Unlock()
	delete(d.activeCache, userID)
}

// New creates (or loads) an identity key registry with the given file name
// f.
func New(f string) (keystore.Store, error) {
	d := new(boltKeyStore)
	d.activeCache = make(map[uint64]*keystore.IdentityKey)

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
		if _, err = tx.CreateBucketIfNotExists([]byte(keysBucket)); err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(fingerprintsBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("keystore: incompatible version: %d", uint(b[0]))
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
