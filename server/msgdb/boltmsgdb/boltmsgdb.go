// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltmsgdb implements the encrypted message store with a boltdb
// based backend.
package boltmsgdb

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/siegelpost/siegelpost/server/msgdb"
)

const (
	messagesBucket = "messages"
	metadataBucket = "metadata"
	versionKey     = "version"
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

type boltMsgStore struct {
	db *bolt.DB
}

func (d *boltMsgStore) Put(m *msgdb.EncryptedMessage) error {
	if err := m.Validate(); err != nil {
		return err
	}

	rec := *m
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.VerificationStatus == "" {
		rec.VerificationStatus = msgdb.VerificationUnverified
	}
	rec.DestructAt = rec.InitialDestructAt()

	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(messagesBucket))
		blob, err := cborEnc.Marshal(&rec)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(rec.MessageID), blob)
	})
}

func (d *boltMsgStore) Get(messageID string) (*msgdb.EncryptedMessage, error) {
	var rec *msgdb.EncryptedMessage
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(messagesBucket)).Get([]byte(messageID))
		if v == nil {
			return msgdb.ErrNoSuchMessage
		}
		rec = new(msgdb.EncryptedMessage)
		return cbor.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *boltMsgStore) MarkRead(messageID string, now time.Time) (*msgdb.EncryptedMessage, error) {
	var rec *msgdb.EncryptedMessage
	err := d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(messagesBucket))
		v := bkt.Get([]byte(messageID))
		if v == nil {
			return msgdb.ErrNoSuchMessage
		}
		rec = new(msgdb.EncryptedMessage)
		if err := cbor.Unmarshal(v, rec); err != nil {
			return err
		}

		// Read receipts apply exactly once.
		if !rec.ReadAt.IsZero() {
			return nil
		}
		rec.ReadAt = now
		rec.VerificationStatus = msgdb.VerificationRead
		if rec.SelfDestructTimer > 0 {
			graceEnd := now.Add(msgdb.ReadGrace)
			if graceEnd.Before(rec.DestructAt) {
				rec.DestructAt = graceEnd
			}
		}

		blob, err := cborEnc.Marshal(rec)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(messageID), blob)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *boltMsgStore) SetVerificationStatus(messageID string, vs msgdb.VerificationStatus) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(messagesBucket))
		v := bkt.Get([]byte(messageID))
		if v == nil {
			return msgdb.ErrNoSuchMessage
		}
		var rec msgdb.EncryptedMessage
		if err := cbor.Unmarshal(v, &rec); err != nil {
			return err
		}
		rec.VerificationStatus = vs
		blob, err := cborEnc.Marshal(&rec)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(messageID), blob)
	})
}

func (d *boltMsgStore) ListDestructDue(now time.Time) ([]*msgdb.EncryptedMessage, error) {
	var out []*msgdb.EncryptedMessage
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(messagesBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec msgdb.EncryptedMessage
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.DestructAt.IsZero() || now.Before(rec.DestructAt) {
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

func (d *boltMsgStore) Delete(messageID string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(messagesBucket))
		if bkt.Get([]byte(messageID)) == nil {
			return msgdb.ErrNoSuchMessage
		}
		return bkt.Delete([]byte(messageID))
	})
}

func (d *boltMsgStore) PurgeOlderThan(cutoff time.Time) (int, error) {
	count := 0
	err := d.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(messagesBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec msgdb.EncryptedMessage
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.CreatedAt.Before(cutoff) {
				continue
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

func (d *boltMsgStore) Close() {
	d.db.Sync()
	d.db.Close()
}

// New creates (or loads) an encrypted message store with the given file
// name f.
func New(f string) (msgdb.Store, error) {
	d := new(boltMsgStore)

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
		if _, err = tx.CreateBucketIfNotExists([]byte(messagesBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("msgdb: incompatible version: %d", uint(b[0]))
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
