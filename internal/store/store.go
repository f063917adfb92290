// Package store persists PendingMerge records across process restarts so a
// merge cascade waiting on CI can resume after the bot is redeployed.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const bucketName = "pending_merges"

// Identity is the triple that uniquely addresses a pull request.
type Identity struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

// Key returns the canonical "{owner}/{repo}/{number}" encoding used both as
// the store key and in log output.
func (id Identity) Key() string {
	return fmt.Sprintf("%s/%s/%d", id.Owner, id.Repo, id.Number)
}

// PendingMerge is the persisted intent to merge a pull request once its
// prerequisites become true.
//
// The struct is serialized as JSON rather than a fixed binary layout so
// that adding a field is backwards compatible: old records simply decode
// the new field as its zero value.
type PendingMerge struct {
	Identity Identity `json:"identity"`

	HeadSHA    string     `json:"head_sha"`
	Requester  string     `json:"requester"`
	Force      bool       `json:"force"`
	Companions []Identity `json:"companions"`
	Attempt    int        `json:"attempt"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Store is an ordered key/value store of PendingMerge records backed by a
// single bbolt database file.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the database file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening store at %q failed: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing bucket failed: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes or replaces the record for its identity.
func (s *Store) Put(rec *PendingMerge) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling pending merge record failed: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(rec.Identity.Key()), data)
	})
}

// Get returns the record for id, or nil if none exists.
func (s *Store) Get(id Identity) (*PendingMerge, error) {
	var rec *PendingMerge

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketName)).Get([]byte(id.Key()))
		if data == nil {
			return nil
		}

		rec = &PendingMerge{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("reading pending merge record %q failed: %w", id.Key(), err)
	}

	return rec, nil
}

// Delete removes the record for id. Deleting a non-existent record is not
// an error.
func (s *Store) Delete(id Identity) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(id.Key()))
	})
}

// ScanAll calls fn for every stored record, in key order. It is used at
// startup to resume pending merges and whenever all pending records are
// searched or counted; fn must not call back into the store while iterating.
func (s *Store) ScanAll(fn func(*PendingMerge) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(_, data []byte) error {
			var rec PendingMerge
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("unmarshaling record failed: %w", err)
			}

			return fn(&rec)
		})
	})
}
