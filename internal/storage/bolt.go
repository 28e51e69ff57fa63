package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketBlobs = []byte("blobs")

// BoltStore is a bbolt-backed Blobs driver and the default backend.
//
// bbolt suits the conversion snapshot because it is:
//   - Pure Go (no CGO, no external process)
//   - ACID, so a crash mid-save leaves the previous snapshot intact
//   - A single file inside the data directory
type BoltStore struct {
	db *bbolt.DB
}

var _ Blobs = (*BoltStore)(nil)

// OpenBolt opens (or creates) the bbolt file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: init bolt bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Get returns a copy of the blob stored under key.
func (s *BoltStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketBlobs).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		// bbolt memory is only valid inside the transaction.
		out = append([]byte(nil), val...)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("storage: bolt get %s: %w", key, err)
	}
	return out, nil
}

// Put upserts the blob for key.
func (s *BoltStore) Put(_ context.Context, key string, data []byte) error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(key), data)
	}); err != nil {
		return fmt.Errorf("storage: bolt put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *BoltStore) Delete(_ context.Context, key string) error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).Delete([]byte(key))
	}); err != nil {
		return fmt.Errorf("storage: bolt delete %s: %w", key, err)
	}
	return nil
}

// Close closes the bbolt database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
