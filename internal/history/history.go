// Package history keeps the conversion history: when each creative set was
// converted and by which subject. The tracking matcher consults it so a
// creative set is not converted twice inside its observation window.
//
// Layout inside the bbolt file:
//
//	conversions/                      (root bucket)
//	  <creative_set_id>/              (one bucket per creative set)
//	    <8-byte BE epoch><subject_id> → subject_id
//
// Keys sort by time, so range queries are cursor seeks.
package history

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var bucketConversions = []byte("conversions")

// ErrEmptyCreativeSet is returned when a record has no creative set id.
var ErrEmptyCreativeSet = errors.New("history: empty creative set id")

// Store is the bbolt-backed conversion history. It is safe for concurrent use.
type Store struct {
	db  *bbolt.DB
	log *slog.Logger
}

// Open opens (or creates) the history database at path.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketConversions)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: init buckets: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendTimestamp records that subjectID converted creativeSetID at
// epochSeconds.
func (s *Store) AppendTimestamp(subjectID, creativeSetID string, epochSeconds uint64) error {
	if creativeSetID == "" {
		return ErrEmptyCreativeSet
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketConversions).CreateBucketIfNotExists([]byte(creativeSetID))
		if err != nil {
			return err
		}
		return b.Put(recordKey(epochSeconds, subjectID), []byte(subjectID))
	})
	if err != nil {
		return fmt.Errorf("history: append %s: %w", creativeSetID, err)
	}
	return nil
}

// Timestamps returns every recorded conversion time for creativeSetID in
// ascending order.
func (s *Store) Timestamps(creativeSetID string) ([]uint64, error) {
	var out []uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversions).Bucket([]byte(creativeSetID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			if len(k) < 8 {
				return nil
			}
			out = append(out, binary.BigEndian.Uint64(k[:8]))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("history: timestamps %s: %w", creativeSetID, err)
	}
	return out, nil
}

// HasConverted reports whether creativeSetID has a conversion at or after
// sinceEpochSeconds.
func (s *Store) HasConverted(creativeSetID string, sinceEpochSeconds uint64) (bool, error) {
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversions).Bucket([]byte(creativeSetID))
		if b == nil {
			return nil
		}
		k, _ := b.Cursor().Seek(timeKey(sinceEpochSeconds))
		found = k != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("history: lookup %s: %w", creativeSetID, err)
	}
	return found, nil
}

// Prune deletes every record older than beforeEpochSeconds and drops creative
// sets left empty. It returns the number of records removed.
func (s *Store) Prune(beforeEpochSeconds uint64) (int, error) {
	removed := 0
	limit := timeKey(beforeEpochSeconds)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketConversions)

		var sets [][]byte
		if err := root.ForEachBucket(func(name []byte) error {
			sets = append(sets, append([]byte(nil), name...))
			return nil
		}); err != nil {
			return err
		}

		for _, name := range sets {
			b := root.Bucket(name)
			c := b.Cursor()
			// Deleting through the cursor keeps iteration valid.
			for k, _ := c.First(); k != nil && bytes.Compare(k[:min(len(k), 8)], limit) < 0; k, _ = c.First() {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
			if k, _ := c.First(); k == nil {
				if err := root.DeleteBucket(name); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	if removed > 0 {
		s.log.Info("pruned conversion history", "removed", removed, "before", beforeEpochSeconds)
	}
	return removed, nil
}

// ---- helpers ----

func timeKey(epochSeconds uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, epochSeconds)
	return k
}

func recordKey(epochSeconds uint64, subjectID string) []byte {
	return append(timeKey(epochSeconds), subjectID...)
}
