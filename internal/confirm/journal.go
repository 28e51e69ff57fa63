// Package confirm records fired conversions.
//
// A Journal is the confirmation sink of the conversion queue: each Confirm
// call becomes one JSON line carrying a ULID, the instance that produced it,
// the time it fired and what was confirmed. Downstream redemption reads the
// journal; the queue never waits on it.
package confirm

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/snehjoshi/convq/internal/clock"
	"github.com/snehjoshi/convq/internal/node"
	"github.com/snehjoshi/convq/internal/types"
)

// Record is one journal line.
type Record struct {
	ID            string    `json:"id"`
	Instance      string    `json:"instance,omitempty"`
	Kind          string    `json:"type"`
	SubjectID     string    `json:"uuid"`
	CreativeSetID string    `json:"creative_set_id"`
	ConfirmedAt   time.Time `json:"confirmed_at"`
}

// Journal appends confirmations to a writer. It is safe for concurrent use.
type Journal struct {
	mu       sync.Mutex
	w        io.Writer
	closer   io.Closer
	enc      *json.Encoder
	instance node.ID
	clock    clock.Clock
	log      *slog.Logger
}

// Option configures a Journal.
type Option func(*Journal)

// WithInstance stamps every record with id.
func WithInstance(id node.ID) Option {
	return func(j *Journal) { j.instance = id }
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(j *Journal) { j.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) { j.log = l }
}

// New returns a Journal writing to w. The caller owns w.
func New(w io.Writer, opts ...Option) *Journal {
	j := &Journal{
		w:     w,
		enc:   json.NewEncoder(w),
		clock: clock.Real{},
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// OpenFile opens path for appending, creating it and its directory if
// needed. Close releases the file.
func OpenFile(path string, opts ...Option) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("confirm: create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("confirm: open journal %s: %w", path, err)
	}
	j := New(f, opts...)
	j.closer = f
	return j, nil
}

// Confirm appends a record for subjectID. Write failures are logged; the
// conversion has already left the queue and is not retried.
func (j *Journal) Confirm(subjectID, creativeSetID string, kind types.ConfirmationType) {
	now := j.clock.Now().UTC()
	id, err := node.NewIDAt(now)
	if err != nil {
		j.log.Error("failed to mint confirmation id", "err", err)
		return
	}

	rec := Record{
		ID:            id,
		Instance:      j.instance.String(),
		Kind:          kind.String(),
		SubjectID:     subjectID,
		CreativeSetID: creativeSetID,
		ConfirmedAt:   now,
	}

	j.mu.Lock()
	err = j.enc.Encode(rec)
	j.mu.Unlock()
	if err != nil {
		j.log.Error("failed to write confirmation",
			"id", id, "subject_id", subjectID, "creative_set_id", creativeSetID, "err", err)
		return
	}
	j.log.Info("confirmed", "id", id, "type", rec.Kind,
		"subject_id", subjectID, "creative_set_id", creativeSetID)
}

// Close closes the journal file if the Journal opened it.
func (j *Journal) Close() error {
	if j.closer == nil {
		return nil
	}
	return j.closer.Close()
}

// ReadAll decodes every record from r, in order.
func ReadAll(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(r)
	var out []Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("confirm: decode record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}
