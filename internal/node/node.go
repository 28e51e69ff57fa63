// Package node gives each convqd data directory a stable instance identity
// and hands out ULIDs for confirmation records.
//
// The instance ID is generated on first start and kept in
// <data_dir>/instance_id. Every confirmation written to the journal carries
// it, so journals gathered from several hosts can be told apart.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const idFile = "instance_id"

// ID is a ULID string naming one convqd instance.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool { return id == "" }

// Load returns the instance ID for dataDir, creating and persisting one on
// first use. A non-empty override other than "auto" is validated and used
// instead; nothing is written in that case.
func Load(dataDir, override string) (ID, error) {
	if dataDir == "" {
		return "", errors.New("node: data dir must not be empty")
	}
	if override != "" && override != "auto" {
		if _, err := ulid.ParseStrict(override); err != nil {
			return "", fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		return ID(override), nil
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return "", fmt.Errorf("node: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, idFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(data))
		if _, err := ulid.ParseStrict(id); err != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", id, err)
		}
		return ID(id), nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	id, err := NewID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return ID(id), nil
}

// One monotonic source keeps IDs minted in the same millisecond ordered.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh time-ordered ULID string.
func NewID() (string, error) {
	return NewIDAt(time.Now())
}

// NewIDAt returns a ULID whose timestamp part is t.
func NewIDAt(t time.Time) (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
