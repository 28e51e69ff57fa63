package conversions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/snehjoshi/convq/internal/types"
)

// Snapshot keys. Do not change these values: they are read back from state
// written by earlier releases.
const (
	listKey          = "ad_conversions"
	timestampKey     = "timestamp_in_seconds"
	creativeSetIDKey = "creative_set_id"
	uuidKey          = "uuid"
)

// ErrParse is returned when a snapshot is structurally unusable: not a JSON
// object, or missing the ad_conversions list.
var ErrParse = errors.New("conversions: malformed snapshot")

// record is the on-disk form of one QueueEntry. The timestamp is written as a
// decimal string because uint64 exceeds the range JSON numbers carry safely.
type record struct {
	Timestamp     string `json:"timestamp_in_seconds"`
	CreativeSetID string `json:"creative_set_id"`
	UUID          string `json:"uuid"`
}

type snapshot struct {
	Conversions []record `json:"ad_conversions"`
}

// Marshal serialises entries, in order, into the snapshot document.
func Marshal(entries []types.QueueEntry) ([]byte, error) {
	s := snapshot{Conversions: make([]record, 0, len(entries))}
	for _, e := range entries {
		s.Conversions = append(s.Conversions, record{
			Timestamp:     strconv.FormatUint(e.FireAt, 10),
			CreativeSetID: e.CreativeSetID,
			UUID:          e.SubjectID,
		})
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("conversions: marshal snapshot: %w", err)
	}
	return data, nil
}

// Parse decodes a snapshot document.
//
// A top-level defect fails the whole parse with ErrParse. An individual record
// that lacks a usable timestamp, creative set id or uuid is dropped and
// logged; the rest of the snapshot is still returned.
func Parse(data []byte, log *slog.Logger) ([]types.QueueEntry, error) {
	if log == nil {
		log = slog.Default()
	}

	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil || root == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrParse)
	}

	rawList, ok := root[listKey]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrParse, listKey)
	}
	var list []json.RawMessage
	if !isArray(rawList) || json.Unmarshal(rawList, &list) != nil {
		return nil, fmt.Errorf("%w: %q is not a list", ErrParse, listKey)
	}

	entries := make([]types.QueueEntry, 0, len(list))
	for i, raw := range list {
		e, err := parseRecord(raw)
		if err != nil {
			log.Warn("skipping malformed conversion record (should not happen)",
				"index", i, "err", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseRecord(raw json.RawMessage) (types.QueueEntry, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return types.QueueEntry{}, errors.New("record is not an object")
	}

	ts, err := decodeTimestamp(fields[timestampKey])
	if err != nil {
		return types.QueueEntry{}, err
	}
	csID, err := decodeString(fields, creativeSetIDKey)
	if err != nil {
		return types.QueueEntry{}, err
	}
	subject, err := decodeString(fields, uuidKey)
	if err != nil {
		return types.QueueEntry{}, err
	}

	return types.QueueEntry{FireAt: ts, CreativeSetID: csID, SubjectID: subject}, nil
}

// timestampDecoders are tried in order. Older releases wrote the timestamp
// as a JSON number; current releases write a decimal string.
var timestampDecoders = []func(json.RawMessage) (uint64, bool){
	numericTimestamp,
	stringTimestamp,
}

func decodeTimestamp(raw json.RawMessage) (uint64, error) {
	if isNull(raw) {
		return 0, fmt.Errorf("missing %q", timestampKey)
	}
	for _, decode := range timestampDecoders {
		if v, ok := decode(raw); ok {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%q is neither a number nor a decimal string", timestampKey)
}

func numericTimestamp(raw json.RawMessage) (uint64, bool) {
	// json.Number would also accept a quoted number.
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] == '"' {
		return 0, false
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return 0, false
	}
	if v, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		return v, true
	}
	// Legacy writers emitted doubles (e.g. 1.6e9).
	f, err := n.Float64()
	if err != nil || f < 0 || f >= math.MaxUint64 || math.IsNaN(f) {
		return 0, false
	}
	return uint64(f), true
}

func stringTimestamp(raw json.RawMessage) (uint64, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func decodeString(fields map[string]json.RawMessage, key string) (string, error) {
	raw := fields[key]
	if isNull(raw) {
		return "", fmt.Errorf("missing %q", key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%q is not a string", key)
	}
	return s, nil
}

// isNull reports whether raw is absent or a JSON null; both count as a
// missing field.
func isNull(raw json.RawMessage) bool {
	return raw == nil || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// isArray reports whether raw is a JSON array (ignoring leading whitespace).
func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}
