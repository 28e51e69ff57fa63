package conversions_test

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"slices"
	"testing"

	"github.com/snehjoshi/convq/internal/conversions"
	"github.com/snehjoshi/convq/internal/types"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSnapshotRoundTrip(t *testing.T) {
	cases := map[string][]types.QueueEntry{
		"empty": {},
		"one":   {{FireAt: 1050, CreativeSetID: "cs1", SubjectID: "u1"}},
		"many": {
			{FireAt: 0, CreativeSetID: "", SubjectID: "zero"},
			{FireAt: 1500, CreativeSetID: "cs2", SubjectID: "u2"},
			{FireAt: 1500, CreativeSetID: "cs2", SubjectID: "u2-tie"},
			{FireAt: math.MaxUint64, CreativeSetID: "cs \"quoted\"", SubjectID: "ü"},
		},
	}
	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			data, err := conversions.Marshal(entries)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			got, err := conversions.Parse(data, quiet())
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if !slices.Equal(got, entries) {
				t.Fatalf("round trip:\nwant %+v\ngot  %+v", entries, got)
			}
		})
	}
}

func TestMarshal_Format(t *testing.T) {
	data, err := conversions.Marshal([]types.QueueEntry{{FireAt: 1050, CreativeSetID: "cs1", SubjectID: "u1"}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"ad_conversions":[{"timestamp_in_seconds":"1050","creative_set_id":"cs1","uuid":"u1"}]}`
	if string(data) != want {
		t.Fatalf("want %s\ngot  %s", want, data)
	}

	empty, _ := conversions.Marshal(nil)
	if string(empty) != `{"ad_conversions":[]}` {
		t.Fatalf("empty queue: %s", empty)
	}
}

func TestParse_NumericTimestamps(t *testing.T) {
	data := []byte(`{"ad_conversions":[
		{"timestamp_in_seconds":1500,"creative_set_id":"a","uuid":"1"},
		{"timestamp_in_seconds":1.6e9,"creative_set_id":"b","uuid":"2"},
		{"timestamp_in_seconds":"18446744073709551615","creative_set_id":"c","uuid":"3"}
	]}`)
	got, err := conversions.Parse(data, quiet())
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{1500, 1600000000, math.MaxUint64}
	for i, e := range got {
		if e.FireAt != want[i] {
			t.Fatalf("entry %d: want %d, got %d", i, want[i], e.FireAt)
		}
	}
}

func TestParse_StructuralFailures(t *testing.T) {
	cases := map[string]string{
		"not json":         `{{{`,
		"not an object":    `[1,2,3]`,
		"null":             `null`,
		"missing list key": `{"conversions":[]}`,
		"list not a list":  `{"ad_conversions":{"a":1}}`,
		"list is a string": `{"ad_conversions":"[]"}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := conversions.Parse([]byte(doc), quiet())
			if !errors.Is(err, conversions.ErrParse) {
				t.Fatalf("want ErrParse, got %v", err)
			}
		})
	}
}

func TestParse_SkipsBadRecords(t *testing.T) {
	data := []byte(`{"ad_conversions":[
		{"timestamp_in_seconds":"10","creative_set_id":"a","uuid":"keep1"},
		"not a record",
		{"timestamp_in_seconds":"-5","creative_set_id":"a","uuid":"negative"},
		{"timestamp_in_seconds":true,"creative_set_id":"a","uuid":"bool"},
		{"creative_set_id":"a","uuid":"no-ts"},
		{"timestamp_in_seconds":"10","uuid":"no-cs"},
		{"timestamp_in_seconds":"10","creative_set_id":7,"uuid":"cs-number"},
		{"timestamp_in_seconds":null,"creative_set_id":"a","uuid":"null-ts"},
		{"timestamp_in_seconds":"1","creative_set_id":"a","uuid":null},
		{"timestamp_in_seconds":"2","creative_set_id":null,"uuid":"null-cs"},
		{"timestamp_in_seconds":"20","creative_set_id":"b","uuid":"keep2"}
	]}`)
	got, err := conversions.Parse(data, quiet())
	if err != nil {
		t.Fatal(err)
	}
	if s := subjects(got); s != "keep1,keep2" {
		t.Fatalf("want keep1,keep2, got %q", s)
	}
}
