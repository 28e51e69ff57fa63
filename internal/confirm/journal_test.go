package confirm_test

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/snehjoshi/convq/internal/clock"
	"github.com/snehjoshi/convq/internal/confirm"
	"github.com/snehjoshi/convq/internal/node"
	"github.com/snehjoshi/convq/internal/types"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestConfirm_WritesRecord(t *testing.T) {
	var buf bytes.Buffer
	fake := clock.NewFake(1_700_000_000)
	j := confirm.New(&buf,
		confirm.WithClock(fake),
		confirm.WithInstance(node.ID("01HZZZZZZZZZZZZZZZZZZZZZZZ")),
		confirm.WithLogger(quiet()),
	)

	j.Confirm("u1", "cs1", types.ConfirmationConversion)
	fake.Advance(time.Second)
	j.Confirm("u2", "cs2", types.ConfirmationConversion)

	recs, err := confirm.ReadAll(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("want 2 records, got %d", len(recs))
	}

	r := recs[0]
	if r.Kind != "conversion" || r.SubjectID != "u1" || r.CreativeSetID != "cs1" {
		t.Errorf("unexpected record: %+v", r)
	}
	if r.Instance != "01HZZZZZZZZZZZZZZZZZZZZZZZ" {
		t.Errorf("instance: %q", r.Instance)
	}
	if !r.ConfirmedAt.Equal(time.Unix(1_700_000_000, 0)) {
		t.Errorf("confirmed_at: %v", r.ConfirmedAt)
	}
	if _, err := ulid.ParseStrict(r.ID); err != nil {
		t.Errorf("id is not a ULID: %v", err)
	}
	if recs[1].ID <= recs[0].ID {
		t.Errorf("ids should sort by time: %s <= %s", recs[1].ID, recs[0].ID)
	}
}

func TestOpenFile_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "confirmations.jsonl")

	for i := 0; i < 2; i++ {
		j, err := confirm.OpenFile(path, confirm.WithLogger(quiet()))
		if err != nil {
			t.Fatal(err)
		}
		j.Confirm("u", "cs", types.ConfirmationConversion)
		if err := j.Close(); err != nil {
			t.Fatal(err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	recs, err := confirm.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("want 2 records across reopen, got %d", len(recs))
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestConfirm_WriteErrorDoesNotPanic(t *testing.T) {
	j := confirm.New(failingWriter{}, confirm.WithLogger(quiet()))
	j.Confirm("u1", "cs1", types.ConfirmationConversion)
	if err := j.Close(); err != nil {
		t.Fatalf("Close on a caller-owned writer: %v", err)
	}
}

func TestReadAll_Malformed(t *testing.T) {
	_, err := confirm.ReadAll(bytes.NewBufferString(`{"id":"x"}` + "\n" + `{broken`))
	if err == nil {
		t.Fatal("expected decode error")
	}
}
