package node_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/snehjoshi/convq/internal/node"
)

func TestLoad_GeneratesIDOnFirstStart(t *testing.T) {
	dir := t.TempDir()

	id, err := node.Load(dir, "auto")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if id.IsZero() {
		t.Fatal("expected non-zero ID")
	}
	if len(id.String()) != 26 {
		t.Errorf("ULID should be 26 chars, got %d: %s", len(id.String()), id)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("instance_id not written: %v", err)
	}
	if strings.TrimSpace(string(data)) != id.String() {
		t.Errorf("persisted %q != returned %q", data, id)
	}
}

func TestLoad_StableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	a, err := node.Load(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := node.Load(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("ID changed across restarts: %s != %s", a, b)
	}
}

func TestLoad_Override(t *testing.T) {
	dir := t.TempDir()
	override, _ := node.NewID()

	id, err := node.Load(dir, override)
	if err != nil {
		t.Fatal(err)
	}
	if id.String() != override {
		t.Errorf("want %s, got %s", override, id)
	}
	if _, err := os.Stat(filepath.Join(dir, "instance_id")); !os.IsNotExist(err) {
		t.Error("override must not be persisted")
	}
}

func TestLoad_InvalidOverride(t *testing.T) {
	if _, err := node.Load(t.TempDir(), "not-a-valid-ulid"); err == nil {
		t.Fatal("expected error for invalid override")
	}
}

func TestLoad_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "instance_id"), []byte("garbage\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := node.Load(dir, ""); err == nil {
		t.Fatal("expected error for corrupt id file")
	}
}

func TestLoad_EmptyDataDir(t *testing.T) {
	if _, err := node.Load("", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewID_Monotonic(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	prev := ""
	for i := 0; i < 100; i++ {
		id, err := node.NewIDAt(at)
		if err != nil {
			t.Fatal(err)
		}
		if id <= prev {
			t.Fatalf("ids not increasing: %s <= %s", id, prev)
		}
		prev = id
	}
	parsed, err := ulid.ParseStrict(prev)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Time() != uint64(at.UnixMilli()) {
		t.Errorf("timestamp: %d", parsed.Time())
	}
}
