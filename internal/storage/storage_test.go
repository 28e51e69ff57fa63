package storage_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/snehjoshi/convq/internal/storage"
)

// ---- helpers ----------------------------------------------------------------

func openDriver(t *testing.T, driver string) storage.Blobs {
	t.Helper()
	b, err := storage.Open(context.Background(), storage.Config{
		Driver:  driver,
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// exerciseBlobs runs the shared driver contract against b.
func exerciseBlobs(t *testing.T, b storage.Blobs) {
	t.Helper()
	ctx := context.Background()

	if _, err := b.Get(ctx, "ad_conversions.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get missing key: want ErrNotFound, got %v", err)
	}

	first := []byte(`{"ad_conversions":[]}`)
	if err := b.Put(ctx, "ad_conversions.json", first); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := b.Get(ctx, "ad_conversions.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, first) {
		t.Errorf("Get: want %s, got %s", first, got)
	}

	second := []byte(`{"ad_conversions":[{"uuid":"u1"}]}`)
	if err := b.Put(ctx, "ad_conversions.json", second); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, _ = b.Get(ctx, "ad_conversions.json")
	if !bytes.Equal(got, second) {
		t.Errorf("Get after overwrite: want %s, got %s", second, got)
	}

	if err := b.Delete(ctx, "ad_conversions.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete(ctx, "ad_conversions.json"); err != nil {
		t.Errorf("Delete of missing key must not fail: %v", err)
	}
	if _, err := b.Get(ctx, "ad_conversions.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after Delete: want ErrNotFound, got %v", err)
	}
}

// ---- driver tests -----------------------------------------------------------

func TestBoltStore_Contract(t *testing.T) {
	exerciseBlobs(t, openDriver(t, storage.DriverBolt))
}

func TestFileStore_Contract(t *testing.T) {
	exerciseBlobs(t, openDriver(t, storage.DriverFile))
}

func TestSQLiteStore_Contract(t *testing.T) {
	exerciseBlobs(t, openDriver(t, storage.DriverSQLite))
}

func TestOpen_DefaultsToBolt(t *testing.T) {
	dir := t.TempDir()
	b, err := storage.Open(context.Background(), storage.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if _, ok := b.(*storage.BoltStore); !ok {
		t.Fatalf("want *BoltStore, got %T", b)
	}
	if _, err := os.Stat(filepath.Join(dir, "convq.db")); err != nil {
		t.Errorf("bolt file not created in data dir: %v", err)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := storage.Open(context.Background(), storage.Config{Driver: "etcd"}); err == nil {
		t.Fatal("want error for unknown driver")
	}
}

func TestOpen_RedisRequiresAddr(t *testing.T) {
	if _, err := storage.Open(context.Background(), storage.Config{Driver: storage.DriverRedis}); err == nil {
		t.Fatal("want error for redis without addr")
	}
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convq.db")
	ctx := context.Background()

	s1, err := storage.OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	if err := s1.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := storage.OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get after reopen: got %q, %v", got, err)
	}
}

func TestFileStore_KeyCannotEscapeDir(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.OpenFile(dir)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := s.Put(context.Background(), "../escape", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "escape")); err == nil {
		t.Fatal("key with ../ escaped the store directory")
	}
}
