package disk

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pardot/oidcop/storage"
)

func setup(t *testing.T) (context.Context, *Storage) {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "oidcop.db"), 0600)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	return context.Background(), s
}

func TestStorage(t *testing.T) {
	ctx, s := setup(t)
	storage.Test(ctx, t, s)
}

func TestExpiredPutDoesNotConflict(t *testing.T) {
	ctx, s := setup(t)
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	if _, err := s.PutWithExpiry(ctx, "exp", "k", 0, "old", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Minute)

	ver, err := s.Put(ctx, "exp", "k", 0, "new")
	if err != nil {
		t.Fatalf("want expired item replaceable as new, got %v", err)
	}
	if ver != 1 {
		t.Errorf("want version 1, got %d", ver)
	}

	var got string
	if _, err := s.Get(ctx, "exp", "k", &got); err != nil {
		t.Fatal(err)
	}
	if got != "new" {
		t.Errorf("want new, got %q", got)
	}
}

func TestGarbageCollect(t *testing.T) {
	ctx, s := setup(t)
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	if _, err := s.PutWithExpiry(ctx, "gc", "expired", 0, "a", now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PutWithExpiry(ctx, "gc", "live", 0, "b", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PutWithExpiry(ctx, "gone", "x", 0, "c", now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	removed, err := s.GarbageCollect(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("want 2 removed, got %d", removed)
	}

	keys, err := s.List(ctx, "gc")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "live" {
		t.Errorf("want only live left, got %v", keys)
	}

	if err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte("gone")) != nil {
			t.Error("want empty bucket removed")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}
