package badgerstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/thinkaurelius/titan-sub001/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBadgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.WriteColumn(ctx, "locks", []byte("k1"), []byte("b"), []byte("2")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.WriteColumn(ctx, "locks", []byte("k1"), []byte("a"), []byte("1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.WriteColumn(ctx, "locks", []byte("k2"), []byte("a"), []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := s.ReadRow(ctx, "locks", []byte("k1"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 || string(entries[0].Column) != "a" || string(entries[1].Value) != "2" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	rows, err := s.ListRows(ctx, "locks")
	if err != nil || len(rows) != 2 {
		t.Fatalf("unexpected rows %q err=%v", rows, err)
	}
	if err := s.DeleteColumn(ctx, "locks", []byte("k1"), []byte("a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteColumn(ctx, "locks", []byte("k1"), []byte("a")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	entries, err = s.ReadRow(ctx, "locks", []byte("k1"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one remaining column, got %+v err=%v", entries, err)
	}
}

func TestBadgerRowPrefixIsolation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	// hex("k") is a prefix of hex("k1"); the trailing separator keeps rows apart.
	if err := s.WriteColumn(ctx, "locks", []byte("k1"), []byte("c"), []byte("v")); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := s.ReadRow(ctx, "locks", []byte("k"))
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty row, got %+v err=%v", entries, err)
	}
}

func TestBadgerChangeFeed(t *testing.T) {
	s := openTestStore(t)
	sub, err := s.SubscribeRowChanges("locks", []byte("k"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if err := s.WriteColumn(context.Background(), "locks", []byte("k"), []byte("c"), []byte("v")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatalf("expected notification")
	}
}

func TestBadgerRequiresDir(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatalf("expected error without directory")
	}
}
