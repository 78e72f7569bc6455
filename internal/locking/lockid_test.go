package locking

import (
	"bytes"
	"testing"
)

func TestLockKeyLayoutAndParse(t *testing.T) {
	id := NewLockID("edgestore", []byte("k1"), []byte("c1"))
	want := []byte{0, 0, 0, 2, 'k', '1', 'c', '1'}
	if got := id.LockKey(); !bytes.Equal(got, want) {
		t.Fatalf("unexpected lock key %x", got)
	}
	if got := id.LockStore(""); got != "edgestore_lock_" {
		t.Fatalf("unexpected lock store %q", got)
	}
	parsed, err := ParseLockKey("edgestore", id.LockKey())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(id) {
		t.Fatalf("parsed id %s != %s", parsed, id)
	}
	if _, err := ParseLockKey("edgestore", []byte{0, 0, 0, 9, 'x'}); err == nil {
		t.Fatalf("expected error for truncated key")
	}
}

func TestLockKeyDistinguishesSplits(t *testing.T) {
	a := NewLockID("s", []byte("ab"), []byte("c"))
	b := NewLockID("s", []byte("a"), []byte("bc"))
	if bytes.Equal(a.LockKey(), b.LockKey()) || a.mapKey() == b.mapKey() {
		t.Fatalf("distinct ids must not collide")
	}
}

func TestLockIDIsImmutable(t *testing.T) {
	key := []byte("k1")
	id := NewLockID("s", key, nil)
	key[0] = 'x'
	if string(id.Key()) != "k1" {
		t.Fatalf("lock id aliased caller slice")
	}
	id.Key()[0] = 'y'
	if string(id.Key()) != "k1" {
		t.Fatalf("Key returned internal slice")
	}
	if err := NewLockID("", []byte("k"), nil).Validate(); err == nil {
		t.Fatalf("expected missing store to be rejected")
	}
	if err := NewLockID("s", nil, nil).Validate(); err == nil {
		t.Fatalf("expected missing key to be rejected")
	}
}

func TestRidOrdering(t *testing.T) {
	a, b := RidFromString("A"), RidFromString("B")
	if a.Compare(b) >= 0 || !a.Equal(RidFromString("A")) {
		t.Fatalf("unexpected rid ordering")
	}
	r1, r2 := NewRid("titan"), NewRid("titan")
	if r1.Equal(r2) {
		t.Fatalf("expected unique rids, got %s twice", r1)
	}
	if !bytes.HasPrefix(r1, []byte("titan-")) {
		t.Fatalf("expected prefix in %s", r1)
	}
}
