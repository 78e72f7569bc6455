// Package locking implements the generic lock protocol shared by every remote
// strategy: local mediation, bounded acquisition retries, commit-time
// verification and release.
package locking

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/thinkaurelius/titan-sub001/internal/storage"
)

// DefaultLockStoreSuffix is appended to a data store name to form the store
// that holds its lock claims.
const DefaultLockStoreSuffix = "_lock_"

// LockID identifies a protected (store, key, column) triple. It is immutable
// once constructed; the byte slices are copied on construction.
type LockID struct {
	store  string
	key    []byte
	column []byte
}

// NewLockID builds a LockID from its parts.
func NewLockID(store string, key, column []byte) LockID {
	return LockID{
		store:  store,
		key:    storage.Clone(key),
		column: storage.Clone(column),
	}
}

// Store returns the logical data store name.
func (id LockID) Store() string { return id.store }

// Key returns a copy of the row key.
func (id LockID) Key() []byte { return storage.Clone(id.key) }

// Column returns a copy of the column.
func (id LockID) Column() []byte { return storage.Clone(id.column) }

// Validate reports whether the triple is usable.
func (id LockID) Validate() error {
	if strings.TrimSpace(id.store) == "" {
		return errors.New("locking: lock id requires a store name")
	}
	if len(id.key) == 0 {
		return errors.New("locking: lock id requires a key")
	}
	return nil
}

// Equal reports whether two ids name the same resource.
func (id LockID) Equal(other LockID) bool {
	return id.store == other.store && bytes.Equal(id.key, other.key) && bytes.Equal(id.column, other.column)
}

// LockKey is the row key under which claims for id are written: a 4-byte
// big-endian key length, the key, then the column. The length prefix keeps
// ("ab","c") and ("a","bc") apart.
func (id LockID) LockKey() []byte {
	out := make([]byte, 4+len(id.key)+len(id.column))
	binary.BigEndian.PutUint32(out, uint32(len(id.key)))
	copy(out[4:], id.key)
	copy(out[4+len(id.key):], id.column)
	return out
}

// LockStore returns the name of the store that holds claims for id.
func (id LockID) LockStore(suffix string) string {
	if suffix == "" {
		suffix = DefaultLockStoreSuffix
	}
	return id.store + suffix
}

// ParseLockKey reverses LockKey for the given data store.
func ParseLockKey(store string, lockKey []byte) (LockID, error) {
	if len(lockKey) < 4 {
		return LockID{}, fmt.Errorf("locking: lock key too short (%d bytes)", len(lockKey))
	}
	n := binary.BigEndian.Uint32(lockKey)
	if uint64(n) > uint64(len(lockKey)-4) {
		return LockID{}, fmt.Errorf("locking: lock key length %d exceeds payload", n)
	}
	key := lockKey[4 : 4+n]
	column := lockKey[4+n:]
	return NewLockID(store, key, column), nil
}

// String renders the id for logs.
func (id LockID) String() string {
	return id.store + "/" + storage.EncodeSegment(id.key) + "/" + storage.EncodeSegment(id.column)
}

func (id LockID) mapKey() string {
	return id.store + "\x00" + string(id.LockKey())
}
