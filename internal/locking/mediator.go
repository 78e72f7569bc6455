package locking

import (
	"strings"
	"sync"
	"time"

	"github.com/thinkaurelius/titan-sub001/internal/clock"
)

// LocalLockMediator gives in-process mutual exclusion per LockID before any
// remote call is made. Holders are identified by transaction id. The
// critical section only touches the map.
type LocalLockMediator struct {
	name  string
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]mediatorEntry
}

type mediatorEntry struct {
	holder    string
	expiresAt time.Time
}

// NewLocalLockMediator returns an empty mediator.
func NewLocalLockMediator(name string, clk clock.Clock) *LocalLockMediator {
	return &LocalLockMediator{
		name:    name,
		clock:   clock.Ensure(clk),
		entries: make(map[string]mediatorEntry),
	}
}

// Name returns the namespace the mediator was registered under.
func (m *LocalLockMediator) Name() string { return m.name }

// Lock grants id to holder until expiresAt. It returns false when another
// holder owns an unexpired entry. Expired entries are evicted. A holder
// re-locking its own entry refreshes the expiration.
func (m *LocalLockMediator) Lock(id LockID, holder string, expiresAt time.Time) bool {
	key := id.mapKey()
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[key]; ok && cur.holder != holder && now.Before(cur.expiresAt) {
		return false
	}
	m.entries[key] = mediatorEntry{holder: holder, expiresAt: expiresAt}
	return true
}

// Unlock removes the entry for id only when holder owns it. It reports
// whether an entry was removed.
func (m *LocalLockMediator) Unlock(id LockID, holder string) bool {
	key := id.mapKey()
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[key]
	if !ok || cur.holder != holder {
		return false
	}
	delete(m.entries, key)
	return true
}

// Holder returns the current unexpired holder of id, if any.
func (m *LocalLockMediator) Holder(id LockID) (string, bool) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[id.mapKey()]
	if !ok || !now.Before(cur.expiresAt) {
		return "", false
	}
	return cur.holder, true
}

// Len returns the number of registered entries, expired ones included.
func (m *LocalLockMediator) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Mediators hands out one LocalLockMediator per namespace prefix, so several
// logical databases in one process do not contend with each other. Construct
// it once per process and pass it to every LockManager.
type Mediators struct {
	clock clock.Clock

	mu    sync.Mutex
	byKey map[string]*LocalLockMediator
}

// NewMediators returns an empty registry.
func NewMediators(clk clock.Clock) *Mediators {
	return &Mediators{clock: clock.Ensure(clk), byKey: make(map[string]*LocalLockMediator)}
}

// Get returns the mediator for prefix, creating it on first use.
func (r *Mediators) Get(prefix string) *LocalLockMediator {
	prefix = strings.TrimSpace(prefix)
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.byKey[prefix]; ok {
		return m
	}
	m := NewLocalLockMediator(prefix, r.clock)
	r.byKey[prefix] = m
	return m
}
