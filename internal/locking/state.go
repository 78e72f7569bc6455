package locking

import (
	"sort"
	"sync"
	"time"

	"github.com/thinkaurelius/titan-sub001/internal/correlation"
	"github.com/thinkaurelius/titan-sub001/internal/uuidv7"
)

// LockPhase tracks one LockID through a transaction.
type LockPhase string

const (
	PhaseUnlocked      LockPhase = "UNLOCKED"
	PhaseLocalPending  LockPhase = "LOCAL_PENDING"
	PhaseRemotePending LockPhase = "REMOTE_PENDING"
	PhaseHeld          LockPhase = "HELD"
	PhaseVerified      LockPhase = "VERIFIED"
	PhaseExpired       LockPhase = "EXPIRED"
	PhaseLost          LockPhase = "LOST"
	PhaseReleased      LockPhase = "RELEASED"
)

// Grant is what a strategy returns on successful acquisition.
type Grant struct {
	// AcquiredAt is the claim timestamp (or node creation time).
	AcquiredAt time.Time
	// ExpiresAt is when others may treat the lock as abandoned.
	ExpiresAt time.Time
	// Handle is strategy specific, e.g. the sequential node path.
	Handle string
}

// LockStatus is the recorded outcome of an acquisition.
type LockStatus struct {
	ID    LockID
	Grant Grant
	Phase LockPhase
}

// Live reports whether the status still counts as held at now.
func (s *LockStatus) Live(now time.Time) bool {
	if s == nil {
		return false
	}
	switch s.Phase {
	case PhaseHeld, PhaseVerified:
		return now.Before(s.Grant.ExpiresAt)
	}
	return false
}

// LockerState is the per-transaction map of LockID to LockStatus.
type LockerState struct {
	mu       sync.Mutex
	strategy string
	entries  map[string]*LockStatus
}

// NewLockerState returns empty bookkeeping.
func NewLockerState() *LockerState {
	return &LockerState{entries: make(map[string]*LockStatus)}
}

// Strategy returns the name of the strategy whose locks are recorded.
func (s *LockerState) Strategy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

func (s *LockerState) bind(strategy string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.strategy == "" || len(s.entries) == 0 {
		s.strategy = strategy
		return true
	}
	return s.strategy == strategy
}

// Get returns the status recorded for id.
func (s *LockerState) Get(id LockID) (*LockStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entries[id.mapKey()]
	return st, ok
}

// Put records status under its LockID.
func (s *LockerState) Put(status *LockStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[status.ID.mapKey()] = status
}

// Remove drops id.
func (s *LockerState) Remove(id LockID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id.mapKey())
}

// All returns the recorded statuses ordered by LockID.
func (s *LockerState) All() []*LockStatus {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*LockStatus, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.entries[k])
	}
	s.mu.Unlock()
	return out
}

// Len returns the number of recorded locks.
func (s *LockerState) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear forgets every entry.
func (s *LockerState) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*LockStatus)
	s.strategy = ""
}

// Tx is the lock-holding side of a transaction.
type Tx struct {
	id     string
	holder string
	state  *LockerState
}

// NewTx returns a transaction handle. An empty or invalid id is replaced by
// a generated one.
func NewTx(id string) *Tx {
	normalized, ok := correlation.Normalize(id)
	if !ok {
		normalized = correlation.Generate()
	}
	return &Tx{id: normalized, holder: uuidv7.NewString(), state: NewLockerState()}
}

// ID returns the caller-facing transaction identifier. It need not be unique.
func (t *Tx) ID() string { return t.id }

// Holder returns the token this transaction holds mediator entries under.
// Every Tx gets its own, even when two share an ID.
func (t *Tx) Holder() string { return t.holder }

// State returns the transaction's lock bookkeeping.
func (t *Tx) State() *LockerState { return t.state }
