package titan

import (
	"github.com/thinkaurelius/titan-sub001/internal/clock"
	"github.com/thinkaurelius/titan-sub001/internal/ensemble"
	"github.com/thinkaurelius/titan-sub001/internal/locking"
	"github.com/thinkaurelius/titan-sub001/internal/locking/consistentkey"
	"github.com/thinkaurelius/titan-sub001/internal/storage"
)

type (
	// LockID identifies a protected (store, key, column) resource.
	LockID = locking.LockID
	// Rid identifies this process among lock contenders.
	Rid = locking.Rid
	// Tx carries the locks held by one transaction.
	Tx = locking.Tx
	// LockStatus describes one held lock.
	LockStatus = locking.LockStatus
	// Failure is the error type returned by lock operations.
	Failure = locking.Failure
	// Mediators is the per-process registry of local lock mediators.
	Mediators = locking.Mediators
	// Claim is a decoded consistent-key claim.
	Claim = consistentkey.Claim
	// Clock supplies time to the lock manager.
	Clock = clock.Clock
	// Store is the shared-storage collaborator used by the consistent-key strategy.
	Store = storage.Store
	// EnsembleClient is the coordination-ensemble collaborator used by the ensemble strategy.
	EnsembleClient = ensemble.Client
)

// NewLockID copies its arguments into a LockID.
func NewLockID(store string, key, column []byte) LockID {
	return locking.NewLockID(store, key, column)
}

// NewRid builds a process identity from prefix, the host and the pid.
func NewRid(prefix string) Rid { return locking.NewRid(prefix) }

// NewMediators returns an empty mediator registry on clk.
func NewMediators(clk Clock) *Mediators { return locking.NewMediators(clk) }

// IsTemporary reports whether err is a lock failure worth retrying later.
func IsTemporary(err error) bool { return locking.IsTemporary(err) }

// IsPermanent reports whether err is a lock failure that must abort the transaction.
func IsPermanent(err error) bool { return locking.IsPermanent(err) }

// IsLockLost reports whether err means a held lock could not be re-confirmed.
func IsLockLost(err error) bool { return locking.IsLockLost(err) }
