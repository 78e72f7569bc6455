package locking

import (
	"context"
	"time"
)

// Strategy is the remote half of the protocol. Implementations decide
// whether this Rid is the recognized holder of a LockID across processes.
//
// Acquire must only return nil after positively confirming no contending
// unexpired claim precedes this one. Returned errors should be *Failure
// values so the Locker can tell retryable outcomes apart; anything else is
// treated as permanent. Acquire cleans up what it wrote when it fails,
// including on context cancellation.
type Strategy interface {
	Name() string
	Acquire(ctx context.Context, id LockID, rid Rid, expiresAt time.Time) (Grant, error)
	// Check re-confirms that rid still holds id as recorded in status.
	Check(ctx context.Context, id LockID, rid Rid, status LockStatus) error
	// Release removes the remote claim. Releasing an already absent claim
	// succeeds.
	Release(ctx context.Context, id LockID, rid Rid, status LockStatus) error
}
