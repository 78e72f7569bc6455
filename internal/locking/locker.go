package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/thinkaurelius/titan-sub001/internal/clock"
	"github.com/thinkaurelius/titan-sub001/internal/correlation"
	"github.com/thinkaurelius/titan-sub001/internal/loggingutil"
)

// Locker defaults.
const (
	DefaultRetries = 3
	DefaultWait    = 100 * time.Millisecond
	DefaultExpiry  = 300 * time.Second
)

// LockerConfig wires a Locker.
type LockerConfig struct {
	Strategy Strategy
	Mediator *LocalLockMediator
	Rid      Rid
	// Retries is the maximum number of remote acquisition attempts.
	Retries int
	// Wait is the pause between attempts.
	Wait time.Duration
	// Expiry is how long a granted lock stays valid.
	Expiry time.Duration
	Clock  clock.Clock
	Logger pslog.Logger
}

// Locker runs the acquire / verify / release protocol for transactions on
// top of one Strategy.
type Locker struct {
	strategy Strategy
	mediator *LocalLockMediator
	rid      Rid
	retries  int
	wait     time.Duration
	expiry   time.Duration
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *lockMetrics
}

// NewLocker validates cfg and returns a Locker.
func NewLocker(cfg LockerConfig) (*Locker, error) {
	if cfg.Strategy == nil {
		return nil, Permanent(CodeInvalid, LockID{}, "strategy required", nil)
	}
	if cfg.Mediator == nil {
		return nil, Permanent(CodeInvalid, LockID{}, "local lock mediator required", nil)
	}
	if len(cfg.Rid) == 0 {
		return nil, Permanent(CodeInvalid, LockID{}, "rid required", nil)
	}
	if cfg.Retries == 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.Retries < 0 {
		return nil, Permanent(CodeInvalid, LockID{}, fmt.Sprintf("retries must be positive, got %d", cfg.Retries), nil)
	}
	if cfg.Wait < 0 {
		return nil, Permanent(CodeInvalid, LockID{}, "wait must not be negative", nil)
	}
	if cfg.Expiry == 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.Expiry < 0 {
		return nil, Permanent(CodeInvalid, LockID{}, "expiry must be positive", nil)
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "locking.locker").With("strategy", cfg.Strategy.Name())
	return &Locker{
		strategy: cfg.Strategy,
		mediator: cfg.Mediator,
		rid:      cfg.Rid,
		retries:  cfg.Retries,
		wait:     cfg.Wait,
		expiry:   cfg.Expiry,
		clock:    clock.Ensure(cfg.Clock),
		logger:   logger,
		metrics:  newLockMetrics(logger, cfg.Strategy.Name()),
	}, nil
}

// Rid returns the process identity the locker claims with.
func (l *Locker) Rid() Rid { return l.rid }

// Strategy returns the configured remote strategy.
func (l *Locker) Strategy() Strategy { return l.strategy }

// WriteLock acquires id for tx. Local contention yields a temporary failure
// without touching the remote store. Retryable remote failures are retried
// up to the configured attempt count; after that, or on any other failure,
// a permanent failure is returned. Locks already held by tx are a no-op.
func (l *Locker) WriteLock(ctx context.Context, tx *Tx, id LockID) error {
	if err := id.Validate(); err != nil {
		return Permanent(CodeInvalid, id, "", err)
	}
	state := tx.State()
	if !state.bind(l.strategy.Name()) {
		return Permanent(CodeStrategyMismatch, id, "transaction already holds locks from "+state.Strategy(), nil)
	}
	ctx = correlation.With(ctx, tx.ID())
	logger := l.logger.With("txn", tx.ID(), "lock", id.String())

	now := l.clock.Now()
	if st, ok := state.Get(id); ok {
		if st.Live(now) {
			logger.Trace("lock.write.reentrant")
			return nil
		}
		// Held but past expiry: drop the stale claim before bidding again.
		l.releaseOne(ctx, tx, st, logger)
	}

	start := now
	expiresAt := now.Add(l.expiry)
	if !l.mediator.Lock(id, tx.Holder(), expiresAt) {
		l.metrics.recordLocalDenied(ctx, l.strategy.Name())
		logger.Debug("lock.write.local_denied")
		return Temporary(CodeLocalContention, id, "held by another local transaction", nil)
	}
	status := &LockStatus{ID: id, Phase: PhaseLocalPending}
	logger.Debug("lock.write.begin", "expires_at", expiresAt)

	var lastErr error
	attempt := 0
	for {
		attempt++
		status.Phase = PhaseRemotePending
		grant, err := l.strategy.Acquire(ctx, id, l.rid, expiresAt)
		if err == nil {
			status.Grant = grant
			status.Phase = PhaseHeld
			state.Put(status)
			l.metrics.recordWrite(ctx, l.strategy.Name(), attempt, l.clock.Now().Sub(start), nil)
			logger.Debug("lock.write.granted", "attempt", attempt, "acquired_at", grant.AcquiredAt, "expires_at", grant.ExpiresAt)
			return nil
		}
		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return l.abortWrite(ctx, tx, id, attempt, start, Permanent(CodeCanceled, id, "acquisition abandoned", errors.Join(ctxErr, err)))
		}
		if !IsTemporary(err) {
			if f, ok := AsFailure(err); ok && f.Kind == KindPermanent {
				return l.abortWrite(ctx, tx, id, attempt, start, f)
			}
			code := FailureCode(err)
			if code == "" {
				code = CodeRemoteFailure
			}
			return l.abortWrite(ctx, tx, id, attempt, start, Permanent(code, id, "remote acquisition failed", err))
		}
		if attempt >= l.retries {
			break
		}
		logger.Debug("lock.write.retry", "attempt", attempt, "wait", l.wait, "error", err)
		l.mediator.Unlock(id, tx.Holder())
		if err := clock.Wait(ctx, l.clock, l.wait); err != nil {
			l.metrics.recordWrite(ctx, l.strategy.Name(), attempt, l.clock.Now().Sub(start), err)
			return Permanent(CodeCanceled, id, "acquisition abandoned", errors.Join(err, lastErr))
		}
		expiresAt = l.clock.Now().Add(l.expiry)
		if !l.mediator.Lock(id, tx.Holder(), expiresAt) {
			l.metrics.recordLocalDenied(ctx, l.strategy.Name())
			l.metrics.recordWrite(ctx, l.strategy.Name(), attempt, l.clock.Now().Sub(start), lastErr)
			logger.Debug("lock.write.local_denied", "attempt", attempt+1)
			return Temporary(CodeLocalContention, id, "held by another local transaction", lastErr)
		}
	}
	return l.abortWrite(ctx, tx, id, attempt, start,
		Permanent(CodeRetriesExhausted, id, fmt.Sprintf("gave up after %d attempts", attempt), lastErr))
}

func (l *Locker) abortWrite(ctx context.Context, tx *Tx, id LockID, attempts int, start time.Time, failure *Failure) error {
	l.mediator.Unlock(id, tx.Holder())
	l.metrics.recordWrite(ctx, l.strategy.Name(), attempts, l.clock.Now().Sub(start), failure)
	l.logger.Info("lock.write.failed", "txn", tx.ID(), "lock", id.String(), "attempts", attempts, "code", failure.Code, "error", failure.Err)
	return failure
}

// CheckLocks re-confirms every lock held by tx. The first lock that cannot
// be re-confirmed yields a lock-lost failure; the transaction must then not
// apply its writes.
func (l *Locker) CheckLocks(ctx context.Context, tx *Tx) error {
	ctx = correlation.With(ctx, tx.ID())
	for _, st := range tx.State().All() {
		logger := l.logger.With("txn", tx.ID(), "lock", st.ID.String())
		switch st.Phase {
		case PhaseHeld, PhaseVerified:
		default:
			err := Lost(CodeLockLost, st.ID, "lock is in phase "+string(st.Phase), nil)
			l.metrics.recordCheck(ctx, l.strategy.Name(), err)
			return err
		}
		if !l.clock.Now().Before(st.Grant.ExpiresAt) {
			st.Phase = PhaseExpired
			err := Lost(CodeLockExpired, st.ID, fmt.Sprintf("expired at %s", st.Grant.ExpiresAt.Format(time.RFC3339Nano)), nil)
			l.metrics.recordCheck(ctx, l.strategy.Name(), err)
			logger.Warn("lock.check.expired", "expires_at", st.Grant.ExpiresAt)
			return err
		}
		if err := l.strategy.Check(ctx, st.ID, l.rid, *st); err != nil {
			st.Phase = PhaseLost
			code := CodeLockLost
			if f, ok := AsFailure(err); ok && f.Kind == KindLost {
				code = f.Code
			}
			lost := Lost(code, st.ID, "re-confirmation failed", err)
			l.metrics.recordCheck(ctx, l.strategy.Name(), lost)
			logger.Warn("lock.check.lost", "code", code, "error", err)
			return lost
		}
		st.Phase = PhaseVerified
		l.metrics.recordCheck(ctx, l.strategy.Name(), nil)
		logger.Trace("lock.check.verified")
	}
	return nil
}

// DeleteLocks releases every lock held by tx remotely and locally. It is
// safe to call repeatedly. Release errors are logged and returned joined;
// the local bookkeeping is cleared regardless.
func (l *Locker) DeleteLocks(ctx context.Context, tx *Tx) error {
	ctx = correlation.With(ctx, tx.ID())
	var errs []error
	for _, st := range tx.State().All() {
		logger := l.logger.With("txn", tx.ID(), "lock", st.ID.String())
		if err := l.releaseOne(ctx, tx, st, logger); err != nil {
			errs = append(errs, err)
		}
	}
	tx.State().Clear()
	return errors.Join(errs...)
}

func (l *Locker) releaseOne(ctx context.Context, tx *Tx, st *LockStatus, logger pslog.Logger) error {
	var err error
	if st.Phase != PhaseReleased {
		err = l.strategy.Release(ctx, st.ID, l.rid, *st)
		l.metrics.recordRelease(ctx, l.strategy.Name(), err)
		if err != nil {
			logger.Warn("lock.delete.failed", "error", err)
		} else {
			logger.Debug("lock.delete.released")
		}
	}
	l.mediator.Unlock(st.ID, tx.Holder())
	st.Phase = PhaseReleased
	tx.State().Remove(st.ID)
	return err
}
