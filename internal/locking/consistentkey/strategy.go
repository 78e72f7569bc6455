// Package consistentkey locks by writing timestamped claims as ordinary
// columns into a shared store and electing the earliest unexpired claim.
//
// The guarantee is best-effort: it holds while the settle wait exceeds the
// store's write-to-read visibility delay and clocks agree to well within the
// expiry window.
package consistentkey

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/thinkaurelius/titan-sub001/internal/clock"
	"github.com/thinkaurelius/titan-sub001/internal/correlation"
	"github.com/thinkaurelius/titan-sub001/internal/locking"
	"github.com/thinkaurelius/titan-sub001/internal/loggingutil"
	"github.com/thinkaurelius/titan-sub001/internal/storage"
)

// Name identifies the strategy in configuration and logs.
const Name = "consistent-key"

// DefaultCleanupTimeout bounds best-effort deletes that run detached from
// the caller's context.
const DefaultCleanupTimeout = 5 * time.Second

// Config configures the strategy.
type Config struct {
	Store storage.Store
	// StoreSuffix is appended to LockID.Store to name the lock store.
	StoreSuffix string
	// SettleWait is slept between writing a claim and reading the row back.
	SettleWait time.Duration
	// Expiry is the age after which a claim is treated as abandoned.
	Expiry time.Duration
	// CleanExpired enables background deletion of abandoned claims.
	CleanExpired   bool
	CleanupTimeout time.Duration
	Clock          clock.Clock
	Logger         pslog.Logger
}

// Strategy implements locking.Strategy over a storage.Store.
type Strategy struct {
	store          storage.Store
	suffix         string
	settle         time.Duration
	expiry         time.Duration
	cleanupTimeout time.Duration
	clock          clock.Clock
	logger         pslog.Logger
	cleaner        *cleaner
}

var _ locking.Strategy = (*Strategy)(nil)

// New validates cfg and returns a Strategy.
func New(cfg Config) (*Strategy, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("consistentkey: store required")
	}
	if cfg.SettleWait < 0 {
		return nil, fmt.Errorf("consistentkey: settle wait must not be negative")
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = locking.DefaultExpiry
	}
	if cfg.Expiry <= cfg.SettleWait {
		return nil, fmt.Errorf("consistentkey: expiry %s must exceed settle wait %s", cfg.Expiry, cfg.SettleWait)
	}
	if cfg.StoreSuffix == "" {
		cfg.StoreSuffix = locking.DefaultLockStoreSuffix
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "locking.consistentkey")
	s := &Strategy{
		store:          cfg.Store,
		suffix:         cfg.StoreSuffix,
		settle:         cfg.SettleWait,
		expiry:         cfg.Expiry,
		cleanupTimeout: cfg.CleanupTimeout,
		clock:          clock.Ensure(cfg.Clock),
		logger:         logger,
	}
	if cfg.CleanExpired {
		s.cleaner = newCleaner(cfg.Store, logger, cfg.CleanupTimeout)
	}
	return s, nil
}

// Name implements locking.Strategy.
func (s *Strategy) Name() string { return Name }

// Acquire writes a claim, waits for it to settle, reads every claim back and
// succeeds only if ours is the earliest unexpired one.
func (s *Strategy) Acquire(ctx context.Context, id locking.LockID, rid locking.Rid, expiresAt time.Time) (locking.Grant, error) {
	lockStore, key := id.LockStore(s.suffix), id.LockKey()
	logger := s.logger.With("txn", correlation.ID(ctx), "lock", id.String(), "rid", rid.String())

	ts := s.clock.Now()
	value := EncodeTimestamp(ts)
	if err := s.store.WriteColumn(ctx, lockStore, key, rid, value); err != nil {
		// The write may have landed even though it reported failure.
		s.cleanup(ctx, lockStore, key, rid, logger)
		return locking.Grant{}, s.storageFailure(ctx, id, "write claim", err)
	}
	logger.Trace("claim.written", "ts", ts)

	if err := clock.Wait(ctx, s.clock, s.settle); err != nil {
		s.cleanup(ctx, lockStore, key, rid, logger)
		return locking.Grant{}, locking.Permanent(locking.CodeCanceled, id, "settle wait abandoned", err)
	}

	entries, err := s.store.ReadRow(ctx, lockStore, key)
	if err != nil {
		s.cleanup(ctx, lockStore, key, rid, logger)
		return locking.Grant{}, s.storageFailure(ctx, id, "read claims", err)
	}
	now := s.clock.Now()
	claims, winner, skipped := resolve(entries, now, s.expiry)
	s.logSkipped(logger, skipped)
	s.scheduleCleanup(lockStore, key, entries, claims, rid)

	mine := indexOf(claims, rid, ts)
	if mine < 0 {
		s.cleanup(ctx, lockStore, key, rid, logger)
		logger.Debug("claim.not_visible", "settle", s.settle)
		return locking.Grant{}, locking.Temporary(locking.CodeClaimNotVisible, id,
			fmt.Sprintf("own claim not visible after %s settle wait", s.settle), nil)
	}
	if claims[mine].Expired {
		s.cleanup(ctx, lockStore, key, rid, logger)
		return locking.Grant{}, locking.Temporary(locking.CodeLockExpired, id, "own claim expired before it could be confirmed", nil)
	}
	if winner != mine {
		s.cleanup(ctx, lockStore, key, rid, logger)
		w := claims[winner]
		logger.Debug("claim.lost", "winner", w.Rid.String(), "winner_ts", w.Timestamp)
		return locking.Grant{}, locking.Temporary(locking.CodeClaimLost, id,
			fmt.Sprintf("claim by %s at %s precedes ours", w.Rid, w.Timestamp.Format(time.RFC3339Nano)), nil)
	}

	grant := locking.Grant{AcquiredAt: ts, ExpiresAt: ts.Add(s.expiry), Handle: rid.String()}
	if !expiresAt.IsZero() && expiresAt.Before(grant.ExpiresAt) {
		grant.ExpiresAt = expiresAt
	}
	logger.Debug("claim.won", "ts", ts, "contenders", len(claims))
	return grant, nil
}

// Check re-reads the row and confirms our claim, with the timestamp recorded
// at acquisition, is present, unexpired and still the winner.
func (s *Strategy) Check(ctx context.Context, id locking.LockID, rid locking.Rid, status locking.LockStatus) error {
	entries, err := s.store.ReadRow(ctx, id.LockStore(s.suffix), id.LockKey())
	if err != nil {
		return s.storageFailure(ctx, id, "read claims", err)
	}
	claims, winner, _ := resolve(entries, s.clock.Now(), s.expiry)
	mine := indexOf(claims, rid, status.Grant.AcquiredAt)
	switch {
	case mine < 0:
		return locking.Lost(locking.CodeLockLost, id, "claim no longer present", nil)
	case claims[mine].Expired:
		return locking.Lost(locking.CodeLockExpired, id, "claim expired", nil)
	case winner != mine:
		return locking.Lost(locking.CodeClaimLost, id, "claim by "+claims[winner].Rid.String()+" now precedes ours", nil)
	}
	return nil
}

// Release deletes our claim. A missing claim counts as released.
func (s *Strategy) Release(ctx context.Context, id locking.LockID, rid locking.Rid, _ locking.LockStatus) error {
	err := s.store.DeleteColumn(ctx, id.LockStore(s.suffix), id.LockKey(), rid)
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return s.storageFailure(ctx, id, "delete claim", err)
}

// Claims lists the decoded claims currently visible for id.
func (s *Strategy) Claims(ctx context.Context, id locking.LockID) ([]Claim, error) {
	entries, err := s.store.ReadRow(ctx, id.LockStore(s.suffix), id.LockKey())
	if err != nil {
		return nil, err
	}
	claims, _, _ := resolve(entries, s.clock.Now(), s.expiry)
	return claims, nil
}

// Subscribe returns a change subscription on the claim row of id when the
// store supports it.
func (s *Strategy) Subscribe(id locking.LockID) (storage.RowChangeSubscription, error) {
	feed, ok := s.store.(storage.RowChangeFeed)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	return feed.SubscribeRowChanges(id.LockStore(s.suffix), id.LockKey())
}

// Close stops the background cleaner. The store is owned by the caller.
func (s *Strategy) Close() error {
	if s.cleaner != nil {
		s.cleaner.close()
	}
	return nil
}

func (s *Strategy) storageFailure(ctx context.Context, id locking.LockID, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return locking.Permanent(locking.CodeCanceled, id, op, errors.Join(ctxErr, err))
	}
	if storage.IsTransient(err) {
		return locking.Temporary(locking.CodeStorageTransient, id, op, err)
	}
	return locking.Permanent(locking.CodeStorageFailure, id, op, err)
}

// cleanup removes our claim using a context detached from cancellation so an
// abandoned acquisition does not strand other contenders.
func (s *Strategy) cleanup(ctx context.Context, store string, key []byte, rid locking.Rid, logger pslog.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanupTimeout)
	defer cancel()
	err := s.store.DeleteColumn(cctx, store, key, rid)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warn("claim.cleanup_failed", "error", err)
	}
}

func (s *Strategy) scheduleCleanup(store string, key []byte, entries []storage.Entry, claims []Claim, self locking.Rid) {
	if s.cleaner == nil {
		return
	}
	for _, c := range claims {
		if !c.Expired || c.Rid.Equal(self) {
			continue
		}
		for _, e := range entries {
			if bytes.Equal(e.Column, c.Rid) {
				if s.cleaner.enqueue(cleanJob{store: store, key: storage.Clone(key), column: storage.Clone(e.Column), value: storage.Clone(e.Value)}) {
					s.logger.Debug("claim.expired", "store", store, "rid", c.Rid.String(), "ts", c.Timestamp)
				}
				break
			}
		}
	}
}

func (s *Strategy) logSkipped(logger pslog.Logger, skipped []storage.Entry) {
	for _, e := range skipped {
		logger.Warn("claim.malformed", "column", storage.EncodeSegment(e.Column), "bytes", len(e.Value))
	}
}

func indexOf(claims []Claim, rid locking.Rid, ts time.Time) int {
	for i, c := range claims {
		if c.Rid.Equal(rid) && c.Timestamp.Equal(ts) {
			return i
		}
	}
	return -1
}
