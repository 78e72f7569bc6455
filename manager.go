package titan

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"

	"github.com/thinkaurelius/titan-sub001/internal/clock"
	"github.com/thinkaurelius/titan-sub001/internal/ensemble"
	"github.com/thinkaurelius/titan-sub001/internal/locking"
	"github.com/thinkaurelius/titan-sub001/internal/locking/consistentkey"
	"github.com/thinkaurelius/titan-sub001/internal/locking/ensemblelock"
	"github.com/thinkaurelius/titan-sub001/internal/loggingutil"
	"github.com/thinkaurelius/titan-sub001/internal/storage"
)

// Option customises a LockManager.
type Option func(*managerOptions)

type managerOptions struct {
	logger    pslog.Logger
	clock     clock.Clock
	mediators *locking.Mediators
	rid       locking.Rid
	store     storage.Store
	ensemble  ensemble.Client
}

// WithLogger routes manager, strategy and storage logs to logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *managerOptions) { o.logger = logger }
}

// WithClock replaces the wall clock. Tests pass a manual clock.
func WithClock(clk Clock) Option {
	return func(o *managerOptions) { o.clock = clk }
}

// WithMediators shares a mediator registry between managers in one process.
func WithMediators(m *Mediators) Option {
	return func(o *managerOptions) { o.mediators = m }
}

// WithRid fixes the process identity instead of deriving one.
func WithRid(rid Rid) Option {
	return func(o *managerOptions) { o.rid = append(locking.Rid(nil), rid...) }
}

// WithStore supplies the backend for the consistent-key strategy instead of
// opening Config.Store. The caller keeps ownership and closes it.
func WithStore(store Store) Option {
	return func(o *managerOptions) { o.store = store }
}

// WithEnsemble supplies the ensemble client for the ensemble strategy
// instead of dialing Config.Ensemble. The caller keeps ownership.
func WithEnsemble(client EnsembleClient) Option {
	return func(o *managerOptions) { o.ensemble = client }
}

// LockManager owns one Locker together with the store or ensemble behind
// its strategy.
type LockManager struct {
	cfg      Config
	logger   pslog.Logger
	clock    clock.Clock
	locker   *locking.Locker
	strategy locking.Strategy
	ck       *consistentkey.Strategy
	store    storage.Store
	closers  []func() error
}

// New validates cfg and assembles a LockManager.
func New(ctx context.Context, cfg Config, opts ...Option) (*LockManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o managerOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := loggingutil.WithSubsystem(o.logger, "titan")
	clk := clock.Ensure(o.clock)
	mediators := o.mediators
	if mediators == nil {
		mediators = locking.NewMediators(clk)
	}
	rid := o.rid
	if len(rid) == 0 {
		rid = locking.NewRid(cfg.LocalMediatorPrefix)
	}

	m := &LockManager{cfg: cfg, logger: logger, clock: clk}
	switch cfg.Strategy {
	case StrategyConsistentKey:
		backend := o.store
		if backend == nil {
			opened, err := OpenStore(cfg, o.logger, clk)
			if err != nil {
				return nil, fmt.Errorf("open store: %w", err)
			}
			backend = opened
			m.closers = append(m.closers, opened.Close)
		}
		m.store = decorateStore(backend, cfg, o.logger, clk)
		strategy, err := consistentkey.New(consistentkey.Config{
			Store:        m.store,
			StoreSuffix:  cfg.LockStoreSuffix,
			SettleWait:   cfg.SettleWait,
			Expiry:       cfg.LockExpiry,
			CleanExpired: cfg.CleanExpiredClaims,
			Clock:        clk,
			Logger:       o.logger,
		})
		if err != nil {
			m.closeAll()
			return nil, err
		}
		m.ck = strategy
		m.strategy = strategy
		m.closers = append([]func() error{strategy.Close}, m.closers...)
	case StrategyEnsemble:
		client := o.ensemble
		if client == nil {
			opened, err := OpenEnsemble(ctx, cfg, o.logger, clk)
			if err != nil {
				return nil, fmt.Errorf("open ensemble: %w", err)
			}
			client = opened
			m.closers = append(m.closers, opened.Close)
		}
		strategy, err := ensemblelock.New(ensemblelock.Config{
			Client:       client,
			Root:         EnsembleRoot(cfg.Ensemble),
			PollInterval: cfg.EnsemblePollInterval,
			MaxWait:      cfg.EnsembleMaxWait,
			VerifyNode:   cfg.EnsembleVerifyOnCheck,
			Clock:        clk,
			Logger:       o.logger,
		})
		if err != nil {
			m.closeAll()
			return nil, err
		}
		m.strategy = strategy
	}

	locker, err := locking.NewLocker(locking.LockerConfig{
		Strategy: m.strategy,
		Mediator: mediators.Get(cfg.LocalMediatorPrefix),
		Rid:      rid,
		Retries:  cfg.LockRetries,
		Wait:     cfg.LockWait,
		Expiry:   cfg.LockExpiry,
		Clock:    clk,
		Logger:   o.logger,
	})
	if err != nil {
		m.closeAll()
		return nil, err
	}
	m.locker = locker
	logger.Info("titan.manager.ready",
		"strategy", cfg.Strategy,
		"store", cfg.Store,
		"ensemble", cfg.Ensemble,
		"rid", rid.String(),
		"mediator", cfg.LocalMediatorPrefix,
		"retries", cfg.LockRetries,
		"wait", cfg.LockWait,
		"expiry", cfg.LockExpiry,
	)
	return m, nil
}

// Config returns the validated configuration.
func (m *LockManager) Config() Config { return m.cfg }

// Rid returns this manager's process identity.
func (m *LockManager) Rid() Rid { return m.locker.Rid() }

// StrategyName reports which strategy resolves contention.
func (m *LockManager) StrategyName() string { return m.strategy.Name() }

// Begin starts a transaction. An empty id is replaced by a generated one.
func (m *LockManager) Begin(id string) *Tx {
	return locking.NewTx(id)
}

// WriteLock acquires id for tx.
func (m *LockManager) WriteLock(ctx context.Context, tx *Tx, id LockID) error {
	return m.locker.WriteLock(ctx, tx, id)
}

// CheckLocks re-confirms every lock tx holds.
func (m *LockManager) CheckLocks(ctx context.Context, tx *Tx) error {
	return m.locker.CheckLocks(ctx, tx)
}

// DeleteLocks releases every lock tx holds.
func (m *LockManager) DeleteLocks(ctx context.Context, tx *Tx) error {
	return m.locker.DeleteLocks(ctx, tx)
}

// Commit re-confirms tx's locks, runs apply only when all of them still
// hold, and then releases them. Release failures are logged and never
// replace the error from verification or apply.
func (m *LockManager) Commit(ctx context.Context, tx *Tx, apply func(context.Context) error) error {
	err := m.locker.CheckLocks(ctx, tx)
	if err == nil && apply != nil {
		err = apply(ctx)
	}
	if relErr := m.release(ctx, tx); relErr != nil {
		m.logger.Warn("titan.commit.release_failed", "txn", tx.ID(), "error", relErr, "primary_error", err)
	}
	if err != nil {
		m.logger.Info("titan.commit.aborted", "txn", tx.ID(), "error", err)
	}
	return err
}

// Rollback releases every lock tx holds without verifying them.
func (m *LockManager) Rollback(ctx context.Context, tx *Tx) error {
	err := m.release(ctx, tx)
	if err != nil {
		m.logger.Warn("titan.rollback.release_failed", "txn", tx.ID(), "error", err)
	}
	return err
}

// release runs DeleteLocks on a context that survives caller cancellation.
func (m *LockManager) release(ctx context.Context, tx *Tx) error {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ReleaseTimeout)
	defer cancel()
	return m.locker.DeleteLocks(relCtx, tx)
}

// Claims lists the decoded claims recorded for id. Only the consistent-key
// strategy keeps claims in a store.
func (m *LockManager) Claims(ctx context.Context, id LockID) ([]Claim, error) {
	if m.ck == nil {
		return nil, storage.ErrNotImplemented
	}
	return m.ck.Claims(ctx, id)
}

// Watch subscribes to changes of id's claim row when the store supports it.
func (m *LockManager) Watch(id LockID) (storage.RowChangeSubscription, error) {
	if m.ck == nil {
		return nil, storage.ErrNotImplemented
	}
	return m.ck.Subscribe(id)
}

// ListLockRows lists the keys of every claim row in store's lock store.
func (m *LockManager) ListLockRows(ctx context.Context, store string) ([][]byte, error) {
	if m.store == nil {
		return nil, storage.ErrNotImplemented
	}
	lister, ok := m.store.(storage.RowLister)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	return lister.ListRows(ctx, store+m.cfg.LockStoreSuffix)
}

// Close stops background work and closes what New opened.
func (m *LockManager) Close() error {
	err := m.closeAll()
	m.logger.Debug("titan.manager.closed", "error", err)
	return err
}

func (m *LockManager) closeAll() error {
	var errs []error
	for _, c := range m.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	return errors.Join(errs...)
}
