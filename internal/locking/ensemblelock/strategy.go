// Package ensemblelock locks through a coordination ensemble: every
// contender creates a sequential session-bound node under a per-LockID
// directory and the lowest sequence holds the lock.
package ensemblelock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/thinkaurelius/titan-sub001/internal/clock"
	"github.com/thinkaurelius/titan-sub001/internal/correlation"
	"github.com/thinkaurelius/titan-sub001/internal/ensemble"
	"github.com/thinkaurelius/titan-sub001/internal/locking"
	"github.com/thinkaurelius/titan-sub001/internal/loggingutil"
	"github.com/thinkaurelius/titan-sub001/internal/storage"
)

// Name identifies the strategy in configuration and logs.
const Name = "ensemble"

// Defaults.
const (
	DefaultRoot           = "/titan/locks"
	DefaultPollInterval   = 50 * time.Millisecond
	DefaultCleanupTimeout = 5 * time.Second
)

// Config configures the strategy.
type Config struct {
	Client ensemble.Client
	// Root is the directory under which lock directories are created.
	Root string
	// PollInterval bounds how long to wait between re-reading children when
	// no delete watch is available or fires.
	PollInterval time.Duration
	// MaxWait caps how long Acquire waits to become first in line. Zero
	// waits until the requested expiration.
	MaxWait time.Duration
	// VerifyNode makes Check confirm the node still exists in addition to
	// the session being alive.
	VerifyNode     bool
	CleanupTimeout time.Duration
	Clock          clock.Clock
	Logger         pslog.Logger
}

// Strategy implements locking.Strategy over an ensemble.Client.
type Strategy struct {
	client         ensemble.Client
	root           string
	poll           time.Duration
	maxWait        time.Duration
	verify         bool
	cleanupTimeout time.Duration
	clock          clock.Clock
	logger         pslog.Logger
}

var _ locking.Strategy = (*Strategy)(nil)

// New validates cfg and returns a Strategy.
func New(cfg Config) (*Strategy, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("ensemblelock: ensemble client required")
	}
	if cfg.Root == "" {
		cfg.Root = DefaultRoot
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxWait < 0 {
		return nil, fmt.Errorf("ensemblelock: max wait must not be negative")
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}
	return &Strategy{
		client:         cfg.Client,
		root:           ensemble.Join(cfg.Root),
		poll:           cfg.PollInterval,
		maxWait:        cfg.MaxWait,
		verify:         cfg.VerifyNode,
		cleanupTimeout: cfg.CleanupTimeout,
		clock:          clock.Ensure(cfg.Clock),
		logger:         loggingutil.WithSubsystem(cfg.Logger, "locking.ensemble"),
	}, nil
}

// Name implements locking.Strategy.
func (s *Strategy) Name() string { return Name }

// Dir returns the directory holding the nodes for id.
func (s *Strategy) Dir(id locking.LockID) string {
	return ensemble.Join(s.root, id.Store(), storage.EncodeSegment(id.Key()), storage.EncodeSegment(id.Column()))
}

// Acquire creates a sequential node for id and waits until it is the lowest
// in its directory, or until the deadline derived from expiresAt passes.
func (s *Strategy) Acquire(ctx context.Context, id locking.LockID, rid locking.Rid, expiresAt time.Time) (locking.Grant, error) {
	logger := s.logger.With("txn", correlation.ID(ctx), "lock", id.String(), "rid", rid.String())
	if err := s.client.Session().Err(); err != nil {
		return locking.Grant{}, locking.Permanent(locking.CodeSessionExpired, id, "", err)
	}
	dir := s.Dir(id)
	node, err := s.client.CreateSequential(ctx, dir, rid)
	if err != nil {
		return locking.Grant{}, s.ensembleFailure(ctx, id, "create node", err)
	}
	logger.Trace("ensemble.node.created", "path", node.Path, "seq", node.Sequence)

	deadline := s.deadline(expiresAt)
	for {
		children, err := s.client.Children(ctx, dir)
		if err != nil {
			s.cleanup(ctx, node.Path, logger)
			return locking.Grant{}, s.ensembleFailure(ctx, id, "list nodes", err)
		}
		pos := position(children, node.Path)
		if pos < 0 {
			// Our node vanished, which only happens when the session died.
			return locking.Grant{}, s.sessionLost(id, "node removed while waiting")
		}
		if pos == 0 {
			now := s.clock.Now()
			logger.Debug("ensemble.node.first", "path", node.Path, "seq", node.Sequence)
			exp := expiresAt
			if exp.IsZero() {
				exp = now.Add(locking.DefaultExpiry)
			}
			return locking.Grant{AcquiredAt: now, ExpiresAt: exp, Handle: node.Path}, nil
		}
		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			s.cleanup(ctx, node.Path, logger)
			logger.Debug("ensemble.node.timeout", "path", node.Path, "ahead", pos)
			return locking.Grant{}, locking.Temporary(locking.CodeEnsembleTimeout, id,
				fmt.Sprintf("%d node(s) still ahead at deadline", pos), nil)
		}
		if err := s.waitForPredecessor(ctx, children[pos-1].Path, min(remaining, s.poll)); err != nil {
			s.cleanup(ctx, node.Path, logger)
			if errors.Is(err, ensemble.ErrSessionExpired) {
				return locking.Grant{}, s.sessionLost(id, "session expired while waiting")
			}
			return locking.Grant{}, locking.Permanent(locking.CodeCanceled, id, "wait abandoned", err)
		}
	}
}

// Check confirms the session is alive and, when configured, that the node
// still exists.
func (s *Strategy) Check(ctx context.Context, id locking.LockID, _ locking.Rid, status locking.LockStatus) error {
	if err := s.client.Session().Err(); err != nil {
		return locking.Lost(locking.CodeSessionExpired, id, "", err)
	}
	if !s.verify {
		return nil
	}
	ok, err := s.client.Exists(ctx, status.Grant.Handle)
	if err != nil {
		return s.ensembleFailure(ctx, id, "verify node", err)
	}
	if !ok {
		return locking.Lost(locking.CodeLockLost, id, "node "+status.Grant.Handle+" no longer exists", nil)
	}
	return nil
}

// Release deletes the node. Missing nodes and dead sessions count as
// released since the service removes session nodes itself.
func (s *Strategy) Release(ctx context.Context, id locking.LockID, _ locking.Rid, status locking.LockStatus) error {
	if status.Grant.Handle == "" {
		return nil
	}
	err := s.client.Delete(ctx, status.Grant.Handle)
	if err == nil || errors.Is(err, ensemble.ErrNoNode) || errors.Is(err, ensemble.ErrSessionExpired) {
		return nil
	}
	return s.ensembleFailure(ctx, id, "delete node", err)
}

func (s *Strategy) deadline(expiresAt time.Time) time.Time {
	now := s.clock.Now()
	deadline := expiresAt
	if deadline.IsZero() {
		deadline = now.Add(locking.DefaultExpiry)
	}
	if s.maxWait > 0 && deadline.After(now.Add(s.maxWait)) {
		deadline = now.Add(s.maxWait)
	}
	return deadline
}

// waitForPredecessor returns after d, when the predecessor is deleted, or
// with an error when ctx ends or the session expires.
func (s *Strategy) waitForPredecessor(ctx context.Context, predecessor string, d time.Duration) error {
	var deleted <-chan struct{}
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if w, ok := s.client.(ensemble.DeleteWatcher); ok {
		if ch, err := w.WatchDelete(wctx, predecessor); err == nil {
			deleted = ch
		}
	}
	select {
	case <-deleted:
		return nil
	case <-s.clock.After(d):
		return nil
	case <-s.client.Session().Done():
		return ensemble.ErrSessionExpired
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Strategy) sessionLost(id locking.LockID, detail string) error {
	return locking.Permanent(locking.CodeSessionExpired, id, detail, s.client.Session().Err())
}

func (s *Strategy) ensembleFailure(ctx context.Context, id locking.LockID, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return locking.Permanent(locking.CodeCanceled, id, op, errors.Join(ctxErr, err))
	}
	if errors.Is(err, ensemble.ErrSessionExpired) {
		return locking.Permanent(locking.CodeSessionExpired, id, op, err)
	}
	if ensemble.IsTransient(err) {
		return locking.Temporary(locking.CodeEnsembleTransient, id, op, err)
	}
	return locking.Permanent(locking.CodeEnsembleFailure, id, op, err)
}

func (s *Strategy) cleanup(ctx context.Context, path string, logger pslog.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanupTimeout)
	defer cancel()
	err := s.client.Delete(cctx, path)
	if err != nil && !errors.Is(err, ensemble.ErrNoNode) && !errors.Is(err, ensemble.ErrSessionExpired) {
		logger.Warn("ensemble.node.cleanup_failed", "path", path, "error", err)
	}
}

func position(children []ensemble.Node, path string) int {
	for i, n := range children {
		if n.Path == path {
			return i
		}
	}
	return -1
}
