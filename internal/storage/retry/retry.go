// Package retry wraps a storage.Store so transient backend errors are
// retried with exponential backoff before reaching the lock protocol.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/thinkaurelius/titan-sub001/internal/clock"
	"github.com/thinkaurelius/titan-sub001/internal/loggingutil"
	"github.com/thinkaurelius/titan-sub001/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a store that retries transient errors according to cfg.
func Wrap(inner storage.Store, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Store {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return &store{
		inner:  inner,
		logger: loggingutil.WithSubsystem(logger, "storage.retry"),
		clock:  clock.Ensure(clk),
		cfg:    cfg,
	}
}

type store struct {
	inner  storage.Store
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (s *store) WriteColumn(ctx context.Context, name string, key, column, value []byte) error {
	return s.withRetry(ctx, "write_column", name, key, func(ctx context.Context) error {
		return s.inner.WriteColumn(ctx, name, key, column, value)
	})
}

func (s *store) ReadRow(ctx context.Context, name string, key []byte) ([]storage.Entry, error) {
	var entries []storage.Entry
	err := s.withRetry(ctx, "read_row", name, key, func(ctx context.Context) error {
		var err error
		entries, err = s.inner.ReadRow(ctx, name, key)
		return err
	})
	return entries, err
}

func (s *store) DeleteColumn(ctx context.Context, name string, key, column []byte) error {
	return s.withRetry(ctx, "delete_column", name, key, func(ctx context.Context) error {
		return s.inner.DeleteColumn(ctx, name, key, column)
	})
}

func (s *store) ListRows(ctx context.Context, name string) ([][]byte, error) {
	lister, ok := s.inner.(storage.RowLister)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	var keys [][]byte
	err := s.withRetry(ctx, "list_rows", name, nil, func(ctx context.Context) error {
		var err error
		keys, err = lister.ListRows(ctx, name)
		return err
	})
	return keys, err
}

func (s *store) SubscribeRowChanges(name string, key []byte) (storage.RowChangeSubscription, error) {
	feed, ok := s.inner.(storage.RowChangeFeed)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	return feed.SubscribeRowChanges(name, key)
}

func (s *store) Close() error {
	return s.inner.Close()
}

func (s *store) withRetry(ctx context.Context, op, name string, key []byte, fn func(context.Context) error) error {
	attempts := s.cfg.MaxAttempts
	delay := s.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		s.logger.Warn("storage.transient_error",
			"operation", op,
			"store", name,
			"key", storage.EncodeSegment(key),
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if err := clock.Wait(ctx, s.clock, delay); err != nil {
			return err
		}
		next := time.Duration(float64(delay) * s.cfg.Multiplier)
		if s.cfg.MaxDelay > 0 && next > s.cfg.MaxDelay {
			next = s.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
