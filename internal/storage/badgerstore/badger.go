// Package badgerstore backs storage.Store with an embedded Badger database.
// Keys are laid out as <store>/<hex key>/<hex column> so a row is a single
// prefix scan.
package badgerstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"
	"pkt.systems/pslog"

	"github.com/thinkaurelius/titan-sub001/internal/loggingutil"
	"github.com/thinkaurelius/titan-sub001/internal/storage"
)

// Config configures the Badger store.
type Config struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// SyncWrites forces an fsync on every commit.
	SyncWrites   bool
	DisableWatch bool
	Logger       pslog.Logger
}

// Store implements storage.Store on Badger.
type Store struct {
	db       *badger.DB
	watch    bool
	watchers storage.Watchers
	closed   atomic.Bool
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if !cfg.InMemory && dir == "" {
		return nil, fmt.Errorf("badgerstore: directory required unless in-memory")
	}
	opts := badger.DefaultOptions(dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{logger: loggingutil.WithSubsystem(cfg.Logger, "storage.badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	return &Store{db: db, watch: !cfg.DisableWatch}, nil
}

// DB exposes the underlying database.
func (s *Store) DB() *badger.DB { return s.db }

func (s *Store) precheck(ctx context.Context, store string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return storage.ValidateStore(store)
}

// WriteColumn implements storage.Store.
func (s *Store) WriteColumn(ctx context.Context, store string, key, column, value []byte) error {
	if err := s.precheck(ctx, store); err != nil {
		return err
	}
	name := []byte(storage.ColumnObject(store, key, column))
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(name, storage.Clone(value))
	})
	if err != nil {
		return classify("write column", err)
	}
	if s.watch {
		s.watchers.Notify(store, key)
	}
	return nil
}

// ReadRow implements storage.Store.
func (s *Store) ReadRow(ctx context.Context, store string, key []byte) ([]storage.Entry, error) {
	if err := s.precheck(ctx, store); err != nil {
		return nil, err
	}
	prefix := []byte(storage.RowPrefix(store, key))
	entries := []storage.Entry{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			column, err := storage.DecodeSegment(string(bytes.TrimPrefix(item.Key(), prefix)))
			if err != nil {
				continue
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, storage.Entry{Column: column, Value: value})
		}
		return nil
	})
	if err != nil {
		return nil, classify("read row", err)
	}
	storage.SortEntries(entries)
	return entries, nil
}

// DeleteColumn implements storage.Store.
func (s *Store) DeleteColumn(ctx context.Context, store string, key, column []byte) error {
	if err := s.precheck(ctx, store); err != nil {
		return err
	}
	name := []byte(storage.ColumnObject(store, key, column))
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(name); err != nil {
			return err
		}
		return txn.Delete(name)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.ErrNotFound
	}
	if err != nil {
		return classify("delete column", err)
	}
	if s.watch {
		s.watchers.Notify(store, key)
	}
	return nil
}

// ListRows implements storage.RowLister.
func (s *Store) ListRows(ctx context.Context, store string) ([][]byte, error) {
	if err := s.precheck(ctx, store); err != nil {
		return nil, err
	}
	prefix := []byte(store + "/")
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		var last string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := string(bytes.TrimPrefix(it.Item().Key(), prefix))
			segment, _, ok := strings.Cut(rest, "/")
			if !ok || segment == last {
				continue
			}
			last = segment
			key, err := storage.DecodeSegment(segment)
			if err != nil {
				continue
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, classify("list rows", err)
	}
	return keys, nil
}

// SubscribeRowChanges implements storage.RowChangeFeed.
func (s *Store) SubscribeRowChanges(store string, key []byte) (storage.RowChangeSubscription, error) {
	if !s.watch {
		return nil, storage.ErrNotImplemented
	}
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	if err := storage.ValidateStore(store); err != nil {
		return nil, err
	}
	return s.watchers.Subscribe(store, key), nil
}

// Close closes the database and every subscription.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.watchers.CloseAll()
	return s.db.Close()
}

func classify(op string, err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return storage.NewTransientError(fmt.Errorf("badgerstore: %s: %w", op, err))
	}
	return fmt.Errorf("badgerstore: %s: %w", op, err)
}

// badgerLogger routes Badger's printf-style output into pslog.
type badgerLogger struct {
	logger pslog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error("badger.error", "detail", strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn("badger.warning", "detail", strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug("badger.info", "detail", strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace("badger.debug", "detail", strings.TrimSpace(fmt.Sprintf(format, args...)))
}
