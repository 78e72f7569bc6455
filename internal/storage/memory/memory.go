// Package memory provides an in-process storage.Store for tests and local
// development. It can delay write visibility to model an eventually
// consistent backend.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thinkaurelius/titan-sub001/internal/clock"
	"github.com/thinkaurelius/titan-sub001/internal/storage"
)

// Config configures the in-memory store behaviour.
type Config struct {
	// VisibilityDelay postpones when writes and deletes become readable.
	VisibilityDelay time.Duration
	// Clock drives visibility; defaults to clock.Real.
	Clock clock.Clock
	// DisableWatch turns off the row change feed.
	DisableWatch bool
}

// Stats counts calls made against the store.
type Stats struct {
	Writes  int64
	Reads   int64
	Deletes int64
}

// Store implements storage.Store in memory.
type Store struct {
	mu    sync.RWMutex
	rows  map[string]map[string]*column
	delay time.Duration
	clock clock.Clock

	watch    bool
	watchers storage.Watchers
	closed   atomic.Bool

	writes  atomic.Int64
	reads   atomic.Int64
	deletes atomic.Int64
}

type column struct {
	name     []byte
	versions []version
}

type version struct {
	visibleAt time.Time
	value     []byte
	deleted   bool
}

// New returns a store with immediate visibility and change notifications.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns a store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	return &Store{
		rows:  make(map[string]map[string]*column),
		delay: cfg.VisibilityDelay,
		clock: clock.Ensure(cfg.Clock),
		watch: !cfg.DisableWatch,
	}
}

func rowID(store string, key []byte) string {
	return storage.RowPrefix(store, key)
}

// WriteColumn implements storage.Store.
func (s *Store) WriteColumn(ctx context.Context, store string, key, col, value []byte) error {
	if err := s.precheck(ctx, store); err != nil {
		return err
	}
	s.writes.Add(1)
	s.mutate(store, key, col, version{value: storage.Clone(value)})
	return nil
}

// DeleteColumn implements storage.Store.
func (s *Store) DeleteColumn(ctx context.Context, store string, key, col []byte) error {
	if err := s.precheck(ctx, store); err != nil {
		return err
	}
	s.deletes.Add(1)
	s.mu.RLock()
	_, ok := s.visible(store, key, col)
	s.mu.RUnlock()
	if !ok {
		return storage.ErrNotFound
	}
	s.mutate(store, key, col, version{deleted: true})
	return nil
}

// ReadRow implements storage.Store.
func (s *Store) ReadRow(ctx context.Context, store string, key []byte) ([]storage.Entry, error) {
	if err := s.precheck(ctx, store); err != nil {
		return nil, err
	}
	s.reads.Add(1)
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.rows[rowID(store, key)]
	entries := make([]storage.Entry, 0, len(row))
	for _, c := range row {
		if v, ok := c.at(now); ok {
			entries = append(entries, storage.Entry{Column: storage.Clone(c.name), Value: storage.Clone(v)})
		}
	}
	storage.SortEntries(entries)
	return entries, nil
}

// ListRows implements storage.RowLister.
func (s *Store) ListRows(ctx context.Context, store string) ([][]byte, error) {
	if err := s.precheck(ctx, store); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	prefix := store + "/"
	s.mu.RLock()
	ids := make([]string, 0, len(s.rows))
	for id, row := range s.rows {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		for _, c := range row {
			if _, ok := c.at(now); ok {
				ids = append(ids, id)
				break
			}
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	keys := make([][]byte, 0, len(ids))
	for _, id := range ids {
		seg := strings.TrimSuffix(strings.TrimPrefix(id, prefix), "/")
		key, err := storage.DecodeSegment(seg)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// SubscribeRowChanges implements storage.RowChangeFeed.
func (s *Store) SubscribeRowChanges(store string, key []byte) (storage.RowChangeSubscription, error) {
	if !s.watch {
		return nil, storage.ErrNotImplemented
	}
	if err := storage.ValidateStore(store); err != nil {
		return nil, err
	}
	return s.watchers.Subscribe(store, key), nil
}

// Stats returns call counters.
func (s *Store) Stats() Stats {
	return Stats{Writes: s.writes.Load(), Reads: s.reads.Load(), Deletes: s.deletes.Load()}
}

// Close releases change subscriptions. Further calls fail with storage.ErrClosed.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.watchers.CloseAll()
	return nil
}

func (s *Store) precheck(ctx context.Context, store string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return storage.ValidateStore(store)
}

func (s *Store) mutate(store string, key, col []byte, v version) {
	v.visibleAt = s.clock.Now().Add(s.delay)
	id := rowID(store, key)
	s.mu.Lock()
	row := s.rows[id]
	if row == nil {
		row = make(map[string]*column)
		s.rows[id] = row
	}
	c := row[string(col)]
	if c == nil {
		c = &column{name: storage.Clone(col)}
		row[string(col)] = c
	}
	c.versions = append(c.versions, v)
	c.compact(s.clock.Now())
	if len(c.versions) == 1 && c.versions[0].deleted && !c.versions[0].visibleAt.After(s.clock.Now()) {
		delete(row, string(col))
		if len(row) == 0 {
			delete(s.rows, id)
		}
	}
	s.mu.Unlock()
	if s.watch {
		s.watchers.Notify(store, key)
	}
}

// visible reports the newest value of a column regardless of visibility, so a
// writer can always delete what it wrote.
func (s *Store) visible(store string, key, col []byte) ([]byte, bool) {
	row := s.rows[rowID(store, key)]
	if row == nil {
		return nil, false
	}
	c := row[string(col)]
	if c == nil || len(c.versions) == 0 {
		return nil, false
	}
	last := c.versions[len(c.versions)-1]
	return last.value, !last.deleted
}

func (c *column) at(now time.Time) ([]byte, bool) {
	for i := len(c.versions) - 1; i >= 0; i-- {
		v := c.versions[i]
		if v.visibleAt.After(now) {
			continue
		}
		if v.deleted {
			return nil, false
		}
		return v.value, true
	}
	return nil, false
}

// compact drops versions shadowed by a newer visible version.
func (c *column) compact(now time.Time) {
	latest := -1
	for i := len(c.versions) - 1; i >= 0; i-- {
		if !c.versions[i].visibleAt.After(now) {
			latest = i
			break
		}
	}
	if latest > 0 {
		c.versions = append(c.versions[:0], c.versions[latest:]...)
	}
}
