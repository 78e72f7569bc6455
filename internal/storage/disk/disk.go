// Package disk stores rows as directories and columns as files beneath a
// root directory. Column files are replaced atomically via rename, and row
// directories can be watched with fsnotify.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/thinkaurelius/titan-sub001/internal/storage"
)

const tempPrefix = ".tmp-"

// Config configures the disk store.
type Config struct {
	Root string
	// DisableWatch turns off the fsnotify change feed.
	DisableWatch bool
}

// Store implements storage.Store on the local filesystem.
type Store struct {
	root   string
	watch  bool
	closed atomic.Bool

	mu   sync.Mutex
	subs map[*rowSubscription]struct{}
}

// New prepares root and returns a Store.
func New(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("disk: root directory required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("disk: resolve root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare root %q: %w", abs, err)
	}
	return &Store{root: abs, watch: !cfg.DisableWatch, subs: make(map[*rowSubscription]struct{})}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) rowDir(store string, key []byte) string {
	return filepath.Join(s.root, store, storage.EncodeSegment(key))
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

// WriteColumn implements storage.Store.
func (s *Store) WriteColumn(ctx context.Context, store string, key, column, value []byte) error {
	if err := s.precheck(ctx, store); err != nil {
		return err
	}
	dir := s.rowDir(store, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("disk: prepare row %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("disk: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("disk: write column: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("disk: sync column: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("disk: close column: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, storage.EncodeSegment(column))); err != nil {
		cleanup()
		return fmt.Errorf("disk: commit column: %w", err)
	}
	return nil
}

// ReadRow implements storage.Store.
func (s *Store) ReadRow(ctx context.Context, store string, key []byte) ([]storage.Entry, error) {
	if err := s.precheck(ctx, store); err != nil {
		return nil, err
	}
	dir := s.rowDir(store, key)
	files, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []storage.Entry{}, nil
		}
		return nil, fmt.Errorf("disk: list row %q: %w", dir, err)
	}
	entries := make([]storage.Entry, 0, len(files))
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		column, err := storage.DecodeSegment(name)
		if err != nil {
			continue
		}
		value, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("disk: read column %q: %w", name, err)
		}
		entries = append(entries, storage.Entry{Column: column, Value: value})
	}
	storage.SortEntries(entries)
	return entries, nil
}

// DeleteColumn implements storage.Store.
func (s *Store) DeleteColumn(ctx context.Context, store string, key, column []byte) error {
	if err := s.precheck(ctx, store); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.rowDir(store, key), storage.EncodeSegment(column)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("disk: delete column: %w", err)
	}
	return nil
}

// ListRows implements storage.RowLister. Rows without columns are skipped.
func (s *Store) ListRows(ctx context.Context, store string) ([][]byte, error) {
	if err := s.precheck(ctx, store); err != nil {
		return nil, err
	}
	dirs, err := os.ReadDir(filepath.Join(s.root, store))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("disk: list store %q: %w", store, err)
	}
	names := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d.IsDir() {
			names = append(names, d.Name())
		}
	}
	sort.Strings(names)
	var keys [][]byte
	for _, name := range names {
		key, err := storage.DecodeSegment(name)
		if err != nil {
			continue
		}
		entries, err := s.ReadRow(ctx, store, key)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// SubscribeRowChanges implements storage.RowChangeFeed using fsnotify.
func (s *Store) SubscribeRowChanges(store string, key []byte) (storage.RowChangeSubscription, error) {
	if !s.watch {
		return nil, storage.ErrNotImplemented
	}
	if err := storage.ValidateStore(store); err != nil {
		return nil, err
	}
	dir := s.rowDir(store, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare row directory %q: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: create row watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("disk: watch row directory %q: %w", dir, err)
	}
	sub := &rowSubscription{
		owner:   s,
		watcher: watcher,
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	go sub.run()
	return sub, nil
}

// Close stops every watcher.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	subs := make([]*rowSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

type rowSubscription struct {
	owner   *Store
	watcher *fsnotify.Watcher
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func (r *rowSubscription) Events() <-chan struct{} {
	return r.events
}

func (r *rowSubscription) Close() error {
	r.once.Do(func() {
		close(r.stop)
		r.watcher.Close()
		r.owner.mu.Lock()
		delete(r.owner.subs, r)
		r.owner.mu.Unlock()
	})
	return nil
}

func (r *rowSubscription) run() {
	defer close(r.events)
	for {
		select {
		case <-r.stop:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if strings.HasPrefix(filepath.Base(ev.Name), tempPrefix) {
				continue
			}
			r.signal()
		case _, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.signal()
		}
	}
}

func (r *rowSubscription) signal() {
	select {
	case r.events <- struct{}{}:
	default:
	}
}
