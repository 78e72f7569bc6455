package consistentkey

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/thinkaurelius/titan-sub001/internal/storage"
)

type cleanJob struct {
	store  string
	key    []byte
	column []byte
	value  []byte
}

func (j cleanJob) id() string {
	return storage.ColumnObject(j.store, j.key, j.column)
}

// cleaner deletes abandoned claims in the background. A single worker
// drains a bounded queue; duplicate jobs are dropped while one is pending.
type cleaner struct {
	store   storage.Store
	logger  pslog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	queue   chan cleanJob
	stop    chan struct{}
	done    chan struct{}
	started bool
	closed  bool
}

func newCleaner(store storage.Store, logger pslog.Logger, timeout time.Duration) *cleaner {
	return &cleaner{
		store:   store,
		logger:  logger,
		timeout: timeout,
		pending: make(map[string]struct{}),
		queue:   make(chan cleanJob, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// enqueue schedules job unless it is already pending or the queue is full.
func (c *cleaner) enqueue(job cleanJob) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.pending[job.id()]; ok {
		return false
	}
	if !c.started {
		c.started = true
		go c.run()
	}
	select {
	case c.queue <- job:
		c.pending[job.id()] = struct{}{}
		return true
	default:
		return false
	}
}

func (c *cleaner) run() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case job := <-c.queue:
			c.clean(job)
			c.mu.Lock()
			delete(c.pending, job.id())
			c.mu.Unlock()
		}
	}
}

// clean re-reads the row and deletes the column only if it still carries the
// expired value. This is best effort: a claim the same Rid rewrites between
// the read and the delete is removed, and that Rid's next Check reports the
// lock lost.
func (c *cleaner) clean(job cleanJob) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	entries, err := c.store.ReadRow(ctx, job.store, job.key)
	if err != nil {
		c.logger.Debug("claim.clean.read_failed", "store", job.store, "rid", string(job.column), "error", err)
		return
	}
	for _, e := range entries {
		if !bytes.Equal(e.Column, job.column) {
			continue
		}
		if !bytes.Equal(e.Value, job.value) {
			return
		}
		err := c.store.DeleteColumn(ctx, job.store, job.key, job.column)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			c.logger.Debug("claim.clean.delete_failed", "store", job.store, "rid", string(job.column), "error", err)
			return
		}
		c.logger.Debug("claim.clean.deleted", "store", job.store, "rid", string(job.column))
		return
	}
}

func (c *cleaner) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()
	close(c.stop)
	if started {
		<-c.done
	}
}
