// Package memory is an in-process coordination ensemble. Sessions expire on
// the injected clock unless kept alive, taking their nodes with them.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/thinkaurelius/titan-sub001/internal/clock"
	"github.com/thinkaurelius/titan-sub001/internal/ensemble"
)

// Ensemble is the shared service state clients connect to.
type Ensemble struct {
	clock clock.Clock

	mu       sync.Mutex
	seq      int64
	nodes    map[string]*node
	watchers map[string][]chan struct{}
	sessions map[*session]struct{}
}

type node struct {
	path  string
	seq   int64
	data  []byte
	owner *session
}

// New returns an empty ensemble.
func New(clk clock.Clock) *Ensemble {
	return &Ensemble{
		clock:    clock.Ensure(clk),
		nodes:    make(map[string]*node),
		watchers: make(map[string][]chan struct{}),
		sessions: make(map[*session]struct{}),
	}
}

// Connect opens a client whose session expires ttl after the last KeepAlive.
func (e *Ensemble) Connect(ttl time.Duration) *Client {
	s := &session{ttl: ttl, done: make(chan struct{})}
	e.mu.Lock()
	s.deadline = e.clock.Now().Add(ttl)
	e.sessions[s] = struct{}{}
	e.mu.Unlock()
	return &Client{ens: e, sess: s}
}

// NodeCount returns the number of live nodes.
func (e *Ensemble) NodeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reapLocked()
	return len(e.nodes)
}

// reapLocked expires sessions whose deadline passed and removes their nodes.
func (e *Ensemble) reapLocked() {
	now := e.clock.Now()
	for s := range e.sessions {
		if s.ttl > 0 && !now.Before(s.deadline) {
			e.expireLocked(s)
		}
	}
}

func (e *Ensemble) expireLocked(s *session) {
	if s.expired {
		return
	}
	s.expired = true
	close(s.done)
	delete(e.sessions, s)
	for path, n := range e.nodes {
		if n.owner == s {
			e.deleteLocked(path)
		}
	}
}

func (e *Ensemble) deleteLocked(path string) {
	delete(e.nodes, path)
	for _, ch := range e.watchers[path] {
		close(ch)
	}
	delete(e.watchers, path)
}

type session struct {
	ttl      time.Duration
	deadline time.Time
	expired  bool
	done     chan struct{}
}

// Client implements ensemble.Client and ensemble.DeleteWatcher.
type Client struct {
	ens  *Ensemble
	sess *session
}

var (
	_ ensemble.Client        = (*Client)(nil)
	_ ensemble.DeleteWatcher = (*Client)(nil)
)

func (c *Client) live() error {
	c.ens.reapLocked()
	if c.sess.expired {
		return ensemble.ErrSessionExpired
	}
	return nil
}

// CreateSequential implements ensemble.Client.
func (c *Client) CreateSequential(ctx context.Context, dir string, data []byte) (ensemble.Node, error) {
	if err := ctx.Err(); err != nil {
		return ensemble.Node{}, err
	}
	c.ens.mu.Lock()
	defer c.ens.mu.Unlock()
	if err := c.live(); err != nil {
		return ensemble.Node{}, err
	}
	c.ens.seq++
	n := &node{
		path:  ensemble.Join(dir, fmt.Sprintf("n-%010d", c.ens.seq)),
		seq:   c.ens.seq,
		data:  append([]byte(nil), data...),
		owner: c.sess,
	}
	c.ens.nodes[n.path] = n
	return ensemble.Node{Path: n.path, Sequence: n.seq, Data: append([]byte(nil), data...)}, nil
}

// Children implements ensemble.Client.
func (c *Client) Children(ctx context.Context, dir string) ([]ensemble.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(ensemble.Join(dir), "/") + "/"
	c.ens.mu.Lock()
	defer c.ens.mu.Unlock()
	if err := c.live(); err != nil {
		return nil, err
	}
	var out []ensemble.Node
	for path, n := range c.ens.nodes {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, ensemble.Node{Path: n.path, Sequence: n.seq, Data: append([]byte(nil), n.data...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Delete implements ensemble.Client.
func (c *Client) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.ens.mu.Lock()
	defer c.ens.mu.Unlock()
	if err := c.live(); err != nil {
		return err
	}
	if _, ok := c.ens.nodes[path]; !ok {
		return ensemble.ErrNoNode
	}
	c.ens.deleteLocked(path)
	return nil
}

// Exists implements ensemble.Client.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.ens.mu.Lock()
	defer c.ens.mu.Unlock()
	if err := c.live(); err != nil {
		return false, err
	}
	_, ok := c.ens.nodes[path]
	return ok, nil
}

// WatchDelete implements ensemble.DeleteWatcher.
func (c *Client) WatchDelete(ctx context.Context, path string) (<-chan struct{}, error) {
	c.ens.mu.Lock()
	defer c.ens.mu.Unlock()
	if err := c.live(); err != nil {
		return nil, err
	}
	ch := make(chan struct{})
	if _, ok := c.ens.nodes[path]; !ok {
		close(ch)
		return ch, nil
	}
	c.ens.watchers[path] = append(c.ens.watchers[path], ch)
	return ch, nil
}

// KeepAlive extends the session by its TTL.
func (c *Client) KeepAlive() error {
	c.ens.mu.Lock()
	defer c.ens.mu.Unlock()
	if err := c.live(); err != nil {
		return err
	}
	c.sess.deadline = c.ens.clock.Now().Add(c.sess.ttl)
	return nil
}

// Expire ends the session immediately, as a network partition would.
func (c *Client) Expire() {
	c.ens.mu.Lock()
	defer c.ens.mu.Unlock()
	c.ens.expireLocked(c.sess)
}

// Session implements ensemble.Client.
func (c *Client) Session() ensemble.Session { return sessionView{c: c} }

// Close ends the session and removes its nodes.
func (c *Client) Close() error {
	c.Expire()
	return nil
}

type sessionView struct {
	c *Client
}

func (v sessionView) Done() <-chan struct{} {
	v.c.ens.mu.Lock()
	defer v.c.ens.mu.Unlock()
	v.c.ens.reapLocked()
	return v.c.sess.done
}

func (v sessionView) Err() error {
	v.c.ens.mu.Lock()
	defer v.c.ens.mu.Unlock()
	return v.c.live()
}
