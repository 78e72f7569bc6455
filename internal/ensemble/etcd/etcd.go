// Package etcd adapts an etcd v3 cluster to the ensemble.Client contract.
// Nodes are keys attached to the client's session lease; the key's create
// revision serves as its sequence number.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"pkt.systems/pslog"

	"github.com/thinkaurelius/titan-sub001/internal/ensemble"
	"github.com/thinkaurelius/titan-sub001/internal/loggingutil"
	"github.com/thinkaurelius/titan-sub001/internal/uuidv7"
)

// Defaults.
const (
	DefaultDialTimeout = 5 * time.Second
	DefaultSessionTTL  = 10 * time.Second
)

// Config configures the adapter.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// SessionTTL bounds how long nodes outlive a crashed client.
	SessionTTL time.Duration
	Username   string
	Password   string
	Logger     pslog.Logger
}

// Client implements ensemble.Client and ensemble.DeleteWatcher.
type Client struct {
	cli    *clientv3.Client
	sess   *concurrency.Session
	logger pslog.Logger
}

var (
	_ ensemble.Client        = (*Client)(nil)
	_ ensemble.DeleteWatcher = (*Client)(nil)
)

// Dial connects to the cluster and opens a session lease.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd: at least one endpoint required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	ttl := int(cfg.SessionTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "ensemble.etcd")
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Context:     ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd: connect: %w", err)
	}
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl), concurrency.WithContext(ctx))
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("etcd: open session: %w", classify(err))
	}
	logger.Info("ensemble.etcd.connected", "endpoints", strings.Join(cfg.Endpoints, ","), "lease", int64(sess.Lease()), "ttl_seconds", ttl)
	return &Client{cli: cli, sess: sess, logger: logger}, nil
}

// CreateSequential implements ensemble.Client.
func (c *Client) CreateSequential(ctx context.Context, dir string, data []byte) (ensemble.Node, error) {
	if err := c.Session().Err(); err != nil {
		return ensemble.Node{}, err
	}
	path := ensemble.Join(dir, uuidv7.Compact())
	resp, err := c.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, string(data), clientv3.WithLease(c.sess.Lease()))).
		Commit()
	if err != nil {
		return ensemble.Node{}, classify(err)
	}
	if !resp.Succeeded {
		return ensemble.Node{}, ensemble.NewTransientError(fmt.Errorf("etcd: node %s already exists", path))
	}
	c.logger.Trace("ensemble.etcd.create", "path", path, "revision", resp.Header.Revision)
	return ensemble.Node{Path: path, Sequence: resp.Header.Revision, Data: append([]byte(nil), data...)}, nil
}

// Children implements ensemble.Client.
func (c *Client) Children(ctx context.Context, dir string) ([]ensemble.Node, error) {
	prefix := strings.TrimSuffix(ensemble.Join(dir), "/") + "/"
	resp, err := c.cli.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend),
	)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]ensemble.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		if strings.Contains(rest, "/") {
			continue
		}
		out = append(out, ensemble.Node{Path: string(kv.Key), Sequence: kv.CreateRevision, Data: kv.Value})
	}
	return out, nil
}

// Delete implements ensemble.Client.
func (c *Client) Delete(ctx context.Context, path string) error {
	resp, err := c.cli.Delete(ctx, path)
	if err != nil {
		return classify(err)
	}
	if resp.Deleted == 0 {
		return ensemble.ErrNoNode
	}
	return nil
}

// Exists implements ensemble.Client.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	resp, err := c.cli.Get(ctx, path, clientv3.WithCountOnly())
	if err != nil {
		return false, classify(err)
	}
	return resp.Count > 0, nil
}

// WatchDelete implements ensemble.DeleteWatcher.
func (c *Client) WatchDelete(ctx context.Context, path string) (<-chan struct{}, error) {
	resp, err := c.cli.Get(ctx, path, clientv3.WithCountOnly())
	if err != nil {
		return nil, classify(err)
	}
	ch := make(chan struct{})
	if resp.Count == 0 {
		close(ch)
		return ch, nil
	}
	wch := c.cli.Watch(ctx, path, clientv3.WithRev(resp.Header.Revision+1), clientv3.WithFilterPut())
	go func() {
		defer close(ch)
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				c.logger.Debug("ensemble.etcd.watch_error", "path", path, "error", err)
				return
			}
			for _, ev := range wresp.Events {
				if ev.Type == clientv3.EventTypeDelete {
					return
				}
			}
		}
	}()
	return ch, nil
}

// Session implements ensemble.Client.
func (c *Client) Session() ensemble.Session { return session{s: c.sess} }

// Close revokes the session lease, removing every node it owns.
func (c *Client) Close() error {
	var errs []error
	if err := c.sess.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.cli.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type session struct {
	s *concurrency.Session
}

func (s session) Done() <-chan struct{} { return s.s.Done() }

func (s session) Err() error {
	select {
	case <-s.s.Done():
		return ensemble.ErrSessionExpired
	default:
		return nil
	}
}

// classify marks errors a retry may cure as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, clientv3.ErrNoAvailableEndpoints) {
		return ensemble.NewTransientError(err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return ensemble.NewTransientError(err)
	}
	return err
}
