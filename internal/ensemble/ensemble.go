// Package ensemble defines the coordination-service client consumed by the
// ensemble lock strategy: sequential session-bound nodes under a directory.
package ensemble

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNoNode indicates the addressed node does not exist.
	ErrNoNode = errors.New("ensemble: no node")
	// ErrSessionExpired indicates the client's session is gone; every node it
	// created has been or will be removed by the service.
	ErrSessionExpired = errors.New("ensemble: session expired")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ensemble: client closed")
)

// Node is a sequential node.
type Node struct {
	Path     string
	Sequence int64
	Data     []byte
}

// Session exposes the liveness of the client's session.
type Session interface {
	// Done is closed once the session has expired or the client closed.
	Done() <-chan struct{}
	// Err returns nil while the session is alive.
	Err() error
}

// Client is the coordination-ensemble collaborator.
type Client interface {
	// CreateSequential creates a node under dir whose lifetime is bound to
	// the session. Sequence numbers increase monotonically per service.
	CreateSequential(ctx context.Context, dir string, data []byte) (Node, error)
	// Children lists the nodes directly under dir ordered by Sequence.
	Children(ctx context.Context, dir string) ([]Node, error)
	// Delete removes path, returning ErrNoNode when it is absent.
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	Session() Session
	Close() error
}

// DeleteWatcher is implemented by clients able to signal node deletion.
type DeleteWatcher interface {
	// WatchDelete returns a channel closed once path no longer exists. The
	// watch ends when ctx is done.
	WatchDelete(ctx context.Context, path string) (<-chan struct{}, error)
}

// Join builds a slash separated path, dropping empty parts.
func Join(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(p)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
