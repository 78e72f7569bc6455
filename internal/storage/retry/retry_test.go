package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/thinkaurelius/titan-sub001/internal/clock"
	"github.com/thinkaurelius/titan-sub001/internal/storage"
	"github.com/thinkaurelius/titan-sub001/internal/storage/memory"
)

type flakyStore struct {
	storage.Store
	failures int
	err      error
	calls    int
}

func (f *flakyStore) WriteColumn(ctx context.Context, name string, key, column, value []byte) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return f.Store.WriteColumn(ctx, name, key, column, value)
}

func TestRetriesTransientErrors(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	inner := &flakyStore{Store: memory.New(), failures: 2, err: storage.NewTransientError(errors.New("503"))}
	s := Wrap(inner, nil, clk, Config{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 15 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- s.WriteColumn(context.Background(), "locks", []byte("k"), []byte("c"), nil) }()
	clk.BlockUntil(1)
	clk.Advance(10 * time.Millisecond)
	clk.BlockUntil(1)
	clk.Advance(15 * time.Millisecond)
	if err := <-done; err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", inner.calls)
	}
}

func TestDoesNotRetryPermanentErrors(t *testing.T) {
	boom := errors.New("forbidden")
	inner := &flakyStore{Store: memory.New(), failures: 5, err: boom}
	s := Wrap(inner, nil, clock.NewManual(time.Unix(0, 0)), Config{MaxAttempts: 3})
	if err := s.WriteColumn(context.Background(), "locks", []byte("k"), []byte("c"), nil); !errors.Is(err, boom) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("permanent error must not be retried, got %d calls", inner.calls)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flakyStore{Store: memory.New(), failures: 10, err: storage.NewTransientError(errors.New("503"))}
	s := Wrap(inner, nil, clock.Real{}, Config{MaxAttempts: 2, BaseDelay: time.Millisecond})
	err := s.WriteColumn(context.Background(), "locks", []byte("k"), []byte("c"), nil)
	if !storage.IsTransient(err) || inner.calls != 2 {
		t.Fatalf("expected transient error after 2 calls, got %v (%d calls)", err, inner.calls)
	}
}

func TestCapabilitiesPassThrough(t *testing.T) {
	s := Wrap(memory.New(), nil, nil, Config{})
	if _, ok := s.(storage.RowLister); !ok {
		t.Fatalf("expected RowLister")
	}
	sub, err := s.(storage.RowChangeFeed).SubscribeRowChanges("locks", []byte("k"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = sub.Close()
}
