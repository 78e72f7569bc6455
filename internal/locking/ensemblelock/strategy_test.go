package ensemblelock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thinkaurelius/titan-sub001/internal/clock"
	"github.com/thinkaurelius/titan-sub001/internal/ensemble/memory"
	"github.com/thinkaurelius/titan-sub001/internal/locking"
)

var lockID = locking.NewLockID("edgestore", []byte("k1"), []byte("c1"))

func newStrategy(t *testing.T, client *memory.Client, clk clock.Clock, maxWait time.Duration) *Strategy {
	t.Helper()
	s, err := New(Config{Client: client, Clock: clk, MaxWait: maxWait, VerifyNode: true})
	if err != nil {
		t.Fatalf("new strategy: %v", err)
	}
	return s
}

func TestAcquireCheckRelease(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(0, 0))
	ens := memory.New(clk)
	client := ens.Connect(0)
	s := newStrategy(t, client, clk, time.Second)

	grant, err := s.Acquire(ctx, lockID, locking.Rid("A"), clk.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if grant.Handle == "" || !grant.ExpiresAt.Equal(clk.Now().Add(5*time.Second)) {
		t.Fatalf("unexpected grant %+v", grant)
	}
	if want := "/titan/locks/edgestore/6b31/6331"; len(grant.Handle) <= len(want) || grant.Handle[:len(want)] != want {
		t.Fatalf("node %q not under %q", grant.Handle, want)
	}
	status := locking.LockStatus{ID: lockID, Grant: grant, Phase: locking.PhaseHeld}
	if err := s.Check(ctx, lockID, locking.Rid("A"), status); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := s.Release(ctx, lockID, locking.Rid("A"), status); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.Release(ctx, lockID, locking.Rid("A"), status); err != nil {
		t.Fatalf("second release must be a no-op: %v", err)
	}
	if err := s.Check(ctx, lockID, locking.Rid("A"), status); !locking.IsLockLost(err) {
		t.Fatalf("check after release should report lost, got %v", err)
	}
}

func TestWaiterProceedsWhenPredecessorReleases(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(0, 0))
	ens := memory.New(clk)
	a := newStrategy(t, ens.Connect(0), clk, time.Minute)
	b := newStrategy(t, ens.Connect(0), clk, time.Minute)

	grantA, err := a.Acquire(ctx, lockID, locking.Rid("A"), clk.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("A acquire: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := b.Acquire(ctx, lockID, locking.Rid("B"), clk.Now().Add(time.Hour))
		done <- err
	}()
	clk.BlockUntil(1)
	select {
	case err := <-done:
		t.Fatalf("B must wait while A holds the lock, got %v", err)
	default:
	}
	if err := a.Release(ctx, lockID, locking.Rid("A"), locking.LockStatus{Grant: grantA}); err != nil {
		t.Fatalf("A release: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("B acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("B was not woken by A's release")
	}
}

func TestAcquireTimesOutAndRemovesNode(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(0, 0))
	ens := memory.New(clk)
	a := newStrategy(t, ens.Connect(0), clk, time.Second)
	b := newStrategy(t, ens.Connect(0), clk, time.Second)

	if _, err := a.Acquire(ctx, lockID, locking.Rid("A"), clk.Now().Add(time.Hour)); err != nil {
		t.Fatalf("A acquire: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := b.Acquire(ctx, lockID, locking.Rid("B"), clk.Now().Add(time.Hour))
		done <- err
	}()
	clk.BlockUntil(1)
	clk.Advance(2 * time.Second)
	err := <-done
	if !locking.IsTemporary(err) || locking.FailureCode(err) != locking.CodeEnsembleTimeout {
		t.Fatalf("expected temporary timeout, got %v", err)
	}
	if n := ens.NodeCount(); n != 1 {
		t.Fatalf("timed out node must be removed, %d nodes remain", n)
	}
}

func TestExpiredSessionReleasesLock(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(0, 0))
	ens := memory.New(clk)
	crashed := ens.Connect(5 * time.Second)
	a := newStrategy(t, crashed, clk, 0)
	b := newStrategy(t, ens.Connect(0), clk, 0)

	grantA, err := a.Acquire(ctx, lockID, locking.Rid("A"), clk.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("A acquire: %v", err)
	}
	clk.Advance(6 * time.Second)
	if _, err := b.Acquire(ctx, lockID, locking.Rid("B"), clk.Now().Add(5*time.Second)); err != nil {
		t.Fatalf("B should acquire once A's session expired: %v", err)
	}
	err = a.Check(ctx, lockID, locking.Rid("A"), locking.LockStatus{Grant: grantA})
	if !locking.IsLockLost(err) || locking.FailureCode(err) != locking.CodeSessionExpired {
		t.Fatalf("expected session_expired lost, got %v", err)
	}
	if _, err := a.Acquire(ctx, lockID, locking.Rid("A"), clk.Now().Add(time.Second)); !locking.IsPermanent(err) {
		t.Fatalf("acquire on an expired session must be permanent, got %v", err)
	}
	if err := a.Release(ctx, lockID, locking.Rid("A"), locking.LockStatus{Grant: grantA}); err != nil {
		t.Fatalf("release after session loss must succeed: %v", err)
	}
}

func TestCanceledAcquireRemovesNode(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	ens := memory.New(clk)
	a := newStrategy(t, ens.Connect(0), clk, 0)
	b := newStrategy(t, ens.Connect(0), clk, 0)
	if _, err := a.Acquire(context.Background(), lockID, locking.Rid("A"), clk.Now().Add(time.Hour)); err != nil {
		t.Fatalf("A acquire: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Acquire(ctx, lockID, locking.Rid("B"), clk.Now().Add(time.Hour))
		done <- err
	}()
	clk.BlockUntil(1)
	cancel()
	if err := <-done; locking.FailureCode(err) != locking.CodeCanceled {
		t.Fatalf("expected canceled, got %v", err)
	}
	if n := ens.NodeCount(); n != 1 {
		t.Fatalf("abandoned node must be removed, %d nodes remain", n)
	}
}

func TestMutualExclusionUnderContention(t *testing.T) {
	ens := memory.New(nil)
	const workers = 5
	var holders, maxHolders, granted atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			s, err := New(Config{Client: ens.Connect(0), PollInterval: time.Millisecond, MaxWait: 5 * time.Second})
			if err != nil {
				t.Errorf("new: %v", err)
				return
			}
			locker, err := locking.NewLocker(locking.LockerConfig{
				Strategy: s,
				Mediator: locking.NewLocalLockMediator(fmt.Sprintf("proc-%d", w), nil),
				Rid:      locking.RidFromString(fmt.Sprintf("proc-%d", w)),
				Retries:  5,
				Wait:     time.Millisecond,
				Expiry:   time.Minute,
			})
			if err != nil {
				t.Errorf("locker: %v", err)
				return
			}
			for round := 0; round < 3; round++ {
				tx := locking.NewTx("")
				if err := locker.WriteLock(context.Background(), tx, lockID); err != nil {
					t.Errorf("worker %d: %v", w, err)
					return
				}
				n := holders.Add(1)
				for {
					cur := maxHolders.Load()
					if n <= cur || maxHolders.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				holders.Add(-1)
				if err := locker.CheckLocks(context.Background(), tx); err != nil {
					t.Errorf("worker %d check: %v", w, err)
				}
				_ = locker.DeleteLocks(context.Background(), tx)
				granted.Add(1)
			}
		}(w)
	}
	wg.Wait()
	if maxHolders.Load() > 1 {
		t.Fatalf("observed %d simultaneous holders", maxHolders.Load())
	}
	if granted.Load() != workers*3 {
		t.Fatalf("expected %d grants, got %d", workers*3, granted.Load())
	}
}
