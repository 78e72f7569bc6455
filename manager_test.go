package titan

import (
	"context"
	"errors"
	"testing"
	"time"

	memensemble "github.com/thinkaurelius/titan-sub001/internal/ensemble/memory"
	"github.com/thinkaurelius/titan-sub001/internal/locking"
	"github.com/thinkaurelius/titan-sub001/internal/storage"
	"github.com/thinkaurelius/titan-sub001/internal/storage/memory"
)

var edgeLock = NewLockID("edgestore", []byte("v42"), []byte("out"))

func fastConfig() Config {
	return Config{
		Store:       "mem://",
		LockRetries: 2,
		LockWait:    2 * time.Millisecond,
		LockExpiry:  5 * time.Second,
	}
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) *LockManager {
	t.Helper()
	mgr, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func TestManagerCommitAppliesAndReleases(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	mgr := newTestManager(t, fastConfig(), WithStore(store), WithRid(Rid("proc-a")))

	tx := mgr.Begin("tx-1")
	if err := mgr.WriteLock(ctx, tx, edgeLock); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	claims, err := mgr.Claims(ctx, edgeLock)
	if err != nil {
		t.Fatalf("claims: %v", err)
	}
	if len(claims) != 1 || !claims[0].Winner || string(claims[0].Rid) != "proc-a" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	rows, err := mgr.ListLockRows(ctx, "edgestore")
	if err != nil || len(rows) != 1 || string(rows[0]) != string(edgeLock.LockKey()) {
		t.Fatalf("unexpected lock rows %q err=%v", rows, err)
	}

	applied := false
	if err := mgr.Commit(ctx, tx, func(context.Context) error {
		applied = true
		return nil
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !applied {
		t.Fatal("expected apply to run")
	}
	if tx.State().Len() != 0 {
		t.Fatalf("expected empty locker state after commit, got %d", tx.State().Len())
	}
	claims, _ = mgr.Claims(ctx, edgeLock)
	if len(claims) != 0 {
		t.Fatalf("expected claims released, got %+v", claims)
	}
}

func TestManagerCommitPropagatesApplyError(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, fastConfig(), WithStore(memory.New()))
	tx := mgr.Begin("")
	if tx.ID() == "" {
		t.Fatal("expected generated transaction id")
	}
	if err := mgr.WriteLock(ctx, tx, edgeLock); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	boom := errors.New("boom")
	if err := mgr.Commit(ctx, tx, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected apply error, got %v", err)
	}
	if claims, _ := mgr.Claims(ctx, edgeLock); len(claims) != 0 {
		t.Fatalf("locks must be released after failed apply, got %+v", claims)
	}
}

func TestManagerLocalContentionShortCircuits(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	mgr := newTestManager(t, fastConfig(), WithStore(store))

	t1 := mgr.Begin("tx-1")
	t2 := mgr.Begin("tx-2")
	if err := mgr.WriteLock(ctx, t1, edgeLock); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	writes := store.Stats().Writes
	err := mgr.WriteLock(ctx, t2, edgeLock)
	if !IsTemporary(err) || locking.FailureCode(err) != locking.CodeLocalContention {
		t.Fatalf("expected local contention, got %v", err)
	}
	if got := store.Stats().Writes; got != writes {
		t.Fatalf("local denial must not touch the store (%d -> %d writes)", writes, got)
	}
	if err := mgr.Rollback(ctx, t1); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := mgr.WriteLock(ctx, t2, edgeLock); err != nil {
		t.Fatalf("lock after rollback: %v", err)
	}
}

func TestManagerTransactionsSharingAnIDStayExclusive(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	mgr := newTestManager(t, fastConfig(), WithStore(store))

	t1 := mgr.Begin("order-42")
	t2 := mgr.Begin("order-42")
	if t1.Holder() == t2.Holder() {
		t.Fatalf("transactions with the same id must not share a holder token")
	}
	if err := mgr.WriteLock(ctx, t1, edgeLock); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	err := mgr.WriteLock(ctx, t2, edgeLock)
	if locking.FailureCode(err) != locking.CodeLocalContention {
		t.Fatalf("expected local contention for second tx, got %v", err)
	}
	if err := mgr.Rollback(ctx, t2); err != nil {
		t.Fatalf("rollback of denied tx: %v", err)
	}
	if err := mgr.CheckLocks(ctx, t1); err != nil {
		t.Fatalf("first tx must still hold its lock after the other rolled back: %v", err)
	}
	if err := mgr.WriteLock(ctx, t2, edgeLock); locking.FailureCode(err) != locking.CodeLocalContention {
		t.Fatalf("denied tx must not have released the holder's mediator entry, got %v", err)
	}
	if err := mgr.Rollback(ctx, t1); err != nil {
		t.Fatalf("rollback: %v", err)
	}
}

func TestManagerSharedMediatorsAcrossManagers(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	mediators := NewMediators(nil)
	a := newTestManager(t, fastConfig(), WithStore(store), WithMediators(mediators))
	b := newTestManager(t, fastConfig(), WithStore(store), WithMediators(mediators))

	if err := a.WriteLock(ctx, a.Begin("tx-a"), edgeLock); err != nil {
		t.Fatalf("a lock: %v", err)
	}
	err := b.WriteLock(ctx, b.Begin("tx-b"), edgeLock)
	if locking.FailureCode(err) != locking.CodeLocalContention {
		t.Fatalf("expected local contention through the shared mediator, got %v", err)
	}
}

func TestManagerRemoteContentionExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	a := newTestManager(t, fastConfig(), WithStore(store), WithRid(Rid("proc-a")))
	b := newTestManager(t, fastConfig(), WithStore(store), WithRid(Rid("proc-b")))

	if err := a.WriteLock(ctx, a.Begin("tx-a"), edgeLock); err != nil {
		t.Fatalf("a lock: %v", err)
	}
	txB := b.Begin("tx-b")
	err := b.WriteLock(ctx, txB, edgeLock)
	if !IsPermanent(err) || locking.FailureCode(err) != locking.CodeRetriesExhausted {
		t.Fatalf("expected retries exhausted, got %v", err)
	}
	if txB.State().Len() != 0 {
		t.Fatal("failed acquisition must not be recorded")
	}
	claims, err := a.Claims(ctx, edgeLock)
	if err != nil {
		t.Fatalf("claims: %v", err)
	}
	if len(claims) != 1 || string(claims[0].Rid) != "proc-a" {
		t.Fatalf("loser must withdraw its claim, got %+v", claims)
	}
}

func TestManagerCommitSkipsApplyAfterExpiry(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.LockExpiry = 60 * time.Millisecond
	mgr := newTestManager(t, cfg, WithStore(memory.New()))

	tx := mgr.Begin("tx-slow")
	if err := mgr.WriteLock(ctx, tx, edgeLock); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	applied := false
	err := mgr.Commit(ctx, tx, func(context.Context) error {
		applied = true
		return nil
	})
	if !IsLockLost(err) || locking.FailureCode(err) != locking.CodeLockExpired {
		t.Fatalf("expected expired lock, got %v", err)
	}
	if applied {
		t.Fatal("pending writes must not be applied once a lock expired")
	}
	if tx.State().Len() != 0 {
		t.Fatal("commit must clear locker state")
	}
}

func TestManagerAbandonedClaimIsReclaimed(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cfg := fastConfig()
	cfg.LockExpiry = 60 * time.Millisecond
	crashed := newTestManager(t, cfg, WithStore(store), WithRid(Rid("proc-crashed")))
	if err := crashed.WriteLock(ctx, crashed.Begin("tx-lost"), edgeLock); err != nil {
		t.Fatalf("crashed lock: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	b := newTestManager(t, cfg, WithStore(store), WithRid(Rid("proc-b")))
	tx := b.Begin("tx-b")
	if err := b.WriteLock(ctx, tx, edgeLock); err != nil {
		t.Fatalf("expected abandoned claim to be superseded, got %v", err)
	}
	if err := b.CheckLocks(ctx, tx); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := b.DeleteLocks(ctx, tx); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestManagerDeleteLocksIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, fastConfig(), WithStore(memory.New()))
	tx := mgr.Begin("tx-1")
	if err := mgr.WriteLock(ctx, tx, edgeLock); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := mgr.DeleteLocks(ctx, tx); err != nil {
			t.Fatalf("delete #%d: %v", i+1, err)
		}
	}
	if err := mgr.CheckLocks(ctx, tx); err != nil {
		t.Fatalf("check with no locks should succeed, got %v", err)
	}
}

func TestManagerWatchSignalsClaimChanges(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	a := newTestManager(t, fastConfig(), WithStore(store))
	b := newTestManager(t, fastConfig(), WithStore(store))

	sub, err := a.Watch(edgeLock)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Close()
	if err := b.WriteLock(ctx, b.Begin("tx-b"), edgeLock); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change event for the claim row")
	}
}

func TestManagerOpensConfiguredStore(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.Store = "badger+mem://"
	mgr, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	tx := mgr.Begin("tx-1")
	if err := mgr.WriteLock(ctx, tx, edgeLock); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	if err := mgr.Commit(ctx, tx, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if mgr.StrategyName() != StrategyConsistentKey {
		t.Fatalf("unexpected strategy %q", mgr.StrategyName())
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{Store: "mem://", Strategy: "paxos"}); err == nil {
		t.Fatal("expected invalid strategy error")
	}
	if _, err := New(context.Background(), Config{Store: "ftp://nowhere"}); err == nil {
		t.Fatal("expected unsupported store error")
	}
}

func TestManagerEnsembleStrategy(t *testing.T) {
	ctx := context.Background()
	ens := memensemble.New(nil)
	cfg := Config{
		Strategy:        StrategyEnsemble,
		Ensemble:        "mem://",
		LockRetries:     1,
		LockWait:        2 * time.Millisecond,
		LockExpiry:      5 * time.Second,
		EnsembleMaxWait: 30 * time.Millisecond,
	}
	clientA := ens.Connect(10 * time.Second)
	clientB := ens.Connect(10 * time.Second)
	defer clientA.Close()
	defer clientB.Close()
	a := newTestManager(t, cfg, WithEnsemble(clientA))
	b := newTestManager(t, cfg, WithEnsemble(clientB))

	if a.StrategyName() != StrategyEnsemble {
		t.Fatalf("unexpected strategy %q", a.StrategyName())
	}
	txA := a.Begin("tx-a")
	if err := a.WriteLock(ctx, txA, edgeLock); err != nil {
		t.Fatalf("a lock: %v", err)
	}
	txB := b.Begin("tx-b")
	if err := b.WriteLock(ctx, txB, edgeLock); err == nil {
		t.Fatal("expected b to be refused while a holds the lock")
	}
	if ens.NodeCount() != 1 {
		t.Fatalf("refused contender must remove its node, have %d", ens.NodeCount())
	}
	if err := a.Commit(ctx, txA, nil); err != nil {
		t.Fatalf("a commit: %v", err)
	}
	if err := b.WriteLock(ctx, txB, edgeLock); err != nil {
		t.Fatalf("b lock after release: %v", err)
	}
	if err := b.CheckLocks(ctx, txB); err != nil {
		t.Fatalf("b check: %v", err)
	}
	if _, err := b.Claims(ctx, edgeLock); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("ensemble strategy has no claim rows, got %v", err)
	}
	clientB.Expire()
	if err := b.CheckLocks(ctx, txB); !IsLockLost(err) {
		t.Fatalf("expected lost lock after session expiry, got %v", err)
	}
}
