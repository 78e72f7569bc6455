package storage

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestTransientErrorClassification(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", NewTransientError(base))
	if !IsTransient(err) {
		t.Fatalf("expected wrapped transient error to be classified")
	}
	if !errors.Is(err, base) {
		t.Fatalf("transient error should unwrap to base")
	}
	if IsTransient(base) {
		t.Fatalf("plain error must not be transient")
	}
	if NewTransientError(nil) != nil {
		t.Fatalf("nil error must stay nil")
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	for _, in := range [][]byte{{}, []byte("k1"), {0x00, 0xff, '/'}} {
		seg := EncodeSegment(in)
		out, err := DecodeSegment(seg)
		if err != nil {
			t.Fatalf("decode %q: %v", seg, err)
		}
		if string(out) != string(in) {
			t.Fatalf("round trip mismatch %x != %x", out, in)
		}
	}
	if _, err := DecodeSegment("zz"); err == nil {
		t.Fatalf("expected error for invalid segment")
	}
	if got := ColumnObject("edgestore_lock_", []byte("k"), []byte("c")); got != "edgestore_lock_/6b/63" {
		t.Fatalf("unexpected object name %q", got)
	}
}

func TestValidateStore(t *testing.T) {
	if err := ValidateStore("edgestore_lock_"); err != nil {
		t.Fatalf("valid store rejected: %v", err)
	}
	for _, bad := range []string{"", " ", "a/b", ".."} {
		if err := ValidateStore(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestWatchersNotifyAndClose(t *testing.T) {
	var w Watchers
	sub := w.Subscribe("s", []byte("k"))
	other := w.Subscribe("s", []byte("other"))
	w.Notify("s", []byte("k"))
	w.Notify("s", []byte("k"))
	select {
	case <-sub.Events():
	default:
		t.Fatalf("expected event")
	}
	select {
	case <-other.Events():
		t.Fatalf("unrelated row must not be signalled")
	default:
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("expected closed channel")
	}
	w.CloseAll()
	if _, ok := <-other.Events(); ok {
		t.Fatalf("expected CloseAll to close remaining subscriptions")
	}
	if w.Active(RowPrefix("s", []byte("k"))) {
		t.Fatalf("expected no active subscriptions")
	}
}

func TestWatchersNotifyRacingClose(t *testing.T) {
	var w Watchers
	for i := 0; i < 200; i++ {
		sub := w.Subscribe("locks", []byte("k"))
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				w.Notify("locks", []byte("k"))
			}
		}()
		go func() {
			defer wg.Done()
			_ = sub.Close()
		}()
		wg.Wait()
		for range sub.Events() {
		}
	}
	if w.Active(RowPrefix("locks", []byte("k"))) {
		t.Fatalf("closed subscriptions must be removed")
	}
}
