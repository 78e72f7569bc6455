package clock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/thinkaurelius/titan-sub001/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	early := clk.After(time.Second)
	late := clk.After(5 * time.Second)
	if got := clk.Pending(); got != 2 {
		t.Fatalf("expected 2 pending timers, got %d", got)
	}
	clk.Advance(2 * time.Second)
	select {
	case <-early:
	default:
		t.Fatalf("expected early timer to fire")
	}
	select {
	case <-late:
		t.Fatalf("late timer fired too soon")
	default:
	}
	if got := clk.Now(); !got.Equal(start.Add(2 * time.Second)) {
		t.Fatalf("unexpected now %v", got)
	}
}

func TestManualBlockUntil(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		clk.Sleep(time.Minute)
		close(done)
	}()
	clk.BlockUntil(1)
	clk.Advance(time.Minute)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sleeper was not released")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- clock.Wait(ctx, clk, time.Hour) }()
	clk.BlockUntil(1)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := clock.Wait(context.Background(), clk, 0); err != nil {
		t.Fatalf("zero wait: %v", err)
	}
}
