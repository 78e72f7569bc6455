package storagecheck

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	titan "github.com/thinkaurelius/titan-sub001"
	"github.com/thinkaurelius/titan-sub001/internal/storage"
)

func checkNames(res Result) []string {
	names := make([]string, 0, len(res.Checks))
	for _, c := range res.Checks {
		names = append(names, c.Name)
	}
	return names
}

func TestVerifyStoreMemory(t *testing.T) {
	res, err := VerifyStore(context.Background(), titan.Config{Store: "mem://"}, Options{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Provider != "memory" {
		t.Fatalf("unexpected provider %q", res.Provider)
	}
	if !res.Passed() {
		t.Fatalf("expected all checks to pass: %+v", res.Checks)
	}
	got := strings.Join(checkNames(res), ",")
	want := "WriteColumn,ReadRow,ListRows,ChangeFeed,DeleteColumn,DeleteMissingColumn"
	if got != want {
		t.Fatalf("unexpected checks %s, want %s", got, want)
	}
	if res.AdditionalMessage != "" {
		t.Fatalf("unexpected advice %q", res.AdditionalMessage)
	}
}

func TestVerifyStoreDisk(t *testing.T) {
	root := filepath.Join(t.TempDir(), "claims")
	res, err := VerifyStore(context.Background(), titan.Config{Store: "disk://" + root}, Options{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Provider != "disk" || res.Path != root {
		t.Fatalf("unexpected description %+v", res)
	}
	for _, c := range res.Checks {
		if c.Err != nil {
			t.Fatalf("check %s failed: %v", c.Name, c.Err)
		}
	}
}

func TestVerifyStoreRecommendsSettleWait(t *testing.T) {
	cfg := titan.Config{
		Store:      "mem://?visibility-delay=40ms",
		LockWait:   5 * time.Millisecond,
		SettleWait: 5 * time.Millisecond,
	}
	res, err := VerifyStore(context.Background(), cfg, Options{VisibilityTimeout: time.Second})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Passed() {
		t.Fatalf("expected checks to pass: %+v", res.Checks)
	}
	if res.Visibility < 30*time.Millisecond {
		t.Fatalf("expected visibility of at least 30ms, got %s", res.Visibility)
	}
	if !strings.Contains(res.AdditionalMessage, "--settle-wait") {
		t.Fatalf("expected settle-wait advice, got %q", res.AdditionalMessage)
	}
}

func TestVerifyStoreVisibilityTimeout(t *testing.T) {
	cfg := titan.Config{
		Store:      "mem://?visibility-delay=1s",
		LockWait:   5 * time.Millisecond,
		SettleWait: 5 * time.Millisecond,
	}
	res, err := VerifyStore(context.Background(), cfg, Options{VisibilityTimeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Passed() {
		t.Fatal("expected visibility check to fail")
	}
	for _, c := range res.Checks {
		if c.Name == "ReadRow" {
			if c.Err == nil || !strings.Contains(c.Err.Error(), "not visible") {
				t.Fatalf("unexpected ReadRow result %v", c.Err)
			}
			return
		}
	}
	t.Fatal("ReadRow check missing")
}

func TestVerifyStoreRejectsEnsembleStrategy(t *testing.T) {
	cfg := titan.Config{Strategy: titan.StrategyEnsemble, Ensemble: "mem://"}
	if _, err := VerifyStore(context.Background(), cfg, Options{}); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestVerifyStoreInvalidConfig(t *testing.T) {
	if _, err := VerifyStore(context.Background(), titan.Config{}, Options{}); err == nil {
		t.Fatal("expected validation error")
	}
}
