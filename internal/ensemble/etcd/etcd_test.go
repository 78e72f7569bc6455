package etcd

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/thinkaurelius/titan-sub001/internal/ensemble"
	"github.com/thinkaurelius/titan-sub001/internal/uuidv7"
)

func TestClassify(t *testing.T) {
	if !ensemble.IsTransient(classify(status.Error(codes.Unavailable, "leader lost"))) {
		t.Fatalf("unavailable should be transient")
	}
	if ensemble.IsTransient(classify(status.Error(codes.PermissionDenied, "nope"))) {
		t.Fatalf("permission denied must not be transient")
	}
	if err := classify(context.Canceled); !errors.Is(err, context.Canceled) || ensemble.IsTransient(err) {
		t.Fatalf("cancellation must pass through untouched")
	}
}

func TestDialRequiresEndpoints(t *testing.T) {
	if _, err := Dial(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without endpoints")
	}
}

// TestClusterRoundTrip runs against a real cluster when TITAN_ETCD_ENDPOINTS is set.
func TestClusterRoundTrip(t *testing.T) {
	raw := strings.TrimSpace(os.Getenv("TITAN_ETCD_ENDPOINTS"))
	if raw == "" {
		t.Skip("TITAN_ETCD_ENDPOINTS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a, err := Dial(ctx, Config{Endpoints: strings.Split(raw, ","), SessionTTL: 5 * time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer a.Close()
	b, err := Dial(ctx, Config{Endpoints: strings.Split(raw, ","), SessionTTL: 5 * time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer b.Close()

	dir := ensemble.Join("titan-test", uuidv7.Compact())
	n1, err := a.CreateSequential(ctx, dir, []byte("A"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	n2, err := b.CreateSequential(ctx, dir, []byte("B"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	children, err := a.Children(ctx, dir)
	if err != nil || len(children) != 2 || children[0].Path != n1.Path || children[1].Path != n2.Path {
		t.Fatalf("unexpected children %+v err=%v", children, err)
	}
	watch, err := b.WatchDelete(ctx, n1.Path)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := a.Delete(ctx, n1.Path); err != nil {
		t.Fatalf("delete: %v", err)
	}
	select {
	case <-watch:
	case <-ctx.Done():
		t.Fatalf("delete watch did not fire")
	}
	if err := a.Delete(ctx, n1.Path); !errors.Is(err, ensemble.ErrNoNode) {
		t.Fatalf("expected ErrNoNode, got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ok, err := a.Exists(ctx, n2.Path); err != nil || ok {
		t.Fatalf("closing a session must remove its nodes (exists=%v err=%v)", ok, err)
	}
}
