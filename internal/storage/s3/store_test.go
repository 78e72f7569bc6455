package s3

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/thinkaurelius/titan-sub001/internal/storage"
)

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "titan-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	cfg := Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         "cluster-a",
		Insecure:       true,
		ForcePathStyle: true,
		CustomCreds:    credentials.NewStaticV4("test", "test", ""),
	}
	return server, cfg
}

func TestS3StoreColumnLifecycle(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	key := []byte{0, 0, 0, 1, 'k', 'c'}
	if err := store.WriteColumn(ctx, "edgestore_lock_", key, []byte("rid-2"), []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.WriteColumn(ctx, "edgestore_lock_", key, []byte("rid-1"), []byte{2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := store.ReadRow(ctx, "edgestore_lock_", key)
	if err != nil {
		t.Fatalf("read row: %v", err)
	}
	if len(entries) != 2 || string(entries[0].Column) != "rid-1" || entries[0].Value[0] != 2 {
		t.Fatalf("unexpected entries %+v", entries)
	}
	rows, err := store.ListRows(ctx, "edgestore_lock_")
	if err != nil || len(rows) != 1 || string(rows[0]) != string(key) {
		t.Fatalf("unexpected rows %q err=%v", rows, err)
	}
	if err := store.DeleteColumn(ctx, "edgestore_lock_", key, []byte("rid-1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteColumn(ctx, "edgestore_lock_", key, []byte("rid-1")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	entries, err = store.ReadRow(ctx, "edgestore_lock_", []byte("missing"))
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty row, got %+v err=%v", entries, err)
	}
}

func TestS3StoreRequiresBucket(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected bucket error")
	}
}

func TestS3RetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"reset", syscall.ECONNRESET, true},
		{"op", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"server", minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable}, true},
		{"throttle", minio.ErrorResponse{StatusCode: http.StatusTooManyRequests}, true},
		{"forbidden", minio.ErrorResponse{StatusCode: http.StatusForbidden}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := isRetryable(tc.err); got != tc.want {
			t.Fatalf("%s: isRetryable=%v want %v", tc.name, got, tc.want)
		}
	}
	if !storage.IsTransient(wrapError(syscall.ECONNRESET, "s3: put object")) {
		t.Fatalf("expected wrapped transient error")
	}
	if !isNotFound(minio.ErrorResponse{StatusCode: http.StatusNotFound}) {
		t.Fatalf("expected 404 to be not found")
	}
}
