package aws

import (
	"context"
	"errors"
	"net/http/httptest"
	"syscall"
	"testing"

	smithy "github.com/aws/smithy-go"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"github.com/thinkaurelius/titan-sub001/internal/storage"
)

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "titan-aws-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	return server, Config{
		Endpoint:        server.URL,
		Region:          "us-east-1",
		Bucket:          bucket,
		Prefix:          "locks",
		PathStyle:       true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	}
}

func TestAWSStoreColumnLifecycle(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	key := []byte("row")
	for _, col := range []string{"b", "a"} {
		if err := store.WriteColumn(ctx, "vertex_lock_", key, []byte(col), []byte(col+"-value")); err != nil {
			t.Fatalf("write %s: %v", col, err)
		}
	}
	entries, err := store.ReadRow(ctx, "vertex_lock_", key)
	if err != nil {
		t.Fatalf("read row: %v", err)
	}
	if len(entries) != 2 || string(entries[0].Column) != "a" || string(entries[0].Value) != "a-value" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	rows, err := store.ListRows(ctx, "vertex_lock_")
	if err != nil || len(rows) != 1 || string(rows[0]) != "row" {
		t.Fatalf("unexpected rows %q err=%v", rows, err)
	}
	if err := store.DeleteColumn(ctx, "vertex_lock_", key, []byte("a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteColumn(ctx, "vertex_lock_", key, []byte("a")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAWSStoreValidation(t *testing.T) {
	if _, err := New(Config{Region: "us-east-1"}); err == nil {
		t.Fatalf("expected bucket error")
	}
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatalf("expected region error")
	}
}

func TestAWSErrorClassification(t *testing.T) {
	if !isNotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}) {
		t.Fatalf("expected NoSuchKey to be not found")
	}
	if isNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}) {
		t.Fatalf("AccessDenied is not not-found")
	}
	if !storage.IsTransient(wrapError(syscall.ECONNREFUSED, "aws: put object")) {
		t.Fatalf("expected connection refused to be transient")
	}
	if storage.IsTransient(wrapError(errors.New("bad request"), "aws: put object")) {
		t.Fatalf("plain errors are not transient")
	}
}
