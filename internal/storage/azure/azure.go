// Package azure stores lock columns as block blobs in Azure Blob Storage.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"pkt.systems/pslog"

	"github.com/thinkaurelius/titan-sub001/internal/loggingutil"
	"github.com/thinkaurelius/titan-sub001/internal/storage"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
	Logger     pslog.Logger
}

// Store implements storage.Store on Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	container string
	prefix    string
	logger    pslog.Logger
	closed    atomic.Bool
}

// New builds a client and ensures the container exists.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, wrapError(err, "azure: create container")
	}

	return &Store{
		client:    client,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		logger:    loggingutil.WithSubsystem(cfg.Logger, "storage.azure"),
	}, nil
}

func defaultClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: defaultTransporter(),
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return transportAdapter{rt: clone}
}

// Client exposes the underlying Azure Blob client.
func (s *Store) Client() *azblob.Client {
	return s.client
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func (s *Store) prefixed(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *Store) rowPrefix(store string, key []byte) string {
	return strings.TrimSuffix(s.prefixed(storage.RowPrefix(store, key)), "/") + "/"
}

func (s *Store) precheck(ctx context.Context, store string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return storage.ValidateStore(store)
}

// WriteColumn implements storage.Store.
func (s *Store) WriteColumn(ctx context.Context, store string, key, column, value []byte) error {
	if err := s.precheck(ctx, store); err != nil {
		return err
	}
	blobName := s.prefixed(storage.ColumnObject(store, key, column))
	s.logger.Trace("azure.write_column.begin", "blob", blobName, "size", len(value))
	_, err := s.client.UploadStream(ctx, s.container, blobName, bytes.NewReader(value), &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("application/octet-stream")},
	})
	if err != nil {
		s.logger.Debug("azure.write_column.error", "blob", blobName, "error", err)
		return wrapError(err, "azure: upload blob")
	}
	return nil
}

// ReadRow implements storage.Store.
func (s *Store) ReadRow(ctx context.Context, store string, key []byte) ([]storage.Entry, error) {
	if err := s.precheck(ctx, store); err != nil {
		return nil, err
	}
	prefix := s.rowPrefix(store, key)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	entries := []storage.Entry{}
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err, "azure: list blobs")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			name := strings.TrimPrefix(*item.Name, prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			column, err := storage.DecodeSegment(name)
			if err != nil {
				continue
			}
			value, err := s.download(ctx, *item.Name)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			entries = append(entries, storage.Entry{Column: column, Value: value})
		}
	}
	storage.SortEntries(entries)
	return entries, nil
}

func (s *Store) download(ctx context.Context, blobName string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, blobName, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapError(err, "azure: download blob")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapError(err, "azure: read blob")
	}
	return data, nil
}

// DeleteColumn implements storage.Store.
func (s *Store) DeleteColumn(ctx context.Context, store string, key, column []byte) error {
	if err := s.precheck(ctx, store); err != nil {
		return err
	}
	blobName := s.prefixed(storage.ColumnObject(store, key, column))
	if _, err := s.client.DeleteBlob(ctx, s.container, blobName, nil); err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		s.logger.Debug("azure.delete_column.error", "blob", blobName, "error", err)
		return wrapError(err, "azure: delete blob")
	}
	return nil
}

// ListRows implements storage.RowLister.
func (s *Store) ListRows(ctx context.Context, store string) ([][]byte, error) {
	if err := s.precheck(ctx, store); err != nil {
		return nil, err
	}
	prefix := s.prefixed(store) + "/"
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	set := make(map[string]struct{})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err, "azure: list rows")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			segment, _, ok := strings.Cut(strings.TrimPrefix(*item.Name, prefix), "/")
			if ok && segment != "" {
				set[segment] = struct{}{}
			}
		}
	}
	segments := make([]string, 0, len(set))
	for seg := range set {
		segments = append(segments, seg)
	}
	sort.Strings(segments)
	keys := make([][]byte, 0, len(segments))
	for _, seg := range segments {
		if key, err := storage.DecodeSegment(seg); err == nil {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode >= http.StatusInternalServerError ||
			respErr.StatusCode == http.StatusTooManyRequests ||
			respErr.StatusCode == http.StatusRequestTimeout
	}
	return false
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	err = fmt.Errorf("%s: %w", msg, err)
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}
