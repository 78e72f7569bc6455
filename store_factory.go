package titan

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"github.com/thinkaurelius/titan-sub001/internal/clock"
	"github.com/thinkaurelius/titan-sub001/internal/ensemble"
	etcdensemble "github.com/thinkaurelius/titan-sub001/internal/ensemble/etcd"
	memensemble "github.com/thinkaurelius/titan-sub001/internal/ensemble/memory"
	"github.com/thinkaurelius/titan-sub001/internal/storage"
	awsstore "github.com/thinkaurelius/titan-sub001/internal/storage/aws"
	azurestore "github.com/thinkaurelius/titan-sub001/internal/storage/azure"
	"github.com/thinkaurelius/titan-sub001/internal/storage/badgerstore"
	"github.com/thinkaurelius/titan-sub001/internal/storage/disk"
	storagelogging "github.com/thinkaurelius/titan-sub001/internal/storage/logging"
	"github.com/thinkaurelius/titan-sub001/internal/storage/memory"
	"github.com/thinkaurelius/titan-sub001/internal/storage/retry"
	"github.com/thinkaurelius/titan-sub001/internal/storage/s3"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// OpenStore opens the backend named by cfg.Store without decorators.
func OpenStore(cfg Config, logger pslog.Logger, clk clock.Clock) (storage.Store, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		memCfg := memory.Config{Clock: clk}
		if v := u.Query().Get("visibility-delay"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("mem store: parse visibility-delay: %w", err)
			}
			memCfg.VisibilityDelay = d
		}
		return memory.NewWithConfig(memCfg), nil
	case "disk":
		diskCfg, _, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	case "badger", "badger+mem":
		badgerCfg, err := BuildBadgerConfig(cfg)
		if err != nil {
			return nil, err
		}
		badgerCfg.Logger = logger
		return badgerstore.Open(badgerCfg)
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		s3cfg.Logger = logger
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucketReady(context.Background(), backend); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	case "aws":
		awscfg, _, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		awscfg.Logger = logger
		return awsstore.New(awscfg)
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		azureCfg.Logger = logger
		return azurestore.New(azureCfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// decorateStore layers transient-error retries and tracing over a backend.
func decorateStore(backend storage.Store, cfg Config, logger pslog.Logger, clk clock.Clock) storage.Store {
	retried := retry.Wrap(backend, logger, clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	return storagelogging.Wrap(retried, logger, "storage")
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	root, err := urlPath(u)
	if err != nil {
		return disk.Config{}, "", fmt.Errorf("disk store path required (e.g. disk:///var/lib/titan-locks)")
	}
	diskCfg := disk.Config{Root: root}
	if v := u.Query().Get("watch"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			diskCfg.DisableWatch = !ok
		}
	}
	return diskCfg, root, nil
}

// BuildBadgerConfig parses badger:///path and badger+mem:// URLs.
func BuildBadgerConfig(cfg Config) (badgerstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return badgerstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "badger+mem":
		return badgerstore.Config{InMemory: true}, nil
	case "badger":
		dir, err := urlPath(u)
		if err != nil {
			return badgerstore.Config{}, fmt.Errorf("badger store path required (e.g. badger:///var/lib/titan-locks)")
		}
		out := badgerstore.Config{Dir: dir}
		if v := u.Query().Get("sync"); v != "" {
			if ok, err := strconv.ParseBool(v); err == nil {
				out.SyncWrites = ok
			}
		}
		return out, nil
	default:
		return badgerstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

func urlPath(u *url.URL) (string, error) {
	pathPart := strings.TrimSpace(u.Path)
	host := strings.TrimSpace(u.Host)
	if host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = "/" + host
		} else {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return "", fmt.Errorf("path required")
	}
	return filepath.Clean(pathPart), nil
}

// BuildGenericS3Config parses s3:// URLs that target generic S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucket(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         query.Get("region"),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws:// URLs that target AWS S3 with regional configuration.
func BuildAWSConfig(cfg Config) (awsstore.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store requires region (set --aws-region or TITAN_AWS_REGION)")
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	kmsKey := cfg.AWSKMSKeyID
	if kmsKey == "" {
		kmsKey = cfg.S3KMSKeyID
	}
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	pathStyle := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			pathStyle = ok
		}
	}
	return awsstore.Config{
		Endpoint:      query.Get("endpoint"),
		Region:        region,
		Bucket:        bucket,
		Prefix:        prefix,
		Insecure:      insecure,
		PathStyle:     pathStyle,
		ServerSideEnc: cfg.S3SSE,
		KMSKeyID:      kmsKey,
	}, resolveAWSCredentials(), nil
}

// BuildAzureConfig derives the Azure backend configuration.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucket(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("TITAN_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("TITAN_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func splitBucket(p string) (bucket, prefix string) {
	p = strings.Trim(strings.TrimPrefix(p, "/"), "/")
	if p == "" {
		return "", ""
	}
	parts := strings.SplitN(p, "/", 2)
	bucket = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("TITAN_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("TITAN_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("TITAN_S3_SESSION_TOKEN")
		source = "env:TITAN_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		summary.Source = "chain"
		return nil, summary, nil
	}
	summary.AccessKey = accessKey
	summary.HasSecret = secretKey != ""
	summary.Source = source
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func resolveAWSCredentials() CredentialSummary {
	summary := CredentialSummary{}
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		summary.AccessKey = access
		summary.HasSecret = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != ""
		summary.Source = "env:AWS_ACCESS_KEY_ID"
	} else if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		summary.Source = "profile:" + profile
	} else {
		summary.Source = "auto"
	}
	return summary
}

func ensureBucketReady(ctx context.Context, backend *s3.Store) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := backend.Client().BucketExists(timeoutCtx, backend.Bucket())
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", backend.Bucket())
	}
	return nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}

// OpenEnsemble connects to the coordination ensemble named by cfg.Ensemble.
// A mem:// ensemble is private to the returned client.
func OpenEnsemble(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (ensemble.Client, error) {
	u, err := url.Parse(cfg.Ensemble)
	if err != nil {
		return nil, fmt.Errorf("parse ensemble URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem":
		client := memensemble.New(clk).Connect(cfg.EnsembleSessionTTL)
		go keepSessionAlive(client, clock.Ensure(clk), cfg.EnsembleSessionTTL)
		return client, nil
	case "etcd":
		etcdCfg, err := BuildEtcdConfig(cfg)
		if err != nil {
			return nil, err
		}
		etcdCfg.Logger = logger
		return etcdensemble.Dial(ctx, etcdCfg)
	default:
		return nil, fmt.Errorf("ensemble scheme %q not supported", u.Scheme)
	}
}

// keepSessionAlive refreshes an in-process session the way the etcd
// client's lease keepalive does, until the session ends.
func keepSessionAlive(client *memensemble.Client, clk clock.Clock, ttl time.Duration) {
	done := client.Session().Done()
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-done:
			return
		case <-clk.After(interval):
			if err := client.KeepAlive(); err != nil {
				return
			}
		}
	}
}

// BuildEtcdConfig parses etcd://host:2379[,host:2379][/root] URLs. The
// path, when present, is returned by EnsembleRoot.
func BuildEtcdConfig(cfg Config) (etcdensemble.Config, error) {
	u, err := url.Parse(cfg.Ensemble)
	if err != nil {
		return etcdensemble.Config{}, fmt.Errorf("parse ensemble URL: %w", err)
	}
	if u.Scheme != "etcd" {
		return etcdensemble.Config{}, fmt.Errorf("ensemble scheme %q not supported", u.Scheme)
	}
	var endpoints []string
	for _, host := range strings.Split(u.Host, ",") {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if !strings.Contains(host, "://") {
			scheme := "http"
			if ok, err := strconv.ParseBool(u.Query().Get("tls")); err == nil && ok {
				scheme = "https"
			}
			host = scheme + "://" + host
		}
		endpoints = append(endpoints, host)
	}
	if len(endpoints) == 0 {
		return etcdensemble.Config{}, fmt.Errorf("etcd ensemble missing endpoints (expected etcd://host:2379[,host:2379][/root])")
	}
	out := etcdensemble.Config{
		Endpoints:  endpoints,
		SessionTTL: cfg.EnsembleSessionTTL,
		Username:   cfg.EnsembleUsername,
		Password:   cfg.EnsemblePassword,
	}
	if u.User != nil {
		out.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			out.Password = pw
		}
	}
	return out, nil
}

// EnsembleRoot returns the lock directory root encoded in an etcd ensemble
// URL, or "" when none is set.
func EnsembleRoot(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "etcd" {
		return ""
	}
	return strings.TrimSuffix(u.Path, "/")
}
