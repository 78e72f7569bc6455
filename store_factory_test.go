package titan

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/thinkaurelius/titan-sub001/internal/clock"
	"github.com/thinkaurelius/titan-sub001/internal/storage/badgerstore"
	"github.com/thinkaurelius/titan-sub001/internal/storage/disk"
	"github.com/thinkaurelius/titan-sub001/internal/storage/memory"
)

func TestOpenStoreMemory(t *testing.T) {
	cfg := Config{Store: "mem://?visibility-delay=25ms"}
	backend, err := OpenStore(cfg, nil, clock.Real{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*memory.Store); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
	if _, err := OpenStore(Config{Store: "mem://?visibility-delay=soon"}, nil, nil); err == nil {
		t.Fatal("expected error for bad visibility delay")
	}
}

func TestOpenStoreDiskAndBadger(t *testing.T) {
	root := t.TempDir()
	backend, err := OpenStore(Config{Store: "disk://" + filepath.Join(root, "disk")}, nil, nil)
	if err != nil {
		t.Fatalf("open disk: %v", err)
	}
	if _, ok := backend.(*disk.Store); !ok {
		t.Fatalf("expected disk backend, got %T", backend)
	}
	_ = backend.Close()

	backend, err = OpenStore(Config{Store: "badger+mem://"}, nil, nil)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	if _, ok := backend.(*badgerstore.Store); !ok {
		t.Fatalf("expected badger backend, got %T", backend)
	}
	_ = backend.Close()

	if _, err := OpenStore(Config{Store: "ftp://host/x"}, nil, nil); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestBuildDiskAndBadgerConfig(t *testing.T) {
	diskCfg, root, err := BuildDiskConfig(Config{Store: "disk:///var/lib/titan?watch=false"})
	if err != nil {
		t.Fatalf("BuildDiskConfig: %v", err)
	}
	if root != "/var/lib/titan" || diskCfg.Root != root {
		t.Fatalf("unexpected disk root %q / %q", root, diskCfg.Root)
	}
	if !diskCfg.DisableWatch {
		t.Fatal("expected watch disabled from query")
	}
	if _, _, err := BuildDiskConfig(Config{Store: "disk://"}); err == nil {
		t.Fatal("expected error for missing disk path")
	}

	badgerCfg, err := BuildBadgerConfig(Config{Store: "badger:///data/locks?sync=1"})
	if err != nil {
		t.Fatalf("BuildBadgerConfig: %v", err)
	}
	if badgerCfg.Dir != "/data/locks" || !badgerCfg.SyncWrites || badgerCfg.InMemory {
		t.Fatalf("unexpected badger config %+v", badgerCfg)
	}
	badgerCfg, err = BuildBadgerConfig(Config{Store: "badger+mem://"})
	if err != nil || !badgerCfg.InMemory {
		t.Fatalf("expected in-memory badger config, got %+v err=%v", badgerCfg, err)
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		Store:             "s3://localhost:9000/test-bucket/prefix/path?insecure=1&path-style=1&kms-key-id=k1",
		S3SSE:             "aws:kms",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "minio123",
		S3SessionToken:    "session",
	}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" {
		t.Fatalf("unexpected endpoint: %s", s3cfg.Endpoint)
	}
	if s3cfg.Bucket != "test-bucket" {
		t.Fatalf("unexpected bucket: %s", s3cfg.Bucket)
	}
	if s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected prefix: %s", s3cfg.Prefix)
	}
	if !s3cfg.Insecure {
		t.Fatalf("expected insecure flag from query")
	}
	if !s3cfg.ForcePathStyle {
		t.Fatalf("expected force path style")
	}
	if s3cfg.KMSKeyID != "k1" {
		t.Fatalf("unexpected kms key: %s", s3cfg.KMSKeyID)
	}
	if s3cfg.CustomCreds == nil {
		t.Fatal("expected static credentials")
	}
	if summary.AccessKey != "minio" || !summary.HasSecret || summary.Source != "config" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000"}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "mem://"}); err == nil {
		t.Fatalf("expected error for non-s3 store")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://h:9000/b", S3AccessKeyID: "only"}); err == nil {
		t.Fatalf("expected error for incomplete credentials")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	cfg := Config{
		Store:       "aws://my-bucket/prefix",
		AWSRegion:   "us-west-2",
		AWSKMSKeyID: "aws-kms",
	}
	awsCfg, summary, err := BuildAWSConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if awsCfg.Bucket != "my-bucket" {
		t.Fatalf("unexpected bucket: %s", awsCfg.Bucket)
	}
	if awsCfg.Prefix != "prefix" {
		t.Fatalf("unexpected prefix: %s", awsCfg.Prefix)
	}
	if awsCfg.Region != "us-west-2" {
		t.Fatalf("unexpected region: %s", awsCfg.Region)
	}
	if awsCfg.KMSKeyID != "aws-kms" {
		t.Fatalf("unexpected kms key: %s", awsCfg.KMSKeyID)
	}
	if summary.Source == "" {
		t.Fatalf("expected credential summary source")
	}
	if _, _, err := BuildAWSConfig(Config{Store: "aws://"}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	if _, _, err := BuildAWSConfig(Config{Store: "aws://bucket"}); err == nil {
		t.Fatalf("expected error for missing region")
	}
}

func TestBuildAzureConfig(t *testing.T) {
	cfg := Config{
		Store:           "azure://myaccount/container/prefix/path",
		AzureAccountKey: "secret",
	}
	azureCfg, err := BuildAzureConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if azureCfg.Account != "myaccount" {
		t.Fatalf("unexpected account: %s", azureCfg.Account)
	}
	if azureCfg.Container != "container" {
		t.Fatalf("unexpected container: %s", azureCfg.Container)
	}
	if azureCfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected prefix: %s", azureCfg.Prefix)
	}
	if azureCfg.AccountKey != "secret" {
		t.Fatalf("expected account key from config")
	}

	t.Setenv("AZURE_STORAGE_ACCOUNT", "")
	t.Setenv("AZURE_STORAGE_ACCOUNT_NAME", "")
	if _, err := BuildAzureConfig(Config{Store: "azure:///container"}); err == nil {
		t.Fatalf("expected error for missing account")
	}
}

func TestBuildEtcdConfig(t *testing.T) {
	cfg := Config{
		Ensemble:           "etcd://alice:pw@etcd-1:2379,etcd-2:2379/titan/locks?tls=1",
		EnsembleSessionTTL: 5 * time.Second,
	}
	etcdCfg, err := BuildEtcdConfig(cfg)
	if err != nil {
		t.Fatalf("BuildEtcdConfig: %v", err)
	}
	if len(etcdCfg.Endpoints) != 2 || etcdCfg.Endpoints[0] != "https://etcd-1:2379" || etcdCfg.Endpoints[1] != "https://etcd-2:2379" {
		t.Fatalf("unexpected endpoints %v", etcdCfg.Endpoints)
	}
	if etcdCfg.Username != "alice" || etcdCfg.Password != "pw" {
		t.Fatalf("unexpected credentials %q/%q", etcdCfg.Username, etcdCfg.Password)
	}
	if etcdCfg.SessionTTL != 5*time.Second {
		t.Fatalf("unexpected session ttl %s", etcdCfg.SessionTTL)
	}
	if root := EnsembleRoot(cfg.Ensemble); root != "/titan/locks" {
		t.Fatalf("unexpected root %q", root)
	}
	if root := EnsembleRoot("mem://"); root != "" {
		t.Fatalf("expected empty root for mem ensemble, got %q", root)
	}
	if _, err := BuildEtcdConfig(Config{Ensemble: "etcd:///root"}); err == nil {
		t.Fatal("expected error for missing endpoints")
	}
}

func TestOpenEnsembleMemory(t *testing.T) {
	cfg := Config{Strategy: StrategyEnsemble, Ensemble: "mem://"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	client, err := OpenEnsemble(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("open ensemble: %v", err)
	}
	defer client.Close()
	if err := client.Session().Err(); err != nil {
		t.Fatalf("expected live session, got %v", err)
	}
	if _, err := OpenEnsemble(context.Background(), Config{Ensemble: "zk://host"}, nil, nil); err == nil {
		t.Fatal("expected error for unsupported ensemble scheme")
	}
}
