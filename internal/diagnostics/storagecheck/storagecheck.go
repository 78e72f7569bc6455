// Package storagecheck exercises a configured claim store the way the
// consistent-key strategy will, so misconfigured backends fail before any
// lock is attempted.
package storagecheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"pkt.systems/pslog"

	titan "github.com/thinkaurelius/titan-sub001"
	"github.com/thinkaurelius/titan-sub001/internal/clock"
	"github.com/thinkaurelius/titan-sub001/internal/storage"
	"github.com/thinkaurelius/titan-sub001/internal/storage/s3"
	"github.com/thinkaurelius/titan-sub001/internal/uuidv7"
)

// diagnosticsStore is the store name probes are written under.
const diagnosticsStore = "titan-diagnostics"

// Result captures the outcome of store verification checks.
type Result struct {
	Provider    string
	Bucket      string
	Prefix      string
	Path        string
	Endpoint    string
	Insecure    bool
	Credentials titan.CredentialSummary
	Checks      []CheckResult
	// Visibility is how long a fresh write took to become readable.
	Visibility time.Duration
	// AdditionalMessage carries advice derived from the checks.
	AdditionalMessage string
}

// Passed reports whether all checks succeeded.
func (r Result) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// CheckResult is the outcome of a single verification step.
type CheckResult struct {
	Name string
	Err  error
}

// Options tune VerifyStore.
type Options struct {
	Logger pslog.Logger
	Clock  clock.Clock
	// Timeout bounds the whole run. Defaults to 15s.
	Timeout time.Duration
	// VisibilityTimeout bounds how long a write may take to become readable.
	// Defaults to the lock expiry.
	VisibilityTimeout time.Duration
}

// VerifyStore describes the backend selected by cfg.Store and runs the
// claim lifecycle against it: write, read back, list, watch and delete.
func VerifyStore(ctx context.Context, cfg titan.Config, opts Options) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if cfg.Strategy != titan.StrategyConsistentKey {
		return Result{}, storage.ErrNotImplemented
	}
	result, err := describe(cfg)
	if err != nil {
		return Result{}, err
	}
	clk := clock.Ensure(opts.Clock)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	visibilityTimeout := opts.VisibilityTimeout
	if visibilityTimeout <= 0 {
		visibilityTimeout = cfg.LockExpiry
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backend, err := titan.OpenStore(cfg, opts.Logger, clk)
	if err != nil {
		result.Checks = append(result.Checks, CheckResult{Name: "Open", Err: err})
		return result, nil
	}
	defer backend.Close()

	run := func(name string, fn func(context.Context) error) {
		err := fn(ctx)
		result.Checks = append(result.Checks, CheckResult{Name: name, Err: err})
	}

	if s3store, ok := backend.(*s3.Store); ok {
		run("BucketExists", func(ctx context.Context) error {
			exists, err := s3store.Client().BucketExists(ctx, s3store.Bucket())
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("bucket %s not found", s3store.Bucket())
			}
			return nil
		})
	}

	key := []byte("probe-" + uuidv7.Compact())
	column := []byte("rid-" + uuidv7.Compact())
	value := []byte(clk.Now().UTC().Format(time.RFC3339Nano))

	var sub storage.RowChangeSubscription
	if feed, ok := backend.(storage.RowChangeFeed); ok {
		if s, err := feed.SubscribeRowChanges(diagnosticsStore, key); err == nil {
			sub = s
			defer sub.Close()
		} else if !errors.Is(err, storage.ErrNotImplemented) {
			run("Subscribe", func(context.Context) error { return err })
		}
	}

	written := false
	run("WriteColumn", func(ctx context.Context) error {
		if err := backend.WriteColumn(ctx, diagnosticsStore, key, column, value); err != nil {
			return err
		}
		written = true
		return nil
	})
	if written {
		defer func() {
			cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer ccancel()
			_ = backend.DeleteColumn(cctx, diagnosticsStore, key, column)
		}()
	}

	run("ReadRow", func(ctx context.Context) error {
		if !written {
			return errors.New("skipped: write failed")
		}
		start := clk.Now()
		for {
			entries, err := backend.ReadRow(ctx, diagnosticsStore, key)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if bytes.Equal(e.Column, column) {
					result.Visibility = clk.Now().Sub(start)
					if !bytes.Equal(e.Value, value) {
						return fmt.Errorf("read back %q, wrote %q", e.Value, value)
					}
					return nil
				}
			}
			if clk.Now().Sub(start) >= visibilityTimeout {
				return fmt.Errorf("write not visible after %s", visibilityTimeout)
			}
			if err := clock.Wait(ctx, clk, 10*time.Millisecond); err != nil {
				return err
			}
		}
	})

	if lister, ok := backend.(storage.RowLister); ok {
		run("ListRows", func(ctx context.Context) error {
			rows, err := lister.ListRows(ctx, diagnosticsStore)
			if err != nil {
				return err
			}
			for _, row := range rows {
				if bytes.Equal(row, key) {
					return nil
				}
			}
			return errors.New("probe row not listed")
		})
	}

	if sub != nil {
		run("ChangeFeed", func(ctx context.Context) error {
			select {
			case <-sub.Events():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-clk.After(2 * time.Second):
				return errors.New("no change event within 2s")
			}
		})
	}

	run("DeleteColumn", func(ctx context.Context) error {
		if !written {
			return errors.New("skipped: write failed")
		}
		return backend.DeleteColumn(ctx, diagnosticsStore, key, column)
	})
	run("DeleteMissingColumn", func(ctx context.Context) error {
		err := backend.DeleteColumn(ctx, diagnosticsStore, key, []byte("rid-absent"))
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err == nil {
			return errors.New("deleting an absent column must report not found")
		}
		return err
	})

	if result.Visibility > cfg.SettleWait {
		result.AdditionalMessage = fmt.Sprintf("Writes took %s to become visible; raise --settle-wait above it (currently %s).", result.Visibility, cfg.SettleWait)
	}
	return result, nil
}

func describe(cfg titan.Config) (Result, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return Result{}, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "":
		return Result{Provider: "memory"}, nil
	case "disk":
		_, root, err := titan.BuildDiskConfig(cfg)
		if err != nil {
			return Result{}, err
		}
		return Result{Provider: "disk", Path: root}, nil
	case "badger", "badger+mem":
		badgerCfg, err := titan.BuildBadgerConfig(cfg)
		if err != nil {
			return Result{}, err
		}
		return Result{Provider: "badger", Path: badgerCfg.Dir}, nil
	case "s3":
		s3cfg, creds, err := titan.BuildGenericS3Config(cfg)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Provider:    "s3-compatible",
			Bucket:      s3cfg.Bucket,
			Prefix:      s3cfg.Prefix,
			Endpoint:    s3cfg.Endpoint,
			Insecure:    s3cfg.Insecure,
			Credentials: creds,
		}, nil
	case "aws":
		awsCfg, creds, err := titan.BuildAWSConfig(cfg)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Provider:    "aws",
			Bucket:      awsCfg.Bucket,
			Prefix:      awsCfg.Prefix,
			Endpoint:    awsCfg.Endpoint,
			Insecure:    awsCfg.Insecure,
			Credentials: creds,
		}, nil
	case "azure":
		azureCfg, err := titan.BuildAzureConfig(cfg)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Provider: "azure",
			Bucket:   azureCfg.Container,
			Prefix:   azureCfg.Prefix,
			Endpoint: azureCfg.Endpoint,
		}, nil
	default:
		return Result{}, storage.ErrNotImplemented
	}
}
