package titan

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/thinkaurelius/titan-sub001/internal/locking"
	"github.com/thinkaurelius/titan-sub001/internal/locking/consistentkey"
	"github.com/thinkaurelius/titan-sub001/internal/locking/ensemblelock"
)

const (
	// StrategyConsistentKey selects claim rows in a shared store.
	StrategyConsistentKey = consistentkey.Name
	// StrategyEnsemble selects sequential nodes in a coordination ensemble.
	StrategyEnsemble = ensemblelock.Name
)

const (
	// DefaultStore points the lock manager at the in-memory backend.
	DefaultStore = "mem://"
	// DefaultStrategy is used when Config.Strategy is empty.
	DefaultStrategy = StrategyConsistentKey
	// DefaultLockRetries is the maximum number of remote acquisition attempts.
	DefaultLockRetries = locking.DefaultRetries
	// DefaultLockWait is the pause between acquisition attempts.
	DefaultLockWait = locking.DefaultWait
	// DefaultLockExpiry is how long a claim stays valid without release.
	DefaultLockExpiry = locking.DefaultExpiry
	// DefaultLocalMediatorPrefix names the in-process mediator.
	DefaultLocalMediatorPrefix = "titan"
	// DefaultLockStoreSuffix is appended to a store name to derive its lock store.
	DefaultLockStoreSuffix = locking.DefaultLockStoreSuffix
	// DefaultEnsembleSessionTTL bounds how long ensemble nodes outlive a crashed process.
	DefaultEnsembleSessionTTL = 10 * time.Second
	// DefaultEnsemblePollInterval is the fallback re-read interval while queued.
	DefaultEnsemblePollInterval = ensemblelock.DefaultPollInterval
	// DefaultEnsembleMaxWait caps how long an ensemble acquisition waits in line.
	DefaultEnsembleMaxWait = 10 * time.Second
	// DefaultReleaseTimeout bounds DeleteLocks when the caller's context is gone.
	DefaultReleaseTimeout = 10 * time.Second
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config describes a lock manager: where claims live, which strategy
// resolves contention and how patient acquisitions are.
type Config struct {
	Store    string
	Strategy string
	// Ensemble is the coordination ensemble URL (mem:// or etcd://...).
	// Required for the ensemble strategy.
	Ensemble string

	LockRetries int
	LockWait    time.Duration
	LockExpiry  time.Duration
	// SettleWait is slept between writing a claim and reading it back. It
	// must cover the store's write-to-read visibility delay. Defaults to
	// LockWait.
	SettleWait          time.Duration
	LocalMediatorPrefix string
	LockStoreSuffix     string
	// CleanExpiredClaims deletes abandoned claims observed during acquisition.
	CleanExpiredClaims    bool
	CleanExpiredClaimsSet bool
	ReleaseTimeout        time.Duration

	EnsembleSessionTTL       time.Duration
	EnsemblePollInterval     time.Duration
	EnsembleMaxWait          time.Duration
	EnsembleVerifyOnCheck    bool
	EnsembleVerifyOnCheckSet bool
	EnsembleUsername         string
	EnsemblePassword         string

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	S3SSE             string
	S3KMSKeyID        string
	AWSRegion         string
	AWSKMSKeyID       string
	AzureAccount      string
	AzureAccountKey   string
	AzureEndpoint     string
	AzureSASToken     string

	// OTLPEndpoint enables trace export (grpc://, http://, or host:port).
	OTLPEndpoint string
	// MetricsListen serves Prometheus metrics on this address when set.
	MetricsListen string
	// RuntimeMetrics adds Go runtime metrics to the Prometheus endpoint.
	RuntimeMetrics bool
}

// Validate applies defaults and rejects unusable combinations.
func (c *Config) Validate() error {
	c.Strategy = strings.ToLower(strings.TrimSpace(c.Strategy))
	if c.Strategy == "" {
		c.Strategy = DefaultStrategy
	}
	c.Store = strings.TrimSpace(c.Store)
	switch c.Strategy {
	case StrategyConsistentKey:
		if c.Store == "" {
			return fmt.Errorf("config: store is required")
		}
	case StrategyEnsemble:
		c.Ensemble = strings.TrimSpace(c.Ensemble)
		if c.Ensemble == "" {
			return fmt.Errorf("config: %s strategy requires an ensemble URL", StrategyEnsemble)
		}
		if _, err := url.Parse(c.Ensemble); err != nil {
			return fmt.Errorf("config: parse ensemble URL: %w", err)
		}
	default:
		return fmt.Errorf("config: strategy must be %q or %q", StrategyConsistentKey, StrategyEnsemble)
	}
	if c.Store != "" {
		if _, err := url.Parse(c.Store); err != nil {
			return fmt.Errorf("config: parse store URL: %w", err)
		}
	}
	if c.LockRetries == 0 {
		c.LockRetries = DefaultLockRetries
	} else if c.LockRetries < 0 {
		return fmt.Errorf("config: lock retries must be positive")
	}
	if c.LockWait < 0 {
		return fmt.Errorf("config: lock wait must be >= 0")
	}
	if c.LockWait == 0 {
		c.LockWait = DefaultLockWait
	}
	if c.LockExpiry < 0 {
		return fmt.Errorf("config: lock expiry must be >= 0")
	}
	if c.LockExpiry == 0 {
		c.LockExpiry = DefaultLockExpiry
	}
	if c.SettleWait < 0 {
		return fmt.Errorf("config: settle wait must be >= 0")
	}
	if c.SettleWait == 0 {
		c.SettleWait = c.LockWait
	}
	if c.LockExpiry <= c.SettleWait {
		return fmt.Errorf("config: lock expiry %s must exceed settle wait %s", c.LockExpiry, c.SettleWait)
	}
	c.LocalMediatorPrefix = strings.TrimSpace(c.LocalMediatorPrefix)
	if c.LocalMediatorPrefix == "" {
		c.LocalMediatorPrefix = DefaultLocalMediatorPrefix
	}
	if c.LockStoreSuffix == "" {
		c.LockStoreSuffix = DefaultLockStoreSuffix
	}
	if strings.ContainsAny(c.LockStoreSuffix, "/\\") {
		return fmt.Errorf("config: lock store suffix %q must not contain path separators", c.LockStoreSuffix)
	}
	if !c.CleanExpiredClaimsSet {
		c.CleanExpiredClaims = true
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = DefaultReleaseTimeout
	}
	if c.EnsembleSessionTTL <= 0 {
		c.EnsembleSessionTTL = DefaultEnsembleSessionTTL
	}
	if c.EnsemblePollInterval <= 0 {
		c.EnsemblePollInterval = DefaultEnsemblePollInterval
	}
	if c.EnsembleMaxWait < 0 {
		return fmt.Errorf("config: ensemble max wait must be >= 0")
	}
	if c.EnsembleMaxWait == 0 {
		c.EnsembleMaxWait = DefaultEnsembleMaxWait
	}
	if !c.EnsembleVerifyOnCheckSet {
		c.EnsembleVerifyOnCheck = true
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.RuntimeMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: runtime metrics require a metrics listen address")
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.titan).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("TITAN_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".titan"), nil
}
