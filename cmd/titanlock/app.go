package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	titan "github.com/thinkaurelius/titan-sub001"
	"github.com/thinkaurelius/titan-sub001/internal/loggingutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("TITAN_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "titanlock")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "titanlock",
		Short:         "titanlock acquires, inspects and watches cross-process write locks",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Hold a lock on edgestore/v42/out for 30s against a disk store
  titanlock --store disk:///var/lib/titan acquire edgestore v42 out --hold 30s

  # Show the claims recorded for that lock
  titanlock --store disk:///var/lib/titan inspect edgestore v42 out

  # Use an etcd ensemble instead of claim rows
  TITAN_STRATEGY=ensemble TITAN_ENSEMBLE=etcd://127.0.0.1:2379/titan titanlock acquire edgestore v42 out
`,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.titan/"+titan.DefaultConfigFileName+")")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("store", titan.DefaultStore, "claim store URL (mem://, disk:///path, badger:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	flags.String("strategy", titan.DefaultStrategy, fmt.Sprintf("remote lock strategy (%s or %s)", titan.StrategyConsistentKey, titan.StrategyEnsemble))
	flags.String("ensemble", "", "coordination ensemble URL for the ensemble strategy (mem:// or etcd://host:2379[,host:2379][/root])")
	flags.Int("lock-retries", titan.DefaultLockRetries, "maximum remote acquisition attempts per lock")
	flags.Duration("lock-wait", titan.DefaultLockWait, "pause between acquisition attempts")
	flags.Duration("lock-expiry", titan.DefaultLockExpiry, "how long a claim stays valid without release")
	flags.Duration("settle-wait", 0, "pause between writing a claim and reading it back (defaults to --lock-wait)")
	flags.String("mediator-prefix", titan.DefaultLocalMediatorPrefix, "name of the in-process lock mediator")
	flags.String("lock-store-suffix", titan.DefaultLockStoreSuffix, "suffix appended to a store name to form its lock store")
	flags.Bool("clean-expired-claims", true, "delete abandoned claims observed during acquisition")
	flags.Duration("release-timeout", titan.DefaultReleaseTimeout, "upper bound for releasing locks after cancellation")
	flags.Duration("ensemble-session-ttl", titan.DefaultEnsembleSessionTTL, "ensemble session lifetime without keepalive")
	flags.Duration("ensemble-poll-interval", titan.DefaultEnsemblePollInterval, "fallback re-read interval while queued in the ensemble")
	flags.Duration("ensemble-max-wait", titan.DefaultEnsembleMaxWait, "longest an ensemble acquisition waits in line")
	flags.Bool("ensemble-verify", true, "verify the ensemble node still exists when checking locks")
	flags.String("ensemble-username", "", "ensemble username")
	flags.String("ensemble-password", "", "ensemble password")
	flags.Int("storage-retry-attempts", titan.DefaultStorageRetryMaxAttempts, "attempts for transient storage errors")
	flags.Duration("storage-retry-base-delay", titan.DefaultStorageRetryBaseDelay, "base delay between storage retries")
	flags.Duration("storage-retry-max-delay", titan.DefaultStorageRetryMaxDelay, "maximum delay between storage retries")
	flags.Float64("storage-retry-multiplier", titan.DefaultStorageRetryMultiplier, "backoff multiplier between storage retries")
	flags.String("s3-access-key-id", "", "access key for s3:// stores")
	flags.String("s3-secret-access-key", "", "secret key for s3:// stores")
	flags.String("s3-session-token", "", "session token for s3:// stores")
	flags.String("s3-sse", "", "server-side encryption mode (AES256 or aws:kms)")
	flags.String("s3-kms-key-id", "", "KMS key for aws:kms server-side encryption")
	flags.String("aws-region", "", "region for aws:// stores")
	flags.String("aws-kms-key-id", "", "KMS key for aws:// stores")
	flags.String("azure-account", "", "Azure storage account (overrides the store URL host)")
	flags.String("azure-key", "", "Azure storage account key")
	flags.String("azure-endpoint", "", "Azure blob endpoint override")
	flags.String("azure-sas-token", "", "Azure SAS token")
	flags.String("otlp-endpoint", "", "OTLP trace endpoint (grpc://, grpcs://, http://, https:// or host:port)")
	flags.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	flags.Bool("runtime-metrics", false, "export Go runtime metrics on the Prometheus endpoint")

	flags.VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})
	viper.SetEnvPrefix("TITAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cmd.AddCommand(
		newAcquireCommand(baseLogger),
		newInspectCommand(baseLogger),
		newLocksCommand(baseLogger),
		newWatchCommand(baseLogger),
		newVerifyCommand(baseLogger),
		newConfigCommand(),
		newVersionCommand(),
	)
	return cmd
}

// session bundles a lock manager with its telemetry for one command run.
type session struct {
	mgr       *titan.LockManager
	telemetry *titan.Telemetry
	logger    pslog.Logger
}

func openSession(cmd *cobra.Command, baseLogger pslog.Logger) (*session, error) {
	logger := baseLogger
	configFile, err := loadConfigFile()
	if err != nil {
		return nil, err
	}
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	cliLogger := loggingutil.WithSubsystem(logger, "cli")
	if configFile != "" {
		cliLogger.Info("cli.config.loaded", "path", configFile)
	}
	var cfg titan.Config
	bindConfig(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	telemetry, err := titan.StartTelemetry(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, err
	}
	mgr, err := titan.New(cmd.Context(), cfg, titan.WithLogger(logger))
	if err != nil {
		_ = telemetry.Shutdown(context.Background())
		return nil, err
	}
	return &session{mgr: mgr, telemetry: telemetry, logger: cliLogger}, nil
}

func (s *session) Close() {
	if err := s.mgr.Close(); err != nil {
		s.logger.Warn("cli.manager.close_failed", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.mgr.Config().ReleaseTimeout)
	defer cancel()
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Warn("cli.telemetry.shutdown_failed", "error", err)
	}
}

func bindConfig(cfg *titan.Config) {
	cfg.Store = viper.GetString("store")
	cfg.Strategy = viper.GetString("strategy")
	cfg.Ensemble = viper.GetString("ensemble")
	cfg.LockRetries = viper.GetInt("lock-retries")
	cfg.LockWait = viper.GetDuration("lock-wait")
	cfg.LockExpiry = viper.GetDuration("lock-expiry")
	cfg.SettleWait = viper.GetDuration("settle-wait")
	cfg.LocalMediatorPrefix = viper.GetString("mediator-prefix")
	cfg.LockStoreSuffix = viper.GetString("lock-store-suffix")
	cfg.CleanExpiredClaims = viper.GetBool("clean-expired-claims")
	cfg.CleanExpiredClaimsSet = true
	cfg.ReleaseTimeout = viper.GetDuration("release-timeout")
	cfg.EnsembleSessionTTL = viper.GetDuration("ensemble-session-ttl")
	cfg.EnsemblePollInterval = viper.GetDuration("ensemble-poll-interval")
	cfg.EnsembleMaxWait = viper.GetDuration("ensemble-max-wait")
	cfg.EnsembleVerifyOnCheck = viper.GetBool("ensemble-verify")
	cfg.EnsembleVerifyOnCheckSet = true
	cfg.EnsembleUsername = viper.GetString("ensemble-username")
	cfg.EnsemblePassword = viper.GetString("ensemble-password")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	cfg.AWSRegion = strings.TrimSpace(viper.GetString("aws-region"))
	if cfg.AWSRegion == "" {
		if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" {
			cfg.AWSRegion = v
		} else if v := strings.TrimSpace(os.Getenv("AWS_DEFAULT_REGION")); v != "" {
			cfg.AWSRegion = v
		}
	}
	cfg.AWSKMSKeyID = strings.TrimSpace(viper.GetString("aws-kms-key-id"))
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.RuntimeMetrics = viper.GetBool("runtime-metrics")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := titan.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, titan.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
