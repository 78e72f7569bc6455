package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	titan "github.com/thinkaurelius/titan-sub001"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage titanlock configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.titan/" + titan.DefaultConfigFileName
	if dir, err := titan.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, titan.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default titanlock configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := titan.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, titan.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the persistent flags; keys match flag names so
// viper reads the file back without translation.
type configDefaults struct {
	Store                  string  `yaml:"store"`
	Strategy               string  `yaml:"strategy"`
	Ensemble               string  `yaml:"ensemble"`
	LockRetries            int     `yaml:"lock-retries"`
	LockWait               string  `yaml:"lock-wait"`
	LockExpiry             string  `yaml:"lock-expiry"`
	SettleWait             string  `yaml:"settle-wait"`
	MediatorPrefix         string  `yaml:"mediator-prefix"`
	LockStoreSuffix        string  `yaml:"lock-store-suffix"`
	CleanExpiredClaims     bool    `yaml:"clean-expired-claims"`
	ReleaseTimeout         string  `yaml:"release-timeout"`
	EnsembleSessionTTL     string  `yaml:"ensemble-session-ttl"`
	EnsemblePollInterval   string  `yaml:"ensemble-poll-interval"`
	EnsembleMaxWait        string  `yaml:"ensemble-max-wait"`
	EnsembleVerify         bool    `yaml:"ensemble-verify"`
	StorageRetryAttempts   int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier float64 `yaml:"storage-retry-multiplier"`
	S3SSE                  string  `yaml:"s3-sse"`
	S3KMSKeyID             string  `yaml:"s3-kms-key-id"`
	AWSRegion              string  `yaml:"aws-region"`
	AWSKMSKeyID            string  `yaml:"aws-kms-key-id"`
	AzureEndpoint          string  `yaml:"azure-endpoint"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	MetricsListen          string  `yaml:"metrics-listen"`
	RuntimeMetrics         bool    `yaml:"runtime-metrics"`
	LogLevel               string  `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	cfg := titan.Config{Store: titan.DefaultStore}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("default config: %w", err)
	}
	defaults := configDefaults{
		Store:                  cfg.Store,
		Strategy:               cfg.Strategy,
		LockRetries:            cfg.LockRetries,
		LockWait:               cfg.LockWait.String(),
		LockExpiry:             cfg.LockExpiry.String(),
		SettleWait:             cfg.SettleWait.String(),
		MediatorPrefix:         cfg.LocalMediatorPrefix,
		LockStoreSuffix:        cfg.LockStoreSuffix,
		CleanExpiredClaims:     cfg.CleanExpiredClaims,
		ReleaseTimeout:         cfg.ReleaseTimeout.String(),
		EnsembleSessionTTL:     cfg.EnsembleSessionTTL.String(),
		EnsemblePollInterval:   cfg.EnsemblePollInterval.String(),
		EnsembleMaxWait:        cfg.EnsembleMaxWait.String(),
		EnsembleVerify:         cfg.EnsembleVerifyOnCheck,
		StorageRetryAttempts:   cfg.StorageRetryMaxAttempts,
		StorageRetryBaseDelay:  cfg.StorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:   cfg.StorageRetryMaxDelay.String(),
		StorageRetryMultiplier: cfg.StorageRetryMultiplier,
		LogLevel:               "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	header := []byte("# titanlock configuration\n# Every key matches a command-line flag and a TITAN_* environment variable.\n")
	return append(header, data...), nil
}
