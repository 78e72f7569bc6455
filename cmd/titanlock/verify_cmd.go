package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	titan "github.com/thinkaurelius/titan-sub001"
	"github.com/thinkaurelius/titan-sub001/internal/diagnostics/storagecheck"
	"github.com/thinkaurelius/titan-sub001/internal/loggingutil"
	"github.com/thinkaurelius/titan-sub001/internal/storage"
)

func newVerifyCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostic checks",
	}
	cmd.AddCommand(newVerifyStoreCommand(logger))
	return cmd
}

func newVerifyStoreCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "store",
		Short:        "Verify the claim store behaves as the consistent-key strategy expects",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# Verify a disk store
TITAN_STORE=disk:///var/lib/titan titanlock verify store

# Verify an S3-compatible service (MinIO)
TITAN_STORE=s3://localhost:9000/titan?insecure=1 TITAN_S3_ACCESS_KEY_ID=minio TITAN_S3_SECRET_ACCESS_KEY=minio123 titanlock verify store

# Verify AWS S3
TITAN_STORE=aws://my-bucket TITAN_AWS_REGION=us-west-2 titanlock verify store
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			var cfg titan.Config
			bindConfig(&cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			res, err := storagecheck.VerifyStore(cmd.Context(), cfg, storagecheck.Options{
				Logger: loggingutil.WithSubsystem(logger, "verify"),
			})
			if errors.Is(err, storage.ErrNotImplemented) {
				fmt.Fprintln(cmd.OutOrStdout(), "Storage verification not implemented for this store or strategy")
				return nil
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store: %s\n", cfg.Store)
			if res.Provider != "" {
				fmt.Fprintf(out, "Provider: %s\n", res.Provider)
			}
			if res.Path != "" {
				fmt.Fprintf(out, "Path: %s\n", res.Path)
			}
			if res.Endpoint != "" {
				fmt.Fprintf(out, "Endpoint: %s (insecure:%t)\n", res.Endpoint, res.Insecure)
			}
			if res.Bucket != "" {
				fmt.Fprintf(out, "Bucket/Container: %s\n", res.Bucket)
			}
			if res.Prefix != "" {
				fmt.Fprintf(out, "Prefix: %s\n", res.Prefix)
			}
			cred := res.Credentials
			if cred.Source != "" || cred.AccessKey != "" {
				accessKey := cred.AccessKey
				if accessKey == "" {
					accessKey = "(none)"
				}
				fmt.Fprintf(out, "AccessKey: %s (has_secret:%t source:%s)\n", accessKey, cred.HasSecret, cred.Source)
			}
			if res.Visibility > 0 {
				fmt.Fprintf(out, "Write visibility: %s (settle wait %s)\n", res.Visibility, cfg.SettleWait)
			}
			if res.AdditionalMessage != "" {
				fmt.Fprintln(out, res.AdditionalMessage)
			}
			fmt.Fprintln(out)

			for _, check := range res.Checks {
				if check.Err == nil {
					fmt.Fprintf(out, "✔ %s\n", check.Name)
				} else {
					fmt.Fprintf(out, "✘ %s: %v\n", check.Name, check.Err)
				}
			}
			if res.Passed() {
				fmt.Fprintln(out, "Storage verification succeeded.")
				return nil
			}
			return fmt.Errorf("storage verification failed")
		},
	}
	return cmd
}
