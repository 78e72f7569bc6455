package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	titan "github.com/thinkaurelius/titan-sub001"
	"github.com/thinkaurelius/titan-sub001/internal/locking"
)

type lockArgs struct {
	hex bool
}

func (a *lockArgs) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&a.hex, "hex", false, "treat KEY and COLUMN arguments as hex")
}

func (a *lockArgs) decode(raw string) ([]byte, error) {
	if !a.hex {
		return []byte(raw), nil
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode hex %q: %w", raw, err)
	}
	return b, nil
}

func (a *lockArgs) lockID(store, key, column string) (titan.LockID, error) {
	k, err := a.decode(key)
	if err != nil {
		return titan.LockID{}, err
	}
	c, err := a.decode(column)
	if err != nil {
		return titan.LockID{}, err
	}
	return titan.NewLockID(store, k, c), nil
}

func newAcquireCommand(baseLogger pslog.Logger) *cobra.Command {
	var args lockArgs
	var hold time.Duration
	var txnID string
	cmd := &cobra.Command{
		Use:   "acquire STORE KEY COLUMN [COLUMN...]",
		Short: "Acquire write locks, hold them, verify and release",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, argv []string) error {
			s, err := openSession(cmd, baseLogger)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			tx := s.mgr.Begin(txnID)
			for _, column := range argv[2:] {
				id, err := args.lockID(argv[0], argv[1], column)
				if err != nil {
					_ = s.mgr.Rollback(ctx, tx)
					return err
				}
				if err := s.mgr.WriteLock(ctx, tx, id); err != nil {
					_ = s.mgr.Rollback(ctx, tx)
					return describeFailure(id, err)
				}
				fmt.Fprintf(out, "acquired %s (txn %s)\n", id, tx.ID())
			}
			if hold > 0 {
				select {
				case <-time.After(hold):
				case <-ctx.Done():
				}
			}
			held := tx.State().Len()
			if err := s.mgr.Commit(ctx, tx, nil); err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			fmt.Fprintf(out, "verified and released %d lock(s)\n", held)
			return nil
		},
	}
	args.bind(cmd)
	cmd.Flags().DurationVar(&hold, "hold", 0, "how long to hold the locks before verifying and releasing")
	cmd.Flags().StringVar(&txnID, "txn", "", "transaction id (generated when empty)")
	return cmd
}

func newInspectCommand(baseLogger pslog.Logger) *cobra.Command {
	var args lockArgs
	cmd := &cobra.Command{
		Use:   "inspect STORE KEY COLUMN",
		Short: "Show the claims recorded for one lock",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, argv []string) error {
			id, err := args.lockID(argv[0], argv[1], argv[2])
			if err != nil {
				return err
			}
			s, err := openSession(cmd, baseLogger)
			if err != nil {
				return err
			}
			defer s.Close()
			claims, err := s.mgr.Claims(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printClaims(cmd.OutOrStdout(), id, claims, time.Now())
		},
	}
	args.bind(cmd)
	return cmd
}

func newLocksCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks STORE",
		Short: "List every lock with recorded claims in a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			s, err := openSession(cmd, baseLogger)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx := cmd.Context()
			rows, err := s.mgr.ListLockRows(ctx, argv[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LOCK\tCLAIMS\tHOLDER\tSINCE")
			for _, row := range rows {
				id, err := locking.ParseLockKey(argv[0], row)
				if err != nil {
					s.logger.Warn("cli.locks.bad_row", "row", hex.EncodeToString(row), "error", err)
					continue
				}
				claims, err := s.mgr.Claims(ctx, id)
				if err != nil {
					return err
				}
				holder, since := "-", "-"
				for _, c := range claims {
					if c.Winner {
						holder = c.Rid.String()
						since = humanize.Time(c.Timestamp)
					}
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", id, len(claims), holder, since)
			}
			return tw.Flush()
		},
	}
	return cmd
}

func newWatchCommand(baseLogger pslog.Logger) *cobra.Command {
	var args lockArgs
	cmd := &cobra.Command{
		Use:   "watch STORE KEY COLUMN",
		Short: "Print the claims of one lock every time they change",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, argv []string) error {
			id, err := args.lockID(argv[0], argv[1], argv[2])
			if err != nil {
				return err
			}
			s, err := openSession(cmd, baseLogger)
			if err != nil {
				return err
			}
			defer s.Close()
			sub, err := s.mgr.Watch(id)
			if err != nil {
				return fmt.Errorf("watch %s: %w", id, err)
			}
			defer sub.Close()
			return watchClaims(cmd.Context(), cmd.OutOrStdout(), s.mgr, id, sub.Events())
		},
	}
	args.bind(cmd)
	return cmd
}

func watchClaims(ctx context.Context, out io.Writer, mgr *titan.LockManager, id titan.LockID, events <-chan struct{}) error {
	for {
		claims, err := mgr.Claims(ctx, id)
		if err != nil {
			return err
		}
		if err := printClaims(out, id, claims, time.Now()); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-events:
			if !ok {
				return nil
			}
		}
	}
}

func printClaims(out io.Writer, id titan.LockID, claims []titan.Claim, now time.Time) error {
	fmt.Fprintf(out, "%s: %d claim(s)\n", id, len(claims))
	if len(claims) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RID\tCLAIMED\tSTATE")
	for _, c := range claims {
		state := "waiting"
		switch {
		case c.Expired:
			state = "expired"
		case c.Winner:
			state = "holder"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Rid, humanize.RelTime(c.Timestamp, now, "ago", "from now"), state)
	}
	return tw.Flush()
}

func describeFailure(id titan.LockID, err error) error {
	code := locking.FailureCode(err)
	var kind string
	switch {
	case titan.IsTemporary(err):
		kind = "temporarily unavailable"
	case titan.IsLockLost(err):
		kind = "lost"
	default:
		kind = "failed"
	}
	if code == "" {
		return fmt.Errorf("lock %s %s: %w", id, kind, err)
	}
	return fmt.Errorf("lock %s %s (%s): %w", id, kind, strings.ReplaceAll(code, "_", " "), err)
}
