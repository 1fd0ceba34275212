// scatterfs is the operator CLI for a scatterfs store: status, scrub,
// rebuild, migration and garbage collection.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	scatterfs "github.com/scatterfs/scatterfs"
	"github.com/scatterfs/scatterfs/internal/config"
	"github.com/scatterfs/scatterfs/internal/logging"
	"github.com/scatterfs/scatterfs/internal/model"
)

// passwordEnv names the environment variable holding the store password.
const passwordEnv = "SCATTERFS_PASSWORD"

var (
	cfgFile  string
	logLevel string
)

// withEngine loads the config, starts the engine and hands it to fn,
// closing it afterwards.
func withEngine(fn func(ctx context.Context, eng *scatterfs.Engine) error) error {
	log := logging.New(logLevel)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	password := os.Getenv(passwordEnv)
	if password == "" {
		return fmt.Errorf("%s is not set", passwordEnv)
	}

	eng, err := scatterfs.New(scatterfs.Options{
		Config:   cfg,
		Password: []byte(password),
		Logger:   log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			log.Error("close failed", "error", err)
		}
	}()
	return fn(ctx, eng)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show array health, accounts and storage counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *scatterfs.Engine) error {
				stats, err := eng.Status()
				if err != nil {
					return err
				}
				fmt.Printf("array:   %s (%d-of-%d)\n", stats.Array, stats.DataShards, stats.TotalShards)
				fmt.Printf("inodes:  %d\n", stats.Inodes)
				fmt.Printf("stripes: %d (%s stored)\n", stats.Stripes, humanize.IBytes(stats.StoredBytes))
				fmt.Printf("cache:   %d chunks, %s\n", stats.CacheChunks, humanize.IBytes(uint64(stats.CacheBytes)))
				fmt.Println("accounts:")
				for _, a := range stats.Accounts {
					fmt.Printf("  %-20s priority=%-3d %-12s errors=%d/%d\n",
						a.ID, a.Priority, a.Health, a.Failures, a.Samples)
				}
				return nil
			})
		},
	}
}

func scrubCmd() *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "scrub",
		Short: "Verify every block against its checksum",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *scatterfs.Engine) error {
				report, err := eng.Scrub(ctx, repair)
				if err != nil {
					return err
				}
				fmt.Printf("scanned %d stripes, verified %d blocks\n",
					report.StripesScanned, report.BlocksVerified)
				for _, c := range report.Corrupt {
					fmt.Printf("corrupt: stripe %s shard %d on %s: %v\n",
						c.Stripe, c.Index, c.Account, c.Err)
				}
				if repair {
					fmt.Printf("repaired %d blocks\n", report.Repaired)
				}
				if report.Unrecoverable > 0 {
					return fmt.Errorf("%d stripes are unrecoverable", report.Unrecoverable)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "rewrite corrupt blocks from surviving ones")
	return cmd
}

func rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <account>",
		Short: "Reconstruct all blocks of one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *scatterfs.Engine) error {
				report, err := eng.Rebuild(ctx, model.AccountID(args[0]))
				if err != nil {
					return err
				}
				fmt.Printf("restored %d of %d blocks on %s\n",
					report.BlocksRestored, report.StripesScanned, args[0])
				return nil
			})
		},
	}
}

func migrateCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Re-encode legacy single-copy chunks under the current erasure scheme",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *scatterfs.Engine) error {
				report, err := eng.Migrate(ctx, dryRun)
				if err != nil {
					return err
				}
				if dryRun {
					fmt.Printf("%d single-copy chunks would be migrated (%d already done)\n",
						report.Scanned-report.Skipped, report.Skipped)
					return nil
				}
				fmt.Printf("migrated %d chunks, skipped %d, failed %d\n",
					report.Migrated, report.Skipped, report.Failed)
				if report.Failed > 0 {
					return fmt.Errorf("%d chunks failed to migrate, rerun to retry", report.Failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count without migrating")
	return cmd
}

func gcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Reclaim unreferenced stripes and orphaned blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *scatterfs.Engine) error {
				report, err := eng.GC(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("removed %d stripes, %d blocks (%d orphans), reclaimed %s\n",
					report.StripesRemoved, report.BlocksDeleted, report.OrphanBlocksDeleted,
					humanize.IBytes(report.BytesReclaimed))
				return nil
			})
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:           "scatterfs",
		Short:         "Erasure-coded encrypted file store over unreliable accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "scatterfs.yaml", "config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	root.AddCommand(statusCmd(), scrubCmd(), rebuildCmd(), migrateCmd(), gcCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
