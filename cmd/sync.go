package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/github-issue-mirror/internal/db"
	"github.com/wesm/github-issue-mirror/internal/logging"
	mirrorsync "github.com/wesm/github-issue-mirror/internal/sync"
)

var syncAll bool

var syncCmd = &cobra.Command{
	Use:   "sync [owner/name]",
	Short: "Fully sync one repository, or every configured repository with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncAll == (len(args) == 1) {
			return errors.New("specify either a repository or --all")
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireToken(); err != nil {
			return err
		}

		start := time.Now()
		out := cmd.OutOrStdout()

		if !syncAll {
			owner, name, err := mirrorsync.ParseRepositoryString(args[0])
			if err != nil {
				return err
			}
			result, err := a.syncer.SyncRepository(cmd.Context(), owner, name, a.cfg.GitHubToken)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Synced %d issues from %s/%s in %v\n", result.Count, owner, name, time.Since(start).Round(time.Millisecond))
			return nil
		}

		if len(a.cfg.Repositories) == 0 {
			return errors.New("no repositories configured; use add-repo first")
		}
		logging.Info("syncing repositories", "count", len(a.cfg.Repositories), "workers", a.cfg.Workers)
		results, err := a.syncer.SyncAll(cmd.Context(), a.cfg.Repositories, a.cfg.GitHubToken)
		for _, res := range results {
			if res.Err != nil {
				logging.Error("repository sync failed", "repository", res.Repository, "error", res.Err)
				fmt.Fprintf(out, "%-40s FAILED  %v\n", res.Repository, res.Err)
				continue
			}
			fmt.Fprintf(out, "%-40s %d issues\n", res.Repository, res.Count)
		}
		logging.Info("sync finished", "duration", time.Since(start))
		if err != nil {
			return fmt.Errorf("some repositories failed to sync: %w", err)
		}
		return nil
	},
}

var rollupCmd = &cobra.Command{
	Use:   "rollup owner/name",
	Short: "Recompute today's metrics snapshot for a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, _, err := mirrorsync.ParseRepositoryString(args[0]); err != nil {
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.aggregator.Rollup(cmd.Context(), args[0]); err != nil {
			return err
		}
		snap, err := a.db.GetMetricsSnapshot(cmd.Context(), args[0], a.aggregator.Today())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d issues (%d open, %d closed)\n",
			snap.Repository, snap.Date, snap.TotalIssues, snap.OpenIssues, snap.ClosedIssues)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status owner/name",
	Short: "Show the last full sync of a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.db.GetSyncStatus(cmd.Context(), args[0])
		if errors.Is(err, db.ErrNotFound) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s has never been synced\n", args[0])
			return nil
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Repository: %s\n", status.Repository)
		fmt.Fprintf(out, "Status:     %s\n", status.Status)
		fmt.Fprintf(out, "Last sync:  %s\n", status.LastSync.Format(time.RFC3339))
		if status.ErrorMessage != nil {
			fmt.Fprintf(out, "Error:      %s\n", *status.ErrorMessage)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "Sync every repository in the configuration")
}
