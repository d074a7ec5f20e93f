package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/github-issue-mirror/config"
	"github.com/wesm/github-issue-mirror/internal/db"
	"github.com/wesm/github-issue-mirror/internal/logging"
	"github.com/wesm/github-issue-mirror/internal/metrics"
	mirrorsync "github.com/wesm/github-issue-mirror/internal/sync"
	"github.com/wesm/github-issue-mirror/internal/telemetry"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "issue-mirror",
	Short: "Mirror GitHub issues into a local SQLite database",
	Long: `issue-mirror keeps a local copy of the issues of one or more GitHub
repositories. Issues arrive through full syncs and webhook deliveries, and a
daily metrics snapshot is kept per repository.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "Path to configuration file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addRepoCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(rollupCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
}

// app is everything a command needs once the configuration is loaded
type app struct {
	cfg        *config.Config
	db         *db.DB
	syncer     *mirrorsync.Syncer
	aggregator *metrics.Aggregator
	logFile    io.Closer
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	a := &app{cfg: cfg}
	opened := false
	defer func() {
		if !opened {
			a.Close()
		}
	}()

	if cfg.LogFile != "" {
		a.logFile = logging.SetupWithFile(logging.LogLevel(cfg.LogLevel), logging.FileOptions{Path: cfg.LogFile})
	} else {
		logging.SetupLogger(rootCmd.ErrOrStderr(), logging.LogLevel(cfg.LogLevel))
	}

	if err := telemetry.Init(ctx, "github-issue-mirror", version, telemetry.Options{
		Enabled:      cfg.Telemetry.Enabled,
		Stdout:       cfg.Telemetry.Stdout,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	database, err := db.New(cfg.DatabaseDriver, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = database
	if err := database.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a.aggregator = metrics.NewAggregator(database)
	a.syncer = mirrorsync.New(database, mirrorsync.GitHubClients(cfg.GitHubAPIURL, cfg.PageSize), a.aggregator)
	a.syncer.SetWorkers(cfg.Workers)

	logging.Debug("configuration loaded",
		"config", configPath,
		"database", cfg.DatabasePath,
		"driver", cfg.DatabaseDriver,
		"token", logging.MaskSensitive(cfg.GitHubToken),
	)
	opened = true
	return a, nil
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := telemetry.Shutdown(ctx); err != nil {
		logging.Warn("telemetry shutdown failed", "error", err)
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logging.Warn("failed to close database", "error", err)
		}
	}
	if a.logFile != nil {
		logging.SetupLogger(os.Stderr, logging.LogLevel(a.cfg.LogLevel))
		a.logFile.Close()
	}
}

// requireToken fails when no GitHub credential is configured
func (a *app) requireToken() error {
	if a.cfg.GitHubToken == "" {
		return fmt.Errorf("no GitHub token: set %s or github_token in %s", config.EnvGithubToken, configPath)
	}
	return nil
}
