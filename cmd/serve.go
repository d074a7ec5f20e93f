package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/github-issue-mirror/internal/api"
	"github.com/wesm/github-issue-mirror/internal/logging"
	"github.com/wesm/github-issue-mirror/internal/server"
	"github.com/wesm/github-issue-mirror/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the webhook endpoint and the issue API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := server.New(server.Config{
			DB:         a.db,
			Syncer:     a.syncer,
			Aggregator: a.aggregator,
			Auth:       api.NewTokenValidator(a.cfg.GitHubAPIURL, api.DefaultCredentialTTL),
			Webhook: webhook.NewHandler(webhook.Config{
				Secret:     a.cfg.WebhookSecret,
				Reconciler: a.syncer,
				Roller:     a.aggregator,
			}),
		})

		errCh := make(chan error, 1)
		go func() {
			logging.Info("listening", "addr", a.cfg.ListenAddr)
			errCh <- srv.Start(a.cfg.ListenAddr)
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		logging.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
