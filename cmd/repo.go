package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesm/github-issue-mirror/config"
	"github.com/wesm/github-issue-mirror/internal/logging"
	mirrorsync "github.com/wesm/github-issue-mirror/internal/sync"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default configuration file if it doesn't exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfig(configPath); err != nil {
			return fmt.Errorf("failed to create default configuration: %w", err)
		}
		logging.Info("configuration ready", "path", configPath)
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration at %s\n", configPath)
		fmt.Fprintf(cmd.OutOrStdout(), "GitHub token can be provided via the %s environment variable\n", config.EnvGithubToken)
		return nil
	},
}

var addRepoCmd = &cobra.Command{
	Use:   "add-repo owner/name",
	Short: "Add a repository to the configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := args[0]
		if _, _, err := mirrorsync.ParseRepositoryString(repo); err != nil {
			return err
		}

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if !cfg.AddRepository(repo) {
			fmt.Fprintf(cmd.OutOrStdout(), "Repository %s already exists in configuration\n", repo)
			return nil
		}
		if err := config.SaveConfig(cfg, configPath); err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}
		logging.Info("added repository", "repository", repo)
		fmt.Fprintf(cmd.OutOrStdout(), "Added repository %s to configuration\n", repo)
		return nil
	},
}
