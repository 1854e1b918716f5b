package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dvloznov/finance-sync/internal/app"
	"github.com/dvloznov/finance-sync/internal/config"
	"github.com/dvloznov/finance-sync/internal/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// globals are the flags shared by every subcommand.
type globals struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:   "finance-sync",
		Short: "Operate the transaction import and sync pipeline",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", os.Getenv("CONFIG_PATH"), "path to YAML config")

	rootCmd.AddCommand(
		newSubmitImportCommand(g),
		newJobStatusCommand(g),
		newActiveJobsCommand(g),
		newMarkJobErrorCommand(g),
		newLinksCommand(g),
		newLinkAccountCommand(g),
		newTriggerSyncCommand(g),
	)
	return rootCmd
}

// open loads configuration and wires the services. Logs go to stderr so
// stdout carries only command output.
func (g *globals) open(cmd *cobra.Command) (context.Context, *app.App, error) {
	cfg, err := config.LoadFromEnv(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewFromConfig(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	ctx := logger.WithContext(cmd.Context(), log)
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing services: %w", err)
	}
	return ctx, a, nil
}

// drain runs queued jobs in this process until none is claimable.
func drain(ctx context.Context, a *app.App) error {
	for {
		ran, err := a.Worker.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !ran {
			return nil
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
