package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dvloznov/finance-sync/internal/blobstore"
	"github.com/dvloznov/finance-sync/internal/importer"
	"github.com/dvloznov/finance-sync/internal/jobs"
)

func newSubmitImportCommand(g *globals) *cobra.Command {
	var (
		userID    string
		accountID string
		threshold float64
		batchSize int
		delayMs   int
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "submit-import <file.csv>",
		Short: "Upload a CSV file and queue it for import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening %s: %w", args[0], err)
			}
			defer f.Close()

			fileName := filepath.Base(args[0])
			uri := a.Locate(blobstore.ObjectName(userID, fileName))
			if err := a.Blobs.Upload(ctx, uri, f); err != nil {
				return fmt.Errorf("uploading %s: %w", fileName, err)
			}

			opts := importer.Options{AccountID: accountID}
			if cmd.Flags().Changed("threshold") {
				opts.DedupThreshold = &threshold
			}
			if cmd.Flags().Changed("batch-size") {
				opts.BatchSize = &batchSize
			}
			if cmd.Flags().Changed("delay-ms") {
				opts.BatchDelayMs = &delayMs
			}

			job, err := a.Orchestrator.SubmitImport(ctx, userID, fileName, uri, opts)
			if err != nil {
				return err
			}
			if wait {
				if err := drain(ctx, a); err != nil {
					return err
				}
			}

			st, err := a.Orchestrator.JobStatus(ctx, job.ID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "owning user id (required)")
	_ = cmd.MarkFlagRequired("user")
	cmd.Flags().StringVar(&accountID, "account", "", "account id for rows that do not name one")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "dedup threshold, 0-100")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "rows per batch, 1-500")
	cmd.Flags().IntVar(&delayMs, "delay-ms", 0, "pause between batches in milliseconds")
	cmd.Flags().BoolVar(&wait, "wait", false, "run the job in this process before returning")

	return cmd
}

func newJobStatusCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "job-status <job-id>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.Orchestrator.JobStatus(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newActiveJobsCommand(g *globals) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "active-jobs",
		Short: "List a user's queued and running imports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.Orchestrator.ActiveJobs(ctx, userID)
			if err != nil {
				return err
			}
			out := make([]*importer.Status, 0, len(list))
			for _, j := range list {
				out = append(out, importer.StatusOf(j))
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "owning user id (required)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newMarkJobErrorCommand(g *globals) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "mark-job-error <job-id>",
		Short: "Fail a job that will not finish on its own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Orchestrator.MarkJobError(ctx, args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s marked as %s\n", args[0], jobs.StatusError)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the job")

	return cmd
}
