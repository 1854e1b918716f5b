package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dvloznov/finance-sync/internal/app"
)

var errNoAggregator = errors.New("no aggregator configured: set aggregator.client_id and aggregator.secret")

func requireAggregator(a *app.App) error {
	if a.Aggregator == nil {
		return errNoAggregator
	}
	return nil
}

func newLinksCommand(g *globals) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "links",
		Short: "List a user's aggregator links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.Links.ListLinks(ctx, userID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "owning user id (required)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newLinkAccountCommand(g *globals) *cobra.Command {
	var userID, publicToken string
	var wait bool

	cmd := &cobra.Command{
		Use:   "link-account",
		Short: "Exchange a public token and queue the initial sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := requireAggregator(a); err != nil {
				return err
			}

			itemID, err := a.Aggregator.LinkAccount(ctx, userID, publicToken)
			if err != nil {
				return err
			}
			if wait {
				if err := drain(ctx, a); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Linked item %s\n", itemID)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "owning user id (required)")
	_ = cmd.MarkFlagRequired("user")
	cmd.Flags().StringVar(&publicToken, "public-token", "", "token from the aggregator link flow (required)")
	_ = cmd.MarkFlagRequired("public-token")
	cmd.Flags().BoolVar(&wait, "wait", false, "run the initial sync in this process before returning")

	return cmd
}

func newTriggerSyncCommand(g *globals) *cobra.Command {
	var userID, itemID string
	var wait bool

	cmd := &cobra.Command{
		Use:   "trigger-sync",
		Short: "Queue an incremental sync for a linked item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := requireAggregator(a); err != nil {
				return err
			}

			job, err := a.Aggregator.TriggerSync(ctx, userID, itemID)
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
	cmd.Flags().StringVar(&itemID, "item", "", "aggregator item id (required)")
	_ = cmd.MarkFlagRequired("item")
	cmd.Flags().BoolVar(&wait, "wait", false, "run the sync in this process before returning")

	return cmd
}
