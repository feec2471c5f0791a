package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mischa-dev/bootstrap/internal/config"
	"github.com/Mischa-dev/bootstrap/internal/notify"
	"github.com/Mischa-dev/bootstrap/internal/policy"
	"github.com/Mischa-dev/bootstrap/internal/provision"
	"github.com/Mischa-dev/bootstrap/internal/viewmodels"
)

func newPolicyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the tailnet policy",
	}
	cmd.AddCommand(newPolicyShowCmd(a), newPolicyPlanCmd(a), newPolicyHistoryCmd(a))
	return cmd
}

func newPolicyShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current tailnet policy as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := a.policyAPI(cmd.Context())
			if err != nil {
				return err
			}
			doc, err := api.FetchPolicy(cmd.Context())
			if err != nil {
				return err
			}
			return writeDocument(cmd.OutOrStdout(), doc)
		},
	}
}

func newPolicyPlanCmd(a *app) *cobra.Command {
	flags := &accessFlags{}
	var full bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the policy change the access workflow would make",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := a.policyAPI(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.require(cmd.Context(), &a.settings.Tag, "Tag to grant SSH to: ", "tag", config.EnvTag); err != nil {
				return err
			}
			doc, err := api.FetchPolicy(cmd.Context())
			if err != nil {
				return err
			}

			opts := a.provisionOptions(true)
			flags.apply(cmd, &opts)
			plan, err := provision.PlanPolicy(doc, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !plan.Changed() {
				notify.Successf(out, "%s", plan.Describe())
				return nil
			}
			notify.Changef(out, "would add %s", plan.Describe())
			if full {
				return writeDocument(out, plan.After)
			}
			return nil
		},
	}

	flags.registerGrant(cmd.Flags())
	cmd.Flags().BoolVar(&full, "full", false, "also print the resulting policy")
	return cmd
}

func newPolicyHistoryCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded policy revisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.settings.HistoryRepo == "" {
				return errors.New("no history repository configured (--history)")
			}
			if err := a.require(cmd.Context(), &a.settings.Tailnet, "Tailnet: ", "tailnet", config.EnvTailnet); err != nil {
				return err
			}
			store := a.history(cmd.Context())
			if store == nil {
				return fmt.Errorf("failed to open history repository %s", a.settings.HistoryRepo)
			}
			revisions, err := store.Revisions(cmd.Context(), a.settings.Tailnet, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			rows := viewmodels.BuildRevisionRows(revisions, time.Now())
			if len(rows) == 0 {
				notify.Infof(out, "no revisions recorded for %s", a.settings.Tailnet)
				return nil
			}
			for _, row := range rows {
				notify.Activityf(out, "%s  %-10s %s", row.Hash, row.Age, row.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of revisions to list")
	return cmd
}

func writeDocument(w io.Writer, doc *policy.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}
	if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write policy: %w", err)
	}
	return nil
}
