package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsvetkov/loom/internal/audit"
	"github.com/tsvetkov/loom/internal/caps"
)

func newProbeCmd() *cobra.Command {
	var models []string
	var all bool
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "probe models for the optional request fields they accept",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.log.Sync() }()

			targets := models
			if all {
				ids, err := a.client.ListModels(cmd.Context())
				if err != nil {
					return err
				}
				targets = ids
			}
			if len(targets) == 0 {
				targets = []string{a.settings.DefaultModel}
			}
			prober := caps.NewProber(a.client, a.caps, a.capsTTL(), a.log)
			if err := prober.ProbeAll(cmd.Context(), targets); err != nil {
				return err
			}
			for _, m := range targets {
				rec, ok := a.caps.Get(m)
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: no record\n", m)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"%s: basic=%v continuation=%s temperature=%s tools=%s file_search=%s vector_store=%s\n",
					m, rec.OKBasic,
					rec.Continuation.State, rec.Temperature.State, rec.Tools.State,
					rec.FileSearch.State, rec.VectorStore.State)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&models, "model", nil, "model to probe (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "probe every model the account lists")
	return cmd
}

func newAuditCmd() *cobra.Command {
	var logRoot string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "reconcile run logs with the receipt store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.log.Sync() }()

			root := logRoot
			if root == "" {
				root = a.settings.LogRoot
			}
			auditor := audit.New(a.prices, a.receipts, root, a.log)
			auditor.Client = a.client
			auditor.SourceURL = a.settings.Pricing.SourceURL
			auditor.TTL = a.pricingTTL()
			sum := auditor.Audit(cmd.Context())
			return printJSON(cmd, sum)
		},
	}
	cmd.Flags().StringVar(&logRoot, "log-root", "", "log root to audit (defaults to settings)")
	return cmd
}
