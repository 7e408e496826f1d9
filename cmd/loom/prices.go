package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newPricesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prices",
		Short: "inspect and refresh the model price table",
	}
	cmd.AddCommand(newPricesShowCmd(), newPricesRefreshCmd())
	return cmd
}

func newPricesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "print the cached price table",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.log.Sync() }()

			models := make([]string, 0, len(a.prices.Rows))
			for m := range a.prices.Rows {
				models = append(models, m)
			}
			sort.Strings(models)
			fmt.Fprintf(cmd.OutOrStdout(), "verified=%v source=%q updated=%s\n",
				a.prices.Verified, a.prices.LastFetchSource, a.prices.LastUpdated.Format("2006-01-02 15:04:05"))
			for _, m := range models {
				r := a.prices.Rows[m]
				line := fmt.Sprintf("%-28s in=%.4f out=%.4f", m, r.InputPer1K, r.OutputPer1K)
				if r.BatchInputPer1K != nil {
					line += fmt.Sprintf(" batch_in=%.4f", *r.BatchInputPer1K)
				}
				if r.BatchOutputPer1K != nil {
					line += fmt.Sprintf(" batch_out=%.4f", *r.BatchOutputPer1K)
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

func newPricesRefreshCmd() *cobra.Command {
	var url string
	var fromModel bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "refresh the price table from the URL source or the fetcher model",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.log.Sync() }()

			src := url
			if src == "" && !fromModel {
				src = a.settings.Pricing.SourceURL
			}
			var ok bool
			var msg string
			if fromModel || src == "" {
				ok, msg = a.prices.RefreshFromModel(cmd.Context(), a.client, "")
			} else {
				ok, msg = a.prices.RefreshFromURL(cmd.Context(), nil, src)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok=%v %s (rows=%d verified=%v)\n", ok, msg, len(a.prices.Rows), a.prices.Verified)
			if !ok {
				return fmt.Errorf("pricing refresh failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "price table URL (defaults to settings)")
	cmd.Flags().BoolVar(&fromModel, "from-model", false, "ask the fetcher model instead of a URL")
	return cmd
}

func newReceiptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "inspect the receipt store",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "print the most recent receipts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.log.Sync() }()

			rows, err := a.receipts.Query(limit)
			if err != nil {
				return err
			}
			for _, r := range rows {
				ref := ""
				if r.ResponseID != nil {
					ref = *r.ResponseID
				} else if r.BatchID != nil {
					ref = "batch:" + *r.BatchID
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-6d %-24s %-8s %-10s in=%-8d out=%-8d $%.6f %s\n",
					r.ID, r.RunID, r.Mode, r.FlowType, r.InputTokens, r.OutputTokens, r.TotalCost, ref)
			}
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	var ids []string
	rm := &cobra.Command{
		Use:   "rm",
		Short: "delete receipts by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.log.Sync() }()

			var parsed []int64
			for _, raw := range ids {
				for _, part := range strings.Split(raw, ",") {
					part = strings.TrimSpace(part)
					if part == "" {
						continue
					}
					id, err := strconv.ParseInt(part, 10, 64)
					if err != nil {
						return fmt.Errorf("bad receipt id %q", part)
					}
					parsed = append(parsed, id)
				}
			}
			if len(parsed) == 0 {
				return fmt.Errorf("no ids given")
			}
			if err := a.receipts.DeleteIDs(parsed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d receipts\n", len(parsed))
			return nil
		},
	}
	rm.Flags().StringArrayVar(&ids, "ids", nil, "receipt ids (repeatable, comma-separated allowed)")
	_ = rm.MarkFlagRequired("ids")

	cmd.AddCommand(list, rm)
	return cmd
}
