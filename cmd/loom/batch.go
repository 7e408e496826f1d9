package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tsvetkov/loom/internal/pipeline"
	"github.com/tsvetkov/loom/internal/runlog"
)

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "inspect and apply asynchronous batch runs",
	}
	cmd.AddCommand(newBatchStatusCmd(), newBatchApplyCmd())
	return cmd
}

func newBatchStatusCmd() *cobra.Command {
	var batchID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "show the remote state of a batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.log.Sync() }()

			b, err := a.client.RetrieveBatch(cmd.Context(), batchID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch=%s status=%s output_file=%s error_file=%s\n",
				b.ID, b.Status, b.OutputFileID, b.ErrorFileID)
			return nil
		},
	}
	cmd.Flags().StringVar(&batchID, "id", "", "batch id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// newBatchApplyCmd reassembles a completed batch: either by run id (the
// engine downloads the output itself) or from an already-downloaded
// output JSONL file.
func newBatchApplyCmd() *cobra.Command {
	var project, runID, outputPath, outDir string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "write the files a completed batch produced",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.log.Sync() }()

			if runID != "" {
				r := pipeline.NewRunner(a.client, a.settings, a.receipts, a.prices, a.settings.LogRoot, a.log)
				result, err := r.FetchBatchOutput(cmd.Context(), project, runID)
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			}
			if outputPath == "" || outDir == "" {
				return fmt.Errorf("either --run or both --output and --out are required")
			}
			data, err := os.ReadFile(outputPath)
			if err != nil {
				return err
			}
			files, warnings, err := pipeline.ReassembleBatchOutput(data)
			for _, w := range warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "WARNING: %s\n", w)
			}
			if err != nil {
				return err
			}
			for _, f := range files {
				abs, err := runlog.SafeJoinUnderRoot(outDir, f.Path)
				if err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
					return err
				}
				if err := runlog.WriteFileAtomic(abs, []byte(f.Content)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", abs)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project of the original run")
	cmd.Flags().StringVar(&runID, "run", "", "run id that submitted the batch")
	cmd.Flags().StringVar(&outputPath, "output", "", "downloaded batch output JSONL")
	cmd.Flags().StringVar(&outDir, "out", "", "directory to write files into")
	return cmd
}
