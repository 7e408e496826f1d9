package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsvetkov/loom/internal/config"
	"github.com/tsvetkov/loom/internal/runlog"
	"github.com/tsvetkov/loom/internal/scan"
)

func newScanCmd() *cobra.Command {
	var dir, manifestOut string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "preview which IN-tree files would be mirrored",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.log.Sync() }()

			sec := a.settings.Security
			opts := scan.Options{
				DenyExtensions:  sec.DenyExtensionsIn,
				AllowExtensions: sec.AllowExtensionsIn,
				DenyGlobs:       sec.DenyGlobsIn,
				AllowGlobs:      sec.AllowGlobsIn,
			}
			if len(opts.DenyExtensions) == 0 {
				opts.DenyExtensions = config.DefaultDenyExtensions
			}
			if len(opts.DenyGlobs) == 0 {
				opts.DenyGlobs = config.DefaultDenyGlobs
			}
			items, err := scan.Tree(dir, opts)
			if err != nil {
				return err
			}
			uploadable := 0
			for _, it := range items {
				if it.Uploadable {
					uploadable++
					fmt.Fprintf(cmd.OutOrStdout(), "ok        %s (%d bytes)\n", it.RelPath, it.Size)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%-9s %s\n", it.Reason, it.RelPath)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "total=%d uploadable=%d\n", len(items), uploadable)
			if manifestOut != "" {
				m := scan.BuildManifest(dir, items, nil)
				raw, err := json.MarshalIndent(m, "", "  ")
				if err != nil {
					return err
				}
				if err := runlog.WriteFileAtomic(manifestOut, raw); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "manifest written to %s\n", manifestOut)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory to scan")
	cmd.Flags().StringVar(&manifestOut, "manifest", "", "write the manifest JSON here")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}
