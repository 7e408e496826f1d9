package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsvetkov/loom/internal/cascade"
)

func newCascadeCmd() *cobra.Command {
	var filePath, project, inDir, outDir string
	cmd := &cobra.Command{
		Use:   "cascade",
		Short: "execute a cascade definition (JSON or YAML)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.log.Sync() }()

			def, err := cascade.Load(filePath)
			if err != nil {
				return err
			}
			if project == "" {
				project = def.Name
			}
			r := cascade.NewRunner(a.client, a.settings.LogRoot, a.log)
			r.Stop = stopFlag()
			r.Status = func(p, sp int, msg string) {
				fmt.Fprintf(cmd.ErrOrStderr(), "[%3d%%] %s\n", p, msg)
			}
			res, err := r.Run(cmd.Context(), cascade.Config{
				Project:    project,
				Definition: def,
				InDir:      inDir,
				OutDir:     outDir,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "cascade definition file")
	cmd.Flags().StringVar(&project, "project", "", "project name (defaults to the cascade name)")
	cmd.Flags().StringVar(&inDir, "in", "", "IN directory")
	cmd.Flags().StringVar(&outDir, "out", "", "OUT directory for expected_out_files")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
