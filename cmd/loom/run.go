package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsvetkov/loom/internal/caps"
	"github.com/tsvetkov/loom/internal/pipeline"
	"github.com/tsvetkov/loom/internal/runlog"
)

// runFile is the on-disk run description loom run consumes.
type runFile struct {
	Project                string   `json:"project"`
	Prompt                 string   `json:"prompt"`
	PromptFile             string   `json:"prompt_file"`
	Mode                   string   `json:"mode"`
	SendAsBatch            bool     `json:"send_as_batch"`
	Model                  string   `json:"model"`
	BaseResponseID         string   `json:"base_response_id"`
	AttachedFileIDs        []string `json:"attached_file_ids"`
	InputFileIDs           []string `json:"input_file_ids"`
	AttachedVectorStoreIDs []string `json:"attached_vector_store_ids"`
	InDir                  string   `json:"in_dir"`
	OutDir                 string   `json:"out_dir"`
	InEqualsOut            bool     `json:"in_equals_out"`
	Versing                *bool    `json:"versing"`
	Temperature            *float64 `json:"temperature"`
	UseFileSearch          bool     `json:"use_file_search"`
	SkipPaths              []string `json:"skip_paths"`
	SkipExts               []string `json:"skip_exts"`
	Resume                 bool     `json:"resume"`
}

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "execute one pipeline run from a run file",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.log.Sync() }()

			raw, err := os.ReadFile(configPath)
			if err != nil {
				return err
			}
			var rf runFile
			dec := json.NewDecoder(strings.NewReader(string(raw)))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&rf); err != nil {
				return fmt.Errorf("run file %s: %w", configPath, err)
			}
			cfg, err := a.buildRunConfig(cmd, rf)
			if err != nil {
				return err
			}

			r := pipeline.NewRunner(a.client, a.settings, a.receipts, a.prices, a.settings.LogRoot, a.log)
			r.Stop = stopFlag()
			r.Status = func(p, sp int, msg string) {
				fmt.Fprintf(cmd.ErrOrStderr(), "[%3d%%] %s\n", p, msg)
			}
			result, err := r.Run(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "run.json", "run description file")
	return cmd
}

func (a *app) buildRunConfig(cmd *cobra.Command, rf runFile) (pipeline.RunConfig, error) {
	prompt := rf.Prompt
	if prompt == "" && rf.PromptFile != "" {
		data, err := os.ReadFile(rf.PromptFile)
		if err != nil {
			return pipeline.RunConfig{}, err
		}
		prompt = string(data)
	}
	model := rf.Model
	if model == "" {
		model = a.settings.DefaultModel
	}
	temp := a.settings.DefaultTemperature
	if rf.Temperature != nil {
		temp = *rf.Temperature
	}
	versing := true
	if rf.Versing != nil {
		versing = *rf.Versing
	}
	cfg := pipeline.RunConfig{
		Project:                rf.Project,
		Prompt:                 prompt,
		Mode:                   strings.ToUpper(strings.TrimSpace(rf.Mode)),
		SendAsBatch:            rf.SendAsBatch,
		Model:                  model,
		BaseResponseID:         rf.BaseResponseID,
		AttachedFileIDs:        rf.AttachedFileIDs,
		InputFileIDs:           rf.InputFileIDs,
		AttachedVectorStoreIDs: rf.AttachedVectorStoreIDs,
		InDir:                  rf.InDir,
		OutDir:                 rf.OutDir,
		InEqualsOut:            rf.InEqualsOut,
		Versing:                versing,
		Temperature:            temp,
		UseFileSearch:          rf.UseFileSearch,
		SkipPaths:              rf.SkipPaths,
		SkipExts:               rf.SkipExts,
	}
	cfg.Caps = a.capsFor(cmd, model)

	if rf.Resume {
		info, err := runlog.FindLastIncompleteRun(a.settings.LogRoot)
		if err != nil {
			return cfg, err
		}
		if info == nil {
			return cfg, fmt.Errorf("no resumable run found under %s", a.settings.LogRoot)
		}
		if files, ok := info.Structure["files"].([]any); ok {
			for _, f := range files {
				if m, ok := f.(map[string]any); ok {
					cfg.ResumeFiles = append(cfg.ResumeFiles, m)
				}
			}
		}
		cfg.ResumePrevID = info.LastResponseID
		if id, ok := info.Structure["structure_response_id"].(string); ok && cfg.ResumePrevID == "" {
			cfg.ResumePrevID = id
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "resuming %s (%d planned files)\n", info.RunID, len(cfg.ResumeFiles))
	}
	return cfg, nil
}

// capsFor reads the cached capability record, probing first when the
// settings ask for it. An unknown model runs with chaining and
// temperature allowed but tools off.
func (a *app) capsFor(cmd *cobra.Command, model string) caps.Record {
	if a.settings.Caps.AutoProbeOnStart && a.caps.IsStale(model, a.capsTTL()) {
		prober := caps.NewProber(a.client, a.caps, a.capsTTL(), a.log)
		if err := prober.EnsureProbed(cmd.Context(), []string{model}); err != nil {
			a.log.Warn("capability probe failed", zap.String("model", model), zap.Error(err))
		}
	}
	if rec, ok := a.caps.Get(model); ok {
		return rec
	}
	return caps.Record{Model: model}
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
