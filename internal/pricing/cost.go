package pricing

// Cost breaks one response's cost into its parts.
type Cost struct {
	Total   float64
	Tool    float64
	Storage float64
}

// ComputeCost prices observed usage against a row. Batch rates apply only
// when present; file-search billing follows input tokens; storage follows
// GB-days.
func ComputeCost(row *Row, inputTokens, outputTokens int64, isBatch, useFileSearch bool, storageGBDays float64) Cost {
	if row == nil {
		return Cost{}
	}
	in := row.InputPer1K
	out := row.OutputPer1K
	if isBatch {
		if row.BatchInputPer1K != nil {
			in = *row.BatchInputPer1K
		}
		if row.BatchOutputPer1K != nil {
			out = *row.BatchOutputPer1K
		}
	}
	base := float64(inputTokens)/1000.0*in + float64(outputTokens)/1000.0*out
	var tool float64
	if useFileSearch && row.FileSearchPer1K != nil {
		tool = float64(inputTokens) / 1000.0 * *row.FileSearchPer1K
	}
	var storage float64
	if storageGBDays > 0 && row.StoragePerGBDay != nil {
		storage = storageGBDays * *row.StoragePerGBDay
	}
	return Cost{Total: base + tool + storage, Tool: tool, Storage: storage}
}
