package pricing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tsvetkov/loom/internal/contract"
	"github.com/tsvetkov/loom/internal/remote"
)

// FetcherModel answers pricing questions when no URL source is configured.
const FetcherModel = "gpt-4.1"

const fetcherInstructions = "Return ONLY valid JSON with field 'rows' (list). " +
	`Each row: {"model":"string","input_per_1k":float,"output_per_1k":float,` +
	`"batch_input_per_1k":float|null,"batch_output_per_1k":float|null,` +
	`"file_search_per_1k":float|null,"storage_per_gb_day":float|null}. ` +
	"Use USD prices for current OpenAI production models. No commentary."

// FetchFromModel asks the service itself for a pricing table. Results are
// merged as unverified.
func FetchFromModel(ctx context.Context, client *remote.Client, model string) (map[string]Row, error) {
	if model == "" {
		model = FetcherModel
	}
	resp, err := client.CreateResponse(ctx, remote.ResponseRequest{
		Model:        model,
		Instructions: fetcherInstructions,
		Input: []map[string]any{
			remote.Message("user", remote.TextPart("Give me the current OpenAI API pricing table.")),
		},
	})
	if err != nil {
		return nil, err
	}
	obj, err := contract.ParseJSONStrict(contract.ExtractText(resp))
	if err != nil {
		return nil, fmt.Errorf("model pricing response: %w", err)
	}
	raw, err := encodeRows(obj)
	if err != nil {
		return nil, err
	}
	rows, err := ParseRows(raw)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("model pricing response: no usable rows")
	}
	return rows, nil
}

// RefreshFromModel merges model-reported rows into the table with
// verified=false.
func (t *Table) RefreshFromModel(ctx context.Context, client *remote.Client, model string) (bool, string) {
	rows, err := FetchFromModel(ctx, client, model)
	if err != nil {
		t.Verified = false
		return false, err.Error()
	}
	if err := t.UpdateFromRows(rows, false, "model "+modelOrDefault(model)); err != nil {
		return false, err.Error()
	}
	return true, "OK"
}

func modelOrDefault(model string) string {
	if model == "" {
		return FetcherModel
	}
	return model
}

func encodeRows(obj map[string]any) ([]byte, error) {
	return json.Marshal(obj)
}
