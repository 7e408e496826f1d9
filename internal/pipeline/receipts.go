package pipeline

import (
	"strings"

	"go.uber.org/zap"

	"github.com/tsvetkov/loom/internal/pricing"
	"github.com/tsvetkov/loom/internal/receipt"
	"github.com/tsvetkov/loom/internal/remote"
)

const receiptNotesLimit = 4000

// priceRow resolves the billing row for a model: table, then builtin for
// the model, then the builtin reference model. ok reports a table hit.
func (rn *run) priceRow(model string) (pricing.Row, bool) {
	if rn.r.Prices != nil {
		if row, ok := rn.r.Prices.Get(model); ok {
			return row, true
		}
	}
	builtin := pricing.Builtin()
	if row, ok := builtin[model]; ok {
		return row, false
	}
	return builtin["gpt-4o-mini"], false
}

// recordReceipt bills the run's final response. flow is the contract
// label of the call that produced resp.
func (rn *run) recordReceipt(flow string, resp map[string]any) {
	if rn.r.Receipts == nil {
		return
	}
	usage := remote.ParseUsage(resp)
	model := remote.AsString(resp, "model")
	if model == "" {
		model = rn.cfg.Model
	}
	row, priced := rn.priceRow(model)
	isBatch := rn.cfg.SendAsBatch
	cost := pricing.ComputeCost(&row, usage.InputTokens, usage.OutputTokens, isBatch, rn.usedFileSearch, 0)

	notes := rn.receiptNotes
	if len(notes) > receiptNotesLimit {
		notes = notes[:receiptNotesLimit]
	}
	rec := &receipt.Receipt{
		RunID:        rn.log.RunID,
		CreatedAt:    unixNow(),
		Project:      rn.cfg.Project,
		Model:        model,
		Mode:         rn.cfg.Mode,
		FlowType:     flow,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		ToolCost:     cost.Tool,
		StorageCost:  cost.Storage,
		TotalCost:    cost.Total,
		Notes:        notes,
	}
	if rn.r.Prices != nil {
		rec.PricingVerified = rn.r.Prices.Verified && priced
	}
	if id := strings.TrimSpace(remote.AsString(resp, "id")); id != "" {
		rec.ResponseID = &id
	}
	rec.SetLogPaths(map[string]any{"run_dir": rn.log.Dir()})
	rec.SetUsage(map[string]any{
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
	})
	if _, err := rn.r.Receipts.Insert(rec); err != nil {
		rn.r.Log.Warn("receipt insert failed", zap.Error(err))
		rn.log.Event("receipt.failed", map[string]any{"error": err.Error()})
		return
	}
	rn.hasReceipt = true
	rn.log.Event("receipt.recorded", map[string]any{
		"flow":       flow,
		"model":      model,
		"total_cost": cost.Total,
	})
}

// recordBatchReceipt bills a submitted batch: tokens are unknown until
// the batch completes, so only the ids and mode are recorded.
func (rn *run) recordBatchReceipt(batchID string) {
	if rn.r.Receipts == nil {
		return
	}
	notes := rn.receiptNotes
	if len(notes) > receiptNotesLimit {
		notes = notes[:receiptNotesLimit]
	}
	rec := &receipt.Receipt{
		RunID:     rn.log.RunID,
		CreatedAt: unixNow(),
		Project:   rn.cfg.Project,
		Model:     rn.cfg.Model,
		Mode:      "C",
		FlowType:  "C_BATCH",
		Notes:     notes,
	}
	if batchID != "" {
		rec.BatchID = &batchID
	}
	rec.SetLogPaths(map[string]any{"run_dir": rn.log.Dir()})
	if _, err := rn.r.Receipts.Insert(rec); err != nil {
		rn.r.Log.Warn("batch receipt insert failed", zap.Error(err))
		return
	}
	rn.hasReceipt = true
	rn.log.Event("receipt.recorded", map[string]any{"flow": "C_BATCH", "batch_id": batchID})
}

// ensureReceiptOnFailure writes the accumulated token totals when a run
// dies without its normal receipt, so stopped and failed runs still bill.
func (rn *run) ensureReceiptOnFailure(reason, flow string) {
	if rn.hasReceipt || rn.r.Receipts == nil {
		return
	}
	model := rn.cfg.Model
	row, priced := rn.priceRow(model)
	isBatch := rn.cfg.SendAsBatch
	cost := pricing.ComputeCost(&row, rn.totalInTokens, rn.totalOutTokens, isBatch, rn.usedFileSearch, 0)
	rec := &receipt.Receipt{
		RunID:        rn.log.RunID,
		CreatedAt:    unixNow(),
		Project:      rn.cfg.Project,
		Model:        model,
		Mode:         rn.cfg.Mode,
		FlowType:     flow,
		InputTokens:  rn.totalInTokens,
		OutputTokens: rn.totalOutTokens,
		ToolCost:     cost.Tool,
		StorageCost:  cost.Storage,
		TotalCost:    cost.Total,
		Notes:        reason,
	}
	if rn.r.Prices != nil {
		rec.PricingVerified = rn.r.Prices.Verified && priced
	}
	if id := strings.TrimSpace(rn.finalResponseID); id != "" {
		rec.ResponseID = &id
	}
	rec.SetLogPaths(map[string]any{"run_dir": rn.log.Dir()})
	rec.SetUsage(map[string]any{"reason": reason})
	if _, err := rn.r.Receipts.Insert(rec); err != nil {
		rn.r.Log.Warn("fallback receipt insert failed", zap.Error(err))
		return
	}
	rn.hasReceipt = true
	rn.log.Event("receipt.recorded", map[string]any{"flow": flow, "reason": reason})
}
