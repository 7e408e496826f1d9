package caps

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/tsvetkov/loom/internal/remote"
)

// Prober runs the per-model probe protocol and is the sole writer to the
// cache. It runs as a single background task.
type Prober struct {
	Client *remote.Client
	Cache  *Cache
	TTL    time.Duration
	Log    *zap.Logger

	// Status receives per-model progress lines when set.
	Status func(model, status string)
}

func NewProber(client *remote.Client, cache *Cache, ttl time.Duration, log *zap.Logger) *Prober {
	if log == nil {
		log = zap.NewNop()
	}
	return &Prober{Client: client, Cache: cache, TTL: ttl, Log: log}
}

func (p *Prober) status(model, s string) {
	if p.Status != nil {
		p.Status(model, s)
	}
}

// EnsureProbed probes every listed model not already fresh in the cache.
func (p *Prober) EnsureProbed(ctx context.Context, models []string) error {
	return p.probe(ctx, p.Cache.MissingOrStale(models, p.TTL))
}

// ProbeAll probes every listed model regardless of TTL.
func (p *Prober) ProbeAll(ctx context.Context, models []string) error {
	return p.probe(ctx, models)
}

func (p *Prober) probe(ctx context.Context, models []string) error {
	if len(models) == 0 {
		return nil
	}
	vsID := p.setupFileSearchFixture(ctx)
	for _, model := range models {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.status(model, "probing")
		rec := p.probeOne(ctx, model, vsID)
		p.Cache.Upsert(rec)
		if err := p.Cache.Save(); err != nil {
			p.Log.Warn("capability cache save failed", zap.Error(err))
		}
		outcome := "ok"
		if !rec.OKBasic {
			outcome = "failed"
		}
		p.status(model, outcome)
		p.Log.Info("model probed",
			zap.String("model", model),
			zap.Bool("basic", rec.OKBasic),
			zap.String("continuation", rec.Continuation.State.String()),
			zap.String("temperature", rec.Temperature.State.String()),
			zap.String("tools", rec.Tools.State.String()))
	}
	return nil
}

// setupFileSearchFixture best-effort creates a scratch vector store with a
// single indexed file so the tools probe has something to search. Returns
// "" when the fixture could not be prepared; the tools probe is skipped
// then.
func (p *Prober) setupFileSearchFixture(ctx context.Context) string {
	nonce := ulid.Make().String()
	vsID, err := p.Client.CreateVectorStore(ctx, "caps_probe_"+nonce, 1)
	if err != nil || vsID == "" {
		p.Log.Debug("file_search fixture skipped", zap.Error(err))
		return ""
	}
	body := fmt.Sprintf("hello\nNEEDLE_%s\nbye\n", nonce)
	f, err := p.Client.UploadFileBytes(ctx, "caps_probe.txt", []byte(body), "user_data")
	if err != nil || f.ID == "" {
		p.Log.Debug("file_search fixture upload failed", zap.Error(err))
		return ""
	}
	if _, err := p.Client.AddFileToVectorStore(ctx, vsID, f.ID, map[string]any{"source": "caps_probe"}); err != nil {
		p.Log.Debug("file_search fixture attach failed", zap.Error(err))
		return ""
	}
	return vsID
}

func probeAckInstructions(tag string) string {
	return fmt.Sprintf("Return ONLY valid JSON: {\"contract\":%q,\"ok\":true}. No extra text.", tag)
}

func (p *Prober) tryResponse(ctx context.Context, req remote.ResponseRequest) (map[string]any, string) {
	resp, err := p.Client.CreateResponse(ctx, req)
	if err != nil {
		return nil, err.Error()
	}
	return resp, ""
}

// probeOne runs the ordered sub-probes: basic, continuation, temperature,
// tools/file_search.
func (p *Prober) probeOne(ctx context.Context, model, vsID string) Record {
	errs := map[string]string{}
	rec := Record{
		Model:    model,
		TestedAt: time.Now(),
		Errors:   errs,
	}

	resp, errBasic := p.tryResponse(ctx, remote.ResponseRequest{
		Model:        model,
		Instructions: probeAckInstructions("CAP_PING"),
		Input:        []map[string]any{remote.Message("user", remote.TextPart("ping"))},
	})
	if errBasic != "" {
		errs["basic"] = errBasic
		rec.OKBasic = false
		rec.Continuation = Inconclusive("basic call failed")
		rec.Temperature = No("basic call failed")
		rec.Tools = No("basic call failed")
		rec.FileSearch = No("basic call failed")
		rec.VectorStore = No("basic call failed")
		rec.Notes = "basic call failed"
		return rec
	}
	rec.OKBasic = true
	rec.Notes = "ok"
	baseID := remote.AsString(resp, "id")

	// Continuation: optimistic, only an explicit rejection flips it.
	rec.Continuation = Yes()
	if baseID != "" {
		_, errPrev := p.tryResponse(ctx, remote.ResponseRequest{
			Model:              model,
			Instructions:       probeAckInstructions("CAP_PREV"),
			Input:              []map[string]any{remote.Message("user", remote.TextPart("pong"))},
			PreviousResponseID: baseID,
		})
		if errPrev != "" {
			if ParamRejected(errPrev, "previous_response_id") {
				rec.Continuation = No(errPrev)
				errs["previous_response_id_param"] = errPrev
			} else {
				rec.Continuation = Inconclusive(errPrev)
				errs["previous_response_id_inconclusive"] = errPrev
			}
		}
	}

	// Temperature: probe a non-default value.
	rec.Temperature = Yes()
	temp := 1.1
	_, errTemp := p.tryResponse(ctx, remote.ResponseRequest{
		Model:        model,
		Instructions: probeAckInstructions("CAP_TEMP"),
		Input:        []map[string]any{remote.Message("user", remote.TextPart("temp"))},
		Temperature:  &temp,
	})
	if errTemp != "" {
		if ParamRejected(errTemp, "temperature") {
			rec.Temperature = No(errTemp)
			errs["temperature_param"] = errTemp
		} else {
			rec.Temperature = Inconclusive(errTemp)
			errs["temperature_inconclusive"] = errTemp
		}
	}

	// Tools: pessimistic, inconclusive stays disabled.
	rec.Tools = No("no fixture")
	rec.FileSearch = No("no fixture")
	if vsID != "" {
		_, errTools := p.tryResponse(ctx, remote.ResponseRequest{
			Model:        model,
			Instructions: "Try to use file_search tool. " + probeAckInstructions("CAP_TOOLS"),
			Input: []map[string]any{
				remote.Message("user", remote.TextPart("Search in files for the word NEEDLE and confirm you used file_search.")),
			},
			Tools: []map[string]any{remote.FileSearchTool(vsID)},
		})
		switch {
		case errTools == "":
			rec.Tools = Yes()
			rec.FileSearch = Yes()
		case ParamRejected(errTools, "tools"):
			rec.Tools = No(errTools)
			rec.FileSearch = No(errTools)
			errs["tools_param"] = errTools
		default:
			rec.Tools = Inconclusive(errTools)
			rec.FileSearch = Inconclusive(errTools)
			errs["tools_inconclusive"] = errTools
		}
	}
	rec.VectorStore = rec.FileSearch
	return rec
}
