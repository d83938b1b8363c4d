package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// vramContextOverheadGB approximates KV-cache and runtime overhead on top
// of the weights.
const vramContextOverheadGB = 0.5

// runBenchmark runs the same prompt through every enabled model, serial
// or in fixed-size concurrent batches, and reports a comparison table.
func (o *Orchestrator) runBenchmark(ctx context.Context, queryID string, req *models.QueryRequest, pre *preamble) (*models.QueryResponse, error) {
	enabled := o.deps.Registry.Enabled()
	if len(enabled) == 0 {
		return nil, &UnavailableError{Reason: "benchmark requires at least one enabled model"}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].ModelID < enabled[j].ModelID })

	batchSize := req.BenchmarkBatchSize
	if batchSize <= 0 {
		batchSize = o.cfg.BenchmarkBatchSize
	}
	if req.BenchmarkSerial {
		batchSize = 1
	}

	o.stageStart(queryID, "benchmark", map[string]interface{}{
		"models":     len(enabled),
		"batch_size": batchSize,
	})

	entries := make([]models.BenchmarkEntry, len(enabled))
	for lo := 0; lo < len(enabled); lo += batchSize {
		hi := lo + batchSize
		if hi > len(enabled) {
			hi = len(enabled)
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := lo; i < hi; i++ {
			i := i
			g.Go(func() error {
				entries[i] = o.benchmarkOne(gctx, queryID, enabled[i], pre.Prompt, req)
				return nil
			})
		}
		g.Wait()
	}

	succeeded := 0
	for _, e := range entries {
		if e.Success {
			succeeded++
		}
	}
	if succeeded == 0 {
		return nil, fmt.Errorf("benchmark: all %d models failed", len(enabled))
	}
	o.stageComplete(queryID, "benchmark", map[string]interface{}{"succeeded": succeeded})

	return &models.QueryResponse{
		Response: formatBenchmarkTable(entries),
		Metadata: map[string]interface{}{"results": entries},
	}, nil
}

func (o *Orchestrator) benchmarkOne(ctx context.Context, queryID string, m *models.DiscoveredModel, prompt string, req *models.QueryRequest) models.BenchmarkEntry {
	entry := models.BenchmarkEntry{
		ModelID:         m.ModelID,
		Tier:            m.EffectiveTier(),
		EstimatedVRAMGB: EstimateVRAMGB(m),
	}

	res, elapsed, err := o.callModel(ctx, queryID, m.ModelID, models.CompletionRequest{
		Prompt:      prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	entry.DurationMs = elapsed.Milliseconds()
	if err != nil {
		log.Warn().Err(err).Str("model_id", m.ModelID).Msg("Benchmark run failed for model")
		entry.Error = err.Error()
		return entry
	}

	entry.Success = true
	entry.Response = res.Content
	entry.TokensPredicted = res.TokensPredicted
	if entry.DurationMs > 0 && res.TokensPredicted > 0 {
		entry.TokensPerSecond = float64(res.TokensPredicted) / float64(entry.DurationMs) * 1000
	}
	return entry
}

// EstimateVRAMGB approximates the model's resident footprint from its
// parameter count and quantization, plus a fixed context overhead.
func EstimateVRAMGB(m *models.DiscoveredModel) float64 {
	weights := m.SizeParams * m.Quantization.BytesPerWeight() * 1.1
	return weights + vramContextOverheadGB
}

func formatBenchmarkTable(entries []models.BenchmarkEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-40s %-10s %-8s %10s %10s %10s\n",
		"MODEL", "TIER", "OK", "MS", "TOK/S", "VRAM GB")
	for _, e := range entries {
		ok := "yes"
		if !e.Success {
			ok = "no"
		}
		fmt.Fprintf(&b, "%-40s %-10s %-8s %10d %10.1f %10.1f\n",
			e.ModelID, e.Tier, ok, e.DurationMs, e.TokensPerSecond, e.EstimatedVRAMGB)
	}
	return b.String()
}
