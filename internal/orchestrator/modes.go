package orchestrator

import (
	"context"

	"github.com/conclave-ai/conclave/internal/metrics"
	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/rs/zerolog/log"
)

// runSimple answers from a single FAST-tier model.
func (o *Orchestrator) runSimple(ctx context.Context, queryID string, req *models.QueryRequest, pre *preamble) (*models.QueryResponse, error) {
	o.stageStart(queryID, "generate", nil)

	modelID, err := o.pick(models.TierFast)
	if err != nil {
		return nil, err
	}

	res, elapsed, err := o.callModel(ctx, queryID, modelID, models.CompletionRequest{
		Prompt:      pre.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}

	o.stageComplete(queryID, "generate", map[string]interface{}{
		"model_id":    modelID,
		"duration_ms": elapsed.Milliseconds(),
	})

	return &models.QueryResponse{
		Response:        res.Content,
		ModelID:         modelID,
		Tier:            o.tierOf(modelID),
		TokensPredicted: res.TokensPredicted,
		TokensEvaluated: res.TokensEvaluated,
	}, nil
}

// runTwoStage drafts with a FAST model, scores the query's complexity,
// and escalates to BALANCED or POWERFUL for the final answer.
func (o *Orchestrator) runTwoStage(ctx context.Context, queryID string, req *models.QueryRequest, pre *preamble) (*models.QueryResponse, error) {
	o.stageStart(queryID, "stage1", nil)

	stage1Model, err := o.pick(models.TierFast)
	if err != nil {
		return nil, err
	}
	stage1, elapsed1, err := o.callModel(ctx, queryID, stage1Model, models.CompletionRequest{
		Prompt:      pre.Prompt,
		MaxTokens:   o.cfg.Stage1MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}
	o.stageComplete(queryID, "stage1", map[string]interface{}{
		"model_id":    stage1Model,
		"duration_ms": elapsed1.Milliseconds(),
	})

	score, reasoning := o.deps.Assessor.Assess(req.Query, stage1.Content)
	o.record(metrics.MetricComplexityScore, score, models.MetricTags{QueryMode: string(req.Mode)})

	stage2Tier := models.TierBalanced
	if score >= o.cfg.ComplexityThreshold {
		stage2Tier = models.TierPowerful
	}
	log.Info().
		Str("query_id", queryID).
		Float64("score", score).
		Str("stage2_tier", string(stage2Tier)).
		Msg("Complexity assessed")

	o.stageStart(queryID, "stage2", map[string]interface{}{"tier": string(stage2Tier)})
	stage2Model, err := o.pick(stage2Tier)
	if err != nil {
		return nil, err
	}
	stage2, elapsed2, err := o.callModel(ctx, queryID, stage2Model, models.CompletionRequest{
		Prompt:      stage2Prompt(req.Query, stage1.Content),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}
	o.stageComplete(queryID, "stage2", map[string]interface{}{
		"model_id":    stage2Model,
		"duration_ms": elapsed2.Milliseconds(),
	})

	stages := []models.StageInfo{
		{
			ModelID:         stage1Model,
			Tier:            o.tierOf(stage1Model),
			Response:        stage1.Content,
			TokensPredicted: stage1.TokensPredicted,
			DurationMs:      elapsed1.Milliseconds(),
		},
		{
			ModelID:         stage2Model,
			Tier:            stage2Tier,
			Response:        stage2.Content,
			TokensPredicted: stage2.TokensPredicted,
			DurationMs:      elapsed2.Milliseconds(),
			ComplexityScore: score,
		},
	}

	return &models.QueryResponse{
		Response:        stage2.Content,
		ModelID:         stage2Model,
		Tier:            stage2Tier,
		TokensPredicted: stage1.TokensPredicted + stage2.TokensPredicted,
		TokensEvaluated: stage1.TokensEvaluated + stage2.TokensEvaluated,
		Metadata: map[string]interface{}{
			"stages":              stages,
			"complexityScore":     score,
			"complexityReasoning": reasoning,
		},
	}, nil
}

func stage2Prompt(query, draft string) string {
	return "Original question:\n" + query + "\n\n" +
		"A first-pass answer from a smaller model:\n" + draft + "\n\n" +
		"Improve and expand this answer. Correct any inaccuracies, add missing " +
		"detail, and ensure full technical accuracy.\n"
}
