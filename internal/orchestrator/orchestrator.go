// Package orchestrator dispatches user queries across the execution
// modes: simple, two-stage escalation, council consensus, council debate,
// and benchmark. It is the single point where partial failures are
// classified and either recovered or surfaced.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/internal/cache"
	"github.com/conclave-ai/conclave/internal/config"
	"github.com/conclave-ai/conclave/internal/events"
	"github.com/conclave-ai/conclave/internal/metrics"
	"github.com/conclave-ai/conclave/internal/registry"
	"github.com/conclave-ai/conclave/internal/selector"
	"github.com/conclave-ai/conclave/internal/topology"
	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ── Collaborator interfaces ──────────────────────────────────

// Generator issues one completion call against a named model or instance.
type Generator interface {
	Generate(ctx context.Context, modelID string, req models.CompletionRequest) (*models.CompletionResult, error)
}

// Retriever supplies ranked documentation context under a token budget.
type Retriever interface {
	Retrieve(ctx context.Context, query string, tokenBudget, maxArtifacts int) (*models.RetrievalResult, error)
}

// Searcher supplies optional web enrichment.
type Searcher interface {
	Enabled() bool
	Search(ctx context.Context, query string) ([]models.WebSearchResult, error)
}

// ResponseCache caches whole responses for deterministic modes.
type ResponseCache interface {
	Enabled() bool
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string)
}

// InstanceSource resolves instance overlays referenced by requests.
type InstanceSource interface {
	Get(instanceID string) *models.InstanceConfig
}

// ── Errors ───────────────────────────────────────────────────

// UnavailableError means no model can serve the request right now.
type UnavailableError struct {
	Reason         string
	AvailableTiers []models.Tier
}

func (e *UnavailableError) Error() string { return e.Reason }

// QueryTimeoutError means a generation call exceeded the pipeline budget.
type QueryTimeoutError struct {
	Timeout time.Duration
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query timed out after %s", e.Timeout)
}

// ── Orchestrator ─────────────────────────────────────────────

// Deps are the orchestrator's collaborators. Registry, Selector, Bus,
// Metrics and Topology are required; the rest degrade to disabled when
// nil.
type Deps struct {
	Registry  *registry.Registry
	Selector  *selector.Selector
	Ready     selector.ReadyChecker
	Caller    Generator
	Retrieval Retriever
	Search    Searcher
	Cache     ResponseCache
	Instances InstanceSource
	Bus       *events.Bus
	Metrics   *metrics.Aggregator
	Topology  *topology.Tracker
	Assessor  Assessor
}

// Orchestrator runs the query pipeline.
type Orchestrator struct {
	cfg    config.OrchestratorConfig
	deps   Deps
	tracer trace.Tracer
}

// New wires an orchestrator. Zero config fields fall back to working
// defaults so tests can pass a partial config.
func New(cfg config.OrchestratorConfig, deps Deps) *Orchestrator {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 600 * time.Second
	}
	if cfg.ComplexityThreshold <= 0 {
		cfg.ComplexityThreshold = 7
	}
	if cfg.Stage1MaxTokens <= 0 {
		cfg.Stage1MaxTokens = 500
	}
	if cfg.CouncilRoundTokens <= 0 {
		cfg.CouncilRoundTokens = 500
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 1024
	}
	if cfg.DefaultTemperature <= 0 {
		cfg.DefaultTemperature = 0.7
	}
	if cfg.ContextTokenBudget <= 0 {
		cfg.ContextTokenBudget = 2048
	}
	if cfg.MaxArtifacts <= 0 {
		cfg.MaxArtifacts = 5
	}
	if cfg.BenchmarkBatchSize <= 0 {
		cfg.BenchmarkBatchSize = 2
	}
	if deps.Assessor == nil {
		deps.Assessor = &HeuristicAssessor{}
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		tracer: otel.Tracer("conclave.orchestrator"),
	}
}

// preamble carries the composed context shared by every mode.
type preamble struct {
	Prompt       string
	SystemPrompt string
	ContextText  string
	WebResults   []models.WebSearchResult
	Retrieval    *models.RetrievalResult
}

// Process validates the request, runs the mode pipeline, and packages the
// response with provenance metadata.
func (o *Orchestrator) Process(ctx context.Context, req models.QueryRequest) (*models.QueryResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	o.applyDefaults(&req)

	queryID := uuid.NewString()
	ctx, span := o.tracer.Start(ctx, "query.process",
		trace.WithAttributes(
			attribute.String("query.id", queryID),
			attribute.String("query.mode", string(req.Mode)),
		))
	defer span.End()

	start := time.Now()
	o.recordFlow(queryID, "orchestrator")

	if key, ok := o.cacheKey(&req); ok {
		if raw, hit := o.deps.Cache.Get(ctx, key); hit {
			var resp models.QueryResponse
			err := json.Unmarshal([]byte(raw), &resp)
			if err == nil {
				resp.QueryID = queryID
				resp.CacheHit = true
				resp.ProcessingTimeMs = time.Since(start).Milliseconds()
				o.recordFlow(queryID, "cache")
				o.publish(models.EventCache, models.SeverityInfo,
					fmt.Sprintf("Cache hit for %s query", req.Mode),
					map[string]interface{}{"query_id": queryID})
				return &resp, nil
			}
			log.Warn().Str("query_id", queryID).Err(err).Msg("Cached response undecodable, treating as miss")
		}
	}

	pre := o.prepare(ctx, queryID, &req)

	resp, err := o.dispatch(ctx, queryID, &req, pre)
	if err != nil {
		err = o.classify(err)
		o.publish(models.EventPipelineFailed, models.SeverityError,
			fmt.Sprintf("Query pipeline failed: %v", err),
			map[string]interface{}{"query_id": queryID, "mode": string(req.Mode)})
		span.RecordError(err)
		return nil, err
	}

	resp.QueryID = queryID
	resp.Mode = req.Mode
	resp.ProcessingTimeMs = time.Since(start).Milliseconds()
	o.finish(ctx, queryID, &req, resp, pre)
	return resp, nil
}

func (o *Orchestrator) applyDefaults(req *models.QueryRequest) {
	if req.MaxTokens == 0 {
		req.MaxTokens = o.cfg.DefaultMaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = o.cfg.DefaultTemperature
	}
}

// cacheKey returns the key for deterministic modes when caching is on.
func (o *Orchestrator) cacheKey(req *models.QueryRequest) (string, bool) {
	if o.deps.Cache == nil || !o.deps.Cache.Enabled() {
		return "", false
	}
	if req.Mode != models.ModeSimple && req.Mode != models.ModeTwoStage {
		return "", false
	}
	return cache.Key(string(req.Mode), req.Query, req.MaxTokens, req.Temperature), true
}

// prepare runs the common preamble: instance overlay, web search, and
// retrieval, all with non-fatal degradation, then composes the prompt.
func (o *Orchestrator) prepare(ctx context.Context, queryID string, req *models.QueryRequest) *preamble {
	o.stageStart(queryID, "input", nil)
	pre := &preamble{}

	if req.InstanceID != "" && o.deps.Instances != nil {
		if inst := o.deps.Instances.Get(req.InstanceID); inst != nil {
			pre.SystemPrompt = inst.SystemPrompt
			if inst.WebSearchEnabled {
				req.UseWebSearch = true
			}
		} else {
			log.Warn().Str("instance_id", req.InstanceID).Msg("Requested instance not found, proceeding without overlay")
		}
	}

	if req.UseWebSearch && o.deps.Search != nil && o.deps.Search.Enabled() {
		results, err := o.deps.Search.Search(ctx, req.Query)
		if err != nil {
			log.Warn().Err(err).Str("query_id", queryID).Msg("Web search failed, continuing without enrichment")
		} else {
			pre.WebResults = results
			o.recordFlow(queryID, "websearch")
		}
	}

	if req.UseContext && o.deps.Retrieval != nil {
		result, err := o.deps.Retrieval.Retrieve(ctx, req.Query, o.cfg.ContextTokenBudget, o.cfg.MaxArtifacts)
		if err != nil {
			log.Warn().Err(err).Str("query_id", queryID).Msg("Retrieval failed, continuing without context")
		} else {
			pre.Retrieval = result
			pre.ContextText = joinArtifacts(result.Artifacts)
			o.recordFlow(queryID, "retrieval")
			o.record(metrics.MetricRetrievalTime, float64(result.RetrievalTimeMs), models.MetricTags{QueryMode: string(req.Mode)})
			o.publish(models.EventCGRAG, models.SeverityInfo,
				fmt.Sprintf("Retrieved %d artifacts (%d tokens)", len(result.Artifacts), result.TokensUsed),
				map[string]interface{}{"query_id": queryID})
		}
	}

	pre.Prompt = composePrompt(pre.SystemPrompt, pre.WebResults, pre.ContextText, req.Query)
	o.stageComplete(queryID, "input", map[string]interface{}{
		"web_results": len(pre.WebResults),
		"artifacts":   len(artifactsOf(pre.Retrieval)),
	})
	return pre
}

func (o *Orchestrator) dispatch(ctx context.Context, queryID string, req *models.QueryRequest, pre *preamble) (*models.QueryResponse, error) {
	switch req.Mode {
	case models.ModeSimple:
		return o.runSimple(ctx, queryID, req, pre)
	case models.ModeTwoStage:
		return o.runTwoStage(ctx, queryID, req, pre)
	case models.ModeCouncil:
		if req.CouncilAdversarial {
			return o.runDebate(ctx, queryID, req, pre)
		}
		return o.runConsensus(ctx, queryID, req, pre)
	case models.ModeBenchmark:
		return o.runBenchmark(ctx, queryID, req, pre)
	}
	return nil, fmt.Errorf("unknown query mode %q", req.Mode)
}

// finish records metrics, publishes completion, and populates the cache.
func (o *Orchestrator) finish(ctx context.Context, queryID string, req *models.QueryRequest, resp *models.QueryResponse, pre *preamble) {
	tags := models.MetricTags{
		ModelID:   resp.ModelID,
		Tier:      string(resp.Tier),
		QueryMode: string(req.Mode),
	}
	o.record(metrics.MetricResponseTime, float64(resp.ProcessingTimeMs), tags)
	if resp.TokensPredicted > 0 && resp.ProcessingTimeMs > 0 {
		tps := float64(resp.TokensPredicted) / float64(resp.ProcessingTimeMs) * 1000
		o.record(metrics.MetricTokensPerSecond, tps, tags)
	}

	o.publish(models.EventPipelineComplete, models.SeverityInfo,
		fmt.Sprintf("Query complete in %dms (%s)", resp.ProcessingTimeMs, req.Mode),
		map[string]interface{}{
			"query_id": queryID,
			"mode":     string(req.Mode),
			"model_id": resp.ModelID,
		})

	if key, ok := o.cacheKey(req); ok {
		cp := *resp
		cp.CacheHit = false
		if data, err := json.Marshal(&cp); err == nil {
			o.deps.Cache.Set(ctx, key, string(data))
		}
	}
}

// callModel issues one generation under the pipeline timeout and drops a
// flow crumb on success.
func (o *Orchestrator) callModel(ctx context.Context, queryID, modelID string, creq models.CompletionRequest) (*models.CompletionResult, time.Duration, error) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.QueryTimeout)
	defer cancel()

	start := time.Now()
	res, err := o.deps.Caller.Generate(cctx, modelID, creq)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, elapsed, &QueryTimeoutError{Timeout: o.cfg.QueryTimeout}
		}
		return nil, elapsed, fmt.Errorf("model %s: %w", modelID, err)
	}
	o.recordFlow(queryID, modelID)
	return res, elapsed, nil
}

// pick selects a ready model in the tier, translating selector errors
// into the user-visible unavailable form.
func (o *Orchestrator) pick(tier models.Tier) (string, error) {
	id, err := o.deps.Selector.Select(tier)
	if err != nil {
		return "", o.classify(err)
	}
	return id, nil
}

// classify maps collaborator errors to the orchestrator's error kinds.
func (o *Orchestrator) classify(err error) error {
	var unavailable *UnavailableError
	var timeout *QueryTimeoutError
	if errors.As(err, &unavailable) || errors.As(err, &timeout) {
		return err
	}
	var noModels *selector.ErrNoModels
	if errors.As(err, &noModels) {
		return &UnavailableError{
			Reason:         noModels.Error(),
			AvailableTiers: o.deps.Registry.AvailableTiers(),
		}
	}
	return err
}

func (o *Orchestrator) tierOf(modelID string) models.Tier {
	if m := o.deps.Registry.Get(modelID); m != nil {
		return m.EffectiveTier()
	}
	return ""
}

// ── Instrumentation helpers ──────────────────────────────────

func (o *Orchestrator) publish(t models.EventType, sev models.Severity, msg string, meta map[string]interface{}) {
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(models.NewEvent(t, sev, msg, meta))
	}
}

func (o *Orchestrator) record(metric string, value float64, tags models.MetricTags) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.Record(metric, value, tags)
	}
}

func (o *Orchestrator) recordFlow(queryID, componentID string) {
	if o.deps.Topology != nil {
		o.deps.Topology.RecordFlow(queryID, componentID)
	}
}

func (o *Orchestrator) stageStart(queryID, stage string, meta map[string]interface{}) {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["query_id"] = queryID
	meta["stage"] = stage
	o.publish(models.EventPipelineStageStart, models.SeverityInfo,
		fmt.Sprintf("Stage %s started", stage), meta)
}

func (o *Orchestrator) stageComplete(queryID, stage string, meta map[string]interface{}) {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["query_id"] = queryID
	meta["stage"] = stage
	o.publish(models.EventPipelineStageComplete, models.SeverityInfo,
		fmt.Sprintf("Stage %s complete", stage), meta)
}

// ── Prompt composition ───────────────────────────────────────

const blockDelimiter = "----------------------------------------"

// composePrompt layers the optional system prompt, web results, and
// documentation context ahead of the query. With no context blocks the
// query passes through as-is.
func composePrompt(systemPrompt string, web []models.WebSearchResult, contextText, query string) string {
	var b strings.Builder
	if systemPrompt != "" {
		b.WriteString(systemPrompt)
		b.WriteString("\n\n")
	}

	hasBlocks := false
	if len(web) > 0 {
		hasBlocks = true
		b.WriteString("Web Search Results:\n")
		for _, r := range web {
			fmt.Fprintf(&b, "- %s (%s)\n  %s\n", r.Title, r.URL, r.Snippet)
		}
		b.WriteString(blockDelimiter)
		b.WriteString("\n")
	}
	if contextText != "" {
		hasBlocks = true
		b.WriteString("Documentation Context:\n")
		b.WriteString(contextText)
		b.WriteString("\n")
		b.WriteString(blockDelimiter)
		b.WriteString("\n")
	}

	if !hasBlocks {
		b.WriteString(query)
		return b.String()
	}
	b.WriteString("Using the context above where relevant, answer the following:\n")
	b.WriteString(query)
	return b.String()
}

func joinArtifacts(artifacts []models.Artifact) string {
	if len(artifacts) == 0 {
		return ""
	}
	parts := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		parts = append(parts, fmt.Sprintf("[%s#%d]\n%s", a.FilePath, a.ChunkIndex, a.Content))
	}
	return strings.Join(parts, "\n\n")
}

func artifactsOf(r *models.RetrievalResult) []models.Artifact {
	if r == nil {
		return nil
	}
	return r.Artifacts
}
