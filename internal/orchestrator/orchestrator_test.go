package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conclave-ai/conclave/internal/cache"
	"github.com/conclave-ai/conclave/internal/config"
	"github.com/conclave-ai/conclave/internal/events"
	"github.com/conclave-ai/conclave/internal/metrics"
	"github.com/conclave-ai/conclave/internal/orchestrator"
	"github.com/conclave-ai/conclave/internal/registry"
	"github.com/conclave-ai/conclave/internal/selector"
	"github.com/conclave-ai/conclave/internal/topology"
	"github.com/conclave-ai/conclave/pkg/models"
)

// ── Fakes ────────────────────────────────────────────────────

type allReady struct{ down map[string]bool }

func (r allReady) IsReady(key string) bool { return !r.down[key] }

type recordedCall struct {
	modelID string
	req     models.CompletionRequest
}

// fakeCaller scripts completions and records every call.
type fakeCaller struct {
	mu    sync.Mutex
	fn    func(modelID string, req models.CompletionRequest) (*models.CompletionResult, error)
	calls []recordedCall
}

func (c *fakeCaller) Generate(_ context.Context, modelID string, req models.CompletionRequest) (*models.CompletionResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, recordedCall{modelID: modelID, req: req})
	fn := c.fn
	c.mu.Unlock()
	if fn != nil {
		return fn(modelID, req)
	}
	return &models.CompletionResult{Content: "ok from " + modelID, TokensPredicted: 10, TokensEvaluated: 5}, nil
}

func (c *fakeCaller) recorded() []recordedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]recordedCall(nil), c.calls...)
}

type blockingCaller struct{}

func (blockingCaller) Generate(ctx context.Context, _ string, _ models.CompletionRequest) (*models.CompletionResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type memCache struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemCache() *memCache { return &memCache{m: make(map[string]string)} }

func (c *memCache) Enabled() bool { return true }

func (c *memCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *memCache) Set(_ context.Context, key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
}

type fakeSearcher struct {
	results []models.WebSearchResult
	err     error
}

func (s *fakeSearcher) Enabled() bool { return true }

func (s *fakeSearcher) Search(context.Context, string) ([]models.WebSearchResult, error) {
	return s.results, s.err
}

type fakeRetriever struct {
	result *models.RetrievalResult
	err    error
}

func (r *fakeRetriever) Retrieve(context.Context, string, int, int) (*models.RetrievalResult, error) {
	return r.result, r.err
}

type fakeInstances struct{ inst *models.InstanceConfig }

func (f *fakeInstances) Get(string) *models.InstanceConfig { return f.inst }

type fixedAssessor struct{ score float64 }

func (a fixedAssessor) Assess(string, string) (float64, string) { return a.score, "fixed" }

// ── Helpers ──────────────────────────────────────────────────

func buildRegistry(t *testing.T, files ...string) *registry.Registry {
	t.Helper()
	scanRoot := t.TempDir()
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(scanRoot, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	reg := registry.New(filepath.Join(t.TempDir(), "registry.json"),
		registry.NewScanner(models.DefaultTierThresholds(), 8700, 8720))
	if err := reg.Discover(scanRoot); err != nil {
		t.Fatal(err)
	}
	return reg
}

func idByTier(t *testing.T, reg *registry.Registry, tier models.Tier) string {
	t.Helper()
	byTier := reg.ByTier(tier)
	if len(byTier) == 0 {
		t.Fatalf("no models in tier %s", tier)
	}
	return byTier[0].ModelID
}

func newOrch(t *testing.T, cfg config.OrchestratorConfig, reg *registry.Registry, caller orchestrator.Generator, mutate func(*orchestrator.Deps)) *orchestrator.Orchestrator {
	t.Helper()
	deps := orchestrator.Deps{
		Registry: reg,
		Selector: selector.New(reg, allReady{}),
		Ready:    allReady{},
		Caller:   caller,
		Bus:      events.NewBus(),
		Metrics:  metrics.NewAggregator(),
		Topology: topology.NewTracker(events.NewBus()),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return orchestrator.New(cfg, deps)
}

func simpleRequest(query string) models.QueryRequest {
	return models.QueryRequest{Query: query, Mode: models.ModeSimple}
}

// ── Validation ───────────────────────────────────────────────

func TestProcessRejectsInvalidRequests(t *testing.T) {
	reg := buildRegistry(t, "gemma2-2b-q4_0.gguf")
	o := newOrch(t, config.OrchestratorConfig{}, reg, &fakeCaller{}, nil)

	bad := []models.QueryRequest{
		{Query: "", Mode: models.ModeSimple},
		{Query: strings.Repeat("x", models.MaxQueryLength+1), Mode: models.ModeSimple},
		{Query: "hi", Mode: "turbo"},
		{Query: "hi", Mode: models.ModeSimple, Temperature: 3},
		{Query: "hi", Mode: models.ModeSimple, MaxTokens: -1},
	}
	for i, req := range bad {
		if _, err := o.Process(context.Background(), req); err == nil {
			t.Errorf("request %d accepted, want validation error", i)
		}
	}
}

// ── Simple mode ──────────────────────────────────────────────

func TestSimpleModeUsesFastTier(t *testing.T) {
	reg := buildRegistry(t, "gemma2-2b-q4_0.gguf", "llama3-70b-q4_k_m.gguf")
	caller := &fakeCaller{}
	o := newOrch(t, config.OrchestratorConfig{}, reg, caller, nil)

	resp, err := o.Process(context.Background(), simpleRequest("what is a goroutine"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	fastID := idByTier(t, reg, models.TierFast)
	if resp.ModelID != fastID || resp.Tier != models.TierFast {
		t.Errorf("answered by %s (%s), want %s (fast)", resp.ModelID, resp.Tier, fastID)
	}
	if resp.Response != "ok from "+fastID {
		t.Errorf("response = %q", resp.Response)
	}
	if resp.TokensPredicted != 10 || resp.TokensEvaluated != 5 {
		t.Errorf("token counts = %d/%d", resp.TokensPredicted, resp.TokensEvaluated)
	}

	calls := caller.recorded()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	// No context blocks: the query passes through as-is.
	if calls[0].req.Prompt != "what is a goroutine" {
		t.Errorf("prompt = %q", calls[0].req.Prompt)
	}
}

func TestSimpleModeNoFastModels(t *testing.T) {
	reg := buildRegistry(t, "llama3-70b-q4_k_m.gguf")
	o := newOrch(t, config.OrchestratorConfig{}, reg, &fakeCaller{}, nil)

	_, err := o.Process(context.Background(), simpleRequest("hi"))
	var unavailable *orchestrator.UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %v, want UnavailableError", err)
	}
	found := false
	for _, tier := range unavailable.AvailableTiers {
		if tier == models.TierPowerful {
			found = true
		}
	}
	if !found {
		t.Errorf("available tiers = %v, want powerful listed", unavailable.AvailableTiers)
	}
}

func TestMaxTokensPassesThrough(t *testing.T) {
	reg := buildRegistry(t, "gemma2-2b-q4_0.gguf")
	caller := &fakeCaller{}
	o := newOrch(t, config.OrchestratorConfig{}, reg, caller, nil)

	req := simpleRequest("hi")
	req.MaxTokens = 1
	if _, err := o.Process(context.Background(), req); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if got := caller.recorded()[0].req.MaxTokens; got != 1 {
		t.Errorf("MaxTokens = %d, want 1 passed through", got)
	}
}

func TestGenerationTimeoutMapsToQueryTimeout(t *testing.T) {
	reg := buildRegistry(t, "gemma2-2b-q4_0.gguf")
	o := newOrch(t, config.OrchestratorConfig{QueryTimeout: 30 * time.Millisecond}, reg, blockingCaller{}, nil)

	_, err := o.Process(context.Background(), simpleRequest("hi"))
	var timeout *orchestrator.QueryTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("error = %v, want QueryTimeoutError", err)
	}
	if timeout.Timeout != 30*time.Millisecond {
		t.Errorf("timeout = %s", timeout.Timeout)
	}
}

// ── Prompt composition ───────────────────────────────────────

func TestPromptComposesContextBlocks(t *testing.T) {
	reg := buildRegistry(t, "gemma2-2b-q4_0.gguf")
	caller := &fakeCaller{}
	o := newOrch(t, config.OrchestratorConfig{}, reg, caller, func(d *orchestrator.Deps) {
		d.Search = &fakeSearcher{results: []models.WebSearchResult{
			{Title: "Go FAQ", URL: "https://go.dev/doc/faq", Snippet: "goroutines are cheap"},
		}}
		d.Retrieval = &fakeRetriever{result: &models.RetrievalResult{
			Artifacts: []models.Artifact{
				{FilePath: "docs/scheduler.md", ChunkIndex: 0, Content: "the scheduler multiplexes goroutines"},
			},
			TokensUsed:      30,
			RetrievalTimeMs: 2,
		}}
	})

	req := simpleRequest("how do goroutines get scheduled")
	req.UseWebSearch = true
	req.UseContext = true
	if _, err := o.Process(context.Background(), req); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	prompt := caller.recorded()[0].req.Prompt
	for _, want := range []string{
		"Web Search Results:",
		"Go FAQ",
		"Documentation Context:",
		"docs/scheduler.md",
		"answer the following:",
		"how do goroutines get scheduled",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestRetrievalFailureDegrades(t *testing.T) {
	reg := buildRegistry(t, "gemma2-2b-q4_0.gguf")
	caller := &fakeCaller{}
	o := newOrch(t, config.OrchestratorConfig{}, reg, caller, func(d *orchestrator.Deps) {
		d.Retrieval = &fakeRetriever{err: fmt.Errorf("index missing")}
	})

	req := simpleRequest("hi")
	req.UseContext = true
	resp, err := o.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("retrieval failure should be non-fatal, got %v", err)
	}
	if resp.Response == "" {
		t.Fatal("empty response")
	}
	if got := caller.recorded()[0].req.Prompt; got != "hi" {
		t.Errorf("prompt = %q, want bare query after degraded retrieval", got)
	}
}

func TestInstanceSystemPromptPrepended(t *testing.T) {
	reg := buildRegistry(t, "gemma2-2b-q4_0.gguf")
	caller := &fakeCaller{}
	o := newOrch(t, config.OrchestratorConfig{}, reg, caller, func(d *orchestrator.Deps) {
		d.Instances = &fakeInstances{inst: &models.InstanceConfig{
			InstanceID:   "gemma:01",
			SystemPrompt: "You are terse.",
		}}
	})

	req := simpleRequest("hi")
	req.InstanceID = "gemma:01"
	if _, err := o.Process(context.Background(), req); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if got := caller.recorded()[0].req.Prompt; !strings.HasPrefix(got, "You are terse.") {
		t.Errorf("prompt = %q, want system prompt first", got)
	}
}

// ── Cache ────────────────────────────────────────────────────

func TestCacheRoundTrip(t *testing.T) {
	reg := buildRegistry(t, "gemma2-2b-q4_0.gguf")
	caller := &fakeCaller{}
	c := newMemCache()
	o := newOrch(t, config.OrchestratorConfig{}, reg, caller, func(d *orchestrator.Deps) {
		d.Cache = c
	})

	first, err := o.Process(context.Background(), simpleRequest("cached question"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if first.CacheHit {
		t.Fatal("first call reported a cache hit")
	}

	second, err := o.Process(context.Background(), simpleRequest("cached question"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !second.CacheHit {
		t.Fatal("second call missed the cache")
	}
	if second.Response != first.Response {
		t.Errorf("cached response = %q, want %q", second.Response, first.Response)
	}
	if second.QueryID == first.QueryID {
		t.Error("cached response reuses the original query id")
	}
	if got := len(caller.recorded()); got != 1 {
		t.Errorf("model calls = %d, want 1 (second served from cache)", got)
	}
}

func TestCacheUndecodableEntryTreatedAsMiss(t *testing.T) {
	reg := buildRegistry(t, "gemma2-2b-q4_0.gguf")
	caller := &fakeCaller{}
	c := newMemCache()
	o := newOrch(t, config.OrchestratorConfig{}, reg, caller, func(d *orchestrator.Deps) {
		d.Cache = c
	})

	req := simpleRequest("poisoned entry")
	c.Set(context.Background(), cache.Key("simple", req.Query, req.MaxTokens, req.Temperature),
		"{not json")

	resp, err := o.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if resp.CacheHit {
		t.Fatal("undecodable cache entry reported as a hit")
	}
	if got := len(caller.recorded()); got != 1 {
		t.Errorf("model calls = %d, want 1 (pipeline must run on a poisoned entry)", got)
	}
}

// ── Two-stage mode ───────────────────────────────────────────

func twoStageRegistry(t *testing.T) *registry.Registry {
	return buildRegistry(t,
		"gemma2-2b-q4_0.gguf",    // FAST
		"llama3-8b-q4_k_m.gguf",  // BALANCED
		"llama3-70b-q4_k_m.gguf", // POWERFUL
	)
}

func TestTwoStageEscalatesToPowerful(t *testing.T) {
	reg := twoStageRegistry(t)
	caller := &fakeCaller{}
	o := newOrch(t, config.OrchestratorConfig{}, reg, caller, func(d *orchestrator.Deps) {
		d.Assessor = fixedAssessor{score: 8}
	})

	req := models.QueryRequest{Query: "hard question", Mode: models.ModeTwoStage}
	resp, err := o.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	fastID := idByTier(t, reg, models.TierFast)
	powerfulID := idByTier(t, reg, models.TierPowerful)
	calls := caller.recorded()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].modelID != fastID {
		t.Errorf("stage 1 model = %s, want %s", calls[0].modelID, fastID)
	}
	if calls[1].modelID != powerfulID {
		t.Errorf("stage 2 model = %s, want %s (escalated)", calls[1].modelID, powerfulID)
	}
	// Stage 2 sees the original question and the stage 1 draft.
	if !strings.Contains(calls[1].req.Prompt, "hard question") ||
		!strings.Contains(calls[1].req.Prompt, "ok from "+fastID) {
		t.Errorf("stage 2 prompt = %q", calls[1].req.Prompt)
	}
	if resp.Tier != models.TierPowerful || resp.Response != "ok from "+powerfulID {
		t.Errorf("response from %s: %q", resp.Tier, resp.Response)
	}
	stages, ok := resp.Metadata["stages"].([]models.StageInfo)
	if !ok || len(stages) != 2 {
		t.Fatalf("stages metadata = %#v", resp.Metadata["stages"])
	}
}

func TestTwoStageStaysBalancedBelowThreshold(t *testing.T) {
	reg := twoStageRegistry(t)
	caller := &fakeCaller{}
	o := newOrch(t, config.OrchestratorConfig{}, reg, caller, func(d *orchestrator.Deps) {
		d.Assessor = fixedAssessor{score: 3}
	})

	if _, err := o.Process(context.Background(), models.QueryRequest{Query: "easy question", Mode: models.ModeTwoStage}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	balancedID := idByTier(t, reg, models.TierBalanced)
	if got := caller.recorded()[1].modelID; got != balancedID {
		t.Errorf("stage 2 model = %s, want %s", got, balancedID)
	}
}

func TestTwoStageStage1CapsTokens(t *testing.T) {
	reg := twoStageRegistry(t)
	caller := &fakeCaller{}
	o := newOrch(t, config.OrchestratorConfig{Stage1MaxTokens: 123}, reg, caller, func(d *orchestrator.Deps) {
		d.Assessor = fixedAssessor{score: 1}
	})

	req := models.QueryRequest{Query: "q", Mode: models.ModeTwoStage, MaxTokens: 2000}
	if _, err := o.Process(context.Background(), req); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	calls := caller.recorded()
	if calls[0].req.MaxTokens != 123 {
		t.Errorf("stage 1 MaxTokens = %d, want 123", calls[0].req.MaxTokens)
	}
	if calls[1].req.MaxTokens != 2000 {
		t.Errorf("stage 2 MaxTokens = %d, want request's 2000", calls[1].req.MaxTokens)
	}
}

// ── Heuristic assessor ───────────────────────────────────────

func TestHeuristicAssessorOrdersQueries(t *testing.T) {
	a := orchestrator.HeuristicAssessor{}

	trivialScore, _ := a.Assess("what time is it", "")
	complexQuery := "Compare the concurrency architecture tradeoffs of a distributed " +
		"database design. How should the transaction protocol handle consistency? " +
		"And how would you optimize the algorithm?\n```go\nfunc main() {}\n```"
	complexScore, reasoning := a.Assess(complexQuery, "")

	if trivialScore >= complexScore {
		t.Errorf("trivial %.1f >= complex %.1f", trivialScore, complexScore)
	}
	if trivialScore >= 7 {
		t.Errorf("trivial query scored %.1f, should stay below escalation", trivialScore)
	}
	if complexScore < 7 {
		t.Errorf("complex query scored %.1f, want escalation territory", complexScore)
	}
	if reasoning == "" {
		t.Error("no reasoning string")
	}

	again, _ := a.Assess(complexQuery, "")
	if again != complexScore {
		t.Errorf("assessor not deterministic: %.2f vs %.2f", again, complexScore)
	}
}

// ── Consensus mode ───────────────────────────────────────────

func consensusScript() func(string, models.CompletionRequest) (*models.CompletionResult, error) {
	return func(modelID string, req models.CompletionRequest) (*models.CompletionResult, error) {
		switch {
		case strings.Contains(req.Prompt, "consensus answer"):
			return &models.CompletionResult{Content: "final consensus", TokensPredicted: 40}, nil
		case strings.Contains(req.Prompt, "Refine your answer"):
			return &models.CompletionResult{Content: "r2-" + modelID, TokensPredicted: 20}, nil
		default:
			return &models.CompletionResult{Content: "r1-" + modelID, TokensPredicted: 20}, nil
		}
	}
}

func TestConsensusSynthesizesWithStrongestModel(t *testing.T) {
	reg := twoStageRegistry(t)
	caller := &fakeCaller{fn: consensusScript()}
	o := newOrch(t, config.OrchestratorConfig{}, reg, caller, nil)

	resp, err := o.Process(context.Background(), models.QueryRequest{Query: "big question", Mode: models.ModeCouncil})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if resp.Response != "final consensus" {
		t.Errorf("response = %q", resp.Response)
	}
	powerfulID := idByTier(t, reg, models.TierPowerful)
	if resp.ModelID != powerfulID {
		t.Errorf("synthesizer = %s, want %s", resp.ModelID, powerfulID)
	}
	participants, ok := resp.Metadata["participants"].([]string)
	if !ok || len(participants) != 3 {
		t.Fatalf("participants metadata = %#v", resp.Metadata["participants"])
	}
	// 3 round-1 + 3 round-2 + 1 synthesis.
	if got := len(caller.recorded()); got != 7 {
		t.Errorf("model calls = %d, want 7", got)
	}
}

func TestConsensusRejectsFewerThanThreeModels(t *testing.T) {
	reg := buildRegistry(t, "gemma2-2b-q4_0.gguf", "llama3-70b-q4_k_m.gguf")
	o := newOrch(t, config.OrchestratorConfig{}, reg, &fakeCaller{}, nil)

	_, err := o.Process(context.Background(), models.QueryRequest{Query: "q", Mode: models.ModeCouncil})
	var unavailable *orchestrator.UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %v, want UnavailableError with two enabled models", err)
	}
}

func TestConsensusToleratesOneFailure(t *testing.T) {
	reg := twoStageRegistry(t)
	fastID := idByTier(t, reg, models.TierFast)
	script := consensusScript()
	caller := &fakeCaller{fn: func(modelID string, req models.CompletionRequest) (*models.CompletionResult, error) {
		if modelID == fastID {
			return nil, fmt.Errorf("server crashed")
		}
		return script(modelID, req)
	}}
	o := newOrch(t, config.OrchestratorConfig{}, reg, caller, nil)

	resp, err := o.Process(context.Background(), models.QueryRequest{Query: "q", Mode: models.ModeCouncil})
	if err != nil {
		t.Fatalf("one failed participant should be tolerated, got %v", err)
	}
	if resp.Response != "final consensus" {
		t.Errorf("response = %q", resp.Response)
	}
	contributions, ok := resp.Metadata["contributions"].([]map[string]interface{})
	if !ok {
		t.Fatalf("contributions metadata = %#v", resp.Metadata["contributions"])
	}
	for _, c := range contributions {
		if c["modelId"] == fastID && c["failed"] != true {
			t.Errorf("failed participant not marked: %#v", c)
		}
	}
}

func TestConsensusFailsWhenTwoParticipantsFail(t *testing.T) {
	reg := twoStageRegistry(t)
	powerfulID := idByTier(t, reg, models.TierPowerful)
	caller := &fakeCaller{fn: func(modelID string, req models.CompletionRequest) (*models.CompletionResult, error) {
		if modelID != powerfulID {
			return nil, fmt.Errorf("down")
		}
		return &models.CompletionResult{Content: "lonely answer"}, nil
	}}
	o := newOrch(t, config.OrchestratorConfig{}, reg, caller, nil)

	if _, err := o.Process(context.Background(), models.QueryRequest{Query: "q", Mode: models.ModeCouncil}); err == nil {
		t.Fatal("expected failure with a single surviving participant")
	}
}

// ── Debate mode ──────────────────────────────────────────────

func debateScript() func(string, models.CompletionRequest) (*models.CompletionResult, error) {
	return func(modelID string, req models.CompletionRequest) (*models.CompletionResult, error) {
		if strings.Contains(req.Prompt, "neutral synthesis") {
			return &models.CompletionResult{Content: "debate synthesis", TokensPredicted: 30}, nil
		}
		return &models.CompletionResult{Content: "argument from " + modelID, TokensPredicted: 15}, nil
	}
}

func TestDebateRunsConfiguredPair(t *testing.T) {
	reg := twoStageRegistry(t)
	fastID := idByTier(t, reg, models.TierFast)
	powerfulID := idByTier(t, reg, models.TierPowerful)
	caller := &fakeCaller{fn: debateScript()}
	o := newOrch(t, config.OrchestratorConfig{}, reg, caller, nil)

	resp, err := o.Process(context.Background(), models.QueryRequest{
		Query:              "is generics worth it",
		Mode:               models.ModeCouncil,
		CouncilAdversarial: true,
		CouncilProModel:    fastID,
		CouncilConModel:    powerfulID,
		CouncilMaxTurns:    4,
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if resp.Response != "debate synthesis" {
		t.Errorf("response = %q", resp.Response)
	}
	if resp.Metadata["pro"] != fastID || resp.Metadata["con"] != powerfulID {
		t.Errorf("pair metadata = %v/%v", resp.Metadata["pro"], resp.Metadata["con"])
	}
	if resp.Metadata["terminationReason"] != string(models.TerminationMaxTurns) {
		t.Errorf("termination = %v", resp.Metadata["terminationReason"])
	}
	turns, ok := resp.Metadata["turns"].([]models.DialogueTurn)
	if !ok || len(turns) != 4 {
		t.Fatalf("turns metadata = %#v", resp.Metadata["turns"])
	}
	// 4 turns + 1 synthesis.
	if got := len(caller.recorded()); got != 5 {
		t.Errorf("model calls = %d, want 5", got)
	}
}

func TestDebateRejectsUnknownModel(t *testing.T) {
	reg := twoStageRegistry(t)
	o := newOrch(t, config.OrchestratorConfig{}, reg, &fakeCaller{fn: debateScript()}, nil)

	_, err := o.Process(context.Background(), models.QueryRequest{
		Query:              "q",
		Mode:               models.ModeCouncil,
		CouncilAdversarial: true,
		CouncilProModel:    "no-such-model",
		CouncilConModel:    idByTier(t, reg, models.TierFast),
	})
	var unavailable *orchestrator.UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %v, want UnavailableError", err)
	}
}

func TestDebateRejectsDisabledModel(t *testing.T) {
	reg := twoStageRegistry(t)
	fastID := idByTier(t, reg, models.TierFast)
	powerfulID := idByTier(t, reg, models.TierPowerful)
	if err := reg.SetEnabled(powerfulID, false); err != nil {
		t.Fatal(err)
	}
	o := newOrch(t, config.OrchestratorConfig{}, reg, &fakeCaller{fn: debateScript()}, nil)

	_, err := o.Process(context.Background(), models.QueryRequest{
		Query:              "q",
		Mode:               models.ModeCouncil,
		CouncilAdversarial: true,
		CouncilProModel:    fastID,
		CouncilConModel:    powerfulID,
	})
	var unavailable *orchestrator.UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %v, want UnavailableError for disabled model", err)
	}
}

func TestDebateAutoSelectsPair(t *testing.T) {
	reg := twoStageRegistry(t)
	caller := &fakeCaller{fn: debateScript()}
	o := newOrch(t, config.OrchestratorConfig{}, reg, caller, nil)

	resp, err := o.Process(context.Background(), models.QueryRequest{
		Query:              "q",
		Mode:               models.ModeCouncil,
		CouncilAdversarial: true,
		CouncilMaxTurns:    2,
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if resp.Metadata["pro"] == resp.Metadata["con"] {
		t.Errorf("auto-selected pair is the same model: %v", resp.Metadata["pro"])
	}
}

func TestDebateAutoSelectRequiresRunningServers(t *testing.T) {
	reg := twoStageRegistry(t)
	down := make(map[string]bool)
	for _, m := range reg.List() {
		down[m.ModelID] = true
	}
	caller := &fakeCaller{fn: debateScript()}
	o := newOrch(t, config.OrchestratorConfig{}, reg, caller, func(deps *orchestrator.Deps) {
		deps.Ready = allReady{down: down}
	})

	_, err := o.Process(context.Background(), models.QueryRequest{
		Query:              "q",
		Mode:               models.ModeCouncil,
		CouncilAdversarial: true,
	})
	var unavailable *orchestrator.UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %v, want UnavailableError when no debate server is running", err)
	}
	if got := len(caller.recorded()); got != 0 {
		t.Errorf("model calls = %d, want 0", got)
	}
}

// ── Benchmark mode ───────────────────────────────────────────

func TestBenchmarkRunsEveryEnabledModel(t *testing.T) {
	reg := twoStageRegistry(t)
	fastID := idByTier(t, reg, models.TierFast)
	caller := &fakeCaller{fn: func(modelID string, req models.CompletionRequest) (*models.CompletionResult, error) {
		if modelID == fastID {
			return nil, fmt.Errorf("load failure")
		}
		return &models.CompletionResult{Content: "bench", TokensPredicted: 50}, nil
	}}
	o := newOrch(t, config.OrchestratorConfig{}, reg, caller, nil)

	resp, err := o.Process(context.Background(), models.QueryRequest{Query: "bench me", Mode: models.ModeBenchmark})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	results, ok := resp.Metadata["results"].([]models.BenchmarkEntry)
	if !ok || len(results) != 3 {
		t.Fatalf("results metadata = %#v", resp.Metadata["results"])
	}
	succeeded := 0
	for _, e := range results {
		if !strings.Contains(resp.Response, e.ModelID) {
			t.Errorf("table missing model %s:\n%s", e.ModelID, resp.Response)
		}
		if e.Success {
			succeeded++
		} else if e.Error == "" {
			t.Errorf("failed entry %s carries no error", e.ModelID)
		}
		if e.EstimatedVRAMGB <= 0 {
			t.Errorf("entry %s has no VRAM estimate", e.ModelID)
		}
	}
	if succeeded != 2 {
		t.Errorf("succeeded = %d, want 2", succeeded)
	}
}

func TestBenchmarkFailsOnlyWhenAllFail(t *testing.T) {
	reg := buildRegistry(t, "gemma2-2b-q4_0.gguf", "llama3-8b-q4_k_m.gguf")
	caller := &fakeCaller{fn: func(string, models.CompletionRequest) (*models.CompletionResult, error) {
		return nil, fmt.Errorf("everything is down")
	}}
	o := newOrch(t, config.OrchestratorConfig{}, reg, caller, nil)

	if _, err := o.Process(context.Background(), models.QueryRequest{Query: "q", Mode: models.ModeBenchmark}); err == nil {
		t.Fatal("expected failure when every model fails")
	}
}

func TestEstimateVRAMClosedForm(t *testing.T) {
	m := &models.DiscoveredModel{SizeParams: 7, Quantization: models.QuantQ4KM}
	want := 7*m.Quantization.BytesPerWeight()*1.1 + 0.5
	if got := orchestrator.EstimateVRAMGB(m); math.Abs(got-want) > 1e-9 {
		t.Errorf("EstimateVRAMGB = %f, want %f", got, want)
	}
}
