// Package models defines the shared data model for the Conclave control
// plane: discovered models, server processes, instances, query requests and
// responses, dialogue transcripts, system events, metrics, and topology.
//
// All JSON tags render the on-wire camelCase names. Unknown fields are
// ignored on decode; missing optional fields take their zero value.
package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ── Tiers ────────────────────────────────────────────────────

// Tier is the coarse performance classification of a model.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierPowerful Tier = "powerful"
)

// AllTiers lists tiers in ascending capability order.
var AllTiers = []Tier{TierFast, TierBalanced, TierPowerful}

// Rank returns the ordering index of a tier (fast=0 … powerful=2).
func (t Tier) Rank() int {
	switch t {
	case TierFast:
		return 0
	case TierBalanced:
		return 1
	case TierPowerful:
		return 2
	}
	return 1
}

// ValidTier reports whether s names a known tier.
func ValidTier(s string) bool {
	switch Tier(s) {
	case TierFast, TierBalanced, TierPowerful:
		return true
	}
	return false
}

// ── Quantization ─────────────────────────────────────────────

// Quantization is a closed-set tag describing weight precision.
type Quantization string

const (
	QuantQ2K  Quantization = "Q2_K"
	QuantQ3KS Quantization = "Q3_K_S"
	QuantQ3KM Quantization = "Q3_K_M"
	QuantQ3KL Quantization = "Q3_K_L"
	QuantQ40  Quantization = "Q4_0"
	QuantQ4K  Quantization = "Q4_K"
	QuantQ4KS Quantization = "Q4_K_S"
	QuantQ4KM Quantization = "Q4_K_M"
	QuantQ50  Quantization = "Q5_0"
	QuantQ5KS Quantization = "Q5_K_S"
	QuantQ5KM Quantization = "Q5_K_M"
	QuantQ6K  Quantization = "Q6_K"
	QuantQ80  Quantization = "Q8_0"
	QuantF16  Quantization = "F16"
	QuantF32  Quantization = "F32"
)

// ValidQuantizations is the closed set accepted by discovery.
var ValidQuantizations = map[Quantization]bool{
	QuantQ2K: true, QuantQ3KS: true, QuantQ3KM: true, QuantQ3KL: true,
	QuantQ40: true, QuantQ4K: true, QuantQ4KS: true, QuantQ4KM: true,
	QuantQ50: true, QuantQ5KS: true, QuantQ5KM: true, QuantQ6K: true,
	QuantQ80: true, QuantF16: true, QuantF32: true,
}

// BytesPerWeight returns the approximate bytes per parameter for a
// quantization, used by the benchmark VRAM estimate.
func (q Quantization) BytesPerWeight() float64 {
	switch q {
	case QuantQ2K:
		return 0.35
	case QuantQ3KS, QuantQ3KM, QuantQ3KL:
		return 0.45
	case QuantQ40, QuantQ4K, QuantQ4KS, QuantQ4KM:
		return 0.55
	case QuantQ50, QuantQ5KS, QuantQ5KM:
		return 0.68
	case QuantQ6K:
		return 0.80
	case QuantQ80:
		return 1.0
	case QuantF16:
		return 2.0
	case QuantF32:
		return 4.0
	}
	return 0.55
}

// ── Discovered Model ─────────────────────────────────────────

// RuntimeOverrides are per-model llama-server launch parameters. Zero
// values mean "use the global default".
type RuntimeOverrides struct {
	NGPULayers int `json:"nGpuLayers,omitempty"`
	CtxSize    int `json:"ctxSize,omitempty"`
	NThreads   int `json:"nThreads,omitempty"`
	BatchSize  int `json:"batchSize,omitempty"`
	UBatchSize int `json:"ubatchSize,omitempty"`
}

// DiscoveredModel represents one quantized GGUF artifact on disk.
type DiscoveredModel struct {
	ModelID      string       `json:"modelId"`
	FilePath     string       `json:"filePath"`
	Family       string       `json:"family"`
	Variant      string       `json:"variant,omitempty"`
	Version      string       `json:"version,omitempty"`
	SizeParams   float64      `json:"sizeParams"` // billions
	Quantization Quantization `json:"quantization"`
	AssignedTier Tier         `json:"assignedTier"`

	// User-settable overrides, preserved across rescans.
	TierOverride     Tier  `json:"tierOverride,omitempty"`
	ThinkingOverride *bool `json:"thinkingOverride,omitempty"`
	Enabled          bool  `json:"enabled"`

	Port int `json:"port,omitempty"` // 0 = none allocated

	Runtime RuntimeOverrides `json:"runtime,omitempty"`

	IsThinkingModel bool `json:"isThinkingModel"`
	IsInstruct      bool `json:"isInstruct"`
	IsCoder         bool `json:"isCoder"`
}

// EffectiveTier returns the tier override when set, else the assigned tier.
func (m *DiscoveredModel) EffectiveTier() Tier {
	if m.TierOverride != "" {
		return m.TierOverride
	}
	return m.AssignedTier
}

// EffectiveThinking returns the thinking flag with any override applied.
func (m *DiscoveredModel) EffectiveThinking() bool {
	if m.ThinkingOverride != nil {
		return *m.ThinkingOverride
	}
	return m.IsThinkingModel
}

// DisplayName renders a human-readable model name.
func (m *DiscoveredModel) DisplayName() string {
	name := m.Family
	if m.Variant != "" {
		name += "-" + m.Variant
	}
	if m.Version != "" {
		name += " v" + m.Version
	}
	return fmt.Sprintf("%s %.1fB %s", name, m.SizeParams, m.Quantization)
}

// TierThresholds are the size boundaries for tier assignment.
type TierThresholds struct {
	PowerfulMin float64 `json:"powerfulMin"`
	FastMax     float64 `json:"fastMax"`
}

// DefaultTierThresholds returns the standard thresholds (≥14B powerful,
// <7B fast when aggressively quantized).
func DefaultTierThresholds() TierThresholds {
	return TierThresholds{PowerfulMin: 14, FastMax: 7}
}

// RegistryDocument is the persisted registry file format.
type RegistryDocument struct {
	Models         map[string]*DiscoveredModel `json:"models"`
	ScanPath       string                      `json:"scanPath"`
	LastScan       time.Time                   `json:"lastScan"`
	PortRange      [2]int                      `json:"portRange"`
	TierThresholds TierThresholds              `json:"tierThresholds"`
}

// ── Server Process ───────────────────────────────────────────

// ServerStatus tracks an inference server through its lifecycle.
type ServerStatus string

const (
	ServerStopped  ServerStatus = "stopped"
	ServerStarting ServerStatus = "starting"
	ServerActive   ServerStatus = "active"
	ServerStopping ServerStatus = "stopping"
	ServerError    ServerStatus = "error"
)

// ServerProcess is a point-in-time snapshot of one supervised inference
// server.
type ServerProcess struct {
	ModelID    string       `json:"modelId"`
	Port       int          `json:"port"`
	PID        int          `json:"pid,omitempty"`
	Status     ServerStatus `json:"status"`
	IsReady    bool         `json:"isReady"`
	IsExternal bool         `json:"isExternal"`
	StartedAt  time.Time    `json:"startedAt"`
	Error      string       `json:"error,omitempty"`
}

// ServerSummary aggregates per-server snapshots for the status endpoint.
type ServerSummary struct {
	Total    int             `json:"total"`
	Ready    int             `json:"ready"`
	External int             `json:"external"`
	Servers  []ServerProcess `json:"servers"`
}

// ── Instances ────────────────────────────────────────────────

// InstanceStatus tracks a named instance through its lifecycle.
type InstanceStatus string

const (
	InstanceStopped  InstanceStatus = "stopped"
	InstanceStarting InstanceStatus = "starting"
	InstanceActive   InstanceStatus = "active"
	InstanceStopping InstanceStatus = "stopping"
	InstanceError    InstanceStatus = "error"
)

// InstanceConfig is a named configuration overlay on a base model with its
// own port and optional system prompt.
type InstanceConfig struct {
	InstanceID       string         `json:"instanceId"` // "<modelId>:NN"
	BaseModelID      string         `json:"baseModelId"`
	InstanceNumber   int            `json:"instanceNumber"` // 1..99
	DisplayName      string         `json:"displayName"`
	SystemPrompt     string         `json:"systemPrompt,omitempty"`
	WebSearchEnabled bool           `json:"webSearchEnabled"`
	Port             int            `json:"port"`
	Status           InstanceStatus `json:"status"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// InstanceDocument is the persisted instance file format.
type InstanceDocument struct {
	Instances map[string]*InstanceConfig `json:"instances"`
	PortRange [2]int                     `json:"portRange"`
}

// ── Completion Protocol ──────────────────────────────────────

// CompletionRequest is the payload sent to an inference server's
// /completion endpoint.
type CompletionRequest struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"n_predict"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
}

// CompletionResult is the inference server's reply.
type CompletionResult struct {
	Content         string `json:"content"`
	TokensPredicted int    `json:"tokens_predicted"`
	TokensEvaluated int    `json:"tokens_evaluated"`
	Error           string `json:"error,omitempty"`
}

// HealthState classifies an inference server health probe.
type HealthState string

const (
	HealthOK          HealthState = "ok"
	HealthLoading     HealthState = "loading"
	HealthUnreachable HealthState = "unreachable"
	HealthError       HealthState = "error"
)

// HealthResult carries the probe outcome and latency.
type HealthResult struct {
	Status    HealthState `json:"status"`
	LatencyMs int64       `json:"latencyMs"`
}

// ── Queries ──────────────────────────────────────────────────

// QueryMode selects the orchestrator execution pipeline.
type QueryMode string

const (
	ModeSimple    QueryMode = "simple"
	ModeTwoStage  QueryMode = "two-stage"
	ModeCouncil   QueryMode = "council"
	ModeBenchmark QueryMode = "benchmark"
)

// MaxQueryLength bounds the accepted query text.
const MaxQueryLength = 10000

// QueryRequest is a user query plus mode-specific options.
type QueryRequest struct {
	Query        string    `json:"query"`
	Mode         QueryMode `json:"mode"`
	UseContext   bool      `json:"useContext"`
	UseWebSearch bool      `json:"useWebSearch"`
	MaxTokens    int       `json:"maxTokens"`
	Temperature  float64   `json:"temperature"`
	InstanceID   string    `json:"instanceId,omitempty"`

	// Council options.
	CouncilAdversarial        bool              `json:"councilAdversarial"`
	CouncilProModel           string            `json:"councilProModel,omitempty"`
	CouncilConModel           string            `json:"councilConModel,omitempty"`
	CouncilParticipants       []string          `json:"councilParticipants,omitempty"`
	CouncilPersonas           map[string]string `json:"councilPersonas,omitempty"`
	CouncilPersonaProfile     string            `json:"councilPersonaProfile,omitempty"`
	CouncilMaxTurns           int               `json:"councilMaxTurns"`
	CouncilDynamicTermination bool              `json:"councilDynamicTermination"`
	CouncilModerator          bool              `json:"councilModerator"`
	CouncilModeratorFrequency int               `json:"councilModeratorFrequency"`
	CouncilSystemPromptPreset string            `json:"councilSystemPromptPreset,omitempty"`

	// Benchmark options.
	BenchmarkSerial    bool `json:"benchmarkSerial"`
	BenchmarkBatchSize int  `json:"benchmarkBatchSize"`
}

// Validate enforces the request schema before any core logic runs.
func (r *QueryRequest) Validate() error {
	q := strings.TrimSpace(r.Query)
	if q == "" {
		return fmt.Errorf("query must not be empty")
	}
	if len(r.Query) > MaxQueryLength {
		return fmt.Errorf("query exceeds %d characters", MaxQueryLength)
	}
	switch r.Mode {
	case ModeSimple, ModeTwoStage, ModeCouncil, ModeBenchmark:
	default:
		return fmt.Errorf("unknown query mode %q", r.Mode)
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("maxTokens must be non-negative")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("temperature must be in [0,2]")
	}
	return nil
}

// QueryResponse is the synthesized answer plus provenance metadata.
type QueryResponse struct {
	QueryID          string                 `json:"queryId"`
	Mode             QueryMode              `json:"mode"`
	Response         string                 `json:"response"`
	ModelID          string                 `json:"modelId,omitempty"`
	Tier             Tier                   `json:"tier,omitempty"`
	TokensPredicted  int                    `json:"tokensPredicted"`
	TokensEvaluated  int                    `json:"tokensEvaluated"`
	ProcessingTimeMs int64                  `json:"processingTimeMs"`
	CacheHit         bool                   `json:"cacheHit"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// StageInfo records one stage of a multi-stage pipeline.
type StageInfo struct {
	ModelID         string  `json:"modelId"`
	Tier            Tier    `json:"tier"`
	Response        string  `json:"response"`
	TokensPredicted int     `json:"tokensPredicted"`
	DurationMs      int64   `json:"durationMs"`
	ComplexityScore float64 `json:"complexityScore,omitempty"`
}

// BenchmarkEntry records one model's run in benchmark mode.
type BenchmarkEntry struct {
	ModelID         string  `json:"modelId"`
	Tier            Tier    `json:"tier"`
	Success         bool    `json:"success"`
	Error           string  `json:"error,omitempty"`
	DurationMs      int64   `json:"durationMs"`
	TokensPredicted int     `json:"tokensPredicted"`
	TokensPerSecond float64 `json:"tokensPerSecond"`
	EstimatedVRAMGB float64 `json:"estimatedVramGb"`
	Response        string  `json:"response,omitempty"`
}

// ── Retrieval ────────────────────────────────────────────────

// Artifact is a chunk of source text returned by retrieval, with
// provenance.
type Artifact struct {
	FilePath   string  `json:"filePath"`
	ChunkIndex int     `json:"chunkIndex"`
	Content    string  `json:"content"`
	Relevance  float64 `json:"relevance"`
	Tokens     int     `json:"tokens"`
}

// RetrievalResult is the outcome of one retrieval call.
type RetrievalResult struct {
	Artifacts            []Artifact `json:"artifacts"`
	TokensUsed           int        `json:"tokensUsed"`
	CandidatesConsidered int        `json:"candidatesConsidered"`
	RetrievalTimeMs      int64      `json:"retrievalTimeMs"`
	CacheHit             bool       `json:"cacheHit"`
}

// WebSearchResult is one enrichment hit from the web-search collaborator.
type WebSearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// ── Dialogue ─────────────────────────────────────────────────

// TerminationReason explains why a debate ended.
type TerminationReason string

const (
	TerminationMaxTurns      TerminationReason = "max_turns_reached"
	TerminationConcession    TerminationReason = "concession_detected"
	TerminationRepetition    TerminationReason = "stalemate_repetition"
	TerminationDisengagement TerminationReason = "stalemate_disengagement"
)

// DialoguePosition labels a debate speaker's side.
type DialoguePosition string

const (
	PositionPro       DialoguePosition = "PRO"
	PositionCon       DialoguePosition = "CON"
	PositionModerator DialoguePosition = "MODERATOR"
)

// DialogueTurn is one speaker's utterance in a debate transcript.
type DialogueTurn struct {
	TurnNumber int              `json:"turnNumber"`
	SpeakerID  string           `json:"speakerId"`
	Position   DialoguePosition `json:"position"`
	Persona    string           `json:"persona,omitempty"`
	Content    string           `json:"content"`
	Timestamp  time.Time        `json:"timestamp"`
	TokenCount int              `json:"tokenCount"`
}

// DialogueResult carries the ordered turns plus synthesis and totals.
type DialogueResult struct {
	Turns                  []DialogueTurn    `json:"turns"`
	Synthesis              string            `json:"synthesis"`
	TerminationReason      TerminationReason `json:"terminationReason"`
	TotalTokens            int               `json:"totalTokens"`
	TotalDurationMs        int64             `json:"totalDurationMs"`
	ModeratorInterjections int               `json:"moderatorInterjections"`
}

// ModeratorOptions configures live debate moderation.
type ModeratorOptions struct {
	Enabled          bool   `json:"enabled"`
	ModelID          string `json:"modelId,omitempty"`
	Frequency        int    `json:"frequency"`        // interject every N turns
	MaxInterjections int    `json:"maxInterjections"` // hard cap
}

// ── Events ───────────────────────────────────────────────────

// EventType is the closed enum of system event types.
type EventType string

const (
	EventQueryRoute            EventType = "query_route"
	EventModelState            EventType = "model_state"
	EventCGRAG                 EventType = "cgrag"
	EventCache                 EventType = "cache"
	EventError                 EventType = "error"
	EventPerformance           EventType = "performance"
	EventPipelineStageStart    EventType = "pipeline_stage_start"
	EventPipelineStageComplete EventType = "pipeline_stage_complete"
	EventPipelineStageFailed   EventType = "pipeline_stage_failed"
	EventPipelineComplete      EventType = "pipeline_complete"
	EventPipelineFailed        EventType = "pipeline_failed"
	EventTopologyHealth        EventType = "topology_health_update"
	EventTopologyDataflow      EventType = "topology_dataflow_update"
	EventLog                   EventType = "log"
	EventActionPending         EventType = "action_pending"
)

// Severity grades an event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Rank orders severities for min-severity filtering.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	}
	return 0
}

// MaxEventMessageLen bounds the human-readable event message.
const MaxEventMessageLen = 1000

// SystemEvent is one entry on the event bus.
type SystemEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent builds an event with the message clamped to the wire limit.
func NewEvent(t EventType, sev Severity, msg string, meta map[string]interface{}) SystemEvent {
	if len(msg) > MaxEventMessageLen {
		// Back up to a rune boundary so the clamp never splits a
		// multi-byte character.
		cut := MaxEventMessageLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return SystemEvent{
		Timestamp: time.Now().UTC(),
		Type:      t,
		Severity:  sev,
		Message:   msg,
		Metadata:  meta,
	}
}

// ── Metrics ──────────────────────────────────────────────────

// MetricTags are the optional dimensions on a data point.
type MetricTags struct {
	ModelID   string `json:"modelId,omitempty"`
	Tier      string `json:"tier,omitempty"`
	QueryMode string `json:"queryMode,omitempty"`
}

// MetricDataPoint is one sample in a per-metric ring buffer.
type MetricDataPoint struct {
	Timestamp float64    `json:"timestamp"` // seconds since epoch
	Value     float64    `json:"value"`
	Tags      MetricTags `json:"tags,omitempty"`
}

// MetricSummary aggregates a window of samples.
type MetricSummary struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// TimeSeries is a downsampled series plus its summary.
type TimeSeries struct {
	Metric  string            `json:"metric"`
	Points  []MetricDataPoint `json:"points"`
	Summary MetricSummary     `json:"summary"`
}

// ── Topology ─────────────────────────────────────────────────

// ComponentStatus grades a tracked component's health.
type ComponentStatus string

const (
	ComponentHealthy   ComponentStatus = "healthy"
	ComponentDegraded  ComponentStatus = "degraded"
	ComponentUnhealthy ComponentStatus = "unhealthy"
	ComponentOffline   ComponentStatus = "offline"
)

// HealthMetrics is the dynamic health state of one component.
type HealthMetrics struct {
	Status       ComponentStatus `json:"status"`
	UptimeSec    float64         `json:"uptimeSec"`
	MemoryMB     float64         `json:"memoryMb"`
	CPUPercent   float64         `json:"cpuPercent"`
	ErrorRate    float64         `json:"errorRate"`
	AvgLatencyMs float64         `json:"avgLatencyMs"`
	LastCheck    time.Time       `json:"lastCheck"`
}

// ComponentNode is one named vertex in the topology graph.
type ComponentNode struct {
	ID     string        `json:"id"`
	Label  string        `json:"label"`
	Kind   string        `json:"kind"` // "service" or "model"
	Health HealthMetrics `json:"health"`
}

// ComponentConnection is one edge in the topology graph.
type ComponentConnection struct {
	From     string             `json:"from"`
	To       string             `json:"to"`
	Active   bool               `json:"active"`
	Metadata map[string]float64 `json:"metadata,omitempty"`
}

// DataFlowPath records the components a query traversed, in order.
type DataFlowPath struct {
	QueryID    string    `json:"queryId"`
	Components []string  `json:"components"`
	StartedAt  time.Time `json:"startedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TopologySnapshot is the full graph view returned to consumers.
type TopologySnapshot struct {
	Nodes       []ComponentNode       `json:"nodes"`
	Connections []ComponentConnection `json:"connections"`
	Flows       []DataFlowPath        `json:"flows"`
}

// ── Token Estimation ─────────────────────────────────────────

// EstimateTokens approximates a token count as words × 1.3. A documented
// heuristic, not an invariant; retrieval budgeting relies on it.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(float64(words) * 1.3)
}
