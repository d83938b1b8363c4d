// Package handlers implements the HTTP handlers for the Conclave control
// plane. Handlers are a thin JSON layer over the core components; all
// domain rules live in the packages they call.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/conclave-ai/conclave/internal/config"
	"github.com/conclave-ai/conclave/internal/events"
	"github.com/conclave-ai/conclave/internal/instances"
	"github.com/conclave-ai/conclave/internal/metrics"
	"github.com/conclave-ai/conclave/internal/orchestrator"
	"github.com/conclave-ai/conclave/internal/process"
	"github.com/conclave-ai/conclave/internal/registry"
	"github.com/conclave-ai/conclave/internal/retrieval"
	"github.com/conclave-ai/conclave/internal/topology"
	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Cfg          *config.Config
	Registry     *registry.Registry
	Manager      *process.Manager
	Instances    *instances.Manager
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Aggregator
	Topology     *topology.Tracker
	Bus          *events.Bus
	Retrieval    *retrieval.Engine
	Agent        *AgentGateway
}

// ── Model Registry ───────────────────────────────────────────

func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Registry.List())
}

func (h *Handlers) GetModel(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	m := h.Registry.Get(modelID)
	if m == nil {
		respondError(w, http.StatusNotFound, "model "+modelID+" not found")
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (h *Handlers) RescanModels(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Discover(h.Cfg.Models.ScanPath); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Int("models", len(h.Registry.List())).Msg("Model rescan complete")
	respondJSON(w, http.StatusOK, h.Registry.List())
}

func (h *Handlers) ListTiers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"availableTiers": h.Registry.AvailableTiers(),
	})
}

func (h *Handlers) SetModelTier(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	var body struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !models.ValidTier(body.Tier) {
		respondError(w, http.StatusBadRequest, "unknown tier "+body.Tier)
		return
	}
	if h.Registry.Get(modelID) == nil {
		respondError(w, http.StatusNotFound, "model "+modelID+" not found")
		return
	}
	if err := h.Registry.SetTierOverride(modelID, models.Tier(body.Tier)); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, h.Registry.Get(modelID))
}

func (h *Handlers) SetModelThinking(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	var body struct {
		Thinking *bool `json:"thinking"` // null clears the override
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if h.Registry.Get(modelID) == nil {
		respondError(w, http.StatusNotFound, "model "+modelID+" not found")
		return
	}
	if err := h.Registry.SetThinkingOverride(modelID, body.Thinking); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, h.Registry.Get(modelID))
}

func (h *Handlers) SetModelEnabled(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if h.Registry.Get(modelID) == nil {
		respondError(w, http.StatusNotFound, "model "+modelID+" not found")
		return
	}
	if err := h.Registry.SetEnabled(modelID, body.Enabled); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, h.Registry.Get(modelID))
}

func (h *Handlers) SetModelRuntime(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	var body models.RuntimeOverrides
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if h.Registry.Get(modelID) == nil {
		respondError(w, http.StatusNotFound, "model "+modelID+" not found")
		return
	}
	if err := h.Registry.SetRuntimeOverrides(modelID, body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, h.Registry.Get(modelID))
}

func (h *Handlers) SetPortRange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Lo int `json:"lo"`
		Hi int `json:"hi"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Registry.SetPortRange(body.Lo, body.Hi); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, h.Registry.Snapshot())
}

func (h *Handlers) BulkSetEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Registry.BulkSetEnabled(body.Enabled); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, h.Registry.List())
}

// ── Inference Servers ────────────────────────────────────────

func (h *Handlers) ServerStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Manager.StatusSummary())
}

func (h *Handlers) StartAllServers(w http.ResponseWriter, r *http.Request) {
	procs := h.Manager.StartAll(r.Context(), h.Registry.Enabled())
	respondJSON(w, http.StatusOK, procs)
}

func (h *Handlers) StopAllServers(w http.ResponseWriter, r *http.Request) {
	h.Manager.StopAll(h.Cfg.Servers.StopTimeout)
	respondJSON(w, http.StatusOK, h.Manager.StatusSummary())
}

func (h *Handlers) RestartAllServers(w http.ResponseWriter, r *http.Request) {
	h.Manager.StopAll(h.Cfg.Servers.StopTimeout)
	procs := h.Manager.StartAll(r.Context(), h.Registry.Enabled())
	respondJSON(w, http.StatusOK, procs)
}

func (h *Handlers) StartServer(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	m := h.Registry.Get(modelID)
	if m == nil {
		respondError(w, http.StatusNotFound, "model "+modelID+" not found")
		return
	}
	if m.Port == 0 {
		respondError(w, http.StatusConflict, "model "+modelID+" has no port allocated")
		return
	}
	proc, err := h.Manager.Start(r.Context(), modelID, m, m.Port)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, proc)
}

func (h *Handlers) StopServer(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	if err := h.Manager.Stop(modelID, h.Cfg.Servers.StopTimeout); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"modelId": modelID, "status": "stopped"})
}

// ── Instances ────────────────────────────────────────────────

func (h *Handlers) ListInstances(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Instances.List())
}

func (h *Handlers) CreateInstance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BaseModelID      string `json:"baseModelId"`
		DisplayName      string `json:"displayName"`
		SystemPrompt     string `json:"systemPrompt"`
		WebSearchEnabled bool   `json:"webSearchEnabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	inst, err := h.Instances.Create(body.BaseModelID, body.DisplayName, body.SystemPrompt, body.WebSearchEnabled)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, inst)
}

func (h *Handlers) GetInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	inst := h.Instances.Get(instanceID)
	if inst == nil {
		respondError(w, http.StatusNotFound, "instance "+instanceID+" not found")
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

func (h *Handlers) UpdateInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	var body struct {
		DisplayName      string `json:"displayName"`
		SystemPrompt     string `json:"systemPrompt"`
		WebSearchEnabled *bool  `json:"webSearchEnabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	inst, err := h.Instances.Update(instanceID, body.DisplayName, body.SystemPrompt, body.WebSearchEnabled)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

func (h *Handlers) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	if err := h.Instances.Delete(instanceID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusConflict, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) StartInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	inst, err := h.Instances.Start(r.Context(), instanceID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

func (h *Handlers) StopInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	if err := h.Instances.Stop(instanceID, h.Cfg.Servers.StopTimeout); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, h.Instances.Get(instanceID))
}

// ── Queries ──────────────────────────────────────────────────

func (h *Handlers) SubmitQuery(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.Orchestrator.Process(r.Context(), req)
	if err != nil {
		var unavail *orchestrator.UnavailableError
		var timeout *orchestrator.QueryTimeoutError
		switch {
		case errors.As(err, &unavail):
			respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"error":          unavail.Reason,
				"availableTiers": unavail.AvailableTiers,
			})
		case errors.As(err, &timeout):
			respondError(w, http.StatusGatewayTimeout, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ── Metrics ──────────────────────────────────────────────────

func (h *Handlers) ListMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"metrics": h.Metrics.Metrics()})
}

func (h *Handlers) MetricTimeSeries(w http.ResponseWriter, r *http.Request) {
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		respondError(w, http.StatusBadRequest, "metric parameter is required")
		return
	}
	filter := models.MetricTags{
		ModelID:   r.URL.Query().Get("modelId"),
		Tier:      r.URL.Query().Get("tier"),
		QueryMode: r.URL.Query().Get("mode"),
	}
	series, err := h.Metrics.TimeSeries(metric, queryRange(r), filter)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, series)
}

func (h *Handlers) MetricSummary(w http.ResponseWriter, r *http.Request) {
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		respondError(w, http.StatusBadRequest, "metric parameter is required")
		return
	}
	summary, err := h.Metrics.Summary(metric, queryRange(r))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (h *Handlers) MetricCompare(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("metrics")
	if raw == "" {
		respondError(w, http.StatusBadRequest, "metrics parameter is required")
		return
	}
	names := strings.Split(raw, ",")
	for i := range names {
		names[i] = strings.TrimSpace(names[i])
	}
	compared, err := h.Metrics.Compare(names, queryRange(r))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, compared)
}

func (h *Handlers) MetricModelBreakdown(w http.ResponseWriter, r *http.Request) {
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		respondError(w, http.StatusBadRequest, "metric parameter is required")
		return
	}
	breakdown, err := h.Metrics.ModelBreakdown(metric, queryRange(r))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, breakdown)
}

func queryRange(r *http.Request) metrics.Range {
	if raw := r.URL.Query().Get("range"); raw != "" {
		return metrics.Range(raw)
	}
	return metrics.Range1H
}

// ── Topology ─────────────────────────────────────────────────

func (h *Handlers) TopologySnapshot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Topology.Snapshot())
}

// ── Retrieval ────────────────────────────────────────────────

func (h *Handlers) RetrievalStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"indexExists": h.Retrieval.IndexExists(),
		"chunkCount":  h.Retrieval.ChunkCount(),
	})
}

func (h *Handlers) BuildRetrievalIndex(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CorpusDir string `json:"corpusDir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.CorpusDir == "" {
		respondError(w, http.StatusBadRequest, "corpusDir is required")
		return
	}
	count, err := h.Retrieval.BuildIndex(body.CorpusDir, retrieval.BuilderConfig{
		ChunkSize:    h.Cfg.Retrieval.ChunkSize,
		ChunkOverlap: h.Cfg.Retrieval.ChunkOverlap,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Info().Int("chunks", count).Str("corpus", body.CorpusDir).Msg("Retrieval index built")
	respondJSON(w, http.StatusOK, map[string]int{"chunks": count})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
