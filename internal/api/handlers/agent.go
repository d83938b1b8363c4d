package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/conclave-ai/conclave/internal/agent"
	"github.com/conclave-ai/conclave/internal/config"
	"github.com/conclave-ai/conclave/internal/events"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// AgentGateway runs code-chat sessions and routes confirmations to them.
// Sessions are tracked only while Run is in flight; confirm and cancel
// requests arrive on separate HTTP connections.
type AgentGateway struct {
	cfg    config.AgentConfig
	caller agent.ModelCaller
	picker agent.Picker
	tools  *agent.Registry
	bus    *events.Bus

	mu       sync.Mutex
	sessions map[string]*agent.Session
}

// NewAgentGateway wires the gateway over the shared core components.
func NewAgentGateway(cfg config.AgentConfig, caller agent.ModelCaller, picker agent.Picker, tools *agent.Registry, bus *events.Bus) *AgentGateway {
	return &AgentGateway{
		cfg:      cfg,
		caller:   caller,
		picker:   picker,
		tools:    tools,
		bus:      bus,
		sessions: make(map[string]*agent.Session),
	}
}

// Run executes one task to completion, keeping the session addressable
// for confirmations while it is in flight.
func (g *AgentGateway) Run(ctx context.Context, task string) (*agent.Result, error) {
	s := agent.NewSession(g.cfg, g.caller, g.picker, g.tools, g.bus)

	g.mu.Lock()
	g.sessions[s.ID()] = s
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.sessions, s.ID())
		g.mu.Unlock()
	}()

	return s.Run(ctx, task)
}

// Confirm forwards an operator decision to a running session.
func (g *AgentGateway) Confirm(sessionID, actionID string, approved bool) error {
	g.mu.Lock()
	s, ok := g.sessions[sessionID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("no running session %s", sessionID)
	}
	return s.Confirm(actionID, approved)
}

// Cancel requests cooperative termination of a running session.
func (g *AgentGateway) Cancel(sessionID string) error {
	g.mu.Lock()
	s, ok := g.sessions[sessionID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("no running session %s", sessionID)
	}
	s.Cancel()
	return nil
}

// ── Agent Handlers ───────────────────────────────────────────

func (h *Handlers) RunAgentTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Task string `json:"task"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Task) == "" {
		respondError(w, http.StatusBadRequest, "task must not be empty")
		return
	}

	result, err := h.Agent.Run(r.Context(), body.Task)
	if err != nil {
		log.Warn().Err(err).Str("session_id", result.SessionID).Msg("Agent task failed")
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  err.Error(),
			"result": result,
		})
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) ConfirmAgentAction(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var body struct {
		ActionID string `json:"actionId"`
		Approved bool   `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Agent.Confirm(sessionID, body.ActionID, body.Approved); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"actionId": body.ActionID,
		"approved": body.Approved,
	})
}

func (h *Handlers) CancelAgentSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.Agent.Cancel(sessionID); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID, "status": "cancelling"})
}
