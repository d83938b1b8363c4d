// Package agent implements a ReAct-style code-chat loop over the model
// selector and inference client: the planner model alternates between
// tool actions and a final answer, with confirmation gates on mutating
// tools and a workspace sandbox on all file access.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conclave-ai/conclave/internal/config"
	"github.com/conclave-ai/conclave/internal/events"
	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// State is the loop's phase.
type State string

const (
	StatePlanning  State = "planning"
	StateExecuting State = "executing"
	StateObserving State = "observing"
	StateCompleted State = "completed"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

// ModelCaller issues one completion against a named model.
type ModelCaller interface {
	Generate(ctx context.Context, modelID string, req models.CompletionRequest) (*models.CompletionResult, error)
}

// Picker selects a model for the planner. *selector.Selector satisfies it.
type Picker interface {
	Select(tier models.Tier) (string, error)
}

// Step is one planner iteration: what it thought, what it did, and what
// it observed.
type Step struct {
	Iteration   int                    `json:"iteration"`
	Thought     string                 `json:"thought,omitempty"`
	Action      string                 `json:"action,omitempty"`
	Args        map[string]interface{} `json:"args,omitempty"`
	Observation string                 `json:"observation,omitempty"`
}

// Result is the finished session.
type Result struct {
	SessionID  string `json:"sessionId"`
	State      State  `json:"state"`
	Answer     string `json:"answer,omitempty"`
	Steps      []Step `json:"steps"`
	Iterations int    `json:"iterations"`
}

// Session is one code-chat run. Sessions are single-use.
type Session struct {
	id     string
	cfg    config.AgentConfig
	caller ModelCaller
	picker Picker
	tools  *Registry
	bus    *events.Bus

	cancelled atomic.Bool

	mu      sync.Mutex
	pending map[string]chan bool // action id -> decision
}

// NewSession wires a session over the shared core components.
func NewSession(cfg config.AgentConfig, caller ModelCaller, picker Picker, tools *Registry, bus *events.Bus) *Session {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 15
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Minute
	}
	return &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		caller:  caller,
		picker:  picker,
		tools:   tools,
		bus:     bus,
		pending: make(map[string]chan bool),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Cancel requests cooperative termination. The loop observes it at the
// next iteration boundary and during confirmation waits.
func (s *Session) Cancel() { s.cancelled.Store(true) }

// Confirm resolves a pending gated action.
func (s *Session) Confirm(actionID string, approved bool) error {
	s.mu.Lock()
	ch, ok := s.pending[actionID]
	if ok {
		delete(s.pending, actionID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending action %s", actionID)
	}
	ch <- approved
	return nil
}

// Run drives the ReAct loop until the planner answers, iterations run
// out, the session is cancelled, or the planner breaks protocol.
func (s *Session) Run(ctx context.Context, task string) (*Result, error) {
	result := &Result{SessionID: s.id}

	modelID, err := s.pickPlanner()
	if err != nil {
		result.State = StateError
		return result, err
	}
	log.Info().Str("session_id", s.id).Str("model_id", modelID).Msg("Code-chat session started")

	for iter := 1; iter <= s.cfg.MaxIterations; iter++ {
		if s.cancelled.Load() {
			result.State = StateCancelled
			return result, nil
		}
		if err := ctx.Err(); err != nil {
			result.State = StateCancelled
			return result, err
		}
		result.Iterations = iter

		// PLANNING
		res, err := s.caller.Generate(ctx, modelID, models.CompletionRequest{
			Prompt:      s.plannerPrompt(task, result.Steps),
			MaxTokens:   800,
			Temperature: 0.2,
			Stop:        []string{"Observation:"},
		})
		if err != nil {
			result.State = StateError
			return result, fmt.Errorf("planner call: %w", err)
		}

		decision, err := parsePlannerOutput(res.Content)
		if err != nil {
			result.State = StateError
			return result, fmt.Errorf("iteration %d: %w", iter, err)
		}

		if decision.Answer != "" {
			result.Steps = append(result.Steps, Step{Iteration: iter, Thought: decision.Thought})
			result.Answer = decision.Answer
			result.State = StateCompleted
			return result, nil
		}

		// EXECUTING -> OBSERVING
		step := Step{
			Iteration: iter,
			Thought:   decision.Thought,
			Action:    decision.Action,
			Args:      decision.Args,
		}
		step.Observation = s.execute(ctx, decision)
		result.Steps = append(result.Steps, step)

		if s.cancelled.Load() {
			result.State = StateCancelled
			return result, nil
		}
	}

	result.State = StateError
	return result, fmt.Errorf("no answer after %d iterations", s.cfg.MaxIterations)
}

// execute runs one tool action, passing mutating tools through the
// confirmation gate. Tool failures become observations, not loop errors.
func (s *Session) execute(ctx context.Context, d *Decision) string {
	tool := s.tools.Get(d.Action)
	if tool == nil {
		return fmt.Sprintf("error: unknown tool %q; available tools: %s", d.Action, strings.Join(s.tools.Names(), ", "))
	}

	if tool.Confirm {
		approved, err := s.awaitConfirmation(ctx, d)
		if err != nil {
			return "error: " + err.Error()
		}
		if !approved {
			return fmt.Sprintf("action %s was rejected by the operator", d.Action)
		}
	}

	out, err := tool.Run(ctx, d.Args)
	if err != nil {
		return "error: " + err.Error()
	}
	return out
}

// awaitConfirmation publishes an action_pending event and blocks until
// the operator decides, the timeout passes, or the session is cancelled.
// Timeout counts as rejection.
func (s *Session) awaitConfirmation(ctx context.Context, d *Decision) (bool, error) {
	actionID := uuid.NewString()
	ch := make(chan bool, 1)
	s.mu.Lock()
	s.pending[actionID] = ch
	s.mu.Unlock()

	args, _ := json.Marshal(d.Args)
	if s.bus != nil {
		s.bus.Publish(models.NewEvent(models.EventActionPending, models.SeverityWarning,
			fmt.Sprintf("Agent wants to run %s", d.Action),
			map[string]interface{}{
				"session_id": s.id,
				"action_id":  actionID,
				"tool":       d.Action,
				"args":       string(args),
			}))
	}

	timer := time.NewTimer(s.cfg.ConfirmTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case approved := <-ch:
			return approved, nil
		case <-timer.C:
			s.dropPending(actionID)
			log.Warn().Str("session_id", s.id).Str("tool", d.Action).Msg("Confirmation timed out, rejecting action")
			return false, nil
		case <-ctx.Done():
			s.dropPending(actionID)
			return false, ctx.Err()
		case <-ticker.C:
			if s.cancelled.Load() {
				s.dropPending(actionID)
				return false, fmt.Errorf("session cancelled")
			}
		}
	}
}

func (s *Session) dropPending(actionID string) {
	s.mu.Lock()
	delete(s.pending, actionID)
	s.mu.Unlock()
}

// pickPlanner prefers a BALANCED model, then POWERFUL, then FAST.
func (s *Session) pickPlanner() (string, error) {
	var lastErr error
	for _, tier := range []models.Tier{models.TierBalanced, models.TierPowerful, models.TierFast} {
		id, err := s.picker.Select(tier)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("no planner model available: %w", lastErr)
}

func (s *Session) plannerPrompt(task string, steps []Step) string {
	var b strings.Builder
	b.WriteString("You are a coding assistant working inside a sandboxed workspace.\n")
	b.WriteString("Respond with exactly one of:\n")
	b.WriteString("  Thought: <reasoning>\n  Action: <tool>(<json arguments>)\n")
	b.WriteString("or\n")
	b.WriteString("  Thought: <reasoning>\n  Answer: <final answer>\n\n")
	b.WriteString("Available tools:\n")
	b.WriteString(s.tools.Describe())
	fmt.Fprintf(&b, "\nTask: %s\n", task)

	for _, step := range steps {
		if step.Thought != "" {
			fmt.Fprintf(&b, "\nThought: %s", step.Thought)
		}
		if step.Action != "" {
			args, _ := json.Marshal(step.Args)
			fmt.Fprintf(&b, "\nAction: %s(%s)\nObservation: %s", step.Action, args, step.Observation)
		}
	}
	b.WriteString("\n")
	return b.String()
}
