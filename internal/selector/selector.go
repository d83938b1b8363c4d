// Package selector picks models for the orchestrator: a healthy model
// from a requested tier balanced by lifetime request count, and diverse
// pairs for adversarial council runs.
package selector

import (
	"fmt"
	"sync"

	"github.com/conclave-ai/conclave/internal/registry"
	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/rs/zerolog/log"
)

// ReadyChecker reports whether a tracked server is ready to serve. The
// server manager satisfies this.
type ReadyChecker interface {
	IsReady(key string) bool
}

// ErrNoModels is returned when a tier has no healthy model.
type ErrNoModels struct {
	Tier models.Tier
}

func (e *ErrNoModels) Error() string {
	return fmt.Sprintf("no healthy models available in tier %s", e.Tier)
}

// Selector chooses among enabled, ready models.
type Selector struct {
	registry *registry.Registry
	ready    ReadyChecker

	mu     sync.Mutex
	counts map[string]uint64 // lifetime requests per model id
}

// New creates a selector over the registry and readiness source.
func New(reg *registry.Registry, ready ReadyChecker) *Selector {
	return &Selector{
		registry: reg,
		ready:    ready,
		counts:   make(map[string]uint64),
	}
}

// Select picks a healthy model from the tier. Ties break toward the
// lowest lifetime request count, approximating round-robin over equals.
func (s *Selector) Select(tier models.Tier) (string, error) {
	candidates := s.registry.ByTier(tier)

	s.mu.Lock()
	defer s.mu.Unlock()

	var best string
	var bestCount uint64
	for _, m := range candidates {
		if !s.ready.IsReady(m.ModelID) {
			continue
		}
		if best == "" || s.counts[m.ModelID] < bestCount {
			best = m.ModelID
			bestCount = s.counts[m.ModelID]
		}
	}
	if best == "" {
		return "", &ErrNoModels{Tier: tier}
	}

	s.counts[best]++
	log.Debug().
		Str("model_id", best).
		Str("tier", string(tier)).
		Uint64("lifetime_count", s.counts[best]).
		Msg("Model selected")
	return best, nil
}

// SelectDebatePair returns two enabled models, preferring a cross-tier
// pair for diversity. Fails when fewer than two models are enabled.
func (s *Selector) SelectDebatePair() (string, string, error) {
	enabled := s.registry.Enabled()
	if len(enabled) < 2 {
		return "", "", fmt.Errorf("debate needs two enabled models, have %d", len(enabled))
	}

	// First pass: any pair from different effective tiers. The list is in
	// tier order, so the first cross-tier hit is also the most diverse.
	for i := 0; i < len(enabled); i++ {
		for j := i + 1; j < len(enabled); j++ {
			if enabled[i].EffectiveTier() != enabled[j].EffectiveTier() {
				return enabled[i].ModelID, enabled[j].ModelID, nil
			}
		}
	}
	return enabled[0].ModelID, enabled[1].ModelID, nil
}

// RequestCount returns the lifetime request count for a model.
func (s *Selector) RequestCount(modelID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[modelID]
}
