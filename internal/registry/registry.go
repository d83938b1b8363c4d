package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/rs/zerolog/log"
)

// Registry is the authoritative store of discovered models plus user
// overrides. All mutations happen under one lock and are followed by an
// atomic write of the backing JSON document.
type Registry struct {
	mu      sync.Mutex
	path    string
	scanner *Scanner
	doc     models.RegistryDocument
}

// New creates a registry backed by the JSON document at path. An existing
// valid document is loaded; a schema-invalid document is rejected and the
// registry starts empty (the operator can rescan).
func New(path string, scanner *Scanner) *Registry {
	r := &Registry{
		path:    path,
		scanner: scanner,
		doc: models.RegistryDocument{
			Models:         make(map[string]*models.DiscoveredModel),
			PortRange:      [2]int{scanner.PortLo, scanner.PortHi},
			TierThresholds: scanner.Thresholds,
		},
	}
	if err := r.load(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Registry load failed, starting empty")
	}
	return r
}

// Discover scans the root and replaces the registry contents, preserving
// tier/thinking/enabled overrides and runtime parameters for any model id
// that already existed.
func (r *Registry) Discover(scanRoot string) error {
	discovered, err := r.scanner.Scan(scanRoot)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*models.DiscoveredModel, len(discovered))
	preserved := 0
	for _, m := range discovered {
		if prev, ok := r.doc.Models[m.ModelID]; ok {
			m.TierOverride = prev.TierOverride
			m.ThinkingOverride = prev.ThinkingOverride
			m.Enabled = prev.Enabled
			m.Runtime = prev.Runtime
			preserved++
		}
		next[m.ModelID] = m
	}

	r.doc.Models = next
	r.doc.ScanPath = scanRoot
	r.doc.LastScan = time.Now().UTC()
	r.doc.PortRange = [2]int{r.scanner.PortLo, r.scanner.PortHi}
	r.doc.TierThresholds = r.scanner.Thresholds

	log.Info().
		Int("models", len(next)).
		Int("overrides_preserved", preserved).
		Msg("Registry updated from scan")

	return r.saveLocked()
}

// Get returns a copy of the model, or nil if unknown.
func (r *Registry) Get(modelID string) *models.DiscoveredModel {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.doc.Models[modelID]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// List returns copies of all models in (tier, size desc, quant) order.
func (r *Registry) List() []*models.DiscoveredModel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.DiscoveredModel, 0, len(r.doc.Models))
	for _, m := range r.doc.Models {
		cp := *m
		out = append(out, &cp)
	}
	sortModels(out)
	return out
}

// Enabled returns copies of all enabled models.
func (r *Registry) Enabled() []*models.DiscoveredModel {
	all := r.List()
	out := all[:0]
	for _, m := range all {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// ByTier returns enabled models whose effective tier matches.
func (r *Registry) ByTier(tier models.Tier) []*models.DiscoveredModel {
	var out []*models.DiscoveredModel
	for _, m := range r.Enabled() {
		if m.EffectiveTier() == tier {
			out = append(out, m)
		}
	}
	return out
}

// AvailableTiers lists tiers that have at least one enabled model.
func (r *Registry) AvailableTiers() []models.Tier {
	seen := make(map[models.Tier]bool)
	for _, m := range r.Enabled() {
		seen[m.EffectiveTier()] = true
	}
	var out []models.Tier
	for _, t := range models.AllTiers {
		if seen[t] {
			out = append(out, t)
		}
	}
	return out
}

// Snapshot returns a deep copy of the persisted document.
func (r *Registry) Snapshot() models.RegistryDocument {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.doc
	cp.Models = make(map[string]*models.DiscoveredModel, len(r.doc.Models))
	for id, m := range r.doc.Models {
		mc := *m
		cp.Models[id] = &mc
	}
	return cp
}

// ── Override Setters ─────────────────────────────────────────

// SetTierOverride sets or clears (empty tier) the model's tier override.
func (r *Registry) SetTierOverride(modelID string, tier models.Tier) error {
	if tier != "" && !models.ValidTier(string(tier)) {
		return fmt.Errorf("invalid tier %q", tier)
	}
	return r.mutate(modelID, func(m *models.DiscoveredModel) {
		m.TierOverride = tier
	})
}

// SetThinkingOverride sets or clears (nil) the thinking override.
func (r *Registry) SetThinkingOverride(modelID string, thinking *bool) error {
	return r.mutate(modelID, func(m *models.DiscoveredModel) {
		m.ThinkingOverride = thinking
	})
}

// SetEnabled toggles a model.
func (r *Registry) SetEnabled(modelID string, enabled bool) error {
	return r.mutate(modelID, func(m *models.DiscoveredModel) {
		m.Enabled = enabled
	})
}

// BulkSetEnabled toggles every model in the registry.
func (r *Registry) BulkSetEnabled(enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.doc.Models {
		m.Enabled = enabled
	}
	return r.saveLocked()
}

// SetRuntimeOverrides replaces the model's llama-server launch overrides.
func (r *Registry) SetRuntimeOverrides(modelID string, rt models.RuntimeOverrides) error {
	return r.mutate(modelID, func(m *models.DiscoveredModel) {
		m.Runtime = rt
	})
}

// SetPortRange updates the range and reallocates ports in sort order.
func (r *Registry) SetPortRange(lo, hi int) error {
	if lo <= 0 || hi < lo {
		return fmt.Errorf("invalid port range [%d,%d]", lo, hi)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.scanner.PortLo = lo
	r.scanner.PortHi = hi
	r.doc.PortRange = [2]int{lo, hi}

	list := make([]*models.DiscoveredModel, 0, len(r.doc.Models))
	for _, m := range r.doc.Models {
		list = append(list, m)
	}
	sortModels(list)
	r.scanner.allocatePorts(list)

	return r.saveLocked()
}

func (r *Registry) mutate(modelID string, fn func(*models.DiscoveredModel)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.doc.Models[modelID]
	if !ok {
		return fmt.Errorf("model %s not found in registry", modelID)
	}
	fn(m)
	return r.saveLocked()
}

// ── Persistence ──────────────────────────────────────────────

// load reads and validates the backing document.
func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // first run
		}
		return err
	}

	var doc models.RegistryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse registry document: %w", err)
	}
	if err := validateDocument(&doc); err != nil {
		return fmt.Errorf("registry document rejected: %w", err)
	}

	if doc.Models == nil {
		doc.Models = make(map[string]*models.DiscoveredModel)
	}
	r.doc = doc
	log.Info().Int("models", len(doc.Models)).Str("path", r.path).Msg("Registry loaded")
	return nil
}

// validateDocument rejects structurally invalid registries: duplicate or
// colliding ports among enabled models, or entries missing identity
// fields.
func validateDocument(doc *models.RegistryDocument) error {
	ports := make(map[int]string)
	for id, m := range doc.Models {
		if m == nil || m.ModelID == "" || m.FilePath == "" {
			return fmt.Errorf("entry %q missing required fields", id)
		}
		if m.ModelID != id {
			return fmt.Errorf("entry key %q does not match modelId %q", id, m.ModelID)
		}
		if !models.ValidQuantizations[m.Quantization] {
			return fmt.Errorf("entry %q has unknown quantization %q", id, m.Quantization)
		}
		if m.Enabled && m.Port != 0 {
			if other, dup := ports[m.Port]; dup {
				return fmt.Errorf("port %d assigned to both %s and %s", m.Port, other, id)
			}
			ports[m.Port] = id
		}
	}
	return nil
}

// saveLocked writes the document atomically (temp file + rename).
// Caller must hold r.mu.
func (r *Registry) saveLocked() error {
	data, err := json.MarshalIndent(&r.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return fmt.Errorf("create temp registry file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close registry temp file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename registry into place: %w", err)
	}
	return nil
}
