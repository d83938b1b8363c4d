// Package registry implements model discovery and the persisted model
// registry. Discovery walks a scan root for GGUF artifacts, parses
// filenames into structured metadata, assigns performance tiers, and
// allocates listening ports; the registry preserves user overrides across
// rescans and persists itself as a single JSON document.
package registry

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/rs/zerolog/log"
)

// Three ordered filename patterns; first match wins.
//
//	patternGeneral: qwen2.5-coder-7b-instruct-q4_k_m.gguf (case-insensitive)
//	patternTitled:  Mistral-Nemo-2407-12B-Instruct-Q4_K_M.gguf (case-sensitive)
//	patternSimple:  phi-4b-Q8_0.gguf
var (
	patternGeneral = regexp.MustCompile(`(?i)^([a-z]+)(\d+(?:\.\d+)?)?(?:[-_]([a-z][a-z0-9.]*))?[-_](\d+(?:\.\d+)?)b(?:[-_](instruct|chat|coder))?[-_]([a-z0-9_]+)\.gguf$`)
	patternTitled  = regexp.MustCompile(`^([A-Z][a-z]+)-([A-Z][A-Za-z0-9]*)(?:-(\d+(?:\.\d+)?))?(?:-([A-Za-z0-9]+))?-(\d+(?:\.\d+)?)B(?:-(Instruct|Chat|Coder))?-([A-Za-z0-9_]+)\.gguf$`)
	patternSimple  = regexp.MustCompile(`^([A-Za-z0-9.]+)-(\d+(?:\.\d+)?)[bB]-([A-Za-z0-9_]+)\.gguf$`)
)

// thinkingKeywords mark models with extended reasoning output. Matched
// against the hyphen/underscore-split tokens of the base filename.
var thinkingKeywords = map[string]bool{
	"r1": true, "reasoning": true, "thinking": true, "think": true,
	"qwq": true, "o1": true,
}

// fastQuants are the aggressive quantizations eligible for the FAST tier.
var fastQuants = map[models.Quantization]bool{
	models.QuantQ2K: true, models.QuantQ3KS: true, models.QuantQ3KM: true,
	models.QuantQ3KL: true, models.QuantQ40: true, models.QuantQ4K: true,
	models.QuantQ4KM: true, models.QuantQ4KS: true,
}

// Scanner discovers model artifacts under a scan root.
type Scanner struct {
	Thresholds models.TierThresholds
	PortLo     int
	PortHi     int
}

// NewScanner creates a scanner with the given thresholds and port range.
func NewScanner(thresholds models.TierThresholds, portLo, portHi int) *Scanner {
	return &Scanner{Thresholds: thresholds, PortLo: portLo, PortHi: portHi}
}

// Scan walks the root recursively, parses every .gguf artifact, assigns
// tiers and ports, and returns models sorted by (tier, size desc, quant).
// A missing root is fatal; unreadable or unparseable files are skipped
// with a warning.
func (s *Scanner) Scan(root string) ([]*models.DiscoveredModel, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("scan root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan root %s is not a directory", root)
	}

	var discovered []*models.DiscoveredModel
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable entry during scan")
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".gguf") {
			return nil
		}
		m, ok := ParseFilename(d.Name())
		if !ok {
			log.Warn().Str("file", d.Name()).Msg("Unparseable model filename, skipping")
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		m.FilePath = abs
		m.AssignedTier = s.AssignTier(m)
		m.ModelID = GenerateModelID(m)
		m.Enabled = true
		discovered = append(discovered, m)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk %s: %w", root, walkErr)
	}

	sortModels(discovered)
	s.allocatePorts(discovered)

	log.Info().
		Int("models", len(discovered)).
		Str("root", root).
		Msg("Model discovery complete")
	return discovered, nil
}

// ParseFilename extracts model metadata from a GGUF filename using the
// three ordered patterns. Returns ok=false when no pattern matches or the
// quantization token is outside the closed set.
func ParseFilename(name string) (*models.DiscoveredModel, bool) {
	if m := patternGeneral.FindStringSubmatch(name); m != nil {
		return buildModel(name, m[1], m[3], m[2], m[4], m[5], m[6])
	}
	if m := patternTitled.FindStringSubmatch(name); m != nil {
		variant := m[2]
		if m[4] != "" {
			variant += "-" + m[4]
		}
		return buildModel(name, m[1], variant, m[3], m[5], m[6], m[7])
	}
	if m := patternSimple.FindStringSubmatch(name); m != nil {
		return buildModel(name, m[1], "", "", m[2], "", m[3])
	}
	return nil, false
}

func buildModel(name, family, variant, version, size, flavor, quant string) (*models.DiscoveredModel, bool) {
	q := models.Quantization(strings.ToUpper(quant))
	if !models.ValidQuantizations[q] {
		return nil, false
	}
	sizeParams, err := strconv.ParseFloat(size, 64)
	if err != nil || sizeParams <= 0 {
		return nil, false
	}

	flavor = strings.ToLower(flavor)
	m := &models.DiscoveredModel{
		Family:          strings.ToLower(family),
		Variant:         strings.ToLower(variant),
		Version:         version,
		SizeParams:      sizeParams,
		Quantization:    q,
		IsInstruct:      flavor == "instruct" || flavor == "chat",
		IsCoder:         flavor == "coder",
		IsThinkingModel: detectThinking(name),
	}
	if strings.Contains(m.Variant, "coder") {
		m.IsCoder = true
	}
	return m, true
}

// detectThinking checks the filename's tokens against the keyword set.
func detectThinking(name string) bool {
	base := strings.TrimSuffix(strings.ToLower(name), ".gguf")
	for _, tok := range strings.FieldsFunc(base, func(r rune) bool {
		return r == '-' || r == '_' || r == '.'
	}) {
		if thinkingKeywords[tok] {
			return true
		}
	}
	return false
}

// AssignTier applies the tier rule in order; first match wins.
func (s *Scanner) AssignTier(m *models.DiscoveredModel) models.Tier {
	switch {
	case m.IsThinkingModel:
		return models.TierPowerful
	case m.SizeParams >= s.Thresholds.PowerfulMin:
		return models.TierPowerful
	case m.SizeParams < s.Thresholds.FastMax && fastQuants[m.Quantization]:
		return models.TierFast
	default:
		return models.TierBalanced
	}
}

// GenerateModelID derives the stable identifier from the parsed fields.
func GenerateModelID(m *models.DiscoveredModel) string {
	var b strings.Builder
	b.WriteString(m.Family)
	if m.Variant != "" {
		b.WriteString("-" + m.Variant)
	}
	if m.Version != "" {
		b.WriteString("-v" + m.Version)
	}
	fmt.Fprintf(&b, "-%gb-%s", m.SizeParams, strings.ToLower(string(m.Quantization)))
	b.WriteString("-" + string(m.AssignedTier))
	return b.String()
}

// sortModels orders by tier rank, then size descending, then quant name.
func sortModels(list []*models.DiscoveredModel) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.AssignedTier.Rank() != b.AssignedTier.Rank() {
			return a.AssignedTier.Rank() < b.AssignedTier.Rank()
		}
		if a.SizeParams != b.SizeParams {
			return a.SizeParams > b.SizeParams
		}
		return a.Quantization < b.Quantization
	})
}

// allocatePorts walks models in sort order handing out sequential ports.
// Models past the end of the range are left portless.
func (s *Scanner) allocatePorts(list []*models.DiscoveredModel) {
	next := s.PortLo
	for _, m := range list {
		if next > s.PortHi {
			log.Warn().
				Str("model_id", m.ModelID).
				Msg("Port range exhausted, model left without a port")
			m.Port = 0
			continue
		}
		m.Port = next
		next++
	}
}
