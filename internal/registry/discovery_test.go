package registry_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/conclave-ai/conclave/internal/registry"
	"github.com/conclave-ai/conclave/pkg/models"
)

func newScanner() *registry.Scanner {
	return registry.NewScanner(models.DefaultTierThresholds(), 8700, 8720)
}

func TestParseFilenameGeneralPattern(t *testing.T) {
	m, ok := registry.ParseFilename("qwen2.5-coder-7b-instruct-q4_k_m.gguf")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if m.Family != "qwen" || m.Variant != "coder" || m.Version != "2.5" {
		t.Errorf("family/variant/version = %s/%s/%s", m.Family, m.Variant, m.Version)
	}
	if m.SizeParams != 7 {
		t.Errorf("size = %v, want 7", m.SizeParams)
	}
	if m.Quantization != models.QuantQ4KM {
		t.Errorf("quant = %s, want Q4_K_M", m.Quantization)
	}
	if !m.IsInstruct || !m.IsCoder {
		t.Errorf("instruct/coder = %v/%v, want true/true", m.IsInstruct, m.IsCoder)
	}
}

func TestParseFilenameTitledPattern(t *testing.T) {
	m, ok := registry.ParseFilename("Mistral-Nemo-2407-12B-Instruct-Q4_K_M.gguf")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if m.Family != "mistral" || m.Variant != "nemo" || m.Version != "2407" {
		t.Errorf("family/variant/version = %s/%s/%s", m.Family, m.Variant, m.Version)
	}
	if m.SizeParams != 12 || !m.IsInstruct {
		t.Errorf("size/instruct = %v/%v", m.SizeParams, m.IsInstruct)
	}
}

func TestParseFilenameSimplePattern(t *testing.T) {
	m, ok := registry.ParseFilename("phi-4b-Q8_0.gguf")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if m.Family != "phi" || m.SizeParams != 4 || m.Quantization != models.QuantQ80 {
		t.Errorf("parsed %s %vb %s", m.Family, m.SizeParams, m.Quantization)
	}
}

func TestParseFilenameUnknownQuantRejected(t *testing.T) {
	if _, ok := registry.ParseFilename("foo-7b-q9_z.gguf"); ok {
		t.Error("unknown quantization token should fail the parse")
	}
}

func TestParseFilenameNoMatch(t *testing.T) {
	for _, name := range []string{"notamodel.gguf", "weights.bin", "7b.gguf"} {
		if _, ok := registry.ParseFilename(name); ok {
			t.Errorf("%s should not parse", name)
		}
	}
}

func TestAssignTierRuleOrder(t *testing.T) {
	s := newScanner()
	cases := []struct {
		file string
		want models.Tier
	}{
		{"qwq-32b-q4_k_m.gguf", models.TierPowerful},     // thinking keyword wins
		{"llama3-70b-q4_k_m.gguf", models.TierPowerful},  // >= 14B
		{"gemma2-2b-q4_0.gguf", models.TierFast},         // < 7B aggressive quant
		{"phi-4b-Q8_0.gguf", models.TierBalanced},        // small but high-precision quant
		{"llama3-8b-q4_k_m.gguf", models.TierBalanced},   // mid size
		{"mistral-7b-q4_k_m.gguf", models.TierBalanced},  // exactly at FAST boundary
	}
	for _, tc := range cases {
		m, ok := registry.ParseFilename(tc.file)
		if !ok {
			t.Fatalf("%s did not parse", tc.file)
		}
		if got := s.AssignTier(m); got != tc.want {
			t.Errorf("%s: tier = %s, want %s", tc.file, got, tc.want)
		}
	}
}

func TestGenerateModelIDDeterministic(t *testing.T) {
	m, _ := registry.ParseFilename("qwen2.5-coder-7b-instruct-q4_k_m.gguf")
	m.AssignedTier = models.TierBalanced
	got := registry.GenerateModelID(m)
	want := "qwen-coder-v2.5-7b-q4_k_m-balanced"
	if got != want {
		t.Errorf("model id = %q, want %q", got, want)
	}
	if registry.GenerateModelID(m) != got {
		t.Error("model id not stable across calls")
	}
}

func writeArtifacts(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestScanSortsAndAllocatesUniquePorts(t *testing.T) {
	dir := writeArtifacts(t,
		"gemma2-2b-q4_0.gguf",
		"llama3-70b-q4_k_m.gguf",
		"llama3-8b-q4_k_m.gguf",
		"notes.txt",
	)

	found, err := newScanner().Scan(dir)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(found) != 3 {
		t.Fatalf("discovered %d models, want 3", len(found))
	}

	// Tier rank ascending: FAST, BALANCED, POWERFUL.
	wantTiers := []models.Tier{models.TierFast, models.TierBalanced, models.TierPowerful}
	ports := make(map[int]bool)
	for i, m := range found {
		if m.AssignedTier != wantTiers[i] {
			t.Errorf("position %d: tier %s, want %s", i, m.AssignedTier, wantTiers[i])
		}
		if m.Port == 0 {
			t.Errorf("%s has no port", m.ModelID)
		}
		if ports[m.Port] {
			t.Errorf("port %d allocated twice", m.Port)
		}
		ports[m.Port] = true
		if !m.Enabled {
			t.Errorf("%s should be enabled by default", m.ModelID)
		}
		if !filepath.IsAbs(m.FilePath) {
			t.Errorf("%s file path not absolute: %s", m.ModelID, m.FilePath)
		}
	}
}

func TestScanPortExhaustionLeavesModelsPortless(t *testing.T) {
	dir := writeArtifacts(t,
		"llama3-70b-q4_k_m.gguf",
		"llama3-8b-q4_k_m.gguf",
		"gemma2-2b-q4_0.gguf",
	)

	s := registry.NewScanner(models.DefaultTierThresholds(), 8700, 8701)
	found, err := s.Scan(dir)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	portless := 0
	for _, m := range found {
		if m.Port == 0 {
			portless++
		}
	}
	if portless != 1 {
		t.Fatalf("portless models = %d, want 1", portless)
	}
}

func TestScanSkipsUnparseableFiles(t *testing.T) {
	dir := writeArtifacts(t, "llama3-8b-q4_k_m.gguf", "broken_name.gguf")
	found, err := newScanner().Scan(dir)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("discovered %d models, want 1", len(found))
	}
}

func TestScanMissingRootFails(t *testing.T) {
	if _, err := newScanner().Scan(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing scan root")
	}
}
