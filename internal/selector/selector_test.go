package selector_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/conclave-ai/conclave/internal/registry"
	"github.com/conclave-ai/conclave/internal/selector"
	"github.com/conclave-ai/conclave/pkg/models"
)

// allReady marks every tracked key ready except the listed ones.
type allReady struct{ down map[string]bool }

func (r allReady) IsReady(key string) bool { return !r.down[key] }

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

func TestSelectBalancesOverEquals(t *testing.T) {
	reg := buildRegistry(t,
		"gemma2-2b-q4_0.gguf",  // FAST
		"phi3-3b-q4_k_m.gguf",  // FAST
	)
	sel := selector.New(reg, allReady{})

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		id, err := sel.Select(models.TierFast)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		seen[id]++
	}
	if len(seen) != 2 {
		t.Fatalf("selection used %d models, want both", len(seen))
	}
	for id, n := range seen {
		if n != 2 {
			t.Errorf("model %s selected %d times, want 2", id, n)
		}
	}
}

func TestSelectSkipsUnhealthy(t *testing.T) {
	reg := buildRegistry(t, "gemma2-2b-q4_0.gguf", "phi3-3b-q4_k_m.gguf")
	fast := reg.ByTier(models.TierFast)
	if len(fast) != 2 {
		t.Fatalf("expected 2 FAST models, got %d", len(fast))
	}

	down := fast[0].ModelID
	sel := selector.New(reg, allReady{down: map[string]bool{down: true}})

	for i := 0; i < 3; i++ {
		id, err := sel.Select(models.TierFast)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if id == down {
			t.Fatalf("selected unhealthy model %s", id)
		}
	}
}

func TestSelectEmptyTierFails(t *testing.T) {
	reg := buildRegistry(t, "gemma2-2b-q4_0.gguf")
	sel := selector.New(reg, allReady{})

	_, err := sel.Select(models.TierPowerful)
	var noModels *selector.ErrNoModels
	if !errors.As(err, &noModels) {
		t.Fatalf("error = %v, want ErrNoModels", err)
	}
	if noModels.Tier != models.TierPowerful {
		t.Errorf("error tier = %s, want powerful", noModels.Tier)
	}
}

func TestSelectAllUnhealthyFails(t *testing.T) {
	reg := buildRegistry(t, "gemma2-2b-q4_0.gguf")
	id := reg.ByTier(models.TierFast)[0].ModelID
	sel := selector.New(reg, allReady{down: map[string]bool{id: true}})

	if _, err := sel.Select(models.TierFast); err == nil {
		t.Fatal("expected error when every model in tier is down")
	}
}

func TestSelectDebatePairPrefersCrossTier(t *testing.T) {
	reg := buildRegistry(t,
		"gemma2-2b-q4_0.gguf",     // FAST
		"phi3-3b-q4_k_m.gguf",     // FAST
		"llama3-70b-q4_k_m.gguf",  // POWERFUL
	)
	sel := selector.New(reg, allReady{})

	pro, con, err := sel.SelectDebatePair()
	if err != nil {
		t.Fatalf("SelectDebatePair() error = %v", err)
	}
	if pro == con {
		t.Fatal("pair contains the same model twice")
	}
	if reg.Get(pro).EffectiveTier() == reg.Get(con).EffectiveTier() {
		t.Errorf("pair %s/%s shares a tier despite a cross-tier option", pro, con)
	}
}

func TestSelectDebatePairSameTierFallback(t *testing.T) {
	reg := buildRegistry(t, "gemma2-2b-q4_0.gguf", "phi3-3b-q4_k_m.gguf")
	sel := selector.New(reg, allReady{})

	pro, con, err := sel.SelectDebatePair()
	if err != nil {
		t.Fatalf("SelectDebatePair() error = %v", err)
	}
	if pro == con {
		t.Fatal("pair contains the same model twice")
	}
}

func TestSelectDebatePairNeedsTwoEnabled(t *testing.T) {
	reg := buildRegistry(t, "gemma2-2b-q4_0.gguf", "phi3-3b-q4_k_m.gguf")
	if err := reg.SetEnabled(reg.List()[0].ModelID, false); err != nil {
		t.Fatal(err)
	}
	sel := selector.New(reg, allReady{})

	if _, _, err := sel.SelectDebatePair(); err == nil {
		t.Fatal("expected error with a single enabled model")
	}
}
