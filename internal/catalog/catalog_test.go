package catalog

import "testing"

func TestNewRegistryLoadsEmbeddedCatalog(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	for _, provider := range []string{"anthropic", "openai", "lorem"} {
		models := r.Models(provider)
		if len(models) == 0 {
			t.Errorf("no models for %s", provider)
		}
		for _, m := range models {
			if m.ID == "" {
				t.Errorf("%s model missing ID", provider)
			}
			if m.ContextWindow <= 0 {
				t.Errorf("%s/%s has no context window", provider, m.ID)
			}
		}
	}
}

func TestModelLookup(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	info, err := r.Model("lorem", "lorem-fast")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if info.ID != "lorem-fast" {
		t.Errorf("id = %q", info.ID)
	}

	if _, err := r.Model("lorem", "missing"); err == nil {
		t.Error("expected error for unknown model")
	}
	if _, err := r.Model("missing", "x"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestCapabilityForFallsBack(t *testing.T) {
	m := &ModelInfo{Capabilities: map[string]float64{
		"coding":       0.9,
		"generic_chat": 0.6,
	}}
	if got := m.CapabilityFor("coding"); got != 0.9 {
		t.Errorf("coding = %v", got)
	}
	if got := m.CapabilityFor("math"); got != 0.6 {
		t.Errorf("fallback to generic_chat = %v", got)
	}

	empty := &ModelInfo{}
	if got := empty.CapabilityFor("coding"); got != 0.5 {
		t.Errorf("neutral fallback = %v", got)
	}
}
