package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeLabels(t *testing.T) {
	tax := DefaultTaxonomy()
	cases := []struct {
		in   string
		want string
	}{
		{"utilities", "utilities"},
		{" Utilities ", "utilities"},
		{"PAYMENTS", "payments"},
		{"made-up-domain", "oos"},
		{"", "oos"},
	}
	for _, tc := range cases {
		if got := tax.Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStopWords(t *testing.T) {
	tax := DefaultTaxonomy()
	for _, word := range []string{"stop", "STOP", " Cancel "} {
		if !tax.IsStopWord(word) {
			t.Errorf("IsStopWord(%q) = false, want true", word)
		}
	}
	if tax.IsStopWord("please stop sending bills") {
		t.Error("multi-word text should not count as a stop word")
	}
}

func TestSoftCandidates(t *testing.T) {
	tax := DefaultTaxonomy()
	cands := tax.SoftCandidates("how do I pay my water bill", 3)
	if len(cands) == 0 {
		t.Fatal("expected at least one soft candidate")
	}
	found := false
	for _, c := range cands {
		if c == "payments" || c == "utilities" {
			found = true
		}
	}
	if !found {
		t.Errorf("candidates %v mention neither payments nor utilities", cands)
	}
}

func TestLoadTaxonomyValidation(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yaml")
	os.WriteFile(good, []byte(`
domains:
  - id: billing
    description: invoices and payments
    keywords: [bill, invoice]
  - id: other
    description: everything else
fallback: other
`), 0o644)
	tax, err := LoadTaxonomy(good)
	if err != nil {
		t.Fatalf("LoadTaxonomy: %v", err)
	}
	if got := tax.Labels(); len(got) != 2 || got[0] != "billing" {
		t.Errorf("labels = %v", got)
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte(`
domains:
  - id: billing
fallback: missing
`), 0o644)
	if _, err := LoadTaxonomy(bad); err == nil {
		t.Error("expected error for fallback not in domains")
	}
}

func TestSortCandidatesTieBreak(t *testing.T) {
	tax := DefaultTaxonomy()
	cands := []Candidate{
		{Domain: "payments", Score: 0.4},
		{Domain: "utilities", Score: 0.4},
		{Domain: "smalltalk", Score: 0.9},
	}
	tax.SortCandidates(cands)
	if cands[0].Domain != "smalltalk" {
		t.Errorf("highest score first, got %v", cands)
	}
	// Equal scores fall back to taxonomy declaration order.
	if cands[1].Domain != "utilities" || cands[2].Domain != "payments" {
		t.Errorf("tie-break by declaration order failed: %v", cands)
	}
}
