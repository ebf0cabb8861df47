package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Domain is one entry of the classification taxonomy. Keywords are soft
// prompt hints, not matching rules.
type Domain struct {
	ID          string   `yaml:"id"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
}

// Taxonomy is the fixed label set the classifier works against. Declaration
// order is significant: it breaks score ties in candidate rankings.
type Taxonomy struct {
	Domains   []Domain          `yaml:"domains"`
	Fallback  string            `yaml:"fallback"`
	Aliases   map[string]string `yaml:"aliases"`
	StopWords []string          `yaml:"stop_words"`

	index map[string]int
}

// DefaultTaxonomy returns the built-in taxonomy used when no taxonomy file
// is configured.
func DefaultTaxonomy() *Taxonomy {
	t := &Taxonomy{
		Domains: []Domain{
			{ID: "utilities", Description: "Meter readings, utility bills, tariffs.",
				Keywords: []string{"meter", "reading", "bill", "tariff", "utility"}},
			{ID: "disposal", Description: "Pickup and disposal of old furniture and appliances.",
				Keywords: []string{"dispose", "pickup", "furniture", "appliance", "haul"}},
			{ID: "cityinfo", Description: "City information: transport, schedules, prices, how-to.",
				Keywords: []string{"schedule", "metro", "transport", "price", "where", "how"}},
			{ID: "payments", Description: "Payment actions: top up cards, pay for clubs and meals.",
				Keywords: []string{"pay", "top up", "balance", "card", "meal"}},
			{ID: "smalltalk", Description: "Greetings, jokes, chit-chat without a service request.",
				Keywords: []string{"hello", "joke", "thanks", "bye"}},
			{ID: "oos", Description: "Out of scope for every other domain."},
		},
		Fallback:  "oos",
		StopWords: []string{"stop", "enough", "cancel", "quit"},
	}
	t.buildIndex()
	return t
}

// LoadTaxonomy reads a taxonomy from a YAML file.
func LoadTaxonomy(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}
	var t Taxonomy
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse taxonomy yaml: %w", err)
	}
	if len(t.Domains) == 0 {
		return nil, fmt.Errorf("taxonomy %s declares no domains", path)
	}
	if t.Fallback == "" {
		t.Fallback = t.Domains[len(t.Domains)-1].ID
	}
	t.buildIndex()
	if _, ok := t.index[t.Fallback]; !ok {
		return nil, fmt.Errorf("taxonomy fallback domain %q is not declared", t.Fallback)
	}
	return &t, nil
}

func (t *Taxonomy) buildIndex() {
	t.index = make(map[string]int, len(t.Domains))
	for i, d := range t.Domains {
		t.index[d.ID] = i
	}
}

// Labels returns the domain IDs in declaration order.
func (t *Taxonomy) Labels() []string {
	out := make([]string, len(t.Domains))
	for i, d := range t.Domains {
		out[i] = d.ID
	}
	return out
}

func (t *Taxonomy) Contains(id string) bool {
	_, ok := t.index[id]
	return ok
}

// Descriptions returns the id-to-description map used in prompts.
func (t *Taxonomy) Descriptions() map[string]string {
	out := make(map[string]string, len(t.Domains))
	for _, d := range t.Domains {
		out[d.ID] = d.Description
	}
	return out
}

// DeclarationIndex returns the position of a domain in the taxonomy, used to
// break candidate-score ties. Unknown domains sort last.
func (t *Taxonomy) DeclarationIndex(id string) int {
	if i, ok := t.index[id]; ok {
		return i
	}
	return len(t.Domains)
}

// Normalize maps a raw model-produced label to a canonical domain ID,
// resolving aliases and forcing unknown labels to the fallback domain.
func (t *Taxonomy) Normalize(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return t.Fallback
	}
	if t.Contains(label) {
		return label
	}
	lower := strings.ToLower(label)
	if t.Contains(lower) {
		return lower
	}
	if alias, ok := t.Aliases[label]; ok && t.Contains(alias) {
		return alias
	}
	if alias, ok := t.Aliases[lower]; ok && t.Contains(alias) {
		return alias
	}
	return t.Fallback
}

// IsStopWord reports whether a text is a conversational stop phrase that
// should never reach the oracle.
func (t *Taxonomy) IsStopWord(text string) bool {
	clean := strings.ToLower(strings.TrimSpace(text))
	for _, w := range t.StopWords {
		if clean == w {
			return true
		}
	}
	return false
}

// SoftCandidates ranks up to k domain IDs by keyword hits in the text. It is
// a prompt hint only; with no hits the full declaration-order list is
// returned.
func (t *Taxonomy) SoftCandidates(text string, k int) []string {
	labels := t.Labels()
	if k <= 0 || k > len(labels) {
		k = len(labels)
	}
	lower := strings.ToLower(text)

	type hit struct {
		id    string
		score int
	}
	var hits []hit
	for _, d := range t.Domains {
		s := 0
		for _, kw := range d.Keywords {
			if strings.Contains(lower, kw) {
				s++
			}
		}
		if s > 0 {
			hits = append(hits, hit{d.ID, s})
		}
	}
	if len(hits) == 0 {
		return labels[:k]
	}
	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].score != hits[b].score {
			return hits[a].score > hits[b].score
		}
		return t.DeclarationIndex(hits[a].id) < t.DeclarationIndex(hits[b].id)
	})

	ranked := make([]string, 0, len(labels))
	seen := make(map[string]bool, len(labels))
	for _, h := range hits {
		ranked = append(ranked, h.id)
		seen[h.id] = true
	}
	for _, id := range labels {
		if !seen[id] {
			ranked = append(ranked, id)
		}
	}
	return ranked[:k]
}

// SortCandidates orders a candidate list by descending score, breaking ties
// by taxonomy declaration order.
func (t *Taxonomy) SortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(a, b int) bool {
		if cands[a].Score != cands[b].Score {
			return cands[a].Score > cands[b].Score
		}
		return t.DeclarationIndex(cands[a].Domain) < t.DeclarationIndex(cands[b].Domain)
	})
}
