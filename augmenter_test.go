package main

import (
	"context"
	"errors"
	"testing"
)

func newTestAugmenter(t *testing.T, stub *stubGateway, cfg AugmenterConfig) *Augmenter {
	t.Helper()
	cache := NewResultCache(newTestDB(t), CacheConfig{Enabled: true, TTLHours: 24})
	return NewAugmenter(stub, cache, cfg)
}

func TestAugmentOne(t *testing.T) {
	stub := &stubGateway{}
	a := newTestAugmenter(t, stub, fastAugmenterConfig())

	src := ClassificationResult{Text: "pass the meter reading", Domain: "utilities", Confidence: 0.9}
	samples, err := a.AugmentOne(context.Background(), src)
	if err != nil {
		t.Fatalf("AugmentOne: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(samples))
	}
	for i, s := range samples {
		if s.SourceText != src.Text || s.Domain != "utilities" || s.SourceConfidence != 0.9 {
			t.Errorf("sample %d = %+v", i, s)
		}
		if s.GenerationIndex != i {
			t.Errorf("sample %d generation index = %d", i, s.GenerationIndex)
		}
	}
}

func TestAugmentOneUsesCache(t *testing.T) {
	stub := &stubGateway{}
	a := newTestAugmenter(t, stub, fastAugmenterConfig())

	src := ClassificationResult{Text: "pass the meter reading", Domain: "utilities", Confidence: 0.9}
	if _, err := a.AugmentOne(context.Background(), src); err != nil {
		t.Fatalf("first AugmentOne: %v", err)
	}
	if _, err := a.AugmentOne(context.Background(), src); err != nil {
		t.Fatalf("second AugmentOne: %v", err)
	}
	stub.mu.Lock()
	calls := len(stub.augmentLog)
	stub.mu.Unlock()
	if calls != 1 {
		t.Errorf("oracle calls = %d, want 1", calls)
	}
	if a.Stats().CacheHits != 1 {
		t.Errorf("cache hits = %d, want 1", a.Stats().CacheHits)
	}
}

func TestAugmentTruncatesExtraVariants(t *testing.T) {
	stub := &stubGateway{
		augmentFn: func(req AugmentRequest) (AugmentReply, error) {
			return AugmentReply{Variants: []string{"a", "b", "c", "d", "e"}}, nil
		},
	}
	a := newTestAugmenter(t, stub, fastAugmenterConfig())
	samples, err := a.AugmentOne(context.Background(), ClassificationResult{Text: "x", Domain: "oos"})
	if err != nil {
		t.Fatalf("AugmentOne: %v", err)
	}
	if len(samples) != 2 {
		t.Errorf("samples = %d, want the configured 2", len(samples))
	}
}

func TestAugmentBatchBalancesDomains(t *testing.T) {
	cfg := fastAugmenterConfig()
	cfg.BalanceDomains = true
	cfg.MaxSamplesPerDomain = 3
	cfg.VariantsPerSample = 1
	stub := &stubGateway{}
	a := newTestAugmenter(t, stub, cfg)

	var sources []ClassificationResult
	for i := 0; i < 10; i++ {
		sources = append(sources, ClassificationResult{
			Text:       "utilities text " + string(rune('a'+i)),
			Domain:     "utilities",
			Confidence: 0.5 + float64(i)*0.04,
		})
	}
	sources = append(sources, ClassificationResult{Text: "payments text", Domain: "payments", Confidence: 0.9})

	samples, err := a.AugmentBatch(context.Background(), sources)
	if err != nil {
		t.Fatalf("AugmentBatch: %v", err)
	}
	counts := map[string]int{}
	for _, s := range samples {
		counts[s.Domain]++
	}
	if counts["utilities"] != 3 {
		t.Errorf("utilities samples = %d, want capped at 3", counts["utilities"])
	}
	if counts["payments"] != 1 {
		t.Errorf("payments samples = %d, want 1", counts["payments"])
	}
	// The cap keeps the most confident sources.
	for _, s := range samples {
		if s.Domain == "utilities" && s.SourceConfidence < 0.78 {
			t.Errorf("low-confidence source survived balancing: %+v", s)
		}
	}
}

func TestAugmentBatchSkipsFailedSource(t *testing.T) {
	stub := &stubGateway{
		augmentFn: func(req AugmentRequest) (AugmentReply, error) {
			if req.Text == "poison" {
				return AugmentReply{}, errors.New("oracle unavailable")
			}
			return AugmentReply{Variants: []string{"variant of " + req.Text}}, nil
		},
	}
	cfg := fastAugmenterConfig()
	cfg.VariantsPerSample = 1
	a := newTestAugmenter(t, stub, cfg)

	samples, err := a.AugmentBatch(context.Background(), []ClassificationResult{
		{Text: "fine", Domain: "oos", Confidence: 0.8},
		{Text: "poison", Domain: "oos", Confidence: 0.8},
	})
	if err != nil {
		t.Fatalf("AugmentBatch: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("samples = %d, want 1", len(samples))
	}
	if a.Stats().Skipped != 1 {
		t.Errorf("skipped = %d, want 1", a.Stats().Skipped)
	}
}
