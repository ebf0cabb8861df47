package main

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// AugmenterStats counts work over the augmenter's lifetime.
type AugmenterStats struct {
	Sources     int
	Generated   int
	CacheHits   int
	OracleCalls int
	Errors      int
	Skipped     int
}

// Augmenter asks the oracle for paraphrases of confidently-labeled texts.
// Synthetic samples inherit the source label until the quality gate
// confirms or overturns it.
type Augmenter struct {
	gateway Gateway
	cache   *ResultCache
	cfg     AugmenterConfig

	mu       sync.Mutex
	nextCall time.Time
	stats    AugmenterStats
}

func NewAugmenter(gateway Gateway, cache *ResultCache, cfg AugmenterConfig) *Augmenter {
	return &Augmenter{gateway: gateway, cache: cache, cfg: cfg}
}

func (a *Augmenter) Stats() AugmenterStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// AugmentOne produces up to VariantsPerSample paraphrases for one source.
// One oracle call yields all variants for the source.
func (a *Augmenter) AugmentOne(ctx context.Context, src ClassificationResult) ([]AugmentedSample, error) {
	a.bump(func(s *AugmenterStats) { s.Sources++ })

	task := fmt.Sprintf("augment|%s|n=%d", src.Domain, a.cfg.VariantsPerSample)
	key := Fingerprint(src.Text, task, a.gateway.Model(), a.gateway.PromptVersion())

	var reply AugmentReply
	hit, err := a.cache.Get(key, &reply)
	if err != nil {
		log.Printf("augmenter cache read failed: %v", err)
	}
	if hit {
		a.bump(func(s *AugmenterStats) { s.CacheHits++ })
	} else {
		a.waitSlot(ctx)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.bump(func(s *AugmenterStats) { s.OracleCalls++ })
		reply, err = a.gateway.Augment(ctx, AugmentRequest{
			Text:   src.Text,
			Domain: src.Domain,
			Count:  a.cfg.VariantsPerSample,
		})
		if err != nil {
			a.bump(func(s *AugmenterStats) { s.Errors++ })
			return nil, err
		}
		if err := a.cache.Put(key, "augment", reply); err != nil {
			log.Printf("augmenter cache write failed: %v", err)
		}
	}

	variants := reply.Variants
	if len(variants) > a.cfg.VariantsPerSample {
		variants = variants[:a.cfg.VariantsPerSample]
	}
	samples := make([]AugmentedSample, 0, len(variants))
	for i, v := range variants {
		samples = append(samples, AugmentedSample{
			SourceText:       src.Text,
			SyntheticText:    v,
			Domain:           src.Domain,
			GenerationIndex:  i,
			SourceConfidence: src.Confidence,
		})
	}
	a.bump(func(s *AugmenterStats) { s.Generated += len(samples) })
	return samples, nil
}

// AugmentBatch paraphrases the given sources concurrently. When domain
// balancing is on, overrepresented domains are capped at
// MaxSamplesPerDomain sources, preferring the most confident ones. A
// failed source is skipped, not fatal.
func (a *Augmenter) AugmentBatch(ctx context.Context, sources []ClassificationResult) ([]AugmentedSample, error) {
	selected := sources
	if a.cfg.BalanceDomains {
		selected = a.balance(sources)
	}

	perSource := make([][]AugmentedSample, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i, src := range selected {
		g.Go(func() error {
			samples, err := a.AugmentOne(gctx, src)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Printf("augmenter source %d skipped: %v", i, err)
				a.bump(func(s *AugmenterStats) { s.Skipped++ })
				return nil
			}
			perSource[i] = samples
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []AugmentedSample
	for _, samples := range perSource {
		all = append(all, samples...)
	}
	return all, nil
}

// balance caps each domain's source count, keeping the most confident.
func (a *Augmenter) balance(sources []ClassificationResult) []ClassificationResult {
	byDomain := make(map[string][]ClassificationResult)
	var order []string
	for _, src := range sources {
		if _, ok := byDomain[src.Domain]; !ok {
			order = append(order, src.Domain)
		}
		byDomain[src.Domain] = append(byDomain[src.Domain], src)
	}

	var out []ClassificationResult
	for _, domain := range order {
		group := byDomain[domain]
		if len(group) > a.cfg.MaxSamplesPerDomain {
			sort.SliceStable(group, func(i, j int) bool {
				return group[i].Confidence > group[j].Confidence
			})
			group = group[:a.cfg.MaxSamplesPerDomain]
		}
		out = append(out, group...)
	}
	return out
}

func (a *Augmenter) waitSlot(ctx context.Context) {
	a.mu.Lock()
	now := time.Now()
	slot := a.nextCall
	if slot.Before(now) {
		slot = now
	}
	a.nextCall = slot.Add(a.cfg.RateInterval())
	a.mu.Unlock()

	if wait := time.Until(slot); wait > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

func (a *Augmenter) bump(f func(*AugmenterStats)) {
	a.mu.Lock()
	f(&a.stats)
	a.mu.Unlock()
}
