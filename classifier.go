package main

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ClassifierStats counts work over the classifier's lifetime.
type ClassifierStats struct {
	Processed     int
	CacheHits     int
	OracleCalls   int
	Errors        int
	LowConfidence int
}

// Classifier assigns a taxonomy domain to each input text via the oracle,
// consulting the result cache first. Batch classification is bounded by a
// worker limit and paced by a minimum interval between oracle calls.
type Classifier struct {
	gateway  Gateway
	cache    *ResultCache
	taxonomy *Taxonomy
	cfg      ClassifierConfig

	mu              sync.Mutex
	nextCall        time.Time
	examples        *tfidfIndex
	correctionNotes []string
	stats           ClassifierStats
}

func NewClassifier(gateway Gateway, cache *ResultCache, tax *Taxonomy, cfg ClassifierConfig) *Classifier {
	return &Classifier{
		gateway:  gateway,
		cache:    cache,
		taxonomy: tax,
		cfg:      cfg,
	}
}

// SetExamples installs the few-shot corpus. Similar past labels are
// retrieved per input text and embedded in the prompt.
func (c *Classifier) SetExamples(items []LabeledSample) {
	trimmed := make([]LabeledSample, 0, len(items))
	for _, item := range items {
		if len(item.Text) > c.cfg.ExampleMaxChars {
			item.Text = item.Text[:c.cfg.ExampleMaxChars]
		}
		trimmed = append(trimmed, item)
	}
	idx := buildTFIDFIndex(trimmed)
	c.mu.Lock()
	c.examples = idx
	c.mu.Unlock()
}

// SetCorrectionNotes installs reviewer-correction summaries for the prompt.
func (c *Classifier) SetCorrectionNotes(notes []string) {
	if len(notes) > c.cfg.CorrectionCount {
		notes = notes[:c.cfg.CorrectionCount]
	}
	c.mu.Lock()
	c.correctionNotes = notes
	c.mu.Unlock()
}

func (c *Classifier) Stats() ClassifierStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ClassifyOne labels a single text against the full taxonomy. Stop words
// short-circuit to the fallback domain without an oracle call. Identical
// texts always produce identical results while the cache entry lives.
func (c *Classifier) ClassifyOne(ctx context.Context, text string) (ClassificationResult, error) {
	return c.ClassifyWithin(ctx, text, nil)
}

// ClassifyWithin labels a text against a restricted label set. An empty
// allowed set means the full taxonomy. Restricted and unrestricted calls
// for the same text cache separately.
func (c *Classifier) ClassifyWithin(ctx context.Context, text string, allowed []string) (ClassificationResult, error) {
	c.bump(func(s *ClassifierStats) { s.Processed++ })

	labels := c.taxonomy.Labels()
	task := "classify"
	if len(allowed) > 0 {
		if restricted := restrictLabels(labels, allowed); len(restricted) > 0 {
			labels = restricted
			task = "classify|" + strings.Join(labels, ",")
		}
	}

	if c.taxonomy.IsStopWord(text) && (len(allowed) == 0 || containsLabel(labels, c.taxonomy.Fallback)) {
		return ClassificationResult{
			Text:       text,
			Domain:     c.taxonomy.Fallback,
			Confidence: 0.95,
		}, nil
	}

	key := Fingerprint(text, task, c.gateway.Model(), c.gateway.PromptVersion())
	var cached ClassificationResult
	hit, err := c.cache.Get(key, &cached)
	if err != nil {
		log.Printf("classifier cache read failed: %v", err)
	}
	if hit {
		c.bump(func(s *ClassifierStats) { s.CacheHits++ })
		cached.Text = text
		cached.FromCache = true
		c.noteLowConfidence(cached.Confidence)
		return cached, nil
	}

	c.waitSlot(ctx)
	if ctx.Err() != nil {
		return ClassificationResult{}, ctx.Err()
	}

	descriptions := c.taxonomy.Descriptions()
	if len(allowed) > 0 {
		restricted := make(map[string]string, len(labels))
		for _, l := range labels {
			restricted[l] = descriptions[l]
		}
		descriptions = restricted
	}
	req := ClassifyRequest{
		Text:         text,
		Labels:       labels,
		Descriptions: descriptions,
	}
	if len(allowed) == 0 && c.cfg.HintCount > 0 {
		req.Hints = c.taxonomy.SoftCandidates(text, c.cfg.HintCount)
	}
	c.mu.Lock()
	if c.examples != nil {
		req.Examples = c.examples.TopK(text, c.cfg.ExampleCount)
	}
	req.CorrectionNotes = c.correctionNotes
	c.mu.Unlock()

	c.bump(func(s *ClassifierStats) { s.OracleCalls++ })
	reply, err := c.gateway.Classify(ctx, req)
	if err != nil {
		c.bump(func(s *ClassifierStats) { s.Errors++ })
		return ClassificationResult{}, err
	}

	result := ClassificationResult{
		Text:          text,
		Domain:        c.taxonomy.Normalize(reply.DomainID),
		Confidence:    reply.Confidence,
		TopCandidates: reply.TopCandidates,
	}
	for i := range result.TopCandidates {
		result.TopCandidates[i].Domain = c.taxonomy.Normalize(result.TopCandidates[i].Domain)
	}
	c.taxonomy.SortCandidates(result.TopCandidates)
	c.noteLowConfidence(result.Confidence)

	if err := c.cache.Put(key, task, result); err != nil {
		log.Printf("classifier cache write failed: %v", err)
	}
	return result, nil
}

// ClassifyBatch labels texts concurrently, preserving input order. A text
// whose classification fails yields a zero-confidence fallback result
// rather than aborting the batch; only context cancellation stops it.
func (c *Classifier) ClassifyBatch(ctx context.Context, texts []string) ([]ClassificationResult, error) {
	results := make([]ClassificationResult, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, text := range texts {
		g.Go(func() error {
			res, err := c.ClassifyOne(gctx, text)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Printf("classifier text %d failed, using fallback: %v", i, err)
				res = ClassificationResult{
					Text:       text,
					Domain:     c.taxonomy.Fallback,
					Confidence: 0,
				}
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// restrictLabels filters the taxonomy's labels down to the allowed set,
// preserving taxonomy order. Unknown entries in allowed are ignored.
func restrictLabels(labels, allowed []string) []string {
	want := make(map[string]bool, len(allowed))
	for _, l := range allowed {
		want[strings.ToLower(strings.TrimSpace(l))] = true
	}
	out := make([]string, 0, len(allowed))
	for _, l := range labels {
		if want[l] {
			out = append(out, l)
		}
	}
	return out
}

func containsLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

// waitSlot enforces the minimum interval between oracle calls.
func (c *Classifier) waitSlot(ctx context.Context) {
	c.mu.Lock()
	now := time.Now()
	slot := c.nextCall
	if slot.Before(now) {
		slot = now
	}
	c.nextCall = slot.Add(c.cfg.RateInterval())
	c.mu.Unlock()

	if wait := time.Until(slot); wait > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

func (c *Classifier) bump(f func(*ClassifierStats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}

func (c *Classifier) noteLowConfidence(conf float64) {
	if conf < c.cfg.LowConfThreshold {
		c.bump(func(s *ClassifierStats) { s.LowConfidence++ })
	}
}
