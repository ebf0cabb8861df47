package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrEmptyDataset is returned when validation leaves nothing to write.
var ErrEmptyDataset = errors.New("no samples survived validation")

// DatasetStats describes a written dataset and what validation dropped.
type DatasetStats struct {
	TotalSamples      int            `json:"total_samples"`
	TrainCount        int            `json:"train_count"`
	EvalCount         int            `json:"eval_count"`
	AvgConfidence     float64        `json:"avg_confidence"`
	DomainCounts      map[string]int `json:"domain_counts"`
	SourceCounts      map[string]int `json:"source_counts"`
	DroppedEmpty      int            `json:"dropped_empty"`
	DroppedDuplicates int            `json:"dropped_duplicates"`
	DroppedLength     int            `json:"dropped_length"`
	Issues            []string       `json:"issues,omitempty"`
}

// WriteResult names the files one Write produced.
type WriteResult struct {
	TrainPath    string
	EvalPath     string
	MetadataPath string
	Stats        DatasetStats
}

// DatasetWriter validates, balances and splits labeled samples into
// train/eval JSONL files. The split is stratified per domain and fully
// deterministic: the same input always produces the same files.
type DatasetWriter struct {
	cfg WriterConfig
}

func NewDatasetWriter(cfg WriterConfig) *DatasetWriter {
	return &DatasetWriter{cfg: cfg}
}

// Write produces train.jsonl, eval.jsonl and metadata.json under the
// output directory. Returns ErrEmptyDataset when validation drops every
// sample.
func (w *DatasetWriter) Write(samples []LabeledSample) (WriteResult, error) {
	var res WriteResult
	res.Stats.DomainCounts = make(map[string]int)
	res.Stats.SourceCounts = make(map[string]int)

	valid := w.validate(samples, &res.Stats)
	if w.cfg.BalanceDomains {
		valid = w.balance(valid)
	}
	valid = w.dropSparseDomains(valid, &res.Stats)
	if len(valid) == 0 {
		return res, ErrEmptyDataset
	}

	var confSum float64
	for _, s := range valid {
		res.Stats.DomainCounts[s.Domain]++
		src := s.Source
		if src == "" {
			src = "original"
		}
		res.Stats.SourceCounts[src]++
		confSum += s.Confidence
	}
	res.Stats.TotalSamples = len(valid)
	res.Stats.AvgConfidence = confSum / float64(len(valid))

	train, eval := w.split(valid)
	res.Stats.TrainCount = len(train)
	res.Stats.EvalCount = len(eval)

	if err := os.MkdirAll(w.cfg.OutputDir, 0o755); err != nil {
		return res, fmt.Errorf("creating output dir: %w", err)
	}
	res.TrainPath = filepath.Join(w.cfg.OutputDir, "train.jsonl")
	res.EvalPath = filepath.Join(w.cfg.OutputDir, "eval.jsonl")
	res.MetadataPath = filepath.Join(w.cfg.OutputDir, "metadata.json")

	if err := writeJSONL(res.TrainPath, train); err != nil {
		return res, err
	}
	if err := writeJSONL(res.EvalPath, eval); err != nil {
		return res, err
	}

	meta := struct {
		CreatedAt time.Time    `json:"created_at"`
		Stats     DatasetStats `json:"stats"`
	}{time.Now().UTC(), res.Stats}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return res, fmt.Errorf("encoding metadata: %w", err)
	}
	if err := os.WriteFile(res.MetadataPath, data, 0o644); err != nil {
		return res, fmt.Errorf("writing metadata: %w", err)
	}

	log.Printf("writer wrote train=%d eval=%d domains=%d dir=%s",
		len(train), len(eval), len(res.Stats.DomainCounts), w.cfg.OutputDir)
	return res, nil
}

// validate drops empty texts, out-of-bounds lengths and duplicate texts.
// The first occurrence of a duplicated text wins.
func (w *DatasetWriter) validate(samples []LabeledSample, stats *DatasetStats) []LabeledSample {
	seen := make(map[string]bool)
	out := make([]LabeledSample, 0, len(samples))
	for _, s := range samples {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			stats.DroppedEmpty++
			continue
		}
		if n := len([]rune(text)); n < w.cfg.MinTextLength || n > w.cfg.MaxTextLength {
			stats.DroppedLength++
			continue
		}
		norm := strings.ToLower(strings.Join(strings.Fields(text), " "))
		if seen[norm] {
			stats.DroppedDuplicates++
			continue
		}
		seen[norm] = true
		s.Text = text
		out = append(out, s)
	}
	return out
}

// balance caps each domain at MaxSamplesPerDomain, preferring the most
// confident samples. Underrepresented domains are untouched.
func (w *DatasetWriter) balance(samples []LabeledSample) []LabeledSample {
	if w.cfg.MaxSamplesPerDomain < 1 {
		return samples
	}
	byDomain := make(map[string][]LabeledSample)
	var order []string
	for _, s := range samples {
		if _, ok := byDomain[s.Domain]; !ok {
			order = append(order, s.Domain)
		}
		byDomain[s.Domain] = append(byDomain[s.Domain], s)
	}
	var out []LabeledSample
	for _, domain := range order {
		group := byDomain[domain]
		if len(group) > w.cfg.MaxSamplesPerDomain {
			sort.SliceStable(group, func(i, j int) bool {
				return group[i].Confidence > group[j].Confidence
			})
			group = group[:w.cfg.MaxSamplesPerDomain]
		}
		out = append(out, group...)
	}
	return out
}

func (w *DatasetWriter) dropSparseDomains(samples []LabeledSample, stats *DatasetStats) []LabeledSample {
	counts := make(map[string]int)
	for _, s := range samples {
		counts[s.Domain]++
	}
	excluded := make(map[string]bool)
	for domain, n := range counts {
		if n < w.cfg.MinSamplesPerDomain {
			excluded[domain] = true
			stats.Issues = append(stats.Issues,
				fmt.Sprintf("domain %s excluded: %d samples, need %d", domain, n, w.cfg.MinSamplesPerDomain))
		}
	}
	sort.Strings(stats.Issues)
	if len(excluded) == 0 {
		return samples
	}
	out := samples[:0]
	for _, s := range samples {
		if !excluded[s.Domain] {
			out = append(out, s)
		}
	}
	return out
}

// split performs a stratified train/eval split. Samples are ordered by a
// text hash, so assignment is stable without any randomness. When the
// per-domain fractions leave eval short of MinEvalSamples, the largest
// domains contribute additional samples.
func (w *DatasetWriter) split(samples []LabeledSample) (train, eval []LabeledSample) {
	byDomain := make(map[string][]LabeledSample)
	for _, s := range samples {
		byDomain[s.Domain] = append(byDomain[s.Domain], s)
	}
	domains := make([]string, 0, len(byDomain))
	for d := range byDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	evalPer := make(map[string]int)
	for _, d := range domains {
		group := byDomain[d]
		sort.SliceStable(group, func(i, j int) bool {
			return textHash(group[i].Text) < textHash(group[j].Text)
		})
		byDomain[d] = group
		n := int(float64(len(group)) * w.cfg.EvalFraction)
		if n >= len(group) {
			n = len(group) - 1
		}
		if n < 0 {
			n = 0
		}
		evalPer[d] = n
	}

	totalEval := 0
	for _, n := range evalPer {
		totalEval += n
	}
	// Top up from the largest domains, never draining any domain's train
	// side completely.
	for totalEval < w.cfg.MinEvalSamples {
		best := ""
		bestTrain := 0
		for _, d := range domains {
			remaining := len(byDomain[d]) - evalPer[d]
			if remaining > bestTrain {
				bestTrain = remaining
				best = d
			}
		}
		if best == "" || bestTrain <= 1 {
			break
		}
		evalPer[best]++
		totalEval++
	}

	for _, d := range domains {
		group := byDomain[d]
		n := evalPer[d]
		eval = append(eval, group[:n]...)
		train = append(train, group[n:]...)
	}
	return train, eval
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

func writeJSONL(path string, samples []LabeledSample) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for _, s := range samples {
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("encoding sample: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing %s: %w", path, err)
	}
	return f.Close()
}
