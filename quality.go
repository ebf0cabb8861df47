package main

import (
	"context"
	"log"
	"strings"
)

// SimilarityMetrics is the quality gate's verdict on one synthetic sample.
type SimilarityMetrics struct {
	CosineSimilarity float64
	EditDistance     int
	EditRatio        float64
	IsValid          bool
	Issues           []string
}

// GateOutcome partitions gated synthetics: accepted samples carry a
// confirmed label, escalated ones disagreed with their source domain and
// go to human review.
type GateOutcome struct {
	Accepted  []LabeledSample
	Rejected  []AugmentedSample
	Escalated []ReviewCandidate
}

// QualityGate filters synthetic paraphrases on lexical similarity bounds
// and optionally re-labels survivors through the classifier.
type QualityGate struct {
	cfg        QualityConfig
	classifier *Classifier
}

func NewQualityGate(cfg QualityConfig, classifier *Classifier) *QualityGate {
	return &QualityGate{cfg: cfg, classifier: classifier}
}

// Evaluate scores one synthetic against its source. A sample is valid when
// the cosine similarity lies strictly inside the configured band and the
// edit distance over lowercased texts clears both the absolute minimum and
// the relative ratio cap. Symmetric in its arguments.
func (q *QualityGate) Evaluate(source, synthetic string) SimilarityMetrics {
	m := SimilarityMetrics{
		CosineSimilarity: CosineSimilarity(source, synthetic),
	}
	m.EditDistance = levenshtein(strings.ToLower(source), strings.ToLower(synthetic))

	maxLen := len([]rune(source))
	if n := len([]rune(synthetic)); n > maxLen {
		maxLen = n
	}
	if maxLen > 0 {
		m.EditRatio = float64(m.EditDistance) / float64(maxLen)
	}

	if m.CosineSimilarity > q.cfg.MaxCosineSimilarity {
		m.Issues = append(m.Issues, "too_similar")
	}
	if m.CosineSimilarity < q.cfg.MinCosineSimilarity {
		m.Issues = append(m.Issues, "too_dissimilar")
	}
	if m.EditDistance < q.cfg.MinEditDistance {
		m.Issues = append(m.Issues, "too_few_edits")
	}
	if m.EditRatio > q.cfg.MaxEditRatio {
		m.Issues = append(m.Issues, "too_many_edits")
	}
	m.IsValid = len(m.Issues) == 0
	return m
}

// Gate runs every synthetic through Evaluate, then re-labels survivors via
// the classifier when relabeling is enabled. A survivor whose fresh label
// disagrees with its inherited domain is escalated rather than silently
// accepted or dropped.
func (q *QualityGate) Gate(ctx context.Context, samples []AugmentedSample) (GateOutcome, error) {
	var out GateOutcome
	for _, s := range samples {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		m := q.Evaluate(s.SourceText, s.SyntheticText)
		if !m.IsValid {
			log.Printf("quality rejected synthetic domain=%s issues=%v", s.Domain, m.Issues)
			out.Rejected = append(out.Rejected, s)
			continue
		}

		if !q.cfg.RelabelSynthetic || q.classifier == nil {
			out.Accepted = append(out.Accepted, LabeledSample{
				Text:       s.SyntheticText,
				Domain:     s.Domain,
				Confidence: s.SourceConfidence,
				Source:     "synthetic",
			})
			continue
		}

		res, err := q.classifier.ClassifyOne(ctx, s.SyntheticText)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			log.Printf("quality relabel failed, keeping inherited label: %v", err)
			out.Accepted = append(out.Accepted, LabeledSample{
				Text:       s.SyntheticText,
				Domain:     s.Domain,
				Confidence: s.SourceConfidence,
				Source:     "synthetic",
			})
			continue
		}

		if res.Domain != s.Domain {
			out.Escalated = append(out.Escalated, ReviewCandidate{
				Text:            s.SyntheticText,
				PredictedDomain: res.Domain,
				Confidence:      res.Confidence,
				TopCandidates:   res.TopCandidates,
				Reason:          "synthetic label drifted from source domain " + s.Domain,
			})
			continue
		}

		out.Accepted = append(out.Accepted, LabeledSample{
			Text:       s.SyntheticText,
			Domain:     res.Domain,
			Confidence: res.Confidence,
			Source:     "synthetic",
		})
	}
	return out, nil
}

// AuditLabels re-checks existing labeled samples against fresh
// classifications and returns the ones the oracle now disagrees with.
func (q *QualityGate) AuditLabels(ctx context.Context, samples []LabeledSample) ([]ReviewCandidate, error) {
	if q.classifier == nil {
		return nil, nil
	}
	var flagged []ReviewCandidate
	for _, s := range samples {
		res, err := q.classifier.ClassifyOne(ctx, s.Text)
		if err != nil {
			if ctx.Err() != nil {
				return flagged, ctx.Err()
			}
			continue
		}
		if res.Domain != s.Domain {
			flagged = append(flagged, ReviewCandidate{
				Text:            s.Text,
				PredictedDomain: res.Domain,
				Confidence:      res.Confidence,
				TopCandidates:   res.TopCandidates,
				Reason:          "stored label " + s.Domain + " disagrees with fresh prediction",
			})
		}
	}
	return flagged, nil
}

// levenshtein computes edit distance over runes with the two-row method.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			min := del
			if ins < min {
				min = ins
			}
			if sub < min {
				min = sub
			}
			curr[j] = min
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
