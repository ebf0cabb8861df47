package main

import "time"

// SourceRecord is one row produced by the external log-export ETL. The
// pipeline consumes Text; Domain, when present, is an upstream label the
// audit path re-checks. The rest is carried for provenance.
type SourceRecord struct {
	Text      string            `json:"text"`
	Domain    string            `json:"domain,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Candidate is one (domain, score) entry in a ranked candidate list.
type Candidate struct {
	Domain string  `json:"domain"`
	Score  float64 `json:"score"`
}

// ClassificationResult is the Classifier's output for a single text.
// Immutable once produced; every downstream stage consumes it as-is.
type ClassificationResult struct {
	Text          string      `json:"text"`
	Domain        string      `json:"domain"`
	Confidence    float64     `json:"confidence"`
	TopCandidates []Candidate `json:"top_candidates,omitempty"`
	FromCache     bool        `json:"-"`
}

// AugmentedSample is one synthetic paraphrase of a confidently-labeled
// source text. Domain is inherited from the source until the quality gate
// re-labels the variant.
type AugmentedSample struct {
	SourceText       string
	SyntheticText    string
	Domain           string
	GenerationIndex  int
	SourceConfidence float64
}

// LabeledSample is the common currency between the quality gate, the review
// queue export and the dataset writer: a text with its final label.
type LabeledSample struct {
	Text       string  `json:"text"`
	Domain     string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
}

// ReviewCandidate is an item headed for the human review queue.
type ReviewCandidate struct {
	Text            string
	PredictedDomain string
	Confidence      float64
	TopCandidates   []Candidate
	Reason          string
}

// DatasetRecord is one line of a committed train/eval file.
type DatasetRecord struct {
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
}
