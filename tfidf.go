package main

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// tokenize lowercases and splits on non-alphanumeric runes. Tokens shorter
// than 2 runes carry no signal and are dropped.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// sparseVec is a term-id to weight map, normalized to unit length on build.
type sparseVec map[int]float64

// tfidfIndex holds a small corpus indexed for cosine retrieval. It is
// rebuilt whenever the underlying examples change; corpora here are a few
// thousand texts at most, so a full rebuild is cheap.
type tfidfIndex struct {
	vocab map[string]int
	idf   []float64
	docs  []sparseVec
	items []LabeledSample
}

func buildTFIDFIndex(items []LabeledSample) *tfidfIndex {
	idx := &tfidfIndex{
		vocab: make(map[string]int),
		items: items,
	}

	tokenized := make([][]string, len(items))
	df := make(map[int]int)
	for i, item := range items {
		tokens := tokenize(item.Text)
		tokenized[i] = tokens
		seen := make(map[int]bool)
		for _, tok := range tokens {
			id, ok := idx.vocab[tok]
			if !ok {
				id = len(idx.vocab)
				idx.vocab[tok] = id
			}
			if !seen[id] {
				df[id]++
				seen[id] = true
			}
		}
	}

	idx.idf = make([]float64, len(idx.vocab))
	n := float64(len(items))
	for id, count := range df {
		idx.idf[id] = math.Log(n/float64(count)) + 1
	}

	idx.docs = make([]sparseVec, len(items))
	for i, tokens := range tokenized {
		idx.docs[i] = idx.vectorize(tokens)
	}
	return idx
}

func (idx *tfidfIndex) vectorize(tokens []string) sparseVec {
	vec := make(sparseVec)
	for _, tok := range tokens {
		if id, ok := idx.vocab[tok]; ok {
			vec[id] += idx.idf[id]
		}
	}
	var norm float64
	for _, w := range vec {
		norm += w * w
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for id := range vec {
			vec[id] /= norm
		}
	}
	return vec
}

func cosineSim(a, b sparseVec) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for id, w := range a {
		dot += w * b[id]
	}
	return dot
}

// TopK returns the k corpus items most similar to query, best first.
func (idx *tfidfIndex) TopK(query string, k int) []LabeledSample {
	if k <= 0 || len(idx.items) == 0 {
		return nil
	}
	qvec := idx.vectorize(tokenize(query))

	type scored struct {
		i   int
		sim float64
	}
	scores := make([]scored, len(idx.docs))
	for i, doc := range idx.docs {
		scores[i] = scored{i: i, sim: cosineSim(qvec, doc)}
	}
	sort.Slice(scores, func(a, b int) bool {
		if scores[a].sim != scores[b].sim {
			return scores[a].sim > scores[b].sim
		}
		return scores[a].i < scores[b].i
	})

	if k > len(scores) {
		k = len(scores)
	}
	out := make([]LabeledSample, 0, k)
	for _, s := range scores[:k] {
		out = append(out, idx.items[s.i])
	}
	return out
}

// CosineSimilarity compares two raw texts in a shared ad-hoc vocabulary.
// Used by the quality gate to measure synthetic drift from the source.
func CosineSimilarity(a, b string) float64 {
	idx := buildTFIDFIndex([]LabeledSample{{Text: a}, {Text: b}})
	return cosineSim(idx.docs[0], idx.docs[1])
}
