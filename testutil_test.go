package main

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// stubGateway lets tests script oracle behavior without any network.
type stubGateway struct {
	mu          sync.Mutex
	classifyFn  func(req ClassifyRequest) (ClassifyReply, error)
	augmentFn   func(req AugmentRequest) (AugmentReply, error)
	classifyLog []string
	augmentLog  []string
}

func (s *stubGateway) Classify(_ context.Context, req ClassifyRequest) (ClassifyReply, error) {
	s.mu.Lock()
	s.classifyLog = append(s.classifyLog, req.Text)
	s.mu.Unlock()
	if s.classifyFn != nil {
		return s.classifyFn(req)
	}
	return ClassifyReply{DomainID: "utilities", Confidence: 0.9}, nil
}

func (s *stubGateway) Augment(_ context.Context, req AugmentRequest) (AugmentReply, error) {
	s.mu.Lock()
	s.augmentLog = append(s.augmentLog, req.Text)
	s.mu.Unlock()
	if s.augmentFn != nil {
		return s.augmentFn(req)
	}
	variants := make([]string, req.Count)
	for i := range variants {
		variants[i] = fmt.Sprintf("variant %d of %s", i, req.Text)
	}
	return AugmentReply{Variants: variants}, nil
}

func (s *stubGateway) Model() string         { return "stub-model" }
func (s *stubGateway) PromptVersion() string { return "test" }

func (s *stubGateway) classifyCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.classifyLog)
}

func fastClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Concurrency:        4,
		RateIntervalMillis: 1,
		LowConfThreshold:   0.5,
		HintCount:          3,
		ExampleCount:       5,
		ExampleMaxChars:    140,
		CorrectionCount:    10,
	}
}

func fastAugmenterConfig() AugmenterConfig {
	return AugmenterConfig{
		VariantsPerSample:   2,
		Concurrency:         4,
		RateIntervalMillis:  1,
		MaxSamplesPerDomain: 30,
	}
}
