package main

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func defaultReviewConfig() ReviewConfig {
	return ReviewConfig{
		CriticalThreshold:    0.3,
		HighThreshold:        0.5,
		MediumThreshold:      0.7,
		AutoApproveThreshold: 0.95,
		MaxQueueSize:         100,
	}
}

func newTestQueue(t *testing.T) *ReviewQueue {
	t.Helper()
	return NewReviewQueue(newTestDB(t), defaultReviewConfig())
}

func TestAddItemsDeduplicates(t *testing.T) {
	q := newTestQueue(t)
	cand := ReviewCandidate{Text: "weird text", PredictedDomain: "oos", Confidence: 0.4, Reason: "low confidence"}

	added, err := q.AddItems([]ReviewCandidate{cand, cand})
	if err != nil {
		t.Fatalf("AddItems: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}
	added, err = q.AddItems([]ReviewCandidate{cand})
	if err != nil {
		t.Fatalf("second AddItems: %v", err)
	}
	if added != 0 {
		t.Errorf("re-adding queued item added %d", added)
	}
}

func TestAddItemsAutoApprovesConfidentPredictions(t *testing.T) {
	q := newTestQueue(t)
	added, err := q.AddItems([]ReviewCandidate{
		{Text: "certain one", PredictedDomain: "payments", Confidence: 0.97},
		{Text: "doubtful one", PredictedDomain: "oos", Confidence: 0.4},
	})
	if err != nil {
		t.Fatalf("AddItems: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}

	item, ok, err := q.GetNext("rev-1")
	if err != nil || !ok {
		t.Fatalf("GetNext: ok=%v err=%v", ok, err)
	}
	if item.Text != "doubtful one" {
		t.Errorf("claimed %q, want the doubtful item", item.Text)
	}
	if _, ok, _ := q.GetNext("rev-1"); ok {
		t.Error("auto-approved item must not be claimable")
	}

	samples, err := q.ExportReviewed()
	if err != nil {
		t.Fatalf("ExportReviewed: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("exported = %d, want the auto-approved item", len(samples))
	}
	got := samples[0]
	if got.Text != "certain one" || got.Domain != "payments" || got.Source != "auto_approved" {
		t.Errorf("exported sample = %+v", got)
	}
}

func TestGetNextOrdersByPriority(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.AddItems([]ReviewCandidate{
		{Text: "medium one", PredictedDomain: "oos", Confidence: 0.65},
		{Text: "critical one", PredictedDomain: "oos", Confidence: 0.1},
		{Text: "high one", PredictedDomain: "oos", Confidence: 0.4},
	})
	if err != nil {
		t.Fatalf("AddItems: %v", err)
	}

	want := []struct {
		text     string
		priority string
	}{
		{"critical one", "critical"},
		{"high one", "high"},
		{"medium one", "medium"},
	}
	for _, w := range want {
		item, ok, err := q.GetNext("rev-1")
		if err != nil || !ok {
			t.Fatalf("GetNext: ok=%v err=%v", ok, err)
		}
		if item.Text != w.text || item.Priority != w.priority {
			t.Errorf("got %q/%s, want %q/%s", item.Text, item.Priority, w.text, w.priority)
		}
	}
	if _, ok, _ := q.GetNext("rev-1"); ok {
		t.Error("queue should be drained")
	}
}

func TestClaimBatch(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.AddItems([]ReviewCandidate{
		{Text: "medium one", PredictedDomain: "oos", Confidence: 0.65},
		{Text: "critical one", PredictedDomain: "oos", Confidence: 0.1},
		{Text: "high one", PredictedDomain: "oos", Confidence: 0.4},
	}); err != nil {
		t.Fatalf("AddItems: %v", err)
	}

	items, err := q.Claim("rev-1", 2)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("claimed = %d, want 2", len(items))
	}
	if items[0].Text != "critical one" || items[1].Text != "high one" {
		t.Errorf("claim order = %q, %q", items[0].Text, items[1].Text)
	}
	for _, item := range items {
		if item.Status != StatusInReview || item.ReviewerID != "rev-1" {
			t.Errorf("claimed item = %+v", item)
		}
	}

	rest, err := q.Claim("rev-2", 5)
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if len(rest) != 1 || rest[0].Text != "medium one" {
		t.Errorf("second claim = %+v", rest)
	}
	empty, err := q.Claim("rev-2", 5)
	if err != nil {
		t.Fatalf("drained Claim: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("drained claim = %+v", empty)
	}
}

func TestGetNextClaimsAreExclusive(t *testing.T) {
	q := newTestQueue(t)
	var cands []ReviewCandidate
	for i := 0; i < 20; i++ {
		cands = append(cands, ReviewCandidate{
			Text:            "item " + string(rune('a'+i)),
			PredictedDomain: "oos",
			Confidence:      0.4,
		})
	}
	if _, err := q.AddItems(cands); err != nil {
		t.Fatalf("AddItems: %v", err)
	}

	var mu sync.Mutex
	claimed := make(map[string]string)
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(reviewer string) {
			defer wg.Done()
			for {
				item, ok, err := q.GetNext(reviewer)
				if err != nil {
					t.Errorf("GetNext: %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				if prev, dup := claimed[item.ID]; dup {
					t.Errorf("item %s claimed by both %s and %s", item.ID, prev, reviewer)
				}
				claimed[item.ID] = reviewer
				mu.Unlock()
			}
		}("reviewer-" + string(rune('0'+r)))
	}
	wg.Wait()
	if len(claimed) != 20 {
		t.Errorf("claimed = %d items, want 20", len(claimed))
	}
}

func TestSubmitReviewLifecycle(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.AddItems([]ReviewCandidate{
		{Text: "approve me", PredictedDomain: "utilities", Confidence: 0.4},
		{Text: "correct me", PredictedDomain: "utilities", Confidence: 0.4},
	}); err != nil {
		t.Fatalf("AddItems: %v", err)
	}

	first, _, err := q.GetNext("rev-1")
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}
	second, _, err := q.GetNext("rev-1")
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}

	approveID, correctID := first.ID, second.ID
	if first.Text == "correct me" {
		approveID, correctID = second.ID, first.ID
	}
	if err := q.SubmitReview(approveID, "rev-1", "", "looks right"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := q.SubmitReview(correctID, "rev-1", "payments", "was mislabeled"); err != nil {
		t.Fatalf("correct: %v", err)
	}

	samples, err := q.ExportReviewed()
	if err != nil {
		t.Fatalf("ExportReviewed: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("exported = %d, want 2", len(samples))
	}
	byText := map[string]LabeledSample{}
	for _, s := range samples {
		byText[s.Text] = s
		if s.Confidence != 1.0 || s.Source != "human_review" {
			t.Errorf("exported sample = %+v", s)
		}
	}
	if byText["approve me"].Domain != "utilities" {
		t.Errorf("approved sample kept wrong domain: %+v", byText["approve me"])
	}
	if byText["correct me"].Domain != "payments" {
		t.Errorf("corrected sample domain = %q, want payments", byText["correct me"].Domain)
	}

	// Export is read-only and repeatable.
	again, err := q.ExportReviewed()
	if err != nil {
		t.Fatalf("second ExportReviewed: %v", err)
	}
	if len(again) != 2 {
		t.Errorf("second export = %d, want 2", len(again))
	}
}

func TestSubmitReviewWrongHolder(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.AddItems([]ReviewCandidate{
		{Text: "contested", PredictedDomain: "oos", Confidence: 0.4},
	}); err != nil {
		t.Fatalf("AddItems: %v", err)
	}
	item, _, err := q.GetNext("rev-1")
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}

	if err := q.SubmitReview(item.ID, "rev-2", "", ""); !errors.Is(err, ErrItemNotInReview) {
		t.Errorf("other reviewer submit err = %v, want ErrItemNotInReview", err)
	}
	if err := q.SubmitReview("no-such-item", "rev-1", "", ""); !errors.Is(err, ErrItemNotInReview) {
		t.Errorf("unknown item err = %v, want ErrItemNotInReview", err)
	}
	if err := q.SubmitReview(item.ID, "rev-1", "", ""); err != nil {
		t.Errorf("rightful holder submit failed: %v", err)
	}
	// A settled item cannot be re-reviewed.
	if err := q.SubmitReview(item.ID, "rev-1", "payments", ""); !errors.Is(err, ErrItemNotInReview) {
		t.Errorf("double submit err = %v, want ErrItemNotInReview", err)
	}
}

func TestCorrectionNotes(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.AddItems([]ReviewCandidate{
		{Text: "top up the card", PredictedDomain: "utilities", Confidence: 0.4},
	}); err != nil {
		t.Fatalf("AddItems: %v", err)
	}
	item, _, _ := q.GetNext("rev-1")
	if err := q.SubmitReview(item.ID, "rev-1", "payments", ""); err != nil {
		t.Fatalf("SubmitReview: %v", err)
	}

	notes, err := q.CorrectionNotes(10)
	if err != nil {
		t.Fatalf("CorrectionNotes: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("notes = %v", notes)
	}
	for _, want := range []string{"top up the card", "utilities", "payments"} {
		if !strings.Contains(notes[0], want) {
			t.Errorf("note %q missing %q", notes[0], want)
		}
	}
}

func TestQueueSizeCap(t *testing.T) {
	cfg := defaultReviewConfig()
	cfg.MaxQueueSize = 3
	q := NewReviewQueue(newTestDB(t), cfg)

	var cands []ReviewCandidate
	for i := 0; i < 5; i++ {
		cands = append(cands, ReviewCandidate{
			Text:            "overflow " + string(rune('a'+i)),
			PredictedDomain: "oos",
			Confidence:      0.4,
		})
	}
	added, err := q.AddItems(cands)
	if err != nil {
		t.Fatalf("AddItems: %v", err)
	}
	if added != 3 {
		t.Errorf("added = %d, want the cap of 3", added)
	}
}
