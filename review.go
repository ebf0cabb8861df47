package main

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrItemNotInReview is returned when a verdict arrives for an item the
// submitting reviewer does not currently hold.
var ErrItemNotInReview = errors.New("item is not held for review by this reviewer")

// Review item states.
const (
	StatusPending   = "pending"
	StatusInReview  = "in_review"
	StatusApproved  = "approved"
	StatusCorrected = "corrected"
)

// Priority names, ordered most urgent first. Stored as their rank.
var priorityNames = []string{"critical", "high", "medium", "low"}

// autoReviewerID marks verdicts recorded without a human in the loop.
const autoReviewerID = "auto"

type ReviewItem struct {
	ID              string
	Text            string
	PredictedDomain string
	Confidence      float64
	TopCandidates   []Candidate
	Reason          string
	Status          string
	Priority        string
	CorrectedDomain string
	ReviewerID      string
	Notes           string
	CreatedAt       time.Time
}

// ReviewQueue persists low-confidence predictions for human triage. Claims
// are exclusive: two concurrent reviewers never receive the same item.
type ReviewQueue struct {
	db  *sql.DB
	cfg ReviewConfig

	claimMu sync.Mutex
}

func NewReviewQueue(db *sql.DB, cfg ReviewConfig) *ReviewQueue {
	return &ReviewQueue{db: db, cfg: cfg}
}

func reviewItemID(text, domain string) string {
	sum := sha256.Sum256([]byte(text + "|" + domain))
	return hex.EncodeToString(sum[:16])
}

// priorityRank maps a prediction confidence to an urgency rank: the less
// the model believed itself, the sooner a human should look.
func (q *ReviewQueue) priorityRank(confidence float64) int {
	switch {
	case confidence < q.cfg.CriticalThreshold:
		return 0
	case confidence < q.cfg.HighThreshold:
		return 1
	case confidence < q.cfg.MediumThreshold:
		return 2
	default:
		return 3
	}
}

// AddItems enqueues candidates, deduplicating on (text, predicted domain).
// Re-adding an already queued or already reviewed item is a no-op. A
// candidate whose prediction confidence reaches the auto-approve threshold
// is recorded as approved immediately and never occupies a reviewer.
// Returns the number actually inserted.
func (q *ReviewQueue) AddItems(candidates []ReviewCandidate) (int, error) {
	pending, err := q.PendingCount()
	if err != nil {
		return 0, err
	}

	tx, err := q.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("review add begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO review_items
		(id, text, predicted_domain, confidence, top_candidates, reason, status, priority, reviewer_id, notes, review_timestamp, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("review add prepare: %w", err)
	}
	defer stmt.Close()

	added := 0
	queued := 0
	full := false
	now := time.Now().UTC()
	for _, c := range candidates {
		auto := q.cfg.AutoApproveThreshold > 0 && c.Confidence >= q.cfg.AutoApproveThreshold
		if !auto && pending+queued >= q.cfg.MaxQueueSize {
			if !full {
				log.Printf("review queue full size=%d, dropping remaining candidates", q.cfg.MaxQueueSize)
				full = true
			}
			continue
		}
		cands, err := json.Marshal(c.TopCandidates)
		if err != nil {
			return added, fmt.Errorf("review add encode candidates: %w", err)
		}
		status := StatusPending
		var reviewerID, notes sql.NullString
		var reviewedAt sql.NullTime
		if auto {
			status = StatusApproved
			reviewerID = sql.NullString{String: autoReviewerID, Valid: true}
			notes = sql.NullString{String: "confidence above auto-approve threshold", Valid: true}
			reviewedAt = sql.NullTime{Time: now, Valid: true}
		}
		res, err := stmt.Exec(
			reviewItemID(c.Text, c.PredictedDomain),
			c.Text, c.PredictedDomain, c.Confidence, string(cands), c.Reason,
			status, q.priorityRank(c.Confidence), reviewerID, notes, reviewedAt, now, now,
		)
		if err != nil {
			return added, fmt.Errorf("review add insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
			if !auto {
				queued++
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("review add commit: %w", err)
	}
	return added, nil
}

// Claim atomically claims up to count pending items for a reviewer, most
// urgent first. Returns an empty slice when the queue has no pending items.
func (q *ReviewQueue) Claim(reviewerID string, count int) ([]ReviewItem, error) {
	if count < 1 {
		count = 1
	}
	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("review claim begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id, text, predicted_domain, confidence, top_candidates, reason, priority, created_at
		FROM review_items WHERE status = ? ORDER BY priority, created_at LIMIT ?`, StatusPending, count)
	if err != nil {
		return nil, fmt.Errorf("review claim select: %w", err)
	}

	var items []ReviewItem
	for rows.Next() {
		var item ReviewItem
		var rank int
		var cands string
		if err := rows.Scan(&item.ID, &item.Text, &item.PredictedDomain, &item.Confidence, &cands, &item.Reason, &rank, &item.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("review claim scan: %w", err)
		}
		item.Status = StatusInReview
		item.ReviewerID = reviewerID
		item.Priority = priorityNames[rank]
		if cands != "" {
			if err := json.Unmarshal([]byte(cands), &item.TopCandidates); err != nil {
				log.Printf("review item %s candidates decode failed: %v", item.ID, err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("review claim rows: %w", err)
	}
	rows.Close()

	now := time.Now().UTC()
	for _, item := range items {
		if _, err := tx.Exec(`UPDATE review_items SET status = ?, reviewer_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
			StatusInReview, reviewerID, now, item.ID, StatusPending); err != nil {
			return nil, fmt.Errorf("review claim update: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("review claim commit: %w", err)
	}
	return items, nil
}

// GetNext claims the single most urgent pending item for a reviewer.
// ok is false when the queue has no pending items.
func (q *ReviewQueue) GetNext(reviewerID string) (ReviewItem, bool, error) {
	items, err := q.Claim(reviewerID, 1)
	if err != nil {
		return ReviewItem{}, false, err
	}
	if len(items) == 0 {
		return ReviewItem{}, false, nil
	}
	return items[0], true, nil
}

// SubmitReview records a verdict for a held item. An empty correctedDomain
// approves the prediction; a non-empty one overrides it. The item must be
// in review and held by the same reviewer, otherwise ErrItemNotInReview.
func (q *ReviewQueue) SubmitReview(itemID, reviewerID, correctedDomain, notes string) error {
	status := StatusApproved
	if correctedDomain != "" {
		status = StatusCorrected
	}
	now := time.Now().UTC()
	res, err := q.db.Exec(`UPDATE review_items
		SET status = ?, corrected_domain = ?, notes = ?, review_timestamp = ?, updated_at = ?
		WHERE id = ? AND status = ? AND reviewer_id = ?`,
		status, correctedDomain, notes, now, now, itemID, StatusInReview, reviewerID)
	if err != nil {
		return fmt.Errorf("review submit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s: %w", itemID, ErrItemNotInReview)
	}
	return nil
}

// ExportReviewed returns every approved or corrected item as a labeled
// sample with full confidence. Auto-approved items are marked with their
// own source so a human verdict stays distinguishable downstream. Reading
// does not change item state, so the export is repeatable.
func (q *ReviewQueue) ExportReviewed() ([]LabeledSample, error) {
	rows, err := q.db.Query(`SELECT text, predicted_domain, corrected_domain, status, reviewer_id
		FROM review_items WHERE status IN (?, ?) ORDER BY review_timestamp`,
		StatusApproved, StatusCorrected)
	if err != nil {
		return nil, fmt.Errorf("review export: %w", err)
	}
	defer rows.Close()

	var out []LabeledSample
	for rows.Next() {
		var text, predicted, status string
		var corrected, reviewer sql.NullString
		if err := rows.Scan(&text, &predicted, &corrected, &status, &reviewer); err != nil {
			return nil, err
		}
		domain := predicted
		if status == StatusCorrected && corrected.Valid && corrected.String != "" {
			domain = corrected.String
		}
		source := "human_review"
		if reviewer.Valid && reviewer.String == autoReviewerID {
			source = "auto_approved"
		}
		out = append(out, LabeledSample{
			Text:       text,
			Domain:     domain,
			Confidence: 1.0,
			Source:     source,
		})
	}
	return out, rows.Err()
}

// CorrectionNotes summarizes recent corrections for classifier prompts.
func (q *ReviewQueue) CorrectionNotes(limit int) ([]string, error) {
	rows, err := q.db.Query(`SELECT text, predicted_domain, corrected_domain
		FROM review_items WHERE status = ? AND corrected_domain != ''
		ORDER BY review_timestamp DESC LIMIT ?`, StatusCorrected, limit)
	if err != nil {
		return nil, fmt.Errorf("review corrections: %w", err)
	}
	defer rows.Close()

	var notes []string
	for rows.Next() {
		var text, predicted, corrected string
		if err := rows.Scan(&text, &predicted, &corrected); err != nil {
			return nil, err
		}
		notes = append(notes, fmt.Sprintf("%q was predicted as %s but the correct domain is %s",
			truncate(text, 120), predicted, corrected))
	}
	return notes, rows.Err()
}

func (q *ReviewQueue) PendingCount() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM review_items WHERE status = ?`, StatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("review pending count: %w", err)
	}
	return n, nil
}

// QueueStats reports item counts per status.
func (q *ReviewQueue) QueueStats() (map[string]int, error) {
	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM review_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("review stats: %w", err)
	}
	defer rows.Close()
	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}
