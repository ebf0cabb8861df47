package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ProgressEvent reports pipeline advancement. Events are dropped, never
// blocked on, when the listener lags.
type ProgressEvent struct {
	Stage     string
	Processed int
	Total     int
}

// RunResult summarizes one pipeline run. Counts are recorded even when the
// run fails partway.
type RunResult struct {
	RunID           string
	InputCount      int
	ClassifiedCount int
	QueuedCount     int
	AugmentedCount  int
	AcceptedCount   int
	RejectedCount   int
	EscalatedCount  int
	ErrorCount      int
	VersionTag      string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Pipeline wires the stages end to end: classify, triage, augment, gate,
// merge with human verdicts, write and commit a new dataset version.
type Pipeline struct {
	cfg        Config
	db         *sql.DB
	taxonomy   *Taxonomy
	cache      *ResultCache
	classifier *Classifier
	augmenter  *Augmenter
	gate       *QualityGate
	queue      *ReviewQueue
	writer     *DatasetWriter
	store      *VersionStore

	progress chan<- ProgressEvent
}

func NewPipeline(cfg Config, db *sql.DB, gateway Gateway, tax *Taxonomy) (*Pipeline, error) {
	cache := NewResultCache(db, cfg.Cache)
	classifier := NewClassifier(gateway, cache, tax, cfg.Classifier)
	store, err := NewVersionStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:        cfg,
		db:         db,
		taxonomy:   tax,
		cache:      cache,
		classifier: classifier,
		augmenter:  NewAugmenter(gateway, cache, cfg.Augmenter),
		gate:       NewQualityGate(cfg.Quality, classifier),
		queue:      NewReviewQueue(db, cfg.Review),
		writer:     NewDatasetWriter(cfg.Writer),
		store:      store,
	}, nil
}

func (p *Pipeline) Queue() *ReviewQueue  { return p.queue }
func (p *Pipeline) Store() *VersionStore { return p.store }
func (p *Pipeline) Cache() *ResultCache  { return p.cache }

// SetProgress installs a listener channel for stage events.
func (p *Pipeline) SetProgress(ch chan<- ProgressEvent) { p.progress = ch }

func (p *Pipeline) emit(stage string, processed, total int) {
	if p.progress == nil {
		return
	}
	select {
	case p.progress <- ProgressEvent{Stage: stage, Processed: processed, Total: total}:
	default:
	}
}

// Run executes one full pass over the given inputs and commits a new
// dataset version. Individual item failures degrade the output rather than
// aborting; only context cancellation and commit-path errors are fatal.
func (p *Pipeline) Run(ctx context.Context, records []SourceRecord) (RunResult, error) {
	res := RunResult{
		RunID:      uuid.NewString(),
		InputCount: len(records),
		StartedAt:  time.Now().UTC(),
	}
	if err := p.insertRun(res); err != nil {
		return res, err
	}
	log.Printf("pipeline run=%s started inputs=%d", res.RunID, len(records))

	// Past human verdicts feed the prompts: reviewed samples become
	// few-shot examples, corrections become explicit guidance.
	if reviewed, err := p.queue.ExportReviewed(); err == nil && len(reviewed) > 0 {
		p.classifier.SetExamples(reviewed)
	}
	if notes, err := p.queue.CorrectionNotes(p.cfg.Classifier.CorrectionCount); err == nil {
		p.classifier.SetCorrectionNotes(notes)
	}

	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Text
	}
	p.emit("classify", 0, len(texts))
	results, err := p.classifier.ClassifyBatch(ctx, texts)
	if err != nil {
		return p.failRun(res, fmt.Errorf("classify stage: %w", err))
	}
	res.ClassifiedCount = len(results)
	p.emit("classify", len(results), len(texts))

	var confident []ClassificationResult
	var lowConf []ReviewCandidate
	originals := make([]LabeledSample, 0, len(results))
	for _, r := range results {
		if r.Confidence == 0 {
			res.ErrorCount++
			lowConf = append(lowConf, ReviewCandidate{
				Text:            r.Text,
				PredictedDomain: r.Domain,
				Reason:          "classification failed",
			})
			continue
		}
		if r.Confidence < p.cfg.Classifier.LowConfThreshold {
			lowConf = append(lowConf, ReviewCandidate{
				Text:            r.Text,
				PredictedDomain: r.Domain,
				Confidence:      r.Confidence,
				TopCandidates:   r.TopCandidates,
				Reason:          "low classification confidence",
			})
			continue
		}
		confident = append(confident, r)
		originals = append(originals, LabeledSample{
			Text:       r.Text,
			Domain:     r.Domain,
			Confidence: r.Confidence,
			Source:     "original",
		})
	}
	if len(lowConf) > 0 {
		added, err := p.queue.AddItems(lowConf)
		if err != nil {
			return p.failRun(res, fmt.Errorf("queueing low-confidence items: %w", err))
		}
		res.QueuedCount += added
	}

	p.emit("augment", 0, len(confident))
	synth, err := p.augmenter.AugmentBatch(ctx, confident)
	if err != nil {
		return p.failRun(res, fmt.Errorf("augment stage: %w", err))
	}
	res.AugmentedCount = len(synth)
	p.emit("augment", len(confident), len(confident))

	p.emit("gate", 0, len(synth))
	outcome, err := p.gate.Gate(ctx, synth)
	if err != nil {
		return p.failRun(res, fmt.Errorf("quality stage: %w", err))
	}
	res.AcceptedCount = len(outcome.Accepted)
	res.RejectedCount = len(outcome.Rejected)
	res.EscalatedCount = len(outcome.Escalated)
	p.emit("gate", len(synth), len(synth))

	if len(outcome.Escalated) > 0 {
		added, err := p.queue.AddItems(outcome.Escalated)
		if err != nil {
			return p.failRun(res, fmt.Errorf("queueing escalated items: %w", err))
		}
		res.QueuedCount += added
	}

	reviewed, err := p.queue.ExportReviewed()
	if err != nil {
		return p.failRun(res, fmt.Errorf("exporting reviewed items: %w", err))
	}
	// Reviewed samples go first: the writer keeps the first occurrence of a
	// duplicated text, so a human verdict always beats a machine label.
	merged := make([]LabeledSample, 0, len(reviewed)+len(originals)+len(outcome.Accepted))
	merged = append(merged, reviewed...)
	merged = append(merged, originals...)
	merged = append(merged, outcome.Accepted...)

	p.emit("write", 0, len(merged))
	written, err := p.writer.Write(merged)
	if err != nil {
		return p.failRun(res, fmt.Errorf("write stage: %w", err))
	}
	p.emit("write", len(merged), len(merged))

	tag, err := p.store.NextTag(p.cfg.Store.Increment)
	if err != nil {
		return p.failRun(res, fmt.Errorf("deriving next tag: %w", err))
	}
	desc := fmt.Sprintf("pipeline run %s: %d originals, %d synthetic, %d reviewed",
		res.RunID, len(originals), len(outcome.Accepted), len(reviewed))
	version, err := p.store.CommitVersion(tag, desc, p.cfg.CreatedBy, written, map[string]string{
		"run_id": res.RunID,
	})
	if err != nil {
		return p.failRun(res, fmt.Errorf("committing version: %w", err))
	}
	if _, err := p.store.Checkout(tag); err != nil {
		return p.failRun(res, fmt.Errorf("checking out version: %w", err))
	}
	res.VersionTag = version.Tag
	res.FinishedAt = time.Now().UTC()

	if err := p.finishRun(res, "completed"); err != nil {
		return res, err
	}
	if _, err := p.cache.CleanupExpired(); err != nil {
		log.Printf("pipeline cache cleanup failed: %v", err)
	}
	log.Printf("pipeline run=%s completed tag=%s accepted=%d rejected=%d queued=%d errors=%d",
		res.RunID, res.VersionTag, res.AcceptedCount, res.RejectedCount, res.QueuedCount, res.ErrorCount)
	return res, nil
}

// Audit re-classifies records that arrived with an upstream label and
// queues the ones the oracle disagrees with. Records without a label are
// skipped. Returns how many records were checked and how many disagreements
// entered the review queue.
func (p *Pipeline) Audit(ctx context.Context, records []SourceRecord) (checked, queued int, err error) {
	labeled := make([]LabeledSample, 0, len(records))
	for _, r := range records {
		if r.Domain == "" {
			continue
		}
		labeled = append(labeled, LabeledSample{
			Text:       r.Text,
			Domain:     r.Domain,
			Confidence: 1.0,
			Source:     "upstream",
		})
	}
	flagged, err := p.gate.AuditLabels(ctx, labeled)
	if err != nil {
		return len(labeled), 0, fmt.Errorf("audit stage: %w", err)
	}
	if len(flagged) > 0 {
		queued, err = p.queue.AddItems(flagged)
		if err != nil {
			return len(labeled), 0, fmt.Errorf("queueing audited items: %w", err)
		}
	}
	log.Printf("audit checked=%d flagged=%d queued=%d", len(labeled), len(flagged), queued)
	return len(labeled), queued, nil
}

func (p *Pipeline) failRun(res RunResult, err error) (RunResult, error) {
	res.FinishedAt = time.Now().UTC()
	if dbErr := p.finishRun(res, "failed"); dbErr != nil {
		log.Printf("pipeline run=%s status update failed: %v", res.RunID, dbErr)
	}
	if errors.Is(err, ErrEmptyDataset) {
		log.Printf("pipeline run=%s produced no usable samples", res.RunID)
	}
	return res, err
}

func (p *Pipeline) insertRun(res RunResult) error {
	_, err := p.db.Exec(`INSERT INTO pipeline_runs (id, started_at, input_count, status) VALUES (?, ?, ?, ?)`,
		res.RunID, res.StartedAt, res.InputCount, "running")
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

func (p *Pipeline) finishRun(res RunResult, status string) error {
	_, err := p.db.Exec(`UPDATE pipeline_runs SET finished_at = ?, classified_count = ?, augmented_count = ?,
		accepted_count = ?, rejected_count = ?, queued_count = ?, error_count = ?, version_tag = ?, status = ?
		WHERE id = ?`,
		res.FinishedAt, res.ClassifiedCount, res.AugmentedCount,
		res.AcceptedCount, res.RejectedCount, res.QueuedCount, res.ErrorCount, res.VersionTag, status,
		res.RunID)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	return nil
}

// RunHistory returns the most recent runs, newest first.
func (p *Pipeline) RunHistory(limit int) ([]RunResult, error) {
	rows, err := p.db.Query(`SELECT id, started_at, finished_at, input_count, classified_count,
		augmented_count, accepted_count, rejected_count, queued_count, error_count, COALESCE(version_tag, '')
		FROM pipeline_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("run history: %w", err)
	}
	defer rows.Close()

	var out []RunResult
	for rows.Next() {
		var r RunResult
		var finished sql.NullTime
		if err := rows.Scan(&r.RunID, &r.StartedAt, &finished, &r.InputCount, &r.ClassifiedCount,
			&r.AugmentedCount, &r.AcceptedCount, &r.RejectedCount, &r.QueuedCount, &r.ErrorCount, &r.VersionTag); err != nil {
			return nil, err
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StartScheduler runs the pipeline on a 5-field cron schedule until the
// context is cancelled. Input is re-read before every run.
func (p *Pipeline) StartScheduler(ctx context.Context, schedule, inputPath string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	go func() {
		for {
			next := sched.Next(time.Now())
			log.Printf("scheduler next run at %s", next.Format(time.RFC3339))
			select {
			case <-ctx.Done():
				log.Printf("scheduler stopped")
				return
			case <-time.After(time.Until(next)):
			}

			records, err := LoadSourceRecords(inputPath, p.cfg.Writer.MinTextLength, p.cfg.Writer.MaxTextLength)
			if err != nil {
				log.Printf("scheduler input load failed: %v", err)
				continue
			}
			if len(records) == 0 {
				log.Printf("scheduler no input records, skipping run")
				continue
			}
			if _, err := p.Run(ctx, records); err != nil {
				log.Printf("scheduler run failed: %v", err)
			}
		}
	}()
	return nil
}
