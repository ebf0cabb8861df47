package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: labelbot <command> [args]

commands:
  run <input.jsonl>       classify, augment and commit one dataset version
  audit <input.jsonl>     re-check upstream labels and queue disagreements
  schedule                run the pipeline on the configured cron schedule
  versions                list committed dataset versions
  checkout <tag>          mark a committed version as current
  tag <tag> <label>       attach a free-form label to a version
  compare <tagA> <tagB>   diff two committed versions
  review <reviewer-id>    claim and show the next pending review item
  stats                   show queue and cache statistics`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	tax := DefaultTaxonomy()
	if cfg.TaxonomyPath != "" {
		tax, err = LoadTaxonomy(cfg.TaxonomyPath)
		if err != nil {
			log.Fatalf("taxonomy: %v", err)
		}
	}

	db, err := InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	pipeline, err := NewPipeline(cfg, db, NewLLMGateway(cfg.Gateway), tax)
	if err != nil {
		log.Fatalf("pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "run":
		input := cfg.InputPath
		if len(os.Args) > 2 {
			input = os.Args[2]
		}
		if input == "" {
			log.Fatalf("run: no input file given and input_path not configured")
		}
		records, err := LoadSourceRecords(input, cfg.Writer.MinTextLength, cfg.Writer.MaxTextLength)
		if err != nil {
			log.Fatalf("input: %v", err)
		}
		res, err := pipeline.Run(ctx, records)
		if err != nil {
			log.Fatalf("run %s failed: %v", res.RunID, err)
		}
		fmt.Printf("committed %s: %d classified, %d synthetic accepted, %d queued for review\n",
			res.VersionTag, res.ClassifiedCount, res.AcceptedCount, res.QueuedCount)

	case "audit":
		input := cfg.InputPath
		if len(os.Args) > 2 {
			input = os.Args[2]
		}
		if input == "" {
			log.Fatalf("audit: no input file given and input_path not configured")
		}
		records, err := LoadSourceRecords(input, cfg.Writer.MinTextLength, cfg.Writer.MaxTextLength)
		if err != nil {
			log.Fatalf("input: %v", err)
		}
		checked, queued, err := pipeline.Audit(ctx, records)
		if err != nil {
			log.Fatalf("audit: %v", err)
		}
		fmt.Printf("audited %d labeled records, %d queued for review\n", checked, queued)

	case "schedule":
		if cfg.RunSchedule == "" {
			log.Fatalf("schedule: run_schedule not configured")
		}
		if cfg.InputPath == "" {
			log.Fatalf("schedule: input_path not configured")
		}
		if err := pipeline.StartScheduler(ctx, cfg.RunSchedule, cfg.InputPath); err != nil {
			log.Fatalf("scheduler: %v", err)
		}
		<-ctx.Done()

	case "versions":
		versions, err := pipeline.Store().ListVersions("", "")
		if err != nil {
			log.Fatalf("versions: %v", err)
		}
		current, ok, err := pipeline.Store().Current()
		if err != nil {
			log.Fatalf("versions: %v", err)
		}
		for _, v := range versions {
			marker := " "
			if ok && v.Tag == current.Tag {
				marker = "*"
			}
			fmt.Printf("%s %-10s %-8s train=%-6d eval=%-6d %s\n",
				marker, v.Tag, v.Status, v.Stats.TrainCount, v.Stats.EvalCount, v.CreatedAt.Format("2006-01-02 15:04"))
		}

	case "checkout":
		if len(os.Args) < 3 {
			usage()
		}
		v, err := pipeline.Store().Checkout(os.Args[2])
		if err != nil {
			log.Fatalf("checkout: %v", err)
		}
		fmt.Printf("current version is now %s (%d train, %d eval)\n", v.Tag, v.Stats.TrainCount, v.Stats.EvalCount)

	case "tag":
		if len(os.Args) < 4 {
			usage()
		}
		if err := pipeline.Store().TagVersion(os.Args[2], os.Args[3]); err != nil {
			log.Fatalf("tag: %v", err)
		}
		fmt.Printf("labeled %s as %q\n", os.Args[2], os.Args[3])

	case "compare":
		if len(os.Args) < 4 {
			usage()
		}
		diff, err := pipeline.Store().CompareVersions(os.Args[2], os.Args[3])
		if err != nil {
			log.Fatalf("compare: %v", err)
		}
		fmt.Printf("%s -> %s: train identical=%v eval identical=%v sample delta=%+d\n",
			diff.TagA, diff.TagB, diff.SameTrain, diff.SameEval, diff.SampleDelta)
		for domain, delta := range diff.DomainDeltas {
			if delta != 0 {
				fmt.Printf("  %s: %+d\n", domain, delta)
			}
		}

	case "review":
		if len(os.Args) < 3 {
			usage()
		}
		item, found, err := pipeline.Queue().GetNext(os.Args[2])
		if err != nil {
			log.Fatalf("review: %v", err)
		}
		if !found {
			fmt.Println("review queue is empty")
			return
		}
		fmt.Printf("item %s [%s]\n  text: %s\n  predicted: %s (%.2f)\n  reason: %s\n",
			item.ID, item.Priority, item.Text, item.PredictedDomain, item.Confidence, item.Reason)

	case "stats":
		queueStats, err := pipeline.Queue().QueueStats()
		if err != nil {
			log.Fatalf("stats: %v", err)
		}
		fmt.Println("review queue:")
		for status, n := range queueStats {
			fmt.Printf("  %s: %d\n", status, n)
		}
		cacheStats, err := pipeline.Cache().Stats()
		if err != nil {
			log.Fatalf("stats: %v", err)
		}
		fmt.Println("result cache:")
		for task, n := range cacheStats {
			fmt.Printf("  %s: %d\n", task, n)
		}
		runs, err := pipeline.RunHistory(5)
		if err != nil {
			log.Fatalf("stats: %v", err)
		}
		fmt.Println("recent runs:")
		for _, r := range runs {
			fmt.Printf("  %s tag=%s classified=%d accepted=%d queued=%d errors=%d\n",
				r.StartedAt.Format("2006-01-02 15:04"), r.VersionTag, r.ClassifiedCount,
				r.AcceptedCount, r.QueuedCount, r.ErrorCount)
		}

	default:
		usage()
	}
}
