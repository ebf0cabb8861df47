package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
)

// LoadSourceRecords reads raw input texts from a JSONL file. Each line is
// either a SourceRecord object or a bare JSON string. Texts are trimmed,
// whitespace-collapsed and deduplicated case-insensitively; empty and
// out-of-bounds lines are dropped with a count in the log.
func LoadSourceRecords(path string, minLen, maxLen int) ([]SourceRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening input %s: %w", path, err)
	}
	defer f.Close()

	var records []SourceRecord
	seen := make(map[string]bool)
	dropped := 0

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var rec SourceRecord
		if strings.HasPrefix(line, "{") {
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				return nil, fmt.Errorf("input %s line %d: %w", path, lineNo, err)
			}
		} else {
			var text string
			if err := json.Unmarshal([]byte(line), &text); err != nil {
				return nil, fmt.Errorf("input %s line %d: %w", path, lineNo, err)
			}
			rec.Text = text
		}

		rec.Text = strings.Join(strings.Fields(rec.Text), " ")
		n := len([]rune(rec.Text))
		if n < minLen || n > maxLen {
			dropped++
			continue
		}
		key := strings.ToLower(rec.Text)
		if seen[key] {
			dropped++
			continue
		}
		seen[key] = true
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading input %s: %w", path, err)
	}
	if dropped > 0 {
		log.Printf("ingest kept=%d dropped=%d file=%s", len(records), dropped, path)
	}
	return records, nil
}
