package main

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

// ResultCache stores oracle replies keyed by a fingerprint of the request,
// so re-running a pipeline over overlapping inputs never repeats a call.
type ResultCache struct {
	db      *sql.DB
	ttl     time.Duration
	enabled bool
}

func NewResultCache(db *sql.DB, cfg CacheConfig) *ResultCache {
	return &ResultCache{db: db, ttl: cfg.TTL(), enabled: cfg.Enabled}
}

// Fingerprint derives the cache key. Text is normalized (trimmed,
// whitespace collapsed) before hashing so trivially different requests
// share an entry. The prompt version participates so prompt changes
// invalidate naturally.
func Fingerprint(text, task, model, promptVersion string) string {
	normalized := strings.Join(strings.Fields(strings.TrimSpace(text)), " ")
	sum := sha256.Sum256([]byte(normalized + "|" + task + "|" + model + "|" + promptVersion))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached payload for key, or ok=false on a miss. Expired
// entries are deleted lazily on read.
func (c *ResultCache) Get(key string, out interface{}) (bool, error) {
	if !c.enabled {
		return false, nil
	}
	var payload string
	var createdAt time.Time
	err := c.db.QueryRow(`SELECT payload, created_at FROM cache_entries WHERE key = ?`, key).
		Scan(&payload, &createdAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache lookup: %w", err)
	}
	if time.Since(createdAt) > c.ttl {
		if _, err := c.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			log.Printf("cache expire delete failed key=%s: %v", key[:12], err)
		}
		return false, nil
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return false, fmt.Errorf("cache payload decode: %w", err)
	}
	return true, nil
}

func (c *ResultCache) Put(key, task string, value interface{}) error {
	if !c.enabled {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache payload encode: %w", err)
	}
	_, err = c.db.Exec(`INSERT OR REPLACE INTO cache_entries (key, task, payload, created_at) VALUES (?, ?, ?, ?)`,
		key, task, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}

// CleanupExpired removes entries past their TTL and returns the count.
func (c *ResultCache) CleanupExpired() (int64, error) {
	cutoff := time.Now().UTC().Add(-c.ttl)
	res, err := c.db.Exec(`DELETE FROM cache_entries WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cache cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("cache cleanup removed=%d", n)
	}
	return n, nil
}

// Stats reports entry counts per task.
func (c *ResultCache) Stats() (map[string]int, error) {
	rows, err := c.db.Query(`SELECT task, COUNT(*) FROM cache_entries GROUP BY task`)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	defer rows.Close()
	stats := make(map[string]int)
	for rows.Next() {
		var task string
		var n int
		if err := rows.Scan(&task, &n); err != nil {
			return nil, err
		}
		stats[task] = n
	}
	return stats, rows.Err()
}
