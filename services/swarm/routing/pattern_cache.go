// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

// PatternCache persists the router's learned (task type, model) → best
// node observations in BadgerDB so the dashboard's routing block
// survives restarts. The PerformanceMemory itself is deliberately
// volatile — raw latency samples re-learn quickly from live traffic —
// but the aggregated patterns are cheap to keep and useful on day one
// after a restart.
//
// Storage layout:
//
//	routing/pattern/v1/{task_type}/{model}  →  gob-encoded Pattern
//	                                            TTL: 7 days

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// patternKeyPrefix versions the storage layout so a future format change
// cannot collide with old entries.
const patternKeyPrefix = "routing/pattern/v1/"

// patternTTL expires patterns that traffic stops refreshing. A week
// outlives weekends and short deployments without hoarding stale data.
const patternTTL = 7 * 24 * time.Hour

// Pattern is one learned routing observation.
type Pattern struct {
	TaskType     TaskType
	Model        string
	BestNodeURL  string
	AvgLatencyMS float64
	SampleCount  int
	UpdatedAt    time.Time
}

// PatternCache is nil-safe: a nil cache skips persistence entirely,
// which is the right behavior for tests and cache-less deployments.
//
// Thread Safety: safe for concurrent use; Badger transactions are
// per-goroutine.
type PatternCache struct {
	db     *badger.DB
	logger *slog.Logger
}

// OpenPatternCache opens (or creates) the cache at dir.
func OpenPatternCache(dir string, logger *slog.Logger) (*PatternCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening pattern cache at %s: %w", dir, err)
	}
	return &PatternCache{db: db, logger: logger}, nil
}

// Observe folds one successful routing outcome into the stored pattern.
// The stored best node is replaced when the new observation's running
// average beats it. Persistence failure is logged and swallowed; the
// cache is advisory.
func (c *PatternCache) Observe(taskType TaskType, model, nodeURL string, latencyMS float64) {
	if c == nil {
		return
	}
	key := patternKey(taskType, model)

	err := c.db.Update(func(txn *badger.Txn) error {
		current := Pattern{TaskType: taskType, Model: model}
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// First observation for this bucket.
		case err != nil:
			return fmt.Errorf("get pattern: %w", err)
		default:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("copy pattern: %w", err)
			}
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&current); err != nil {
				// Corrupt entry: overwrite it.
				current = Pattern{TaskType: taskType, Model: model}
			}
		}

		if current.BestNodeURL == nodeURL || current.SampleCount == 0 {
			// Running average for the incumbent.
			n := float64(current.SampleCount)
			current.AvgLatencyMS = (current.AvgLatencyMS*n + latencyMS) / (n + 1)
			current.BestNodeURL = nodeURL
		} else if latencyMS < current.AvgLatencyMS {
			// A different node beat the incumbent; start its average fresh.
			current.BestNodeURL = nodeURL
			current.AvgLatencyMS = latencyMS
		}
		current.SampleCount++
		current.UpdatedAt = time.Now()

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(current); err != nil {
			return fmt.Errorf("encode pattern: %w", err)
		}
		entry := badger.NewEntry(key, buf.Bytes()).WithTTL(patternTTL)
		return txn.SetEntry(entry)
	})
	if err != nil {
		c.logger.Warn("pattern cache write failed",
			slog.String("task_type", string(taskType)),
			slog.String("model", model),
			slog.String("error", err.Error()),
		)
	}
}

// Patterns returns every stored pattern, for the dashboard routing
// block. Nil cache returns nil.
func (c *PatternCache) Patterns() []Pattern {
	if c == nil {
		return nil
	}
	var out []Pattern
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(patternKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var p Pattern
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&p); err != nil {
				continue // skip corrupt entries
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("pattern cache scan failed", slog.String("error", err.Error()))
		return nil
	}
	return out
}

// TaskTypesLearned counts distinct task types with at least one pattern.
func (c *PatternCache) TaskTypesLearned() int {
	seen := make(map[TaskType]struct{})
	for _, p := range c.Patterns() {
		seen[p.TaskType] = struct{}{}
	}
	return len(seen)
}

// Close releases the underlying database. Nil-safe.
func (c *PatternCache) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}

func patternKey(taskType TaskType, model string) []byte {
	var b strings.Builder
	b.WriteString(patternKeyPrefix)
	b.WriteString(string(taskType))
	b.WriteByte('/')
	b.WriteString(model)
	return []byte(b.String())
}
