// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// pattern_dump inspects the swarm router's learned-pattern cache.
//
// The router persists (task type, model) → best node observations in
// BadgerDB between restarts. This tool opens the cache read-only and
// prints a human-readable summary: each pattern's task type, model,
// current best node, running average latency, sample count, and TTL
// remaining.
//
// Usage:
//
//	pattern_dump [--path /path/to/pattern/cache]
//
// If --path is not given, reads SWARM_PATTERN_CACHE_DIR from the
// environment, falling back to ~/.swarm/cache/patterns/.
//
// Exit codes:
//
//	0 — success (including "empty cache" which prints a message and exits 0)
//	1 — error opening or reading the database
package main

import (
	"bytes"
	"encoding/gob"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/routing"
)

// patternKeyPrefix must match pattern_cache.go exactly.
const patternKeyPrefix = "routing/pattern/v1/"

func main() {
	pathFlag := flag.String("path", "", "Path to pattern BadgerDB directory (overrides SWARM_PATTERN_CACHE_DIR env var)")
	flag.Parse()

	dbPath := *pathFlag
	if dbPath == "" {
		dbPath = os.Getenv("SWARM_PATTERN_CACHE_DIR")
	}
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fatalf("cannot resolve home directory: %v", err)
		}
		dbPath = filepath.Join(home, ".swarm", "cache", "patterns")
	}

	fmt.Printf("Pattern cache path: %s\n", dbPath)

	// Check existence before trying to open — gives a cleaner error message
	// than BadgerDB's "no such file or directory" buried in a long error.
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("Cache directory does not exist. The router has not yet recorded any patterns.")
		fmt.Println("Run 'swarm serve' and route some traffic to populate the cache.")
		os.Exit(0)
	}

	opts := dgbadger.DefaultOptions(dbPath).
		WithLogger(nil). // suppress BadgerDB internal logs
		WithReadOnly(true)

	db, err := dgbadger.Open(opts)
	if err != nil {
		fatalf("open BadgerDB at %s: %v", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	type entry struct {
		key       string
		pattern   routing.Pattern
		expiresAt time.Time
		hasExpiry bool
		decodeErr error
	}

	var entries []entry

	err = db.View(func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(patternKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var e entry
			e.key = string(item.Key())

			// TTL: item.ExpiresAt() returns Unix seconds, 0 = no expiry.
			if expiresAt := item.ExpiresAt(); expiresAt > 0 {
				e.hasExpiry = true
				e.expiresAt = time.Unix(int64(expiresAt), 0)
			}

			raw, err := item.ValueCopy(nil)
			if err != nil {
				e.decodeErr = fmt.Errorf("copy value: %w", err)
				entries = append(entries, e)
				continue
			}
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e.pattern); err != nil {
				e.decodeErr = fmt.Errorf("gob decode: %w", err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		fatalf("read BadgerDB: %v", err)
	}

	if len(entries) == 0 {
		fmt.Println("\nNo routing patterns found.")
		fmt.Println("The cache exists but no successful routes have been recorded yet,")
		fmt.Println("or every stored pattern has expired.")
		os.Exit(0)
	}

	// Group-sort by task type, then model, for scanning by eye.
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	fmt.Printf("\nFound %d pattern%s:\n", len(entries), plural(len(entries), "", "s"))
	fmt.Println(strings.Repeat("─", 80))

	fmt.Printf("\n%-14s %-20s %-28s %9s %7s  %s\n",
		"Task Type", "Model", "Best Node", "AvgMS", "Samples", "TTL")
	fmt.Printf("%s %s %s %s %s  %s\n",
		strings.Repeat("─", 14), strings.Repeat("─", 20), strings.Repeat("─", 28),
		strings.Repeat("─", 9), strings.Repeat("─", 7), strings.Repeat("─", 16))

	for _, e := range entries {
		if e.decodeErr != nil {
			fmt.Printf("%-14s DECODE ERROR: %v (key %s)\n", "?", e.decodeErr, e.key)
			continue
		}
		p := e.pattern
		fmt.Printf("%-14s %-20s %-28s %9.1f %7d  %s\n",
			p.TaskType, p.Model, p.BestNodeURL, p.AvgLatencyMS, p.SampleCount, ttlString(e.hasExpiry, e.expiresAt))
	}

	fmt.Printf("\n%s\n", strings.Repeat("─", 80))
	fmt.Printf("Summary: %d pattern%s, cache path: %s\n",
		len(entries), plural(len(entries), "", "s"), dbPath)
}

// ttlString renders remaining TTL, or EXPIRED / none.
func ttlString(hasExpiry bool, expiresAt time.Time) string {
	if !hasExpiry {
		return "no expiry"
	}
	remaining := time.Until(expiresAt)
	if remaining < 0 {
		return fmt.Sprintf("EXPIRED %s ago", (-remaining).Round(time.Second))
	}
	return remaining.Round(time.Minute).String()
}

// plural returns singular or plural suffix based on count.
func plural(n int, singular, pluralSuffix string) string {
	if n == 1 {
		return singular
	}
	return pluralSuffix
}

// fatalf prints to stderr and exits 1.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "pattern_dump: "+format+"\n", args...)
	os.Exit(1)
}
