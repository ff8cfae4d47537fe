/*
 * Copyright (C) 2019 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package rules adapts the content-pattern rule engine (C6) to the trust
// pipeline. The engine itself is treated as an opaque collaborator exposing
// a single scan_file(path) -> matched_rule_ids entry point (spec.md §2); this
// package owns only the adapter: feeding Unsigned files to it, the
// process-wide rescanned-path set, and the classification upgrade.
package rules

import (
	"bufio"
	"os"
	"sync"

	"github.com/anonymouse64/pftrace/internal/artifact"
	"github.com/anonymouse64/pftrace/internal/logging"
)

var log = logging.WithComponent("rules")

// Engine is the seam over the external rule engine. The real engine is
// opaque and out of scope for this repository (spec.md §2); Default wires in
// a small literal-count engine for the single rule named in spec.md §8.
type Engine interface {
	// ScanFile returns the identifiers of every rule that fired against
	// the contents of path.
	ScanFile(path string) ([]string, error)
}

// literalCountRule fires when a literal byte string appears at least
// minCount times in a file's contents.
type literalCountRule struct {
	id       string
	literal  []byte
	minCount int
}

func (r literalCountRule) scan(data []byte) bool {
	count := 0
	for i := 0; i+len(r.literal) <= len(data); i++ {
		if string(data[i:i+len(r.literal)]) == string(r.literal) {
			count++
			if count >= r.minCount {
				return true
			}
			i += len(r.literal) - 1
		}
	}
	return false
}

// defaultEngine is a small stand-in implementation of the content-pattern
// rule engine: the STRINGS rule matches the spec.md §8 cheat-tool scenario
// (three or more occurrences of the literal "AutoClicker").
type defaultEngine struct {
	rules []literalCountRule
}

// Default returns the engine used when no external implementation is
// configured.
func Default() Engine {
	return defaultEngine{
		rules: []literalCountRule{
			{id: "STRINGS", literal: []byte("AutoClicker"), minCount: 3},
		},
	}
}

func (e defaultEngine) ScanFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := readAll(f)
	if err != nil {
		return nil, err
	}

	var matched []string
	for _, r := range e.rules {
		if r.scan(data) {
			matched = append(matched, r.id)
		}
	}
	return matched, nil
}

func readAll(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, info.Size())
	r := bufio.NewReader(f)
	chunk := make([]byte, 64*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

// Scanner wraps an Engine with the process-wide rescanned-path set named in
// spec.md §4.6. Safe for concurrent use by the scan coordinator's workers.
type Scanner struct {
	engine Engine

	mu      sync.Mutex
	scanned map[string][]string
}

// NewScanner constructs a Scanner backed by engine.
func NewScanner(engine Engine) *Scanner {
	return &Scanner{
		engine:  engine,
		scanned: make(map[string][]string),
	}
}

// ScanUnsigned feeds path through the rule engine and returns the matched
// rule identifiers, caching them for the process lifetime so later calls for
// the same path are served from cache. The lock is not held during the
// scan, so two calls racing on the same uncached path may each scan it.
func (s *Scanner) ScanUnsigned(path string) []string {
	s.mu.Lock()
	if matched, ok := s.scanned[path]; ok {
		s.mu.Unlock()
		return matched
	}
	s.mu.Unlock()

	matched, err := s.engine.ScanFile(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Debug("rule engine could not scan file")
		matched = nil
	}

	s.mu.Lock()
	s.scanned[path] = matched
	s.mu.Unlock()
	return matched
}

// UpgradeUnsigned runs every Unsigned referenced signature in rec through
// the scanner and promotes matches to Cheat, accumulating rule identifiers
// into rec.MatchedRules. If any referenced path is promoted, rec's main
// signature is promoted too (spec.md §4.6).
func UpgradeUnsigned(rec *artifact.Record, scanner *Scanner) {
	promoted := false
	for i, sig := range rec.ReferencedSignatures {
		if sig != artifact.Unsigned {
			continue
		}
		if i >= len(rec.ReferencedPaths) {
			continue
		}
		matched := scanner.ScanUnsigned(rec.ReferencedPaths[i])
		if len(matched) == 0 {
			continue
		}
		rec.ReferencedSignatures[i] = artifact.Cheat
		for _, rule := range matched {
			rec.AddMatchedRule(rule)
		}
		promoted = true
	}
	if promoted {
		rec.MainSignature = artifact.Cheat
	}
}
