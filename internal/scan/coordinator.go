//go:build windows

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

// Package scan implements the parallel scan coordinator (C7): directory
// enumeration, the bounded worker pool over artifacts, and the
// referenced-path fan-out within a single artifact.
package scan

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/anonymouse64/pftrace/internal/artifact"
	"github.com/anonymouse64/pftrace/internal/decompress"
	"github.com/anonymouse64/pftrace/internal/logging"
	"github.com/anonymouse64/pftrace/internal/rules"
	"github.com/anonymouse64/pftrace/internal/scanconfig"
	"github.com/anonymouse64/pftrace/internal/trust"
	"github.com/anonymouse64/pftrace/internal/volserial"
)

var log = logging.WithComponent("scan")

// Progress is a snapshot of the coordinator's progress counters
// (spec.md §4.7).
type Progress struct {
	Processed   int
	Total       int
	CurrentPath string
	InProgress  bool
}

// Result is the outcome of one Scan invocation, stamped with a unique run
// identifier so separate scans can be told apart by callers that retain
// more than one (e.g. the CLI's --json output).
type Result struct {
	RunID   string
	Records []*artifact.Record
}

// Coordinator enumerates an artifact directory and drives decoding +
// classification across it (C7). A Coordinator's result buffer lives only
// across one Scan invocation; construct a fresh one per scan if concurrent
// scans of the same directory are ever needed.
type Coordinator struct {
	ArtifactDir   string
	VolResolver   *volserial.Resolver
	TrustResolver *trust.Resolver
	RuleScanner   *rules.Scanner

	mu          sync.RWMutex
	processed   int
	total       int
	currentPath string
	inProgress  bool
}

// New constructs a Coordinator over dir, using resolver for volume-token
// rewriting, trustResolver for signature classification, and ruleScanner for
// the C6 upgrade pass.
func New(dir string, resolver *volserial.Resolver, trustResolver *trust.Resolver, ruleScanner *rules.Scanner) *Coordinator {
	return &Coordinator{
		ArtifactDir:   dir,
		VolResolver:   resolver,
		TrustResolver: trustResolver,
		RuleScanner:   ruleScanner,
	}
}

// Progress reports the coordinator's current progress (spec.md §4.7).
func (c *Coordinator) Progress() Progress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Progress{
		Processed:   c.processed,
		Total:       c.total,
		CurrentPath: c.currentPath,
		InProgress:  c.inProgress,
	}
}

func (c *Coordinator) setCurrentPath(path string) {
	c.mu.Lock()
	c.currentPath = path
	c.mu.Unlock()
}

func (c *Coordinator) incrementProcessed() {
	c.mu.Lock()
	c.processed++
	c.mu.Unlock()
}

// Scan walks ArtifactDir, decodes and classifies every *.pf file it finds,
// and returns the assembled records (spec.md §4.7). It blocks until every
// worker has drained its share of the task queue.
func (c *Coordinator) Scan() (*Result, error) {
	files, err := enumerateArtifacts(c.ArtifactDir)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.total = len(files)
	c.processed = 0
	c.inProgress = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inProgress = false
		c.mu.Unlock()
	}()

	tasks := make(chan string, len(files))
	for _, f := range files {
		tasks <- f
	}
	close(tasks)

	results := make(chan *artifact.Record, len(files))
	var wg sync.WaitGroup
	for i := 0; i < scanconfig.ArtifactWorkerCount; i++ {
		wg.Add(1)
		go c.worker(tasks, results, &wg)
	}
	wg.Wait()
	close(results)

	records := make([]*artifact.Record, 0, len(files))
	for r := range results {
		records = append(records, r)
	}

	return &Result{RunID: uuid.NewString(), Records: records}, nil
}

// worker drains tasks until the channel is closed, reporting progress before
// each artifact is handed off and silently dropping anything that fails to
// decode or decompress (spec.md §4.7 failure handling).
func (c *Coordinator) worker(tasks <-chan string, results chan<- *artifact.Record, wg *sync.WaitGroup) {
	defer wg.Done()
	for path := range tasks {
		c.setCurrentPath(path)
		rec, err := c.processArtifact(path)
		if err != nil {
			log.WithError(err).WithField("path", path).Debug("dropping artifact")
		} else if rec != nil {
			results <- rec
		}
		c.incrementProcessed()
	}
}

// processArtifact runs a single file through C3-C6. Any panic surfaced by a
// malformed artifact is converted to an error so it can be dropped at the
// worker boundary like any other failure (spec.md §7 CoordinatorWorkerException).
func (c *Coordinator) processArtifact(path string) (rec *artifact.Record, err error) {
	defer func() {
		if p := recover(); p != nil {
			rec = nil
			err = &artifactPanicError{path: path, value: p}
		}
	}()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decompressed, err := decompress.Decompress(raw)
	if err != nil {
		return nil, err
	}

	rec, err = artifact.Decode(filepath.Base(path), decompressed)
	if err != nil {
		return nil, err
	}

	rec.ResolvePaths(c.VolResolver)
	rec.MainSignature = c.TrustResolver.Resolve(rec.MainExecutablePath)
	rec.ReferencedSignatures = classifyReferences(rec.ReferencedPaths, c.TrustResolver)
	rec.PromoteCheat()
	rules.UpgradeUnsigned(rec, c.RuleScanner)

	return rec, nil
}

type artifactPanicError struct {
	path  string
	value interface{}
}

func (e *artifactPanicError) Error() string {
	return "recovered panic decoding artifact"
}

// classifyReferences resolves every referenced path's signature, fanned out
// across at most scanconfig.ReferenceFanout goroutines. Each goroutine owns
// a disjoint, contiguous range of the output slice, so no synchronization is
// needed beyond the final wait — referenced_paths ordering is preserved
// exactly because ranges never overlap (spec.md §5 ordering guarantee).
func classifyReferences(paths []string, resolver *trust.Resolver) []artifact.Signature {
	n := len(paths)
	if n == 0 {
		return nil
	}

	fanout := scanconfig.ReferenceFanout
	if fanout > n {
		fanout = n
	}
	chunkSize := (n + fanout - 1) / fanout

	out := make([]artifact.Signature, n)
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				out[i] = resolver.Resolve(paths[i])
			}
		}(start, end)
	}
	wg.Wait()
	return out
}

// enumerateArtifacts lists every *.pf file directly under dir, matched
// case-insensitively on extension (spec.md §4.7 step 2).
func enumerateArtifacts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".pf") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
