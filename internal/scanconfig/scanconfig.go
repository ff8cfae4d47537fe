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

// Package scanconfig holds the tunable constants shared by the scan
// coordinator, signature resolver, and journal reader.
package scanconfig

import "runtime"

const (
	// ArtifactGlob matches prefetch trace files by extension, case-insensitively.
	ArtifactGlob = "*.pf"

	// ArtifactWorkerCount bounds the number of artifacts decoded and
	// classified concurrently by the scan coordinator (C7).
	ArtifactWorkerCount = 4

	// ReferenceFanout bounds the number of futures used to classify the
	// referenced paths of a single artifact concurrently.
	ReferenceFanout = 6

	// MinDecompressedSize is the minimum accepted size, in bytes, of a
	// decompressed artifact buffer.
	MinDecompressedSize = 256

	// HeaderProbeSize is the number of leading bytes read from a candidate
	// file to classify it without reading the whole file.
	HeaderProbeSize = 1024

	// CatalogHashChunkSize is the chunk size used when hashing a whole file
	// for catalog fallback lookups.
	CatalogHashChunkSize = 64 * 1024

	// JournalBufferSize is the size of the reusable buffer used to stream
	// change-journal records.
	JournalBufferSize = 32 * 1024 * 1024

	// ThreadLivenessSampleWindowSeconds is the fixed delay, in seconds,
	// between the two cycle-count samples taken of the prefetch service's worker thread.
	// Not tunable in the core; see spec open questions.
	ThreadLivenessSampleWindowSeconds = 10
)

// GlobalWorkerPoolSize returns the size of the shared worker pool used for
// catalog-verification fan-out, per spec.md §5: max(2, hardware_concurrency/2).
func GlobalWorkerPoolSize() int {
	n := runtime.NumCPU() / 2
	if n < 2 {
		return 2
	}
	return n
}

// PrefetchDirName is the well-known directory name watched for renames and
// deletions by the journal reader.
const PrefetchDirName = "Prefetch"
