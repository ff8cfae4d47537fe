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

package artifact

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// layout describes the fixed header offsets for one on-disk format version,
// per spec.md §4.4.
type layout struct {
	version                int
	filenameTableOffsetOff int
	filenameTableSizeOff   int
	executionTimeBaseOff   int
	runCountOff            int
}

var layouts = map[int]layout{
	17: {version: 17, filenameTableOffsetOff: 0x64, filenameTableSizeOff: 0x68, executionTimeBaseOff: 0x78, runCountOff: 0x90},
	23: {version: 23, filenameTableOffsetOff: 0x64, filenameTableSizeOff: 0x68, executionTimeBaseOff: 0x80, runCountOff: 0x98},
	26: {version: 26, filenameTableOffsetOff: 0x64, filenameTableSizeOff: 0x68, executionTimeBaseOff: 0x80, runCountOff: 0xD0},
	30: {version: 30, filenameTableOffsetOff: 0x64, filenameTableSizeOff: 0x68, executionTimeBaseOff: 0x80, runCountOff: 0xD0},
	31: {version: 31, filenameTableOffsetOff: 0x64, filenameTableSizeOff: 0x68, executionTimeBaseOff: 0x80, runCountOff: 0xD0},
}

const (
	versionOff     = 0x00
	magicOff       = 0x04
	declaredSizeOff = 0x0C
	maxExecutionTimes = 8
)

// ErrUnsupportedVersion is returned when the decoded version field doesn't
// match one of the five known layouts.
type ErrUnsupportedVersion struct{ Version uint32 }

func (e *ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("artifact: unsupported format version %d", e.Version)
}

// readU32 bounds-checks a 4-byte little-endian read, returning ok=false
// (rather than a partial/garbage value) when it would run past buf.
func readU32(buf []byte, off int) (uint32, bool) {
	if off < 0 || off+4 > len(buf) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf[off:]), true
}

func readU64(buf []byte, off int) (uint64, bool) {
	if off < 0 || off+8 > len(buf) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[off:]), true
}

// Decode parses a decompressed artifact buffer into a Record. sourceName is
// the artifact's filename as it appeared on disk, recorded verbatim on the
// result. Every field read is bounds-checked against buf; an out-of-range
// read yields an empty value for that field, per spec.md §4.4, rather than
// rejecting the whole artifact — except for the version field itself, whose
// absence or unrecognized value rejects the artifact outright (spec.md §3).
func Decode(sourceName string, buf []byte) (*Record, error) {
	versionRaw, ok := readU32(buf, versionOff)
	if !ok {
		return nil, fmt.Errorf("artifact: buffer too short to contain a version field")
	}
	lay, known := layouts[int(versionRaw)]
	if !known {
		return nil, &ErrUnsupportedVersion{Version: versionRaw}
	}

	rec := &Record{
		SourceName:    sourceName,
		FormatVersion: lay.version,
	}

	if magicBytes := sliceAt(buf, magicOff, 4); magicBytes != nil {
		rec.FormatMagic = string(magicBytes)
	}

	if sz, ok := readU32(buf, declaredSizeOff); ok {
		rec.DeclaredSize = sz
	}

	if rc, ok := readU32(buf, lay.runCountOff); ok {
		rec.RunCount = rc
	}

	rec.ReferencedPaths = decodeFilenameTable(buf, lay)
	rec.ExecutionTimes = decodeExecutionTimes(buf, lay)

	return rec, nil
}

func sliceAt(buf []byte, off, n int) []byte {
	if off < 0 || off+n > len(buf) {
		return nil
	}
	return buf[off : off+n]
}

// decodeFilenameTable reads the NUL-separated block of UTF-16LE strings
// describing every file referenced on the artifact's first run.
func decodeFilenameTable(buf []byte, lay layout) []string {
	tableOff, ok1 := readU32(buf, lay.filenameTableOffsetOff)
	tableSize, ok2 := readU32(buf, lay.filenameTableSizeOff)
	if !ok1 || !ok2 {
		return nil
	}
	table := sliceAt(buf, int(tableOff), int(tableSize))
	if table == nil {
		return nil
	}
	return splitUTF16Strings(table)
}

// splitUTF16Strings splits a block of NUL(u16)-terminated UTF-16LE strings.
// A trailing string missing its terminator is still emitted, per spec.md §8.
func splitUTF16Strings(block []byte) []string {
	var result []string
	var current []uint16
	n := len(block) / 2
	for i := 0; i < n; i++ {
		u := binary.LittleEndian.Uint16(block[i*2:])
		if u == 0 {
			if len(current) > 0 {
				result = append(result, string(utf16.Decode(current)))
				current = nil
			}
			continue
		}
		current = append(current, u)
	}
	if len(current) > 0 {
		result = append(result, string(utf16.Decode(current)))
	}
	return result
}

// decodeExecutionTimes reads up to 8 64-bit platform timestamps (100ns
// ticks since the platform epoch) starting at the format's execution-time
// base, converts each nonzero slot to unix seconds, and drops zero slots. A
// 9th slot, if present in the buffer, is never read.
func decodeExecutionTimes(buf []byte, lay layout) []int64 {
	var times []int64
	for i := 0; i < maxExecutionTimes; i++ {
		off := lay.executionTimeBaseOff + i*8
		raw, ok := readU64(buf, off)
		if !ok || raw == 0 {
			continue
		}
		times = append(times, platformTicksToUnix(raw))
	}
	return times
}

// platformTicksToUnix converts 100-ns ticks since the platform epoch
// (1601-01-01) to unix seconds.
func platformTicksToUnix(ticks uint64) int64 {
	const ticksPerSecond = 10_000_000
	const epochDeltaSeconds = 11644473600
	return int64(ticks/ticksPerSecond) - epochDeltaSeconds
}
