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
	"testing"
	"time"
	"unicode/utf16"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type decodeSuite struct{}

var _ = Suite(&decodeSuite{})

// buildV30 assembles a minimal, well-formed v30 buffer of size totalSize,
// with the given filename-table strings and execution-time ticks, following
// the offsets in spec.md §4.4.
func buildV30(totalSize int, filenames []string, execTicks []uint64) []byte {
	buf := make([]byte, totalSize)
	binary.LittleEndian.PutUint32(buf[0x00:], 30)
	copy(buf[0x04:0x08], "SCCA")
	binary.LittleEndian.PutUint32(buf[0x0C:], uint32(totalSize))

	tableOff := 0x200
	var tableBytes []byte
	for _, f := range filenames {
		for _, u := range utf16.Encode([]rune(f)) {
			tableBytes = append(tableBytes, byte(u), byte(u>>8))
		}
		tableBytes = append(tableBytes, 0, 0)
	}
	if tableOff < len(buf) {
		copy(buf[tableOff:], tableBytes)
	}
	binary.LittleEndian.PutUint32(buf[0x64:], uint32(tableOff))
	binary.LittleEndian.PutUint32(buf[0x68:], uint32(len(tableBytes)))

	for i, t := range execTicks {
		if i >= maxExecutionTimes {
			break
		}
		binary.LittleEndian.PutUint64(buf[0x80+i*8:], t)
	}

	binary.LittleEndian.PutUint32(buf[0xD0:], uint32(len(execTicks)))
	return buf
}

func unixToTicks(unix int64) uint64 {
	const ticksPerSecond = 10_000_000
	const epochDeltaSeconds = 11644473600
	return uint64(unix+epochDeltaSeconds) * ticksPerSecond
}

func (s *decodeSuite) TestDecodeUncompressedV30MainSignedScenario(c *C) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Unix()
	buf := buildV30(4096, []string{
		`\VOLUME{01D0A1B2-C3D4-0000-0000-000000000000}\Windows\System32\notepad.exe`,
	}, []uint64{unixToTicks(ts)})

	rec, err := Decode("NOTEPAD.EXE-AABBCCDD.pf", buf)
	c.Assert(err, IsNil)
	c.Check(rec.FormatVersion, Equals, 30)
	c.Check(rec.FormatMagic, Equals, "SCCA")
	c.Check(rec.ExecutionTimes, DeepEquals, []int64{ts})
	c.Check(rec.ReferencedPaths, HasLen, 1)
}

func (s *decodeSuite) TestDecodeUnknownVersionRejected(c *C) {
	buf := make([]byte, 512)
	binary.LittleEndian.PutUint32(buf[0x00:], 999)
	_, err := Decode("x.pf", buf)
	c.Assert(err, NotNil)
	_, isVersionErr := err.(*ErrUnsupportedVersion)
	c.Check(isVersionErr, Equals, true)
}

func (s *decodeSuite) TestDecodeExactlyEightExecutionTimesAllPreservedNinthIgnored(c *C) {
	ticks := make([]uint64, 9)
	for i := range ticks {
		ticks[i] = unixToTicks(int64(1700000000 + i))
	}
	buf := buildV30(4096, nil, ticks[:8])
	// Stamp a would-be 9th slot past the 8-slot window the decoder reads;
	// it must never be consulted.
	binary.LittleEndian.PutUint64(buf[0x80+8*8:], ticks[8])

	rec, err := Decode("x.pf", buf)
	c.Assert(err, IsNil)
	c.Check(rec.ExecutionTimes, HasLen, 8)
}

func (s *decodeSuite) TestDecodeZeroExecutionTimeSlotsDropped(c *C) {
	buf := buildV30(4096, nil, []uint64{unixToTicks(1700000000), 0, unixToTicks(1700000100)})
	rec, err := Decode("x.pf", buf)
	c.Assert(err, IsNil)
	c.Check(rec.ExecutionTimes, HasLen, 2)
}

func (s *decodeSuite) TestDecodeTrailingStringMissingNULIsEmitted(c *C) {
	buf := buildV30(4096, nil, nil)
	tableOff := 0x200
	raw := utf16.Encode([]rune(`C:\no\terminator.exe`))
	var tableBytes []byte
	for _, u := range raw {
		tableBytes = append(tableBytes, byte(u), byte(u>>8))
	}
	// deliberately omit the trailing NUL terminator
	copy(buf[tableOff:], tableBytes)
	binary.LittleEndian.PutUint32(buf[0x64:], uint32(tableOff))
	binary.LittleEndian.PutUint32(buf[0x68:], uint32(len(tableBytes)))

	rec, err := Decode("x.pf", buf)
	c.Assert(err, IsNil)
	c.Assert(rec.ReferencedPaths, HasLen, 1)
	c.Check(rec.ReferencedPaths[0], Equals, `C:\no\terminator.exe`)
}

func (s *decodeSuite) TestDecodeOutOfRangeFilenameTableYieldsEmptyNotError(c *C) {
	buf := buildV30(300, nil, nil)
	// Point the filename table beyond the buffer entirely.
	binary.LittleEndian.PutUint32(buf[0x64:], 0xFFFF)
	binary.LittleEndian.PutUint32(buf[0x68:], 16)

	rec, err := Decode("x.pf", buf)
	c.Assert(err, IsNil)
	c.Check(rec.ReferencedPaths, HasLen, 0)
}

func (s *decodeSuite) TestDecodeExactly256BytesAccepted(c *C) {
	buf := buildV30(256, nil, nil)
	// With a 256-byte buffer the default table offset of 0x200 (512) is out
	// of range; the decoder must still accept the artifact and simply
	// return no referenced paths.
	rec, err := Decode("x.pf", buf)
	c.Assert(err, IsNil)
	c.Check(rec.ReferencedPaths, HasLen, 0)
}
