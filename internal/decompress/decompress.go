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

// Package decompress implements the wire-level decompressor (C3): it
// detects the MAM-prefixed compressed trace-file variant, drives it through
// the platform's native decompression service (ntdll's RtlDecompressBuffer
// family, the same engine behind the Compression API), and passes the
// uncompressed SCCA variant through untouched.
package decompress

import (
	"encoding/binary"
	"errors"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Kind classifies why decompression failed, mirroring the error kinds in
// spec.md §7.
type Kind int

const (
	// UnsupportedFormat means the leading bytes are neither the MAM
	// preamble nor a recognizable uncompressed header.
	UnsupportedFormat Kind = iota
	// DecompressionFailed means the platform decompression service itself
	// returned an error.
	DecompressionFailed
	// TooShort means the resulting buffer (compressed or not) is below the
	// minimum accepted artifact size.
	TooShort
)

// Error wraps a Kind with its underlying cause, if any.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case UnsupportedFormat:
		return "decompress: unsupported format"
	case DecompressionFailed:
		return "decompress: decompression failed: " + e.Err.Error()
	case TooShort:
		return "decompress: buffer too short"
	default:
		return "decompress: unknown error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

const minDecompressedSize = 256

var (
	ntdll                              = windows.NewLazySystemDLL("ntdll.dll")
	procRtlGetCompressionWorkSpaceSize = ntdll.NewProc("RtlGetCompressionWorkSpaceSize")
	procRtlDecompressBufferEx          = ntdll.NewProc("RtlDecompressBufferEx")
)

// compressionFormat mirrors the engine IDs accepted by
// RtlGetCompressionWorkSpaceSize / RtlDecompressBufferEx; the MAM format
// nibble is passed through verbatim as this value.
type compressionFormat uint16

// Decompress detects whether buf is MAM-compressed or the plain SCCA
// variant and returns the uncompressed bytes.
func Decompress(buf []byte) ([]byte, error) {
	if len(buf) >= 8 && buf[0] == 'M' && buf[1] == 'A' && buf[2] == 'M' {
		return decompressMAM(buf)
	}
	if len(buf) >= 8 && string(buf[4:8]) == "SCCA" {
		if len(buf) < minDecompressedSize {
			return nil, &Error{Kind: TooShort}
		}
		return buf, nil
	}
	return nil, &Error{Kind: UnsupportedFormat}
}

func decompressMAM(buf []byte) ([]byte, error) {
	if len(buf) < 8 {
		return nil, &Error{Kind: UnsupportedFormat}
	}
	word0 := binary.LittleEndian.Uint32(buf[0:4])
	formatNibble := compressionFormat((word0 >> 24) & 0xF)
	decompressedSize := binary.LittleEndian.Uint32(buf[4:8])
	payload := buf[8:]

	out := make([]byte, decompressedSize)
	if decompressedSize == 0 {
		return nil, &Error{Kind: TooShort}
	}

	workspaceSize, err := compressionWorkspaceSizeFn(formatNibble)
	if err != nil {
		return nil, &Error{Kind: DecompressionFailed, Err: err}
	}
	var workspace []byte
	if workspaceSize > 0 {
		workspace = make([]byte, workspaceSize)
	}

	finalSize, err := rtlDecompressBufferExFn(formatNibble, out, payload, workspace)
	if err != nil {
		return nil, &Error{Kind: DecompressionFailed, Err: err}
	}
	out = out[:finalSize]
	if len(out) < minDecompressedSize {
		return nil, &Error{Kind: TooShort}
	}
	return out, nil
}

// compressionWorkspaceSizeFn and rtlDecompressBufferExFn are indirected
// through package vars, in the same spirit as the teacher's
// execCommandCombinedOutput hook, so tests can substitute the platform
// decompression service with an in-process fake.
var (
	compressionWorkspaceSizeFn = compressionWorkspaceSize
	rtlDecompressBufferExFn    = rtlDecompressBufferEx
)

func compressionWorkspaceSize(format compressionFormat) (uint32, error) {
	var compressWorkspace, decompressWorkspace uint32
	r0, _, _ := procRtlGetCompressionWorkSpaceSize.Call(
		uintptr(format),
		uintptr(unsafe.Pointer(&compressWorkspace)),
		uintptr(unsafe.Pointer(&decompressWorkspace)),
	)
	if ntStatusFailed(r0) {
		return 0, errors.New("RtlGetCompressionWorkSpaceSize failed")
	}
	return decompressWorkspace, nil
}

func rtlDecompressBufferEx(format compressionFormat, dst, src, workspace []byte) (uint32, error) {
	var finalSize uint32
	var workspacePtr unsafe.Pointer
	if len(workspace) > 0 {
		workspacePtr = unsafe.Pointer(&workspace[0])
	}
	r0, _, _ := procRtlDecompressBufferEx.Call(
		uintptr(format),
		uintptr(unsafe.Pointer(&dst[0])),
		uintptr(len(dst)),
		uintptr(unsafe.Pointer(&src[0])),
		uintptr(len(src)),
		uintptr(unsafe.Pointer(&finalSize)),
		uintptr(workspacePtr),
	)
	if ntStatusFailed(r0) {
		return 0, errors.New("RtlDecompressBufferEx failed")
	}
	return finalSize, nil
}

// ntStatusFailed reports whether an NTSTATUS value (returned in r0 from a
// raw ntdll.Call) represents failure. NTSTATUS is a signed 32-bit value;
// negative (high bit set) means error.
func ntStatusFailed(r0 uintptr) bool {
	return int32(r0) < 0
}
