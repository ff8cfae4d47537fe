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

// Package volserial resolves the \VOLUME{...-HHHHHHHH} tokens that the
// artifact decoder (C4) finds embedded in recorded paths, mapping the
// embedded hex volume serial to a presently mounted drive letter.
package volserial

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"golang.org/x/sys/windows"

	"github.com/anonymouse64/pftrace/internal/logging"
)

var log = logging.WithComponent("volserial")

// tokenRE matches the volume token and captures the trailing 8 hex digits of
// the embedded serial number, plus the remainder of the path that follows
// the closing brace.
var tokenRE = regexp.MustCompile(`^\\VOLUME\{[0-9A-Fa-f-]*-([0-9A-Fa-f]{8})\}(.*)$`)

// Resolver maps volume serials to drive letters. Mapping is computed once,
// lazily, on first use, and is safe for concurrent use thereafter.
type Resolver struct {
	once     sync.Once
	mapping  map[uint32]string
	buildErr error

	// buildMapping is overridden in tests to avoid real drive enumeration.
	buildMapping func() (map[uint32]string, error)
}

// New returns a Resolver with no mapping built yet.
func New() *Resolver {
	return &Resolver{buildMapping: enumerateDrives}
}

func (r *Resolver) ensureMapping() {
	r.once.Do(func() {
		r.mapping, r.buildErr = r.buildMapping()
		if r.buildErr != nil {
			log.WithError(r.buildErr).Warn("volume serial enumeration failed")
			r.mapping = map[uint32]string{}
		}
	})
}

// enumerateDrives builds the serial->drive-letter map via the logical-drive
// bitmask, per spec.md §9 open question resolution, rather than the separate
// logical-drive string-enumeration API.
func enumerateDrives() (map[uint32]string, error) {
	mapping := make(map[uint32]string)
	mask, err := windows.GetLogicalDrives()
	if err != nil {
		return nil, fmt.Errorf("enumerating logical drives: %w", err)
	}
	for i := 0; i < 26; i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		letter := string(rune('A'+i)) + ":"
		serial, err := volumeSerial(letter)
		if err != nil {
			log.WithError(err).WithField("drive", letter).Debug("skipping drive: could not read volume serial")
			continue
		}
		mapping[serial] = letter
	}
	return mapping, nil
}

func volumeSerial(driveLetter string) (uint32, error) {
	root := driveLetter + `\`
	rootPtr, err := windows.UTF16PtrFromString(root)
	if err != nil {
		return 0, err
	}
	var serial uint32
	var maxComponentLen, fsFlags uint32
	err = windows.GetVolumeInformation(
		rootPtr,
		nil, 0,
		&serial,
		&maxComponentLen,
		&fsFlags,
		nil, 0,
	)
	if err != nil {
		return 0, err
	}
	return serial, nil
}

// Resolve rewrites the leading \VOLUME{...-HHHHHHHH} token in path, if
// present, with the drive letter currently owning that serial number. If the
// path has no such token, or no drive matches, the original path is
// returned unchanged and drive letter is empty. Never fails.
func (r *Resolver) Resolve(path string) (rewritten string, driveLetter string) {
	m := tokenRE.FindStringSubmatch(path)
	if m == nil {
		return path, ""
	}
	serial64, err := strconv.ParseUint(m[1], 16, 32)
	if err != nil {
		return path, ""
	}
	r.ensureMapping()
	drive, ok := r.mapping[uint32(serial64)]
	if !ok {
		return path, ""
	}
	return drive + m[2], drive
}
