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

// Package report builds the trust-status reporter's text output (C9):
// registry tuning knobs, artifact-directory attribute flags, duplicate
// content hashes, service-thread liveness, and FileInfo driver/service
// state, in the stable order and tagged-line format of spec.md §4.9.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/anonymouse64/pftrace/internal/logging"
)

var log = logging.WithComponent("report")

// TuningState is the decoded value of a prefetch/superfetch tuning knob.
type TuningState int

const (
	Disabled TuningState = iota
	BootOnly
	AppOnly
	Enabled
	UnknownTuning
)

func (t TuningState) String() string {
	switch t {
	case Disabled:
		return "Disabled"
	case BootOnly:
		return "BootOnly"
	case AppOnly:
		return "AppOnly"
	case Enabled:
		return "Enabled"
	default:
		return "Unknown"
	}
}

// DecodeTuningState maps the raw registry DWORD to a TuningState
// (spec.md §4.9 step 1).
func DecodeTuningState(raw uint32) TuningState {
	switch raw {
	case 0:
		return Disabled
	case 1:
		return BootOnly
	case 2:
		return AppOnly
	case 3:
		return Enabled
	default:
		return UnknownTuning
	}
}

// RegistryTuning is the decoded memory-management tuning state.
type RegistryTuning struct {
	EnablePrefetcher TuningState
	EnableSuperfetch TuningState
	LastWriteTime    time.Time
}

// AttributeFlag records an artifact file carrying the Hidden or ReadOnly
// attribute.
type AttributeFlag struct {
	Path     string
	Hidden   bool
	ReadOnly bool
}

// DuplicateGroup is a set of artifact files sharing one SHA-256 content hash.
type DuplicateGroup struct {
	Hash  string
	Paths []string
}

// ServiceLiveness is the outcome of the 10-second double-sample thread
// liveness probe.
type ServiceLiveness struct {
	Sampled bool
	Active  bool
}

// EventRecord is one FileInfo-tagged kernel event (ID 1 unloaded, ID 6
// loaded) observed since logon.
type EventRecord struct {
	ID   int
	Time time.Time
}

// DriverStatus is the FileInfo driver/service state.
type DriverStatus struct {
	ServiceRunning bool
	DriverLoaded   bool
	Events         []EventRecord
}

// Platform is the seam over the registry, filesystem-attribute, process,
// and event-log reads that back the reporter (spec.md §6). The real
// implementation is Windows-only; tests substitute a fake.
type Platform interface {
	RegistryTuning() (RegistryTuning, error)
	ArtifactAttributes(dir string) ([]AttributeFlag, error)
	ServiceThreadLiveness(serviceName string) (ServiceLiveness, error)
	FileInfoDriverStatus() (DriverStatus, error)
}

// HashArtifacts computes the SHA-256 of every *.pf file directly under dir
// and groups paths sharing a hash (spec.md §4.9 step 3). Singleton hashes
// are omitted from the result.
func HashArtifacts(dir string) ([]DuplicateGroup, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "report: listing artifact directory")
	}

	byHash := make(map[string][]string)
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".pf") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		hash, err := hashFile(path)
		if err != nil {
			log.WithError(err).WithField("path", path).Debug("could not hash artifact for duplicate detection")
			continue
		}
		byHash[hash] = append(byHash[hash], path)
	}

	var groups []DuplicateGroup
	for hash, paths := range byHash {
		if len(paths) < 2 {
			continue
		}
		sort.Strings(paths)
		groups = append(groups, DuplicateGroup{Hash: hash, Paths: paths})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Hash < groups[j].Hash })
	return groups, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Generate runs the full C9 pipeline against dir and platform and returns
// the rendered text report.
func Generate(dir string, platform Platform) (string, error) {
	var b strings.Builder

	tuning, err := platform.RegistryTuning()
	if err != nil {
		fmt.Fprintf(&b, "[ERROR] could not read tuning registry key: %s\n", err)
	} else {
		writeTuning(&b, tuning)
	}

	attrs, err := platform.ArtifactAttributes(dir)
	if err != nil {
		fmt.Fprintf(&b, "[ERROR] could not list artifact directory attributes: %s\n", err)
	} else {
		writeAttributes(&b, attrs)
	}

	dups, err := HashArtifacts(dir)
	if err != nil {
		fmt.Fprintf(&b, "[ERROR] could not hash artifact directory: %s\n", err)
	} else {
		writeDuplicates(&b, dups)
	}

	liveness, err := platform.ServiceThreadLiveness("SysMain")
	if err != nil {
		fmt.Fprintf(&b, "[ERROR] could not sample service thread liveness: %s\n", err)
	} else {
		writeLiveness(&b, liveness)
	}

	driver, err := platform.FileInfoDriverStatus()
	if err != nil {
		fmt.Fprintf(&b, "[ERROR] could not read FileInfo driver/service status: %s\n", err)
	} else {
		writeDriverStatus(&b, driver)
	}

	return b.String(), nil
}

func writeTuning(b *strings.Builder, t RegistryTuning) {
	fmt.Fprintf(b, "[/] EnablePrefetcher=%s EnableSuperfetch=%s (key last written %s)\n",
		t.EnablePrefetcher, t.EnableSuperfetch, t.LastWriteTime.Format(time.RFC3339))
}

func writeAttributes(b *strings.Builder, attrs []AttributeFlag) {
	if len(attrs) == 0 {
		fmt.Fprintln(b, "[+] no hidden or read-only artifacts found")
		return
	}
	for _, a := range attrs {
		var flags []string
		if a.Hidden {
			flags = append(flags, "Hidden")
		}
		if a.ReadOnly {
			flags = append(flags, "ReadOnly")
		}
		fmt.Fprintf(b, "[-] %s: %s\n", a.Path, strings.Join(flags, ","))
	}
}

func writeDuplicates(b *strings.Builder, groups []DuplicateGroup) {
	if len(groups) == 0 {
		fmt.Fprintln(b, "[+] no duplicate-hash artifacts found")
		return
	}
	for _, g := range groups {
		fmt.Fprintf(b, "[#] %s shared by %d files: %s\n", g.Hash, len(g.Paths), strings.Join(g.Paths, ", "))
	}
}

func writeLiveness(b *strings.Builder, l ServiceLiveness) {
	if !l.Sampled {
		fmt.Fprintln(b, "[SERVICE] could not locate prefetch service thread")
		return
	}
	if l.Active {
		fmt.Fprintln(b, "[SERVICE] prefetch service thread: Active")
	} else {
		fmt.Fprintln(b, "[SERVICE] prefetch service thread: Suspended")
	}
}

func writeDriverStatus(b *strings.Builder, d DriverStatus) {
	fmt.Fprintf(b, "[DRIVER] FileInfo service running=%t, FileInfo.sys loaded=%t\n", d.ServiceRunning, d.DriverLoaded)
	for _, e := range d.Events {
		action := "loaded"
		if e.ID == 1 {
			action = "unloaded"
		}
		fmt.Fprintf(b, "[DRIVER] event id=%d (%s) at %s\n", e.ID, action, e.Time.Format(time.RFC3339))
	}
}
