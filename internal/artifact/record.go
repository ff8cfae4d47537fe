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

// Package artifact implements the binary decoder for prefetch trace files
// (C4) and defines the ArtifactRecord data model (spec.md §3).
package artifact

// Signature classifies the trust status of a path.
type Signature int

const (
	// NotFound means the path could not be resolved to an existing file.
	NotFound Signature = iota
	Signed
	Unsigned
	Cheat
	Fake
)

func (s Signature) String() string {
	switch s {
	case Signed:
		return "Signed"
	case Unsigned:
		return "Unsigned"
	case Cheat:
		return "Cheat"
	case Fake:
		return "Fake"
	default:
		return "NotFound"
	}
}

// MarshalJSON renders Signature as its string name.
func (s Signature) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Record is one parsed, classified trace artifact (spec.md §3
// ArtifactRecord).
type Record struct {
	SourceName    string `json:"source_name"`
	FormatVersion int    `json:"format_version"`
	FormatMagic   string `json:"format_magic"`
	DeclaredSize  uint32 `json:"declared_size"`
	RunCount      uint32 `json:"run_count"`

	MainExecutablePath string   `json:"main_executable_path"`
	ReferencedPaths    []string `json:"referenced_paths"`
	ExecutionTimes     []int64  `json:"execution_times"`

	MainSignature        Signature   `json:"main_signature"`
	ReferencedSignatures []Signature `json:"referenced_signatures"`
	MatchedRules         []string    `json:"matched_rules"`
}

// PromoteCheat applies the invariant from spec.md §3: if any referenced
// signature is Cheat, the main signature is promoted to Cheat too.
func (r *Record) PromoteCheat() {
	for _, sig := range r.ReferencedSignatures {
		if sig == Cheat {
			r.MainSignature = Cheat
			return
		}
	}
}

// AddMatchedRule records rule as having fired, without duplicating it.
func (r *Record) AddMatchedRule(rule string) {
	for _, existing := range r.MatchedRules {
		if existing == rule {
			return
		}
	}
	r.MatchedRules = append(r.MatchedRules, rule)
}
