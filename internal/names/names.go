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

// Package names implements the string-normalization and stem-matching
// helpers (C2) used to pick the main executable out of an artifact's
// referenced-path list.
package names

import (
	"path/filepath"
	"strings"
)

// NoMatch is returned by BestMatch when no candidate scores above zero.
const NoMatch = "no match"

// Normalize lowercases name and strips everything that isn't a letter or a
// digit.
func Normalize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r - 'A' + 'a')
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		}
	}
	return b.String()
}

// StemFromArtifact derives the executable stem from a prefetch artifact's
// filename, which has the form EXE-HASH.pf: the stem is everything before
// the first '-' in the filename component of the path.
func StemFromArtifact(filename string) string {
	base := filepath.Base(filename)
	if i := strings.IndexByte(base, '-'); i >= 0 {
		return base[:i]
	}
	return base
}

// commonPrefixLen returns the number of leading runes shared by a and b.
func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// BestMatch picks the path in paths whose normalized basename has the
// greatest common-prefix length with the normalized stem, with a +2 bonus
// when the normalized stem appears anywhere in the candidate's normalized
// basename. Ties are broken by first occurrence in paths. If every
// candidate scores zero, NoMatch is returned.
func BestMatch(stem string, paths []string) string {
	normStem := Normalize(stem)

	best := NoMatch
	bestScore := 0
	for _, p := range paths {
		normBase := Normalize(filepath.Base(p))
		score := commonPrefixLen(normStem, normBase)
		if normStem != "" && strings.Contains(normBase, normStem) {
			score += 2
		}
		if score > bestScore {
			bestScore = score
			best = p
		}
	}
	if bestScore == 0 {
		return NoMatch
	}
	return best
}
