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

package artifact

import (
	"github.com/anonymouse64/pftrace/internal/names"
	"github.com/anonymouse64/pftrace/internal/volserial"
)

// ResolvePaths rewrites every referenced path's volume token (C1) and then
// picks the main executable out of the result (C2), filling in
// MainExecutablePath. If no referenced path matches the artifact's stem, the
// main path stays empty and MainSignature is left as NotFound by the
// caller's subsequent classification pass (spec.md §3 invariant).
func (r *Record) ResolvePaths(resolver *volserial.Resolver) {
	for i, p := range r.ReferencedPaths {
		rewritten, _ := resolver.Resolve(p)
		r.ReferencedPaths[i] = rewritten
	}

	stem := names.StemFromArtifact(r.SourceName)
	match := names.BestMatch(stem, r.ReferencedPaths)
	if match != names.NoMatch {
		r.MainExecutablePath = match
	}
}
