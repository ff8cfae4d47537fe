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

// Package trust implements the signature resolver (C5): the trust
// classification pipeline, its caches, and the catalog fallback.
package trust

// Sha1Hash is a raw SHA-1 digest, used as a cache key throughout this
// package (header hashes, certificate hashes, full-file hashes).
type Sha1Hash [20]byte

// EmbeddedVerifyResult is what the platform trust service reports for an
// embedded (Authenticode) signature check.
type EmbeddedVerifyResult struct {
	Verified    bool
	CertSubject string
	CertSHA1    Sha1Hash
}

// Platform is the seam between the classification pipeline and the
// platform trust/crypto services (spec.md §6 external inputs). The real
// implementation binds to wintrust.dll/crypt32.dll; tests substitute a fake.
type Platform interface {
	// SelfImagePath returns the inspector's own executable path, used for
	// the self-path short-circuit (decision step 3).
	SelfImagePath() (string, error)

	// VerifyEmbedded asks the platform trust service (WinVerifyTrust) to
	// check path's embedded Authenticode signature.
	VerifyEmbedded(path string) (EmbeddedVerifyResult, error)

	// VerifyCatalog asks the platform trust service to verify path under
	// ChoiceCatalog semantics against the catalog entries matching
	// fileHash. Catalog lookups for a single file may run in parallel; the
	// first success short-circuits the rest.
	VerifyCatalog(path string, fileHash Sha1Hash) (bool, error)

	// CertificateStoreHashes enumerates the SHA-1 hashes of every
	// certificate across the full set of snapshotted stores (spec.md §4.5),
	// for both user and machine contexts. Called at most once per process
	// lifetime by the resolver; the platform implementation owns releasing
	// any native handles it opens along the way.
	CertificateStoreHashes() (map[Sha1Hash]bool, error)
}

// forcedSignedAllowlist is the static set of paths always treated as
// Signed, normalized by stripping the platform-install drive prefix and
// uppercasing (decision step 2). Per spec.md §9 this list's
// configurability is an open question resolved conservatively: it stays a
// hardcoded constant, not user-configurable.
var forcedSignedAllowlist = map[string]bool{
	`\WINDOWS\SYSTEM32\NTDLL.DLL`:    true,
	`\WINDOWS\SYSTEM32\KERNEL32.DLL`: true,
	`\WINDOWS\SYSTEM32\NOTEPAD.EXE`:  true,
	`\WINDOWS\EXPLORER.EXE`:          true,
	`\WINDOWS\SYSTEM32\SVCHOST.EXE`:  true,
}

// cheatSignerSubstrings are lowercase fragments that mark a signing
// certificate's subject as a known-bad signer (decision step 8).
var cheatSignerSubstrings = []string{
	"autoclicker signing authority",
	"cheatengine",
	"unlocker certification",
}
