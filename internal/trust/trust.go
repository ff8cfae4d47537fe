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

package trust

import (
	"crypto/sha1"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/anonymouse64/pftrace/internal/artifact"
	"github.com/anonymouse64/pftrace/internal/logging"
	"github.com/anonymouse64/pftrace/internal/scanconfig"
)

var log = logging.WithComponent("trust")

// Resolver classifies paths per the decision pipeline in spec.md §4.5. It
// owns every process-lifetime cache named in spec.md §3 and is safe for
// concurrent use by the scan coordinator's worker pool.
type Resolver struct {
	platform Platform

	pathCacheMu sync.RWMutex
	pathCache   map[string]artifact.Signature

	headerHashCacheMu sync.RWMutex
	headerHashCache   map[Sha1Hash]artifact.Signature

	fullHashCacheMu sync.RWMutex
	fullHashCache   map[string]Sha1Hash

	catalogCacheMu sync.RWMutex
	catalogCache   map[Sha1Hash]bool

	certStoreOnce   sync.Once
	certStoreHashes map[Sha1Hash]bool
	certStoreErr    error

	selfPathOnce sync.Once
	selfPath     string
	selfPathErr  error
}

// NewResolver constructs a Resolver with empty, lazily-populated caches.
func NewResolver(p Platform) *Resolver {
	return &Resolver{
		platform:        p,
		pathCache:       make(map[string]artifact.Signature),
		headerHashCache: make(map[Sha1Hash]artifact.Signature),
		fullHashCache:   make(map[string]Sha1Hash),
		catalogCache:    make(map[Sha1Hash]bool),
	}
}

func (r *Resolver) cachedPath(path string) (artifact.Signature, bool) {
	r.pathCacheMu.RLock()
	defer r.pathCacheMu.RUnlock()
	sig, ok := r.pathCache[path]
	return sig, ok
}

func (r *Resolver) cachePath(path string, sig artifact.Signature) {
	r.pathCacheMu.Lock()
	defer r.pathCacheMu.Unlock()
	r.pathCache[path] = sig
}

func (r *Resolver) cachedHeaderHash(h Sha1Hash) (artifact.Signature, bool) {
	r.headerHashCacheMu.RLock()
	defer r.headerHashCacheMu.RUnlock()
	sig, ok := r.headerHashCache[h]
	return sig, ok
}

func (r *Resolver) cacheHeaderHash(h Sha1Hash, sig artifact.Signature) {
	r.headerHashCacheMu.Lock()
	defer r.headerHashCacheMu.Unlock()
	r.headerHashCache[h] = sig
}

func normalizeAllowlistPath(path string) string {
	upper := strings.ToUpper(path)
	if len(upper) >= 2 && upper[1] == ':' {
		upper = upper[2:]
	}
	return upper
}

func (r *Resolver) selfImagePath() string {
	r.selfPathOnce.Do(func() {
		r.selfPath, r.selfPathErr = r.platform.SelfImagePath()
		if r.selfPathErr != nil {
			log.WithError(r.selfPathErr).Warn("could not determine own image path")
		}
	})
	return r.selfPath
}

// Resolve classifies path per the decision pipeline in spec.md §4.5.
// Resolving the same path twice within a process lifetime always returns
// the same status (spec.md §8).
func (r *Resolver) Resolve(path string) artifact.Signature {
	// 1. path cache
	if sig, ok := r.cachedPath(path); ok {
		return sig
	}

	// 2. forced-signed allowlist
	if forcedSignedAllowlist[normalizeAllowlistPath(path)] {
		r.cachePath(path, artifact.Signed)
		return artifact.Signed
	}

	// 3. self-path
	if self := r.selfImagePath(); self != "" && strings.EqualFold(self, path) {
		r.cachePath(path, artifact.Signed)
		return artifact.Signed
	}

	// 4. not a regular file
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		r.cachePath(path, artifact.NotFound)
		return artifact.NotFound
	}

	// 5. header read
	header, err := readHeader(path, scanconfig.HeaderProbeSize)
	if err != nil {
		r.cachePath(path, artifact.NotFound)
		return artifact.NotFound
	}

	// 6. header-hash cache
	headerHash := Sha1Hash(sha1.Sum(header))
	if sig, ok := r.cachedHeaderHash(headerHash); ok {
		r.cachePath(path, sig)
		return sig
	}

	sig := r.classifyByContent(path, header)

	r.cacheHeaderHash(headerHash, sig)
	r.cachePath(path, sig)
	return sig
}

// classifyByContent runs decision steps 7-9: the magic check, embedded
// signature verification (with Fake-upgrade), and catalog fallback. Workers
// must not hold cache locks across these calls, since each may block on the
// filesystem or the trust service; this function takes none.
func (r *Resolver) classifyByContent(path string, header []byte) artifact.Signature {
	// 7. magic check
	if !looksLikePE(header) {
		return artifact.Signed
	}

	// 8. embedded signature verify
	result, err := r.platform.VerifyEmbedded(path)
	if err == nil && result.Verified {
		if isCheatSigner(result.CertSubject) {
			return artifact.Cheat
		}
		if r.isFakeCertificate(result.CertSHA1) {
			return artifact.Fake
		}
		return artifact.Signed
	}

	// 9. catalog fallback
	if ok := r.catalogFallback(path); ok {
		return artifact.Signed
	}
	return artifact.Unsigned
}

func isCheatSigner(subject string) bool {
	lower := strings.ToLower(subject)
	for _, frag := range cheatSignerSubstrings {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// isFakeCertificate reports whether certHash is present in any snapshotted
// local certificate store, per the Fake-upgrade check in spec.md §4.5. The
// snapshot is built once, under a write-lock, on first miss.
func (r *Resolver) isFakeCertificate(certHash Sha1Hash) bool {
	r.certStoreOnce.Do(func() {
		r.certStoreHashes, r.certStoreErr = r.platform.CertificateStoreHashes()
		if r.certStoreErr != nil {
			log.WithError(r.certStoreErr).Warn("could not snapshot certificate stores")
			r.certStoreHashes = map[Sha1Hash]bool{}
		}
	})
	return r.certStoreHashes[certHash]
}

// catalogFallback computes the full-file SHA-1 (cached per path) and asks
// the platform to verify the file under ChoiceCatalog semantics.
func (r *Resolver) catalogFallback(path string) bool {
	fileHash, err := r.fullFileHash(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Debug("catalog fallback: could not hash file")
		return false
	}

	r.catalogCacheMu.RLock()
	cached, ok := r.catalogCache[fileHash]
	r.catalogCacheMu.RUnlock()
	if ok {
		return cached
	}

	signed, err := r.platform.VerifyCatalog(path, fileHash)
	if err != nil {
		signed = false
	}

	r.catalogCacheMu.Lock()
	r.catalogCache[fileHash] = signed
	r.catalogCacheMu.Unlock()
	return signed
}

func (r *Resolver) fullFileHash(path string) (Sha1Hash, error) {
	r.fullHashCacheMu.RLock()
	h, ok := r.fullHashCache[path]
	r.fullHashCacheMu.RUnlock()
	if ok {
		return h, nil
	}

	h, err := hashFile(path)
	if err != nil {
		return Sha1Hash{}, err
	}

	r.fullHashCacheMu.Lock()
	r.fullHashCache[path] = h
	r.fullHashCacheMu.Unlock()
	return h, nil
}

// hashFile computes the SHA-1 of the whole file by streaming it in
// fixed-size chunks. The Resolver uses it for every full-file hash on every
// platform; the file is not memory-mapped.
func hashFile(path string) (Sha1Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return Sha1Hash{}, err
	}
	defer f.Close()

	h := sha1.New()
	buf := make([]byte, scanconfig.CatalogHashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return Sha1Hash{}, err
	}
	var out Sha1Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

func readHeader(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
}

// looksLikePE reports whether header begins with a DOS stub pointing to a
// PE header with a plausible section count (decision step 7).
func looksLikePE(header []byte) bool {
	if len(header) < 64 || header[0] != 'M' || header[1] != 'Z' {
		return false
	}
	peOffset := int(le32(header, 0x3C))
	if peOffset < 0 || peOffset+24 > len(header) {
		return false
	}
	if header[peOffset] != 'P' || header[peOffset+1] != 'E' || header[peOffset+2] != 0 || header[peOffset+3] != 0 {
		return false
	}
	numSections := int(le16(header, peOffset+6))
	return numSections >= 1 && numSections <= 96
}

func le16(b []byte, off int) uint16 {
	return uint16(b[off]) | uint16(b[off+1])<<8
}

func le32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}
