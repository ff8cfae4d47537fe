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

package scan

import (
	"os"
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/anonymouse64/pftrace/internal/artifact"
	"github.com/anonymouse64/pftrace/internal/rules"
	"github.com/anonymouse64/pftrace/internal/trust"
	"github.com/anonymouse64/pftrace/internal/volserial"
)

func Test(t *testing.T) { TestingT(t) }

type coordinatorSuite struct{}

var _ = Suite(&coordinatorSuite{})

type allowAllPlatform struct{}

func (allowAllPlatform) SelfImagePath() (string, error) { return "", nil }
func (allowAllPlatform) VerifyEmbedded(path string) (trust.EmbeddedVerifyResult, error) {
	return trust.EmbeddedVerifyResult{}, nil
}
func (allowAllPlatform) VerifyCatalog(path string, fileHash trust.Sha1Hash) (bool, error) {
	return false, nil
}
func (allowAllPlatform) CertificateStoreHashes() (map[trust.Sha1Hash]bool, error) {
	return map[trust.Sha1Hash]bool{}, nil
}

type noOpEngine struct{}

func (noOpEngine) ScanFile(path string) ([]string, error) { return nil, nil }

// uncompressedV30 builds a minimal, well-formed v30 artifact buffer
// following the field offsets in spec.md §4.4 (filename table at 0x64/0x68,
// execution times at 0x80, run count at 0xD0).
func uncompressedV30(filenames []string) []byte {
	const tableOff = 0x200
	buf := make([]byte, tableOff+256)
	le32put(buf, 0x00, 30)
	copy(buf[0x04:0x08], "SCCA")
	le32put(buf, 0x0C, uint32(len(buf)))

	var table []byte
	for _, f := range filenames {
		for _, r := range f {
			table = append(table, byte(r), 0)
		}
		table = append(table, 0, 0)
	}
	le32put(buf, 0x64, tableOff)
	le32put(buf, 0x68, uint32(len(table)))
	copy(buf[tableOff:], table)
	return buf
}

func le32put(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

func (s *coordinatorSuite) TestScanEnumeratesAndClassifies(c *C) {
	dir := c.MkDir()
	err := os.WriteFile(filepath.Join(dir, "NOTEPAD.EXE-ABCDEF12.pf"),
		uncompressedV30([]string{`\Windows\System32\notepad.exe`}), 0644)
	c.Assert(err, IsNil)
	err = os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("not a prefetch file"), 0644)
	c.Assert(err, IsNil)

	coordinator := New(dir, volserial.New(), trust.NewResolver(allowAllPlatform{}), rules.NewScanner(noOpEngine{}))

	result, err := coordinator.Scan()
	c.Assert(err, IsNil)
	c.Assert(result.RunID, Not(Equals), "")

	progress := coordinator.Progress()
	c.Check(progress.Total, Equals, 1)
	c.Check(progress.Processed, Equals, 1)
	c.Check(progress.InProgress, Equals, false)

	c.Assert(result.Records, HasLen, 1)
	c.Check(result.Records[0].MainExecutablePath, Equals, `\Windows\System32\notepad.exe`)
	c.Check(result.Records[0].MainSignature, Equals, artifact.Signed)
}

func (s *coordinatorSuite) TestScanDropsUndecodableArtifactsSilently(c *C) {
	dir := c.MkDir()
	err := os.WriteFile(filepath.Join(dir, "broken.pf"), []byte("too short"), 0644)
	c.Assert(err, IsNil)

	coordinator := New(dir, volserial.New(), trust.NewResolver(allowAllPlatform{}), rules.NewScanner(noOpEngine{}))
	result, err := coordinator.Scan()
	c.Assert(err, IsNil)
	c.Check(result.Records, HasLen, 0)
}

func (s *coordinatorSuite) TestClassifyReferencesPreservesOrder(c *C) {
	// Allowlisted paths resolve to Signed and missing ones to NotFound, so
	// the expected slice only matches if every result lands at its own index.
	paths := []string{"a", `C:\Windows\System32\notepad.exe`, "c", "d", `C:\Windows\explorer.exe`, "f", "g"}
	resolver := trust.NewResolver(allowAllPlatform{})
	sigs := classifyReferences(paths, resolver)
	c.Assert(sigs, HasLen, len(paths))
	c.Check(sigs, DeepEquals, []artifact.Signature{
		artifact.NotFound, artifact.Signed, artifact.NotFound, artifact.NotFound,
		artifact.Signed, artifact.NotFound, artifact.NotFound,
	})
}
