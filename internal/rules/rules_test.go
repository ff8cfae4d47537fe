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

package rules

import (
	"os"
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/anonymouse64/pftrace/internal/artifact"
)

func Test(t *testing.T) { TestingT(t) }

type rulesSuite struct{}

var _ = Suite(&rulesSuite{})

type countingEngine struct {
	calls int
	rules map[string][]string
}

func (e *countingEngine) ScanFile(path string) ([]string, error) {
	e.calls++
	return e.rules[path], nil
}

func writeFile(c *C, dir, name, content string) string {
	p := filepath.Join(dir, name)
	c.Assert(os.WriteFile(p, []byte(content), 0644), IsNil)
	return p
}

func (s *rulesSuite) TestDefaultEngineMatchesThreeOrMoreOccurrences(c *C) {
	dir := c.MkDir()
	p := writeFile(c, dir, "app.exe", "AutoClicker loaded. AutoClicker running. AutoClicker done.")

	matched, err := Default().ScanFile(p)
	c.Assert(err, IsNil)
	c.Check(matched, DeepEquals, []string{"STRINGS"})
}

func (s *rulesSuite) TestDefaultEngineRequiresMinimumCount(c *C) {
	dir := c.MkDir()
	p := writeFile(c, dir, "app.exe", "AutoClicker loaded once.")

	matched, err := Default().ScanFile(p)
	c.Assert(err, IsNil)
	c.Check(matched, HasLen, 0)
}

func (s *rulesSuite) TestScannerCachesPerPath(c *C) {
	engine := &countingEngine{rules: map[string][]string{"a.exe": {"STRINGS"}}}
	scanner := NewScanner(engine)

	first := scanner.ScanUnsigned("a.exe")
	second := scanner.ScanUnsigned("a.exe")
	c.Check(first, DeepEquals, []string{"STRINGS"})
	c.Check(second, DeepEquals, []string{"STRINGS"})
	c.Check(engine.calls, Equals, 1)
}

func (s *rulesSuite) TestUpgradeUnsignedPromotesMatchedReferenceAndMain(c *C) {
	engine := &countingEngine{rules: map[string][]string{
		`C:\Users\x\AutoClicker.exe`: {"STRINGS"},
	}}
	scanner := NewScanner(engine)

	rec := &artifact.Record{
		MainSignature: artifact.Signed,
		ReferencedPaths: []string{
			`C:\Windows\System32\kernel32.dll`,
			`C:\Users\x\AutoClicker.exe`,
		},
		ReferencedSignatures: []artifact.Signature{
			artifact.Signed,
			artifact.Unsigned,
		},
	}

	UpgradeUnsigned(rec, scanner)

	c.Check(rec.ReferencedSignatures[0], Equals, artifact.Signed)
	c.Check(rec.ReferencedSignatures[1], Equals, artifact.Cheat)
	c.Check(rec.MainSignature, Equals, artifact.Cheat)
	c.Check(rec.MatchedRules, DeepEquals, []string{"STRINGS"})
}

func (s *rulesSuite) TestUpgradeUnsignedLeavesCleanArtifactsAlone(c *C) {
	engine := &countingEngine{rules: map[string][]string{}}
	scanner := NewScanner(engine)

	rec := &artifact.Record{
		MainSignature:        artifact.Signed,
		ReferencedPaths:      []string{`C:\Windows\System32\kernel32.dll`},
		ReferencedSignatures: []artifact.Signature{artifact.Signed},
	}

	UpgradeUnsigned(rec, scanner)

	c.Check(rec.MainSignature, Equals, artifact.Signed)
	c.Check(rec.MatchedRules, HasLen, 0)
	c.Check(engine.calls, Equals, 0)
}
