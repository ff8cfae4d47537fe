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

package names

import (
	"testing"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type namesSuite struct{}

var _ = Suite(&namesSuite{})

func (s *namesSuite) TestNormalize(c *C) {
	tt := []struct{ in, out string }{
		{"NOTEPAD.EXE", "notepadexe"},
		{"My-App_2.exe", "myapp2exe"},
		{"", ""},
	}
	for _, t := range tt {
		c.Check(Normalize(t.in), Equals, t.out)
	}
}

func (s *namesSuite) TestStemFromArtifact(c *C) {
	tt := []struct{ in, out string }{
		{`NOTEPAD.EXE-A1B2C3D4.pf`, "NOTEPAD.EXE"},
		{`C:\Prefetch\CHROME.EXE-DEADBEEF.pf`, "CHROME.EXE"},
		{"NODASH.pf", "NODASH.pf"},
	}
	for _, t := range tt {
		c.Check(StemFromArtifact(t.in), Equals, t.out)
	}
}

func (s *namesSuite) TestBestMatchPicksClosestPrefix(c *C) {
	paths := []string{
		`C:\Windows\System32\notepad2.exe`,
		`C:\Windows\System32\notepad.exe`,
		`C:\Windows\System32\note.dll`,
	}
	got := BestMatch("NOTEPAD.EXE", paths)
	c.Check(got, Equals, `C:\Windows\System32\notepad.exe`)
}

func (s *namesSuite) TestBestMatchTieBrokenByFirstOccurrence(c *C) {
	paths := []string{
		`C:\a\foo.exe`,
		`C:\b\foo.exe`,
	}
	got := BestMatch("FOO.EXE", paths)
	c.Check(got, Equals, `C:\a\foo.exe`)
}

func (s *namesSuite) TestBestMatchNoMatch(c *C) {
	paths := []string{`C:\totally\unrelated.dll`}
	got := BestMatch("ZZZZZ.EXE", paths)
	c.Check(got, Equals, NoMatch)
}

func (s *namesSuite) TestBestMatchEmptyPaths(c *C) {
	c.Check(BestMatch("ANY.EXE", nil), Equals, NoMatch)
}
