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

package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type reportSuite struct{}

var _ = Suite(&reportSuite{})

type fakePlatform struct {
	tuning    RegistryTuning
	tuningErr error

	attrs    []AttributeFlag
	attrsErr error

	liveness    ServiceLiveness
	livenessErr error

	driver    DriverStatus
	driverErr error
}

func (f *fakePlatform) RegistryTuning() (RegistryTuning, error) { return f.tuning, f.tuningErr }
func (f *fakePlatform) ArtifactAttributes(dir string) ([]AttributeFlag, error) {
	return f.attrs, f.attrsErr
}
func (f *fakePlatform) ServiceThreadLiveness(serviceName string) (ServiceLiveness, error) {
	return f.liveness, f.livenessErr
}
func (f *fakePlatform) FileInfoDriverStatus() (DriverStatus, error) { return f.driver, f.driverErr }

func writeFile(c *C, dir, name string, content []byte) string {
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, content, 0o644)
	c.Assert(err, IsNil)
	return path
}

func (s *reportSuite) TestDecodeTuningState(c *C) {
	c.Check(DecodeTuningState(0), Equals, Disabled)
	c.Check(DecodeTuningState(1), Equals, BootOnly)
	c.Check(DecodeTuningState(2), Equals, AppOnly)
	c.Check(DecodeTuningState(3), Equals, Enabled)
	c.Check(DecodeTuningState(99), Equals, UnknownTuning)
}

func (s *reportSuite) TestHashArtifactsGroupsDuplicateContent(c *C) {
	dir := c.MkDir()
	writeFile(c, dir, "A.pf", []byte("same content"))
	writeFile(c, dir, "B.pf", []byte("same content"))
	writeFile(c, dir, "C.pf", []byte("different"))
	writeFile(c, dir, "ignore.txt", []byte("same content"))

	groups, err := HashArtifacts(dir)
	c.Assert(err, IsNil)
	c.Assert(groups, HasLen, 1)
	c.Check(groups[0].Paths, DeepEquals, []string{
		filepath.Join(dir, "A.pf"),
		filepath.Join(dir, "B.pf"),
	})
}

func (s *reportSuite) TestHashArtifactsNoDuplicates(c *C) {
	dir := c.MkDir()
	writeFile(c, dir, "A.pf", []byte("one"))
	writeFile(c, dir, "B.pf", []byte("two"))

	groups, err := HashArtifacts(dir)
	c.Assert(err, IsNil)
	c.Check(groups, HasLen, 0)
}

func (s *reportSuite) TestGenerateRendersAllSections(c *C) {
	dir := c.MkDir()
	writeFile(c, dir, "A.pf", []byte("x"))

	platform := &fakePlatform{
		tuning: RegistryTuning{
			EnablePrefetcher: Enabled,
			EnableSuperfetch: Disabled,
			LastWriteTime:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		attrs:    nil,
		liveness: ServiceLiveness{Sampled: true, Active: true},
		driver: DriverStatus{
			ServiceRunning: true,
			DriverLoaded:   true,
			Events: []EventRecord{
				{ID: 6, Time: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)},
			},
		},
	}

	out, err := Generate(dir, platform)
	c.Assert(err, IsNil)
	c.Check(strings.Contains(out, "[/] EnablePrefetcher=Enabled EnableSuperfetch=Disabled"), Equals, true)
	c.Check(strings.Contains(out, "[+] no hidden or read-only artifacts found"), Equals, true)
	c.Check(strings.Contains(out, "[+] no duplicate-hash artifacts found"), Equals, true)
	c.Check(strings.Contains(out, "[SERVICE] prefetch service thread: Active"), Equals, true)
	c.Check(strings.Contains(out, "[DRIVER] FileInfo service running=true, FileInfo.sys loaded=true"), Equals, true)
	c.Check(strings.Contains(out, "[DRIVER] event id=6 (loaded) at"), Equals, true)
}

func (s *reportSuite) TestGenerateReportsPlatformErrorsInline(c *C) {
	dir := c.MkDir()
	platform := &fakePlatform{
		tuningErr:   errBoom,
		attrsErr:    errBoom,
		livenessErr: errBoom,
		driverErr:   errBoom,
	}

	out, err := Generate(dir, platform)
	c.Assert(err, IsNil)
	c.Check(strings.Contains(out, "[ERROR] could not read tuning registry key"), Equals, true)
	c.Check(strings.Contains(out, "[ERROR] could not list artifact directory attributes"), Equals, true)
	c.Check(strings.Contains(out, "[ERROR] could not sample service thread liveness"), Equals, true)
	c.Check(strings.Contains(out, "[ERROR] could not read FileInfo driver/service status"), Equals, true)
}

func (s *reportSuite) TestWriteAttributesListsHiddenAndReadOnly(c *C) {
	var b strings.Builder
	writeAttributes(&b, []AttributeFlag{
		{Path: `C:\Windows\Prefetch\A.pf`, Hidden: true, ReadOnly: false},
		{Path: `C:\Windows\Prefetch\B.pf`, Hidden: true, ReadOnly: true},
	})
	out := b.String()
	c.Check(strings.Contains(out, `[-] C:\Windows\Prefetch\A.pf: Hidden`), Equals, true)
	c.Check(strings.Contains(out, `[-] C:\Windows\Prefetch\B.pf: Hidden,ReadOnly`), Equals, true)
}

func (s *reportSuite) TestWriteLivenessUnsampled(c *C) {
	var b strings.Builder
	writeLiveness(&b, ServiceLiveness{Sampled: false})
	c.Check(strings.Contains(b.String(), "[SERVICE] could not locate prefetch service thread"), Equals, true)
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom = boomError{}
