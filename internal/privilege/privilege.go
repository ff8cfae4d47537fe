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

// Package privilege acquires the process privileges the inspector needs to
// open other processes' handles and query their threads for the C9
// service-thread liveness probe. Replaces the teacher's "find sudo or bail"
// gate in main().
package privilege

import (
	"github.com/Microsoft/go-winio"
)

// AcquireDebugPrivilege enables SeDebugPrivilege on the current process
// token. This is required to open handles to the prefetch service's process
// and enumerate its threads in the C9 status report. Failure here is fatal
// per spec.md §6 (exit code 1).
func AcquireDebugPrivilege() error {
	return winio.EnableProcessPrivileges([]string{winio.SeDebugPrivilege})
}
