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

package main

import (
	"io"
	"os"
	"text/tabwriter"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/anonymouse64/pftrace/internal/logging"
	"github.com/anonymouse64/pftrace/internal/privilege"
)

// processStartTime is used as the default "since logon" cutoff for the
// journal subcommand when --since is not given.
var processStartTime = time.Now()

// Command is the top-level command for the inspector.
type Command struct {
	Scan       cmdScan    `command:"scan" description:"Decode and classify prefetch trace artifacts"`
	Journal    cmdJournal `command:"journal" description:"Replay the NTFS change journal for tampering evidence"`
	Status     cmdStatus  `command:"status" description:"Report prefetch/superfetch tuning and trust status"`
	ShowErrors func()     `short:"e" long:"errors" description:"Show soft per-artifact errors as they happen"`
}

var currentCmd Command
var parser = flags.NewParser(&currentCmd, flags.Default)

var log = logging.WithComponent("main")

func main() {
	// Soft per-artifact failures are logged at Debug level; --errors lowers
	// the logger's threshold so they are printed.
	currentCmd.ShowErrors = func() { logging.Log.SetLevel(logrus.DebugLevel) }

	if err := privilege.AcquireDebugPrivilege(); err != nil {
		log.WithError(err).Fatal("cannot acquire SeDebugPrivilege")
	}

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}

func tabWriterGeneric(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 5, 3, 2, ' ', 0)
}
