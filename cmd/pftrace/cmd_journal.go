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
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/anonymouse64/pftrace/internal/files"
	"github.com/anonymouse64/pftrace/internal/journal"
)

type cmdJournal struct {
	Volume     string `short:"v" long:"volume" description:"Volume root to read the change journal from" default:"C:"`
	SinceLogon string `long:"since" description:"RFC3339 timestamp to treat as the session logon time; defaults to process start time"`
	JSONOutput bool   `short:"j" long:"json" description:"Output results in JSON"`
	OutputFile string `short:"o" long:"output-file" description:"A file to output the results (empty string means stdout)"`
}

func (x *cmdJournal) Execute(args []string) error {
	w := os.Stdout
	if x.OutputFile != "" {
		f, err := files.EnsureExistsAndOpen(x.OutputFile, true)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	logonTime := processStartTime
	if x.SinceLogon != "" {
		parsed, err := time.Parse(time.RFC3339, x.SinceLogon)
		if err != nil {
			return fmt.Errorf("invalid --since timestamp %q: %w", x.SinceLogon, err)
		}
		logonTime = parsed
	}

	reader, err := journal.Open(x.Volume)
	if err != nil {
		return fmt.Errorf("opening change journal on %s: %w", x.Volume, err)
	}
	defer reader.Close()

	events, err := reader.Events(logonTime)
	if err != nil {
		return fmt.Errorf("reading change journal: %w", err)
	}

	if x.JSONOutput {
		return json.NewEncoder(w).Encode(events)
	}

	wtab := tabWriterGeneric(w)
	fmt.Fprintln(wtab, "TIME\tKIND\tNAME\tNEW NAME")
	for _, e := range events {
		fmt.Fprintf(wtab, "%s\t%s\t%s\t%s\n", e.Time.Format(time.RFC3339), e.Kind, e.Name, e.NewName)
	}
	return wtab.Flush()
}
