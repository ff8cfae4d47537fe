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
	"fmt"
	"os"

	"github.com/anonymouse64/pftrace/internal/files"
	"github.com/anonymouse64/pftrace/internal/report"
)

type cmdStatus struct {
	ArtifactDir string `short:"d" long:"dir" description:"Directory to inspect for trust-status reporting" default:"C:\\Windows\\Prefetch"`
	OutputFile  string `short:"o" long:"output-file" description:"A file to output the results (empty string means stdout)"`
}

func (x *cmdStatus) Execute(args []string) error {
	w := os.Stdout
	if x.OutputFile != "" {
		f, err := files.EnsureExistsAndOpen(x.OutputFile, true)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	out, err := report.Generate(x.ArtifactDir, report.NewWindowsPlatform())
	if err != nil {
		return fmt.Errorf("generating trust status report: %w", err)
	}

	fmt.Fprint(w, out)
	return nil
}
