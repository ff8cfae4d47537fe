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

	"github.com/anonymouse64/pftrace/internal/artifact"
	"github.com/anonymouse64/pftrace/internal/files"
	"github.com/anonymouse64/pftrace/internal/rules"
	"github.com/anonymouse64/pftrace/internal/scan"
	"github.com/anonymouse64/pftrace/internal/trust"
	"github.com/anonymouse64/pftrace/internal/volserial"
)

type cmdScan struct {
	ArtifactDir string `short:"d" long:"dir" description:"Directory to scan for prefetch trace files" default:"C:\\Windows\\Prefetch"`
	JSONOutput  bool   `short:"j" long:"json" description:"Output results in JSON"`
	OutputFile  string `short:"o" long:"output-file" description:"A file to output the results (empty string means stdout)"`
	CheatOnly   bool   `long:"cheat-only" description:"Only list artifacts whose main signature classified as Cheat"`
}

// ScanOutputResult is the JSON-encodable form of one scan invocation.
type ScanOutputResult struct {
	RunID   string            `json:"run_id"`
	Records []*artifact.Record `json:"records"`
}

func (x *cmdScan) Execute(args []string) error {
	w := os.Stdout
	if x.OutputFile != "" {
		f, err := files.EnsureExistsAndOpen(x.OutputFile, true)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	coordinator := scan.New(
		x.ArtifactDir,
		volserial.New(),
		trust.NewResolver(trust.WindowsPlatform{}),
		rules.NewScanner(rules.Default()),
	)

	result, err := coordinator.Scan()
	if err != nil {
		return fmt.Errorf("scanning %s: %w", x.ArtifactDir, err)
	}

	records := result.Records
	if x.CheatOnly {
		var filtered []*artifact.Record
		for _, rec := range records {
			if rec.MainSignature == artifact.Cheat {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	if x.JSONOutput {
		return json.NewEncoder(w).Encode(ScanOutputResult{RunID: result.RunID, Records: records})
	}

	wtab := tabWriterGeneric(w)
	fmt.Fprintf(wtab, "RUN\t%s\n", result.RunID)
	fmt.Fprintln(wtab, "SOURCE\tMAIN EXECUTABLE\tSIGNATURE\tRUN COUNT\tMATCHED RULES")
	counts := make(map[artifact.Signature]int)
	for _, rec := range records {
		fmt.Fprintf(wtab, "%s\t%s\t%s\t%d\t%v\n",
			rec.SourceName, rec.MainExecutablePath, rec.MainSignature, rec.RunCount, rec.MatchedRules)
		counts[rec.MainSignature]++
	}
	if err := wtab.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d artifacts total", len(records))
	for _, sig := range []artifact.Signature{artifact.Signed, artifact.Unsigned, artifact.Cheat, artifact.Fake, artifact.NotFound} {
		if n := counts[sig]; n > 0 {
			fmt.Fprintf(w, ", %d %s", n, sig)
		}
	}
	fmt.Fprintln(w)
	return nil
}
