// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/canonical"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/config"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/gate"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/readiness"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/sheet"
)

func newSheetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sheet",
		Short: "Inspect Info Sheet documents",
	}
	cmd.AddCommand(newSheetCheckCmd())
	return cmd
}

// sheetCheckReport is the --json output of sheet check.
type sheetCheckReport struct {
	Phase  gate.Phase       `json:"phase"`
	Status readiness.Status `json:"status"`
	Report canonical.Report `json:"report"`
}

func newSheetCheckCmd() *cobra.Command {
	var (
		asJSON      bool
		aliasesFile string
	)
	cmd := &cobra.Command{
		Use:   "check <file|->",
		Short: "Report readiness of an exported sheet without calling any stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			s, err := sheet.Import(data)
			if err != nil {
				return errorf(cmd, "%v", err)
			}

			table := config.MustLoadFeatureAliases()
			if aliasesFile != "" {
				if table, err = config.LoadFeatureAliasesFile(cmd.Context(), aliasesFile); err != nil {
					return errorf(cmd, "%v", err)
				}
			}
			feats, report := canonical.New(table, nil).CanonicalizeFeatures(s.Features)
			s.Features = feats

			out := sheetCheckReport{
				Phase:  gate.PhaseOf(s, gate.State{}),
				Status: readiness.Evaluate(s),
				Report: report,
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			printSheetCheck(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	cmd.Flags().StringVar(&aliasesFile, "aliases", "", "Alias override file")
	return cmd
}

func printSheetCheck(w io.Writer, r sheetCheckReport) {
	fmt.Fprintf(w, "Phase:          %s\n", r.Phase)
	if r.Status.Stage1Ready {
		fmt.Fprintln(w, "Stage 1:        ready")
	} else {
		fmt.Fprintf(w, "Stage 1:        missing %s\n", strings.Join(r.Status.Missing, ", "))
		fmt.Fprintf(w, "Next question:  %s\n", r.Status.NextQuestion)
	}
	fmt.Fprintf(w, "Lab set:        %s (%d markers)\n", r.Status.LabSet, r.Status.ProvidedLabs)
	for _, warn := range r.Status.Warnings {
		fmt.Fprintf(w, "Warning:        %s\n", warn)
	}
	if len(r.Report.Unrecognized) > 0 {
		fmt.Fprintf(w, "Unrecognized:   %s\n", strings.Join(r.Report.Unrecognized, ", "))
	}
	for _, c := range r.Report.Collisions {
		fmt.Fprintf(w, "Collision:      %s (%s kept over %s)\n", c.Key, c.Winner, c.Loser)
	}
}

// readInput reads a file, or stdin for "-".
func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errorf(cmd, "%v", err)
	}
	return data, nil
}
