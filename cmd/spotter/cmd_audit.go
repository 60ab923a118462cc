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
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/audit"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the stage invocation audit trail",
	}
	cmd.AddCommand(newAuditTailCmd(), newAuditPruneCmd())
	return cmd
}

func newAuditTailCmd() *cobra.Command {
	var (
		dbPath    string
		limit     int
		sessionID string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent stage invocations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, err := openAudit(cmd, dbPath)
			if err != nil {
				return err
			}
			defer rec.Close()

			var rows []audit.Row
			if sessionID != "" {
				rows, err = rec.ForSession(cmd.Context(), sessionID)
			} else {
				rows, err = rec.Recent(cmd.Context(), limit)
			}
			if err != nil {
				return errorf(cmd, "%v", err)
			}
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(rows)
			}
			printAuditRows(cmd.OutOrStdout(), rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", os.Getenv("SPOTTER_AUDIT_DB"), "Audit SQLite file (default $SPOTTER_AUDIT_DB)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of rows")
	cmd.Flags().StringVar(&sessionID, "session", "", "Show every call of one session, oldest first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print rows as JSON")
	return cmd
}

func newAuditPruneCmd() *cobra.Command {
	var (
		dbPath    string
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete audit rows older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errorf(cmd, "--older-than must be positive")
			}
			rec, err := openAudit(cmd, dbPath)
			if err != nil {
				return err
			}
			defer rec.Close()

			n, err := rec.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return errorf(cmd, "%v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d row%s\n", n, plural(int(n), "", "s"))
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", os.Getenv("SPOTTER_AUDIT_DB"), "Audit SQLite file (default $SPOTTER_AUDIT_DB)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Age cutoff")
	return cmd
}

func openAudit(cmd *cobra.Command, path string) (*audit.SQLiteRecorder, error) {
	if path == "" {
		return nil, errorf(cmd, "--db is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errorf(cmd, "%v", err)
	}
	rec, err := audit.Open(path, discardLogger())
	if err != nil {
		return nil, errorf(cmd, "%v", err)
	}
	return rec, nil
}

func printAuditRows(w io.Writer, rows []audit.Row) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No stage invocations recorded.")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TIME", "STAGE", "STATUS", "CODE", "ATTEMPTS", "DURATION", "SESSION", "HASH")
	for _, r := range rows {
		status := r.Status
		if r.ErrorKind != "" {
			status += "/" + r.ErrorKind
		}
		hash := r.ContentHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		t.Row(
			r.Time().Format(time.RFC3339),
			r.Stage,
			status,
			fmt.Sprint(r.StatusCode),
			fmt.Sprint(r.Attempts),
			fmt.Sprintf("%dms", r.DurationMs),
			r.SessionID,
			hash,
		)
	}
	fmt.Fprintln(w, t.Render())
}
