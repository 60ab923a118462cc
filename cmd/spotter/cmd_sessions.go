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
	"path/filepath"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/gate"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/readiness"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/session"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect the persisted session store",
	}
	cmd.AddCommand(newSessionsDumpCmd())
	return cmd
}

// dumpEntry is one session read from the store.
type dumpEntry struct {
	Key       string          `json:"key"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	RawSize   int             `json:"raw_size"`
	Record    *session.Record `json:"record,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func newSessionsDumpCmd() *cobra.Command {
	var (
		path   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print every session in a BadgerDB session directory",
		Long: "Opens the session store read-only and prints each session: TTL remaining, " +
			"phase, missing stage-1 fields and stage results. The server must not be running.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				path = defaultSessionDir()
			}
			if path == "" {
				return errorf(cmd, "cannot resolve session directory; pass --path")
			}
			w := cmd.OutOrStdout()
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Fprintf(w, "Session directory %s does not exist. No sessions have been stored.\n", path)
				return nil
			}

			entries, err := readSessions(path)
			if err != nil {
				return errorf(cmd, "%v", err)
			}
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			printSessions(w, path, entries, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", os.Getenv("SPOTTER_SESSION_DIR"), "Session BadgerDB directory (default $SPOTTER_SESSION_DIR or ~/.spotter/sessions)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print entries as JSON")
	return cmd
}

func defaultSessionDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".spotter", "sessions")
}

// readSessions opens the store read-only and decodes every session key.
func readSessions(path string) ([]dumpEntry, error) {
	opts := dgbadger.DefaultOptions(path).
		WithLogger(nil).
		WithReadOnly(true)
	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB at %s: %w", path, err)
	}
	defer func() { _ = db.Close() }()

	var entries []dumpEntry
	err = db.View(func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(session.KeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			e := dumpEntry{Key: string(item.Key())}
			if exp := item.ExpiresAt(); exp > 0 {
				t := time.Unix(int64(exp), 0)
				e.ExpiresAt = &t
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				e.Error = fmt.Sprintf("copy value: %v", err)
				entries = append(entries, e)
				continue
			}
			e.RawSize = len(raw)
			rec, err := session.Decode(raw)
			if err != nil {
				e.Error = err.Error()
			} else {
				e.Record = &rec
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read BadgerDB: %w", err)
	}
	return entries, nil
}

func printSessions(w io.Writer, path string, entries []dumpEntry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return
	}
	fmt.Fprintf(w, "Found %d session%s in %s\n", len(entries), plural(len(entries), "", "s"), path)
	fmt.Fprintln(w, strings.Repeat("─", 72))

	for i, e := range entries {
		fmt.Fprintf(w, "\n[%d] %s\n", i+1, session.IDFromKey([]byte(e.Key)))
		if e.ExpiresAt != nil {
			remaining := e.ExpiresAt.Sub(now)
			if remaining < 0 {
				fmt.Fprintf(w, "    TTL:      EXPIRED (%s ago)\n", (-remaining).Round(time.Second))
			} else {
				fmt.Fprintf(w, "    TTL:      %s remaining\n", remaining.Round(time.Second))
			}
		}
		fmt.Fprintf(w, "    Size:     %d bytes\n", e.RawSize)
		if e.Error != "" {
			fmt.Fprintf(w, "    %s %s\n", errorStyle.Render("DECODE ERROR:"), e.Error)
			continue
		}

		rec := e.Record
		status := readiness.Evaluate(rec.Sheet)
		fmt.Fprintf(w, "    Phase:    %s\n", gate.PhaseOf(rec.Sheet, rec.Gate))
		fmt.Fprintf(w, "    Turns:    %d (updated %s)\n", rec.Turns, rec.UpdatedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "    Features: %d clinical, %d labs, lab set %s\n",
			len(rec.Sheet.Features.Clinical), len(rec.Sheet.Features.Labs), status.LabSet)
		if len(status.Missing) > 0 {
			fmt.Fprintf(w, "    Missing:  %s\n", strings.Join(status.Missing, ", "))
		}
		if rec.Sheet.S1 != nil {
			fmt.Fprintf(w, "    Stage 1:  %s\n", rec.Sheet.S1.Decision)
		}
		if rec.Sheet.S2 != nil {
			fmt.Fprintf(w, "    Stage 2:  %s\n", rec.Sheet.S2.Decision)
		}
	}
	fmt.Fprintf(w, "\n%s\n", strings.Repeat("─", 72))
}
