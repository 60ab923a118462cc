// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command spotter is the operator CLI for the Sepsis Spotter intake service.
//
// Usage:
//
//	spotter chat [--server http://localhost:8080]
//	spotter sheet check sheet.json
//	spotter audit tail --db audit.db
//	spotter sessions dump [--path ~/.spotter/sessions]
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "spotter",
		Short:         "Sepsis Spotter intake CLI",
		Long:          "Spotter drives and inspects the Sepsis Spotter intake service: Info Sheets, stage calls and the audit trail.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newChatCmd(),
		newSheetCmd(),
		newAuditCmd(),
		newSessionsCmd(),
	)
	return root
}

func errorf(cmd *cobra.Command, format string, args ...any) error {
	return fmt.Errorf(cmd.Name()+": "+format, args...)
}
