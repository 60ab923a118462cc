// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// AliasRegistry holds the active alias table and swaps it when an override
// file changes on disk.
//
// Thread Safety: Safe for concurrent use. Lookups never block a reload.
type AliasRegistry struct {
	current atomic.Pointer[FeatureAliasTable]
	logger  *slog.Logger
}

// NewAliasRegistry creates a registry serving the given table.
//
// Inputs:
//   - initial: Table to serve until the first reload. Must not be nil.
//   - logger: Logger for reload events. May be nil.
func NewAliasRegistry(initial *FeatureAliasTable, logger *slog.Logger) *AliasRegistry {
	if initial == nil {
		panic("NewAliasRegistry: initial table must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &AliasRegistry{logger: logger}
	r.current.Store(initial)
	return r
}

// Lookup resolves a raw feature name against the active table.
func (r *AliasRegistry) Lookup(raw string) (CanonicalKey, bool) {
	return r.current.Load().Lookup(raw)
}

// Current returns the active table.
func (r *AliasRegistry) Current() *FeatureAliasTable {
	return r.current.Load()
}

// Reload parses path and, if valid, makes it the active table. An invalid
// file leaves the previous table in place.
func (r *AliasRegistry) Reload(ctx context.Context, path string) error {
	table, err := LoadFeatureAliasesFile(ctx, path)
	if err != nil {
		r.logger.Warn("alias override rejected, keeping previous table",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return err
	}
	r.current.Store(table)
	r.logger.Info("alias override applied",
		slog.String("path", path),
		slog.Int("spellings", table.Len()),
	)
	return nil
}

// Watch reloads path whenever it is written or re-created, until ctx is
// cancelled.
//
// Description:
//
//	The parent directory is watched rather than the file itself so that
//	editors which save by rename are still picked up.
//
// Outputs:
//   - error: Non-nil only if the watcher cannot be started.
func (r *AliasRegistry) Watch(ctx context.Context, path string) error {
	target := filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("alias watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("alias watcher: watch %s: %w", filepath.Dir(target), err)
	}
	r.logger.Info("watching alias override", slog.String("path", target))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			_ = r.Reload(ctx, target)
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("alias watcher error", slog.String("error", werr.Error()))
		}
	}
}
