// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps a BadgerDB instance with context-aware transaction
// helpers and a background value-log GC loop.
//
// The DB is a service-global singleton opened in main. Stores built on it
// do not own its lifecycle.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrClosed is returned by transaction helpers after Close.
	ErrClosed = errors.New("badger: db closed")

	// ErrNoPath is returned by OpenDB when an on-disk config has no path.
	ErrNoPath = errors.New("badger: path required unless in-memory")
)

// Config configures OpenDB.
type Config struct {
	// Path is the directory holding the DB files. Ignored when InMemory.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is how often value-log GC runs. Zero disables it. Always
	// disabled for in-memory DBs.
	GCInterval time.Duration

	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64

	// Logger receives BadgerDB's internal warnings and errors. Nil silences
	// them.
	Logger *slog.Logger
}

// DefaultConfig returns the on-disk defaults. Path must still be set.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     false,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a config for an in-memory DB.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// DB is an opened BadgerDB.
//
// Thread Safety: Safe for concurrent use. BadgerDB transactions are
// per-goroutine.
type DB struct {
	db     *dgbadger.DB
	cfg    Config
	logger *slog.Logger

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}

	mu     sync.RWMutex
	closed bool
}

// OpenDB opens (creating if needed) a BadgerDB.
//
// Inputs:
//   - cfg: Path and tuning. See DefaultConfig and InMemoryConfig.
//
// Outputs:
//   - *DB: Opened DB. Caller must Close it.
//   - error: ErrNoPath, or the BadgerDB open error.
func OpenDB(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, ErrNoPath
	}

	opts := dgbadger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = dgbadger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&slogAdapter{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Path, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &DB{
		db:     bdb,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if !cfg.InMemory && cfg.GCInterval > 0 {
		go d.gcLoop()
	} else {
		close(d.done)
	}
	return d, nil
}

// WithTxn runs fn in a read-write transaction and commits it.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	defer d.mu.RUnlock()
	return d.db.Update(fn)
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	defer d.mu.RUnlock()
	return d.db.View(fn)
}

// check verifies ctx and the open state. On success the read lock is held
// and the caller must release it.
func (d *DB) check(ctx context.Context) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrClosed
	}
	return nil
}

// Close stops GC and closes the DB. Safe to call more than once.
func (d *DB) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.stop)
		<-d.done

		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		err = d.db.Close()
	})
	return err
}

// Path returns the directory the DB was opened at, or "" when in-memory.
func (d *DB) Path() string {
	if d.cfg.InMemory {
		return ""
	}
	return d.cfg.Path
}

func (d *DB) gcLoop() {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.GCInterval)
	defer ticker.Stop()

	ratio := d.cfg.GCDiscardRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			// RunValueLogGC rewrites at most one file per call; loop until
			// there is nothing left to collect.
			for {
				err := d.db.RunValueLogGC(ratio)
				if err == nil {
					continue
				}
				if !errors.Is(err, dgbadger.ErrNoRewrite) {
					d.logger.Warn("badger value log GC failed", slog.String("error", err.Error()))
				}
				break
			}
		}
	}
}

// slogAdapter routes BadgerDB's printf-style logger into slog. Info and
// debug output is demoted to debug.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Errorf(format string, args ...any) {
	a.logger.Error("badger: " + fmt.Sprintf(format, args...))
}

func (a *slogAdapter) Warningf(format string, args ...any) {
	a.logger.Warn("badger: " + fmt.Sprintf(format, args...))
}

func (a *slogAdapter) Infof(format string, args ...any) {
	a.logger.Debug("badger: " + fmt.Sprintf(format, args...))
}

func (a *slogAdapter) Debugf(format string, args ...any) {
	a.logger.Debug("badger: " + fmt.Sprintf(format, args...))
}
