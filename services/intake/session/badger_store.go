// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

// =============================================================================
// BadgerStore: session persistence
// =============================================================================
//
// Each session is one JSON document under a versioned key. Expiry uses
// BadgerDB's native TTL: an idle session disappears after the TTL, and an
// expired key reads as ErrKeyNotFound, which the store reports as
// ErrNotFound. Every Put refreshes the TTL.
//
// Storage layout:
//
//	session/v1/{id}  →  JSON(Record)
//	                    TTL: configured, default 24h

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/sheet"
	badgerstore "github.com/ffr0517/Sepsis-Spotter-UI/services/intake/storage/badger"
)

// KeyPrefix is prepended to the session id to form the BadgerDB key.
// Versioned to allow future format changes without collision.
const KeyPrefix = "session/v1/"

var errMiss = errors.New("miss")

// BadgerStore implements Store on a BadgerDB instance.
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db     *badgerstore.DB
	ttl    time.Duration
	logger *slog.Logger
	tracer oteltrace.Tracer
}

// NewBadgerStore creates a store on db. The caller owns db.
//
// Inputs:
//   - db: Opened DB. Must not be nil.
//   - ttl: Idle lifetime of a session. Zero uses DefaultTTL.
//   - logger: May be nil.
func NewBadgerStore(db *badgerstore.DB, ttl time.Duration, logger *slog.Logger) *BadgerStore {
	if db == nil {
		panic("NewBadgerStore: db must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, ttl: ttl, logger: logger, tracer: otel.Tracer("spotter.session")}
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, id string) (Record, error) {
	if id == "" {
		return Record{}, ErrInvalidID
	}
	ctx, span := s.tracer.Start(ctx, "session.BadgerStore.Get",
		oteltrace.WithAttributes(attribute.String("session_id", id)))
	defer span.End()

	var raw []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(Key(id))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return errMiss
		}
		if err != nil {
			return fmt.Errorf("get session key: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, errMiss) {
		span.SetAttributes(attribute.Bool("found", false))
		return Record{}, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Record{}, fmt.Errorf("session load: %w", err)
	}

	rec, err := Decode(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Record{}, err
	}
	span.SetAttributes(attribute.Bool("found", true))
	return rec, nil
}

// Put implements Store.
func (s *BadgerStore) Put(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return ErrInvalidID
	}
	ctx, span := s.tracer.Start(ctx, "session.BadgerStore.Put",
		oteltrace.WithAttributes(attribute.String("session_id", rec.ID)))
	defer span.End()

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session encode: %w", err)
	}
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.SetEntry(dgbadger.NewEntry(Key(rec.ID), raw).WithTTL(s.ttl))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("session save: %w", err)
	}
	s.logger.Debug("session saved",
		slog.String("session_id", rec.ID),
		slog.Int("turns", rec.Turns),
		slog.Duration("ttl", s.ttl),
	)
	return nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete(Key(id))
	})
	if err != nil {
		return fmt.Errorf("session delete: %w", err)
	}
	return nil
}

// List implements Store. Undecodable entries are skipped with a warning.
func (s *BadgerStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Record
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(KeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			var rec Record
			err := item.Value(func(val []byte) error {
				var derr error
				rec, derr = Decode(val)
				return derr
			})
			if err != nil {
				s.logger.Warn("skipping corrupt session", slog.String("key", string(item.Key())), slog.String("error", err.Error()))
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session list: %w", err)
	}
	sortByUpdated(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Key builds the BadgerDB key for a session id.
func Key(id string) []byte {
	return []byte(KeyPrefix + id)
}

// IDFromKey is the inverse of Key.
func IDFromKey(key []byte) string {
	return strings.TrimPrefix(string(key), KeyPrefix)
}

// Decode parses a stored record and normalizes its sheet.
func Decode(raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("session decode: %w", err)
	}
	sheetJSON, err := json.Marshal(rec.Sheet)
	if err != nil {
		return Record{}, fmt.Errorf("session decode: %w", err)
	}
	if rec.Sheet, err = sheet.Import(sheetJSON); err != nil {
		return Record{}, fmt.Errorf("session decode: %w", err)
	}
	return rec, nil
}

func sortByUpdated(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].UpdatedAt.After(recs[j].UpdatedAt)
	})
}
