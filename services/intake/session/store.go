// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session persists per-conversation state: one InfoSheet and one
// gate state per session id.
//
// Sessions are fully independent. Nothing here is shared across session
// ids, and turns of one session are serialized with a Locker.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/gate"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/sheet"
)

// DefaultTTL is how long an idle session is kept.
const DefaultTTL = 24 * time.Hour

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrNotFound is returned for an unknown or expired session id.
	ErrNotFound = errors.New("session: not found")

	// ErrInvalidID is returned for an empty session id.
	ErrInvalidID = errors.New("session: invalid id")
)

// Record is the persisted state of one conversation.
type Record struct {
	ID        string          `json:"id"`
	Sheet     sheet.InfoSheet `json:"sheet"`
	Gate      gate.State      `json:"gate"`
	Turns     int             `json:"turns"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewRecord returns a record with a fresh id and an empty sheet.
func NewRecord() Record {
	now := time.Now().UTC()
	return Record{
		ID:        uuid.NewString(),
		Sheet:     sheet.CreateEmpty(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Reset returns r with an empty sheet and gate state, keeping its id.
func (r Record) Reset() Record {
	r.Sheet = sheet.CreateEmpty()
	r.Gate = gate.State{}
	r.Turns = 0
	r.UpdatedAt = time.Now().UTC()
	return r
}

// Store persists session records.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Read-modify-write of a
// single session must be serialized by the caller (see Locker).
type Store interface {
	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// Put creates or replaces a record and refreshes its TTL.
	Put(ctx context.Context, rec Record) error

	// Delete removes a record. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns up to limit records, most recently updated first.
	List(ctx context.Context, limit int) ([]Record, error)
}
