// Package sessionstore defines the narrow, typed contract SessionStore
// exposes to the rest of the core (spec §4.2). Concrete backends live in
// sibling packages (see sessionstore/sqlite).
package sessionstore

import (
	"context"

	"github.com/kandev/kandev/internal/core/model"
)

// Store is the durable mapping thread -> session row, plus the queries the
// Reconciler needs for stale/expired sweeps. Every method returns either a
// value or a *coreerrors.StorageError (callers type-assert as needed).
type Store interface {
	// Upsert inserts or updates by ThreadID. Touches LastActivity and,
	// when Status == active, ResumedAt (I4).
	Upsert(ctx context.Context, record *model.SessionRecord) error

	// GetByThread returns (nil, nil) when no record exists for id.
	GetByThread(ctx context.Context, threadID string) (*model.SessionRecord, error)

	// HasTracked reports whether any non-destroyed record exists for id.
	HasTracked(ctx context.Context, threadID string) (bool, error)

	// GetActive returns (nil, nil) unless the record's status is active.
	GetActive(ctx context.Context, threadID string) (*model.SessionRecord, error)

	MarkActivity(ctx context.Context, threadID string) error
	MarkHealthOk(ctx context.Context, threadID string) error

	// UpdateStatus performs an atomic status transition, setting the one
	// canonical timestamp column for the target status (spec §4.2's
	// pausing/paused/resuming/active/destroyed mapping). lastError may be
	// nil.
	UpdateStatus(ctx context.Context, threadID string, status model.Status, lastError *string) error

	IncrementResumeFailure(ctx context.Context, threadID string, lastError string) error

	// ListActive is ordered by LastActivity desc.
	ListActive(ctx context.Context) ([]*model.SessionRecord, error)
	// ListTracked is ordered by UpdatedAt desc.
	ListTracked(ctx context.Context) ([]*model.SessionRecord, error)

	ListStaleActive(ctx context.Context, olderThanMinutes int) ([]*model.SessionRecord, error)
	ListExpiredPaused(ctx context.Context, olderThanMinutes int) ([]*model.SessionRecord, error)
}
