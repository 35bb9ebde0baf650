// Package store is the storage collaborator: the only interface the engine
// trusts for job and onboarding truth.
package store

import (
	"context"
	"errors"
	"time"

	"marketplace-engine/internal/job"
	"marketplace-engine/internal/onboarding"
)

var (
	// ErrNotFound reports an unknown job row. Onboarding reads report
	// absence with onboarding.ErrNotFound so the tracker can tell a
	// missing record from a storage failure.
	ErrNotFound = errors.New("store: record not found")
	// ErrStatusConflict reports a conditional update whose expected status
	// no longer matched. The caller must re-read before deciding anything.
	ErrStatusConflict = errors.New("store: status conflict")
)

// Fields carries the columns a conditional status update sets alongside the
// new status. Nil members are left untouched.
type Fields struct {
	FulfillerID  *string
	AcceptedAt   *time.Time
	CompletedAt  *time.Time
	CancelReason *string
	CancelledBy  *string
}

// JobStore persists bookings. ConditionalUpdateStatus must be a single
// atomic compare-and-set; callers never get a read-modify-write window.
type JobStore interface {
	// GetJob reads the authoritative job row, bypassing any cache.
	GetJob(ctx context.Context, id string) (*job.Job, error)
	// GetJobCached serves display reads through the read cache when
	// available. Never used for transition decisions.
	GetJobCached(ctx context.Context, id string) (*job.Job, error)
	// ConditionalUpdateStatus sets newStatus and fields iff the row's
	// current status equals expected. Returns ErrStatusConflict otherwise.
	ConditionalUpdateStatus(ctx context.Context, id string, expected, newStatus job.Status, fields Fields) error
	// InsertJob creates a new booking row.
	InsertJob(ctx context.Context, j *job.Job) error
}

// OnboardingStore persists provider onboarding progress.
type OnboardingStore interface {
	// GetOnboarding returns onboarding.ErrNotFound when the provider has
	// no record; any other error is a storage failure.
	GetOnboarding(ctx context.Context, providerID string) (*onboarding.State, error)
	// UpsertOnboarding writes the state keyed on provider id; repeated
	// writes of the same state are idempotent.
	UpsertOnboarding(ctx context.Context, s *onboarding.State) error
}
