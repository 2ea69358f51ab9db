// Package ledger records publish attempts and serves prior published releases
// to the QA gate.
package ledger

import (
	"context"
	"fmt"

	"github.com/sells-group/dmi/internal/model"
)

// Filter specifies criteria for listing releases.
type Filter struct {
	SpecificationID string              `json:"specification_id,omitempty"`
	Status          model.ReleaseStatus `json:"status,omitempty"`
	// Before excludes releases at or after this period when set.
	Before model.Period `json:"before,omitempty"`
	Limit  int          `json:"limit,omitempty"`
}

// Store persists releases. A release is created pending and moves exactly
// once to published or abandoned.
type Store interface {
	CreateRelease(ctx context.Context, rel *model.Release) error
	MarkPublished(ctx context.Context, runID, path string) error
	MarkAbandoned(ctx context.Context, runID, reason string) error
	GetRelease(ctx context.Context, runID string) (*model.Release, error)
	// LatestPublished returns the most recent published release for the
	// specification with a reference period before the given one, or nil.
	LatestPublished(ctx context.Context, specID string, before model.Period) (*model.Release, error)
	ListReleases(ctx context.Context, filter Filter) ([]model.Release, error)

	Migrate(ctx context.Context) error
	Close() error
}

// NotFoundError reports a missing release.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ledger: release not found: %s", e.RunID)
}

// Permanent stops retries.
func (e *NotFoundError) Permanent() bool { return true }

// TransitionError reports a status change from a non-pending release.
type TransitionError struct {
	RunID string
	To    model.ReleaseStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ledger: release %s is not pending; cannot mark %s", e.RunID, e.To)
}

// Permanent stops retries.
func (e *TransitionError) Permanent() bool { return true }

// History returns up to window published releases for the specification
// before the given period, newest first.
func History(ctx context.Context, s Store, specID string, before model.Period, window int) ([]model.Release, error) {
	if window <= 0 {
		return nil, nil
	}
	return s.ListReleases(ctx, Filter{
		SpecificationID: specID,
		Status:          model.ReleasePublished,
		Before:          before,
		Limit:           window,
	})
}

func defaultLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
