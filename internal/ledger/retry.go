package ledger

import (
	"context"
	"errors"

	"github.com/sells-group/dmi/internal/model"
	"github.com/sells-group/dmi/internal/resilience"
)

// RetryingStore retries transient failures of the wrapped store. A write
// can commit and still report an error (a dropped connection after COMMIT),
// so a retried write first checks whether its effect is already in place.
type RetryingStore struct {
	Store
	cfg resilience.RetryConfig
}

// WithRetry wraps s so every call retries transient database errors.
func WithRetry(s Store, driver string, cfg resilience.RetryConfig) *RetryingStore {
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger(driver)
	}
	return &RetryingStore{Store: s, cfg: cfg}
}

// CreateRelease implements Store. A retry that hits a constraint violation
// succeeds when the pending row it was inserting is already present.
func (r *RetryingStore) CreateRelease(ctx context.Context, rel *model.Release) error {
	return resilience.Do(ctx, r.cfg, "create_release", func(ctx context.Context, attempt int) error {
		err := r.Store.CreateRelease(ctx, rel)
		if err == nil || attempt == 1 || !resilience.IsConstraintViolation(err) {
			return err
		}
		got, gerr := r.Store.GetRelease(ctx, rel.RunID)
		if gerr != nil || got.Status != model.ReleasePending || got.ReferencePeriod != rel.ReferencePeriod {
			return err
		}
		rel.Status = got.Status
		rel.CreatedAt, rel.UpdatedAt = got.CreatedAt, got.UpdatedAt
		return nil
	})
}

// MarkPublished implements Store.
func (r *RetryingStore) MarkPublished(ctx context.Context, runID, path string) error {
	return r.transition(ctx, "mark_published", runID, model.ReleasePublished, func(ctx context.Context) error {
		return r.Store.MarkPublished(ctx, runID, path)
	})
}

// MarkAbandoned implements Store.
func (r *RetryingStore) MarkAbandoned(ctx context.Context, runID, reason string) error {
	return r.transition(ctx, "mark_abandoned", runID, model.ReleaseAbandoned, func(ctx context.Context) error {
		return r.Store.MarkAbandoned(ctx, runID, reason)
	})
}

// transition treats a TransitionError on a retry as success when the release
// already carries the target status: the earlier attempt applied.
func (r *RetryingStore) transition(ctx context.Context, op, runID string, to model.ReleaseStatus, fn func(context.Context) error) error {
	return resilience.Do(ctx, r.cfg, op, func(ctx context.Context, attempt int) error {
		err := fn(ctx)
		var te *TransitionError
		if err == nil || attempt == 1 || !errors.As(err, &te) {
			return err
		}
		if got, gerr := r.Store.GetRelease(ctx, runID); gerr == nil && got.Status == to {
			return nil
		}
		return err
	})
}

// GetRelease implements Store.
func (r *RetryingStore) GetRelease(ctx context.Context, runID string) (*model.Release, error) {
	return resilience.DoVal(ctx, r.cfg, "get_release", func(ctx context.Context, _ int) (*model.Release, error) {
		return r.Store.GetRelease(ctx, runID)
	})
}

// LatestPublished implements Store.
func (r *RetryingStore) LatestPublished(ctx context.Context, specID string, before model.Period) (*model.Release, error) {
	return resilience.DoVal(ctx, r.cfg, "latest_published", func(ctx context.Context, _ int) (*model.Release, error) {
		return r.Store.LatestPublished(ctx, specID, before)
	})
}

// ListReleases implements Store.
func (r *RetryingStore) ListReleases(ctx context.Context, filter Filter) ([]model.Release, error) {
	return resilience.DoVal(ctx, r.cfg, "list_releases", func(ctx context.Context, _ int) ([]model.Release, error) {
		return r.Store.ListReleases(ctx, filter)
	})
}
