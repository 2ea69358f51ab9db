package metrics

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dmi/internal/ledger"
	"github.com/sells-group/dmi/internal/model"
)

// LedgerSnapshot summarizes the release ledger for one specification.
type LedgerSnapshot struct {
	SpecificationID string       `json:"specification_id"`
	Total           int          `json:"total"`
	Published       int          `json:"published"`
	Pending         int          `json:"pending"`
	Abandoned       int          `json:"abandoned"`
	Warned          int          `json:"warned"`
	WarnRate        float64      `json:"warn_rate"`
	LatestPeriod    model.Period `json:"latest_period"`
	LatestVintage   int          `json:"latest_vintage"`
	CollectedAt     time.Time    `json:"collected_at"`
}

// CollectLedger summarizes the ledger entries for a specification.
func CollectLedger(ctx context.Context, s ledger.Store, specID string, limit int) (*LedgerSnapshot, error) {
	releases, err := s.ListReleases(ctx, ledger.Filter{SpecificationID: specID, Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "metrics: list releases")
	}

	snap := &LedgerSnapshot{
		SpecificationID: specID,
		Total:           len(releases),
		CollectedAt:     time.Now().UTC(),
	}
	for _, r := range releases {
		switch r.Status {
		case model.ReleasePublished:
			snap.Published++
			if r.QAStatus == model.QAWarn {
				snap.Warned++
			}
			if snap.LatestPeriod.IsZero() || r.ReferencePeriod.After(snap.LatestPeriod) {
				snap.LatestPeriod = r.ReferencePeriod
				snap.LatestVintage = r.VintageYear
			}
		case model.ReleasePending:
			snap.Pending++
		case model.ReleaseAbandoned:
			snap.Abandoned++
		}
	}
	if snap.Published > 0 {
		snap.WarnRate = float64(snap.Warned) / float64(snap.Published)
	}
	return snap, nil
}
