package qa

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dmi/internal/calc"
	"github.com/sells-group/dmi/internal/contract"
	"github.com/sells-group/dmi/internal/curated"
	"github.com/sells-group/dmi/internal/model"
)

// Review packet input sources.
const (
	InputsLedgerSnapshot = "ledger_snapshot"
	InputsCurrent        = "current_inputs"
)

// ReviewRequest carries what a review packet recomputes from.
type ReviewRequest struct {
	RunID           string
	SpecificationID string
	Trigger         string
	Prior           *model.Release
	Matrices        *curated.Matrices
	Params          calc.Params
	CreatedAt       time.Time
}

// BuildReviewPacket recomputes the prior release's period under the candidate
// weights, holding the prior release's prices and slack fixed, and diffs the
// result against what was published. Without a stored snapshot it falls back
// to the current inputs and period.
func BuildReviewPacket(req ReviewRequest) (*contract.ReviewPacket, error) {
	if req.Prior == nil || req.Matrices == nil {
		return nil, eris.New("qa: review packet needs a prior release and candidate matrices")
	}
	if len(req.Prior.Results) == 0 {
		return nil, eris.Errorf("qa: prior release %s has no results", req.Prior.RunID)
	}

	in, source := candidateInputs(req.Prior, req.Matrices)
	candidate, err := calc.ComputeAll(in, req.Params)
	if err != nil {
		return nil, eris.Wrapf(err, "qa: recompute %s under vintage %d", in.Reference, req.Matrices.Weights.VintageYear)
	}

	diff, err := diffResults(req.Prior.Results, candidate)
	if err != nil {
		return nil, err
	}

	return &contract.ReviewPacket{
		RunID:                req.RunID,
		Trigger:              req.Trigger,
		SpecificationID:      req.SpecificationID,
		PriorRunID:           req.Prior.RunID,
		PriorVintageYear:     req.Prior.VintageYear,
		CandidateVintageYear: req.Matrices.Weights.VintageYear,
		CandidatePeriod:      in.Reference.String(),
		InputsSource:         source,
		PriorResults:         contract.GroupResults(req.Prior.Results, nil),
		CandidateResults:     contract.GroupResults(candidate, nil),
		Diff:                 diff,
		CreatedAt:            req.CreatedAt.UTC(),
	}, nil
}

func candidateInputs(prior *model.Release, m *curated.Matrices) (calc.Inputs, string) {
	snap := prior.Snapshot
	if len(snap.Prices) == 0 || snap.ReferencePeriod.IsZero() {
		return m.Inputs, InputsCurrent
	}
	slack := snap.Slack
	return calc.Inputs{
		GeoID:     snap.GeoID,
		Reference: snap.ReferencePeriod,
		Lag:       snap.LagPeriod,
		Universe:  append([]string(nil), snap.Universe...),
		Prices:    snap.PriceMap(),
		Slack:     &slack,
		Weights:   m.Weights,
	}, InputsLedgerSnapshot
}

// diffResults computes candidate minus prior for every group both contain.
func diffResults(prior, candidate []model.CalculationResult) (contract.ReviewDiff, error) {
	diff := contract.ReviewDiff{
		DeltaIndexByGroup:     make(map[string]float64),
		DeltaInflationByGroup: make(map[string]float64),
	}
	byGroup := make(map[string]model.CalculationResult, len(prior))
	for _, r := range prior {
		byGroup[r.GroupID] = r
	}
	var common, commonPrior []model.CalculationResult
	for _, c := range candidate {
		p, ok := byGroup[c.GroupID]
		if !ok {
			continue
		}
		diff.DeltaIndexByGroup[c.GroupID] = c.IndexValue - p.IndexValue
		diff.DeltaInflationByGroup[c.GroupID] = c.Inflation - p.Inflation
		common = append(common, c)
		commonPrior = append(commonPrior, p)
	}
	if len(common) == 0 {
		return diff, eris.New("qa: prior and candidate results share no groups")
	}

	ps, cs := calc.Summary(commonPrior), calc.Summary(common)
	diff.DeltaDispersionMetrics = map[string]float64{
		"median":     cs.Median - ps.Median,
		"stress":     cs.Stress - ps.Stress,
		"dispersion": cs.Dispersion - ps.Dispersion,
	}
	return diff, nil
}
