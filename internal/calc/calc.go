// Package calc computes group-weighted inflation, the composite index and
// per-category contributions. It has no I/O and no global state; identical
// inputs always produce identical outputs.
package calc

import (
	"errors"
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dmi/internal/model"
)

// Params are the index formula parameters.
type Params struct {
	Alpha       float64
	ScaleFactor float64
}

// DefaultParams returns alpha 0.5 and scale factor 2.0.
func DefaultParams() Params {
	return Params{Alpha: 0.5, ScaleFactor: 2.0}
}

// Inputs are the calculator-ready matrices for one geography and period.
// They are treated as read-only.
type Inputs struct {
	GeoID     string
	Reference model.Period
	Lag       model.Period
	Universe  []string
	Prices    map[model.PriceKey]float64
	Slack     *model.SlackValue
	Weights   *model.WeightSet
}

// WithWeights returns a shallow copy of the inputs using a different weight set.
func (in Inputs) WithWeights(ws *model.WeightSet) Inputs {
	in.Weights = ws
	return in
}

// IndexValue combines inflation and slack: scale * (alpha*inflation + (1-alpha)*slack).
func IndexValue(inflation, slack float64, p Params) float64 {
	return p.ScaleFactor * (p.Alpha*inflation + (1-p.Alpha)*slack)
}

// Compute calculates the result for one group.
func Compute(in Inputs, groupID string, p Params) (model.CalculationResult, error) {
	weights := make(map[string]float64)
	for _, r := range in.Weights.Records {
		if r.GroupID == groupID {
			weights[r.CategoryID] = r.Weight
		}
	}

	universe := append([]string(nil), in.Universe...)
	sort.Strings(universe)

	inUniverse := make(map[string]bool, len(universe))
	for _, c := range universe {
		inUniverse[c] = true
	}
	for c := range weights {
		if !inUniverse[c] {
			return model.CalculationResult{}, eris.Errorf("calc: group %s weights category %q outside the universe", groupID, c)
		}
	}

	var missing []string
	if len(weights) == 0 {
		missing = append(missing, "weights/"+groupID)
	}
	rels := make([]float64, len(universe))
	for i, c := range universe {
		if _, ok := weights[c]; !ok && len(weights) > 0 {
			missing = append(missing, "weight/"+groupID+"/"+c)
		}
		cur, okCur := in.Prices[model.PriceKey{CategoryID: c, GeoID: in.GeoID, Period: in.Reference}]
		base, okBase := in.Prices[model.PriceKey{CategoryID: c, GeoID: in.GeoID, Period: in.Lag}]
		if !okCur {
			missing = append(missing, model.PriceKey{CategoryID: c, GeoID: in.GeoID, Period: in.Reference}.String())
		}
		if !okBase {
			missing = append(missing, model.PriceKey{CategoryID: c, GeoID: in.GeoID, Period: in.Lag}.String())
		}
		if okCur && okBase {
			if cur <= 0 || base <= 0 {
				return model.CalculationResult{}, eris.Errorf("calc: non-positive price level for %s", c)
			}
			rels[i] = cur / base
		}
	}
	if in.Slack == nil {
		missing = append(missing, "slack/"+in.GeoID)
	}
	if len(missing) > 0 {
		return model.CalculationResult{}, &CoverageError{Missing: missing}
	}

	var logRel float64
	naive := make([]float64, len(universe))
	var naiveSum float64
	for i, c := range universe {
		lr := math.Log(rels[i])
		logRel += weights[c] * lr
		naive[i] = 100 * weights[c] * lr
		naiveSum += naive[i]
	}
	inflation := 100 * (math.Exp(logRel) - 1)

	// Log-linear contributions are scaled so they sum exactly to inflation.
	scale := 0.0
	if naiveSum != 0 {
		scale = inflation / naiveSum
	}
	contribs := make([]model.CategoryContribution, len(universe))
	for i, c := range universe {
		contribs[i] = model.CategoryContribution{
			CategoryID:        c,
			CategoryInflation: 100 * (rels[i] - 1),
			Weight:            weights[c],
			Contribution:      naive[i] * scale,
		}
	}

	return model.CalculationResult{
		GroupID:       groupID,
		GeoID:         in.GeoID,
		Period:        in.Reference,
		Inflation:     inflation,
		Slack:         in.Slack.Value,
		IndexValue:    IndexValue(inflation, in.Slack.Value, p),
		Contributions: contribs,
	}, nil
}

// ComputeAll calculates every group in the weight set, in group order.
// Coverage gaps across groups are merged into one CoverageError.
func ComputeAll(in Inputs, p Params) ([]model.CalculationResult, error) {
	if in.Weights == nil || len(in.Weights.Groups) == 0 {
		return nil, eris.New("calc: no weight groups")
	}

	results := make([]model.CalculationResult, 0, len(in.Weights.Groups))
	var coverage CoverageError
	for _, g := range in.Weights.Groups {
		r, err := Compute(in, g, p)
		if err != nil {
			var ce *CoverageError
			if errors.As(err, &ce) {
				coverage.merge(ce)
				continue
			}
			return nil, err
		}
		results = append(results, r)
	}
	if len(coverage.Missing) > 0 {
		return nil, &coverage
	}
	return results, nil
}

// Summary computes the median and maximum index value across groups, and
// dispersion as the last group's index minus the first group's. Groups must be
// ordered from lowest to highest income.
func Summary(results []model.CalculationResult) model.SummaryMetrics {
	if len(results) == 0 {
		return model.SummaryMetrics{}
	}
	values := make(stats.Float64Data, len(results))
	for i, r := range results {
		values[i] = r.IndexValue
	}
	median, _ := stats.Median(values)
	stress, _ := stats.Max(values)
	return model.SummaryMetrics{
		Median:     median,
		Stress:     stress,
		Dispersion: results[len(results)-1].IndexValue - results[0].IndexValue,
	}
}
