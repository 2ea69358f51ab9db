// Package uncertainty estimates weight-sampling uncertainty by recomputing
// the index under randomly perturbed expenditure weights.
//
// Each draw seeds its own generator from (seed, draw index), so results do not
// depend on worker count or completion order. Price and slack inputs are not
// perturbed; their sampling error is outside this model.
package uncertainty

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/montanaflynn/stats"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sells-group/dmi/internal/calc"
	"github.com/sells-group/dmi/internal/model"
)

// Point estimate rules.
const (
	PointMedian      = "median"
	PointUnperturbed = "unperturbed"
)

// Config configures the estimator.
type Config struct {
	Draws         int
	CV            float64
	Floor         float64
	Seed          uint64
	Workers       int
	Confidence    float64
	PointEstimate string
}

// DefaultConfig returns 1000 draws at a 5% coefficient of variation.
func DefaultConfig() Config {
	return Config{
		Draws:         1000,
		CV:            0.05,
		Floor:         0.001,
		Seed:          42,
		Workers:       4,
		Confidence:    0.95,
		PointEstimate: PointMedian,
	}
}

// Estimator runs resampling draws through the calculator.
type Estimator struct {
	cfg    Config
	params calc.Params
}

// New creates an Estimator.
func New(cfg Config, params calc.Params) *Estimator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Confidence <= 0 || cfg.Confidence >= 1 {
		cfg.Confidence = 0.95
	}
	return &Estimator{cfg: cfg, params: params}
}

// Estimate returns one band per result, in the order of base. base must be the
// unperturbed calculator output for in.
func (e *Estimator) Estimate(ctx context.Context, in calc.Inputs, base []model.CalculationResult) ([]model.UncertaintyBand, error) {
	if e.cfg.Draws < 2 {
		return nil, eris.Errorf("uncertainty: need at least 2 draws, got %d", e.cfg.Draws)
	}
	if e.cfg.PointEstimate != PointMedian && e.cfg.PointEstimate != PointUnperturbed {
		return nil, eris.Errorf("uncertainty: unknown point estimate %q", e.cfg.PointEstimate)
	}

	groupIndex := make(map[string]int, len(base))
	for i, r := range base {
		groupIndex[r.GroupID] = i
	}

	// inflation[g][d], index[g][d]
	inflation := make([][]float64, len(base))
	index := make([][]float64, len(base))
	for i := range base {
		inflation[i] = make([]float64, e.cfg.Draws)
		index[i] = make([]float64, e.cfg.Draws)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for d := 0; d < e.cfg.Draws; d++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			src := rand.NewPCG(e.cfg.Seed, uint64(d))
			perturbed := Perturb(in.Weights, e.cfg.CV, e.cfg.Floor, src)
			results, err := calc.ComputeAll(in.WithWeights(perturbed), e.params)
			if err != nil {
				return eris.Wrapf(err, "uncertainty: draw %d", d)
			}
			for _, r := range results {
				gi, ok := groupIndex[r.GroupID]
				if !ok {
					continue
				}
				// Each draw owns column d.
				inflation[gi][d] = r.Inflation
				index[gi][d] = r.IndexValue
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bands := make([]model.UncertaintyBand, len(base))
	for i, r := range base {
		infl, err := e.reduce(inflation[i], r.Inflation)
		if err != nil {
			return nil, err
		}
		idx, err := e.reduce(index[i], r.IndexValue)
		if err != nil {
			return nil, err
		}
		bands[i] = model.UncertaintyBand{
			GroupID:    r.GroupID,
			Period:     r.Period,
			Draws:      e.cfg.Draws,
			Inflation:  infl,
			IndexValue: idx,
		}
	}
	return bands, nil
}

// reduce sorts a sample vector and summarizes it. Sorting first makes the
// result independent of the order draws completed in.
func (e *Estimator) reduce(samples []float64, unperturbed float64) (model.Interval, error) {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	median, err := stats.Median(sorted)
	if err != nil {
		return model.Interval{}, eris.Wrap(err, "uncertainty: median")
	}
	sd, err := stats.StandardDeviationSample(sorted)
	if err != nil {
		return model.Interval{}, eris.Wrap(err, "uncertainty: standard deviation")
	}

	tail := (1 - e.cfg.Confidence) / 2
	iv := model.Interval{
		Point:         median,
		Lower:         stat.Quantile(tail, stat.LinInterp, sorted, nil),
		Upper:         stat.Quantile(1-tail, stat.LinInterp, sorted, nil),
		StandardError: sd,
	}
	if e.cfg.PointEstimate == PointUnperturbed {
		iv.Point = unperturbed
	}
	return iv, nil
}

// Perturb draws each weight from Normal(w, cv*w), floors it, and
// renormalizes every group to sum to 1. The input set is not modified.
// Records are visited in group then category order so a given source always
// yields the same weights.
func Perturb(ws *model.WeightSet, cv, floor float64, src rand.Source) *model.WeightSet {
	out := ws.Clone()
	out.Records = out.Records[:0]

	for _, groupID := range ws.Groups {
		recs := ws.ForGroup(groupID)
		var sum float64
		for i := range recs {
			w := recs[i].Weight
			v := distuv.Normal{Mu: w, Sigma: cv * w, Src: src}.Rand()
			v = math.Max(v, floor)
			recs[i].Weight = v
			sum += v
		}
		for i := range recs {
			recs[i].Weight /= sum
		}
		out.Records = append(out.Records, recs...)
	}
	return out
}
