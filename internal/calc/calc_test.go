package calc

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dmi/internal/model"
)

var (
	ref = model.MustPeriod("2024-11")
	lag = model.MustPeriod("2023-11")
)

func price(cat string, p model.Period) model.PriceKey {
	return model.PriceKey{CategoryID: cat, GeoID: "US", Period: p}
}

// twoCategoryInputs builds Q1 and Q5 over categories A (+5%) and B (+2%).
func twoCategoryInputs() Inputs {
	return Inputs{
		GeoID:     "US",
		Reference: ref,
		Lag:       lag,
		Universe:  []string{"B", "A"},
		Prices: map[model.PriceKey]float64{
			price("A", lag): 100, price("A", ref): 105,
			price("B", lag): 200, price("B", ref): 204,
		},
		Slack: &model.SlackValue{GeoID: "US", Period: ref, Value: 4.2},
		Weights: &model.WeightSet{
			VintageYear:   2023,
			Grouping:      model.GroupingQuintile,
			Groups:        []string{"Q1", "Q5"},
			ExcludedShare: map[string]float64{"Q1": 0, "Q5": 0},
			Records: []model.WeightRecord{
				{GroupID: "Q1", CategoryID: "A", Weight: 0.6},
				{GroupID: "Q1", CategoryID: "B", Weight: 0.4},
				{GroupID: "Q5", CategoryID: "A", Weight: 0.2},
				{GroupID: "Q5", CategoryID: "B", Weight: 0.8},
			},
		},
	}
}

func TestIndexValue_Examples(t *testing.T) {
	p := DefaultParams()
	assert.InDelta(t, 6.88, IndexValue(2.68, 4.2, p), 1e-9)
	assert.InDelta(t, 10.38, IndexValue(2.68, 7.7, p), 1e-9)
	assert.InDelta(t, 3.50, IndexValue(2.68, 7.7, p)-IndexValue(2.68, 4.2, p), 1e-9)

	assert.InDelta(t, 2.68, IndexValue(2.68, 4.2, Params{Alpha: 1, ScaleFactor: 1}), 1e-12)
}

func TestCompute_BootstrapScenario(t *testing.T) {
	in := Inputs{
		GeoID:     "US",
		Reference: ref,
		Lag:       lag,
		Universe:  []string{"ALL"},
		Prices:    map[model.PriceKey]float64{price("ALL", lag): 100, price("ALL", ref): 102.68},
		Slack:     &model.SlackValue{GeoID: "US", Period: ref, Value: 4.2},
		Weights: &model.WeightSet{
			Groups:  []string{"Q1"},
			Records: []model.WeightRecord{{GroupID: "Q1", CategoryID: "ALL", Weight: 1}},
		},
	}

	r, err := Compute(in, "Q1", DefaultParams())
	require.NoError(t, err)
	assert.InDelta(t, 2.68, r.Inflation, 1e-9)
	assert.InDelta(t, 6.88, r.IndexValue, 1e-9)

	in.Slack = &model.SlackValue{GeoID: "US", Period: ref, Value: 7.7}
	r, err = Compute(in, "Q1", DefaultParams())
	require.NoError(t, err)
	assert.InDelta(t, 10.38, r.IndexValue, 1e-9)
}

func TestCompute_WeightedInflation(t *testing.T) {
	r, err := Compute(twoCategoryInputs(), "Q1", DefaultParams())
	require.NoError(t, err)

	want := 100 * (math.Exp(0.6*math.Log(1.05)+0.4*math.Log(1.02)) - 1)
	assert.InDelta(t, want, r.Inflation, 1e-12)
	assert.InDelta(t, 2.0*(0.5*want+0.5*4.2), r.IndexValue, 1e-12)
	assert.Equal(t, "Q1", r.GroupID)
	assert.Equal(t, "US", r.GeoID)
	assert.Equal(t, ref, r.Period)
	assert.InDelta(t, 4.2, r.Slack, 0)

	require.Len(t, r.Contributions, 2)
	assert.Equal(t, "A", r.Contributions[0].CategoryID, "contributions are ordered by category")
	assert.InDelta(t, 5.0, r.Contributions[0].CategoryInflation, 1e-9)
	assert.InDelta(t, 0.6, r.Contributions[0].Weight, 0)
	assert.InDelta(t, r.Inflation, r.ContributionSum(), 1e-2)
	assert.InDelta(t, r.Inflation, r.ContributionSum(), 1e-9)
}

func TestCompute_Deterministic(t *testing.T) {
	in := twoCategoryInputs()
	a, err := ComputeAll(in, DefaultParams())
	require.NoError(t, err)
	b, err := ComputeAll(in, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCompute_NoPriceChange(t *testing.T) {
	in := twoCategoryInputs()
	in.Prices[price("A", ref)] = 100
	in.Prices[price("B", ref)] = 200

	r, err := Compute(in, "Q1", DefaultParams())
	require.NoError(t, err)
	assert.InDelta(t, 0, r.Inflation, 1e-12)
	for _, c := range r.Contributions {
		assert.InDelta(t, 0, c.Contribution, 1e-12)
	}
}

func TestCompute_CoverageGate(t *testing.T) {
	for _, key := range []model.PriceKey{price("A", ref), price("A", lag), price("B", ref), price("B", lag)} {
		t.Run(key.String(), func(t *testing.T) {
			in := twoCategoryInputs()
			delete(in.Prices, key)

			_, err := Compute(in, "Q1", DefaultParams())
			var ce *CoverageError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, []string{key.String()}, ce.Missing)
			assert.Contains(t, err.Error(), key.String())
		})
	}
}

func TestCompute_MissingSlack(t *testing.T) {
	in := twoCategoryInputs()
	in.Slack = nil

	_, err := Compute(in, "Q1", DefaultParams())
	var ce *CoverageError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"slack/US"}, ce.Missing)
}

func TestCompute_MissingWeight(t *testing.T) {
	in := twoCategoryInputs()
	in.Weights.Records = in.Weights.Records[1:]

	_, err := Compute(in, "Q1", DefaultParams())
	var ce *CoverageError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"weight/Q1/A"}, ce.Missing)

	_, err = Compute(in, "Q3", DefaultParams())
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"weights/Q3"}, ce.Missing)
}

func TestCompute_WeightOutsideUniverse(t *testing.T) {
	in := twoCategoryInputs()
	in.Universe = []string{"A"}

	_, err := Compute(in, "Q1", DefaultParams())
	require.Error(t, err)
	var ce *CoverageError
	assert.False(t, errors.As(err, &ce))
}

func TestCompute_NonPositiveLevel(t *testing.T) {
	in := twoCategoryInputs()
	in.Prices[price("B", lag)] = 0

	_, err := Compute(in, "Q1", DefaultParams())
	assert.Error(t, err)
}

func TestComputeAll_MergesCoverage(t *testing.T) {
	in := twoCategoryInputs()
	delete(in.Prices, price("B", lag))

	_, err := ComputeAll(in, DefaultParams())
	var ce *CoverageError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"B/US/2023-11"}, ce.Missing)
}

func TestComputeAll_GroupOrder(t *testing.T) {
	results, err := ComputeAll(twoCategoryInputs(), DefaultParams())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Q1", results[0].GroupID)
	assert.Equal(t, "Q5", results[1].GroupID)
	assert.Greater(t, results[0].Inflation, results[1].Inflation)

	_, err = ComputeAll(Inputs{Weights: &model.WeightSet{}}, DefaultParams())
	assert.Error(t, err)
}

func TestSummary(t *testing.T) {
	var results []model.CalculationResult
	for i, v := range []float64{7.0, 6.5, 6.9, 6.2, 5.8} {
		results = append(results, model.CalculationResult{GroupID: model.GroupIDs(model.GroupingQuintile)[i], IndexValue: v})
	}

	m := Summary(results)
	assert.InDelta(t, 6.5, m.Median, 1e-12)
	assert.InDelta(t, 7.0, m.Stress, 1e-12)
	assert.InDelta(t, 5.8-7.0, m.Dispersion, 1e-12)

	assert.Equal(t, model.SummaryMetrics{}, Summary(nil))
}

func TestInputsWithWeights(t *testing.T) {
	in := twoCategoryInputs()
	other := &model.WeightSet{VintageYear: 2022}
	out := in.WithWeights(other)
	assert.Same(t, other, out.Weights)
	assert.Equal(t, 2023, in.Weights.VintageYear)
}
