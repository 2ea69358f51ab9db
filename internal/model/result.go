package model

// CategoryContribution is one category's share of a group's inflation.
type CategoryContribution struct {
	CategoryID        string  `json:"category_id"`
	CategoryInflation float64 `json:"category_inflation"`
	Weight            float64 `json:"weight"`
	Contribution      float64 `json:"contribution"`
}

// CalculationResult is the Calculator's output for one group, geography and period.
type CalculationResult struct {
	GroupID       string                 `json:"group_id"`
	GeoID         string                 `json:"geo_id"`
	Period        Period                 `json:"period"`
	Inflation     float64                `json:"inflation"`
	Slack         float64                `json:"slack"`
	IndexValue    float64                `json:"index_value"`
	Contributions []CategoryContribution `json:"contributions"`
}

// ContributionSum returns the sum of the result's category contributions.
func (r CalculationResult) ContributionSum() float64 {
	var sum float64
	for _, c := range r.Contributions {
		sum += c.Contribution
	}
	return sum
}

// Interval is a resampled estimate with confidence bounds.
type Interval struct {
	Point         float64 `json:"point"`
	Lower         float64 `json:"lower"`
	Upper         float64 `json:"upper"`
	StandardError float64 `json:"standard_error"`
}

// Width returns Upper - Lower.
func (i Interval) Width() float64 { return i.Upper - i.Lower }

// UncertaintyBand attaches resampled bounds to one group's result.
type UncertaintyBand struct {
	GroupID    string   `json:"group_id"`
	Period     Period   `json:"period"`
	Draws      int      `json:"draws"`
	Inflation  Interval `json:"inflation"`
	IndexValue Interval `json:"index_value"`
}

// SummaryMetrics aggregates index values across groups.
type SummaryMetrics struct {
	Median     float64 `json:"median"`
	Stress     float64 `json:"stress"`
	Dispersion float64 `json:"dispersion"`
}

// Decision records a governance or data-handling choice made during a run.
type Decision struct {
	ID     string `json:"id" validate:"required"`
	Detail string `json:"detail" validate:"required"`
}
