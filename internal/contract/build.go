package contract

import (
	"sort"
	"time"

	"github.com/sells-group/dmi/internal/model"
)

// ResultSource gathers what a Result is assembled from.
type ResultSource struct {
	RunID           string
	Reference       model.Period
	SpecificationID string
	Mode            string
	Parameters      ResultParameters
	Results         []model.CalculationResult
	// Bands is empty when resampling did not run.
	Bands       []model.UncertaintyBand
	Summary     model.SummaryMetrics
	Flags       []Flag
	SlackPeriod model.Period
	VintageYear int
	GeoID       string
	ComputedAt  time.Time
}

// NewResult assembles the result artifact.
func NewResult(src ResultSource) Result {
	categories := make(map[string]struct{})
	for _, r := range src.Results {
		for _, c := range r.Contributions {
			categories[c.CategoryID] = struct{}{}
		}
	}
	return Result{
		ReferencePeriod: src.Reference.String(),
		SpecificationID: src.SpecificationID,
		Mode:            src.Mode,
		Parameters:      src.Parameters,
		Results:         GroupResults(src.Results, src.Bands),
		SummaryMetrics:  src.Summary,
		Contributions:   ContributionRows(src.Results),
		Flags:           src.Flags,
		Metadata: ResultMetadata{
			RunID:         src.RunID,
			ComputedAt:    src.ComputedAt.UTC(),
			GroupCount:    len(src.Results),
			CategoryCount: len(categories),
			VintageYear:   src.VintageYear,
			GeoID:         src.GeoID,
			SlackPeriod:   src.SlackPeriod.String(),
		},
	}
}

// GroupResults converts calculator results into artifact rows, attaching
// interval fields from the matching band when one exists.
func GroupResults(results []model.CalculationResult, bands []model.UncertaintyBand) []GroupResult {
	byGroup := make(map[string]model.UncertaintyBand, len(bands))
	for _, b := range bands {
		byGroup[b.GroupID] = b
	}
	out := make([]GroupResult, 0, len(results))
	for _, r := range results {
		gr := GroupResult{
			GroupID:    r.GroupID,
			IndexValue: r.IndexValue,
			Inflation:  r.Inflation,
			Slack:      r.Slack,
		}
		if b, ok := byGroup[r.GroupID]; ok {
			gr.PointEstimate = ptr(b.IndexValue.Point)
			gr.CILower = ptr(b.IndexValue.Lower)
			gr.CIUpper = ptr(b.IndexValue.Upper)
			gr.StandardError = ptr(b.IndexValue.StandardError)
			gr.InflationCILower = ptr(b.Inflation.Lower)
			gr.InflationCIUpper = ptr(b.Inflation.Upper)
			gr.InflationStandardError = ptr(b.Inflation.StandardError)
		}
		out = append(out, gr)
	}
	return out
}

// ContributionRows flattens per-group contributions in result order.
func ContributionRows(results []model.CalculationResult) []ContributionRow {
	var out []ContributionRow
	for _, r := range results {
		for _, c := range r.Contributions {
			out = append(out, ContributionRow{
				GroupID:           r.GroupID,
				CategoryID:        c.CategoryID,
				CategoryInflation: c.CategoryInflation,
				Weight:            c.Weight,
				Contribution:      c.Contribution,
			})
		}
	}
	return out
}

// NewWeightsSnapshot converts a weight set into its published form.
func NewWeightsSnapshot(ws *model.WeightSet, mappingVersion, universe string) WeightsSnapshot {
	out := WeightsSnapshot{
		VintageYear:    ws.VintageYear,
		Grouping:       ws.Grouping,
		Groups:         append([]string(nil), ws.Groups...),
		ExcludedShare:  make(map[string]float64, len(ws.ExcludedShare)),
		MappingVersion: mappingVersion,
		Universe:       universe,
	}
	for _, g := range ws.Groups {
		out.ExcludedShare[g] = ws.ExcludedShare[g]
		for _, r := range ws.ForGroup(g) {
			out.Rows = append(out.Rows, WeightRow{
				GroupID:    r.GroupID,
				CategoryID: r.CategoryID,
				Weight:     r.Weight,
				Share:      r.Share,
			})
		}
	}
	return out
}

// NewQAReport wraps a verdict for publication.
func NewQAReport(runID string, ref model.Period, specID string, v model.QAVerdict, at time.Time) QAReport {
	return QAReport{
		RunID:           runID,
		ReferencePeriod: ref.String(),
		SpecificationID: specID,
		Status:          v.Status,
		Checks:          v.Checks,
		GeneratedAt:     at.UTC(),
	}
}

// WarningIDs returns the sorted IDs of the verdict's failed soft checks.
func WarningIDs(v model.QAVerdict) []string {
	var out []string
	for _, c := range v.Warnings() {
		out = append(out, c.CheckID)
	}
	sort.Strings(out)
	return out
}

func ptr(v float64) *float64 { return &v }
