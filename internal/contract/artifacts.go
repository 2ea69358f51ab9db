// Package contract defines the published output artifacts and enforces their
// schemas. Every schema-bound artifact is validated from its serialized bytes.
package contract

import (
	"time"

	"github.com/sells-group/dmi/internal/model"
)

// Kind names a schema-bound artifact.
type Kind string

const (
	KindResult          Kind = "result"
	KindQAReport        Kind = "qa_report"
	KindReleaseMetadata Kind = "release_metadata"
	KindWeights         Kind = "weights"
	KindReviewPacket    Kind = "review_packet"
)

// FileName returns the artifact's file name inside a release directory.
func (k Kind) FileName() string {
	return string(k) + ".json"
}

// ContributionsFile is the tabular contributions artifact.
const ContributionsFile = "contributions.csv"

// Result is the published index result.
type Result struct {
	ReferencePeriod string               `json:"reference_period" validate:"required,period"`
	SpecificationID string               `json:"specification_id" validate:"required"`
	Mode            string               `json:"mode" validate:"oneof=published research"`
	Parameters      ResultParameters     `json:"parameters"`
	Results         []GroupResult        `json:"results" validate:"required,min=1,dive"`
	SummaryMetrics  model.SummaryMetrics `json:"summary_metrics"`
	Contributions   []ContributionRow    `json:"contributions" validate:"required,min=1,dive"`
	Flags           []Flag               `json:"flags,omitempty" validate:"omitempty,dive"`
	Metadata        ResultMetadata       `json:"metadata"`
}

// ResultParameters echoes the run parameters that shaped the result.
type ResultParameters struct {
	Alpha          float64 `json:"alpha" validate:"gte=0,lte=1"`
	ScaleFactor    float64 `json:"scale_factor" validate:"gt=0"`
	WeightsYear    int     `json:"weights_year" validate:"gte=1900,lte=2200"`
	HorizonMonths  int     `json:"horizon_months" validate:"gte=1"`
	BootstrapDraws int     `json:"bootstrap_draws" validate:"gte=0"`
	WeightCV       float64 `json:"weight_cv" validate:"gte=0"`
	PointEstimate  string  `json:"point_estimate,omitempty" validate:"omitempty,oneof=median unperturbed"`
	GeoID          string  `json:"geo_id" validate:"required"`
	Universe       string  `json:"universe" validate:"required"`
	SlackInput     string  `json:"slack_input" validate:"required"`
}

// GroupResult is one group's row. Interval fields are present only when
// resampling ran.
type GroupResult struct {
	GroupID                string   `json:"group_id" validate:"required"`
	IndexValue             float64  `json:"index_value"`
	Inflation              float64  `json:"inflation"`
	Slack                  float64  `json:"slack"`
	PointEstimate          *float64 `json:"point_estimate,omitempty"`
	CILower                *float64 `json:"ci_lower,omitempty"`
	CIUpper                *float64 `json:"ci_upper,omitempty"`
	StandardError          *float64 `json:"standard_error,omitempty" validate:"omitempty,gte=0"`
	InflationCILower       *float64 `json:"inflation_ci_lower,omitempty"`
	InflationCIUpper       *float64 `json:"inflation_ci_upper,omitempty"`
	InflationStandardError *float64 `json:"inflation_standard_error,omitempty" validate:"omitempty,gte=0"`
}

// ContributionRow is one category's contribution to one group's inflation.
type ContributionRow struct {
	GroupID           string  `json:"group_id" validate:"required"`
	CategoryID        string  `json:"category_id" validate:"required"`
	CategoryInflation float64 `json:"category_inflation"`
	Weight            float64 `json:"weight" validate:"gte=0,lte=1"`
	Contribution      float64 `json:"contribution"`
}

// Flag marks a non-default condition a consumer must surface.
type Flag struct {
	ID     string `json:"id" validate:"required"`
	Detail string `json:"detail" validate:"required"`
}

// ResultMetadata describes the computation.
type ResultMetadata struct {
	RunID         string    `json:"run_id" validate:"required,uuid"`
	ComputedAt    time.Time `json:"computed_at" validate:"required"`
	GroupCount    int       `json:"group_count" validate:"gte=1"`
	CategoryCount int       `json:"category_count" validate:"gte=1"`
	VintageYear   int       `json:"vintage_year" validate:"gte=1900,lte=2200"`
	GeoID         string    `json:"geo_id" validate:"required"`
	SlackPeriod   string    `json:"slack_period" validate:"required,period"`
}

// QAReport is the machine-readable QA verdict.
type QAReport struct {
	RunID           string              `json:"run_id" validate:"required,uuid"`
	ReferencePeriod string              `json:"reference_period" validate:"required,period"`
	SpecificationID string              `json:"specification_id" validate:"required"`
	Status          model.QAStatus      `json:"status" validate:"oneof=PASS WARN FAIL"`
	Checks          []model.CheckResult `json:"checks" validate:"required,min=1,dive"`
	GeneratedAt     time.Time           `json:"generated_at" validate:"required"`
}

// ReleaseMetadata is the immutable audit record of one publish.
type ReleaseMetadata struct {
	RunID           string            `json:"run_id" validate:"required,uuid"`
	ReferencePeriod string            `json:"reference_period" validate:"required,period"`
	SpecificationID string            `json:"specification_id" validate:"required"`
	Mode            string            `json:"mode" validate:"oneof=published research"`
	ManifestVersion string            `json:"manifest_version" validate:"required"`
	PolicyVersions  map[string]string `json:"policy_versions" validate:"required,min=1,dive,keys,required,endkeys,required"`
	InputChecksums  map[string]string `json:"input_checksums" validate:"required,min=1,dive,keys,required,endkeys,startswith=sha256:"`
	VintageYear     int               `json:"vintage_year" validate:"gte=1900,lte=2200"`
	Decisions       []model.Decision  `json:"decisions" validate:"dive"`
	QA              model.QAVerdict   `json:"qa"`
	Warnings        []string          `json:"warnings"`
	Flags           []Flag            `json:"flags,omitempty" validate:"omitempty,dive"`
	Outputs         []OutputFile      `json:"outputs" validate:"required,min=1,dive"`
	CreatedAt       time.Time         `json:"created_at" validate:"required"`
}

// OutputFile is one published file and its checksum.
type OutputFile struct {
	Path     string `json:"path" validate:"required"`
	Checksum string `json:"checksum" validate:"required,startswith=sha256:"`
}

// WeightsSnapshot is the published copy of the weights a run used.
type WeightsSnapshot struct {
	VintageYear    int                `json:"vintage_year" validate:"gte=1900,lte=2200"`
	Grouping       string             `json:"grouping" validate:"oneof=quintile decile"`
	Groups         []string           `json:"groups" validate:"required,min=1,dive,required"`
	Rows           []WeightRow        `json:"rows" validate:"required,min=1,dive"`
	ExcludedShare  map[string]float64 `json:"excluded_share" validate:"required,dive,keys,required,endkeys,gte=0,lte=1"`
	MappingVersion string             `json:"mapping_version,omitempty"`
	Universe       string             `json:"universe" validate:"required"`
}

// WeightRow is one group/category weight.
type WeightRow struct {
	GroupID    string  `json:"group_id" validate:"required"`
	CategoryID string  `json:"category_id" validate:"required"`
	Weight     float64 `json:"weight" validate:"gte=0,lte=1"`
	Share      float64 `json:"share" validate:"gte=0,lte=1"`
}

// ReviewPacket is the internal diagnostic produced when a weight vintage
// change blocks publication. It is never promoted.
type ReviewPacket struct {
	RunID                string        `json:"run_id" validate:"required,uuid"`
	Trigger              string        `json:"trigger" validate:"required"`
	SpecificationID      string        `json:"specification_id" validate:"required"`
	PriorRunID           string        `json:"prior_run_id" validate:"required"`
	PriorVintageYear     int           `json:"prior_vintage_year" validate:"gte=1900,lte=2200"`
	CandidateVintageYear int           `json:"candidate_vintage_year" validate:"gte=1900,lte=2200"`
	CandidatePeriod      string        `json:"candidate_period" validate:"required,period"`
	InputsSource         string        `json:"inputs_source" validate:"oneof=ledger_snapshot current_inputs"`
	PriorResults         []GroupResult `json:"prior_results" validate:"required,min=1,dive"`
	CandidateResults     []GroupResult `json:"candidate_results" validate:"required,min=1,dive"`
	Diff                 ReviewDiff    `json:"diff"`
	CreatedAt            time.Time     `json:"created_at" validate:"required"`
}

// ReviewDiff holds candidate minus prior deltas.
type ReviewDiff struct {
	DeltaIndexByGroup      map[string]float64 `json:"delta_index_by_group" validate:"required,min=1"`
	DeltaInflationByGroup  map[string]float64 `json:"delta_inflation_by_group" validate:"required,min=1"`
	DeltaDispersionMetrics map[string]float64 `json:"delta_dispersion_metrics" validate:"required,min=1"`
}
