package config

import (
	"runtime"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dmi/internal/model"
)

// Mode selects whether a run may produce an official release.
type Mode string

const (
	ModePublished Mode = "published"
	ModeResearch  Mode = "research"
)

// ParseMode parses a run mode. Unknown values are rejected.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePublished, ModeResearch:
		return Mode(s), nil
	}
	return "", eris.Errorf("config: unknown mode %q (valid: published, research)", s)
}

// SlackAlignment controls how the slack observation is matched to the
// reference period.
type SlackAlignment string

const (
	SlackSameReferenceMonth SlackAlignment = "same_reference_month_required"
	SlackLatestNotAfter     SlackAlignment = "latest_available_not_after"
)

// ParseSlackAlignment parses a slack alignment rule. Unknown values are rejected.
func ParseSlackAlignment(s string) (SlackAlignment, error) {
	switch SlackAlignment(s) {
	case SlackSameReferenceMonth, SlackLatestNotAfter:
		return SlackAlignment(s), nil
	}
	return "", eris.Errorf("config: unknown slack_alignment %q (valid: %s, %s)",
		s, SlackSameReferenceMonth, SlackLatestNotAfter)
}

// PointEstimate selects the published point value for resampled results.
type PointEstimate string

const (
	PointMedian      PointEstimate = "median"
	PointUnperturbed PointEstimate = "unperturbed"
)

// ParsePointEstimate parses a point estimate rule. Unknown values are rejected.
func ParsePointEstimate(s string) (PointEstimate, error) {
	switch PointEstimate(s) {
	case PointMedian, PointUnperturbed:
		return PointEstimate(s), nil
	}
	return "", eris.Errorf("config: unknown point_estimate %q (valid: median, unperturbed)", s)
}

// RunParams is the immutable parameter set for one pipeline run. It is built
// once from Config plus command-line overrides and passed by value.
type RunParams struct {
	ReferencePeriod model.Period        `json:"reference_period"`
	SpecificationID string              `json:"specification_id" validate:"required"`
	Specification   SpecificationConfig `json:"-"`
	GeoID           string              `json:"geo_id" validate:"required"`
	FallbackGeoID   string              `json:"fallback_geo_id,omitempty"`
	Alpha           float64             `json:"alpha" validate:"gte=0,lte=1"`
	ScaleFactor     float64             `json:"scale_factor" validate:"gt=0"`
	HorizonMonths   int                 `json:"horizon_months" validate:"gte=1,lte=120"`
	BootstrapDraws  int                 `json:"bootstrap_draws" validate:"gte=0"`
	WeightCV        float64             `json:"weight_cv" validate:"gte=0,lt=1"`
	WeightFloor     float64             `json:"weight_floor" validate:"gt=0,lt=1"`
	Confidence      float64             `json:"confidence" validate:"gt=0,lt=1"`
	Seed            uint64              `json:"seed"`
	Workers         int                 `json:"workers" validate:"gte=1"`
	PointEstimate   PointEstimate       `json:"point_estimate" validate:"oneof=median unperturbed"`
	Mode            Mode                `json:"mode" validate:"oneof=published research"`
	SlackAlignment  SlackAlignment      `json:"slack_alignment" validate:"oneof=same_reference_month_required latest_available_not_after"`
	// ApprovalGranted releases the vintage-change gate. Absent means blocked.
	ApprovalGranted bool `json:"approval_granted"`
	// WeightsVintage, when set, is the vintage year the run's weights must
	// carry. Backfill sets it from the vintage table.
	WeightsVintage int `json:"weights_vintage,omitempty" validate:"gte=0"`
}

// NewRunParams derives run parameters for a specification from the loaded
// configuration. The result is not yet validated.
func NewRunParams(cfg *Config, specID string, period model.Period) (RunParams, error) {
	spec, ok := cfg.Specifications[specID]
	if !ok {
		return RunParams{}, eris.Errorf("config: unknown specification %q", specID)
	}

	workers := cfg.Uncertainty.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	return RunParams{
		ReferencePeriod: period,
		SpecificationID: specID,
		Specification:   spec,
		GeoID:           cfg.Calc.GeoID,
		FallbackGeoID:   cfg.Calc.FallbackGeoID,
		Alpha:           cfg.Calc.Alpha,
		ScaleFactor:     cfg.Calc.ScaleFactor,
		HorizonMonths:   cfg.Calc.HorizonMonths,
		BootstrapDraws:  cfg.Uncertainty.Draws,
		WeightCV:        cfg.Uncertainty.WeightCV,
		WeightFloor:     cfg.Uncertainty.WeightFloor,
		Confidence:      cfg.Uncertainty.Confidence,
		Seed:            cfg.Uncertainty.Seed,
		Workers:         workers,
		PointEstimate:   PointEstimate(cfg.Uncertainty.PointEstimate),
		Mode:            ModePublished,
		SlackAlignment:  SlackAlignment(cfg.QA.SlackAlignment),
	}, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and the mode rules.
func (p RunParams) Validate() error {
	if p.ReferencePeriod.IsZero() {
		return eris.New("config: reference_period is required")
	}
	if err := validate.Struct(p); err != nil {
		return eris.Wrap(err, "config: invalid run parameters")
	}
	if p.Mode == ModePublished && p.SlackAlignment != SlackSameReferenceMonth {
		return eris.Errorf("config: %s slack alignment is only allowed in research mode", p.SlackAlignment)
	}
	return nil
}

// LagPeriod returns the comparison period t - horizon.
func (p RunParams) LagPeriod() model.Period {
	return p.ReferencePeriod.AddMonths(-p.HorizonMonths)
}
