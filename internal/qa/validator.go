// Package qa gates publication. A run moves from PENDING through the hard
// checks to FAIL, or on through the soft checks to WARN or PASS.
package qa

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/dmi/internal/calc"
	"github.com/sells-group/dmi/internal/config"
	"github.com/sells-group/dmi/internal/contract"
	"github.com/sells-group/dmi/internal/curated"
	"github.com/sells-group/dmi/internal/model"
)

// Hard checks.
const (
	CheckInputIntegrity     = "INPUT_KEYS_UNIQUE_MONOTONIC"
	CheckCoverage           = "INPUT_FULL_COVERAGE"
	CheckWeightsNonNegative = "WEIGHTS_NON_NEGATIVE"
	CheckWeightsSum         = "WEIGHTS_SUM_TO_ONE"
	CheckExcludedShare      = "WEIGHTS_EXCLUDED_SHARE_PRESENT"
	CheckShareClosure       = "WEIGHTS_SHARE_CLOSURE"
	CheckAllGroups          = "RESULTS_ALL_GROUPS_PRESENT"
	CheckContributions      = "CONTRIBUTIONS_RECONCILE"
	CheckSchema             = "OUTPUT_SCHEMA_VALID"
	CheckSlackAlignment     = "SLACK_PERIOD_ALIGNED"
	CheckVintageChange      = "WEIGHTS_VINTAGE_CHANGE"
)

// Soft checks.
const (
	CheckOutlier       = "INDEX_OUTLIER"
	CheckRevision      = "INPUT_REVISION"
	CheckDiscontinuity = "VINTAGE_DISCONTINUITY"
	CheckVintageAge    = "WEIGHTS_VINTAGE_AGE"
	CheckGradient      = "DISTRIBUTIONAL_GRADIENT"
)

// minOutlierHistory is the fewest prior values a z-score is computed from.
const minOutlierHistory = 3

// Policy holds the thresholds and run flags the checks read.
type Policy struct {
	WeightTolerance        float64
	ContributionTolerance  float64
	OutlierZ               float64
	OutlierWindow          int
	DiscontinuityThreshold float64
	VintageAgeWarnYears    int
	SlackAlignment         config.SlackAlignment
	ApprovalGranted        bool
}

// NewPolicy combines configured thresholds with the run's parameters.
func NewPolicy(cfg config.QAConfig, p config.RunParams) Policy {
	return Policy{
		WeightTolerance:        cfg.WeightTolerance,
		ContributionTolerance:  cfg.ContributionTolerance,
		OutlierZ:               cfg.OutlierZ,
		OutlierWindow:          cfg.OutlierWindow,
		DiscontinuityThreshold: cfg.DiscontinuityThreshold,
		VintageAgeWarnYears:    cfg.VintageAgeWarnYears,
		SlackAlignment:         p.SlackAlignment,
		ApprovalGranted:        p.ApprovalGranted,
	}
}

// Input is everything one QA run judges.
type Input struct {
	Matrices *curated.Matrices
	// Results is empty when the calculator failed.
	Results []model.CalculationResult
	// Artifacts are serialized schema-bound outputs, validated from bytes.
	Artifacts map[contract.Kind][]byte
	// Prior is the latest published release before this period, if any.
	Prior *model.Release
	// History holds trailing published releases, newest first.
	History []model.Release
}

// Report is the verdict plus the typed errors behind failed checks.
type Report struct {
	Verdict  model.QAVerdict
	Blocking []error
	Warnings []error
}

// Err joins the blocking errors, or returns nil when the verdict allows
// publication.
func (r *Report) Err() error {
	if r.Verdict.Status.Publishable() {
		return nil
	}
	return errors.Join(r.Blocking...)
}

// VintageBlocked returns the vintage gate error when the gate fired.
func (r *Report) VintageBlocked() *VintageChangeBlocked {
	for _, err := range r.Blocking {
		var vb *VintageChangeBlocked
		if errors.As(err, &vb) {
			return vb
		}
	}
	return nil
}

// Validator runs the QA checklist.
type Validator struct {
	policy Policy
}

// New creates a Validator.
func New(p Policy) *Validator {
	return &Validator{policy: p}
}

// Run evaluates the checks and returns the report. Soft checks run only when
// every hard check passed.
func (v *Validator) Run(in Input) *Report {
	rep := &Report{Verdict: model.QAVerdict{Status: model.QAPending}}
	if in.Matrices == nil {
		rep.fail(CheckCoverage, &CheckFailure{CheckID: CheckCoverage, Detail: "no input matrices"})
		rep.Verdict.Status = model.QAFail
		return rep
	}

	v.vintageGate(rep, in)
	v.inputIntegrity(rep, in.Matrices)
	v.coverage(rep, in.Matrices)
	v.weights(rep, in.Matrices.Weights)
	v.results(rep, in)
	v.schemas(rep, in.Artifacts)
	v.slackAlignment(rep, in.Matrices)

	if len(rep.Verdict.Failed()) > 0 {
		rep.Verdict.Status = model.QAFail
		return rep
	}

	v.outliers(rep, in)
	v.revisions(rep, in)
	v.discontinuity(rep, in)
	v.vintageAge(rep, in.Matrices)
	v.gradient(rep, in.Results)
	for _, w := range in.Matrices.Weights.Warnings {
		rep.Verdict.Checks = append(rep.Verdict.Checks, w)
	}

	rep.Verdict.Status = model.QAPass
	if len(rep.Verdict.Warnings()) > 0 {
		rep.Verdict.Status = model.QAWarn
	}
	return rep
}

func (r *Report) pass(id string, sev model.Severity, detail string) {
	r.Verdict.Checks = append(r.Verdict.Checks, model.CheckResult{CheckID: id, Severity: sev, Passed: true, Detail: detail})
}

func (r *Report) fail(id string, err error) {
	r.Verdict.Checks = append(r.Verdict.Checks, model.CheckResult{CheckID: id, Severity: model.SeverityHard, Detail: err.Error()})
	r.Blocking = append(r.Blocking, err)
}

func (r *Report) warn(id string, err error) {
	r.Verdict.Checks = append(r.Verdict.Checks, model.CheckResult{CheckID: id, Severity: model.SeveritySoft, Detail: err.Error()})
	r.Warnings = append(r.Warnings, err)
}

func (v *Validator) vintageGate(rep *Report, in Input) {
	cur := in.Matrices.Weights.VintageYear
	switch {
	case in.Prior == nil:
		rep.pass(CheckVintageChange, model.SeverityHard, "no prior published release")
	case in.Prior.VintageYear == cur:
		rep.pass(CheckVintageChange, model.SeverityHard, fmt.Sprintf("vintage %d unchanged", cur))
	case v.policy.ApprovalGranted:
		rep.pass(CheckVintageChange, model.SeverityHard,
			fmt.Sprintf("vintage changed from %d to %d; approval granted", in.Prior.VintageYear, cur))
	default:
		rep.fail(CheckVintageChange, &VintageChangeBlocked{
			PriorRunID:       in.Prior.RunID,
			PriorVintage:     in.Prior.VintageYear,
			CandidateVintage: cur,
		})
	}
}

func (v *Validator) inputIntegrity(rep *Report, m *curated.Matrices) {
	if len(m.Findings) == 0 {
		rep.pass(CheckInputIntegrity, model.SeverityHard, "no duplicate keys; periods monotonic")
		return
	}
	parts := make([]string, 0, len(m.Findings))
	for _, f := range m.Findings {
		parts = append(parts, f.Kind+" "+f.Key)
	}
	rep.fail(CheckInputIntegrity, &CheckFailure{CheckID: CheckInputIntegrity, Detail: strings.Join(parts, "; ")})
}

func (v *Validator) coverage(rep *Report, m *curated.Matrices) {
	var missing []string
	for _, c := range m.Universe {
		for _, p := range []model.Period{m.Lag, m.Reference} {
			k := model.PriceKey{CategoryID: c, GeoID: m.GeoID, Period: p}
			if _, ok := m.Prices[k]; !ok {
				missing = append(missing, k.String())
			}
		}
	}
	if m.Slack == nil {
		missing = append(missing, "slack/"+m.GeoID)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		rep.fail(CheckCoverage, &calc.CoverageError{Missing: missing})
		return
	}
	rep.pass(CheckCoverage, model.SeverityHard,
		fmt.Sprintf("%d categories at %s and %s", len(m.Universe), m.Lag, m.Reference))
}

func (v *Validator) weights(rep *Report, ws *model.WeightSet) {
	tol := v.policy.WeightTolerance

	var negative []string
	for _, r := range ws.Records {
		if r.Weight < 0 {
			negative = append(negative, r.GroupID+"/"+r.CategoryID)
		}
	}
	if len(negative) > 0 {
		rep.fail(CheckWeightsNonNegative, &CheckFailure{CheckID: CheckWeightsNonNegative, Detail: strings.Join(negative, ", ")})
	} else {
		rep.pass(CheckWeightsNonNegative, model.SeverityHard, fmt.Sprintf("%d weights", len(ws.Records)))
	}

	var sumErr, closureErr error
	var absent []string
	for _, g := range ws.Groups {
		w, s := ws.Sums(g)
		if sumErr == nil && math.Abs(w-1) > tol {
			sumErr = &ToleranceViolation{CheckID: CheckWeightsSum, Subject: "group " + g, Value: w, Expected: 1, Tolerance: tol}
		}
		excluded, ok := ws.ExcludedShare[g]
		if !ok {
			absent = append(absent, g)
			continue
		}
		// Snapshots without pre-renormalization shares carry only weights.
		if s > 0 && closureErr == nil && math.Abs(s+excluded-1) > tol {
			closureErr = &ToleranceViolation{CheckID: CheckShareClosure, Subject: "group " + g, Value: s + excluded, Expected: 1, Tolerance: tol}
		}
	}

	if sumErr != nil {
		rep.fail(CheckWeightsSum, sumErr)
	} else {
		rep.pass(CheckWeightsSum, model.SeverityHard, fmt.Sprintf("%d groups within %g", len(ws.Groups), tol))
	}
	if len(absent) > 0 {
		rep.fail(CheckExcludedShare, &CheckFailure{CheckID: CheckExcludedShare, Detail: "missing for " + strings.Join(absent, ", ")})
	} else {
		rep.pass(CheckExcludedShare, model.SeverityHard, "recorded for every group")
	}
	if closureErr != nil {
		rep.fail(CheckShareClosure, closureErr)
	} else {
		rep.pass(CheckShareClosure, model.SeverityHard, "shares plus excluded share sum to 1")
	}
}

func (v *Validator) results(rep *Report, in Input) {
	have := make(map[string]bool, len(in.Results))
	for _, r := range in.Results {
		have[r.GroupID] = true
	}
	var missing []string
	for _, g := range in.Matrices.Weights.Groups {
		if !have[g] {
			missing = append(missing, g)
		}
	}
	if len(missing) > 0 {
		rep.fail(CheckAllGroups, &CheckFailure{CheckID: CheckAllGroups, Detail: "no result for " + strings.Join(missing, ", ")})
	} else {
		rep.pass(CheckAllGroups, model.SeverityHard, fmt.Sprintf("%d groups", len(in.Results)))
	}

	if len(in.Results) == 0 {
		return
	}
	tol := v.policy.ContributionTolerance
	for _, r := range in.Results {
		sum := r.ContributionSum()
		if math.Abs(sum-r.Inflation) > tol {
			rep.fail(CheckContributions, &ToleranceViolation{
				CheckID: CheckContributions, Subject: "group " + r.GroupID, Value: sum, Expected: r.Inflation, Tolerance: tol,
			})
			return
		}
	}
	rep.pass(CheckContributions, model.SeverityHard, fmt.Sprintf("contributions within %g of inflation", tol))
}

func (v *Validator) schemas(rep *Report, artifacts map[contract.Kind][]byte) {
	if len(artifacts) == 0 {
		return
	}
	kinds := make([]string, 0, len(artifacts))
	for k := range artifacts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		if err := contract.Validate(contract.Kind(k), artifacts[contract.Kind(k)]); err != nil {
			rep.fail(CheckSchema, err)
			return
		}
	}
	rep.pass(CheckSchema, model.SeverityHard, "valid: "+strings.Join(kinds, ", "))
}

func (v *Validator) slackAlignment(rep *Report, m *curated.Matrices) {
	switch {
	case m.Slack == nil:
		rep.fail(CheckSlackAlignment, &CheckFailure{CheckID: CheckSlackAlignment, Detail: "no slack observation at or before " + m.Reference.String()})
	case m.SlackAligned():
		rep.pass(CheckSlackAlignment, model.SeverityHard, "slack period "+m.Slack.Period.String())
	case v.policy.SlackAlignment == config.SlackLatestNotAfter:
		rep.pass(CheckSlackAlignment, model.SeverityHard,
			fmt.Sprintf("research override: slack %s used for reference %s", m.Slack.Period, m.Reference))
	default:
		rep.fail(CheckSlackAlignment, &CheckFailure{
			CheckID: CheckSlackAlignment,
			Detail:  fmt.Sprintf("slack period %s does not match reference period %s", m.Slack.Period, m.Reference),
		})
	}
}

func (v *Validator) outliers(rep *Report, in Input) {
	if len(in.History) < minOutlierHistory {
		rep.pass(CheckOutlier, model.SeveritySoft, fmt.Sprintf("%d prior releases; need %d", len(in.History), minOutlierHistory))
		return
	}
	var warned bool
	for _, r := range in.Results {
		var xs []float64
		for i := range in.History {
			if prior, ok := in.History[i].Result(r.GroupID); ok {
				xs = append(xs, prior.IndexValue)
			}
		}
		if len(xs) < minOutlierHistory {
			continue
		}
		mean, sd := stat.MeanStdDev(xs, nil)
		if sd == 0 {
			continue
		}
		z := (r.IndexValue - mean) / sd
		if math.Abs(z) > v.policy.OutlierZ {
			rep.warn(CheckOutlier, &OutlierWarning{GroupID: r.GroupID, Value: r.IndexValue, Mean: mean, StdDev: sd, Z: z})
			warned = true
		}
	}
	if !warned {
		rep.pass(CheckOutlier, model.SeveritySoft, fmt.Sprintf("all groups within %.1f standard deviations", v.policy.OutlierZ))
	}
}

func (v *Validator) revisions(rep *Report, in Input) {
	if in.Prior == nil {
		rep.pass(CheckRevision, model.SeveritySoft, "no prior release")
		return
	}
	m := in.Matrices
	var revised []string
	for _, p := range in.Prior.Snapshot.Prices {
		if cur, ok := m.Prices[p.Key()]; ok && cur != p.Value {
			revised = append(revised, p.Key().String())
		}
	}
	if s := in.Prior.Snapshot.Slack; m.Slack != nil && s.Period == m.Slack.Period && s.GeoID == m.Slack.GeoID && s.Value != m.Slack.Value {
		revised = append(revised, "slack/"+s.Key().String())
	}
	if len(revised) > 0 {
		sort.Strings(revised)
		rep.warn(CheckRevision, &RevisionWarning{PriorRunID: in.Prior.RunID, Keys: revised})
		return
	}
	rep.pass(CheckRevision, model.SeveritySoft, "no revisions since release "+in.Prior.RunID)
}

func (v *Validator) discontinuity(rep *Report, in Input) {
	if in.Prior == nil || in.Prior.VintageYear == in.Matrices.Weights.VintageYear {
		rep.pass(CheckDiscontinuity, model.SeveritySoft, "no vintage change")
		return
	}
	var jumps []string
	for _, r := range in.Results {
		prior, ok := in.Prior.Result(r.GroupID)
		if !ok {
			continue
		}
		if d := r.IndexValue - prior.IndexValue; math.Abs(d) > v.policy.DiscontinuityThreshold {
			jumps = append(jumps, fmt.Sprintf("%s %+.3f", r.GroupID, d))
		}
	}
	if len(jumps) > 0 {
		rep.warn(CheckDiscontinuity, &CheckFailure{
			CheckID: CheckDiscontinuity,
			Detail:  fmt.Sprintf("index moved more than %g at vintage change: %s", v.policy.DiscontinuityThreshold, strings.Join(jumps, ", ")),
		})
		return
	}
	rep.pass(CheckDiscontinuity, model.SeveritySoft, "no discontinuity at vintage change")
}

func (v *Validator) vintageAge(rep *Report, m *curated.Matrices) {
	age := m.Reference.Year - m.Weights.VintageYear
	if age > v.policy.VintageAgeWarnYears {
		rep.warn(CheckVintageAge, &CheckFailure{
			CheckID: CheckVintageAge,
			Detail:  fmt.Sprintf("weights vintage %d is %d years older than %d", m.Weights.VintageYear, age, m.Reference.Year),
		})
		return
	}
	rep.pass(CheckVintageAge, model.SeveritySoft, fmt.Sprintf("weights vintage %d", m.Weights.VintageYear))
}

// gradient expects the lowest income group's index to be at least the
// highest group's.
func (v *Validator) gradient(rep *Report, results []model.CalculationResult) {
	if len(results) < 2 {
		rep.pass(CheckGradient, model.SeveritySoft, "fewer than two groups")
		return
	}
	lo, hi := results[0], results[len(results)-1]
	if lo.IndexValue < hi.IndexValue {
		rep.warn(CheckGradient, &CheckFailure{
			CheckID: CheckGradient,
			Detail:  fmt.Sprintf("%s index %.4f below %s index %.4f", lo.GroupID, lo.IndexValue, hi.GroupID, hi.IndexValue),
		})
		return
	}
	rep.pass(CheckGradient, model.SeveritySoft, fmt.Sprintf("%s %.4f >= %s %.4f", lo.GroupID, lo.IndexValue, hi.GroupID, hi.IndexValue))
}
