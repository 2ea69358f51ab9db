package qa

import (
	"fmt"
	"strings"
)

// ToleranceViolation reports a numeric invariant outside its tolerance.
type ToleranceViolation struct {
	CheckID   string
	Subject   string
	Value     float64
	Expected  float64
	Tolerance float64
}

func (e *ToleranceViolation) Error() string {
	return fmt.Sprintf("qa: %s %s: %.9g differs from %.9g by more than %g",
		e.CheckID, e.Subject, e.Value, e.Expected, e.Tolerance)
}

// VintageChangeBlocked reports a weight vintage change without approval.
type VintageChangeBlocked struct {
	PriorRunID       string
	PriorVintage     int
	CandidateVintage int
}

func (e *VintageChangeBlocked) Error() string {
	return fmt.Sprintf("qa: weight vintage changed from %d (release %s) to %d without approval",
		e.PriorVintage, e.PriorRunID, e.CandidateVintage)
}

// OutlierWarning reports an index value far from its trailing window.
type OutlierWarning struct {
	GroupID string
	Value   float64
	Mean    float64
	StdDev  float64
	Z       float64
}

func (e *OutlierWarning) Error() string {
	return fmt.Sprintf("qa: group %s index %.4f is %.2f standard deviations from the trailing mean %.4f",
		e.GroupID, e.Value, e.Z, e.Mean)
}

// RevisionWarning reports observations whose values changed since the prior
// release consumed them.
type RevisionWarning struct {
	PriorRunID string
	Keys       []string
}

func (e *RevisionWarning) Error() string {
	return fmt.Sprintf("qa: %d observations revised since release %s: %s",
		len(e.Keys), e.PriorRunID, strings.Join(e.Keys, ", "))
}

// CheckFailure is a failed hard check with no richer error type.
type CheckFailure struct {
	CheckID string
	Detail  string
}

func (e *CheckFailure) Error() string {
	return fmt.Sprintf("qa: %s failed: %s", e.CheckID, e.Detail)
}
