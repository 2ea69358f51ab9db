package model

// QAStatus is the overall outcome of a QA run.
type QAStatus string

const (
	QAPending QAStatus = "PENDING"
	QAPass    QAStatus = "PASS"
	QAWarn    QAStatus = "WARN"
	QAFail    QAStatus = "FAIL"
)

// Publishable reports whether the status allows promotion.
func (s QAStatus) Publishable() bool {
	return s == QAPass || s == QAWarn
}

// Severity distinguishes blocking checks from advisory ones.
type Severity string

const (
	SeverityHard Severity = "hard"
	SeveritySoft Severity = "soft"
)

// CheckResult is the outcome of one QA or structural check.
type CheckResult struct {
	CheckID  string   `json:"check_id" validate:"required"`
	Severity Severity `json:"severity" validate:"oneof=hard soft"`
	Passed   bool     `json:"passed"`
	Detail   string   `json:"detail"`
}

// QAVerdict is the machine-readable QA outcome.
type QAVerdict struct {
	Status QAStatus      `json:"status" validate:"oneof=PASS WARN FAIL"`
	Checks []CheckResult `json:"checks" validate:"dive"`
}

// Failed returns the hard checks that did not pass.
func (v *QAVerdict) Failed() []CheckResult {
	var out []CheckResult
	for _, c := range v.Checks {
		if c.Severity == SeverityHard && !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Warnings returns the soft checks that did not pass.
func (v *QAVerdict) Warnings() []CheckResult {
	var out []CheckResult
	for _, c := range v.Checks {
		if c.Severity == SeveritySoft && !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Check returns the named check result, if present.
func (v *QAVerdict) Check(id string) (CheckResult, bool) {
	for _, c := range v.Checks {
		if c.CheckID == id {
			return c, true
		}
	}
	return CheckResult{}, false
}
