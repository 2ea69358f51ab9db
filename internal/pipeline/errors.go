package pipeline

import (
	"fmt"
	"strings"

	"github.com/sells-group/dmi/internal/model"
)

// PublishBlockedError is returned when QA does not allow promotion. It
// unwraps to the typed errors behind the failed hard checks.
type PublishBlockedError struct {
	RunID    string
	Verdict  model.QAVerdict
	Err      error
	Review   string // review packet path, when the vintage gate fired
	Diagnose string // diagnostics directory
}

func (e *PublishBlockedError) Error() string {
	failed := e.Verdict.Failed()
	ids := make([]string, len(failed))
	for i, c := range failed {
		ids[i] = c.CheckID
	}
	return fmt.Sprintf("pipeline: publication blocked: QA %s (%s)", e.Verdict.Status, strings.Join(ids, ", "))
}

func (e *PublishBlockedError) Unwrap() error {
	return e.Err
}
