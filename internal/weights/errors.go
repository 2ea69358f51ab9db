package weights

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dmi/internal/model"
	"github.com/sells-group/dmi/internal/sheet"
)

// StructuralValidationError reports a sheet whose layout does not match the
// expected shape. Extraction never proceeds past it.
type StructuralValidationError struct {
	Failed     []model.CheckResult
	Diagnostic *Diagnostic
}

func (e *StructuralValidationError) Error() string {
	ids := make([]string, len(e.Failed))
	for i, c := range e.Failed {
		ids[i] = c.CheckID
	}
	return "weights: structural validation failed: " + strings.Join(ids, ", ")
}

// Diagnostic is the snapshot written when structural validation fails.
type Diagnostic struct {
	Source      string              `json:"source,omitempty"`
	Sheet       string              `json:"sheet"`
	Granularity string              `json:"granularity"`
	HeaderRow   int                 `json:"header_row"`
	Checks      []model.CheckResult `json:"checks"`
	Rows        [][]string          `json:"rows"`
	CreatedAt   time.Time           `json:"created_at"`
}

func newDiagnostic(g *sheet.Grid, opts Options, headerRow int, checks []model.CheckResult) *Diagnostic {
	hr := headerRow
	if hr >= 0 {
		hr++
	}
	return &Diagnostic{
		Source:      opts.Source,
		Sheet:       g.Sheet,
		Granularity: opts.Granularity,
		HeaderRow:   hr,
		Checks:      checks,
		Rows:        g.Head(opts.DiagnosticRows),
		CreatedAt:   time.Now().UTC(),
	}
}

// Write stores the diagnostic as JSON under dir and returns its path.
func (d *Diagnostic) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrap(err, "weights: create diagnostic dir")
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "weights: marshal diagnostic")
	}
	path := filepath.Join(dir, "structural_diagnostic_"+d.CreatedAt.Format("20060102T150405Z")+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", eris.Wrap(err, "weights: write diagnostic")
	}
	return path, nil
}
