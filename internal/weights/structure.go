package weights

import (
	"fmt"
	"math"
	"strings"

	"github.com/sells-group/dmi/internal/model"
	"github.com/sells-group/dmi/internal/sheet"
)

// Structural check identifiers.
const (
	CheckLabelsPresent = "CE_XLSX_EXPECTED_ITEM_LABELS_PRESENT"
	CheckRowPairing    = "CE_XLSX_MEAN_SHARE_ROW_PAIRING"
	CheckGroupColumns  = "CE_XLSX_GROUP_COLUMN_COUNT"
	CheckShareNumeric  = "CE_XLSX_SHARE_VALUE_NUMERIC"
	CheckShareRange    = "CE_XLSX_SHARE_RANGE_SANITY"
	CheckShareTotal    = "CE_XLSX_SHARE_TOTAL"
)

const (
	headerScanRows = 50
	meanSearchRows = 3
)

var groupKeywords = []string{
	"lowest", "first", "second", "third", "fourth", "fifth",
	"sixth", "seventh", "eighth", "ninth", "tenth", "highest",
}

// Layout locates the parts of the sheet that extraction reads.
type Layout struct {
	HeaderRow int
	GroupCols []int
	// Items are the mapped labels, in mapping order.
	Items []ItemRows
	// Unmapped are labelled Mean/Share blocks the mapping does not name.
	// Their shares count as excluded.
	Unmapped []ItemRows
}

// ItemRows locates one item's label, mean and share rows.
type ItemRows struct {
	Mapping  MappingRow
	LabelRow int
	MeanRow  int
	ShareRow int
}

// Counted returns every item whose share enters the per-group total.
func (l *Layout) Counted() []ItemRows {
	out := make([]ItemRows, 0, len(l.Items)+len(l.Unmapped))
	out = append(out, l.Items...)
	return append(out, l.Unmapped...)
}

// Options configures validation and extraction.
type Options struct {
	Granularity string
	VintageYear int
	ShareMin    float64
	ShareMax    float64
	// TotalTolerance bounds |Σ counted shares − 1| per group.
	TotalTolerance float64
	// DiagnosticRows bounds the sheet snapshot attached to failures.
	DiagnosticRows int
	Source         string
}

func (o Options) withDefaults() Options {
	if o.Granularity == "" {
		o.Granularity = model.GroupingQuintile
	}
	if o.ShareMax == 0 {
		o.ShareMax = 100
	}
	if o.TotalTolerance <= 0 {
		o.TotalTolerance = 0.005
	}
	if o.DiagnosticRows <= 0 {
		o.DiagnosticRows = 40
	}
	return o
}

// Validate runs the structural checks against a sheet. Every check is
// evaluated so the diagnostic names all failures. A non-nil error is always a
// *StructuralValidationError; the returned checks include soft results.
func Validate(g *sheet.Grid, m *Mapping, opts Options) (*Layout, []model.CheckResult, error) {
	opts = opts.withDefaults()
	layout := &Layout{HeaderRow: -1}
	var checks []model.CheckResult

	// Group header and column count.
	want := model.GroupCount(opts.Granularity)
	layout.HeaderRow, layout.GroupCols = findHeader(g, want)
	switch {
	case layout.HeaderRow < 0:
		checks = append(checks, hard(CheckGroupColumns, false,
			fmt.Sprintf("no income group header found in the first %d rows", headerScanRows)))
	case len(layout.GroupCols) != want:
		checks = append(checks, hard(CheckGroupColumns, false,
			fmt.Sprintf("found %d group columns in row %d, expected %d for %s",
				len(layout.GroupCols), layout.HeaderRow+1, want, opts.Granularity)))
	default:
		checks = append(checks, hard(CheckGroupColumns, true,
			fmt.Sprintf("%d group columns in row %d", want, layout.HeaderRow+1)))
	}

	// Expected labels. Ignored rows restate other rows and need not appear.
	start := layout.HeaderRow + 1
	var missing []string
	expected := 0
	for _, row := range m.Rows {
		if row.Ignore {
			continue
		}
		expected++
		r := findLabel(g, start, row.Label)
		if r < 0 {
			missing = append(missing, row.Label)
			continue
		}
		layout.Items = append(layout.Items, ItemRows{Mapping: row, LabelRow: r, MeanRow: -1, ShareRow: -1})
	}
	if len(missing) > 0 {
		checks = append(checks, hard(CheckLabelsPresent, false, "missing labels: "+strings.Join(missing, "; ")))
	} else {
		checks = append(checks, hard(CheckLabelsPresent, true, fmt.Sprintf("%d labels found", expected)))
	}

	// Mean/Share pairing.
	var unpaired []string
	for i := range layout.Items {
		it := &layout.Items[i]
		it.MeanRow, it.ShareRow = findPair(g, it.LabelRow)
		if it.ShareRow < 0 {
			unpaired = append(unpaired, fmt.Sprintf("%s (row %d)", it.Mapping.Label, it.LabelRow+1))
		}
	}
	if len(unpaired) > 0 {
		checks = append(checks, hard(CheckRowPairing, false,
			"share row does not immediately follow mean row for: "+strings.Join(unpaired, "; ")))
	} else {
		checks = append(checks, hard(CheckRowPairing, true, "every share row follows its mean row"))
	}
	if layout.HeaderRow >= 0 {
		layout.Unmapped = findUnmapped(g, start, m)
	}

	// Share values, only where rows and columns are known.
	if layout.HeaderRow >= 0 && len(layout.GroupCols) == want {
		var nonNumeric, outOfRange []string
		for _, it := range layout.Counted() {
			if it.ShareRow < 0 {
				continue
			}
			for _, col := range layout.GroupCols {
				v, ok := g.Number(it.ShareRow, col)
				if !ok {
					nonNumeric = append(nonNumeric, fmt.Sprintf("%s col %d %q", it.Mapping.Label, col+1, g.Text(it.ShareRow, col)))
					continue
				}
				if v < opts.ShareMin || v > opts.ShareMax {
					outOfRange = append(outOfRange, fmt.Sprintf("%s col %d = %g", it.Mapping.Label, col+1, v))
				}
			}
		}
		if len(nonNumeric) > 0 {
			checks = append(checks, hard(CheckShareNumeric, false, "non-numeric share cells: "+strings.Join(nonNumeric, "; ")))
		} else {
			checks = append(checks, hard(CheckShareNumeric, true, "all share cells numeric"))
		}
		if len(outOfRange) > 0 {
			checks = append(checks, soft(CheckShareRange, false,
				fmt.Sprintf("shares outside [%g, %g]: %s", opts.ShareMin, opts.ShareMax, strings.Join(outOfRange, "; "))))
		} else {
			checks = append(checks, soft(CheckShareRange, true, fmt.Sprintf("all shares within [%g, %g]", opts.ShareMin, opts.ShareMax)))
		}
	}

	failed := hardFailures(checks)

	// Share totals are only meaningful once every counted cell was read.
	if len(failed) == 0 {
		c := checkTotals(g, layout, opts.TotalTolerance)
		checks = append(checks, c)
		if !c.Passed {
			failed = append(failed, c)
		}
	}

	if len(failed) > 0 {
		return nil, checks, &StructuralValidationError{
			Failed:     failed,
			Diagnostic: newDiagnostic(g, opts, layout.HeaderRow, checks),
		}
	}
	return layout, checks, nil
}

// checkTotals requires the counted shares of each group column to total 100
// percent within tol. A large gap means rows were double counted (nested
// detail, subtotals) or dropped, and the mapping must name them.
func checkTotals(g *sheet.Grid, layout *Layout, tol float64) model.CheckResult {
	counted := layout.Counted()
	var off []string
	for _, col := range layout.GroupCols {
		total := 0.0
		for _, it := range counted {
			v, _ := g.Number(it.ShareRow, col)
			total += v / 100
		}
		if math.Abs(total-1) > tol {
			off = append(off, fmt.Sprintf("col %d totals %.2f%%", col+1, total*100))
		}
	}
	if len(off) > 0 {
		return hard(CheckShareTotal, false, "counted shares do not total 100%: "+strings.Join(off, "; "))
	}

	detail := fmt.Sprintf("%d counted rows total 100%% within %g", len(counted), tol)
	if len(layout.Unmapped) > 0 {
		labels := make([]string, 0, len(layout.Unmapped))
		for _, it := range layout.Unmapped {
			labels = append(labels, it.Mapping.Label)
		}
		detail += "; unmapped rows counted as excluded: " + strings.Join(labels, "; ")
	}
	return hard(CheckShareTotal, true, detail)
}

func hardFailures(checks []model.CheckResult) []model.CheckResult {
	var failed []model.CheckResult
	for _, c := range checks {
		if c.Severity == model.SeverityHard && !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

// findHeader returns the first row within the scan window with at least want
// income group columns. Aggregate columns such as "All consumer units" are
// skipped. When no row has enough, the row with the most group columns (two
// or more) is returned so the count mismatch can be reported.
func findHeader(g *sheet.Grid, want int) (int, []int) {
	limit := min(headerScanRows, g.Len())
	bestRow, bestCols := -1, []int(nil)
	for r := 0; r < limit; r++ {
		var cols []int
		for c := range g.Rows[r] {
			text := strings.ToLower(g.Text(r, c))
			if text == "" || strings.HasPrefix(text, "all ") {
				continue
			}
			if hasGroupKeyword(text) {
				cols = append(cols, c)
			}
		}
		if len(cols) >= want {
			return r, cols
		}
		if len(cols) >= 2 && len(cols) > len(bestCols) {
			bestRow, bestCols = r, cols
		}
	}
	return bestRow, bestCols
}

func hasGroupKeyword(text string) bool {
	for _, kw := range groupKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func findLabel(g *sheet.Grid, start int, label string) int {
	want := NormalizeLabel(label)
	for r := start; r < g.Len(); r++ {
		if NormalizeLabel(g.Text(r, 0)) == want {
			return r
		}
	}
	return -1
}

// findUnmapped walks every labelled Mean/Share block below the header that
// the mapping does not name. Each label is taken once.
func findUnmapped(g *sheet.Grid, start int, m *Mapping) []ItemRows {
	var out []ItemRows
	seen := make(map[string]bool)
	for r := start; r < g.Len(); r++ {
		label := strings.TrimSpace(g.Text(r, 0))
		key := NormalizeLabel(label)
		if key == "" || isMarkerKey(key) || seen[key] {
			continue
		}
		if _, ok := m.Lookup(label); ok {
			continue
		}
		meanRow, shareRow := findPair(g, r)
		if shareRow < 0 {
			continue
		}
		seen[key] = true
		out = append(out, ItemRows{
			Mapping:  MappingRow{Label: label},
			LabelRow: r,
			MeanRow:  meanRow,
			ShareRow: shareRow,
		})
	}
	return out
}

// findPair looks for a Mean row shortly after the label row and requires the
// Share row to be the very next row. The search stops at the next label.
func findPair(g *sheet.Grid, labelRow int) (meanRow, shareRow int) {
	for off := 1; off <= meanSearchRows; off++ {
		r := labelRow + off
		key := NormalizeLabel(g.Text(r, 0))
		if key == "mean" {
			if isMarker(g.Text(r+1, 0), "share") {
				return r, r + 1
			}
			return r, -1
		}
		if key != "" && !isMarkerKey(key) {
			break
		}
	}
	return -1, -1
}

func isMarker(text, marker string) bool {
	return NormalizeLabel(text) == marker
}

func isMarkerKey(key string) bool {
	switch key {
	case "mean", "share", "se":
		return true
	}
	return false
}

func hard(id string, passed bool, detail string) model.CheckResult {
	return model.CheckResult{CheckID: id, Severity: model.SeverityHard, Passed: passed, Detail: detail}
}

func soft(id string, passed bool, detail string) model.CheckResult {
	return model.CheckResult{CheckID: id, Severity: model.SeveritySoft, Passed: passed, Detail: detail}
}
