package contract

import (
	"bytes"
	"encoding/csv"
	"strconv"

	"github.com/rotisserie/eris"
)

var contributionsHeader = []string{"group_id", "category_id", "category_inflation", "weight", "contribution"}

// ContributionsCSV renders contribution rows as CSV with a header line.
func ContributionsCSV(rows []ContributionRow) ([]byte, error) {
	if len(rows) == 0 {
		return nil, eris.New("contract: no contribution rows")
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(contributionsHeader); err != nil {
		return nil, eris.Wrap(err, "contract: write csv header")
	}
	for _, r := range rows {
		rec := []string{
			r.GroupID,
			r.CategoryID,
			formatFloat(r.CategoryInflation),
			formatFloat(r.Weight),
			formatFloat(r.Contribution),
		}
		if err := w.Write(rec); err != nil {
			return nil, eris.Wrap(err, "contract: write csv row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, eris.Wrap(err, "contract: flush csv")
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
