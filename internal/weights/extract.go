package weights

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dmi/internal/model"
	"github.com/sells-group/dmi/internal/sheet"
)

// Tolerance for the post-extraction closure checks.
const Tolerance = 1e-6

// roundingEpsilon is the largest gap from 100% left unscaled.
const roundingEpsilon = 1e-9

// ExtractFile reads an XLSX table from disk and extracts weights from it.
func ExtractFile(path string, m *Mapping, opts Options, sheetOpts sheet.Options) (*model.WeightSet, error) {
	g, err := sheet.ReadXLSX(path, sheetOpts)
	if err != nil {
		return nil, eris.Wrap(err, "weights: read table")
	}
	if opts.Source == "" {
		opts.Source = path
	}
	return Extract(g, m, opts)
}

// Extract validates the sheet structure and converts share rows into a
// renormalized weight set. Mean rows are never read.
//
// Every counted share is the published percent as a fraction. Shares of
// labels mapped outside the universe and of unmapped labels sum into the
// excluded share, and each included weight is share / (1 - excluded share).
// Counted shares already total 100% within the share-total check; the
// remaining rounding residual is spread proportionally so closure is exact.
func Extract(g *sheet.Grid, m *Mapping, opts Options) (*model.WeightSet, error) {
	opts = opts.withDefaults()

	layout, checks, err := Validate(g, m, opts)
	if err != nil {
		return nil, err
	}

	vintage := opts.VintageYear
	if vintage == 0 {
		vintage = inferVintage(g, layout.HeaderRow)
	}
	if vintage == 0 {
		return nil, eris.New("weights: vintage year not given and not found in the table title")
	}

	groups := model.GroupIDs(opts.Granularity)

	ws := &model.WeightSet{
		VintageYear:   vintage,
		Grouping:      opts.Granularity,
		Groups:        groups,
		ExcludedShare: make(map[string]float64, len(groups)),
	}
	for _, c := range checks {
		if c.Severity == model.SeveritySoft && !c.Passed {
			ws.Warnings = append(ws.Warnings, c)
		}
	}

	for gi, groupID := range groups {
		col := layout.GroupCols[gi]

		var total, excluded float64
		included := make(map[string]float64)
		for _, it := range layout.Items {
			v, _ := g.Number(it.ShareRow, col)
			frac := v / 100
			total += frac
			if it.Mapping.Include {
				included[it.Mapping.CategoryID] += frac
			} else {
				excluded += frac
			}
		}
		for _, it := range layout.Unmapped {
			v, _ := g.Number(it.ShareRow, col)
			total += v / 100
			excluded += v / 100
		}
		if total <= 0 {
			return nil, eris.Errorf("weights: group %s has no positive shares", groupID)
		}

		scale := 1.0
		if math.Abs(total-1) > roundingEpsilon {
			scale = 1 / total
		}
		excludedShare := excluded * scale
		if excludedShare >= 1 {
			return nil, eris.Errorf("weights: group %s has every share excluded", groupID)
		}
		ws.ExcludedShare[groupID] = excludedShare

		for _, cat := range sortedKeys(included) {
			share := included[cat] * scale
			ws.Records = append(ws.Records, model.WeightRecord{
				GroupID:       groupID,
				CategoryID:    cat,
				Share:         share,
				Weight:        share / (1 - excludedShare),
				VintageYear:   vintage,
				ExcludedShare: excludedShare,
			})
		}
	}

	if err := CheckClosure(ws, Tolerance); err != nil {
		return nil, err
	}
	return ws, nil
}

// Restrict narrows a weight set to a category universe. Shares of categories
// outside the universe move into the excluded share and the remaining weights
// are renormalized against it.
//
// Weight-only snapshots carry no shares. For those groups the moved mass is
// the removed weight, kept weights divide by (1 - moved weight), and the
// excluded share grows by the moved weight's part of the included mass.
func Restrict(ws *model.WeightSet, universe []string) (*model.WeightSet, error) {
	in := make(map[string]bool, len(universe))
	for _, id := range universe {
		in[id] = true
	}

	out := ws.Clone()
	out.Records = nil

	for _, groupID := range ws.Groups {
		prior := ws.ExcludedShare[groupID]
		_, shareSum := ws.Sums(groupID)
		byWeight := shareSum <= 0

		var kept []model.WeightRecord
		var moved float64
		for _, r := range ws.ForGroup(groupID) {
			switch {
			case in[r.CategoryID]:
				kept = append(kept, r)
			case byWeight:
				moved += r.Weight
			default:
				moved += r.Share
			}
		}

		excluded := prior + moved
		denom := 1 - excluded
		if byWeight {
			excluded = prior + (1-prior)*moved
			denom = 1 - moved
		}
		if len(kept) == 0 || denom <= 0 {
			return nil, eris.Errorf("weights: group %s has no weight inside the universe", groupID)
		}

		out.ExcludedShare[groupID] = excluded
		for _, r := range kept {
			r.ExcludedShare = excluded
			if byWeight {
				r.Weight /= denom
			} else {
				r.Weight = r.Share / denom
			}
			out.Records = append(out.Records, r)
		}
	}

	if err := CheckClosure(out, Tolerance); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckClosure verifies non-negative weights, that weights sum to 1 per
// group, and that shares plus the excluded share sum to 1 per group. Groups
// without shares (weight-only snapshots) skip the share identity.
func CheckClosure(ws *model.WeightSet, tol float64) error {
	for _, r := range ws.Records {
		if r.Weight < 0 || r.Share < 0 {
			return eris.Errorf("weights: negative weight for %s/%s", r.GroupID, r.CategoryID)
		}
	}
	for _, groupID := range ws.Groups {
		excluded, ok := ws.ExcludedShare[groupID]
		if !ok {
			return eris.Errorf("weights: excluded share missing for group %s", groupID)
		}
		w, s := ws.Sums(groupID)
		if math.Abs(w-1) > tol {
			return eris.Errorf("weights: group %s weights sum to %.9f", groupID, w)
		}
		if s > 0 && math.Abs(s+excluded-1) > tol {
			return eris.Errorf("weights: group %s shares plus excluded sum to %.9f", groupID, s+excluded)
		}
	}
	return nil
}

var yearRe = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// inferVintage takes the last four-digit year found above the group header.
func inferVintage(g *sheet.Grid, headerRow int) int {
	year := 0
	for r := 0; r < headerRow && r < g.Len(); r++ {
		for c := range g.Rows[r] {
			for _, m := range yearRe.FindAllString(g.Text(r, c), -1) {
				if y, err := strconv.Atoi(m); err == nil {
					year = y
				}
			}
		}
	}
	return year
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Summary renders a one-line description of a weight set for logs.
func Summary(ws *model.WeightSet) string {
	return fmt.Sprintf("vintage %d, %s, %d groups, %d records", ws.VintageYear, ws.Grouping, len(ws.Groups), len(ws.Records))
}
