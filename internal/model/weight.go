package model

import "sort"

// WeightRecord is the expenditure weight of one category for one group.
//
// Share is the category's fraction of the group's total expenditure before
// renormalization; Weight is the renormalized fraction over the included
// categories. For every group, the sum of Share plus ExcludedShare is 1 and
// the sum of Weight is 1.
type WeightRecord struct {
	GroupID       string  `json:"group_id"`
	CategoryID    string  `json:"category_id"`
	Weight        float64 `json:"weight"`
	Share         float64 `json:"share"`
	VintageYear   int     `json:"vintage_year"`
	ExcludedShare float64 `json:"excluded_share"`
}

// WeightSet is the complete weight table for one vintage.
type WeightSet struct {
	VintageYear int            `json:"vintage_year"`
	Grouping    string         `json:"grouping"`
	Groups      []string       `json:"groups"`
	Records     []WeightRecord `json:"rows"`
	// ExcludedShare is recorded for every group, including zero values.
	ExcludedShare map[string]float64 `json:"excluded_share"`
	// Warnings carries non-fatal findings from extraction.
	Warnings []CheckResult `json:"warnings,omitempty"`
}

// ForGroup returns the group's records ordered by category ID.
func (ws *WeightSet) ForGroup(groupID string) []WeightRecord {
	var out []WeightRecord
	for _, r := range ws.Records {
		if r.GroupID == groupID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CategoryID < out[j].CategoryID })
	return out
}

// Clone returns a deep copy so callers can derive new sets without mutating
// a shared snapshot.
func (ws *WeightSet) Clone() *WeightSet {
	out := &WeightSet{
		VintageYear:   ws.VintageYear,
		Grouping:      ws.Grouping,
		Groups:        append([]string(nil), ws.Groups...),
		Records:       append([]WeightRecord(nil), ws.Records...),
		ExcludedShare: make(map[string]float64, len(ws.ExcludedShare)),
		Warnings:      append([]CheckResult(nil), ws.Warnings...),
	}
	for k, v := range ws.ExcludedShare {
		out.ExcludedShare[k] = v
	}
	return out
}

// GroupIDs returns the canonical group identifiers for a table granularity.
func GroupIDs(grouping string) []string {
	switch grouping {
	case GroupingDecile:
		return []string{"D1", "D2", "D3", "D4", "D5", "D6", "D7", "D8", "D9", "D10"}
	default:
		return []string{"Q1", "Q2", "Q3", "Q4", "Q5"}
	}
}

// Table granularities.
const (
	GroupingQuintile = "quintile"
	GroupingDecile   = "decile"
)

// GroupCount returns the expected number of group columns for a granularity,
// or 0 if unknown.
func GroupCount(grouping string) int {
	switch grouping {
	case GroupingQuintile:
		return 5
	case GroupingDecile:
		return 10
	default:
		return 0
	}
}

// Sums returns the group's total weight and total pre-renormalization share.
func (ws *WeightSet) Sums(groupID string) (weight, share float64) {
	for _, r := range ws.Records {
		if r.GroupID == groupID {
			weight += r.Weight
			share += r.Share
		}
	}
	return weight, share
}

// CategoryIDs returns the distinct categories in the set, sorted.
func (ws *WeightSet) CategoryIDs() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range ws.Records {
		if _, ok := seen[r.CategoryID]; !ok {
			seen[r.CategoryID] = struct{}{}
			out = append(out, r.CategoryID)
		}
	}
	sort.Strings(out)
	return out
}
