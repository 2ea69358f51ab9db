package calc

import (
	"sort"
	"strings"
)

// CoverageError names the required observations a computation could not find.
type CoverageError struct {
	Missing []string
}

func (e *CoverageError) Error() string {
	return "calc: missing required observations: " + strings.Join(e.Missing, ", ")
}

func (e *CoverageError) merge(other *CoverageError) {
	seen := make(map[string]bool, len(e.Missing))
	for _, k := range e.Missing {
		seen[k] = true
	}
	for _, k := range other.Missing {
		if !seen[k] {
			e.Missing = append(e.Missing, k)
			seen[k] = true
		}
	}
	sort.Strings(e.Missing)
}
