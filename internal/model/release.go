package model

import "time"

// ReleaseStatus tracks a ledger entry through publication.
type ReleaseStatus string

const (
	ReleasePending   ReleaseStatus = "pending"
	ReleasePublished ReleaseStatus = "published"
	ReleaseAbandoned ReleaseStatus = "abandoned"
)

// Release is the ledger's record of one publish attempt. Published releases
// are what the vintage gate, review packets and soft checks compare against.
type Release struct {
	RunID           string              `json:"run_id"`
	ReferencePeriod Period              `json:"reference_period"`
	SpecificationID string              `json:"specification_id"`
	GeoID           string              `json:"geo_id"`
	VintageYear     int                 `json:"vintage_year"`
	Status          ReleaseStatus       `json:"status"`
	QAStatus        QAStatus            `json:"qa_status"`
	Path            string              `json:"path,omitempty"`
	Reason          string              `json:"reason,omitempty"`
	Results         []CalculationResult `json:"results"`
	Snapshot        InputSnapshot       `json:"snapshot"`
	InputChecksums  map[string]string   `json:"input_checksums"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Result returns the release's result for a group.
func (r *Release) Result(groupID string) (CalculationResult, bool) {
	for _, res := range r.Results {
		if res.GroupID == groupID {
			return res, true
		}
	}
	return CalculationResult{}, false
}
