package model

// InputSnapshot is the exact set of observations a calculation consumed.
// It is stored with every published release so a later run can recompute the
// same period under different weights while holding prices and slack fixed.
type InputSnapshot struct {
	ReferencePeriod Period       `json:"reference_period"`
	LagPeriod       Period       `json:"lag_period"`
	GeoID           string       `json:"geo_id"`
	Universe        []string     `json:"universe"`
	Prices          []PriceLevel `json:"prices"`
	Slack           SlackValue   `json:"slack"`
}

// PriceMap indexes the snapshot's prices by key.
func (s *InputSnapshot) PriceMap() map[PriceKey]float64 {
	out := make(map[PriceKey]float64, len(s.Prices))
	for _, p := range s.Prices {
		out[p.Key()] = p.Value
	}
	return out
}
