package model

// CategorySpec describes one expenditure category in the registry.
type CategorySpec struct {
	CategoryID       string   `json:"category_id" yaml:"category_id"`
	Label            string   `json:"label" yaml:"label"`
	Level            int      `json:"level" yaml:"level"`
	ParentCategoryID string   `json:"parent_category_id,omitempty" yaml:"parent_category_id,omitempty"`
	UniverseIDs      []string `json:"universe_ids" yaml:"universe_ids"`
	SeriesID         string   `json:"series_id,omitempty" yaml:"series_id,omitempty"`
}

// InUniverse reports whether the category belongs to the given universe.
func (c CategorySpec) InUniverse(universeID string) bool {
	for _, u := range c.UniverseIDs {
		if u == universeID {
			return true
		}
	}
	return false
}

// PriceLevel is one price-index observation.
type PriceLevel struct {
	CategoryID string  `json:"category_id"`
	GeoID      string  `json:"geo_id"`
	Period     Period  `json:"period"`
	Value      float64 `json:"value"`
}

// PriceKey identifies a price observation.
type PriceKey struct {
	CategoryID string
	GeoID      string
	Period     Period
}

// Key returns the observation's identity.
func (p PriceLevel) Key() PriceKey {
	return PriceKey{CategoryID: p.CategoryID, GeoID: p.GeoID, Period: p.Period}
}

func (k PriceKey) String() string {
	return k.CategoryID + "/" + k.GeoID + "/" + k.Period.String()
}

// SlackValue is one labor-market slack observation for a geography.
type SlackValue struct {
	GeoID  string  `json:"geo_id"`
	Period Period  `json:"period"`
	Value  float64 `json:"value"`
}

// SlackKey identifies a slack observation.
type SlackKey struct {
	GeoID  string
	Period Period
}

// Key returns the observation's identity.
func (s SlackValue) Key() SlackKey {
	return SlackKey{GeoID: s.GeoID, Period: s.Period}
}

func (k SlackKey) String() string {
	return k.GeoID + "/" + k.Period.String()
}
