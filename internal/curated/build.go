package curated

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dmi/internal/calc"
	"github.com/sells-group/dmi/internal/model"
	"github.com/sells-group/dmi/internal/registry"
	"github.com/sells-group/dmi/internal/weights"
)

// Integrity finding kinds. Findings never stop the build; QA fails on them.
const (
	FindingDuplicate    = "duplicate_key"
	FindingNonMonotonic = "non_monotonic_period"
)

// Decision identifiers recorded by the builder.
const (
	DecisionGeoFallback        = "GEO_FALLBACK"
	DecisionUniverseRestricted = "UNIVERSE_RESTRICTED"
)

// Finding is one input integrity problem. For duplicates the first value wins.
type Finding struct {
	Kind   string `json:"kind"`
	Key    string `json:"key"`
	Detail string `json:"detail"`
}

// BuildParams selects what the builder assembles.
type BuildParams struct {
	Reference     model.Period
	HorizonMonths int
	GeoID         string
	FallbackGeoID string
	UniverseID    string
	Registry      *registry.Registry
}

// Matrices are the calculator inputs plus what QA needs to judge them.
type Matrices struct {
	calc.Inputs
	RequestedGeoID string
	Findings       []Finding
	Decisions      []model.Decision
}

// SlackAligned reports whether the selected slack observation is for the
// reference period.
func (m *Matrices) SlackAligned() bool {
	return m.Slack != nil && m.Slack.Period == m.Reference
}

// Snapshot returns the observations the calculation consumes: every universe
// price at the reference and lag periods, and the selected slack value.
func (m *Matrices) Snapshot() model.InputSnapshot {
	s := model.InputSnapshot{
		ReferencePeriod: m.Reference,
		LagPeriod:       m.Lag,
		GeoID:           m.GeoID,
		Universe:        append([]string(nil), m.Universe...),
	}
	for _, c := range m.Universe {
		for _, p := range []model.Period{m.Lag, m.Reference} {
			k := model.PriceKey{CategoryID: c, GeoID: m.GeoID, Period: p}
			if v, ok := m.Prices[k]; ok {
				s.Prices = append(s.Prices, model.PriceLevel{CategoryID: c, GeoID: m.GeoID, Period: p, Value: v})
			}
		}
	}
	if m.Slack != nil {
		s.Slack = *m.Slack
	}
	return s
}

// Build assembles matrices for one reference period and specification.
// Duplicate keys and out-of-order periods are recorded as findings rather
// than rejected, so that QA can report them.
func Build(prices []model.PriceLevel, slack []model.SlackValue, ws *model.WeightSet, p BuildParams) (*Matrices, error) {
	if p.Registry == nil {
		return nil, eris.New("curated: registry is required")
	}
	if ws == nil {
		return nil, eris.New("curated: weights are required")
	}
	if p.HorizonMonths <= 0 {
		return nil, eris.Errorf("curated: invalid horizon %d", p.HorizonMonths)
	}

	universe, err := p.Registry.Universe(p.UniverseID)
	if err != nil {
		return nil, eris.Wrap(err, "curated: resolve universe")
	}
	for _, pl := range prices {
		if _, ok := p.Registry.Get(pl.CategoryID); !ok {
			return nil, eris.Errorf("curated: price series for unknown category %q", pl.CategoryID)
		}
	}

	m := &Matrices{RequestedGeoID: p.GeoID}

	priceMap, findings := indexPrices(prices)
	m.Findings = append(m.Findings, findings...)
	slackMap, findings := indexSlack(slack)
	m.Findings = append(m.Findings, findings...)

	geo := p.GeoID
	if !hasGeo(priceMap, slackMap, geo) && p.FallbackGeoID != "" && p.FallbackGeoID != geo {
		if hasGeo(priceMap, slackMap, p.FallbackGeoID) {
			m.Decisions = append(m.Decisions, model.Decision{
				ID:     DecisionGeoFallback,
				Detail: fmt.Sprintf("no series for geography %s; using %s", geo, p.FallbackGeoID),
			})
			geo = p.FallbackGeoID
		}
	}

	restricted, moved, err := restrictWeights(ws, universe, p.Registry)
	if err != nil {
		return nil, err
	}
	if len(moved) > 0 {
		m.Decisions = append(m.Decisions, model.Decision{
			ID:     DecisionUniverseRestricted,
			Detail: fmt.Sprintf("universe %s excludes %s; their share moved to excluded_share", p.UniverseID, strings.Join(moved, ", ")),
		})
	}

	inUniverse := make(map[string]bool, len(universe))
	for _, c := range universe {
		inUniverse[c] = true
	}
	geoPrices := make(map[model.PriceKey]float64)
	for k, v := range priceMap {
		if k.GeoID == geo && inUniverse[k.CategoryID] {
			geoPrices[k] = v
		}
	}

	m.Inputs = calc.Inputs{
		GeoID:     geo,
		Reference: p.Reference,
		Lag:       p.Reference.AddMonths(-p.HorizonMonths),
		Universe:  universe,
		Prices:    geoPrices,
		Slack:     selectSlack(slackMap, geo, p.Reference),
		Weights:   restricted,
	}
	return m, nil
}

func indexPrices(prices []model.PriceLevel) (map[model.PriceKey]float64, []Finding) {
	out := make(map[model.PriceKey]float64, len(prices))
	last := make(map[string]model.Period)
	var findings []Finding
	for _, pl := range prices {
		k := pl.Key()
		if _, dup := out[k]; dup {
			findings = append(findings, Finding{Kind: FindingDuplicate, Key: k.String(),
				Detail: fmt.Sprintf("duplicate price observation; kept first value %g, ignored %g", out[k], pl.Value)})
			continue
		}
		series := pl.CategoryID + "/" + pl.GeoID
		if prev, ok := last[series]; ok && !pl.Period.After(prev) {
			findings = append(findings, Finding{Kind: FindingNonMonotonic, Key: k.String(),
				Detail: fmt.Sprintf("period %s follows %s in series %s", pl.Period, prev, series)})
		}
		if prev, ok := last[series]; !ok || pl.Period.After(prev) {
			last[series] = pl.Period
		}
		out[k] = pl.Value
	}
	return out, findings
}

func indexSlack(slack []model.SlackValue) (map[model.SlackKey]float64, []Finding) {
	out := make(map[model.SlackKey]float64, len(slack))
	last := make(map[string]model.Period)
	var findings []Finding
	for _, s := range slack {
		k := s.Key()
		if _, dup := out[k]; dup {
			findings = append(findings, Finding{Kind: FindingDuplicate, Key: "slack/" + k.String(),
				Detail: fmt.Sprintf("duplicate slack observation; kept first value %g, ignored %g", out[k], s.Value)})
			continue
		}
		if prev, ok := last[s.GeoID]; ok && !s.Period.After(prev) {
			findings = append(findings, Finding{Kind: FindingNonMonotonic, Key: "slack/" + k.String(),
				Detail: fmt.Sprintf("period %s follows %s in slack series %s", s.Period, prev, s.GeoID)})
		}
		if prev, ok := last[s.GeoID]; !ok || s.Period.After(prev) {
			last[s.GeoID] = s.Period
		}
		out[k] = s.Value
	}
	return out, findings
}

// hasGeo reports whether both a price series and a slack series exist for geo.
func hasGeo(prices map[model.PriceKey]float64, slack map[model.SlackKey]float64, geo string) bool {
	var hasPrice, hasSlack bool
	for k := range prices {
		if k.GeoID == geo {
			hasPrice = true
			break
		}
	}
	for k := range slack {
		if k.GeoID == geo {
			hasSlack = true
			break
		}
	}
	return hasPrice && hasSlack
}

// selectSlack returns the latest observation not after the reference period.
// Whether that period is acceptable is a QA decision.
func selectSlack(slack map[model.SlackKey]float64, geo string, ref model.Period) *model.SlackValue {
	var best *model.SlackValue
	for k, v := range slack {
		if k.GeoID != geo || k.Period.After(ref) {
			continue
		}
		if best == nil || k.Period.After(best.Period) {
			best = &model.SlackValue{GeoID: geo, Period: k.Period, Value: v}
		}
	}
	return best
}

// restrictWeights checks weight categories against the registry and moves
// categories outside the universe into the excluded share.
func restrictWeights(ws *model.WeightSet, universe []string, reg *registry.Registry) (*model.WeightSet, []string, error) {
	inUniverse := make(map[string]bool, len(universe))
	for _, c := range universe {
		inUniverse[c] = true
	}
	var moved []string
	for _, c := range ws.CategoryIDs() {
		if _, ok := reg.Get(c); !ok {
			return nil, nil, eris.Errorf("curated: weights reference unknown category %q", c)
		}
		if !inUniverse[c] {
			moved = append(moved, c)
		}
	}
	if len(moved) == 0 {
		return ws.Clone(), nil, nil
	}
	sort.Strings(moved)
	out, err := weights.Restrict(ws, universe)
	if err != nil {
		return nil, nil, eris.Wrap(err, "curated: restrict weights to universe")
	}
	return out, moved, nil
}
