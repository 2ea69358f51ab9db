package curated

import (
	"encoding/json"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dmi/internal/model"
)

// Bundle is the verified content of one input directory.
type Bundle struct {
	Manifest  *Manifest
	Checksums map[string]string
	Prices    []model.PriceLevel
	Slack     []model.SlackValue
	// Weights is nil when only a raw expenditure table was deposited.
	Weights     *model.WeightSet
	CETable     []byte
	CETableFile ManifestFile
}

type pricesFile struct {
	Observations []model.PriceLevel `json:"observations"`
}

type slackFile struct {
	Observations []model.SlackValue `json:"observations"`
}

// LoadBundle verifies every checksum in dir/manifest.json, then decodes the
// price file, the named slack file, and the weight snapshot or raw table.
func LoadBundle(dir, slackName string) (*Bundle, error) {
	log := zap.L().With(zap.String("component", "curated"))

	m, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	sums, err := m.Verify()
	if err != nil {
		return nil, err
	}
	log.Info("manifest verified",
		zap.String("manifest_version", m.ManifestVersion),
		zap.Int("files", len(m.Files)),
	)

	b := &Bundle{Manifest: m, Checksums: sums}

	pf, ok := m.Find(KindPrices, "")
	if !ok {
		return nil, eris.New("curated: manifest lists no prices file")
	}
	data, err := m.Read(pf)
	if err != nil {
		return nil, err
	}
	if b.Prices, err = DecodePrices(data); err != nil {
		return nil, eris.Wrapf(err, "curated: %s", pf.Path)
	}

	sf, ok := m.Find(KindSlack, slackName)
	if !ok {
		return nil, eris.Errorf("curated: manifest lists no slack file named %q", slackName)
	}
	if data, err = m.Read(sf); err != nil {
		return nil, err
	}
	if b.Slack, err = DecodeSlack(data); err != nil {
		return nil, eris.Wrapf(err, "curated: %s", sf.Path)
	}

	if wf, ok := m.Find(KindWeights, ""); ok {
		if data, err = m.Read(wf); err != nil {
			return nil, err
		}
		if b.Weights, err = DecodeWeights(data); err != nil {
			return nil, eris.Wrapf(err, "curated: %s", wf.Path)
		}
	} else if tf, ok := m.Find(KindCETable, ""); ok {
		if b.CETable, err = m.Read(tf); err != nil {
			return nil, err
		}
		b.CETableFile = tf
	} else {
		return nil, eris.New("curated: manifest lists neither weights nor an expenditure table")
	}

	return b, nil
}

// DecodePrices decodes a prices file. Observations must name a category, a
// geography and a period, with a finite value.
func DecodePrices(data []byte) ([]model.PriceLevel, error) {
	var f pricesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "curated: decode prices")
	}
	for i, p := range f.Observations {
		if p.CategoryID == "" || p.GeoID == "" || p.Period.IsZero() || !finite(p.Value) {
			return nil, eris.Errorf("curated: price observation %d is incomplete", i)
		}
	}
	return f.Observations, nil
}

// DecodeSlack decodes a slack file.
func DecodeSlack(data []byte) ([]model.SlackValue, error) {
	var f slackFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "curated: decode slack")
	}
	for i, s := range f.Observations {
		if s.GeoID == "" || s.Period.IsZero() || !finite(s.Value) {
			return nil, eris.Errorf("curated: slack observation %d is incomplete", i)
		}
	}
	return f.Observations, nil
}

// DecodeWeights decodes a weight snapshot. Closure is checked by QA, not here.
func DecodeWeights(data []byte) (*model.WeightSet, error) {
	var ws model.WeightSet
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, eris.Wrap(err, "curated: decode weights")
	}
	if ws.VintageYear == 0 || len(ws.Records) == 0 {
		return nil, eris.New("curated: weight snapshot needs vintage_year and rows")
	}
	if len(ws.Groups) == 0 {
		ws.Groups = model.GroupIDs(ws.Grouping)
	}
	return &ws, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
