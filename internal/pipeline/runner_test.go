package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dmi/internal/calc"
	"github.com/sells-group/dmi/internal/config"
	"github.com/sells-group/dmi/internal/contract"
	"github.com/sells-group/dmi/internal/curated"
	"github.com/sells-group/dmi/internal/ledger"
	"github.com/sells-group/dmi/internal/model"
	"github.com/sells-group/dmi/internal/publish"
	"github.com/sells-group/dmi/internal/qa"
	"github.com/sells-group/dmi/internal/registry"
	"github.com/sells-group/dmi/internal/weights"
)

var (
	ref = model.MustPeriod("2024-11")
	lag = model.MustPeriod("2023-11")
	now = time.Date(2024, 12, 12, 9, 30, 0, 0, time.UTC)
)

type fixture struct {
	cfg     *config.Config
	inputs  string
	outputs string
	ledger  *ledger.SQLiteStore
	runner  *Runner
	runs    int
}

type inputSpec struct {
	vintage     int
	slackPeriod model.Period
	dropPrice   string
	// refs lists the reference months the inputs cover; empty means ref.
	refs []model.Period
}

func headlineUniverse(t *testing.T) []string {
	t.Helper()
	reg, err := registry.Default()
	require.NoError(t, err)
	ids, err := reg.Universe("headline")
	require.NoError(t, err)
	return ids
}

// writeInputs deposits prices rising 3% over the horizon, U-3 slack of 4.2,
// equal weights for Q1 and Q5, and a manifest with checksums.
func writeInputs(t *testing.T, dir string, spec inputSpec) {
	t.Helper()
	ids := headlineUniverse(t)

	refs := spec.refs
	if len(refs) == 0 {
		refs = []model.Period{ref}
	}
	var prices []model.PriceLevel
	for _, r := range refs {
		for _, c := range ids {
			prices = append(prices, model.PriceLevel{CategoryID: c, GeoID: "US", Period: r.AddMonths(-12), Value: 100})
			if c != spec.dropPrice {
				prices = append(prices, model.PriceLevel{CategoryID: c, GeoID: "US", Period: r, Value: 103})
			}
		}
	}

	ws := &model.WeightSet{
		VintageYear:   spec.vintage,
		Grouping:      model.GroupingQuintile,
		Groups:        []string{"Q1", "Q5"},
		ExcludedShare: map[string]float64{"Q1": 0.1, "Q5": 0.1},
	}
	for _, g := range ws.Groups {
		for _, c := range ids {
			share := 0.9 / float64(len(ids))
			ws.Records = append(ws.Records, model.WeightRecord{
				GroupID: g, CategoryID: c, Share: share, Weight: 1 / float64(len(ids)),
				VintageYear: spec.vintage, ExcludedShare: 0.1,
			})
		}
	}

	var slack []model.SlackValue
	if !spec.slackPeriod.IsZero() {
		slack = append(slack, model.SlackValue{GeoID: "US", Period: spec.slackPeriod, Value: 4.2})
	} else {
		for _, r := range refs {
			slack = append(slack, model.SlackValue{GeoID: "US", Period: r, Value: 4.2})
		}
	}
	files := map[string]any{
		"cpi_levels.json": map[string]any{"observations": prices},
		"slack_u3.json":   map[string]any{"observations": slack},
		"weights.json":    ws,
	}
	kinds := map[string][2]string{
		"cpi_levels.json": {curated.KindPrices, ""},
		"slack_u3.json":   {curated.KindSlack, "slack_u3"},
		"weights.json":    {curated.KindWeights, ""},
	}

	require.NoError(t, os.MkdirAll(dir, 0o755))
	m := curated.Manifest{ManifestVersion: "0.1.8"}
	for name, content := range files {
		data, err := json.Marshal(content)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
		m.Files = append(m.Files, curated.ManifestFile{
			Path:        name,
			Kind:        kinds[name][0],
			Name:        kinds[name][1],
			SHA256:      curated.Checksum(data),
			RetrievedAt: now.Add(-24 * time.Hour),
		})
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644))
}

func newFixture(t *testing.T, spec inputSpec) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, t.TempDir(), spec, "")
}

// newFixtureWithConfig builds a fixture under root, appending extra to the
// generated config file.
func newFixtureWithConfig(t *testing.T, root string, spec inputSpec, extra string) *fixture {
	t.Helper()
	f := &fixture{
		inputs:  filepath.Join(root, "inputs"),
		outputs: filepath.Join(root, "outputs"),
	}
	writeInputs(t, f.inputs, spec)

	cfgPath := filepath.Join(root, "config.yaml")
	yaml := fmt.Sprintf("paths:\n  input_dir: %s\n  output_dir: %s\nmetrics:\n  textfile_path: %s\n",
		f.inputs, f.outputs, filepath.Join(root, "dmi.prom")) + extra
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o644))
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	f.cfg = cfg

	st, err := ledger.NewSQLite(filepath.Join(root, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	f.ledger = st

	reg, err := registry.Default()
	require.NoError(t, err)
	mapping, err := weights.LoadMapping("")
	require.NoError(t, err)

	f.runner = New(cfg, reg, mapping, st, publish.New(f.outputs),
		WithClock(func() time.Time { return now }),
		WithRunIDs(func() string {
			f.runs++
			return fmt.Sprintf("00000000-0000-4000-8000-%012d", f.runs)
		}),
	)
	return f
}

func (f *fixture) params(t *testing.T) config.RunParams {
	t.Helper()
	p, err := config.NewRunParams(f.cfg, "baseline", ref)
	require.NoError(t, err)
	p.BootstrapDraws = 0
	return p
}

func TestRun_Publishes(t *testing.T) {
	f := newFixture(t, inputSpec{vintage: 2023})
	ctx := context.Background()

	res, err := f.runner.Run(ctx, f.params(t))
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, res.Status)
	assert.Equal(t, model.QAPass, res.Verdict.Status)
	require.Len(t, res.Results, 2)
	for _, r := range res.Results {
		assert.InDelta(t, 3.0, r.Inflation, 1e-9)
		assert.InDelta(t, calc.IndexValue(3.0, 4.2, calc.DefaultParams()), r.IndexValue, 1e-9)
	}
	assert.InDelta(t, 7.2, res.Summary.Median, 1e-9)

	require.NotNil(t, res.Release)
	assert.Equal(t, "releases/2024-11/baseline", res.Release.Path)
	for _, name := range []string{"result.json", "qa_report.json", "weights.json", "contributions.csv", "release_metadata.json"} {
		assert.FileExists(t, filepath.Join(res.Release.Dir, name))
	}

	data, err := os.ReadFile(filepath.Join(res.Release.Dir, "release_metadata.json"))
	require.NoError(t, err)
	var meta contract.ReleaseMetadata
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, res.RunID, meta.RunID)
	assert.Equal(t, "0.1.8", meta.ManifestVersion)
	assert.Len(t, meta.InputChecksums, 3)
	assert.Len(t, meta.Outputs, 4)

	rel, err := f.ledger.GetRelease(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.ReleasePublished, rel.Status)
	assert.Equal(t, 2023, rel.VintageYear)
	assert.NotEmpty(t, rel.Snapshot.Prices)

	prom, err := os.ReadFile(f.cfg.Metrics.TextfilePath)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `dmi_runs_total{specification="baseline",status="published"} 1`)
}

func TestRun_WithUncertainty(t *testing.T) {
	f := newFixture(t, inputSpec{vintage: 2023})
	p := f.params(t)
	p.BootstrapDraws = 200
	p.Workers = 2

	res, err := f.runner.Run(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, res.Bands, 2)

	data, err := os.ReadFile(filepath.Join(res.Release.Dir, "result.json"))
	require.NoError(t, err)
	var result contract.Result
	require.NoError(t, json.Unmarshal(data, &result))
	require.NotNil(t, result.Results[0].CILower)
	require.NotNil(t, result.Results[0].CIUpper)
	assert.LessOrEqual(t, *result.Results[0].CILower, *result.Results[0].CIUpper)
	assert.Equal(t, "median", result.Parameters.PointEstimate)
}

func TestRun_SecondPublishIsAbandoned(t *testing.T) {
	f := newFixture(t, inputSpec{vintage: 2023})
	ctx := context.Background()

	first, err := f.runner.Run(ctx, f.params(t))
	require.NoError(t, err)

	res, err := f.runner.Run(ctx, f.params(t))
	var exists *publish.AlreadyPublishedError
	require.True(t, errors.As(err, &exists))
	assert.Equal(t, StatusFailed, res.Status)

	rel, err := f.ledger.GetRelease(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.ReleaseAbandoned, rel.Status)

	rel, err = f.ledger.GetRelease(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.ReleasePublished, rel.Status)
}

func seedPrior(t *testing.T, f *fixture, vintage int) *model.Release {
	t.Helper()
	return seedPriorWithSnapshot(t, f, vintage, model.InputSnapshot{})
}

// priorSnapshot holds complete 2024-10 inputs: prices up 2% and slack 4.2.
func priorSnapshot(t *testing.T) model.InputSnapshot {
	t.Helper()
	p, l := model.MustPeriod("2024-10"), model.MustPeriod("2023-10")
	ids := headlineUniverse(t)
	snap := model.InputSnapshot{
		ReferencePeriod: p,
		LagPeriod:       l,
		GeoID:           "US",
		Universe:        ids,
		Slack:           model.SlackValue{GeoID: "US", Period: p, Value: 4.2},
	}
	for _, c := range ids {
		snap.Prices = append(snap.Prices,
			model.PriceLevel{CategoryID: c, GeoID: "US", Period: l, Value: 100},
			model.PriceLevel{CategoryID: c, GeoID: "US", Period: p, Value: 102},
		)
	}
	return snap
}

func seedPriorWithSnapshot(t *testing.T, f *fixture, vintage int, snap model.InputSnapshot) *model.Release {
	t.Helper()
	ctx := context.Background()
	p := model.MustPeriod("2024-10")
	prior := &model.Release{
		RunID:           "prior-run",
		ReferencePeriod: p,
		SpecificationID: "baseline",
		GeoID:           "US",
		VintageYear:     vintage,
		QAStatus:        model.QAPass,
		Results: []model.CalculationResult{
			{GroupID: "Q1", GeoID: "US", Period: p, Inflation: 2.9, Slack: 4.2, IndexValue: 7.1},
			{GroupID: "Q5", GeoID: "US", Period: p, Inflation: 2.9, Slack: 4.2, IndexValue: 7.1},
		},
		Snapshot:       snap,
		InputChecksums: map[string]string{},
	}
	require.NoError(t, f.ledger.CreateRelease(ctx, prior))
	require.NoError(t, f.ledger.MarkPublished(ctx, prior.RunID, "releases/2024-10/baseline"))
	return prior
}

func TestRun_VintageChangeBlocked(t *testing.T) {
	f := newFixture(t, inputSpec{vintage: 2023})
	seedPrior(t, f, 2022)

	res, err := f.runner.Run(context.Background(), f.params(t))
	var blocked *PublishBlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, model.QAFail, blocked.Verdict.Status)

	var vb *qa.VintageChangeBlocked
	require.True(t, errors.As(err, &vb))
	assert.Equal(t, 2022, vb.PriorVintage)
	assert.Equal(t, 2023, vb.CandidateVintage)

	assert.Equal(t, StatusBlocked, res.Status)
	require.NotEmpty(t, res.ReviewPacket)
	data, err := os.ReadFile(res.ReviewPacket)
	require.NoError(t, err)
	require.NoError(t, contract.Validate(contract.KindReviewPacket, data))
	var packet contract.ReviewPacket
	require.NoError(t, json.Unmarshal(data, &packet))
	assert.Equal(t, qa.CheckVintageChange, packet.Trigger)
	assert.NotEmpty(t, packet.Diff.DeltaIndexByGroup)
	assert.NotEmpty(t, packet.Diff.DeltaInflationByGroup)
	assert.NotEmpty(t, packet.Diff.DeltaDispersionMetrics)

	assert.FileExists(t, filepath.Join(res.Diagnostics, "qa_report.json"))
	assert.NoDirExists(t, filepath.Join(f.outputs, "releases", "2024-11"))
}

func TestRun_VintageChangeApproved(t *testing.T) {
	f := newFixture(t, inputSpec{vintage: 2023})
	seedPrior(t, f, 2022)

	p := f.params(t)
	p.ApprovalGranted = true
	res, err := f.runner.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, res.Status)
	assert.Empty(t, res.ReviewPacket)
	check, ok := res.Verdict.Check(qa.CheckVintageChange)
	require.True(t, ok)
	assert.True(t, check.Passed)
}

func TestRun_SlackMisalignedPublishedFails(t *testing.T) {
	f := newFixture(t, inputSpec{vintage: 2023, slackPeriod: model.MustPeriod("2024-10")})

	res, err := f.runner.Run(context.Background(), f.params(t))
	var blocked *PublishBlockedError
	require.True(t, errors.As(err, &blocked))
	check, ok := res.Verdict.Check(qa.CheckSlackAlignment)
	require.True(t, ok)
	assert.False(t, check.Passed)
	assert.Empty(t, res.ReviewPacket)
}

func TestRun_ResearchOverride(t *testing.T) {
	f := newFixture(t, inputSpec{vintage: 2023, slackPeriod: model.MustPeriod("2024-10")})
	ctx := context.Background()

	p := f.params(t)
	p.Mode = config.ModeResearch
	p.SlackAlignment = config.SlackLatestNotAfter

	res, err := f.runner.Run(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, StatusResearch, res.Status)
	require.Len(t, res.Flags, 1)
	assert.Equal(t, FlagSlackMisaligned, res.Flags[0].ID)
	assert.Contains(t, res.Flags[0].Detail, "2024-10")
	assert.Equal(t, "research/2024-11/baseline/"+res.RunID, res.Release.Path)

	data, err := os.ReadFile(filepath.Join(res.Release.Dir, "result.json"))
	require.NoError(t, err)
	var result contract.Result
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, "research", result.Mode)
	require.Len(t, result.Flags, 1)
	assert.Equal(t, "2024-10", result.Metadata.SlackPeriod)

	// Research runs never enter the ledger.
	_, err = f.ledger.GetRelease(ctx, res.RunID)
	var nf *ledger.NotFoundError
	assert.True(t, errors.As(err, &nf))
	assert.NoDirExists(t, filepath.Join(f.outputs, "latest"))
}

func TestRun_ResearchVintageChangeBlocked(t *testing.T) {
	f := newFixture(t, inputSpec{vintage: 2023})
	seedPrior(t, f, 2022)
	ctx := context.Background()

	p := f.params(t)
	p.Mode = config.ModeResearch

	res, err := f.runner.Run(ctx, p)
	var vb *qa.VintageChangeBlocked
	require.True(t, errors.As(err, &vb))
	assert.Equal(t, StatusBlocked, res.Status)
	assert.NotEmpty(t, res.ReviewPacket)
	assert.NoDirExists(t, filepath.Join(f.outputs, "research"))

	// Only the seeded release is in the ledger.
	rels, err := f.ledger.ListReleases(ctx, ledger.Filter{SpecificationID: "baseline"})
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}

func TestRun_CoverageGate(t *testing.T) {
	ids := headlineUniverse(t)
	f := newFixture(t, inputSpec{vintage: 2023, dropPrice: ids[0]})

	res, err := f.runner.Run(context.Background(), f.params(t))
	var cov *calc.CoverageError
	require.True(t, errors.As(err, &cov))
	assert.NotEmpty(t, cov.Missing)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, model.QAFail, res.Verdict.Status)

	check, ok := res.Verdict.Check(qa.CheckCoverage)
	require.True(t, ok)
	assert.False(t, check.Passed)
	assert.FileExists(t, filepath.Join(res.Diagnostics, "qa_report.json"))
	assert.NoDirExists(t, filepath.Join(f.outputs, "releases"))
}

func TestRun_CoverageGapWithVintageChange(t *testing.T) {
	ids := headlineUniverse(t)
	f := newFixture(t, inputSpec{vintage: 2023, dropPrice: ids[0]})
	seedPriorWithSnapshot(t, f, 2022, priorSnapshot(t))

	res, err := f.runner.Run(context.Background(), f.params(t))
	var cov *calc.CoverageError
	require.True(t, errors.As(err, &cov))
	assert.Equal(t, StatusFailed, res.Status)

	check, ok := res.Verdict.Check(qa.CheckVintageChange)
	require.True(t, ok)
	assert.False(t, check.Passed)

	require.NotEmpty(t, res.ReviewPacket)
	data, err := os.ReadFile(res.ReviewPacket)
	require.NoError(t, err)
	require.NoError(t, contract.Validate(contract.KindReviewPacket, data))
	var packet contract.ReviewPacket
	require.NoError(t, json.Unmarshal(data, &packet))
	assert.Equal(t, qa.InputsLedgerSnapshot, packet.InputsSource)
	assert.Equal(t, "2024-10", packet.CandidatePeriod)
	assert.NotEmpty(t, packet.Diff.DeltaIndexByGroup)

	assert.FileExists(t, filepath.Join(res.Diagnostics, "qa_report.json"))
	assert.NoDirExists(t, filepath.Join(f.outputs, "releases"))
}

func TestRun_ChecksumMismatch(t *testing.T) {
	f := newFixture(t, inputSpec{vintage: 2023})
	require.NoError(t, os.WriteFile(filepath.Join(f.inputs, "slack_u3.json"), []byte(`{"observations":[]}`), 0o644))

	res, err := f.runner.Run(context.Background(), f.params(t))
	var cm *curated.ChecksumMismatchError
	require.True(t, errors.As(err, &cm))
	assert.Equal(t, StatusFailed, res.Status)
}

func TestRun_InvalidParams(t *testing.T) {
	f := newFixture(t, inputSpec{vintage: 2023})
	p := f.params(t)
	p.SlackAlignment = config.SlackLatestNotAfter

	_, err := f.runner.Run(context.Background(), p)
	assert.Error(t, err)
}

func TestPublishBlockedError_Message(t *testing.T) {
	err := &PublishBlockedError{Verdict: model.QAVerdict{
		Status: model.QAFail,
		Checks: []model.CheckResult{
			{CheckID: qa.CheckWeightsSum, Severity: model.SeverityHard},
			{CheckID: qa.CheckCoverage, Severity: model.SeverityHard, Passed: true},
		},
	}}
	assert.Equal(t, "pipeline: publication blocked: QA FAIL (WEIGHTS_SUM_TO_ONE)", err.Error())
}
