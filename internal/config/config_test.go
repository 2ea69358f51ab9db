package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/dmi/internal/model"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Store.Retry.MaxAttempts)
	assert.Equal(t, 100, cfg.Store.Retry.InitialBackoffMs)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.InDelta(t, 0.5, cfg.Calc.Alpha, 1e-12)
	assert.InDelta(t, 2.0, cfg.Calc.ScaleFactor, 1e-12)
	assert.Equal(t, 12, cfg.Calc.HorizonMonths)
	assert.Equal(t, "US", cfg.Calc.GeoID)
	assert.Equal(t, 1000, cfg.Uncertainty.Draws)
	assert.InDelta(t, 0.05, cfg.Uncertainty.WeightCV, 1e-12)
	assert.Equal(t, uint64(42), cfg.Uncertainty.Seed)
	assert.Equal(t, "median", cfg.Uncertainty.PointEstimate)
	assert.InDelta(t, 1e-6, cfg.QA.WeightTolerance, 1e-15)
	assert.InDelta(t, 1e-2, cfg.QA.ContributionTolerance, 1e-15)
	assert.Equal(t, "same_reference_month_required", cfg.QA.SlackAlignment)
	assert.Equal(t, 40, cfg.Extraction.DiagnosticRows)
	assert.Equal(t, "quintile", cfg.Extraction.Granularity)

	require.Contains(t, cfg.Specifications, "baseline")
	assert.Equal(t, "headline", cfg.Specifications["baseline"].Universe)
	assert.Equal(t, "core", cfg.Specifications["core"].Universe)
	assert.Equal(t, "slack_u6", cfg.Specifications["u6"].SlackInput)

	require.Len(t, cfg.Backfill.Vintages, 7)
	vr, err := cfg.Backfill.VintageFor(2014)
	require.NoError(t, err)
	assert.Equal(t, 2013, vr.Vintage)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/dmi
log:
  level: debug
  format: console
calc:
  alpha: 0.6
uncertainty:
  draws: 200
  point_estimate: unperturbed
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.InDelta(t, 0.6, cfg.Calc.Alpha, 1e-12)
	assert.Equal(t, 200, cfg.Uncertainty.Draws)
	assert.Equal(t, "unperturbed", cfg.Uncertainty.PointEstimate)
	// Defaults still apply for unset values
	assert.InDelta(t, 2.0, cfg.Calc.ScaleFactor, 1e-12)
}

func TestLoadExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dmi.yaml")
	require.NoError(t, os.WriteFile(path, []byte("calc:\n  horizon_months: 6\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Calc.HorizonMonths)
}

func TestLoadExplicitPathMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("calc:\n  alhpa: 0.7\n"), 0644))

	_, err := Load("")
	assert.Error(t, err)
}

func TestBackfillVintages(t *testing.T) {
	dir := chdirTemp(t)
	yaml := `
backfill:
  vintages:
    - {first_year: 2019, last_year: 2020, vintage: 2019, input_dir: /data/ce2019}
    - {first_year: 2021, last_year: 2024, vintage: 2021}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load("")
	require.NoError(t, err)

	vr, err := cfg.Backfill.VintageFor(2020)
	require.NoError(t, err)
	assert.Equal(t, 2019, vr.Vintage)
	assert.Equal(t, "/data/ce2019", vr.InputDir)

	_, err = cfg.Backfill.VintageFor(2018)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2018")
}

func TestBackfillValidate(t *testing.T) {
	ok := BackfillConfig{Vintages: []VintageRange{
		{FirstYear: 2015, LastYear: 2016, Vintage: 2015},
		{FirstYear: 2013, LastYear: 2014, Vintage: 2013},
	}}
	assert.NoError(t, ok.Validate())

	overlap := BackfillConfig{Vintages: []VintageRange{
		{FirstYear: 2013, LastYear: 2015, Vintage: 2013},
		{FirstYear: 2015, LastYear: 2016, Vintage: 2015},
	}}
	assert.ErrorContains(t, overlap.Validate(), "overlap at 2015")

	inverted := BackfillConfig{Vintages: []VintageRange{{FirstYear: 2016, LastYear: 2015, Vintage: 2015}}}
	assert.Error(t, inverted.Validate())
}

func TestLoadRejectsUnknownEnum(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("uncertainty:\n  point_estimate: mean\n"), 0644))

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "point_estimate")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log:\n  level: debug\n"), 0644))

	t.Setenv("DMI_LOG_LEVEL", "warn")
	t.Setenv("DMI_CALC_GEO_ID", "CA")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "CA", cfg.Calc.GeoID)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.True(t, zap.L().Core().Enabled(zap.DebugLevel))

	require.NoError(t, InitLogger(LogConfig{Level: "error", Format: "json"}))
	assert.False(t, zap.L().Core().Enabled(zap.InfoLevel))

	assert.Error(t, InitLogger(LogConfig{Level: "loud"}))
}

func TestPolicyVersions(t *testing.T) {
	p := PolicyConfig{MappingVersion: "m1", RegistryVersion: "r1", QAPolicyVersion: "q1"}
	assert.Equal(t, map[string]string{"mapping": "m1", "registry": "r1", "qa_policy": "q1"}, p.Versions())
}

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	chdirTemp(t)
	cfg, err := Load("")
	require.NoError(t, err)
	return cfg
}

func TestNewRunParams(t *testing.T) {
	cfg := defaultConfig(t)

	p, err := NewRunParams(cfg, "baseline", model.MustPeriod("2024-11"))
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	assert.Equal(t, ModePublished, p.Mode)
	assert.False(t, p.ApprovalGranted)
	assert.Equal(t, "headline", p.Specification.Universe)
	assert.GreaterOrEqual(t, p.Workers, 1)
	assert.Equal(t, "2023-11", p.LagPeriod().String())

	_, err = NewRunParams(cfg, "nope", model.MustPeriod("2024-11"))
	assert.Error(t, err)
}

func TestRunParamsValidate(t *testing.T) {
	cfg := defaultConfig(t)
	base, err := NewRunParams(cfg, "baseline", model.MustPeriod("2024-11"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(p *RunParams)
	}{
		{"missing period", func(p *RunParams) { p.ReferencePeriod = model.Period{} }},
		{"alpha above one", func(p *RunParams) { p.Alpha = 1.5 }},
		{"zero scale", func(p *RunParams) { p.ScaleFactor = 0 }},
		{"zero horizon", func(p *RunParams) { p.HorizonMonths = 0 }},
		{"negative draws", func(p *RunParams) { p.BootstrapDraws = -1 }},
		{"unknown mode", func(p *RunParams) { p.Mode = "draft" }},
		{"unknown point estimate", func(p *RunParams) { p.PointEstimate = "mean" }},
		{"published with latest slack", func(p *RunParams) { p.SlackAlignment = SlackLatestNotAfter }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}

	research := base
	research.Mode = ModeResearch
	research.SlackAlignment = SlackLatestNotAfter
	assert.NoError(t, research.Validate())
}

func TestParseEnums(t *testing.T) {
	m, err := ParseMode("research")
	require.NoError(t, err)
	assert.Equal(t, ModeResearch, m)
	_, err = ParseMode("Research")
	assert.Error(t, err)

	s, err := ParseSlackAlignment("latest_available_not_after")
	require.NoError(t, err)
	assert.Equal(t, SlackLatestNotAfter, s)
	_, err = ParseSlackAlignment("nearest")
	assert.Error(t, err)

	pe, err := ParsePointEstimate("unperturbed")
	require.NoError(t, err)
	assert.Equal(t, PointUnperturbed, pe)
}
