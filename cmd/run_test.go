package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dmi/internal/config"
	"github.com/sells-group/dmi/internal/model"
	"github.com/sells-group/dmi/internal/pipeline"
	"github.com/sells-group/dmi/internal/publish"
)

// resetRunFlags restores run flag defaults after a test sets them.
func resetRunFlags(t *testing.T) {
	t.Cleanup(func() {
		runCmd.Flags().VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	})
}

func baseRunParams(t *testing.T) config.RunParams {
	t.Helper()
	c, err := config.Load("")
	require.NoError(t, err)
	p, err := config.NewRunParams(c, "baseline", model.MustPeriod("2024-11"))
	require.NoError(t, err)
	return p
}

func TestApplyRunFlags_Defaults(t *testing.T) {
	resetRunFlags(t)
	p := baseRunParams(t)

	require.NoError(t, applyRunFlags(runCmd, &p))
	assert.Equal(t, config.ModePublished, p.Mode)
	assert.Equal(t, config.SlackSameReferenceMonth, p.SlackAlignment)
	assert.Equal(t, 1000, p.BootstrapDraws)
	assert.False(t, p.ApprovalGranted)
}

func TestApplyRunFlags_ResearchOverride(t *testing.T) {
	resetRunFlags(t)
	p := baseRunParams(t)

	require.NoError(t, runCmd.Flags().Set("mode", "research"))
	require.NoError(t, runCmd.Flags().Set("slack-alignment", "latest_available_not_after"))
	require.NoError(t, runCmd.Flags().Set("draws", "0"))
	require.NoError(t, runCmd.Flags().Set("approve-vintage-change", "true"))

	require.NoError(t, applyRunFlags(runCmd, &p))
	assert.Equal(t, config.ModeResearch, p.Mode)
	assert.Equal(t, config.SlackLatestNotAfter, p.SlackAlignment)
	assert.Equal(t, 0, p.BootstrapDraws)
	assert.True(t, p.ApprovalGranted)
}

func TestApplyRunFlags_PublishedRejectsOverride(t *testing.T) {
	resetRunFlags(t)
	p := baseRunParams(t)

	require.NoError(t, runCmd.Flags().Set("slack-alignment", "latest_available_not_after"))
	assert.Error(t, applyRunFlags(runCmd, &p))
}

func TestApplyRunFlags_UnknownMode(t *testing.T) {
	resetRunFlags(t)
	p := baseRunParams(t)

	require.NoError(t, runCmd.Flags().Set("mode", "draft"))
	assert.Error(t, applyRunFlags(runCmd, &p))
}

func TestWriteRunReport_Published(t *testing.T) {
	p := model.MustPeriod("2024-11")
	res := &pipeline.Result{
		RunID:  "8f14e45f-ceea-4e7a-9c2b-0b1f3d6a7e21",
		Status: pipeline.StatusPublished,
		Results: []model.CalculationResult{
			{GroupID: "Q1", GeoID: "US", Period: p, Inflation: 3.1, Slack: 4.2, IndexValue: 7.3},
			{GroupID: "Q5", GeoID: "US", Period: p, Inflation: 2.7, Slack: 4.2, IndexValue: 6.9},
		},
		Summary: model.SummaryMetrics{Median: 7.1, Stress: 7.3, Dispersion: -0.4},
		Verdict: model.QAVerdict{
			Status: model.QAWarn,
			Checks: []model.CheckResult{
				{CheckID: "WEIGHTS_SUM_TO_ONE", Severity: model.SeverityHard, Passed: true},
				{CheckID: "INDEX_OUTLIER", Severity: model.SeveritySoft},
			},
		},
		Release: &publish.Outcome{Path: "releases/2024-11/baseline"},
	}

	var buf bytes.Buffer
	require.NoError(t, writeRunReport(&buf, res))

	var rep runReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rep))
	assert.Equal(t, "published", rep.Status)
	assert.Equal(t, model.QAWarn, rep.QAStatus)
	assert.Equal(t, []string{"INDEX_OUTLIER"}, rep.Warnings)
	assert.Empty(t, rep.Failed)
	require.NotNil(t, rep.Summary)
	assert.InDelta(t, 7.1, rep.Summary.Median, 0)
	require.Len(t, rep.Results, 2)
	assert.Equal(t, "releases/2024-11/baseline", rep.ReleasePath)
}

func TestWriteRunReport_Blocked(t *testing.T) {
	res := &pipeline.Result{
		RunID:  "8f14e45f-ceea-4e7a-9c2b-0b1f3d6a7e21",
		Status: pipeline.StatusBlocked,
		Verdict: model.QAVerdict{
			Status: model.QAFail,
			Checks: []model.CheckResult{
				{CheckID: "WEIGHTS_VINTAGE_CHANGE", Severity: model.SeverityHard},
			},
		},
		ReviewPacket: "review/2024-11/baseline/8f14e45f/review_packet.json",
	}

	var buf bytes.Buffer
	require.NoError(t, writeRunReport(&buf, res))
	out := buf.String()
	assert.Contains(t, out, `"failed_checks": [`)
	assert.Contains(t, out, "WEIGHTS_VINTAGE_CHANGE")
	assert.Contains(t, out, "review_packet.json")
	assert.NotContains(t, out, "release_path")
	assert.NotContains(t, out, "summary_metrics")
}
