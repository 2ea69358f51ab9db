package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dmi/internal/metrics"
	"github.com/sells-group/dmi/internal/model"
	"github.com/sells-group/dmi/internal/registry"
)

func TestFormatReleasesList(t *testing.T) {
	now := time.Date(2024, 12, 12, 9, 30, 0, 0, time.UTC)
	rels := []model.Release{
		{
			RunID:           "abc12345-6789-4000-8000-000000000000",
			ReferencePeriod: model.MustPeriod("2024-11"),
			SpecificationID: "baseline",
			Status:          model.ReleasePublished,
			QAStatus:        model.QAPass,
			VintageYear:     2023,
			Path:            "releases/2024-11/baseline",
			CreatedAt:       now,
		},
		{
			RunID:           "def12345-6789-4000-8000-000000000000",
			ReferencePeriod: model.MustPeriod("2024-11"),
			SpecificationID: "baseline",
			Status:          model.ReleaseAbandoned,
			QAStatus:        model.QAPass,
			VintageYear:     2023,
			Reason:          "publish: release already exists at releases/2024-11/baseline",
			CreatedAt:       now.Add(time.Hour),
		},
	}

	var buf bytes.Buffer
	formatReleasesList(&buf, rels)

	output := buf.String()
	assert.Contains(t, output, "RUN")
	assert.Contains(t, output, "PERIOD")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "2024-11")
	assert.Contains(t, output, "published")
	assert.Contains(t, output, "releases/2024-11/baseline")
	assert.Contains(t, output, "abandoned")
	assert.Contains(t, output, "...")
	assert.Contains(t, output, "2024-12-12 09:30")
}

func TestFormatLedgerStats(t *testing.T) {
	snap := &metrics.LedgerSnapshot{
		SpecificationID: "baseline",
		Total:           4,
		Published:       2,
		Pending:         1,
		Abandoned:       1,
		Warned:          1,
		WarnRate:        0.5,
		LatestPeriod:    model.MustPeriod("2024-10"),
		LatestVintage:   2023,
	}

	var buf bytes.Buffer
	formatLedgerStats(&buf, snap)

	output := buf.String()
	assert.Contains(t, output, "baseline")
	assert.Contains(t, output, "Total attempts:")
	assert.Contains(t, output, "1 (50%)")
	assert.Contains(t, output, "2024-10 (vintage 2023)")
}

func TestFormatLedgerStats_Empty(t *testing.T) {
	var buf bytes.Buffer
	formatLedgerStats(&buf, &metrics.LedgerSnapshot{SpecificationID: "core"})
	assert.NotContains(t, buf.String(), "Latest period")
}

func TestFormatCategories(t *testing.T) {
	reg, err := registry.Default()
	require.NoError(t, err)

	var buf bytes.Buffer
	formatCategories(&buf, reg.Categories())

	output := buf.String()
	assert.Contains(t, output, "UNIVERSES")
	assert.Contains(t, output, "CPI_ALL_ITEMS")
	assert.Contains(t, output, "CPI_HOUSING")
	assert.Contains(t, output, "headline,core")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}
