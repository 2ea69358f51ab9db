package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dmi/internal/model"
	"github.com/sells-group/dmi/internal/pipeline"
)

func TestBackfillCommand_Flags(t *testing.T) {
	for _, name := range []string{"from", "to"} {
		f := backfillCmd.Flags().Lookup(name)
		require.NotNil(t, f, "backfill should have --%s", name)
		assert.Equal(t, []string{"true"}, f.Annotations["cobra_annotation_bash_completion_one_required_flag"])
	}
	spec := backfillCmd.Flags().Lookup("spec")
	require.NotNil(t, spec)
	assert.Equal(t, "baseline", spec.DefValue)
}

func TestFormatBackfillReport(t *testing.T) {
	rep := &pipeline.BackfillReport{
		SpecificationID: "baseline",
		Periods: []pipeline.BackfillPeriod{
			{
				Period: model.MustPeriod("2012-12"), Vintage: 2010, Status: pipeline.StatusResearch,
				RunID: "0a1b2c3d-0000-4000-8000-000000000001", Release: "research/2012-12/baseline/0a1b2c3d",
			},
			{
				Period: model.MustPeriod("2013-01"), Vintage: 2013, Status: pipeline.StatusFailed,
				RunID: "9f8e7d6c-0000-4000-8000-000000000002",
				Err:   errors.New("pipeline: inputs in data/curated/vintage_2013 carry weight vintage 2010, want 2013"),
			},
		},
	}

	var buf bytes.Buffer
	formatBackfillReport(&buf, rep)
	out := buf.String()

	assert.Contains(t, out, "PERIOD")
	assert.Contains(t, out, "2012-12")
	assert.Contains(t, out, "research/2012-12/baseline/0a1b2c3d")
	assert.Contains(t, out, "0a1b2c3d ")
	assert.Contains(t, out, "9f8e7d6c")
	assert.Contains(t, out, "...")
	assert.NotContains(t, out, "want 2013")
}
