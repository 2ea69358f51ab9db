package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dmi/internal/config"
	"github.com/sells-group/dmi/internal/model"
)

// BackfillPeriod is the outcome of one backfilled month.
type BackfillPeriod struct {
	Period   model.Period
	Vintage  int
	InputDir string
	RunID    string
	Status   string
	Release  string
	Err      error
}

// BackfillReport lists every month of a backfill in order.
type BackfillReport struct {
	SpecificationID string
	From, To        model.Period
	Periods         []BackfillPeriod
}

// Failed counts the months that returned an error.
func (b *BackfillReport) Failed() int {
	n := 0
	for _, p := range b.Periods {
		if p.Err != nil {
			n++
		}
	}
	return n
}

// Backfill runs every month from through to in research mode. Each month
// reads the inputs of the weight vintage its year maps to in the backfill
// table and must find that vintage there. A failing month is recorded and
// the backfill moves on; the returned error then counts the failures.
func (r *Runner) Backfill(ctx context.Context, base config.RunParams, from, to model.Period) (*BackfillReport, error) {
	if to.Before(from) {
		return nil, eris.Errorf("pipeline: backfill range %s..%s is empty", from, to)
	}

	// Every year must map to a vintage before the first run starts.
	n := to.MonthsSince(from) + 1
	plan := make([]config.VintageRange, n)
	for i := range plan {
		vr, err := r.cfg.Backfill.VintageFor(from.AddMonths(i).Year)
		if err != nil {
			return nil, err
		}
		if vr.InputDir == "" {
			vr.InputDir = filepath.Join(r.cfg.Paths.InputDir, fmt.Sprintf("vintage_%d", vr.Vintage))
		}
		plan[i] = vr
	}

	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("specification", base.SpecificationID),
	)
	log.Info("pipeline: starting backfill",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("periods", n),
	)

	report := &BackfillReport{SpecificationID: base.SpecificationID, From: from, To: to}
	for i, vr := range plan {
		if err := ctx.Err(); err != nil {
			return report, eris.Wrap(err, "pipeline: backfill interrupted")
		}

		p := base
		p.ReferencePeriod = from.AddMonths(i)
		p.Mode = config.ModeResearch
		p.WeightsVintage = vr.Vintage

		res, err := r.withInputDir(vr.InputDir).Run(ctx, p)
		entry := BackfillPeriod{Period: p.ReferencePeriod, Vintage: vr.Vintage, InputDir: vr.InputDir, Err: err}
		if res != nil {
			entry.RunID, entry.Status = res.RunID, res.Status
			if res.Release != nil {
				entry.Release = res.Release.Path
			}
		}
		if err != nil {
			log.Warn("pipeline: backfill period failed",
				zap.Stringer("period", p.ReferencePeriod),
				zap.Int("vintage_year", vr.Vintage),
				zap.Error(err),
			)
		}
		report.Periods = append(report.Periods, entry)
	}

	if failed := report.Failed(); failed > 0 {
		return report, eris.Errorf("pipeline: backfill failed for %d of %d periods", failed, n)
	}
	log.Info("pipeline: backfill complete", zap.Int("periods", n))
	return report, nil
}

// withInputDir returns a copy of r reading curated inputs from dir.
func (r *Runner) withInputDir(dir string) *Runner {
	cfg := *r.cfg
	cfg.Paths.InputDir = dir
	c := *r
	c.cfg = &cfg
	return &c
}
