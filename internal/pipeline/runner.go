// Package pipeline runs one (reference period, specification) through
// extraction, matrix build, calculation, resampling, QA and publication.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dmi/internal/calc"
	"github.com/sells-group/dmi/internal/config"
	"github.com/sells-group/dmi/internal/contract"
	"github.com/sells-group/dmi/internal/curated"
	"github.com/sells-group/dmi/internal/ledger"
	"github.com/sells-group/dmi/internal/metrics"
	"github.com/sells-group/dmi/internal/model"
	"github.com/sells-group/dmi/internal/publish"
	"github.com/sells-group/dmi/internal/qa"
	"github.com/sells-group/dmi/internal/registry"
	"github.com/sells-group/dmi/internal/sheet"
	"github.com/sells-group/dmi/internal/uncertainty"
	"github.com/sells-group/dmi/internal/weights"
)

// Run outcomes recorded in metrics and logs.
const (
	StatusPublished = "published"
	StatusResearch  = "research"
	StatusBlocked   = "blocked"
	StatusFailed    = "failed"
)

// FlagSlackMisaligned marks a research result computed with slack from a
// different month than the reference period.
const FlagSlackMisaligned = "SLACK_PERIOD_MISALIGNED"

// Stage names.
const (
	stageLoad        = "load"
	stageWeights     = "weights"
	stageBuild       = "build"
	stageCalculate   = "calculate"
	stageUncertainty = "uncertainty"
	stageQA          = "qa"
	stagePublish     = "publish"
)

// Runner executes pipeline runs.
type Runner struct {
	cfg       *config.Config
	registry  *registry.Registry
	mapping   *weights.Mapping
	ledger    ledger.Store
	publisher *publish.Publisher
	now       func() time.Time
	newRunID  func() string
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithRunIDs overrides run ID generation.
func WithRunIDs(fn func() string) Option {
	return func(r *Runner) { r.newRunID = fn }
}

// New creates a Runner. The ledger may be nil only for research runs.
func New(cfg *config.Config, reg *registry.Registry, mapping *weights.Mapping, st ledger.Store, pub *publish.Publisher, opts ...Option) *Runner {
	r := &Runner{
		cfg:       cfg,
		registry:  reg,
		mapping:   mapping,
		ledger:    st,
		publisher: pub,
		now:       func() time.Time { return time.Now().UTC() },
		newRunID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result is what one run produced.
type Result struct {
	RunID        string
	Params       config.RunParams
	Status       string
	Matrices     *curated.Matrices
	Results      []model.CalculationResult
	Bands        []model.UncertaintyBand
	Summary      model.SummaryMetrics
	Verdict      model.QAVerdict
	Flags        []contract.Flag
	Release      *publish.Outcome
	ReviewPacket string
	Diagnostics  string
}

// run carries the state of one in-flight run.
type run struct {
	*Result
	log     *zap.Logger
	rec     *metrics.Recorder
	bundle  *curated.Bundle
	weights *model.WeightSet
	prior   *model.Release
	history []model.Release
	report  *qa.Report
	started time.Time
}

// Run executes the pipeline for p.
func (r *Runner) Run(ctx context.Context, p config.RunParams) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if r.ledger == nil && p.Mode == config.ModePublished {
		return nil, eris.New("pipeline: published runs need a release ledger")
	}

	st := &run{
		Result:  &Result{RunID: r.newRunID(), Params: p},
		rec:     metrics.New(p.SpecificationID),
		started: r.now(),
	}
	st.log = zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("run_id", st.RunID),
		zap.String("period", p.ReferencePeriod.String()),
		zap.String("specification", p.SpecificationID),
		zap.String("mode", string(p.Mode)),
	)
	st.log.Info("pipeline: starting run")

	err := r.execute(ctx, st)
	if err != nil && st.Status == "" {
		st.Status = StatusFailed
	}
	r.finish(ctx, st, err)
	return st.Result, err
}

func (r *Runner) execute(ctx context.Context, st *run) error {
	p := st.Params

	if err := r.stage(st, stageLoad, func() error {
		b, err := curated.LoadBundle(r.cfg.Paths.InputDir, p.Specification.SlackInput)
		st.bundle = b
		return err
	}); err != nil {
		return err
	}

	if err := r.stage(st, stageWeights, func() error {
		return r.loadWeights(st)
	}); err != nil {
		return err
	}

	if err := r.stage(st, stageBuild, func() error {
		m, err := curated.Build(st.bundle.Prices, st.bundle.Slack, st.weights, curated.BuildParams{
			Reference:     p.ReferencePeriod,
			HorizonMonths: p.HorizonMonths,
			GeoID:         p.GeoID,
			FallbackGeoID: p.FallbackGeoID,
			UniverseID:    p.Specification.Universe,
			Registry:      r.registry,
		})
		st.Matrices = m
		return err
	}); err != nil {
		return err
	}
	st.Flags = slackFlags(st.Matrices)

	params := calc.Params{Alpha: p.Alpha, ScaleFactor: p.ScaleFactor}
	if err := r.stage(st, stageCalculate, func() error {
		results, err := calc.ComputeAll(st.Matrices.Inputs, params)
		st.Results = results
		return err
	}); err != nil {
		var cov *calc.CoverageError
		if errors.As(err, &cov) {
			return r.coverageFailure(ctx, st, params, err)
		}
		return err
	}
	st.Summary = calc.Summary(st.Results)

	if p.BootstrapDraws > 0 {
		if err := r.stage(st, stageUncertainty, func() error {
			est := uncertainty.New(uncertainty.Config{
				Draws:         p.BootstrapDraws,
				CV:            p.WeightCV,
				Floor:         p.WeightFloor,
				Seed:          p.Seed,
				Workers:       p.Workers,
				Confidence:    p.Confidence,
				PointEstimate: string(p.PointEstimate),
			}, params)
			bands, err := est.Estimate(ctx, st.Matrices.Inputs, st.Results)
			st.Bands = bands
			return err
		}); err != nil {
			return err
		}
	}

	result := r.resultArtifact(st)
	snapshot := contract.NewWeightsSnapshot(st.Matrices.Weights, r.cfg.Policy.MappingVersion, p.Specification.Universe)

	if err := r.stage(st, stageQA, func() error {
		artifacts, err := rawArtifacts(map[contract.Kind]any{
			contract.KindResult:  result,
			contract.KindWeights: snapshot,
		})
		if err != nil {
			return err
		}
		return r.runQA(ctx, st, st.Results, artifacts)
	}); err != nil {
		return err
	}

	if !st.Verdict.Status.Publishable() {
		return r.blocked(st, params)
	}

	return r.stage(st, stagePublish, func() error {
		return r.publish(ctx, st, result, snapshot)
	})
}

// stage times fn and logs its outcome.
func (r *Runner) stage(st *run, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	st.rec.ObserveStage(name, d)

	if err != nil {
		st.log.Error("pipeline: stage failed",
			zap.String("stage", name),
			zap.Int64("duration_ms", d.Milliseconds()),
			zap.Error(err),
		)
		return err
	}
	st.log.Info("pipeline: stage complete",
		zap.String("stage", name),
		zap.Int64("duration_ms", d.Milliseconds()),
	)
	return nil
}

// loadWeights uses the deposited weight snapshot, or extracts weights from
// the deposited expenditure table.
func (r *Runner) loadWeights(st *run) error {
	if st.bundle.Weights != nil {
		st.weights = st.bundle.Weights
		return r.checkVintage(st)
	}

	ext := r.cfg.Extraction
	g, err := sheet.ParseXLSX(st.bundle.CETable, sheet.Options{SheetName: ext.SheetName})
	if err != nil {
		return eris.Wrap(err, "pipeline: read expenditure table")
	}
	ws, err := weights.Extract(g, r.mapping, weights.Options{
		Granularity:    ext.Granularity,
		ShareMin:       ext.ShareMin,
		ShareMax:       ext.ShareMax,
		TotalTolerance: ext.ShareTotalTolerance,
		DiagnosticRows: ext.DiagnosticRows,
		Source:         st.bundle.CETableFile.Path,
	})
	if err != nil {
		var sve *weights.StructuralValidationError
		if errors.As(err, &sve) && sve.Diagnostic != nil {
			r.writeDiagnostics(st, map[string]any{"structural_diagnostic.json": sve.Diagnostic})
		}
		return err
	}
	st.weights = ws
	st.log.Info("pipeline: weights extracted",
		zap.Int("vintage_year", ws.VintageYear),
		zap.String("summary", weights.Summary(ws)),
	)
	return r.checkVintage(st)
}

// checkVintage enforces the vintage pinned by the run parameters.
func (r *Runner) checkVintage(st *run) error {
	want := st.Params.WeightsVintage
	if want != 0 && st.weights.VintageYear != want {
		return eris.Errorf("pipeline: inputs in %s carry weight vintage %d, want %d",
			r.cfg.Paths.InputDir, st.weights.VintageYear, want)
	}
	return nil
}

// coverageFailure records a FAIL verdict for a run whose inputs do not cover
// the universe and returns the coverage error. A vintage change found on the
// way still gets its review packet.
func (r *Runner) coverageFailure(ctx context.Context, st *run, params calc.Params, covErr error) error {
	st.Status = StatusFailed
	if err := r.runQA(ctx, st, nil, nil); err != nil {
		st.log.Warn("pipeline: QA on incomplete inputs failed", zap.Error(err))
	} else {
		r.reviewVintageChange(st, params)
	}
	r.writeDiagnostics(st, map[string]any{
		contract.KindQAReport.FileName(): contract.NewQAReport(st.RunID, st.Params.ReferencePeriod, st.Params.SpecificationID, st.Verdict, r.now()),
	})
	return covErr
}

// runQA loads the prior release and trailing history and runs the checklist.
func (r *Runner) runQA(ctx context.Context, st *run, results []model.CalculationResult, artifacts map[contract.Kind][]byte) error {
	p := st.Params
	if r.ledger != nil {
		prior, err := r.ledger.LatestPublished(ctx, p.SpecificationID, p.ReferencePeriod)
		if err != nil {
			return eris.Wrap(err, "pipeline: load prior release")
		}
		history, err := ledger.History(ctx, r.ledger, p.SpecificationID, p.ReferencePeriod, r.cfg.QA.OutlierWindow)
		if err != nil {
			return eris.Wrap(err, "pipeline: load release history")
		}
		st.prior, st.history = prior, history
	}

	st.report = qa.New(qa.NewPolicy(r.cfg.QA, p)).Run(qa.Input{
		Matrices:  st.Matrices,
		Results:   results,
		Artifacts: artifacts,
		Prior:     st.prior,
		History:   st.history,
	})
	st.Verdict = st.report.Verdict
	st.rec.RecordVerdict(st.Verdict)

	st.log.Info("pipeline: QA verdict",
		zap.String("qa_status", string(st.Verdict.Status)),
		zap.Int("failed", len(st.Verdict.Failed())),
		zap.Int("warnings", len(st.Verdict.Warnings())),
	)
	return nil
}

// blocked writes the QA report and, when the vintage gate fired, the review
// packet, then returns the blocking error.
func (r *Runner) blocked(st *run, params calc.Params) error {
	st.Status = StatusBlocked
	r.reviewVintageChange(st, params)

	r.writeDiagnostics(st, map[string]any{
		contract.KindQAReport.FileName(): contract.NewQAReport(st.RunID, st.Params.ReferencePeriod, st.Params.SpecificationID, st.Verdict, r.now()),
	})

	return &PublishBlockedError{
		RunID:    st.RunID,
		Verdict:  st.Verdict,
		Err:      st.report.Err(),
		Review:   st.ReviewPacket,
		Diagnose: st.Diagnostics,
	}
}

// reviewVintageChange writes the review packet when the vintage gate fired.
// Failures are logged; the run already fails on the gate.
func (r *Runner) reviewVintageChange(st *run, params calc.Params) {
	if st.report == nil || st.report.VintageBlocked() == nil || st.prior == nil {
		return
	}
	packet, err := qa.BuildReviewPacket(qa.ReviewRequest{
		RunID:           st.RunID,
		SpecificationID: st.Params.SpecificationID,
		Trigger:         qa.CheckVintageChange,
		Prior:           st.prior,
		Matrices:        st.Matrices,
		Params:          params,
		CreatedAt:       r.now(),
	})
	if err != nil {
		st.log.Error("pipeline: build review packet", zap.Error(err))
		return
	}
	if st.ReviewPacket, err = r.publisher.WriteReviewPacket(packet); err != nil {
		st.log.Error("pipeline: write review packet", zap.Error(err))
	}
}

// publish records a pending release, promotes the artifacts and settles the
// ledger entry. Research runs skip the ledger.
func (r *Runner) publish(ctx context.Context, st *run, result contract.Result, snapshot contract.WeightsSnapshot) error {
	p := st.Params
	now := r.now()

	if p.Mode == config.ModePublished {
		rel := &model.Release{
			RunID:           st.RunID,
			ReferencePeriod: p.ReferencePeriod,
			SpecificationID: p.SpecificationID,
			GeoID:           st.Matrices.GeoID,
			VintageYear:     st.Matrices.Weights.VintageYear,
			QAStatus:        st.Verdict.Status,
			Results:         st.Results,
			Snapshot:        st.Matrices.Snapshot(),
			InputChecksums:  st.bundle.Checksums,
		}
		if err := r.ledger.CreateRelease(ctx, rel); err != nil {
			return eris.Wrap(err, "pipeline: record pending release")
		}
	}

	decisions := st.Matrices.Decisions
	if decisions == nil {
		decisions = []model.Decision{}
	}
	out, err := r.publisher.Publish(ctx, publish.Bundle{
		RunID:           st.RunID,
		Reference:       p.ReferencePeriod,
		SpecificationID: p.SpecificationID,
		Mode:            p.Mode,
		Result:          result,
		QAReport:        contract.NewQAReport(st.RunID, p.ReferencePeriod, p.SpecificationID, st.Verdict, now),
		Weights:         snapshot,
		Metadata: contract.ReleaseMetadata{
			RunID:           st.RunID,
			ReferencePeriod: p.ReferencePeriod.String(),
			SpecificationID: p.SpecificationID,
			Mode:            string(p.Mode),
			ManifestVersion: st.bundle.Manifest.ManifestVersion,
			PolicyVersions:  r.cfg.Policy.Versions(),
			InputChecksums:  st.bundle.Checksums,
			VintageYear:     st.Matrices.Weights.VintageYear,
			Decisions:       decisions,
			QA:              st.Verdict,
			Warnings:        contract.WarningIDs(st.Verdict),
			Flags:           st.Flags,
			CreatedAt:       now,
		},
	})
	if err != nil {
		if p.Mode == config.ModePublished {
			if abandonErr := r.ledger.MarkAbandoned(ctx, st.RunID, err.Error()); abandonErr != nil {
				st.log.Error("pipeline: mark release abandoned", zap.Error(abandonErr))
			}
		}
		return err
	}
	st.Release = out

	if p.Mode == config.ModePublished {
		if err := r.ledger.MarkPublished(ctx, st.RunID, out.Path); err != nil {
			return eris.Wrapf(err, "pipeline: record published release %s", out.Path)
		}
		st.Status = StatusPublished
	} else {
		st.Status = StatusResearch
	}
	return nil
}

// finish records run metrics and writes the textfile.
func (r *Runner) finish(ctx context.Context, st *run, runErr error) {
	at := r.now()
	st.rec.RecordResults(st.Results)
	st.rec.RecordRun(st.Status, at)
	if r.ledger != nil {
		if snap, err := metrics.CollectLedger(ctx, r.ledger, st.Params.SpecificationID, 0); err == nil {
			st.rec.RecordLedger(snap)
		} else {
			st.log.Warn("pipeline: collect ledger metrics", zap.Error(err))
		}
	}
	if err := st.rec.WriteTextfile(r.cfg.Metrics.TextfilePath); err != nil {
		st.log.Warn("pipeline: write metrics", zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("status", st.Status),
		zap.Int64("duration_ms", at.Sub(st.started).Milliseconds()),
	}
	if st.Verdict.Status != "" {
		fields = append(fields, zap.String("qa_status", string(st.Verdict.Status)))
	}
	if runErr != nil {
		st.log.Error("pipeline: run finished", append(fields, zap.Error(runErr))...)
		return
	}
	st.log.Info("pipeline: run finished", fields...)
}

// resultArtifact assembles the result artifact from the run state.
func (r *Runner) resultArtifact(st *run) contract.Result {
	p := st.Params
	m := st.Matrices
	params := contract.ResultParameters{
		Alpha:          p.Alpha,
		ScaleFactor:    p.ScaleFactor,
		WeightsYear:    m.Weights.VintageYear,
		HorizonMonths:  p.HorizonMonths,
		BootstrapDraws: p.BootstrapDraws,
		WeightCV:       p.WeightCV,
		GeoID:          m.GeoID,
		Universe:       p.Specification.Universe,
		SlackInput:     p.Specification.SlackInput,
	}
	if len(st.Bands) > 0 {
		params.PointEstimate = string(p.PointEstimate)
	}
	var slackPeriod model.Period
	if m.Slack != nil {
		slackPeriod = m.Slack.Period
	}
	return contract.NewResult(contract.ResultSource{
		RunID:           st.RunID,
		Reference:       p.ReferencePeriod,
		SpecificationID: p.SpecificationID,
		Mode:            string(p.Mode),
		Parameters:      params,
		Results:         st.Results,
		Bands:           st.Bands,
		Summary:         st.Summary,
		Flags:           st.Flags,
		SlackPeriod:     slackPeriod,
		VintageYear:     m.Weights.VintageYear,
		GeoID:           m.GeoID,
		ComputedAt:      r.now(),
	})
}

// writeDiagnostics stores JSON diagnostics for a run that did not publish.
// Failures are logged; the run's own error is what the caller acts on.
func (r *Runner) writeDiagnostics(st *run, docs map[string]any) {
	files := make(map[string][]byte, len(docs))
	for name, v := range docs {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			st.log.Error("pipeline: marshal diagnostic", zap.String("file", name), zap.Error(err))
			continue
		}
		files[name] = data
	}
	dir, err := r.publisher.WriteDiagnostics(st.RunID, st.Params.ReferencePeriod, st.Params.SpecificationID, files)
	if err != nil {
		st.log.Error("pipeline: write diagnostics", zap.Error(err))
		return
	}
	st.Diagnostics = dir
}

// slackFlags flags a slack observation from a month other than the
// reference period.
func slackFlags(m *curated.Matrices) []contract.Flag {
	if m.Slack == nil || m.SlackAligned() {
		return nil
	}
	return []contract.Flag{{
		ID:     FlagSlackMisaligned,
		Detail: fmt.Sprintf("slack period %s used for reference period %s", m.Slack.Period, m.Reference),
	}}
}

// rawArtifacts serializes artifacts without validation so QA judges the
// exact bytes.
func rawArtifacts(in map[contract.Kind]any) (map[contract.Kind][]byte, error) {
	out := make(map[contract.Kind][]byte, len(in))
	for kind, v := range in {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: marshal %s", kind)
		}
		out[kind] = data
	}
	return out, nil
}
