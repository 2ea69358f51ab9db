package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dmi/internal/config"
	"github.com/sells-group/dmi/internal/contract"
	"github.com/sells-group/dmi/internal/model"
	"github.com/sells-group/dmi/internal/pipeline"
	"github.com/sells-group/dmi/internal/publish"
	"github.com/sells-group/dmi/internal/registry"
	"github.com/sells-group/dmi/internal/weights"
)

var (
	runPeriod         string
	runSpec           string
	runMode           string
	runApprove        bool
	runSlackAlignment string
	runDraws          int
	runSeed           uint64
	runPointEstimate  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Compute, validate and publish the index for one period",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		period, err := model.ParsePeriod(runPeriod)
		if err != nil {
			return err
		}
		params, err := config.NewRunParams(cfg, runSpec, period)
		if err != nil {
			return err
		}
		if err := applyRunFlags(cmd, &params); err != nil {
			return err
		}

		reg, err := registry.Load(cfg.Paths.RegistryPath)
		if err != nil {
			return eris.Wrap(err, "load category registry")
		}
		mapping, err := weights.LoadMapping(cfg.Paths.MappingPath)
		if err != nil {
			return eris.Wrap(err, "load label mapping")
		}
		if err := mapping.Check(reg); err != nil {
			return err
		}

		// Research runs read prior releases for the vintage gate and QA
		// history but never record a release.
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runner := pipeline.New(cfg, reg, mapping, st, publish.New(cfg.Paths.OutputDir))
		res, err := runner.Run(ctx, params)
		if res != nil {
			if werr := writeRunReport(os.Stdout, res); werr != nil {
				zap.L().Warn("write run report", zap.Error(werr))
			}
		}
		return err
	},
}

// applyRunFlags overrides configured run parameters with explicitly set flags.
func applyRunFlags(cmd *cobra.Command, p *config.RunParams) error {
	flags := cmd.Flags()
	if flags.Changed("mode") {
		m, err := config.ParseMode(runMode)
		if err != nil {
			return err
		}
		p.Mode = m
	}
	if flags.Changed("slack-alignment") {
		a, err := config.ParseSlackAlignment(runSlackAlignment)
		if err != nil {
			return err
		}
		p.SlackAlignment = a
	}
	if flags.Changed("point-estimate") {
		pe, err := config.ParsePointEstimate(runPointEstimate)
		if err != nil {
			return err
		}
		p.PointEstimate = pe
	}
	if flags.Changed("draws") {
		p.BootstrapDraws = runDraws
	}
	if flags.Changed("seed") {
		p.Seed = runSeed
	}
	p.ApprovalGranted = runApprove
	return p.Validate()
}

// runReport is the run outcome printed to stdout.
type runReport struct {
	RunID        string                 `json:"run_id"`
	Status       string                 `json:"status"`
	QAStatus     model.QAStatus         `json:"qa_status,omitempty"`
	Failed       []string               `json:"failed_checks,omitempty"`
	Warnings     []string               `json:"warnings,omitempty"`
	Flags        []contract.Flag        `json:"flags,omitempty"`
	Summary      *model.SummaryMetrics  `json:"summary_metrics,omitempty"`
	Results      []contract.GroupResult `json:"results,omitempty"`
	ReleasePath  string                 `json:"release_path,omitempty"`
	ReviewPacket string                 `json:"review_packet,omitempty"`
	Diagnostics  string                 `json:"diagnostics,omitempty"`
}

func newRunReport(res *pipeline.Result) runReport {
	rep := runReport{
		RunID:        res.RunID,
		Status:       res.Status,
		QAStatus:     res.Verdict.Status,
		Flags:        res.Flags,
		ReviewPacket: res.ReviewPacket,
		Diagnostics:  res.Diagnostics,
	}
	for _, c := range res.Verdict.Failed() {
		rep.Failed = append(rep.Failed, c.CheckID)
	}
	if res.Verdict.Status != "" {
		rep.Warnings = contract.WarningIDs(res.Verdict)
	}
	if len(res.Results) > 0 {
		summary := res.Summary
		rep.Summary = &summary
		rep.Results = contract.GroupResults(res.Results, res.Bands)
	}
	if res.Release != nil {
		rep.ReleasePath = res.Release.Path
	}
	return rep
}

func writeRunReport(w io.Writer, res *pipeline.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(newRunReport(res))
}

func init() {
	runCmd.Flags().StringVar(&runPeriod, "period", "", "reference period YYYY-MM (required)")
	runCmd.Flags().StringVar(&runSpec, "spec", "baseline", "specification ID")
	runCmd.Flags().StringVar(&runMode, "mode", string(config.ModePublished), "run mode: published or research")
	runCmd.Flags().BoolVar(&runApprove, "approve-vintage-change", false, "approve a weight vintage change for this run")
	runCmd.Flags().StringVar(&runSlackAlignment, "slack-alignment", string(config.SlackSameReferenceMonth), "slack alignment rule (research mode may use latest_available_not_after)")
	runCmd.Flags().IntVar(&runDraws, "draws", 0, "bootstrap draws (0 skips uncertainty; default from config)")
	runCmd.Flags().Uint64Var(&runSeed, "seed", 0, "bootstrap seed (default from config)")
	runCmd.Flags().StringVar(&runPointEstimate, "point-estimate", string(config.PointMedian), "published point value: median or unperturbed")
	_ = runCmd.MarkFlagRequired("period")
	rootCmd.AddCommand(runCmd)
}
