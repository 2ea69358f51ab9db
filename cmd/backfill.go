package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dmi/internal/config"
	"github.com/sells-group/dmi/internal/model"
	"github.com/sells-group/dmi/internal/pipeline"
	"github.com/sells-group/dmi/internal/publish"
	"github.com/sells-group/dmi/internal/registry"
	"github.com/sells-group/dmi/internal/weights"
)

var (
	backfillFrom  string
	backfillTo    string
	backfillSpec  string
	backfillDraws int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Compute research results for a range of historical periods",
	Long: "Runs every month from --from through --to in research mode. Each year uses the\n" +
		"weight vintage assigned to it in backfill.vintages; nothing is recorded in the ledger.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		from, err := model.ParsePeriod(backfillFrom)
		if err != nil {
			return err
		}
		to, err := model.ParsePeriod(backfillTo)
		if err != nil {
			return err
		}
		params, err := config.NewRunParams(cfg, backfillSpec, from)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("draws") {
			params.BootstrapDraws = backfillDraws
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

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runner := pipeline.New(cfg, reg, mapping, st, publish.New(cfg.Paths.OutputDir))
		rep, err := runner.Backfill(ctx, params, from, to)
		if rep != nil {
			formatBackfillReport(os.Stdout, rep)
		}
		return err
	},
}

// formatBackfillReport writes one row per backfilled month to w.
func formatBackfillReport(out io.Writer, rep *pipeline.BackfillReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PERIOD\tVINTAGE\tSTATUS\tRUN\tOUTPUT")
	_, _ = fmt.Fprintln(w, "------\t-------\t------\t---\t------")
	for _, p := range rep.Periods {
		detail := p.Release
		if p.Err != nil {
			detail = p.Err.Error()
			if len(detail) > 60 {
				detail = detail[:57] + "..."
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", p.Period, p.Vintage, p.Status, truncateID(p.RunID), detail)
	}
	_ = w.Flush()
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "first reference period YYYY-MM (required)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "last reference period YYYY-MM (required)")
	backfillCmd.Flags().StringVar(&backfillSpec, "spec", "baseline", "specification ID")
	backfillCmd.Flags().IntVar(&backfillDraws, "draws", 0, "bootstrap draws per period (default from config)")
	_ = backfillCmd.MarkFlagRequired("from")
	_ = backfillCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(backfillCmd)
}
