package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dmi/internal/ledger"
	"github.com/sells-group/dmi/internal/metrics"
	"github.com/sells-group/dmi/internal/model"
)

var releasesCmd = &cobra.Command{
	Use:   "releases",
	Short: "Inspect the release ledger",
	Long:  "Commands for listing, viewing, and summarizing publish attempts recorded in the ledger.",
}

// -- releases list --

var releasesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List publish attempts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		spec, _ := cmd.Flags().GetString("spec")
		status, _ := cmd.Flags().GetString("status")
		before, _ := cmd.Flags().GetString("before")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := ledger.Filter{
			SpecificationID: spec,
			Status:          model.ReleaseStatus(status),
			Limit:           limit,
		}
		if before != "" {
			p, err := model.ParsePeriod(before)
			if err != nil {
				return err
			}
			filter.Before = p
		}

		rels, err := st.ListReleases(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "releases list")
		}

		if len(rels) == 0 {
			fmt.Fprintln(os.Stderr, "No releases found.")
			return nil
		}

		formatReleasesList(os.Stdout, rels)
		return nil
	},
}

// -- releases show --

var releasesShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the full ledger record of a publish attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rel, err := st.GetRelease(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "releases show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rel)
	},
}

// -- releases stats --

var releasesStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize publish attempts for a specification",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		spec, _ := cmd.Flags().GetString("spec")
		snap, err := metrics.CollectLedger(ctx, st, spec, 10000)
		if err != nil {
			return eris.Wrap(err, "releases stats")
		}

		formatLedgerStats(os.Stdout, snap)
		return nil
	},
}

func init() {
	releasesListCmd.Flags().String("spec", "", "filter by specification ID")
	releasesListCmd.Flags().String("status", "", "filter by status (pending, published, abandoned)")
	releasesListCmd.Flags().String("before", "", "only reference periods before YYYY-MM")
	releasesListCmd.Flags().Int("limit", 50, "max number of releases to display")

	releasesStatsCmd.Flags().String("spec", "baseline", "specification ID")

	releasesCmd.AddCommand(releasesListCmd)
	releasesCmd.AddCommand(releasesShowCmd)
	releasesCmd.AddCommand(releasesStatsCmd)
	rootCmd.AddCommand(releasesCmd)
}

// formatReleasesList writes a tabular list of releases to w.
func formatReleasesList(out io.Writer, rels []model.Release) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tPERIOD\tSPEC\tSTATUS\tQA\tVINTAGE\tCREATED\tPATH")
	_, _ = fmt.Fprintln(w, "---\t------\t----\t------\t--\t-------\t-------\t----")

	for _, r := range rels {
		path := r.Path
		if r.Status == model.ReleaseAbandoned && r.Reason != "" {
			path = r.Reason
			if len(path) > 40 {
				path = path[:37] + "..."
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(r.RunID),
			r.ReferencePeriod,
			r.SpecificationID,
			r.Status,
			r.QAStatus,
			r.VintageYear,
			r.CreatedAt.Format("2006-01-02 15:04"),
			path,
		)
	}
	_ = w.Flush()
}

// formatLedgerStats writes a ledger summary to w.
func formatLedgerStats(out io.Writer, s *metrics.LedgerSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Specification:\t%s\n", s.SpecificationID)
	_, _ = fmt.Fprintf(w, "Total attempts:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Published:\t%d\n", s.Published)
	_, _ = fmt.Fprintf(w, "  With warnings:\t%d (%.0f%%)\n", s.Warned, s.WarnRate*100)
	_, _ = fmt.Fprintf(w, "Pending:\t%d\n", s.Pending)
	_, _ = fmt.Fprintf(w, "Abandoned:\t%d\n", s.Abandoned)
	if !s.LatestPeriod.IsZero() {
		_, _ = fmt.Fprintf(w, "Latest period:\t%s (vintage %d)\n", s.LatestPeriod, s.LatestVintage)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a run ID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
