package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dmi/internal/model"
	"github.com/sells-group/dmi/internal/registry"
)

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "Print the category registry or one universe",
	RunE: func(cmd *cobra.Command, _ []string) error {
		universe, _ := cmd.Flags().GetString("universe")

		reg, err := registry.Load(cfg.Paths.RegistryPath)
		if err != nil {
			return eris.Wrap(err, "load category registry")
		}

		cats := reg.Categories()
		if universe != "" {
			ids, err := reg.Universe(universe)
			if err != nil {
				return err
			}
			cats = cats[:0:0]
			for _, id := range ids {
				c, _ := reg.Get(id)
				cats = append(cats, c)
			}
		}

		formatCategories(os.Stdout, cats)
		return nil
	},
}

func init() {
	categoriesCmd.Flags().String("universe", "", "only categories in this universe (e.g. headline, core)")
	rootCmd.AddCommand(categoriesCmd)
}

// formatCategories writes a tabular list of categories to w.
func formatCategories(out io.Writer, cats []model.CategorySpec) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tLEVEL\tPARENT\tSERIES\tUNIVERSES\tLABEL")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t------\t---------\t-----")

	for _, c := range cats {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			c.CategoryID,
			c.Level,
			c.ParentCategoryID,
			c.SeriesID,
			strings.Join(c.UniverseIDs, ","),
			c.Label,
		)
	}
	_ = w.Flush()
}
