package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dmi/internal/contract"
	"github.com/sells-group/dmi/internal/registry"
	"github.com/sells-group/dmi/internal/sheet"
	"github.com/sells-group/dmi/internal/weights"
)

var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Work with expenditure weight tables",
}

// -- weights extract --

var weightsExtractCmd = &cobra.Command{
	Use:   "extract <table.xlsx>",
	Short: "Validate an expenditure-share table and write its weight snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src := args[0]
		output, _ := cmd.Flags().GetString("output")
		diagDir, _ := cmd.Flags().GetString("diagnostics")
		vintage, _ := cmd.Flags().GetInt("vintage")
		universe, _ := cmd.Flags().GetString("universe")

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

		ext := cfg.Extraction
		ws, err := weights.ExtractFile(src, mapping, weights.Options{
			Granularity:    ext.Granularity,
			VintageYear:    vintage,
			ShareMin:       ext.ShareMin,
			ShareMax:       ext.ShareMax,
			TotalTolerance: ext.ShareTotalTolerance,
			DiagnosticRows: ext.DiagnosticRows,
			Source:         filepath.Base(src),
		}, sheet.Options{SheetName: ext.SheetName})
		if err != nil {
			var sve *weights.StructuralValidationError
			if errors.As(err, &sve) && sve.Diagnostic != nil {
				if diagDir == "" {
					diagDir = filepath.Join(cfg.Paths.OutputDir, "diagnostics", "weights")
				}
				path, werr := sve.Diagnostic.Write(diagDir)
				if werr != nil {
					zap.L().Error("write structural diagnostic", zap.Error(werr))
				} else {
					fmt.Fprintf(os.Stderr, "structural diagnostic written to %s\n", path)
				}
			}
			return err
		}

		for _, w := range ws.Warnings {
			zap.L().Warn("weights: extraction warning",
				zap.String("check_id", w.CheckID),
				zap.String("detail", w.Detail),
			)
		}

		data, err := contract.Encode(contract.KindWeights, contract.NewWeightsSnapshot(ws, mapping.Version, universe))
		if err != nil {
			return err
		}
		if output == "" {
			_, err = os.Stdout.Write(append(data, '\n'))
			return err
		}
		if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
			return eris.Wrap(err, "create output dir")
		}
		if err := os.WriteFile(output, data, 0o644); err != nil {
			return eris.Wrap(err, "write weight snapshot")
		}
		fmt.Fprintf(os.Stderr, "%s\nweight snapshot written to %s\n", weights.Summary(ws), output)
		return nil
	},
}

func init() {
	weightsExtractCmd.Flags().StringP("output", "o", "", "weight snapshot path (default stdout)")
	weightsExtractCmd.Flags().String("diagnostics", "", "structural diagnostic directory (default <output_dir>/diagnostics/weights)")
	weightsExtractCmd.Flags().Int("vintage", 0, "vintage year (default inferred from the sheet header)")
	weightsExtractCmd.Flags().String("universe", "headline", "universe recorded in the snapshot")

	weightsCmd.AddCommand(weightsExtractCmd)
	rootCmd.AddCommand(weightsCmd)
}
