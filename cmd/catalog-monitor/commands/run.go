package commands

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var runJSON bool

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the run report as JSON on stdout.")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [--json]",
	Short: "Crawls the catalog once, saves today's snapshot and reports new items.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		rep, err := a.pipeline.Run(ctx)
		if rep != nil {
			for _, stageErr := range rep.Errors() {
				a.logger.Warn("stage did not complete", "error", stageErr)
			}
			if runJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(rep); encErr != nil {
					a.logger.Error("failed to encode run report", "error", encErr)
				}
			}
			if rep.ReportPath != "" {
				a.logger.Info("new items report ready", "path", rep.ReportPath, "items", len(rep.NewItems))
			}
		}

		return err
	},
}
