package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/maltedev/catalog-monitor/internal/diff"
	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/maltedev/catalog-monitor/internal/report"
	"github.com/maltedev/catalog-monitor/internal/snapshot"
	"github.com/spf13/cobra"
)

var diffReportPath string

func init() {
	diffCmd.Flags().StringVar(&diffReportPath, "report", "", "Also write the new items as an HTML report to this path.")
	rootCmd.AddCommand(diffCmd)
}

var diffCmd = &cobra.Command{
	Use:   "diff <today.csv> <previous.csv>",
	Short: "Lists products in the first snapshot file that the second one does not contain.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := diffFiles(args[0], args[1])
		if err != nil {
			return err
		}

		if err := printItems(cmd.OutOrStdout(), items); err != nil {
			return err
		}

		if diffReportPath != "" {
			if err := report.WriteFile(diffReportPath, report.Report{Date: time.Now(), Items: items}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "report written to %s\n", diffReportPath)
		}
		return nil
	},
}

// diffFiles compares two snapshot files of any schema generation.
func diffFiles(todayPath, previousPath string) ([]models.ProductRecord, error) {
	today, err := decodeFile(todayPath)
	if err != nil {
		return nil, err
	}
	previous, err := decodeFile(previousPath)
	if err != nil {
		return nil, err
	}

	snap := snapshot.New(time.Now(), today.Records())
	return diff.NewItems(snap, snapshot.Normalize(previous.Rows)), nil
}

func decodeFile(path string) (*snapshot.Decoded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	d, err := snapshot.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return d, nil
}

func printItems(w io.Writer, items []models.ProductRecord) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "no new items")
		return err
	}
	for _, it := range items {
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\n", it.Name, it.Price, it.FullURL); err != nil {
			return err
		}
	}
	return nil
}
