package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"tsgrab/internal/progress"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List interrupted downloads that can be resumed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		summaries, err := progress.List(cfg.StorageRoot, log)
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("No saved downloads.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "IDENTITY\tFILE\tPROGRESS\tSTARTED")
		for _, s := range summaries {
			pct := 0.0
			if s.Total > 0 {
				pct = float64(s.Completed) * 100 / float64(s.Total)
			}
			fmt.Fprintf(w, "%s\t%s\t%d/%d (%.0f%%)\t%s\n", s.Identity, s.FileName, s.Completed, s.Total, pct, humanize.Time(s.CreatedAt))
		}
		return w.Flush()
	},
}
