package main

import (
	"tsgrab/internal/download"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <identity>",
	Short: "Continue an interrupted download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		log = withIdentity(log, args[0])
		client := newClient(cfg, log)
		report, finish := progressReporter()
		opts := baseOptions(cfg)
		opts.Identity = args[0]
		opts.OnProgress = report

		d, err := download.New(opts, client, log)
		if err != nil {
			return err
		}
		return execute(log, d, finish, d.Resume)
	},
}
