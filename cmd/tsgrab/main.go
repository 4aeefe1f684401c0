package main

import (
	"errors"
	"fmt"
	"os"
	"tsgrab/internal/config"
	"tsgrab/internal/download"
	"tsgrab/internal/logger"

	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath  string
	logLevel    string
	metricsAddr string
}

var globals globalFlags

var rootCmd = &cobra.Command{
	Use:           "tsgrab",
	Short:         "Download encrypted HLS episodes with resume support",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globals.configPath, "config", "c", "tsgrab.yaml", "Path to the config file")
	rootCmd.PersistentFlags().StringVarP(&globals.logLevel, "log-level", "L", "", "Log level (error, warn, info, debug); overrides the config file")
	rootCmd.PersistentFlags().StringVar(&globals.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")

	rootCmd.AddCommand(downloadCmd, resumeCmd, statusCmd)
}

// setup loads the config and builds the logger shared by every subcommand.
func setup() (*config.Config, logger.Logger, error) {
	cfg, err := config.LoadConfig(globals.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if globals.logLevel != "" {
		level = globals.logLevel
	}
	return cfg, logger.NewLogger(level), nil
}

// withIdentity tags every record of log with the download identity.
func withIdentity(log logger.Logger, identity string) logger.Logger {
	if sl, ok := log.(*logger.SlogLogger); ok {
		return sl.With("identity", identity)
	}
	return log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var f *download.Failure
		if errors.As(err, &f) && f.Resumable() {
			fmt.Fprintf(os.Stderr, "Progress was saved; continue with: tsgrab resume <identity>\n")
		}
		os.Exit(1)
	}
}
