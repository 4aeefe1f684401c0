package main

import (
	"context"
	"tsgrab/internal/download"
	"tsgrab/internal/scheduler"

	"github.com/spf13/cobra"
)

type downloadFlags struct {
	identity      string
	pattern       string
	title         string
	episode       int
	episodeTitle  string
	output        string
	quality       string
	merge         string
	workers       int
	sequential    bool
	keepChunks    bool
	includeFiller bool
	restart       bool
}

var dlFlags downloadFlags

var downloadCmd = &cobra.Command{
	Use:   "download <manifest-url>",
	Short: "Download an episode from its HLS manifest",
	Long: "Download every segment of an HLS manifest, decrypt it and merge the result.\n" +
		"An interrupted download of the same manifest continues where it stopped unless --restart is given.",
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	f := downloadCmd.Flags()
	f.StringVar(&dlFlags.identity, "identity", "", "Progress identity (default: derived from the manifest url)")
	f.StringVarP(&dlFlags.pattern, "name", "n", "", "Output file name; <anititle>, <ep> and <eptitle> are expanded")
	f.StringVar(&dlFlags.title, "title", "episode", "Show title for <anititle>")
	f.IntVar(&dlFlags.episode, "episode", 1, "Episode number for <ep>")
	f.StringVar(&dlFlags.episodeTitle, "episode-title", "", "Episode title for <eptitle>")
	f.StringVarP(&dlFlags.output, "output", "o", "", "Output directory (overrides the config file)")
	f.StringVarP(&dlFlags.quality, "quality", "q", "", "Variant to pick from a master playlist: ld, sd, hd, fullhd or best")
	f.StringVar(&dlFlags.merge, "merge", "", "Merge policy: concat or mux")
	f.IntVarP(&dlFlags.workers, "workers", "w", -1, "Parallel segment fetches; 0 means one per segment")
	f.BoolVar(&dlFlags.sequential, "sequential", false, "Fetch segments one at a time")
	f.BoolVar(&dlFlags.keepChunks, "keep-chunks", false, "Keep chunk files after merging")
	f.BoolVar(&dlFlags.includeFiller, "include-filler", false, "Keep the intro bumper segments")
	f.BoolVar(&dlFlags.restart, "restart", false, "Discard saved progress and start over")
}

func runDownload(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	locator := args[0]

	if dlFlags.output != "" {
		cfg.OutputDir = dlFlags.output
	}
	if dlFlags.quality != "" {
		cfg.Quality = dlFlags.quality
	}
	if dlFlags.merge != "" {
		cfg.MergePolicy = dlFlags.merge
	}
	if dlFlags.workers >= 0 {
		cfg.Workers = dlFlags.workers
	}
	if dlFlags.sequential {
		cfg.Policy = scheduler.Sequential
	}
	cfg.KeepChunks = cfg.KeepChunks || dlFlags.keepChunks
	cfg.IncludeFiller = cfg.IncludeFiller || dlFlags.includeFiller

	pattern := dlFlags.pattern
	if pattern == "" {
		pattern = cfg.FilePattern
	}
	identity := dlFlags.identity
	if identity == "" {
		identity = identityFor(locator)
	}

	log = withIdentity(log, identity)
	client := newClient(cfg, log)
	report, finish := progressReporter()
	opts := baseOptions(cfg)
	opts.Identity = identity
	opts.FileName = download.ExpandFileName(pattern, download.EpisodeInfo{
		Title:        dlFlags.title,
		Number:       dlFlags.episode,
		EpisodeTitle: dlFlags.episodeTitle,
	})
	opts.OnProgress = report

	d, err := download.New(opts, client, log)
	if err != nil {
		return err
	}
	log.Infof("Download identity: %s", identity)

	return execute(log, d, finish, func(ctx context.Context) (string, error) {
		manifest, err := loadManifest(ctx, client, log, locator, cfg.Quality)
		if err != nil {
			return "", err
		}
		if dlFlags.restart {
			return d.Start(ctx, manifest)
		}
		return d.ResumeOrStart(ctx, manifest)
	})
}
