package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"tsgrab/internal/config"
	"tsgrab/internal/download"
	"tsgrab/internal/logger"
	"tsgrab/internal/network"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
)

func newClient(cfg *config.Config, log logger.Logger) *network.Client {
	return network.NewClient(network.Options{
		UserAgent:      cfg.UserAgent,
		RequestTimeout: cfg.RequestTimeout,
		RateLimit:      cfg.RateLimit,
		Session:        cfg.Session,
	}, log)
}

func baseOptions(cfg *config.Config) download.Options {
	return download.Options{
		OutputDir:          cfg.OutputDir,
		StorageRoot:        cfg.StorageRoot,
		Policy:             cfg.Policy,
		Workers:            cfg.Workers,
		IncludeFiller:      cfg.IncludeFiller,
		FillerHosts:        cfg.FillerHosts,
		KeepChunks:         cfg.KeepChunks,
		MergePolicy:        cfg.MergePolicy,
		FFmpegPath:         cfg.FFmpegPath,
		KeyStrategy:        cfg.KeyStrategy,
		StaticKey:          cfg.StaticKey,
		SegmentsViaSession: cfg.SegmentsViaSession,
	}
}

// progressReporter renders scheduler progress. The bar is created on the first
// callback, when the total is known.
func progressReporter() (func(done, total int), func()) {
	var bar *progressbar.ProgressBar
	report := func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("Downloading"),
				progressbar.OptionShowCount(),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set(done)
	}
	finish := func() {
		if bar != nil {
			_ = bar.Finish()
		}
	}
	return report, finish
}

// execute runs fn with signal handling, the metrics endpoint and progress output.
func execute(log logger.Logger, d *download.Download, finish func(), fn func(ctx context.Context) (string, error)) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer context.AfterFunc(ctx, func() {
		log.Infof("Interrupt received, waiting for in-flight segments...")
		d.Stop()
	})()

	shutdown := serveMetrics(log, globals.metricsAddr)
	defer shutdown()

	out, err := fn(ctx)
	finish()
	if err != nil {
		return err
	}

	size := "unknown size"
	if fi, statErr := os.Stat(out); statErr == nil {
		size = humanize.Bytes(uint64(fi.Size()))
	}
	fmt.Printf("Saved %s (%s)\n", out, size)
	return nil
}

func serveMetrics(log logger.Logger, addr string) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Infof("Metrics server starting on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Could not listen on %s: %v", addr, err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Warnf("Metrics server shutdown failed: %v", err)
		}
	}
}
