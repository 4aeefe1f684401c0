package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"tsgrab/internal/assemble"
	"tsgrab/internal/fetch"
	"tsgrab/internal/key"
	"tsgrab/internal/logger"
	"tsgrab/internal/metrics"
	"tsgrab/internal/models"
	"tsgrab/internal/network"
	"tsgrab/internal/playlist"
	"tsgrab/internal/progress"
	"tsgrab/internal/scheduler"
)

// chunkSubdir holds chunk files inside the per-identity progress directory.
const chunkSubdir = "chunks"

// Client is the network collaborator a Download needs.
type Client interface {
	Get(ctx context.Context, locator string, header http.Header) ([]byte, error)
	GetWithSession(ctx context.Context, locator string, header http.Header) ([]byte, error)
	Session() network.Session
	SetSession(s network.Session)
}

// Options configures a Download.
type Options struct {
	// Identity names the persisted progress. The same identity must be used to resume.
	Identity string
	// FileName is the output name without extension. Resume takes it from the record.
	FileName    string
	OutputDir   string
	StorageRoot string

	Policy  scheduler.Policy
	Workers int

	IncludeFiller bool
	FillerHosts   []string
	// KeepChunks leaves the chunk files in place after a successful merge.
	// The resume record is removed either way.
	KeepChunks bool

	MergePolicy string
	FFmpegPath  string

	KeyStrategy string
	StaticKey   []byte
	// SegmentsViaSession sends segment requests with the session attached.
	SegmentsViaSession bool

	OnProgress scheduler.ProgressFunc
}

// Download acquires one playlist into one output file.
type Download struct {
	opts    Options
	client  Client
	logger  logger.Logger
	tracker *progress.Tracker
	merger  assemble.Merger

	mu      sync.Mutex
	sched   *scheduler.Scheduler
	stopped bool
}

// New validates opts and prepares a download. Nothing is fetched or written yet.
func New(opts Options, client Client, log logger.Logger) (*Download, error) {
	if opts.StorageRoot == "" {
		return nil, errors.New("storage root is required")
	}
	tracker, err := progress.NewTracker(opts.StorageRoot, opts.Identity, log)
	if err != nil {
		return nil, err
	}
	merger, err := assemble.NewMerger(opts.MergePolicy, opts.FFmpegPath)
	if err != nil {
		return nil, err
	}
	if _, err := key.NewStrategy(opts.KeyStrategy, nil, opts.StaticKey); err != nil {
		return nil, err
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	return &Download{
		opts:    opts,
		client:  client,
		logger:  log,
		tracker: tracker,
		merger:  merger,
	}, nil
}

// Start downloads every segment of manifest and returns the output path.
// Any previous progress stored under the same identity is discarded.
func (d *Download) Start(ctx context.Context, manifest *playlist.Manifest) (string, error) {
	if manifest == nil {
		return "", d.fail(newFailure(fmt.Errorf("%w: no manifest", playlist.ErrEmptyPlaylist), 0, 0))
	}
	segments := playlist.Normalize(manifest, playlist.NormalizeOptions{
		IncludeFiller: d.opts.IncludeFiller,
		FillerHosts:   d.opts.FillerHosts,
	})
	if len(segments) == 0 {
		return "", d.fail(newFailure(playlist.ErrEmptyPlaylist, 0, 0))
	}
	fileName := SanitizeFileName(d.opts.FileName)
	if fileName == "" {
		return "", d.fail(newFailure(errors.New("file name is empty"), 0, len(segments)))
	}

	rec := progress.ResumeRecord{
		Identity:      d.opts.Identity,
		FileName:      fileName,
		TotalSegments: len(segments),
		Segments:      segments,
		Auth:          d.client.Session(),
	}
	if err := d.tracker.Init(rec); err != nil {
		return "", d.fail(newFailure(err, 0, len(segments)))
	}
	d.logger.Infof("Starting %s: %d segments (%d in manifest)", d.opts.Identity, len(segments), len(manifest.Entries))
	return d.run(ctx, &rec, nil)
}

// Resume continues a download from its persisted progress and returns the output path.
// The session stored at start is restored into the client.
func (d *Download) Resume(ctx context.Context) (string, error) {
	rec, done, err := d.tracker.Load()
	if err != nil {
		return "", d.fail(newFailure(err, 0, 0))
	}
	return d.resume(ctx, rec, done)
}

func (d *Download) resume(ctx context.Context, rec *progress.ResumeRecord, done []uint32) (string, error) {
	d.client.SetSession(rec.Auth)
	d.logger.Infof("Resuming %s: %d of %d segments already done", rec.Identity, len(done), rec.TotalSegments)
	return d.run(ctx, rec, done)
}

// Stop asks a running download to dispatch no more segments. In-flight
// segments finish and are recorded, so a later Resume picks up after them.
func (d *Download) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.sched != nil {
		d.sched.Stop()
	}
}

// State returns the scheduler state of the current run.
func (d *Download) State() scheduler.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sched == nil {
		return scheduler.Idle
	}
	return d.sched.State()
}

// Dir returns the directory holding the download's progress and chunks.
func (d *Download) Dir() string { return d.tracker.Dir() }

func (d *Download) run(ctx context.Context, rec *progress.ResumeRecord, done []uint32) (string, error) {
	pending := progress.Remaining(rec, done)
	already := rec.TotalSegments - len(pending)
	total := rec.TotalSegments

	keyFetch := func(ctx context.Context, locator string) ([]byte, error) {
		return d.client.GetWithSession(ctx, locator, nil)
	}
	strategy, err := key.NewStrategy(d.opts.KeyStrategy, keyFetch, d.opts.StaticKey)
	if err != nil {
		return "", d.fail(newFailure(err, already, total))
	}
	keys := key.NewService(strategy, d.logger)
	// Resolve up front so parallel workers never race on the first key fetch.
	if err := keys.Prime(ctx, playlist.KeyURIs(pending)); err != nil {
		return "", d.fail(newFailure(err, already, total))
	}

	chunkDir := filepath.Join(d.tracker.Dir(), chunkSubdir)
	fetcher := &fetch.Fetcher{
		Getter:     d.client,
		Keys:       keys,
		Tracker:    d.tracker,
		ChunkDir:   chunkDir,
		FileName:   rec.FileName,
		UseSession: d.opts.SegmentsViaSession,
		Logger:     d.logger,
	}
	sched := &scheduler.Scheduler{
		Policy:  d.opts.Policy,
		Workers: d.opts.Workers,
		Fetch: func(ctx context.Context, seg models.Segment) error {
			_, err := fetcher.Fetch(ctx, seg)
			return err
		},
		OnProgress: d.opts.OnProgress,
		Logger:     d.logger,
	}
	d.attach(sched)

	if err := sched.Run(ctx, pending, already, total); err != nil {
		return "", d.fail(newFailure(err, sched.Completed(), total))
	}

	asm := &assemble.Assembler{
		ChunkDir: chunkDir,
		FileName: rec.FileName,
		Segments: rec.Segments,
		Merger:   d.merger,
		Logger:   d.logger,
	}
	output := filepath.Join(d.opts.OutputDir, rec.FileName+d.merger.Ext())
	if err := asm.Merge(ctx, sched.State(), output); err != nil {
		return "", d.fail(newFailure(err, sched.Completed(), total))
	}

	if err := d.tracker.Clear(); err != nil {
		d.logger.Warnf("Failed to clear progress of %s: %v", rec.Identity, err)
	}
	if !d.opts.KeepChunks {
		if err := asm.RemoveChunks(); err != nil {
			d.logger.Warnf("Failed to remove chunks of %s: %v", rec.Identity, err)
		}
		if err := d.tracker.Purge(); err != nil {
			d.logger.Warnf("Failed to remove %s: %v", d.tracker.Dir(), err)
		}
	}
	metrics.DownloadsTotal.WithLabelValues("completed").Inc()
	d.logger.Infof("Download %s finished: %s", rec.Identity, output)
	return output, nil
}

func (d *Download) attach(s *scheduler.Scheduler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sched = s
	if d.stopped {
		s.Stop()
	}
}

func (d *Download) fail(f *Failure) error {
	metrics.DownloadsTotal.WithLabelValues(string(f.Kind)).Inc()
	d.logger.Errorf("%v", f)
	return f
}

// ResumeOrStart resumes identity when progress exists and starts over otherwise.
func (d *Download) ResumeOrStart(ctx context.Context, manifest *playlist.Manifest) (string, error) {
	rec, done, err := d.tracker.Load()
	if errors.Is(err, progress.ErrNotFound) {
		d.logger.Debugf("No saved progress for %s, starting fresh", d.opts.Identity)
		return d.Start(ctx, manifest)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resume %s: %w", d.opts.Identity, d.fail(newFailure(err, 0, 0)))
	}
	out, err := d.resume(ctx, rec, done)
	if err != nil {
		return "", fmt.Errorf("failed to resume %s: %w", d.opts.Identity, err)
	}
	return out, nil
}
