package fetch

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"tsgrab/internal/logger"
	"tsgrab/internal/metrics"
	"tsgrab/internal/models"
	"tsgrab/internal/segcipher"

	"github.com/google/renameio/v2"
)

const chunkPerm = 0o644

// Getter is the network collaborator used for segment payloads.
type Getter interface {
	Get(ctx context.Context, locator string, header http.Header) ([]byte, error)
	GetWithSession(ctx context.Context, locator string, header http.Header) ([]byte, error)
}

// KeySource returns the key for a key locator.
type KeySource interface {
	Key(ctx context.Context, locator string) ([]byte, error)
}

// Marker records a segment index as complete.
type Marker interface {
	MarkDone(index uint32) error
}

// FetchError reports the segment whose fetch failed.
type FetchError struct {
	Index uint32
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("segment %d: %v", e.Index, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher fetches one segment, decrypts it when needed, writes its chunk file
// and records it as done.
type Fetcher struct {
	Getter   Getter
	Keys     KeySource
	Tracker  Marker
	ChunkDir string
	FileName string
	// UseSession sends segment requests with the session's headers and cookies.
	// Segment hosts normally do not need them.
	UseSession bool
	Logger     logger.Logger
}

// ChunkPath returns the chunk file path of the segment at index.
func ChunkPath(dir, fileName string, index uint32) string {
	return filepath.Join(dir, fileName+"-"+strconv.FormatUint(uint64(index), 10)+".chunk.ts")
}

// Fetch runs the whole pipeline for seg and returns the chunk path.
// The segment is marked done only after its chunk is fully on disk.
func (f *Fetcher) Fetch(ctx context.Context, seg models.Segment) (string, error) {
	metrics.InFlightSegments.Inc()
	defer metrics.InFlightSegments.Dec()

	path, result, err := f.fetch(ctx, seg)
	metrics.SegmentsTotal.WithLabelValues(result).Inc()
	if err != nil {
		f.Logger.Warnf("Segment %d failed (%s): %v", seg.Index, result, err)
		return "", &FetchError{Index: seg.Index, Err: err}
	}
	return path, nil
}

func (f *Fetcher) fetch(ctx context.Context, seg models.Segment) (string, string, error) {
	get := f.Getter.Get
	if f.UseSession {
		get = f.Getter.GetWithSession
	}
	data, err := get(ctx, seg.URI, nil)
	if err != nil {
		return "", "network_error", err
	}

	if seg.Encrypted() {
		if seg.KeyMethod != "" && !strings.EqualFold(seg.KeyMethod, "AES-128") {
			return "", "cipher_error", fmt.Errorf("%w: unsupported key method %s", segcipher.ErrCipherFailure, seg.KeyMethod)
		}
		k, err := f.Keys.Key(ctx, seg.KeyURI)
		if err != nil {
			return "", "key_error", err
		}
		data, err = segcipher.DecryptSegment(data, k, seg.Index)
		if err != nil {
			return "", "cipher_error", err
		}
	}

	path := ChunkPath(f.ChunkDir, f.FileName, seg.Index)
	if err := os.MkdirAll(f.ChunkDir, 0o755); err != nil {
		return "", "write_error", fmt.Errorf("failed to create chunk directory: %w", err)
	}
	if err := renameio.WriteFile(path, data, chunkPerm); err != nil {
		return "", "write_error", fmt.Errorf("failed to write chunk %s: %w", path, err)
	}
	metrics.SegmentBytesTotal.Add(float64(len(data)))

	if err := f.Tracker.MarkDone(seg.Index); err != nil {
		return "", "write_error", fmt.Errorf("failed to mark segment done: %w", err)
	}
	f.Logger.Debugf("Segment %d written to %s (%d bytes)", seg.Index, path, len(data))
	return path, "ok", nil
}
