package assemble

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"tsgrab/internal/fetch"
	"tsgrab/internal/logger"
	"tsgrab/internal/models"
	"tsgrab/internal/scheduler"
)

var (
	// ErrNotCompleted is returned when merging is attempted before the scheduler completed.
	ErrNotCompleted = errors.New("download not completed")
	// ErrMissingChunk is returned when a segment's chunk file is absent at merge time.
	ErrMissingChunk = errors.New("missing chunk")
)

// Assembler turns the chunk files of a completed download into the output file.
type Assembler struct {
	ChunkDir string
	FileName string
	Segments []models.Segment
	Merger   Merger
	Logger   logger.Logger
}

// Chunks returns the chunk paths in ascending segment index order.
func (a *Assembler) Chunks() []string {
	ordered := slices.Clone(a.Segments)
	slices.SortFunc(ordered, func(x, y models.Segment) int {
		return int(int64(x.Index) - int64(y.Index))
	})
	out := make([]string, len(ordered))
	for i, s := range ordered {
		out[i] = fetch.ChunkPath(a.ChunkDir, a.FileName, s.Index)
	}
	return out
}

// Merge writes the output file. It refuses unless state is Completed and every chunk exists.
func (a *Assembler) Merge(ctx context.Context, state scheduler.State, output string) error {
	if state != scheduler.Completed {
		return fmt.Errorf("%w: scheduler is %s", ErrNotCompleted, state)
	}
	chunks := a.Chunks()
	for _, c := range chunks {
		if _, err := os.Stat(c); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMissingChunk, c, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	a.Logger.Infof("Merging %d chunks into %s (%s)", len(chunks), output, a.Merger.Name())
	return a.Merger.Merge(ctx, chunks, output)
}

// RemoveChunks deletes the chunk files. Missing chunks are not an error.
func (a *Assembler) RemoveChunks() error {
	var errs []error
	for _, c := range a.Chunks() {
		if err := os.Remove(c); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to remove chunks: %w", err)
	}
	// Only succeeds once the directory is empty.
	_ = os.Remove(a.ChunkDir)
	return nil
}
