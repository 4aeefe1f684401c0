package assemble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// ErrMergeFailure wraps every failure of a merge strategy.
var ErrMergeFailure = errors.New("merge failure")

// Merger joins chunk files, in the given order, into one output file.
type Merger interface {
	Name() string
	// Ext is the extension of the files the merger produces, including the dot.
	Ext() string
	Merge(ctx context.Context, chunks []string, output string) error
}

// NewMerger selects a merge strategy by name: "concat" or "mux".
func NewMerger(policy, ffmpegPath string) (Merger, error) {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case "", "mux":
		if ffmpegPath == "" {
			ffmpegPath = "ffmpeg"
		}
		return &MuxMerger{Binary: ffmpegPath}, nil
	case "concat":
		return ConcatMerger{}, nil
	default:
		return nil, fmt.Errorf("unknown merge policy %q", policy)
	}
}

// ConcatMerger appends the chunks byte for byte. MPEG-TS tolerates plain concatenation.
type ConcatMerger struct{}

func (ConcatMerger) Name() string { return "concat" }
func (ConcatMerger) Ext() string  { return ".ts" }

// Merge writes the concatenation atomically to output.
func (ConcatMerger) Merge(ctx context.Context, chunks []string, output string) error {
	pf, err := renameio.NewPendingFile(output, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("%w: failed to create %s: %v", ErrMergeFailure, output, err)
	}
	defer func() { _ = pf.Cleanup() }()

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrMergeFailure, err)
		}
		if err := appendFile(pf, chunk); err != nil {
			return fmt.Errorf("%w: %v", ErrMergeFailure, err)
		}
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("%w: failed to replace %s: %v", ErrMergeFailure, output, err)
	}
	return nil
}

func appendFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to copy %s: %w", path, err)
	}
	return nil
}

// MuxMerger remuxes the chunks into an MP4 container with ffmpeg's concat demuxer.
type MuxMerger struct {
	Binary string
}

func (m *MuxMerger) Name() string { return "mux" }
func (m *MuxMerger) Ext() string  { return ".mp4" }

const stderrTail = 2048

// Merge runs ffmpeg with a list file instead of a concat: argument, which would
// overflow the argument length limit for long episodes.
func (m *MuxMerger) Merge(ctx context.Context, chunks []string, output string) error {
	list, err := writeConcatList(filepath.Dir(output), chunks)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMergeFailure, err)
	}
	defer os.Remove(list)

	cmd := exec.CommandContext(ctx, m.Binary,
		"-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0", "-i", list,
		"-c", "copy", "-y", output,
	)
	setProcessGroup(cmd)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		tail := stderr.Bytes()
		if len(tail) > stderrTail {
			tail = tail[len(tail)-stderrTail:]
		}
		return fmt.Errorf("%w: %s: %v: %s", ErrMergeFailure, m.Binary, err, strings.TrimSpace(string(tail)))
	}
	return nil
}

func writeConcatList(dir string, chunks []string) (string, error) {
	f, err := os.CreateTemp(dir, ".tsgrab-concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create concat list: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, c := range chunks {
		abs, err := filepath.Abs(c)
		if err != nil {
			os.Remove(f.Name())
			return "", err
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	if _, err := f.WriteString(b.String()); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write concat list: %w", err)
	}
	return f.Name(), nil
}
