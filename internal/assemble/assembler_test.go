package assemble

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"tsgrab/internal/fetch"
	"tsgrab/internal/logger"
	"tsgrab/internal/models"
	"tsgrab/internal/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupChunks(t *testing.T, indices ...uint32) *Assembler {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "chunks")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	a := &Assembler{ChunkDir: dir, FileName: "ep", Merger: ConcatMerger{}, Logger: logger.Nop()}
	for _, i := range indices {
		a.Segments = append(a.Segments, models.Segment{Index: i})
		body := strings.Repeat(string(rune('a'+i)), 3)
		require.NoError(t, os.WriteFile(fetch.ChunkPath(dir, "ep", i), []byte(body), 0o644))
	}
	return a
}

func TestAssembler_ConcatInIndexOrder(t *testing.T) {
	// Index 2 is a dropped filler segment.
	a := setupChunks(t, 4, 0, 3, 1)
	out := filepath.Join(t.TempDir(), "out", "ep.ts")

	require.NoError(t, a.Merge(context.Background(), scheduler.Completed, out))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "aaabbbdddeee", string(got))
}

func TestAssembler_RefusesUnlessCompleted(t *testing.T) {
	a := setupChunks(t, 0, 1)
	out := filepath.Join(t.TempDir(), "ep.ts")

	for _, st := range []scheduler.State{scheduler.Idle, scheduler.Running, scheduler.Failed} {
		err := a.Merge(context.Background(), st, out)
		assert.ErrorIs(t, err, ErrNotCompleted, st.String())
	}
	assert.NoFileExists(t, out)
}

func TestAssembler_MissingChunk(t *testing.T) {
	a := setupChunks(t, 0, 1)
	a.Segments = append(a.Segments, models.Segment{Index: 2})

	err := a.Merge(context.Background(), scheduler.Completed, filepath.Join(t.TempDir(), "ep.ts"))
	assert.ErrorIs(t, err, ErrMissingChunk)
}

func TestAssembler_RemoveChunksIdempotent(t *testing.T) {
	a := setupChunks(t, 0, 1, 2)
	require.NoError(t, a.RemoveChunks())
	require.NoError(t, a.RemoveChunks())

	for _, c := range a.Chunks() {
		assert.NoFileExists(t, c)
	}
	assert.NoDirExists(t, a.ChunkDir)
}

func TestNewMerger(t *testing.T) {
	m, err := NewMerger("concat", "")
	require.NoError(t, err)
	assert.Equal(t, ".ts", m.Ext())

	m, err = NewMerger("", "")
	require.NoError(t, err)
	assert.Equal(t, "mux", m.Name())
	assert.Equal(t, ".mp4", m.Ext())
	assert.Equal(t, "ffmpeg", m.(*MuxMerger).Binary)

	_, err = NewMerger("zip", "")
	assert.Error(t, err)
}

func fakeFFmpeg(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script merger stub needs a unix shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func TestMuxMerger_InvokesBinary(t *testing.T) {
	bin := fakeFFmpeg(t, `for last; do :; done; printf mux > "$last"`)
	a := setupChunks(t, 0, 1)
	a.Merger = &MuxMerger{Binary: bin}
	out := filepath.Join(t.TempDir(), "ep.mp4")

	require.NoError(t, a.Merge(context.Background(), scheduler.Completed, out))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "mux", string(got))

	// The concat list is cleaned up.
	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(out), ".tsgrab-concat-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestMuxMerger_FailureCarriesStderr(t *testing.T) {
	bin := fakeFFmpeg(t, `echo "Invalid data found when processing input" >&2; exit 1`)
	a := setupChunks(t, 0)
	a.Merger = &MuxMerger{Binary: bin}

	err := a.Merge(context.Background(), scheduler.Completed, filepath.Join(t.TempDir(), "ep.mp4"))
	assert.ErrorIs(t, err, ErrMergeFailure)
	assert.Contains(t, err.Error(), "Invalid data found")
}

func TestWriteConcatList_QuotesPaths(t *testing.T) {
	dir := t.TempDir()
	list, err := writeConcatList(dir, []string{filepath.Join(dir, "it's-0.chunk.ts")})
	require.NoError(t, err)
	data, err := os.ReadFile(list)
	require.NoError(t, err)
	assert.Contains(t, string(data), `it'\''s-0.chunk.ts'`)
	assert.True(t, strings.HasPrefix(string(data), "file '"))
}
