package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
	"tsgrab/internal/logger"
	"tsgrab/internal/models"
	"tsgrab/internal/network"

	"github.com/google/renameio/v2"
)

// RecordVersion is the on-disk schema version of ResumeRecord.
const RecordVersion = 1

const (
	resumeFile = "resume.json"
	doneFile   = "done.json"
	filePerm   = 0o644
	dirPerm    = 0o755
)

var (
	// ErrNotFound is returned by Load when no resume record exists for the identity.
	ErrNotFound = errors.New("resume record not found")
	// ErrCorruptResumeState is returned when persisted state cannot be trusted.
	ErrCorruptResumeState = errors.New("corrupt resume state")
	// ErrInvalidIdentity is returned for identities that sanitize to nothing.
	ErrInvalidIdentity = errors.New("invalid identity")
)

// ResumeRecord is everything needed to continue an interrupted download.
// It is written once at start and never mutated afterwards.
type ResumeRecord struct {
	Version       int              `json:"version"`
	Identity      string           `json:"identity"`
	FileName      string           `json:"file_name"`
	TotalSegments int              `json:"total_segments"`
	Segments      []models.Segment `json:"segments"`
	Auth          network.Session  `json:"auth"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Tracker persists the resume record and the completion log of one identity
// under root/<identity>/.
type Tracker struct {
	dir    string
	logger logger.Logger

	mu   sync.Mutex
	done map[uint32]struct{}
}

// NewTracker creates a tracker for identity under root. Nothing is written until Init.
func NewTracker(root, identity string, log logger.Logger) (*Tracker, error) {
	name := SanitizeIdentity(identity)
	if name == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}
	return &Tracker{
		dir:    filepath.Join(root, name),
		logger: log,
		done:   make(map[uint32]struct{}),
	}, nil
}

// Dir returns the per-identity directory.
func (t *Tracker) Dir() string { return t.dir }

// Init writes a fresh resume record and an empty completion log, replacing any previous state.
func (t *Tracker) Init(rec ResumeRecord) error {
	if rec.TotalSegments != len(rec.Segments) {
		return fmt.Errorf("total segments %d does not match %d segments", rec.TotalSegments, len(rec.Segments))
	}
	rec.Version = RecordVersion
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if err := os.MkdirAll(t.dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create progress directory %s: %w", t.dir, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Drop the old log first so a crash between the two writes never pairs a new
	// record with stale completions.
	if err := os.Remove(filepath.Join(t.dir, doneFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to reset completion log: %w", err)
	}
	if err := writeJSON(filepath.Join(t.dir, resumeFile), rec); err != nil {
		return err
	}
	t.done = make(map[uint32]struct{})
	if err := t.persistDone(); err != nil {
		return err
	}
	t.logger.Debugf("Initialized resume record for %s with %d segments", rec.Identity, rec.TotalSegments)
	return nil
}

// MarkDone appends index to the completion log. Duplicates are ignored.
// Safe for concurrent use.
func (t *Tracker) MarkDone(index uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.done[index]; ok {
		return nil
	}
	t.done[index] = struct{}{}
	if err := t.persistDone(); err != nil {
		delete(t.done, index)
		return err
	}
	return nil
}

// Done returns the completed indices in ascending order.
func (t *Tracker) Done() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedDone()
}

// Load reads the resume record and the completion log from disk.
func (t *Tracker) Load() (*ResumeRecord, []uint32, error) {
	data, err := os.ReadFile(filepath.Join(t.dir, resumeFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read resume record: %w", err)
	}

	var rec ResumeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptResumeState, err)
	}
	if rec.Version != RecordVersion {
		return nil, nil, fmt.Errorf("%w: version %d, want %d", ErrCorruptResumeState, rec.Version, RecordVersion)
	}
	if rec.TotalSegments != len(rec.Segments) {
		return nil, nil, fmt.Errorf("%w: total segments %d does not match %d segments", ErrCorruptResumeState, rec.TotalSegments, len(rec.Segments))
	}

	var indices []uint32
	data, err = os.ReadFile(filepath.Join(t.dir, doneFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, nil, fmt.Errorf("failed to read completion log: %w", err)
	default:
		if err := json.Unmarshal(data, &indices); err != nil {
			return nil, nil, fmt.Errorf("%w: completion log: %v", ErrCorruptResumeState, err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = make(map[uint32]struct{}, len(indices))
	for _, i := range indices {
		t.done[i] = struct{}{}
	}
	return &rec, t.sortedDone(), nil
}

// Clear deletes the resume record and completion log. Other files in the
// identity directory, such as kept chunks, are left alone; the directory itself
// goes only once it is empty. Clearing twice is not an error.
func (t *Tracker) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range []string{resumeFile, doneFile} {
		if err := os.Remove(filepath.Join(t.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to clear progress for %s: %w", t.dir, err)
		}
	}
	t.done = make(map[uint32]struct{})
	// Fails while anything else remains in the directory.
	_ = os.Remove(t.dir)
	return nil
}

// Purge removes the identity directory and everything in it.
func (t *Tracker) Purge() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.RemoveAll(t.dir); err != nil {
		return fmt.Errorf("failed to purge %s: %w", t.dir, err)
	}
	t.done = make(map[uint32]struct{})
	return nil
}

// Remaining returns the segments of rec whose index is not in done, in ascending index order.
func Remaining(rec *ResumeRecord, done []uint32) []models.Segment {
	seen := make(map[uint32]struct{}, len(done))
	for _, i := range done {
		seen[i] = struct{}{}
	}
	out := make([]models.Segment, 0, len(rec.Segments))
	for _, s := range rec.Segments {
		if _, ok := seen[s.Index]; !ok {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b models.Segment) int {
		return int(int64(a.Index) - int64(b.Index))
	})
	return out
}

// Summary describes one persisted download.
type Summary struct {
	Identity  string
	FileName  string
	Total     int
	Completed int
	CreatedAt time.Time
}

// List enumerates resumable downloads under root. Directories without a
// resume record and unreadable entries are skipped.
func List(root string, log logger.Logger) ([]Summary, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}

	var out []Summary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t := &Tracker{dir: filepath.Join(root, e.Name()), logger: log, done: make(map[uint32]struct{})}
		rec, done, err := t.Load()
		if errors.Is(err, ErrNotFound) {
			// Finished downloads whose chunks were kept.
			continue
		}
		if err != nil {
			log.Warnf("Skipping %s: %v", t.dir, err)
			continue
		}
		out = append(out, Summary{
			Identity:  rec.Identity,
			FileName:  rec.FileName,
			Total:     rec.TotalSegments,
			Completed: len(done),
			CreatedAt: rec.CreatedAt,
		})
	}
	return out, nil
}

// SanitizeIdentity maps an identity onto a single safe path element.
func SanitizeIdentity(identity string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(identity))
	s = strings.Trim(s, ".")
	if strings.Trim(s, "_") == "" {
		return ""
	}
	return s
}

func (t *Tracker) sortedDone() []uint32 {
	out := make([]uint32, 0, len(t.done))
	for i := range t.done {
		out = append(out, i)
	}
	slices.Sort(out)
	return out
}

func (t *Tracker) persistDone() error {
	return writeJSON(filepath.Join(t.dir, doneFile), t.sortedDone())
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data to path so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte) error {
	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(filePerm))
	if err != nil {
		return fmt.Errorf("failed to create pending file for %s: %w", path, err)
	}
	defer func() { _ = pf.Cleanup() }()

	if _, err := pf.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
