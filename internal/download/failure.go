package download

import (
	"context"
	"errors"
	"fmt"
	"tsgrab/internal/assemble"
	"tsgrab/internal/key"
	"tsgrab/internal/network"
	"tsgrab/internal/playlist"
	"tsgrab/internal/progress"
	"tsgrab/internal/scheduler"
	"tsgrab/internal/segcipher"
)

// Kind classifies why a download failed.
type Kind string

const (
	KindNetwork       Kind = "network"
	KindKeyExhausted  Kind = "key_exhausted"
	KindCipher        Kind = "cipher"
	KindCorruptResume Kind = "corrupt_resume"
	KindNoResume      Kind = "no_resume"
	KindCancelled     Kind = "cancelled"
	KindMerge         Kind = "merge"
	KindPlaylist      Kind = "playlist"
	KindUnknown       Kind = "unknown"
)

// Failure is returned by Start and Resume. Completed segments stay on disk and
// the download can be resumed unless Kind is KindCorruptResume.
type Failure struct {
	Kind      Kind
	Completed int
	Total     int
	Err       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("download failed (%s) after %d/%d segments: %v", f.Kind, f.Completed, f.Total, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Resumable reports whether the persisted state can be resumed.
func (f *Failure) Resumable() bool {
	switch f.Kind {
	case KindCorruptResume, KindNoResume, KindPlaylist:
		return false
	default:
		return f.Total > 0
	}
}

// Classify maps an error onto a failure Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, scheduler.ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, key.ErrKeyResolutionExhausted):
		return KindKeyExhausted
	case errors.Is(err, segcipher.ErrCipherFailure), errors.Is(err, key.ErrInvalidKey):
		return KindCipher
	case errors.Is(err, network.ErrNetworkFailure):
		return KindNetwork
	case errors.Is(err, progress.ErrCorruptResumeState):
		return KindCorruptResume
	case errors.Is(err, progress.ErrNotFound):
		return KindNoResume
	case errors.Is(err, assemble.ErrMergeFailure), errors.Is(err, assemble.ErrMissingChunk), errors.Is(err, assemble.ErrNotCompleted):
		return KindMerge
	case errors.Is(err, playlist.ErrEmptyPlaylist), errors.Is(err, playlist.ErrMasterPlaylist):
		return KindPlaylist
	default:
		return KindUnknown
	}
}

func newFailure(err error, completed, total int) *Failure {
	return &Failure{Kind: Classify(err), Completed: completed, Total: total, Err: err}
}
