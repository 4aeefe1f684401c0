package playlist

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"tsgrab/internal/models"

	"github.com/grafov/m3u8"
)

// DefaultFillerHosts are host patterns whose segments carry the service's intro bumper
// rather than episode content.
var DefaultFillerHosts = []string{"img.aniwatch.me"}

var (
	// ErrMasterPlaylist is returned by Decode when the input is a master playlist.
	ErrMasterPlaylist = errors.New("playlist: got master playlist, want media playlist")
	// ErrEmptyPlaylist is returned when a media playlist carries no segments.
	ErrEmptyPlaylist = errors.New("playlist: no segments")
)

// Entry is one segment line of a manifest, as written by the origin.
type Entry struct {
	URI       string
	KeyURI    string
	KeyMethod string
}

// Manifest is the ordered list of entries of an HLS media playlist.
// It is treated as immutable once decoded.
type Manifest struct {
	Entries []Entry
}

// Decode reads an HLS media playlist. Segment and key URIs are kept as written.
func Decode(r io.Reader) (*Manifest, error) {
	return DecodeWithBase(r, nil)
}

// DecodeWithBase reads an HLS media playlist and resolves relative URIs against base.
func DecodeWithBase(r io.Reader, base *url.URL) (*Manifest, error) {
	p, listType, err := m3u8.DecodeFrom(r, false)
	if err != nil {
		return nil, fmt.Errorf("failed to decode playlist: %w", err)
	}
	if listType == m3u8.MASTER {
		return nil, ErrMasterPlaylist
	}
	media, ok := p.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type %T", p)
	}
	return FromMedia(media, base)
}

// FromMedia converts a decoded media playlist into a Manifest.
//
// The decoder attaches an EXT-X-KEY only to the segment that directly follows the
// tag, but the key applies to every following segment until the next key tag, so it
// is carried forward here. METHOD=NONE clears it.
func FromMedia(media *m3u8.MediaPlaylist, base *url.URL) (*Manifest, error) {
	var current *m3u8.Key
	entries := make([]Entry, 0, media.Count())
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		if seg.Key != nil {
			current = seg.Key
			if strings.EqualFold(current.Method, "NONE") {
				current = nil
			}
		}

		segURI, err := resolve(base, seg.URI)
		if err != nil {
			return nil, err
		}
		entry := Entry{URI: segURI}
		if current != nil {
			keyURI, err := resolve(base, current.URI)
			if err != nil {
				return nil, err
			}
			entry.KeyURI = keyURI
			entry.KeyMethod = current.Method
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, ErrEmptyPlaylist
	}
	return &Manifest{Entries: entries}, nil
}

func resolve(base *url.URL, ref string) (string, error) {
	if base == nil || ref == "" {
		return ref, nil
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("failed to parse uri '%s': %w", ref, err)
	}
	return base.ResolveReference(parsed).String(), nil
}

// NormalizeOptions controls filler handling.
type NormalizeOptions struct {
	IncludeFiller bool
	// FillerHosts overrides DefaultFillerHosts when non-nil.
	FillerHosts []string
}

// Normalize turns a manifest into ordered segment descriptors.
//
// Every segment keeps the index of its entry in the original manifest, whether or not
// filler is included, so the IV derived from it is the same in both cases. As a
// consequence, excluding filler can leave gaps in the index sequence.
func Normalize(m *Manifest, opts NormalizeOptions) []models.Segment {
	hosts := opts.FillerHosts
	if hosts == nil {
		hosts = DefaultFillerHosts
	}

	segments := make([]models.Segment, 0, len(m.Entries))
	for i, e := range m.Entries {
		filler := IsFiller(e.URI, hosts)
		if filler && !opts.IncludeFiller {
			continue
		}
		segments = append(segments, models.Segment{
			Index:     uint32(i),
			URI:       e.URI,
			KeyURI:    e.KeyURI,
			KeyMethod: e.KeyMethod,
			Filler:    filler,
		})
	}
	return segments
}

// IsFiller reports whether uri points at one of the filler host patterns.
func IsFiller(uri string, hosts []string) bool {
	for _, h := range hosts {
		if h != "" && strings.Contains(uri, h) {
			return true
		}
	}
	return false
}

// KeyURIs returns the distinct key locators used by segments, in first-seen order.
func KeyURIs(segments []models.Segment) []string {
	seen := make(map[string]struct{})
	var uris []string
	for _, s := range segments {
		if !s.Encrypted() {
			continue
		}
		if _, ok := seen[s.KeyURI]; ok {
			continue
		}
		seen[s.KeyURI] = struct{}{}
		uris = append(uris, s.KeyURI)
	}
	return uris
}
