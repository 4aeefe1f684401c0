package playlist

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"
)

// ErrNoVariant is returned when a master playlist has no variant matching the request.
var ErrNoVariant = errors.New("playlist: no matching variant")

// qualityHeights maps the service's quality names to vertical resolution.
var qualityHeights = map[string]int{
	"ld":     360,
	"sd":     480,
	"hd":     720,
	"fullhd": 1080,
}

// Variant is one stream entry of a master playlist.
type Variant struct {
	URI       string
	Bandwidth uint32
	Height    int
}

// DecodeMaster reads a master playlist and returns its variants with URIs resolved against base.
func DecodeMaster(r io.Reader, base *url.URL) ([]Variant, error) {
	p, listType, err := m3u8.DecodeFrom(r, false)
	if err != nil {
		return nil, fmt.Errorf("failed to decode playlist: %w", err)
	}
	if listType != m3u8.MASTER {
		return nil, fmt.Errorf("playlist: got media playlist, want master playlist")
	}
	master := p.(*m3u8.MasterPlaylist)

	variants := make([]Variant, 0, len(master.Variants))
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		uri, err := resolve(base, v.URI)
		if err != nil {
			return nil, err
		}
		variants = append(variants, Variant{
			URI:       uri,
			Bandwidth: v.Bandwidth,
			Height:    parseHeight(v.Resolution),
		})
	}
	return variants, nil
}

// SelectVariant picks the variant matching quality ("ld", "sd", "hd", "fullhd").
// An empty quality or "best" picks the highest bandwidth.
func SelectVariant(variants []Variant, quality string) (Variant, error) {
	if len(variants) == 0 {
		return Variant{}, ErrNoVariant
	}
	quality = strings.ToLower(strings.TrimSpace(quality))
	if quality == "" || quality == "best" {
		best := variants[0]
		for _, v := range variants[1:] {
			if v.Bandwidth > best.Bandwidth {
				best = v
			}
		}
		return best, nil
	}

	height, ok := qualityHeights[quality]
	if !ok {
		return Variant{}, fmt.Errorf("unknown quality '%s'", quality)
	}
	for _, v := range variants {
		if v.Height == height {
			return v, nil
		}
	}
	return Variant{}, fmt.Errorf("%w: quality %s", ErrNoVariant, quality)
}

// parseHeight extracts the height from a "WxH" resolution string.
func parseHeight(res string) int {
	_, h, ok := strings.Cut(res, "x")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(h)
	if err != nil {
		return 0
	}
	return n
}
