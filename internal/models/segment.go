package models

// Segment describes one downloadable piece of a media playlist.
// Segments are built once by the playlist package and never mutated afterwards.
type Segment struct {
	// Index is the segment's position in the original manifest. It drives both
	// the IV used for decryption and the chunk file name, so it must not change
	// when filler segments are dropped.
	Index uint32 `json:"index"`
	// URI is the fully-qualified URL to fetch the segment from.
	URI string `json:"uri"`
	// KeyURI locates the AES-128 key for this segment. Empty means clear text.
	KeyURI string `json:"key_uri,omitempty"`
	// KeyMethod is the EXT-X-KEY method that applied to this segment.
	KeyMethod string `json:"key_method,omitempty"`
	// Filler marks non-content segments such as a service intro bumper.
	Filler bool `json:"filler,omitempty"`
}

// Encrypted reports whether the segment must pass through the cipher.
func (s Segment) Encrypted() bool {
	return s.KeyURI != ""
}
