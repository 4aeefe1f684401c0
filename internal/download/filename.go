package download

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxTitleRunes bounds the show title substituted into file names.
const maxTitleRunes = 128

// DefaultFilePattern is used when no pattern is configured.
const DefaultFilePattern = "<anititle>-<ep>"

// EpisodeInfo feeds the file name macros.
type EpisodeInfo struct {
	Title        string
	Number       int
	EpisodeTitle string
}

// ExpandFileName substitutes <anititle>, <ep> and <eptitle> in pattern and
// sanitizes the result for use as a file name.
func ExpandFileName(pattern string, info EpisodeInfo) string {
	if pattern == "" {
		pattern = DefaultFilePattern
	}
	title := info.Title
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes])
	}
	r := strings.NewReplacer(
		"<ep>", strconv.Itoa(info.Number),
		"<eptitle>", info.EpisodeTitle,
		"<anititle>", title,
	)
	return SanitizeFileName(r.Replace(pattern))
}

// SanitizeFileName drops characters that are not allowed in file names on
// common filesystems and trims trailing dots and spaces.
func SanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case strings.ContainsRune(`<>:"/\|?*`, r):
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimRight(strings.TrimSpace(b.String()), ". ")
}
