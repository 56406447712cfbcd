// Package media holds filename conventions: sanitization, canonical naming
// for movies and episodes, and quality/resolution parsing used for library
// organization and the storage backfill.
package media

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var (
	invalidPathChars = regexp.MustCompile(`[/\\:*?"<>|]`)

	resolutionRe = regexp.MustCompile(`(?i)\b(2160p|1080p|720p|480p|576p)\b`)

	// Ordered: more specific sources first so WEB-DL wins over WEB.
	qualityPatterns = []struct {
		re      *regexp.Regexp
		quality string
	}{
		{regexp.MustCompile(`(?i)\bremux\b`), "Remux"},
		{regexp.MustCompile(`(?i)\bblu-?ray\b|\bbdrip\b|\bbrrip\b`), "BluRay"},
		{regexp.MustCompile(`(?i)\bweb-?dl\b`), "WEB-DL"},
		{regexp.MustCompile(`(?i)\bweb-?rip\b`), "WEBRip"},
		{regexp.MustCompile(`(?i)\bhdtv\b`), "HDTV"},
		{regexp.MustCompile(`(?i)\bdvdrip\b`), "DVDRip"},
		{regexp.MustCompile(`(?i)\bcam\b|\bhdcam\b`), "CAM"},
	}
)

// Sanitize replaces filesystem-hostile characters with underscores and trims
// surrounding whitespace and dots.
func Sanitize(name string) string {
	s := invalidPathChars.ReplaceAllString(name, "_")
	return strings.Trim(s, " .")
}

// MovieDirName returns the per-movie folder name, e.g. "The Matrix (1999)".
func MovieDirName(title string, year int) string {
	if year > 0 {
		return Sanitize(fmt.Sprintf("%s (%d)", title, year))
	}
	return Sanitize(title)
}

// SeasonDirName returns the season folder name, e.g. "Season 02".
func SeasonDirName(season int) string {
	return fmt.Sprintf("Season %02d", season)
}

// CanonicalMovieName returns "Title (Year).ext" for the given original
// filename's extension.
func CanonicalMovieName(title string, year int, originalFilename string) string {
	ext := path.Ext(originalFilename)
	return MovieDirName(title, year) + ext
}

// CanonicalEpisodeName returns "Series - S01E02.ext".
func CanonicalEpisodeName(series string, season, episode int, originalFilename string) string {
	ext := path.Ext(originalFilename)
	return Sanitize(fmt.Sprintf("%s - S%02dE%02d", series, season, episode)) + ext
}

// ParseQuality extracts the source quality and resolution tokens from a
// release filename. Either result may be empty.
func ParseQuality(filename string) (quality, resolution string) {
	for _, p := range qualityPatterns {
		if p.re.MatchString(filename) {
			quality = p.quality
			break
		}
	}
	if m := resolutionRe.FindString(filename); m != "" {
		resolution = strings.ToLower(m)
	}
	return quality, resolution
}

// ExtractHostFileCode pulls the host's short file code out of a share URL.
// Share URLs look like https://host/file/CODE or https://host/file/CODE/name,
// with a bare https://host/CODE fallback. Returns "" when no code is found.
func ExtractHostFileCode(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, seg := range segments {
		if seg == "file" && i+1 < len(segments) {
			return strings.TrimSuffix(segments[i+1], ".html")
		}
	}
	if len(segments) > 0 && segments[0] != "" {
		return strings.TrimSuffix(segments[0], ".html")
	}
	return ""
}

// FilenameFromURL falls back to the URL's last path segment when the host
// does not report a filename.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "unknown"
	}
	return Sanitize(name)
}
