package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"clean", "The Matrix", "The Matrix"},
		{"slashes", "a/b\\c", "a_b_c"},
		{"windows reserved", `a:b*c?d"e<f>g|h`, "a_b_c_d_e_f_g_h"},
		{"trims dots and spaces", " file. ", "file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestCanonicalNames(t *testing.T) {
	assert.Equal(t, "The Matrix (1999)", MovieDirName("The Matrix", 1999))
	assert.Equal(t, "Season 02", SeasonDirName(2))
	assert.Equal(t, "The Matrix (1999).mkv", CanonicalMovieName("The Matrix", 1999, "the.matrix.1999.1080p.mkv"))
	assert.Equal(t, "Breaking Bad - S01E02.mkv", CanonicalEpisodeName("Breaking Bad", 1, 2, "bb.s01e02.720p.mkv"))
}

func TestParseQuality(t *testing.T) {
	tests := []struct {
		filename   string
		quality    string
		resolution string
	}{
		{"Movie.2024.2160p.WEB-DL.x265.mkv", "WEB-DL", "2160p"},
		{"Show.S01E01.1080p.BluRay.mkv", "BluRay", "1080p"},
		{"Show.S01E01.720p.HDTV.mkv", "HDTV", "720p"},
		{"Movie.WEBRip.480p.mp4", "WEBRip", "480p"},
		{"Movie.Remux.1080p.mkv", "Remux", "1080p"},
		{"plain-file.bin", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			q, r := ParseQuality(tt.filename)
			assert.Equal(t, tt.quality, q)
			assert.Equal(t, tt.resolution, r)
		})
	}
}

func TestExtractHostFileCode(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://host.example/file/AAA111", "AAA111"},
		{"https://host.example/file/AAA111/Some.Movie.mkv.html", "AAA111"},
		{"https://host.example/XYZ", "XYZ"},
		{"https://host.example/", ""},
		{"://bad", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractHostFileCode(tt.url), tt.url)
	}
}

func TestFilenameFromURL(t *testing.T) {
	assert.Equal(t, "file.mkv", FilenameFromURL("https://host.example/file/AAA/file.mkv"))
	assert.Equal(t, "unknown", FilenameFromURL("https://host.example/"))
}
