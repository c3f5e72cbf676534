package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		want MediaClass
	}{
		{"Movie.2024.1080p.MKV", MediaVideo},
		{"clip.webm", MediaVideo},
		{"track01.flac", MediaAudio},
		{"movie.en.srt", MediaSubtitle},
		{"cover.jpg", MediaImage},
		{"readme.nfo", MediaOther},
		{"noext", MediaOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.name))
		})
	}
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "video/mp4", ContentType("a/b/movie.MP4"))
	assert.Equal(t, "video/x-matroska", ContentType("movie.mkv"))
	assert.Equal(t, "text/vtt", ContentType("subs.vtt"))
	assert.Equal(t, DefaultContentType, ContentType("archive.rar"))
}

func TestVideoAndSubtitleFiles(t *testing.T) {
	tor := &Torrent{Files: []File{
		{Index: 0, Path: "s/b.srt"},
		{Index: 1, Path: "s/sample.mkv", Size: 10},
		{Index: 2, Path: "s/main.mkv", Size: 900},
		{Index: 3, Path: "s/a.ass"},
		{Index: 4, Path: "s/alt.mp4", Size: 10},
	}}

	videos := VideoFiles(tor)
	var idx []int
	for _, f := range videos {
		idx = append(idx, f.Index)
	}
	assert.Equal(t, []int{2, 1, 4}, idx)

	subs := SubtitleFiles(tor)
	assert.Equal(t, "s/a.ass", subs[0].Path)
	assert.Equal(t, "s/b.srt", subs[1].Path)
}
