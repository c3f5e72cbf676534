package engine

import (
	"path/filepath"
	"sort"
	"strings"
)

// MediaClass is derived from a file's extension and is informational only.
type MediaClass string

const (
	MediaVideo    MediaClass = "video"
	MediaAudio    MediaClass = "audio"
	MediaSubtitle MediaClass = "subtitle"
	MediaImage    MediaClass = "image"
	MediaOther    MediaClass = "other"
)

var videoExts = map[string]bool{
	".mkv": true, ".mp4": true, ".avi": true, ".m4v": true,
	".wmv": true, ".ts": true, ".mov": true, ".flv": true,
	".webm": true, ".mpg": true, ".mpeg": true, ".m2ts": true,
	".vob": true, ".ogv": true, ".divx": true, ".3gp": true,
}

var audioExts = map[string]bool{
	".mp3": true, ".flac": true, ".aac": true, ".ogg": true,
	".wav": true, ".wma": true, ".m4a": true, ".opus": true,
	".ac3": true, ".dts": true, ".eac3": true, ".mka": true,
}

var subtitleExts = map[string]bool{
	".srt": true, ".ass": true, ".ssa": true, ".sub": true,
	".idx": true, ".sup": true, ".vtt": true, ".smi": true,
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".webp": true,
}

// contentTypes is consulted before falling back to a generic binary type.
var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".ts":   "video/mp2t",
	".m2ts": "video/mp2t",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
	".vob":  "video/mpeg",
	".ogv":  "video/ogg",
	".3gp":  "video/3gpp",
	".divx": "video/divx",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".aac":  "audio/aac",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".wav":  "audio/wav",
	".mka":  "audio/x-matroska",
	".srt":  "application/x-subrip",
	".vtt":  "text/vtt",
	".ass":  "text/x-ssa",
	".ssa":  "text/x-ssa",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// DefaultContentType is used for unknown extensions.
const DefaultContentType = "application/octet-stream"

// Classify maps a file name onto its media class.
func Classify(name string) MediaClass {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case videoExts[ext]:
		return MediaVideo
	case audioExts[ext]:
		return MediaAudio
	case subtitleExts[ext]:
		return MediaSubtitle
	case imageExts[ext]:
		return MediaImage
	default:
		return MediaOther
	}
}

// ContentType returns the MIME type for a file name.
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return DefaultContentType
}

// VideoFiles returns the torrent's video files, largest first. Equal sizes
// keep file table order.
func VideoFiles(t *Torrent) []File {
	var out []File
	for _, f := range t.Files {
		if Classify(f.Path) == MediaVideo {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Size > out[j].Size })
	return out
}

// SubtitleFiles returns the torrent's subtitle files ordered by path.
func SubtitleFiles(t *Torrent) []File {
	var out []File
	for _, f := range t.Files {
		if Classify(f.Path) == MediaSubtitle {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
