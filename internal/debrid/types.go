package debrid

import (
	"path"
	"sort"
	"strings"

	"github.com/torrentclaw/truestream/internal/apperr"
)

// Status is the normalized state of a cache job.
type Status string

const (
	StatusPending Status = "pending"
	StatusCached  Status = "cached"
	StatusFailed  Status = "failed"
)

// Raw job states reported by the service.
const (
	rdMagnetError   = "magnet_error"
	rdMagnetConvert = "magnet_conversion"
	rdWaitingSelect = "waiting_files_selection"
	rdDownloaded    = "downloaded"
	rdError         = "error"
	rdVirus         = "virus"
	rdDead          = "dead"
)

// normalize maps a raw job state onto a Status and, for failures, the error
// kind to report.
func normalize(raw string) (Status, apperr.Kind) {
	switch raw {
	case rdDownloaded:
		return StatusCached, ""
	case rdMagnetError:
		return StatusFailed, apperr.InvalidIdentifier
	case rdDead:
		return StatusFailed, apperr.NoSeeders
	case rdError, rdVirus:
		return StatusFailed, apperr.Internal
	}
	return StatusPending, ""
}

// File is one file of a cache job. Index is the 0-based position used by
// callers; ID is the service's own file id.
type File struct {
	Index    int    `json:"index"`
	ID       int    `json:"id"`
	Path     string `json:"path"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Selected bool   `json:"selected"`
}

// Job is a remote cache job.
type Job struct {
	ID     string   `json:"id"`
	Hash   string   `json:"hash"`
	Name   string   `json:"name"`
	Raw    string   `json:"raw_status"`
	Status Status   `json:"status"`
	Files  []File   `json:"files"`
	Links  []string `json:"links"`
	Seeds  int      `json:"seeders"`
}

// Selected returns the selected files in index order.
func (j *Job) Selected() []File {
	var out []File
	for _, f := range j.Files {
		if f.Selected {
			out = append(out, f)
		}
	}
	return out
}

// FileAt returns the file at a caller index.
func (j *Job) FileAt(index int) (File, bool) {
	if index < 0 || index >= len(j.Files) {
		return File{}, false
	}
	return j.Files[index], true
}

// link returns the hosted link for file index. Links are listed in the
// order of the selected files.
func (j *Job) link(index int) (string, bool) {
	for n, f := range j.Selected() {
		if f.Index == index {
			if n < len(j.Links) {
				return j.Links[n], true
			}
			return "", false
		}
	}
	return "", false
}

// Wire shapes.

type addMagnetResponse struct {
	ID  string `json:"id"`
	URI string `json:"uri"`
}

type torrentItem struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Hash     string `json:"hash"`
	Status   string `json:"status"`
}

type torrentFile struct {
	ID       int    `json:"id"`
	Path     string `json:"path"`
	Bytes    int64  `json:"bytes"`
	Selected int    `json:"selected"`
}

type torrentInfo struct {
	ID       string        `json:"id"`
	Filename string        `json:"filename"`
	Hash     string        `json:"hash"`
	Status   string        `json:"status"`
	Files    []torrentFile `json:"files"`
	Links    []string      `json:"links"`
	Seeders  int           `json:"seeders"`
}

type unrestrictResponse struct {
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
	Download string `json:"download"`
}

func (ti *torrentInfo) job() *Job {
	status, _ := normalize(ti.Status)
	j := &Job{
		ID:     ti.ID,
		Hash:   strings.ToLower(ti.Hash),
		Name:   ti.Filename,
		Raw:    ti.Status,
		Status: status,
		Links:  ti.Links,
		Seeds:  ti.Seeders,
	}
	files := append([]torrentFile(nil), ti.Files...)
	sort.Slice(files, func(a, b int) bool { return files[a].ID < files[b].ID })
	for i, f := range files {
		j.Files = append(j.Files, File{
			Index:    i,
			ID:       f.ID,
			Path:     f.Path,
			Name:     path.Base(f.Path),
			Size:     f.Bytes,
			Selected: f.Selected == 1,
		})
	}
	return j
}
