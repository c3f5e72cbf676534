package swarm

import (
	"github.com/anacrolix/torrent"
)

// PriorityConfig sizes the bands applied to a selected file.
type PriorityConfig struct {
	Critical   int64 // bytes from the anchor requested at PiecePriorityNow
	Extended   int64 // bytes after the critical band requested at High
	TailPieces int   // last pieces of the file requested at High
	Readahead  int64 // reader readahead
}

// DefaultPriority holds the reference band sizes.
var DefaultPriority = PriorityConfig{
	Critical:   20 << 20,
	Extended:   50 << 20,
	TailPieces: 8,
	Readahead:  16 << 20,
}

// span is a half-open piece interval [Begin, End).
type span struct {
	Begin, End int
}

func (s span) empty() bool { return s.End <= s.Begin }

// plan is the piece layout for one selection of one file.
type plan struct {
	File     span
	Critical span
	Extended span
	Tail     span
}

// planBands computes the band layout for a file occupying
// [offset, offset+length) of the torrent, anchored at byte anchor within the
// file. It is a pure function of its inputs.
func planBands(offset, length, pieceLength, anchor int64, cfg PriorityConfig) plan {
	if length <= 0 || pieceLength <= 0 {
		return plan{}
	}
	if anchor < 0 || anchor >= length {
		anchor = 0
	}

	fileEnd := offset + length
	p := plan{File: span{
		Begin: int(offset / pieceLength),
		End:   int(ceilDiv(fileEnd, pieceLength)),
	}}

	critStart := offset + anchor
	critEnd := min(fileEnd, critStart+cfg.Critical)
	p.Critical = span{Begin: int(critStart / pieceLength), End: int(ceilDiv(critEnd, pieceLength))}

	extEnd := min(fileEnd, critEnd+max(cfg.Extended, 0))
	p.Extended = span{Begin: p.Critical.End, End: max(p.Critical.End, int(ceilDiv(extEnd, pieceLength)))}

	tailBegin := max(p.File.End-cfg.TailPieces, p.Extended.End, p.File.Begin)
	p.Tail = span{Begin: tailBegin, End: max(tailBegin, p.File.End)}
	return p
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// applyPlan resets every piece priority of t and then requests only the
// selected file, with its bands raised. Earlier selections leave no trace.
func applyPlan(t *torrent.Torrent, fileIndex int, p plan) {
	for i, f := range t.Files() {
		if i != fileIndex {
			f.SetPriority(torrent.PiecePriorityNone)
		}
	}
	t.CancelPieces(0, t.NumPieces())
	if p.File.empty() {
		return
	}

	t.DownloadPieces(p.File.Begin, p.File.End)
	setRange(t, p.Tail, torrent.PiecePriorityHigh)
	setRange(t, p.Extended, torrent.PiecePriorityHigh)
	setRange(t, p.Critical, torrent.PiecePriorityNow)
}

func setRange(t *torrent.Torrent, s span, prio torrent.PiecePriority) {
	for i := s.Begin; i < s.End; i++ {
		t.Piece(i).SetPriority(prio)
	}
}
