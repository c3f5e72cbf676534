package swarm

import (
	"context"
	"io"

	"github.com/anacrolix/torrent"
)

// ctxReader ties reads of a torrent reader to a request context, so a closed
// HTTP connection stops waiting for pieces.
type ctxReader struct {
	ctx context.Context
	r   torrent.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	return c.r.ReadContext(c.ctx, p)
}

type limitedReadCloser struct {
	io.Reader
	io.Closer
}

// newFileStream opens a responsive reader positioned at start that yields
// exactly length bytes.
func newFileStream(ctx context.Context, f *torrent.File, start, length, readahead int64) (io.ReadCloser, error) {
	r := f.NewReader()
	r.SetResponsive()
	if readahead > 0 {
		r.SetReadahead(readahead)
	}
	if start > 0 {
		if _, err := r.Seek(start, io.SeekStart); err != nil {
			r.Close()
			return nil, err
		}
	}
	return &limitedReadCloser{
		Reader: io.LimitReader(&ctxReader{ctx: ctx, r: r}, length),
		Closer: r,
	}, nil
}
