package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/torrentclaw/truestream/internal/apperr"
	"github.com/torrentclaw/truestream/internal/engine"
)

// Source opens files for streaming. engine.Backend and *engine.Manager both
// satisfy it.
type Source interface {
	GetFile(ctx context.Context, hash string, index int) (engine.File, error)
	GetFileStream(ctx context.Context, hash string, index int, rng *engine.ByteRange) (*engine.Stream, error)
}

// Result summarizes one served stream request.
type Result struct {
	Status  int
	Written int64
	Session string
}

const copyBufferSize = 256 << 10

// ServeFile writes file index of torrent hash to w with byte-range semantics.
// HEAD requests get headers only and do not touch piece priorities. Reads are
// bound to the request context, so a client disconnect ends the copy.
func ServeFile(w http.ResponseWriter, r *http.Request, src Source, hash string, index int) Result {
	session := uuid.NewString()
	res := Result{Session: session}
	w.Header().Set("X-Stream-Session", session)
	logger := log.With().
		Str("session", session).
		Str("hash", apperr.TruncHash(hash)).
		Int("file", index).
		Logger()

	ctx := r.Context()
	f, err := src.GetFile(ctx, hash, index)
	if err != nil {
		res.Status = apperr.HTTPStatus(apperr.KindOf(err))
		RespondError(w, err)
		return res
	}

	rng, err := parseRange(r.Header.Get("Range"), f.Size)
	if errors.Is(err, errUnsatisfiable) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", f.Size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		res.Status = http.StatusRequestedRangeNotSatisfiable
		return res
	}

	if r.Method == http.MethodHead {
		setMediaHeaders(w, f, hash, index)
		start, end := rng.Resolve(f.Size)
		res.Status = writeRangeHeaders(w, rng != nil, start, end, f.Size)
		w.WriteHeader(res.Status)
		return res
	}

	s, err := src.GetFileStream(ctx, hash, index, rng)
	if err != nil {
		res.Status = apperr.HTTPStatus(apperr.KindOf(err))
		RespondError(w, err)
		return res
	}
	defer s.Close()

	setMediaHeaders(w, f, hash, index)
	res.Status = writeRangeHeaders(w, rng != nil, s.Start, s.End, s.Total)
	w.WriteHeader(res.Status)

	start := time.Now()
	buf := make([]byte, copyBufferSize)
	res.Written, err = io.CopyBuffer(w, s, buf)
	switch {
	case err == nil:
		logger.Debug().
			Str("sent", humanize.IBytes(uint64(res.Written))).
			Dur("elapsed", time.Since(start).Round(time.Millisecond)).
			Msg("Stream finished")
	case ctx.Err() != nil:
		logger.Debug().
			Str("sent", humanize.IBytes(uint64(res.Written))).
			Msg("Client disconnected")
	default:
		logger.Warn().Err(err).Int64("written", res.Written).Msg("Stream interrupted")
	}
	return res
}

// writeRangeHeaders sets Content-Length (and Content-Range for partial
// responses) and returns the status to send.
func writeRangeHeaders(w http.ResponseWriter, partial bool, start, end, total int64) int {
	length := int64(0)
	if total > 0 {
		length = end - start + 1
	}
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if !partial {
		return http.StatusOK
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	return http.StatusPartialContent
}

func etag(hash string, index int, size int64) string {
	sum := xxhash.Sum64String(fmt.Sprintf("%s:%d:%d", strings.ToLower(hash), index, size))
	return `"` + strconv.FormatUint(sum, 16) + `"`
}

// setMediaHeaders is called only once a response will carry file bytes, so
// error responses never advertise ranges or an ETag.
func setMediaHeaders(w http.ResponseWriter, f engine.File, hash string, index int) {
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", engine.ContentType(f.Path))
	h.Set("ETag", etag(hash, index, f.Size))
}
