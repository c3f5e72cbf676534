package stream

import (
	"errors"
	"strconv"
	"strings"

	"github.com/torrentclaw/truestream/internal/engine"
)

var errUnsatisfiable = errors.New("range not satisfiable")

// parseRange interprets a Range header for a resource of size bytes. A nil
// range means the whole resource. Malformed headers are ignored; only the
// first range of a multi-range request is honored.
func parseRange(header string, size int64) (*engine.ByteRange, error) {
	const prefix = "bytes="
	if header == "" || !strings.HasPrefix(header, prefix) {
		return nil, nil
	}
	spec, _, _ := strings.Cut(header[len(prefix):], ",")
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, nil
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return nil, nil
		}
		if n == 0 || size == 0 {
			return nil, errUnsatisfiable
		}
		n = min(n, size)
		return &engine.ByteRange{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, nil
	}
	end := size - 1
	if last != "" {
		e, err := strconv.ParseInt(last, 10, 64)
		if err != nil || e < start {
			return nil, nil
		}
		end = min(e, end)
	}
	if start >= size {
		return nil, errUnsatisfiable
	}
	return &engine.ByteRange{Start: start, End: end}, nil
}
