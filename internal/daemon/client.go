package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/torrentclaw/truestream/internal/apperr"
	"github.com/torrentclaw/truestream/internal/engine"
)

// Health is the daemon's /health payload.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Torrents int    `json:"torrents"`
}

// Client talks to one daemon process over its HTTP API.
type Client struct {
	base   string
	api    *http.Client
	stream *http.Client
}

// NewClient returns a client for the daemon listening at base (http://host:port).
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		api:  &http.Client{Timeout: 2 * time.Minute},
		// Streams stay open for the whole playback.
		stream: &http.Client{},
	}
}

// Health fetches the daemon's health document.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	return h, err
}

// Add submits a magnet and returns the torrent once metadata is known.
func (c *Client) Add(ctx context.Context, magnetURI string) (*engine.Torrent, error) {
	var t engine.Torrent
	if err := c.do(ctx, http.MethodPost, "/torrents", map[string]string{"magnet": magnetURI}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Torrents lists the daemon's torrents.
func (c *Client) Torrents(ctx context.Context) ([]engine.Torrent, error) {
	var ts []engine.Torrent
	err := c.do(ctx, http.MethodGet, "/torrents", nil, &ts)
	return ts, err
}

// Torrent fetches one torrent.
func (c *Client) Torrent(ctx context.Context, hash string) (*engine.Torrent, error) {
	var t engine.Torrent
	if err := c.do(ctx, http.MethodGet, "/torrents/"+hash, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Stats fetches live statistics.
func (c *Client) Stats(ctx context.Context, hash string) (engine.Stats, error) {
	var st engine.Stats
	err := c.do(ctx, http.MethodGet, "/torrents/"+hash+"/stats", nil, &st)
	return st, err
}

// Remove deletes one torrent and its data.
func (c *Client) Remove(ctx context.Context, hash string) error {
	return c.do(ctx, http.MethodDelete, "/torrents/"+hash, nil, nil)
}

// RemoveAll deletes every torrent.
func (c *Client) RemoveAll(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/torrents", nil, nil)
}

// Stream opens a byte stream over a file. The request is bound to ctx, so
// cancelling it closes the daemon-side read.
func (c *Client) Stream(ctx context.Context, hash string, index int, rng *engine.ByteRange) (*engine.Stream, error) {
	url := fmt.Sprintf("%s/torrents/%s/files/%d/stream", c.base, hash, index)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "build request")
	}
	if rng != nil {
		if rng.End >= 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rng.Start))
		}
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.NetworkUnreachable, errors.Wrapf(err, "GET %s", url), "daemon unreachable")
	}

	s := &engine.Stream{ReadCloser: resp.Body}
	switch resp.StatusCode {
	case http.StatusOK:
		s.Total = resp.ContentLength
		s.Start, s.End = 0, resp.ContentLength-1
	case http.StatusPartialContent:
		if _, err := fmt.Sscanf(resp.Header.Get("Content-Range"), "bytes %d-%d/%d", &s.Start, &s.End, &s.Total); err != nil {
			resp.Body.Close()
			return nil, apperr.Wrap(apperr.MalformedResponse, err, "bad Content-Range from daemon")
		}
	default:
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return s, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	url := c.base + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.Internal, err, "encode request")
		}
		reqBody = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.api.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.NetworkUnreachable, errors.Wrapf(err, "%s %s", method, url), "daemon unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.MalformedResponse, errors.Wrapf(err, "decode %s %s", method, path), "bad daemon response")
	}
	return nil
}

// decodeError rebuilds the daemon's structured error, keeping its kind.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body apperr.Body
	if err := json.Unmarshal(data, &body); err != nil || body.Kind == "" {
		kind := apperr.ServiceUnreachable
		if resp.StatusCode == http.StatusNotFound {
			kind = apperr.NotFound
		}
		return apperr.New(kind, "daemon returned %s", resp.Status)
	}
	return apperr.New(body.Kind, "%s", body.Error)
}
