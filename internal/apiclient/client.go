// Package apiclient is a rate-limited REST client with bounded retries on
// rate limiting and one credential refresh on authentication failure.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/torrentclaw/truestream/internal/apperr"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	// Capacity requests are allowed per Window.
	Capacity int
	Window   time.Duration
	// MaxRetries bounds retries of RateLimited responses; delays double
	// from RetryBaseDelay.
	MaxRetries     int
	RetryBaseDelay time.Duration
	Timeout        time.Duration
	UserAgent      string
}

// Counters are cumulative request statistics.
type Counters struct {
	Requests    uint64
	RateLimited uint64
	Retries     uint64
	Refreshes   uint64
}

// Client issues authenticated requests against one API.
type Client struct {
	cfg     Config
	creds   Credentials
	limiter *Limiter
	http    *http.Client

	requests    atomic.Uint64
	rateLimited atomic.Uint64
	retries     atomic.Uint64
	refreshes   atomic.Uint64
}

// New returns a client. A nil limiter gets one built from cfg.
func New(cfg Config, creds Credentials, limiter *Limiter) *Client {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "truestream"
	}
	if limiter == nil {
		limiter = NewLimiter(cfg.Capacity, cfg.Window)
	}
	return &Client{
		cfg:     cfg,
		creds:   creds,
		limiter: limiter,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// Counters returns a snapshot of the request statistics.
func (c *Client) Counters() Counters {
	return Counters{
		Requests:    c.requests.Load(),
		RateLimited: c.rateLimited.Load(),
		Retries:     c.retries.Load(),
		Refreshes:   c.refreshes.Load(),
	}
}

// Limiter returns the client's rate limiter.
func (c *Client) Limiter() *Limiter { return c.limiter }

// Get decodes the JSON response of GET path into out (which may be nil).
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// PostForm sends form as application/x-www-form-urlencoded.
func (c *Client) PostForm(ctx context.Context, path string, form url.Values, out any) error {
	return c.Do(ctx, http.MethodPost, path, form, out)
}

// Delete issues DELETE path.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}

// Do performs one logical request. RateLimited responses are retried with
// exponential backoff up to MaxRetries times; every other failure is
// returned immediately as an *apperr.Error.
func (c *Client) Do(ctx context.Context, method, path string, form url.Values, out any) error {
	attempts := uint(c.cfg.MaxRetries) + 1
	err := retry.Do(
		func() error {
			return c.attempt(ctx, method, path, form, out)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.cfg.RetryBaseDelay),
		retry.DelayType(func(n uint, err error, config *retry.Config) time.Duration {
			backoff := retry.BackOffDelay(n, err, config)
			var rl *rateLimitError
			if errors.As(err, &rl) && rl.retryAfter > backoff {
				return rl.retryAfter
			}
			return backoff
		}),
		retry.MaxDelay(time.Minute),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return apperr.IsKind(err, apperr.RateLimited)
		}),
		retry.OnRetry(func(n uint, err error) {
			// retry-go also calls this after the final attempt.
			if n+1 >= attempts {
				return
			}
			c.retries.Add(1)
			log.Debug().Err(err).Str("path", path).Uint("attempt", n+1).Msg("Rate limited, backing off")
		}),
	)
	if err == nil {
		return nil
	}
	// Retries exhausted: surface the RateLimited error itself.
	var rl *rateLimitError
	if errors.As(err, &rl) {
		return rl.err
	}
	return err
}

// rateLimitError carries the server's Retry-After hint through retry-go.
type rateLimitError struct {
	err        *apperr.Error
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string { return e.err.Error() }
func (e *rateLimitError) Unwrap() error { return e.err }

func (c *Client) attempt(ctx context.Context, method, path string, form url.Values, out any) error {
	refreshed := false
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		token, err := c.creds.Token(ctx)
		if err != nil {
			return err
		}

		status, header, body, err := c.send(ctx, method, path, form, token)
		if err != nil {
			return err
		}

		if status == http.StatusUnauthorized && !refreshed {
			if rerr := c.creds.Refresh(ctx); rerr == nil {
				refreshed = true
				c.refreshes.Add(1)
				log.Debug().Str("path", path).Msg("Access token rejected, refreshing")
				continue
			}
		}

		if status >= 200 && status <= 299 {
			if out == nil || status == http.StatusNoContent || len(body) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return apperr.Wrap(apperr.MalformedResponse, err, fmt.Sprintf("decode %s %s", method, path))
			}
			return nil
		}

		aerr := classify(status, body).WithOp(method + " " + path)
		if aerr.Kind == apperr.RateLimited {
			c.rateLimited.Add(1)
			return &rateLimitError{err: aerr, retryAfter: retryAfter(header.Get("Retry-After"))}
		}
		return aerr
	}
}

func (c *Client) send(ctx context.Context, method, path string, form url.Values, token string) (int, http.Header, []byte, error) {
	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reqBody)
	if err != nil {
		return 0, nil, nil, apperr.Wrap(apperr.Internal, err, "build request")
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	c.requests.Add(1)
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, nil, ctx.Err()
		}
		return 0, nil, nil, apperr.Wrap(apperr.NetworkUnreachable, err, fmt.Sprintf("%s %s", method, path))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, nil, apperr.Wrap(apperr.NetworkUnreachable, err, "read response")
	}
	log.Trace().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("API request")
	return resp.StatusCode, resp.Header, body, nil
}

// apiError is the error body shape of the debrid REST API.
type apiError struct {
	Error     string `json:"error"`
	ErrorCode int    `json:"error_code"`
}

// Error codes with a fixed meaning regardless of HTTP status.
const (
	codeBadToken        = 8
	codeNeedsAuth       = 9
	codePremiumOnly     = 20
	codeTooManyRequests = 34
	codeTokenExpired    = 12
	codeTokenInvalid    = 13
	codeDisabledAccount = 14
	codeUnknownResource = 7
	codeHosterDown      = 19
	codeServiceDown     = 25
)

// classify maps an HTTP failure onto the error taxonomy.
func classify(status int, body []byte) *apperr.Error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	msg := ae.Error
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch ae.ErrorCode {
	case codeBadToken, codeNeedsAuth, codeTokenExpired, codeTokenInvalid, codeDisabledAccount:
		return apperr.New(apperr.AuthInvalid, "%s", msg)
	case codePremiumOnly:
		return apperr.New(apperr.PremiumRequired, "%s", msg)
	case codeTooManyRequests:
		return apperr.New(apperr.RateLimited, "%s", msg)
	case codeUnknownResource:
		return apperr.New(apperr.NotFound, "%s", msg)
	case codeHosterDown, codeServiceDown:
		return apperr.New(apperr.ServiceUnreachable, "%s", msg)
	}

	switch {
	case status == http.StatusUnauthorized:
		return apperr.New(apperr.AuthInvalid, "%s", msg)
	case status == http.StatusForbidden:
		return apperr.New(apperr.PremiumRequired, "%s", msg)
	case status == http.StatusTooManyRequests:
		return apperr.New(apperr.RateLimited, "%s", msg)
	case status == http.StatusNotFound:
		return apperr.New(apperr.NotFound, "%s", msg)
	case status == http.StatusBadRequest:
		return apperr.New(apperr.InvalidIdentifier, "%s", msg)
	case status >= 500:
		return apperr.New(apperr.ServiceUnreachable, "%s", msg)
	}
	return apperr.New(apperr.Internal, "unexpected status %d: %s", status, msg)
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
