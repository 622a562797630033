// Package fetch is the HTTP client shared by manifest loaders, segment writers and the ranged downloader.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"segdl/internal/config"
	"segdl/internal/logger"
	"segdl/internal/metrics"
	"segdl/internal/models"

	"go.uber.org/ratelimit"
)

// DefaultRetryDelay is the pause between two attempts of the same request.
const DefaultRetryDelay = 100 * time.Millisecond

// ErrUnknownSize is returned by ResourceSize when the server does not report the size.
var ErrUnknownSize = errors.New("resource size is unknown")

// StatusError is returned for responses with an unexpected status code.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("received status code %d from %s", e.Code, e.URL)
}

// Client wraps an http.Client with default headers, retries and an optional rate limit.
type Client struct {
	httpClient *http.Client
	logger     logger.Logger
	userAgent  string
	headers    map[string]string
	limiter    ratelimit.Limiter
	retryDelay time.Duration
}

// NewClient creates a new client from the given options.
func NewClient(opts *config.Options, log logger.Logger) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: opts.HTTPTimeout,
		MaxIdleConnsPerHost:   opts.SegmentThreads + opts.HTTPWorkers,
	}
	c := &Client{
		httpClient: &http.Client{Transport: transport},
		logger:     log,
		userAgent:  opts.UserAgent,
		headers:    opts.Headers,
		retryDelay: DefaultRetryDelay,
	}
	if opts.RateLimit > 0 {
		c.limiter = ratelimit.New(opts.RateLimit)
	}
	return c
}

// WithHTTPClient replaces the underlying http.Client. Used by tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithRetryDelay sets the pause between attempts.
func (c *Client) WithRetryDelay(d time.Duration) *Client {
	c.retryDelay = d
	return c
}

// HttpClient returns the underlying http.Client instance.
func (c *Client) HttpClient() *http.Client {
	return c.httpClient
}

// NewRequest builds a GET request carrying the configured headers.
func (c *Client) NewRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

// Do sends req up to attempts times. Each attempt is bounded by timeout (zero disables it)
// and the timeout keeps running while the body is read; closing the body releases it.
// 200 and 206 are accepted, 416 fails immediately with models.ErrRangeUnsatisfiable.
func (c *Client) Do(req *http.Request, attempts int, timeout time.Duration) (*http.Response, error) {
	if attempts < 1 {
		attempts = 1
	}
	url := req.URL.String()
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := req.Context().Err(); err != nil {
			return nil, err
		}
		if c.limiter != nil {
			c.limiter.Take()
		}

		var ctx context.Context
		var cancel context.CancelFunc
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(req.Context(), timeout)
		} else {
			ctx, cancel = context.WithCancel(req.Context())
		}

		resp, err := c.httpClient.Do(req.Clone(ctx))
		if err != nil {
			cancel()
			metrics.HTTPRequests.WithLabelValues("error").Inc()
			lastErr = fmt.Errorf("request attempt %d failed for %s: %w", attempt, url, err)
			c.logger.Warnf(lastErr.Error())
			c.pause(req.Context())
			continue
		}
		metrics.HTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
			resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
			resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("request for %s: %w", url, models.ErrRangeUnsatisfiable)
		default:
			resp.Body.Close()
			cancel()
			lastErr = &StatusError{URL: url, Code: resp.StatusCode}
			c.logger.Warnf("request attempt %d for %s: %v", attempt, url, lastErr)
			c.pause(req.Context())
		}
	}

	return nil, fmt.Errorf("failed to fetch %s after %d attempts: %w", url, attempts, lastErr)
}

// Get fetches url with the configured headers plus extra.
func (c *Client) Get(ctx context.Context, url string, extra http.Header, attempts int, timeout time.Duration) (*http.Response, error) {
	req, err := c.NewRequest(ctx, url)
	if err != nil {
		return nil, err
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	return c.Do(req, attempts, timeout)
}

// GetBytes fetches the whole body of url. It also returns the final URL after redirects.
func (c *Client) GetBytes(ctx context.Context, url string, attempts int, timeout time.Duration) ([]byte, string, error) {
	var lastErr error
	for attempt := 1; attempt <= max(attempts, 1); attempt++ {
		resp, err := c.Get(ctx, url, nil, 1, timeout)
		if err != nil {
			if errors.Is(err, models.ErrRangeUnsatisfiable) || ctx.Err() != nil {
				return nil, "", err
			}
			lastErr = err
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response body from %s: %w", url, err)
			c.logger.Warnf(lastErr.Error())
			continue
		}
		return data, resp.Request.URL.String(), nil
	}
	return nil, "", lastErr
}

func (c *Client) pause(ctx context.Context) {
	if c.retryDelay <= 0 {
		return
	}
	t := time.NewTimer(c.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// cancelBody releases the per-attempt context when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// ResourceSize returns the full size of the requested resource from Content-Range (206)
// or Content-Length (200). A "bytes */N" range is models.ErrRangeUnsatisfiable.
func ResourceSize(resp *http.Response) (int64, error) {
	if resp.StatusCode == http.StatusPartialContent {
		cr := resp.Header.Get("Content-Range")
		_, spec, ok := strings.Cut(cr, " ")
		if !ok {
			return 0, fmt.Errorf("invalid Content-Range %q", cr)
		}
		rng, total, ok := strings.Cut(spec, "/")
		if !ok {
			return 0, fmt.Errorf("invalid Content-Range %q", cr)
		}
		if rng == "*" {
			return 0, fmt.Errorf("content range %q: %w", cr, models.ErrRangeUnsatisfiable)
		}
		if total == "*" {
			return 0, ErrUnknownSize
		}
		size, err := strconv.ParseInt(total, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid Content-Range %q: %w", cr, err)
		}
		return size, nil
	}
	if resp.ContentLength < 0 {
		return 0, ErrUnknownSize
	}
	return resp.ContentLength, nil
}
