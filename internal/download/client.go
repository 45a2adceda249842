package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/srvlaunch/srvlaunch/internal/safety"
)

const (
	chunkSize          = 64 * 1024
	headTimeout        = 5 * time.Second
	streamReportEvery  = 150 * time.Millisecond
	segmentReportEvery = 200 * time.Millisecond
)

// Sample is a progress report for one download.
type Sample struct {
	Downloaded int64
	// Total is the artifact size, or -1 when unknown.
	Total          int64
	BytesPerSecond int64
}

// ProgressFunc receives progress samples. Calls for one download never overlap.
type ProgressFunc func(Sample)

func (f ProgressFunc) emit(s Sample) {
	if f != nil {
		f(s)
	}
}

// Result contains the result of a successful download.
type Result struct {
	Path     string        // Path to the downloaded file
	Size     int64         // Bytes written
	Workers  int           // Number of workers used
	Duration time.Duration // Total download duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each artifact download. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRateLimit caps the combined transfer rate of a download.
// Zero or negative means unlimited.
func WithRateLimit(bytesPerSecond int64) Option {
	return func(c *Client) {
		if bytesPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), chunkSize)
		}
	}
}

// Client downloads release artifacts over HTTP, sequentially or in
// parallel byte ranges.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
	timeout    time.Duration
	limiter    *rate.Limiter
	now        func() time.Time

	headTimeout        time.Duration
	streamReportEvery  time.Duration
	segmentReportEvery time.Duration
}

// NewClient creates a new download client with the given logger.
func NewClient(logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		// No overall Timeout: body reads can take as long as needed.
		// WithTimeout and context cancellation bound them instead.
		httpClient:         safety.NewHTTPClient(0),
		logger:             logger,
		userAgent:          "srvlaunch/1.0",
		now:                time.Now,
		headTimeout:        headTimeout,
		streamReportEvery:  streamReportEvery,
		segmentReportEvery: segmentReportEvery,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ContentLength asks the server for the artifact size with a HEAD request.
// Any failure, non-2xx status or missing or malformed header yields
// (-1, false); it never returns an error.
func (c *Client) ContentLength(ctx context.Context, url string) (int64, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, c.headTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, url, nil)
	if err != nil {
		c.logger.Debug("content length request failed", "url", url, "error", err)
		return -1, false
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("content length request failed", "url", url, "error", err)
		return -1, false
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("content length request rejected", "url", url, "status", resp.StatusCode)
		return -1, false
	}

	raw := strings.TrimSpace(resp.Header.Get("Content-Length"))
	if raw == "" {
		return -1, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		c.logger.Debug("malformed content length", "url", url, "value", raw)
		return -1, false
	}
	return n, true
}

// Download fetches plan.URL into plan.DestPath. Downloads of unknown size or
// smaller than MinSegmentedSize are streamed on one connection; larger ones
// are split into plan.Workers byte ranges fetched in parallel.
//
// On error the destination may hold a partial file and must not be used.
func (c *Client) Download(ctx context.Context, plan Plan, onProgress ProgressFunc) (*Result, error) {
	if _, err := safety.ValidateHTTPURL(plan.URL); err != nil {
		return nil, fmt.Errorf("invalid download URL: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if dir := filepath.Dir(plan.DestPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	start := c.now()
	workers := plan.EffectiveWorkers()
	c.logger.Info("starting download", "url", plan.URL, "dest", plan.DestPath, "size", plan.TotalSize, "workers", workers)

	var (
		size int64
		err  error
	)
	if workers == 1 {
		size, err = c.downloadStream(ctx, plan, onProgress)
	} else {
		size, err = c.downloadSegmented(ctx, plan, onProgress)
	}
	if err != nil {
		if c.timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("download exceeded %s: %w", c.timeout, ctx.Err())
		}
		return nil, err
	}

	return &Result{
		Path:     plan.DestPath,
		Size:     size,
		Workers:  workers,
		Duration: c.now().Sub(start),
	}, nil
}

// downloadStream fetches the whole artifact on one connection.
func (c *Client) downloadStream(ctx context.Context, plan Plan, onProgress ProgressFunc) (int64, error) {
	resp, err := c.get(ctx, plan.URL, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, newHTTPError(plan.URL, resp)
	}

	total := plan.TotalSize
	if total < 0 && resp.ContentLength >= 0 {
		total = resp.ContentLength
	}

	file, err := os.Create(plan.DestPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	meter := newSpeedMeter(c.now())
	buf := make([]byte, chunkSize)
	var written int64

	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if err := c.throttle(ctx, n); err != nil {
				return written, err
			}
			if _, err := file.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("failed to write to file: %w", err)
			}
			written += int64(n)

			if now := c.now(); meter.due(now, c.streamReportEvery) {
				onProgress.emit(Sample{Downloaded: written, Total: total, BytesPerSecond: meter.observe(written, now)})
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, fmt.Errorf("reading response body: %w", rerr)
		}
	}

	if err := file.Close(); err != nil {
		return written, fmt.Errorf("failed to close file: %w", err)
	}

	onProgress.emit(Sample{Downloaded: written, Total: total, BytesPerSecond: meter.observe(written, c.now())})
	return written, nil
}

// get issues a GET for url, with a Range header when byteRange is set.
func (c *Client) get(ctx context.Context, url, byteRange string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/octet-stream")
}

// throttle blocks until n bytes may be transferred under the rate limit.
func (c *Client) throttle(ctx context.Context, n int) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
}

func newHTTPError(url string, resp *http.Response) *HTTPError {
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		URL:        url,
	}
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s (%s)", e.StatusCode, e.Status, e.URL)
}
