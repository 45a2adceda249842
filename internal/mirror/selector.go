package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/srvlaunch/srvlaunch/internal/safety"
)

const (
	probeTimeout = 2 * time.Second
	probeBytes   = 128 * 1024
)

// Selector probes download mirrors and picks the fastest one.
type Selector struct {
	client     *http.Client
	logger     *slog.Logger
	userAgent  string
	timeout    time.Duration
	probeBytes int64
	now        func() time.Time
}

// NewSelector creates a Selector with the default probe size and timeout.
func NewSelector(logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		client:     safety.NewHTTPClient(0),
		logger:     logger,
		userAgent:  "srvlaunch/1.0",
		timeout:    probeTimeout,
		probeBytes: probeBytes,
		now:        time.Now,
	}
}

// Select probes every candidate in order, one at a time, and returns the
// fastest successful one. When every probe fails the origin URL is chosen.
// onResult, if non-nil, is called after each probe completes.
//
// Probe failures are recorded in the results and never returned; only an
// invalid origin URL or a cancelled ctx produce an error.
func (s *Selector) Select(ctx context.Context, origin string, candidates []Candidate, onResult func(ProbeResult)) (*Selection, error) {
	if _, err := safety.ValidateHTTPURL(origin); err != nil {
		return nil, fmt.Errorf("invalid origin URL: %w", err)
	}

	sel := &Selection{URL: origin, Tag: OriginTag}
	seen := make(map[string]bool, len(candidates))
	best := -1

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("mirror selection cancelled: %w", err)
		}
		if seen[c.Tag] {
			continue
		}
		seen[c.Tag] = true

		r := s.Probe(ctx, c.Tag, c.Rewrite(origin))
		sel.Results = append(sel.Results, r)
		if onResult != nil {
			onResult(r)
		}

		if r.OK {
			s.logger.Debug("mirror probe succeeded", "mirror", r.Tag, "elapsed", r.Elapsed, "bytes_per_second", int64(r.BytesPerSecond))
		} else {
			s.logger.Debug("mirror probe failed", "mirror", r.Tag, "error", r.Error)
		}

		var current *ProbeResult
		if best >= 0 {
			current = &sel.Results[best]
		}
		if beats(r, current) {
			best = len(sel.Results) - 1
		}
	}

	if best >= 0 {
		sel.URL = sel.Results[best].URL
		sel.Tag = sel.Results[best].Tag
	} else {
		s.logger.Warn("all mirror probes failed, falling back to origin", "url", origin)
	}

	if !seen[OriginTag] {
		sel.Results = append(sel.Results, ProbeResult{
			Tag:   OriginTag,
			URL:   origin,
			Error: "not probed",
		})
	}

	if u, err := url.Parse(sel.URL); err == nil {
		sel.Host = u.Hostname()
	}

	return sel, nil
}

// Probe fetches the first probe-size bytes of target and measures throughput.
func (s *Selector) Probe(ctx context.Context, tag, target string) ProbeResult {
	res := ProbeResult{Tag: tag, URL: target}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/octet-stream")
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", s.probeBytes-1))

	start := s.now()
	resp, err := s.client.Do(req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		res.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return res
	}

	// A server that ignores Range sends the whole artifact; stop at the probe size.
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, s.probeBytes))
	elapsed := s.now().Sub(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	if elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}
	res.OK = true
	res.Elapsed = elapsed
	res.BytesPerSecond = throughput(n, elapsed)
	return res
}

// throughput returns bytes per second, counting at least one byte.
func throughput(n int64, elapsed time.Duration) float64 {
	if n < 1 {
		n = 1
	}
	if elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}
	return float64(n) * 1e9 / float64(elapsed.Nanoseconds())
}

// beats reports whether r should replace the current best.
// Ties keep the earlier result.
func beats(r ProbeResult, best *ProbeResult) bool {
	if !r.OK {
		return false
	}
	return best == nil || r.BytesPerSecond > best.BytesPerSecond
}
