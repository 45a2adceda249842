package safety

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrBodyTooLarge is returned when a release listing or other metadata
// response is larger than its read limit.
var ErrBodyTooLarge = errors.New("response body too large")

// NewHTTPClient returns the client shared by release listing, mirror probes
// and artifact downloads. Dial, TLS and header waits are always bounded.
// A zero timeout leaves the body unbounded; download.timeout and the
// caller's context end it instead. Proxies come from HTTPS_PROXY and
// friends, and up to 32 idle connections per host are kept so parallel
// range requests can reuse them.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
		},
	}
}

// ReadAllWithLimit reads a metadata body, failing with ErrBodyTooLarge past
// limit bytes. Artifact bodies are streamed to disk and never pass through it.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid read limit: %d", limit)
	}
	lr := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// ValidateHTTPURL checks a release, mirror or download URL: it must be
// http or https with a host and no embedded credentials.
func ValidateHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL host is required")
	}
	if u.User != nil {
		return nil, fmt.Errorf("URL userinfo is not allowed")
	}
	return u, nil
}

// RequireTLSUnlessLoopback gates sending a GitHub token: plain http is
// accepted only for loopback hosts such as a local test server.
func RequireTLSUnlessLoopback(raw string) error {
	u, err := ValidateHTTPURL(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "http" && !IsLoopbackHost(u) {
		return fmt.Errorf("plain http is only allowed for loopback hosts: %q", raw)
	}
	return nil
}

// IsLoopbackHost reports whether u names localhost or a loopback IP.
func IsLoopbackHost(u *url.URL) bool {
	host := u.Hostname()
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
