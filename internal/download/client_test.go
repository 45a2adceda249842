package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestClient(opts ...Option) *Client {
	return NewClient(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func testContent(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	return data
}

// contentServer serves data with full Range and HEAD support and records
// the Range header of every GET.
type contentServer struct {
	*httptest.Server
	mu     sync.Mutex
	ranges []string
}

func newContentServer(t *testing.T, data []byte) *contentServer {
	t.Helper()
	cs := &contentServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			cs.mu.Lock()
			cs.ranges = append(cs.ranges, r.Header.Get("Range"))
			cs.mu.Unlock()
		}
		http.ServeContent(w, r, "server.jar", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *contentServer) Ranges() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := append([]string(nil), cs.ranges...)
	sort.Strings(out)
	return out
}

// sampleRecorder collects progress samples.
type sampleRecorder struct {
	mu      sync.Mutex
	samples []Sample
}

func (r *sampleRecorder) Record(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

func (r *sampleRecorder) check(t *testing.T, wantFinal int64) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		t.Fatal("no progress samples emitted")
	}
	for i := 1; i < len(r.samples); i++ {
		if r.samples[i].Downloaded < r.samples[i-1].Downloaded {
			t.Fatalf("progress went backwards at sample %d: %d < %d", i, r.samples[i].Downloaded, r.samples[i-1].Downloaded)
		}
	}
	last := r.samples[len(r.samples)-1]
	if last.Downloaded != wantFinal {
		t.Errorf("final sample = %d bytes, want %d", last.Downloaded, wantFinal)
	}
}

func TestNewClient(t *testing.T) {
	client := newTestClient()

	if client.httpClient == nil {
		t.Fatal("expected httpClient to be initialized")
	}
	if client.httpClient.Timeout != 0 {
		t.Errorf("expected no overall http timeout, got %v", client.httpClient.Timeout)
	}
	if client.userAgent != "srvlaunch/1.0" {
		t.Errorf("expected userAgent to be 'srvlaunch/1.0', got %s", client.userAgent)
	}
	if client.limiter != nil || client.timeout != 0 {
		t.Error("expected no limiter and no timeout by default")
	}

	limited := newTestClient(WithRateLimit(1024), WithTimeout(time.Minute))
	if limited.limiter == nil || limited.timeout != time.Minute {
		t.Error("options were not applied")
	}
	if newTestClient(WithRateLimit(0)).limiter != nil {
		t.Error("zero rate limit should mean unlimited")
	}
}

func TestContentLength(t *testing.T) {
	data := testContent(3 * 1024 * 1024)
	cs := newContentServer(t, data)

	noLength := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write([]byte("body"))
	}))
	defer noLength.Close()

	rejected := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer rejected.Close()

	tests := []struct {
		name   string
		url    string
		want   int64
		wantOK bool
	}{
		{"declared", cs.URL, int64(len(data)), true},
		{"missing header", noLength.URL, -1, false},
		{"non-2xx", rejected.URL, -1, false},
		{"unreachable", "http://127.0.0.1:1/a.jar", -1, false},
		{"malformed url", "http://[::1", -1, false},
	}

	client := newTestClient()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := client.ContentLength(context.Background(), tt.url)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ContentLength() = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}

	// HEAD must not be counted as a download request.
	if len(cs.Ranges()) != 0 {
		t.Errorf("unexpected GET requests: %v", cs.Ranges())
	}
}

func TestDownloadStream(t *testing.T) {
	data := testContent(300 * 1024)
	cs := newContentServer(t, data)

	dest := filepath.Join(t.TempDir(), "nested", "server.jar")
	rec := &sampleRecorder{}

	result, err := newTestClient().Download(context.Background(), Plan{
		URL:       cs.URL,
		DestPath:  dest,
		TotalSize: int64(len(data)),
		Workers:   8,
	}, rec.Record)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("downloaded content mismatch")
	}
	if result.Size != int64(len(data)) || result.Workers != 1 || result.Path != dest {
		t.Errorf("unexpected result: %+v", result)
	}

	// Below the segmentation threshold: exactly one plain GET.
	if ranges := cs.Ranges(); len(ranges) != 1 || ranges[0] != "" {
		t.Errorf("expected one GET without Range, got %q", ranges)
	}
	rec.check(t, int64(len(data)))
	if total := rec.samples[len(rec.samples)-1].Total; total != int64(len(data)) {
		t.Errorf("sample total = %d, want %d", total, len(data))
	}
}

func TestDownloadSegmented(t *testing.T) {
	data := testContent(5*1024*1024 + 123)
	cs := newContentServer(t, data)

	dest := filepath.Join(t.TempDir(), "server.jar")
	rec := &sampleRecorder{}

	plan := Plan{
		URL:       cs.URL,
		DestPath:  dest,
		TotalSize: int64(len(data)),
		Workers:   4,
	}
	result, err := newTestClient().Download(context.Background(), plan, rec.Record)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("downloaded content mismatch")
	}
	if result.Workers != 4 || result.Size != int64(len(data)) {
		t.Errorf("unexpected result: %+v", result)
	}

	var want []string
	for _, seg := range plan.Segments() {
		want = append(want, seg.RangeHeader())
	}
	sort.Strings(want)
	if got := cs.Ranges(); strings.Join(got, ";") != strings.Join(want, ";") {
		t.Errorf("requested ranges = %v, want %v", got, want)
	}

	rec.check(t, int64(len(data)))
}

func TestStreamAndSegmentedProduceSameFile(t *testing.T) {
	data := testContent(4*1024*1024 + 7)
	cs := newContentServer(t, data)
	dir := t.TempDir()
	client := newTestClient()

	paths := map[int]string{}
	for _, workers := range []int{1, 3} {
		dest := filepath.Join(dir, fmt.Sprintf("w%d.jar", workers))
		result, err := client.Download(context.Background(), Plan{
			URL:       cs.URL,
			DestPath:  dest,
			TotalSize: int64(len(data)),
			Workers:   workers,
		}, nil)
		if err != nil {
			t.Fatalf("Download(workers=%d) failed: %v", workers, err)
		}
		if result.Workers != workers {
			t.Errorf("workers = %d, want %d", result.Workers, workers)
		}
		paths[workers] = dest
	}

	a, err := HashFile(paths[1])
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	b, err := HashFile(paths[3])
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	if a != b {
		t.Errorf("stream hash %s differs from segmented hash %s", a, b)
	}
}

func TestDownloadUnknownSizeStreams(t *testing.T) {
	data := testContent(3 * 1024 * 1024)
	var mu sync.Mutex
	var ranges []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			// No Content-Length.
			return
		}
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	client := newTestClient()
	size, ok := client.ContentLength(context.Background(), srv.URL)
	if ok || size != -1 {
		t.Fatalf("ContentLength() = (%d, %v), want unknown", size, ok)
	}

	dest := filepath.Join(t.TempDir(), "server.jar")
	rec := &sampleRecorder{}
	result, err := client.Download(context.Background(), Plan{
		URL:       srv.URL,
		DestPath:  dest,
		TotalSize: size,
		Workers:   8,
	}, rec.Record)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if result.Workers != 1 {
		t.Errorf("expected single stream, got %d workers", result.Workers)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ranges) != 1 || ranges[0] != "" {
		t.Errorf("expected one GET without Range, got %q", ranges)
	}
	rec.check(t, int64(len(data)))
}

func TestDownloadHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	for _, size := range []int64{-1, 4 * 1024 * 1024} {
		_, err := newTestClient().Download(context.Background(), Plan{
			URL:       srv.URL,
			DestPath:  filepath.Join(t.TempDir(), "server.jar"),
			TotalSize: size,
			Workers:   4,
		}, nil)
		if err == nil {
			t.Fatalf("size %d: expected error", size)
		}

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) {
			t.Fatalf("size %d: expected HTTPError, got %T: %v", size, err, err)
		}
		if httpErr.StatusCode != http.StatusNotFound || !strings.Contains(err.Error(), "404") {
			t.Errorf("size %d: unexpected error %v", size, err)
		}
	}
}

func TestDownloadSegmentFailureAborts(t *testing.T) {
	data := testContent(4 * 1024 * 1024)
	plan := Plan{TotalSize: int64(len(data)), Workers: 4}
	failing := plan.Segments()[2].RangeHeader()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") == failing {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, "server.jar", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	plan.URL = srv.URL
	plan.DestPath = filepath.Join(t.TempDir(), "server.jar")
	rec := &sampleRecorder{}

	_, err := newTestClient().Download(context.Background(), plan, rec.Record)
	if err == nil {
		t.Fatal("expected error when one segment fails")
	}
	if !strings.Contains(err.Error(), "segment 2") || !strings.Contains(err.Error(), "500") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDownloadSegmentRejectsIgnoredRange(t *testing.T) {
	data := testContent(3 * 1024 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	_, err := newTestClient().Download(context.Background(), Plan{
		URL:       srv.URL,
		DestPath:  filepath.Join(t.TempDir(), "server.jar"),
		TotalSize: int64(len(data)),
		Workers:   2,
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "ignored range") {
		t.Fatalf("expected ignored range error, got %v", err)
	}
}

func TestDownloadSegmentShortBody(t *testing.T) {
	data := testContent(4 * 1024 * 1024)
	plan := Plan{TotalSize: int64(len(data)), Workers: 2}
	short := plan.Segments()[1]

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != short.RangeHeader() {
			http.ServeContent(w, r, "server.jar", time.Time{}, bytes.NewReader(data))
			return
		}
		// Chunked 206 that ends halfway through the range.
		w.WriteHeader(http.StatusPartialContent)
		w.(http.Flusher).Flush()
		half := short.Start + short.Len()/2
		_, _ = w.Write(data[short.Start:half])
	}))
	defer srv.Close()

	plan.URL = srv.URL
	plan.DestPath = filepath.Join(t.TempDir(), "server.jar")
	rec := &sampleRecorder{}

	result, err := newTestClient().Download(context.Background(), plan, rec.Record)
	if err != nil {
		t.Fatalf("short segment should not fail the download: %v", err)
	}

	wantWritten := plan.TotalSize - (short.Len() - short.Len()/2)
	if result.Size != wantWritten {
		t.Errorf("Size = %d, want %d", result.Size, wantWritten)
	}
	fi, err := os.Stat(plan.DestPath)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if fi.Size() != plan.TotalSize {
		t.Errorf("preallocated size = %d, want %d", fi.Size(), plan.TotalSize)
	}
	rec.check(t, wantWritten)
}

func TestDownloadStreamReportsWhileRunning(t *testing.T) {
	const chunks = 8
	chunk := testContent(chunkSize)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(chunks*len(chunk)))
		for i := 0; i < chunks; i++ {
			_, _ = w.Write(chunk)
			w.(http.Flusher).Flush()
			time.Sleep(60 * time.Millisecond)
		}
	}))
	defer srv.Close()

	rec := &sampleRecorder{}
	_, err := newTestClient().Download(context.Background(), Plan{
		URL:       srv.URL,
		DestPath:  filepath.Join(t.TempDir(), "server.jar"),
		TotalSize: -1,
		Workers:   1,
	}, rec.Record)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}

	rec.check(t, int64(chunks*len(chunk)))
	if len(rec.samples) < 2 {
		t.Errorf("expected intermediate samples, got %d", len(rec.samples))
	}
	// 8 chunks over ~480ms at >=150ms spacing, plus the final sample.
	if len(rec.samples) > 5 {
		t.Errorf("samples not throttled: got %d", len(rec.samples))
	}
	// Total comes from the GET response when the plan has none.
	if got := rec.samples[0].Total; got != int64(chunks*len(chunk)) {
		t.Errorf("sample total = %d", got)
	}
}

func TestDownloadRateLimit(t *testing.T) {
	data := testContent(256 * 1024)
	cs := newContentServer(t, data)

	client := newTestClient(WithRateLimit(1024 * 1024))
	start := time.Now()
	_, err := client.Download(context.Background(), Plan{
		URL:       cs.URL,
		DestPath:  filepath.Join(t.TempDir(), "server.jar"),
		TotalSize: int64(len(data)),
		Workers:   1,
	}, nil)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}

	// 64 KiB burst, the remaining 192 KiB at 1 MiB/s.
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("rate limit not applied, finished in %v", elapsed)
	}
}

func TestDownloadTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	defer srv.Close()

	client := newTestClient(WithTimeout(100 * time.Millisecond))
	_, err := client.Download(context.Background(), Plan{
		URL:       srv.URL,
		DestPath:  filepath.Join(t.TempDir(), "server.jar"),
		TotalSize: -1,
		Workers:   1,
	}, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestDownloadInvalidURL(t *testing.T) {
	_, err := newTestClient().Download(context.Background(), Plan{
		URL:       "file:///etc/passwd",
		DestPath:  filepath.Join(t.TempDir(), "server.jar"),
		TotalSize: -1,
	}, nil)
	if err == nil {
		t.Fatal("expected error for non-http URL")
	}
}

func TestPreallocate(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "prealloc"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer f.Close()

	const size = 3*1024*1024 + 5
	if err := preallocate(f, size); err != nil {
		t.Fatalf("preallocate failed: %v", err)
	}
	fi, err := f.Stat()
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if fi.Size() != size {
		t.Errorf("size = %d, want %d", fi.Size(), size)
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	const want = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("HashFile = %s, want %s", got, want)
	}

	if _, err := HashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
