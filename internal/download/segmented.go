package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	fallocate "github.com/detailyang/go-fallocate"
)

// downloadSegmented fetches the artifact as parallel byte ranges written
// into a preallocated file. Each worker owns a disjoint range and writes
// with positioned writes, so the file needs no locking; the only shared
// state is the atomic byte counter read by the progress ticker.
func (c *Client) downloadSegmented(ctx context.Context, plan Plan, onProgress ProgressFunc) (int64, error) {
	file, err := os.OpenFile(plan.DestPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if err := preallocate(file, plan.TotalSize); err != nil {
		return 0, fmt.Errorf("failed to preallocate %d bytes: %w", plan.TotalSize, err)
	}

	segments := plan.Segments()
	meter := newSpeedMeter(c.now())
	var written atomic.Int64

	stop := make(chan struct{})
	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		ticker := time.NewTicker(c.segmentReportEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n := written.Load()
				onProgress.emit(Sample{Downloaded: n, Total: plan.TotalSize, BytesPerSecond: meter.observe(n, c.now())})
			}
		}
	}()

	err = NewPool(len(segments), c.logger).Run(ctx, segments, func(ctx context.Context, seg Segment) error {
		return c.fetchSegment(ctx, file, plan.URL, seg, &written)
	})

	close(stop)
	<-tickerDone

	if err != nil {
		return written.Load(), err
	}

	if err := file.Close(); err != nil {
		return written.Load(), fmt.Errorf("failed to close file: %w", err)
	}

	total := written.Load()
	if total != plan.TotalSize {
		c.logger.Warn("segments ended before their range", "url", plan.URL, "written", total, "expected", plan.TotalSize)
	}
	onProgress.emit(Sample{Downloaded: total, Total: plan.TotalSize, BytesPerSecond: meter.observe(total, c.now())})
	return total, nil
}

// fetchSegment downloads one byte range and writes it at its own offset.
// A body that ends before the range is complete stops the segment without
// an error.
func (c *Client) fetchSegment(ctx context.Context, file *os.File, url string, seg Segment, written *atomic.Int64) error {
	resp, err := c.get(ctx, url, seg.RangeHeader())
	if err != nil {
		return fmt.Errorf("segment %d: %w", seg.Index, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK && seg.Start == 0:
		// A full response still starts at offset 0; the loop stops at End.
	case resp.StatusCode == http.StatusOK:
		return fmt.Errorf("segment %d: server ignored range request", seg.Index)
	default:
		return fmt.Errorf("segment %d: %w", seg.Index, newHTTPError(url, resp))
	}

	buf := make([]byte, chunkSize)
	offset := seg.Start
	remaining := seg.Len()

	for remaining > 0 {
		want := int64(len(buf))
		if remaining < want {
			want = remaining
		}

		n, rerr := resp.Body.Read(buf[:want])
		if n > 0 {
			if err := c.throttle(ctx, n); err != nil {
				return fmt.Errorf("segment %d: %w", seg.Index, err)
			}
			if _, err := file.WriteAt(buf[:n], offset); err != nil {
				return fmt.Errorf("segment %d: failed to write to file: %w", seg.Index, err)
			}
			offset += int64(n)
			remaining -= int64(n)
			written.Add(int64(n))
		}
		if rerr == io.EOF {
			if remaining > 0 {
				c.logger.Debug("segment ended early", "segment", seg.Index, "missing", remaining)
			}
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("segment %d: reading response body: %w", seg.Index, rerr)
		}
	}
	return nil
}

// preallocate sizes the file to exactly size bytes before any worker writes.
// fallocate reserves the blocks where the filesystem supports it; Truncate
// covers the rest.
func preallocate(file *os.File, size int64) error {
	if size <= 0 {
		return nil
	}
	if err := fallocate.Fallocate(file, 0, size); err == nil {
		if fi, err := file.Stat(); err == nil && fi.Size() == size {
			return nil
		}
	}
	return file.Truncate(size)
}
