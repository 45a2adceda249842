package download

import "fmt"

// MinSegmentedSize is the smallest artifact split across several workers.
const MinSegmentedSize int64 = 2 * 1024 * 1024

// Plan describes one artifact download.
type Plan struct {
	URL      string
	DestPath string
	// TotalSize is the artifact size in bytes, or -1 when unknown.
	TotalSize int64
	Workers   int
}

// Segment is a contiguous byte range owned by a single worker.
// End is inclusive, matching the HTTP Range header.
type Segment struct {
	Index int
	Start int64
	End   int64
}

// Len returns the number of bytes in the segment.
func (s Segment) Len() int64 {
	return s.End - s.Start + 1
}

// RangeHeader returns the Range header value requesting this segment.
func (s Segment) RangeHeader() string {
	return fmt.Sprintf("bytes=%d-%d", s.Start, s.End)
}

// EffectiveWorkers returns the number of workers the download will use.
// It is 1 when the size is unknown or below MinSegmentedSize.
func (p Plan) EffectiveWorkers() int {
	if p.TotalSize < 0 || p.TotalSize < MinSegmentedSize || p.Workers <= 1 {
		return 1
	}
	if int64(p.Workers) > p.TotalSize {
		return int(p.TotalSize)
	}
	return p.Workers
}

// Segments partitions [0, TotalSize) into EffectiveWorkers ranges. All but
// the last have TotalSize/N bytes; the last absorbs the remainder.
// It returns nil when the size is unknown.
func (p Plan) Segments() []Segment {
	if p.TotalSize <= 0 {
		return nil
	}
	n := p.EffectiveWorkers()
	size := p.TotalSize / int64(n)

	segments := make([]Segment, n)
	for i := 0; i < n; i++ {
		start := int64(i) * size
		end := start + size - 1
		if i == n-1 {
			end = p.TotalSize - 1
		}
		segments[i] = Segment{Index: i, Start: start, End: end}
	}
	return segments
}
