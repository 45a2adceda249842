package download

import "time"

const (
	minInstantWindow = 5 * time.Millisecond
	minOverallWindow = time.Millisecond
)

// checkpoint is a byte count observed at an offset from the download start.
type checkpoint struct {
	bytes int64
	at    time.Duration
}

// computeSpeed returns bytes per second for the interval prev..cur.
//
// The instantaneous rate covers only the delta since prev and the overall
// rate covers everything since the start; the smaller positive value wins
// so very short intervals cannot produce spikes.
func computeSpeed(prev, cur checkpoint) float64 {
	dt := cur.at - prev.at
	if dt < minInstantWindow {
		dt = minInstantWindow
	}
	instant := float64(cur.bytes-prev.bytes) * float64(time.Second) / float64(dt)

	elapsed := cur.at
	if elapsed < minOverallWindow {
		elapsed = minOverallWindow
	}
	overall := float64(cur.bytes) * float64(time.Second) / float64(elapsed)

	switch {
	case instant > 0 && overall > 0:
		if instant < overall {
			return instant
		}
		return overall
	case instant > 0:
		return instant
	case overall > 0:
		return overall
	default:
		return 0
	}
}

// speedMeter tracks the last reported checkpoint of one download.
type speedMeter struct {
	start time.Time
	last  checkpoint
}

func newSpeedMeter(start time.Time) *speedMeter {
	return &speedMeter{start: start}
}

// due reports whether at least interval has passed since the last checkpoint.
func (m *speedMeter) due(now time.Time, interval time.Duration) bool {
	return now.Sub(m.start)-m.last.at >= interval
}

// observe records a new checkpoint and returns the speed since the previous one.
func (m *speedMeter) observe(bytes int64, now time.Time) int64 {
	cur := checkpoint{bytes: bytes, at: now.Sub(m.start)}
	speed := computeSpeed(m.last, cur)
	m.last = cur
	return int64(speed)
}
