package engine

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/srvlaunch/srvlaunch/internal/download"
	"github.com/srvlaunch/srvlaunch/internal/mirror"
)

// Phase is the current step of a launch.
type Phase string

const (
	PhaseResolving   Phase = "resolving"
	PhaseProbing     Phase = "probing"
	PhaseDownloading Phase = "downloading"
	PhaseVerifying   Phase = "verifying"
	PhaseLaunching   Phase = "launching"
	PhaseComplete    Phase = "complete"
	PhaseFailed      Phase = "failed"
)

// Progress is a snapshot of the current launch state.
type Progress struct {
	Phase           Phase   `json:"phase"`
	Mirror          string  `json:"mirror,omitempty"`
	BytesDownloaded int64   `json:"bytes_downloaded"`
	TotalBytes      int64   `json:"total_bytes"` // -1 when unknown
	Percent         float64 `json:"percent"`
	BytesPerSecond  int64   `json:"bytes_per_second"`
	ETA             string  `json:"eta,omitempty"`
	Probes          int     `json:"probes"`
}

// Reporter turns probe results and download samples into one status line.
// A render identical to the previous one is not written again. In inline
// mode each line overwrites the last with a carriage return.
type Reporter struct {
	mu sync.Mutex

	out    io.Writer
	inline bool

	phase      Phase
	mirror     string
	downloaded int64
	total      int64
	speed      int64
	probes     int

	lastLine string
	dirty    bool // inline line written without a trailing newline
}

// NewReporter writes status lines to out. A nil out discards them.
func NewReporter(out io.Writer, inline bool) *Reporter {
	if out == nil {
		out = io.Discard
	}
	return &Reporter{
		out:    out,
		inline: inline,
		phase:  PhaseResolving,
		total:  -1,
	}
}

// SetPhase moves to a new phase and renders it.
func (r *Reporter) SetPhase(phase Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = phase
	r.render()
}

// SetMirror records the source the artifact is fetched from.
func (r *Reporter) SetMirror(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mirror = tag
}

// Probe renders one mirror probe result on its own line.
func (r *Reporter) Probe(res mirror.ProbeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes++
	r.writeLine(FormatProbe(res), true)
}

// Sample records a download sample. It has the download.ProgressFunc
// signature.
func (r *Reporter) Sample(s download.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloaded = s.Downloaded
	r.total = s.Total
	r.speed = s.BytesPerSecond
	r.render()
}

// Finish terminates any pending inline line.
func (r *Reporter) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirty {
		fmt.Fprintln(r.out)
		r.dirty = false
	}
}

// Snapshot returns a copy of the current progress state.
func (r *Reporter) Snapshot() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := Progress{
		Phase:           r.phase,
		Mirror:          r.mirror,
		BytesDownloaded: r.downloaded,
		TotalBytes:      r.total,
		BytesPerSecond:  r.speed,
		Probes:          r.probes,
	}
	if r.total > 0 {
		p.Percent = float64(r.downloaded) / float64(r.total) * 100
		if r.speed > 0 && r.total > r.downloaded {
			eta := time.Duration(float64(r.total-r.downloaded) / float64(r.speed) * float64(time.Second))
			p.ETA = eta.Truncate(time.Second).String()
		}
	}
	return p
}

// render must be called with r.mu held.
func (r *Reporter) render() {
	var line string
	if r.phase == PhaseDownloading {
		line = formatDownload(r.mirror, r.downloaded, r.total, r.speed)
	} else {
		line = string(r.phase)
	}
	r.writeLine(line, false)
}

// writeLine must be called with r.mu held.
func (r *Reporter) writeLine(line string, permanent bool) {
	if line == r.lastLine && !permanent {
		return
	}
	r.lastLine = line

	if !r.inline {
		fmt.Fprintln(r.out, line)
		return
	}
	if permanent {
		if r.dirty {
			fmt.Fprintln(r.out)
		}
		fmt.Fprintln(r.out, line)
		r.dirty = false
		return
	}
	fmt.Fprintf(r.out, "\r%s\x1b[K", line)
	r.dirty = true
}

func formatDownload(mirrorTag string, downloaded, total, speed int64) string {
	var b strings.Builder
	b.WriteString("downloading")
	if mirrorTag != "" {
		fmt.Fprintf(&b, " via %s", mirrorTag)
	}
	if total > 0 {
		pct := float64(downloaded) / float64(total) * 100
		fmt.Fprintf(&b, "  %s / %s  %5.1f%%", humanize.Bytes(uint64(downloaded)), humanize.Bytes(uint64(total)), pct)
	} else {
		fmt.Fprintf(&b, "  %s", humanize.Bytes(uint64(downloaded)))
	}
	if speed > 0 {
		fmt.Fprintf(&b, "  %s/s", humanize.Bytes(uint64(speed)))
	}
	return b.String()
}

// FormatProbe renders a probe result as a single line.
func FormatProbe(res mirror.ProbeResult) string {
	if !res.OK {
		return fmt.Sprintf("probe %-10s failed: %s", res.Tag, res.Error)
	}
	return fmt.Sprintf("probe %-10s %s/s in %s", res.Tag, humanize.Bytes(uint64(res.BytesPerSecond)), res.Elapsed.Round(time.Millisecond))
}
