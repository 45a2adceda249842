package mirror

import (
	"strings"
	"time"

	"github.com/srvlaunch/srvlaunch/internal/config"
)

// OriginTag identifies the unmodified GitHub download URL.
const OriginTag = "origin"

// Candidate is a named rewrite of the origin download URL.
type Candidate struct {
	Tag     string
	Rewrite func(origin string) string
}

// ProbeResult holds the outcome of probing a single candidate.
// Elapsed and BytesPerSecond are zero when the probe failed.
type ProbeResult struct {
	Tag            string        `json:"tag"`
	URL            string        `json:"url"`
	OK             bool          `json:"ok"`
	Elapsed        time.Duration `json:"elapsed"`
	BytesPerSecond float64       `json:"bytes_per_second"`
	Error          string        `json:"error,omitempty"`
}

// Selection is the outcome of probing every candidate for one download.
type Selection struct {
	URL     string        `json:"url"`
	Tag     string        `json:"tag"`
	Host    string        `json:"host,omitempty"`
	Results []ProbeResult `json:"results"`
}

// Origin returns the passthrough candidate.
func Origin() Candidate {
	return Candidate{
		Tag:     OriginTag,
		Rewrite: func(origin string) string { return origin },
	}
}

// Proxy returns a candidate that prefixes the origin URL with base.
// A trailing slash on base is dropped before joining.
func Proxy(tag, base string) Candidate {
	base = strings.TrimRight(base, "/")
	return Candidate{
		Tag:     tag,
		Rewrite: func(origin string) string { return base + "/" + origin },
	}
}

// Candidates builds the ordered candidate list from configured mirrors,
// with the origin first when includeOrigin is set.
func Candidates(includeOrigin bool, mirrors []config.MirrorConfig) []Candidate {
	var out []Candidate
	if includeOrigin {
		out = append(out, Origin())
	}
	for _, m := range mirrors {
		out = append(out, Proxy(m.Name, m.BaseURL))
	}
	return out
}
