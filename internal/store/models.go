package store

import "time"

// Launch status values.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Launch records one prepare-and-launch run.
type Launch struct {
	ID           int64
	RunID        string // UUID shown to users
	Tag          string
	Asset        string
	MirrorTag    string // mirror the artifact was fetched through, empty if skipped
	URL          string
	Size         int64
	SHA256       string
	Workers      int
	Skipped      bool // artifact on disk was already current
	Status       string
	ErrorMessage string
	StartTime    time.Time
	EndTime      time.Time
}

// ProbeRecord is one mirror probe taken during a launch.
type ProbeRecord struct {
	ID             int64
	LaunchID       int64
	Tag            string
	URL            string
	OK             bool
	ElapsedMS      int64
	BytesPerSecond float64
	Error          string
}

// MirrorStat aggregates probe history for one mirror tag.
type MirrorStat struct {
	Tag               string
	Probes            int
	Successes         int
	AvgBytesPerSecond float64 // over successful probes
	Selected          int     // launches that downloaded through this mirror
}
