package models

import "time"

// RebootResult holds the result of a reboot.
type RebootResult struct {
	Issued       bool
	Waited       bool
	HostReturned bool
	Reconnected  bool
	WaitDuration time.Duration
	Output       string
	Error        error
}

// ProbeResult captures the outcome of a liveness probe.
type ProbeResult struct {
	Host      string
	Online    bool
	Attempts  int
	Elapsed   time.Duration
	CheckedAt time.Time
}
