// Package bash manages shell process lifecycle: a single interactive active
// slot with a FIFO promotion queue, an unbounded background pool, and output
// streaming over the event broker.
package bash

import "time"

// Mode classifies how a process relates to the active slot.
type Mode string

const (
	// ModeActive processes contend for the single interactive slot.
	ModeActive Mode = "active"
	// ModeBackground processes spawn immediately and never hold the slot.
	ModeBackground Mode = "background"
)

// Status is the process state. queued is the pre-spawn state for active-mode
// processes waiting on the slot; everything after running is terminal.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusKilled, StatusTimeout:
		return true
	}
	return false
}

// BashProcess is a point-in-time snapshot of one managed process.
type BashProcess struct {
	ID        string     `json:"id"`
	Command   string     `json:"command"`
	Mode      Mode       `json:"mode"`
	Status    Status     `json:"status"`
	Cwd       string     `json:"cwd"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	Stdout    string     `json:"stdout"`
	Stderr    string     `json:"stderr"`
	IsActive  bool       `json:"isActive"`
}

// ExecuteOptions controls one Execute call.
type ExecuteOptions struct {
	Mode Mode
	Cwd  string
	// TimeoutSeconds is clamped to [1, 600]; zero means the default 120.
	TimeoutSeconds int
	// PTY runs the command under a pseudo-terminal. Interactive tools detect
	// a tty and keep coloring and progress output.
	PTY bool
}

const (
	// DefaultTimeout applies when the caller passes no timeout.
	DefaultTimeout = 120 * time.Second
	// MinTimeout and MaxTimeout bound caller-specified timeouts.
	MinTimeout = 1 * time.Second
	MaxTimeout = 600 * time.Second

	// DefaultRetention keeps exited processes queryable before eviction.
	DefaultRetention = 10 * time.Minute
)

func clampTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return DefaultTimeout
	}
	d := time.Duration(seconds) * time.Second
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}
