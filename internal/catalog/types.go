package catalog

import (
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/alexisbeaulieu97/flowplug/internal/plugin"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
)

// Entry is the persisted view of one registered plugin.
type Entry struct {
	Name        string          `json:"name"`
	Capability  capability.Kind `json:"capability"`
	Loader      string          `json:"loader"`
	Version     string          `json:"version"`
	Path        string          `json:"path,omitempty"`
	Description string          `json:"description,omitempty"`
	State       plugin.State    `json:"state"`
	LastError   string          `json:"last_error,omitempty"`
	FirstSeen   time.Time       `json:"first_seen"`
	LastSeen    time.Time       `json:"last_seen"`
	// Missing marks entries the last sync no longer found.
	Missing bool `json:"missing,omitempty"`
}

// Status returns the display status of the entry.
func (e Entry) Status() Status {
	if e.Missing {
		return StatusMissing
	}
	return StatusOf(e.State)
}

// Status groups lifecycle states for display.
type Status string

const (
	StatusReady   Status = "ready"
	StatusLive    Status = "live"
	StatusClosed  Status = "closed"
	StatusFailed  Status = "failed"
	StatusMissing Status = "missing"
)

// StatusOf maps a lifecycle state to its display status.
func StatusOf(s plugin.State) Status {
	switch s {
	case plugin.StateConnected, plugin.StateActive:
		return StatusLive
	case plugin.StateClosed:
		return StatusClosed
	case plugin.StateFailed:
		return StatusFailed
	default:
		return StatusReady
	}
}

// Icon returns the Unicode icon for the status
func (s Status) Icon() string {
	switch s {
	case StatusLive:
		return "🟢"
	case StatusReady:
		return "🔵"
	case StatusFailed:
		return "🔴"
	case StatusMissing:
		return "🟡"
	default:
		return "⚪"
	}
}

// IconFallback returns ASCII fallback when Unicode is not supported
func (s Status) IconFallback() string {
	switch s {
	case StatusLive:
		return "[ON]"
	case StatusReady:
		return "[OK]"
	case StatusFailed:
		return "[XX]"
	case StatusMissing:
		return "[!!]"
	default:
		return "[--]"
	}
}

// Color returns the Lipgloss color for the status
func (s Status) Color() lipgloss.Color {
	switch s {
	case StatusLive:
		return lipgloss.Color("42") // green
	case StatusReady:
		return lipgloss.Color("39") // blue
	case StatusFailed:
		return lipgloss.Color("196") // red
	case StatusMissing:
		return lipgloss.Color("226") // yellow
	default:
		return lipgloss.Color("250") // light gray
	}
}

func (s Status) String() string {
	return string(s)
}

// RunStatus is the outcome of a flow run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	// RunPartial means the run finished but rejected records.
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// Color returns the Lipgloss color for the run status
func (s RunStatus) Color() lipgloss.Color {
	switch s {
	case RunSucceeded:
		return lipgloss.Color("42")
	case RunPartial:
		return lipgloss.Color("226")
	default:
		return lipgloss.Color("196")
	}
}

// RunRecord stores the outcome of the last run of a flow.
type RunRecord struct {
	Flow        string        `json:"flow"`
	RunID       string        `json:"run_id"`
	Status      RunStatus     `json:"status"`
	LastRun     time.Time     `json:"last_run"`
	Duration    time.Duration `json:"duration"`
	Read        int64         `json:"read"`
	Emitted     int64         `json:"emitted"`
	Rejected    int64         `json:"rejected"`
	Error       string        `json:"error,omitempty"`
	FailedSteps []string      `json:"failed_steps,omitempty"`
}

// File is the JSON file format of the catalog.
type File struct {
	Version string               `json:"version"`
	Plugins []Entry              `json:"plugins"`
	Runs    map[string]RunRecord `json:"runs,omitempty"`
}
