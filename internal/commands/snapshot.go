package commands

import "time"

// Snapshot is the polling view of one command. Status, Output and EndTime are
// omitted while the command is still running.
type Snapshot struct {
	ID       int32   `json:"id"`
	Finished bool    `json:"finished"`
	Metadata any     `json:"metadata"`
	EndTime  *int64  `json:"endTime,omitempty"`
	Status   *int32  `json:"status,omitempty"`
	Output   *string `json:"output,omitempty"`
}

// Result is the full state of a command handed to sinks.
type Result struct {
	ID          int32     `json:"id"`
	CommandLine string    `json:"command_line"`
	Source      string    `json:"source,omitempty"`
	Detached    bool      `json:"detached"`
	Metadata    any       `json:"metadata,omitempty"`
	Running     bool      `json:"running"`
	Status      int32     `json:"status"`
	Output      string    `json:"output"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time,omitzero"`
}

// Duration returns the command's wall time, or zero while it is running.
func (r Result) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
