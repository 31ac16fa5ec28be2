// result.go defines the command execution result structure.
package executor

import "time"

// Result holds the outcome of one shell command execution.
type Result struct {
	// ExitCode is the process exit code. -1 indicates timeout or signal death.
	ExitCode int `json:"exit_code"`

	// Output is the combined stdout and stderr. Always empty for detached runs.
	Output string `json:"output"`

	// Duration is how long the command took to execute.
	Duration time.Duration `json:"duration_ms"`

	// TimedOut is true if the command was killed because it exceeded the runtime limit.
	TimedOut bool `json:"timed_out"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`
}

// DurationMs returns the duration in milliseconds for JSON serialization.
func (r *Result) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// Succeeded reports whether the command exited with status 0 and was not killed.
func (r *Result) Succeeded() bool {
	return r.ExitCode == 0 && !r.TimedOut
}
