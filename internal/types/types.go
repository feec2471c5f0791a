// Package types defines shared data structures for bootstrap.
package types

import "time"

// CommandResult is the captured outcome of one local command.
type CommandResult struct {
	Command  string        `json:"command"` // Redacted display form, never the raw argv
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Elevated bool          `json:"elevated"` // True if run through sudo
}

// Succeeded reports whether the command exited with status zero.
func (r CommandResult) Succeeded() bool {
	return r.ExitCode == 0
}
