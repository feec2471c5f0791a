package provision

import (
	"errors"
	"fmt"
)

// State is a point in the provisioning workflow.
type State int

// States in the order they are reached.
const (
	Start State = iota
	ToolingReady
	DeviceEnrolled
	SSHEnabled
	TagAdvertised
	PolicyUpdated
	Done
	Failed
)

var stateNames = [...]string{
	Start:          "start",
	ToolingReady:   "tooling-ready",
	DeviceEnrolled: "device-enrolled",
	SSHEnabled:     "ssh-enabled",
	TagAdvertised:  "tag-advertised",
	PolicyUpdated:  "policy-updated",
	Done:           "done",
	Failed:         "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// ErrToolingMissing means a required tool or service could not be installed
// or started.
var ErrToolingMissing = errors.New("required tooling missing")

// StepError reports the step whose transition failed.
type StepError struct {
	Err  error
	Step State
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
