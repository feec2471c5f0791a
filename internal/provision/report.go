package provision

import (
	"time"

	"github.com/Mischa-dev/bootstrap/internal/policy"
)

// Outcome describes what a step did.
type Outcome string

// Step outcomes.
const (
	// OutcomeDone means the step ran and the target state already held or
	// was applied by a command that is always run.
	OutcomeDone Outcome = "done"
	// OutcomeChanged means the step modified the device or the policy.
	OutcomeChanged Outcome = "changed"
	// OutcomeSkipped means the target state already held.
	OutcomeSkipped Outcome = "skipped"
	// OutcomePlanned means a dry run found work to do and did not do it.
	OutcomePlanned Outcome = "planned"
	// OutcomeFailed means the step failed and the workflow stopped.
	OutcomeFailed Outcome = "failed"
)

// StepReport is the result of one transition.
type StepReport struct {
	Step    State
	Outcome Outcome
	Detail  string
	Elapsed time.Duration
}

// Report is the record of one run. It is returned even when the run fails.
type Report struct {
	Started time.Time
	Err     error
	// Plan is the policy change computed in the policy step, if reached.
	Plan    *Plan
	Tailnet string
	Tag     string
	Steps   []StepReport
	Elapsed time.Duration
	// Reached is the last state successfully reached, or Failed.
	Reached State
	DryRun  bool
}

// Changed reports whether any step modified the device or the policy.
func (r *Report) Changed() bool {
	for _, step := range r.Steps {
		if step.Outcome == OutcomeChanged {
			return true
		}
	}
	return false
}

// LastReached returns the last state a step completed, even after a failure.
func (r *Report) LastReached() State {
	last := Start
	for _, step := range r.Steps {
		if step.Outcome == OutcomeFailed {
			break
		}
		last = step.Step
	}
	return last
}

// Plan is the outcome of applying the policy transforms to a document.
type Plan struct {
	Before *policy.Document
	After  *policy.Document
	// AddedOwners is set when the tag had no owners entry.
	AddedOwners []string
	// AddedRule is set when no equivalent SSH grant existed.
	AddedRule *policy.Rule
	Tag       string
}

// Changed reports whether the plan modifies the document.
func (p *Plan) Changed() bool {
	return p.AddedOwners != nil || p.AddedRule != nil
}
