// Package viewmodels shapes provisioning reports and policy history for
// display.
package viewmodels

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/Mischa-dev/bootstrap/internal/gitstore"
	"github.com/Mischa-dev/bootstrap/internal/notify"
	"github.com/Mischa-dev/bootstrap/internal/provision"
)

// StepRow represents one workflow step in the report.
type StepRow struct {
	Step    string `json:"step"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
	Elapsed string `json:"elapsed"`
}

// PolicyChange summarizes what the policy step added.
type PolicyChange struct {
	Tag         string   `json:"tag"`
	AddedOwners []string `json:"added_owners,omitempty"`
	AddedRule   string   `json:"added_rule,omitempty"`
}

// RunView represents a finished run with outcome counts.
type RunView struct {
	Policy       *PolicyChange `json:"policy,omitempty"`
	Tailnet      string        `json:"tailnet"`
	Tag          string        `json:"tag"`
	Reached      string        `json:"reached"`
	Error        string        `json:"error,omitempty"`
	Message      string        `json:"message"`
	Elapsed      string        `json:"elapsed"`
	Steps        []StepRow     `json:"steps"`
	ChangedCount int           `json:"changed"`
	SkippedCount int           `json:"skipped"`
	PlannedCount int           `json:"planned"`
	FailedCount  int           `json:"failed"`
	DryRun       bool          `json:"dry_run"`
	Succeeded    bool          `json:"succeeded"`
}

// BuildRunView creates the view model for a run report.
func BuildRunView(report *provision.Report) *RunView {
	view := &RunView{
		Tailnet:   report.Tailnet,
		Tag:       report.Tag,
		Reached:   report.Reached.String(),
		DryRun:    report.DryRun,
		Succeeded: report.Err == nil,
		Elapsed:   report.Elapsed.Round(time.Millisecond).String(),
	}
	if report.Err != nil {
		view.Error = report.Err.Error()
	}

	for _, step := range report.Steps {
		switch step.Outcome {
		case provision.OutcomeChanged:
			view.ChangedCount++
		case provision.OutcomeSkipped:
			view.SkippedCount++
		case provision.OutcomePlanned:
			view.PlannedCount++
		case provision.OutcomeFailed:
			view.FailedCount++
		default: // done
		}
		view.Steps = append(view.Steps, StepRow{
			Step:    step.Step.String(),
			Outcome: string(step.Outcome),
			Detail:  step.Detail,
			Elapsed: step.Elapsed.Round(time.Millisecond).String(),
		})
	}

	if plan := report.Plan; plan != nil && plan.Changed() {
		change := &PolicyChange{Tag: plan.Tag, AddedOwners: plan.AddedOwners}
		if plan.AddedRule != nil {
			change.AddedRule = plan.AddedRule.String()
		}
		view.Policy = change
	}

	view.Message = runMessage(view)
	return view
}

func runMessage(view *RunView) string {
	switch {
	case view.FailedCount > 0:
		return fmt.Sprintf("Stopped at %s. Steps already done were kept; fix the error and run again.", view.Steps[len(view.Steps)-1].Step)
	case view.DryRun && view.PlannedCount == 0:
		return "Nothing to do. Access is already in place."
	case view.DryRun:
		return fmt.Sprintf("Dry run: %d step(s) would change something.", view.PlannedCount)
	case view.ChangedCount == 0:
		return "Nothing changed. Access was already in place."
	default:
		return fmt.Sprintf("SSH access to %s is ready.", view.Tag)
	}
}

// WriteText renders the view as status lines.
func (v *RunView) WriteText(w io.Writer) {
	title := fmt.Sprintf("Access for %s", v.Tag)
	if v.Tailnet != "" {
		title += " in " + v.Tailnet
	}
	if v.DryRun {
		title += " (dry run)"
	}
	notify.Titlef(w, "%s", title)

	for _, row := range v.Steps {
		line := fmt.Sprintf("%-15s %-8s %s", row.Step, row.Outcome, row.Detail)
		switch row.Outcome {
		case string(provision.OutcomeFailed):
			notify.Errorf(w, "%s", line)
		case string(provision.OutcomeChanged):
			notify.Changef(w, "%s", line)
		default:
			notify.Activityf(w, "%s", line)
		}
	}

	if v.Policy != nil {
		if v.Policy.AddedOwners != nil {
			notify.Infof(w, "tagOwners[%q] = %v", v.Policy.Tag, v.Policy.AddedOwners)
		}
		if v.Policy.AddedRule != "" {
			notify.Infof(w, "ssh += %s", v.Policy.AddedRule)
		}
	}

	if v.Succeeded {
		notify.Successf(w, "%s [%s]", v.Message, v.Elapsed)
	} else {
		notify.Errorf(w, "%s [%s]", v.Message, v.Elapsed)
	}
}

// WriteJSON renders the view as indented JSON.
func (v *RunView) WriteJSON(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// RevisionRow represents one policy revision.
type RevisionRow struct {
	Hash    string `json:"hash"`
	When    string `json:"when"`
	Age     string `json:"age"`
	Message string `json:"message"`
}

// BuildRevisionRows converts revisions to rows, newest first.
func BuildRevisionRows(revisions []gitstore.Revision, now time.Time) []RevisionRow {
	sorted := make([]gitstore.Revision, len(revisions))
	copy(sorted, revisions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.After(sorted[j].Time)
	})

	rows := make([]RevisionRow, 0, len(sorted))
	for _, rev := range sorted {
		hash := rev.Hash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		rows = append(rows, RevisionRow{
			Hash:    hash,
			When:    rev.Time.UTC().Format(time.RFC3339),
			Age:     formatAge(now.Sub(rev.Time)),
			Message: rev.Message,
		})
	}
	return rows
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
