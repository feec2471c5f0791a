// Package provision grants remote SSH access to this machine through a
// tailnet.
//
// The workflow is a fixed sequence of transitions: install tooling, enroll
// the device, enable SSH, advertise the target tag, then make the tailnet
// policy own the tag and grant SSH to it. Every transition checks before it
// acts, so a run can be repeated at any time, including after a run that
// stopped part way. A failing transition stops the run; nothing already done
// is undone.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/Mischa-dev/bootstrap/internal/analyzer"
	"github.com/Mischa-dev/bootstrap/internal/policy"
	"github.com/Mischa-dev/bootstrap/internal/tailnet"
)

// Tooling installs what the workflow needs locally.
type Tooling interface {
	EnsureTools(ctx context.Context) error
	EnsureMeshClient(ctx context.Context) error
}

// Device is the local tailnet client.
type Device interface {
	Status(ctx context.Context) (*analyzer.DeviceState, error)
	Enroll(ctx context.Context, authKey string) error
	EnableSSH(ctx context.Context) error
	AdvertiseTags(ctx context.Context, tags []string) error
}

// PolicyAPI is the remote control plane.
type PolicyAPI interface {
	IssueKey(ctx context.Context, request tailnet.KeyRequest) (*tailnet.AuthKey, error)
	FetchPolicy(ctx context.Context) (*policy.Document, error)
	PushPolicy(ctx context.Context, doc *policy.Document) (*policy.Document, error)
}

// History records policy revisions.
type History interface {
	SavePolicy(ctx context.Context, tailnet string, doc *policy.Document, message string) error
}

// Options select the target tag and the principals written into the policy.
type Options struct {
	Tailnet        string
	Tag            string
	KeyDescription string
	Owners         []string
	GrantSource    []string
	GrantUsers     []string
	KeyExpiry      time.Duration
	DryRun         bool
}

// Provisioner runs the access workflow.
type Provisioner struct {
	tooling Tooling
	device  Device
	api     PolicyAPI
	history History
	opts    Options
}

type step struct {
	run   func(ctx context.Context, report *Report) (Outcome, string, error)
	state State
}

// New validates opts and returns a Provisioner.
func New(tooling Tooling, device Device, api PolicyAPI, opts Options) (*Provisioner, error) {
	tag, err := policy.ParseTag(opts.Tag)
	if err != nil {
		return nil, err
	}
	opts.Tag = tag
	if opts.KeyDescription == "" {
		opts.KeyDescription = "bootstrap"
	}
	return &Provisioner{tooling: tooling, device: device, api: api, opts: opts}, nil
}

// WithHistory records the policy before and after each push. History
// failures are logged, never fatal.
func (p *Provisioner) WithHistory(history History) *Provisioner {
	p.history = history
	return p
}

// Run executes the workflow. The report is returned even on failure; the
// error is a *StepError naming the failed transition.
func (p *Provisioner) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		Started: time.Now(),
		Tailnet: p.opts.Tailnet,
		Tag:     p.opts.Tag,
		DryRun:  p.opts.DryRun,
		Reached: Start,
	}
	defer func() { report.Elapsed = time.Since(report.Started) }()

	log.Printf("[INFO] Provisioning SSH access for %s (dry run: %v)", p.opts.Tag, p.opts.DryRun)

	steps := []step{
		{state: ToolingReady, run: p.ensureTooling},
		{state: DeviceEnrolled, run: p.ensureEnrolled},
		{state: SSHEnabled, run: p.enableSSH},
		{state: TagAdvertised, run: p.ensureTag},
		{state: PolicyUpdated, run: p.updatePolicy},
	}

	for _, s := range steps {
		start := time.Now()
		outcome, detail, err := s.run(ctx, report)
		if err == nil {
			err = ctx.Err()
		}
		elapsed := time.Since(start)

		if err != nil {
			report.Steps = append(report.Steps, StepReport{Step: s.state, Outcome: OutcomeFailed, Detail: err.Error(), Elapsed: elapsed})
			report.Reached = Failed
			report.Err = &StepError{Step: s.state, Err: err}
			log.Printf("[ERROR] Step %s failed after %v: %v", s.state, elapsed, err)
			return report, report.Err
		}

		report.Steps = append(report.Steps, StepReport{Step: s.state, Outcome: outcome, Detail: detail, Elapsed: elapsed})
		report.Reached = s.state
		log.Printf("[INFO] Step %s: %s (%s) in %v", s.state, outcome, detail, elapsed)
	}

	report.Reached = Done
	log.Printf("[INFO] Provisioning completed in %v", time.Since(report.Started))
	return report, nil
}

func (p *Provisioner) ensureTooling(ctx context.Context, _ *Report) (Outcome, string, error) {
	if p.opts.DryRun {
		return OutcomeSkipped, "tooling not checked in a dry run", nil
	}
	if err := p.tooling.EnsureTools(ctx); err != nil {
		return OutcomeFailed, "", toolingError(err)
	}
	if err := p.tooling.EnsureMeshClient(ctx); err != nil {
		return OutcomeFailed, "", toolingError(err)
	}
	return OutcomeDone, "tools installed, tailscaled running", nil
}

func toolingError(err error) error {
	if errors.Is(err, ErrToolingMissing) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrToolingMissing, err)
}

func (p *Provisioner) ensureEnrolled(ctx context.Context, _ *Report) (Outcome, string, error) {
	state, err := p.device.Status(ctx)
	if err != nil {
		if p.opts.DryRun {
			return OutcomePlanned, fmt.Sprintf("device status unavailable (%v), would enroll", err), nil
		}
		return OutcomeFailed, "", err
	}
	if state.Enrolled() {
		return OutcomeSkipped, enrolledDetail(state), nil
	}
	if p.opts.DryRun {
		return OutcomePlanned, fmt.Sprintf("would enroll device (backend %s) with a new auth key", state.BackendState), nil
	}

	key, err := p.api.IssueKey(ctx, tailnet.KeyRequest{
		Tags:          []string{p.opts.Tag},
		Reusable:      true,
		Ephemeral:     false,
		Preauthorized: true,
		Description:   p.opts.KeyDescription,
		ExpirySeconds: int(p.opts.KeyExpiry / time.Second),
	})
	if err != nil {
		return OutcomeFailed, "", err
	}
	if err := p.device.Enroll(ctx, key.Key); err != nil {
		return OutcomeFailed, "", err
	}
	return OutcomeChanged, "enrolled with " + key.String(), nil
}

func enrolledDetail(state *analyzer.DeviceState) string {
	if state.Tailnet != "" {
		return fmt.Sprintf("already enrolled as %s in %s", state.HostName, state.Tailnet)
	}
	return fmt.Sprintf("already enrolled as %s", state.HostName)
}

func (p *Provisioner) enableSSH(ctx context.Context, _ *Report) (Outcome, string, error) {
	if p.opts.DryRun {
		return OutcomePlanned, "would enable the SSH server", nil
	}
	if err := p.device.EnableSSH(ctx); err != nil {
		return OutcomeFailed, "", err
	}
	return OutcomeDone, "SSH server enabled", nil
}

func (p *Provisioner) ensureTag(ctx context.Context, _ *Report) (Outcome, string, error) {
	state, err := p.device.Status(ctx)
	if err != nil {
		if p.opts.DryRun {
			return OutcomePlanned, fmt.Sprintf("device status unavailable (%v), would advertise %s", err, p.opts.Tag), nil
		}
		return OutcomeFailed, "", err
	}
	if state.HasTag(p.opts.Tag) {
		return OutcomeSkipped, p.opts.Tag + " already advertised", nil
	}

	tags := slices.Clone(state.Tags)
	tags = append(tags, p.opts.Tag)
	if p.opts.DryRun {
		return OutcomePlanned, fmt.Sprintf("would advertise %v", tags), nil
	}
	if err := p.device.AdvertiseTags(ctx, tags); err != nil {
		return OutcomeFailed, "", err
	}
	return OutcomeChanged, fmt.Sprintf("advertising %v", tags), nil
}

func (p *Provisioner) updatePolicy(ctx context.Context, report *Report) (Outcome, string, error) {
	doc, err := p.api.FetchPolicy(ctx)
	if err != nil {
		return OutcomeFailed, "", err
	}
	plan, err := PlanPolicy(doc, p.opts)
	if err != nil {
		return OutcomeFailed, "", err
	}
	report.Plan = plan

	if !plan.Changed() {
		return OutcomeSkipped, plan.Describe(), nil
	}
	if p.opts.DryRun {
		return OutcomePlanned, "would add " + plan.Describe(), nil
	}

	p.record(ctx, doc, "Snapshot before granting SSH to "+plan.Tag)
	stored, err := p.api.PushPolicy(ctx, plan.After)
	if err != nil {
		return OutcomeFailed, "", err
	}
	p.record(ctx, stored, "Grant SSH to "+plan.Tag+": "+plan.Describe())

	return OutcomeChanged, "added " + plan.Describe(), nil
}

func (p *Provisioner) record(ctx context.Context, doc *policy.Document, message string) {
	if p.history == nil {
		return
	}
	if err := p.history.SavePolicy(ctx, p.opts.Tailnet, doc, message); err != nil {
		log.Printf("[WARN] Failed to record policy history: %v", err)
	}
}
