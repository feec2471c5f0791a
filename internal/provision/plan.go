package provision

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Mischa-dev/bootstrap/internal/policy"
)

// PlanPolicy applies the tag-owner and SSH-grant transforms to doc, in that
// order. doc is not modified.
func PlanPolicy(doc *policy.Document, opts Options) (*Plan, error) {
	tag, err := policy.ParseTag(opts.Tag)
	if err != nil {
		return nil, err
	}
	owners := opts.Owners
	if len(owners) == 0 {
		owners = []string{policy.DefaultOwner}
	}

	plan := &Plan{Before: doc, Tag: tag}

	after, ownerAdded := policy.EnsureTagOwner(doc, tag, owners)
	if ownerAdded {
		plan.AddedOwners = slices.Clone(after.TagOwners[tag])
	}

	rule := policy.SSHGrant(tag, opts.GrantSource, opts.GrantUsers)
	after, ruleAdded := policy.EnsureSSHGrant(after, rule)
	if ruleAdded {
		plan.AddedRule = &rule
	}

	plan.After = after
	return plan, nil
}

// Describe summarizes the plan for humans.
func (p *Plan) Describe() string {
	if !p.Changed() {
		return fmt.Sprintf("policy already grants SSH to %s", p.Tag)
	}
	var parts []string
	if p.AddedOwners != nil {
		parts = append(parts, fmt.Sprintf("owners of %s: %s", p.Tag, strings.Join(p.AddedOwners, ", ")))
	}
	if p.AddedRule != nil {
		parts = append(parts, "ssh rule: "+p.AddedRule.String())
	}
	return strings.Join(parts, "; ")
}
