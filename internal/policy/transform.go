package policy

import "slices"

// Defaults used when the operator does not name principals.
const (
	DefaultOwner       = "autogroup:admin"
	DefaultGrantSource = "autogroup:member"
	DefaultGrantUser   = "autogroup:nonroot"
)

// SSHGrant builds the rule that lets src reach tag as users.
func SSHGrant(tag string, src, users []string) Rule {
	if len(src) == 0 {
		src = []string{DefaultGrantSource}
	}
	if len(users) == 0 {
		users = []string{DefaultGrantUser}
	}
	return Rule{
		Action: ActionAccept,
		Src:    slices.Clone(src),
		Dst:    []string{NormalizeTag(tag)},
		Users:  slices.Clone(users),
	}
}

// EnsureTagOwner returns a copy of doc in which tag has an owners entry. An
// existing entry is kept as is, even if it differs from owners. doc is not
// modified.
func EnsureTagOwner(doc *Document, tag string, owners []string) (*Document, bool) {
	tag = NormalizeTag(tag)
	out := doc.Clone()
	if out == nil {
		out = &Document{}
	}
	if _, ok := out.TagOwners[tag]; ok {
		return out, false
	}
	if len(owners) == 0 {
		owners = []string{DefaultOwner}
	}
	if out.TagOwners == nil {
		out.TagOwners = map[string][]string{}
	}
	out.TagOwners[tag] = slices.Clone(owners)
	return out, true
}

// EnsureSSHGrant returns a copy of doc containing rule. The rule is appended
// only if no existing rule grants exactly the same access. doc is not
// modified.
func EnsureSSHGrant(doc *Document, rule Rule) (*Document, bool) {
	out := doc.Clone()
	if out == nil {
		out = &Document{}
	}
	if FindGrant(out, rule) >= 0 {
		return out, false
	}
	out.SSH = append(out.SSH, rule.Clone())
	return out, true
}

// FindGrant returns the index of the first rule in doc granting exactly the
// same access as rule, or -1.
func FindGrant(doc *Document, rule Rule) int {
	if doc == nil {
		return -1
	}
	return slices.IndexFunc(doc.SSH, rule.SameGrant)
}
