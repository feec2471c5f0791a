package policy

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ActionAccept grants the session without re-authentication.
const ActionAccept = "accept"

var ruleKeys = []string{"action", "src", "dst", "users"}

// Rule is one entry of the ssh section. Fields such as checkPeriod or
// acceptEnv are preserved but play no part in identity.
type Rule struct {
	extra  map[string]json.RawMessage
	Action string
	Src    []string
	Dst    []string
	Users  []string
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("ssh rule must be a JSON object, got %s", strings.TrimSpace(string(data)))
	}

	*r = Rule{}
	targets := []any{&r.Action, &r.Src, &r.Dst, &r.Users}
	for i, key := range ruleKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, targets[i]); err != nil {
			return fmt.Errorf("invalid ssh rule %s: %w", key, err)
		}
		delete(fields, key)
	}
	if len(fields) > 0 {
		r.extra = fields
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r Rule) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(r.extra)+len(ruleKeys))
	for key, raw := range r.extra {
		fields[key] = raw
	}
	fields["action"] = r.Action
	fields["src"] = nonNil(r.Src)
	fields["dst"] = nonNil(r.Dst)
	fields["users"] = nonNil(r.Users)
	return json.Marshal(fields)
}

// Clone returns a deep copy.
func (r Rule) Clone() Rule {
	clone := Rule{
		Action: r.Action,
		Src:    slices.Clone(r.Src),
		Dst:    slices.Clone(r.Dst),
		Users:  slices.Clone(r.Users),
	}
	if r.extra != nil {
		clone.extra = maps.Clone(r.extra)
	}
	return clone
}

// SameGrant reports whether r and other grant exactly the same access: equal
// action, and equal source, destination and user sets. A rule covering a
// superset or subset of another is not the same grant.
func (r Rule) SameGrant(other Rule) bool {
	return r.Action == other.Action &&
		sameSet(r.Src, other.Src) &&
		sameSet(r.Dst, other.Dst) &&
		sameSet(r.Users, other.Users)
}

func (r Rule) String() string {
	return fmt.Sprintf("%s src=[%s] dst=[%s] users=[%s]", r.Action,
		strings.Join(r.Src, ","), strings.Join(r.Dst, ","), strings.Join(r.Users, ","))
}

func sameSet(a, b []string) bool {
	left, right := setOf(a), setOf(b)
	return slices.Equal(left, right)
}

func setOf(values []string) []string {
	set := slices.Clone(values)
	slices.Sort(set)
	return slices.Compact(set)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
