// Package policy models the tailnet access-control document and the
// transforms the provisioner applies to it.
//
// Only the sections the provisioner edits are typed. Every other top-level
// field, and every unmodelled field of an SSH rule, is carried through
// decode and encode unchanged so that pushing an edited document never
// drops configuration this package does not understand.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

const (
	keyTagOwners = "tagOwners"
	keySSH       = "ssh"
)

// Document is a working copy of the remote policy.
type Document struct {
	TagOwners map[string][]string
	extra     map[string]json.RawMessage
	// ETag identifies the fetched revision. Not part of the JSON body.
	ETag string
	SSH  []Rule
}

// Parse decodes a policy document from strict JSON.
func Parse(data []byte) (*Document, error) {
	doc := &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy document: %w", err)
	}
	return doc, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Document) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("policy document must be a JSON object, got %s", bytes.TrimSpace(data))
	}

	d.TagOwners = nil
	d.SSH = nil
	if raw, ok := fields[keyTagOwners]; ok {
		if err := json.Unmarshal(raw, &d.TagOwners); err != nil {
			return fmt.Errorf("invalid %s: %w", keyTagOwners, err)
		}
		if d.TagOwners == nil {
			d.TagOwners = map[string][]string{}
		}
		delete(fields, keyTagOwners)
	}
	if raw, ok := fields[keySSH]; ok {
		if err := json.Unmarshal(raw, &d.SSH); err != nil {
			return fmt.Errorf("invalid %s: %w", keySSH, err)
		}
		if d.SSH == nil {
			d.SSH = []Rule{}
		}
		delete(fields, keySSH)
	}
	d.extra = fields
	return nil
}

// MarshalJSON implements json.Marshaler. Sections that were absent from the
// fetched document and are still empty stay absent.
func (d Document) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(d.extra)+2)
	maps.Copy(fields, d.extra)

	if d.TagOwners != nil {
		raw, err := json.Marshal(d.TagOwners)
		if err != nil {
			return nil, err
		}
		fields[keyTagOwners] = raw
	}
	if d.SSH != nil {
		raw, err := json.Marshal(d.SSH)
		if err != nil {
			return nil, err
		}
		fields[keySSH] = raw
	}
	return json.Marshal(fields)
}

// Extra returns the raw value of an unmodelled top-level field.
func (d *Document) Extra(key string) (json.RawMessage, bool) {
	raw, ok := d.extra[key]
	return raw, ok
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	clone := &Document{ETag: d.ETag}
	if d.TagOwners != nil {
		clone.TagOwners = make(map[string][]string, len(d.TagOwners))
		for tag, owners := range d.TagOwners {
			clone.TagOwners[tag] = slices.Clone(owners)
		}
	}
	if d.SSH != nil {
		clone.SSH = make([]Rule, len(d.SSH))
		for i, rule := range d.SSH {
			clone.SSH[i] = rule.Clone()
		}
	}
	if d.extra != nil {
		clone.extra = make(map[string]json.RawMessage, len(d.extra))
		for key, raw := range d.extra {
			clone.extra[key] = slices.Clone(raw)
		}
	}
	return clone
}

// Equal reports whether two documents encode to the same policy. The ETag is
// ignored.
func Equal(a, b *Document) bool {
	if a == nil || b == nil {
		return a == b
	}
	left, err := canonical(a)
	if err != nil {
		return false
	}
	right, err := canonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

// canonical re-encodes through a generic value so key order and whitespace
// inside preserved raw fields do not affect comparison.
func canonical(d *Document) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
