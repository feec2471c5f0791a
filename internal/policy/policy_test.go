package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTag(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"net-share", "tag:net-share"},
		{"tag:net-share", "tag:net-share"},
		{"  Net-Share\n", "tag:net-share"},
		{"TAG:Server", "tag:server"},
		{"", ""},
		{"   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeTag(tt.input))
		})
	}
}

func TestIsValidTagName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"net-share", true},
		{"a", true},
		{"server01", true},
		{"", false},
		{"1server", false},
		{"-server", false},
		{"net_share", false},
		{"net share", false},
		{"NetShare", false},
		{"tag:net", false},
		{"../etc", false},
		{string(make([]byte, 129)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidTagName(tt.name))
		})
	}
}

func TestParseTag(t *testing.T) {
	tag, err := ParseTag(" Net-Share ")
	require.NoError(t, err)
	assert.Equal(t, "tag:net-share", tag)
	assert.Equal(t, "net-share", TagName(tag))

	_, err = ParseTag("tag:bad name")
	require.Error(t, err)
	_, err = ParseTag("")
	require.Error(t, err)
}

func TestEnsureTagOwnerOnEmptyDocument(t *testing.T) {
	doc, err := Parse([]byte(`{}`))
	require.NoError(t, err)

	updated, changed := EnsureTagOwner(doc, "net-share", nil)
	require.True(t, changed)
	assert.Equal(t, map[string][]string{"tag:net-share": {"autogroup:admin"}}, updated.TagOwners)

	data, err := json.Marshal(updated)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tagOwners":{"tag:net-share":["autogroup:admin"]}}`, string(data))

	// The input is left untouched.
	assert.Nil(t, doc.TagOwners)
}

func TestEnsureTagOwnerPreservesExisting(t *testing.T) {
	tests := []struct {
		name   string
		owners []string
	}{
		{"different owners", []string{"alice@example.com"}},
		{"several owners", []string{"group:ops", "bob@example.com"}},
		{"same owners", []string{"autogroup:admin"}},
		{"empty list", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := &Document{TagOwners: map[string][]string{"tag:net-share": tt.owners}}

			updated, changed := EnsureTagOwner(doc, "tag:net-share", []string{"autogroup:admin"})
			assert.False(t, changed)
			assert.Equal(t, tt.owners, updated.TagOwners["tag:net-share"])
		})
	}
}

func TestEnsureSSHGrantDedup(t *testing.T) {
	existing := `{
		"ssh": [
			{"action": "accept", "src": ["a@x.com"], "dst": ["tag:net-share"], "users": ["autogroup:nonroot"], "checkPeriod": "12h"}
		]
	}`
	doc, err := Parse([]byte(existing))
	require.NoError(t, err)

	rule := SSHGrant("net-share", []string{"a@x.com"}, nil)
	updated, changed := EnsureSSHGrant(doc, rule)
	assert.False(t, changed)
	assert.Len(t, updated.SSH, 1)
	assert.True(t, Equal(doc, updated))
}

func TestEnsureSSHGrantExactMatchOnly(t *testing.T) {
	target := SSHGrant("tag:net-share", nil, nil)

	tests := []struct {
		name    string
		rule    Rule
		changed bool
	}{
		{
			name:    "identical",
			rule:    Rule{Action: "accept", Src: []string{"autogroup:member"}, Dst: []string{"tag:net-share"}, Users: []string{"autogroup:nonroot"}},
			changed: false,
		},
		{
			name:    "reordered and duplicated lists",
			rule:    Rule{Action: "accept", Src: []string{"autogroup:member", "autogroup:member"}, Dst: []string{"tag:net-share"}, Users: []string{"autogroup:nonroot"}},
			changed: false,
		},
		{
			name:    "superset of users",
			rule:    Rule{Action: "accept", Src: []string{"autogroup:member"}, Dst: []string{"tag:net-share"}, Users: []string{"autogroup:nonroot", "root"}},
			changed: true,
		},
		{
			name:    "check action",
			rule:    Rule{Action: "check", Src: []string{"autogroup:member"}, Dst: []string{"tag:net-share"}, Users: []string{"autogroup:nonroot"}},
			changed: true,
		},
		{
			name:    "other destination",
			rule:    Rule{Action: "accept", Src: []string{"autogroup:member"}, Dst: []string{"tag:web"}, Users: []string{"autogroup:nonroot"}},
			changed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := &Document{SSH: []Rule{tt.rule}}
			updated, changed := EnsureSSHGrant(doc, target)
			assert.Equal(t, tt.changed, changed)
			if tt.changed {
				require.Len(t, updated.SSH, 2)
				assert.True(t, updated.SSH[1].SameGrant(target))
			} else {
				assert.Len(t, updated.SSH, 1)
			}
			assert.Len(t, doc.SSH, 1, "input must not be modified")
		})
	}
}

func TestTransformsAreIdempotent(t *testing.T) {
	doc, err := Parse([]byte(`{"acls":[{"action":"accept","src":["*"],"dst":["*:*"]}]}`))
	require.NoError(t, err)
	rule := SSHGrant("net-share", nil, nil)

	once, _ := EnsureTagOwner(doc, "net-share", nil)
	once, _ = EnsureSSHGrant(once, rule)

	twice, ownerChanged := EnsureTagOwner(once, "net-share", nil)
	twice, grantChanged := EnsureSSHGrant(twice, rule)

	assert.False(t, ownerChanged)
	assert.False(t, grantChanged)
	assert.True(t, Equal(once, twice))
	assert.False(t, Equal(doc, once))
}

func TestDocumentPreservesUnknownFields(t *testing.T) {
	input := `{
		"acls": [{"action": "accept", "src": ["*"], "dst": ["*:*"]}],
		"groups": {"group:ops": ["alice@example.com"]},
		"tagOwners": {"tag:web": ["group:ops"]},
		"ssh": [{"action": "check", "src": ["group:ops"], "dst": ["tag:web"], "users": ["root"], "checkPeriod": "12h"}],
		"nodeAttrs": [{"target": ["*"], "attr": ["funnel"]}]
	}`
	doc, err := Parse([]byte(input))
	require.NoError(t, err)

	updated, _ := EnsureTagOwner(doc, "net-share", nil)
	updated, _ = EnsureSSHGrant(updated, SSHGrant("net-share", nil, nil))

	data, err := json.Marshal(updated)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "acls")
	assert.Contains(t, decoded, "groups")
	assert.Contains(t, decoded, "nodeAttrs")

	rules, ok := decoded["ssh"].([]any)
	require.True(t, ok)
	require.Len(t, rules, 2)
	first, ok := rules[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "12h", first["checkPeriod"])

	raw, ok := updated.Extra("groups")
	require.True(t, ok)
	assert.JSONEq(t, `{"group:ops":["alice@example.com"]}`, string(raw))
}

func TestParseRejectsNonObject(t *testing.T) {
	for _, input := range []string{`null`, `[]`, `"x"`, `{"ssh": {}}`, `{"tagOwners": []}`} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestEqualIgnoresFormattingAndETag(t *testing.T) {
	a, err := Parse([]byte(`{"groups": {"group:a": ["x"]}, "tagOwners": {}}`))
	require.NoError(t, err)
	b, err := Parse([]byte(`{"tagOwners":{},"groups":{"group:a":["x"]}}`))
	require.NoError(t, err)
	a.ETag = "one"
	b.ETag = "two"

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, nil))
	assert.True(t, Equal(nil, nil))
}
