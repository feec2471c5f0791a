package policy

import (
	"fmt"
	"strings"
)

// TagPrefix marks a principal as a tag.
const TagPrefix = "tag:"

const maxTagNameLength = 128

// NormalizeTag returns the canonical tag:<name> form of tag.
func NormalizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return ""
	}
	if !strings.HasPrefix(tag, TagPrefix) {
		tag = TagPrefix + tag
	}
	return tag
}

// TagName strips the tag: prefix.
func TagName(tag string) string {
	return strings.TrimPrefix(NormalizeTag(tag), TagPrefix)
}

// IsValidTagName validates the name part of a tag.
func IsValidTagName(name string) bool {
	// Security: tags end up in command arguments and the policy document
	if name == "" || len(name) > maxTagNameLength {
		return false
	}
	if name[0] < 'a' || name[0] > 'z' {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') &&
			(r < '0' || r > '9') &&
			r != '-' {
			return false
		}
	}
	return true
}

// ParseTag normalizes and validates tag.
func ParseTag(tag string) (string, error) {
	normalized := NormalizeTag(tag)
	if !IsValidTagName(strings.TrimPrefix(normalized, TagPrefix)) {
		return "", fmt.Errorf("invalid tag %q: use letters, digits and dashes, starting with a letter", tag)
	}
	return normalized, nil
}
