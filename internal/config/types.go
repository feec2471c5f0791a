// Package config defines the tooling rules and operator settings for bootstrap.
package config

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tooling is the tooling.yaml document: how to install each required tool
// and how to bring up each required service, per operating system.
type Tooling struct {
	Tools    map[string]Definition `yaml:"tools"`
	Services map[string]Definition `yaml:"services"`
}

// Definition is a map of OS names to rules. The key can be:
// - "description" for a human readable description
// - "binary" for the executable that proves a tool is installed
// - An OS name like "linux", "darwin", "freebsd"
// - A comma-separated list like "linux,freebsd"
// - "unix" for all Unix-like systems
// - "all" for all systems.
type Definition map[string]any

// Rule is one way of installing a tool or starting a service.
type Rule struct {
	// Requires names an executable that must be on PATH for the rule to apply,
	// typically the package manager.
	Requires string
	// Check is run first when set. If its output passes evaluation the rule
	// is already satisfied and Run is skipped.
	Check []string
	// Run is the argv to execute.
	Run []string

	// Evaluation criteria for Check (all are optional)
	Includes string // Regex - fail if matches
	Excludes string // Regex - fail if doesn't match
	ExitCode *int   // Fail if exit code matches

	Remediation []string
	Privileged  bool
}

// ParseTooling decodes a tooling document.
func ParseTooling(data []byte) (*Tooling, error) {
	var tooling Tooling
	if err := yaml.Unmarshal(data, &tooling); err != nil {
		return nil, fmt.Errorf("failed to parse tooling rules: %w", err)
	}
	if len(tooling.Tools) == 0 && len(tooling.Services) == 0 {
		return nil, errors.New("tooling rules define no tools or services")
	}
	return &tooling, nil
}

// Description returns the description entry, if any.
func (d Definition) Description() string {
	description, _ := d["description"].(string)
	return description
}

// Binary returns the executable that proves the tool is installed, falling
// back to name.
func (d Definition) Binary(name string) string {
	if binary, ok := d["binary"].(string); ok && binary != "" {
		return binary
	}
	return name
}

// RulesForOS returns the rules for a specific OS.
// Priority order:
// 1. Exact OS match (e.g., "freebsd")
// 2. Comma-separated match (e.g., "linux,freebsd")
// 3. Unix (for all Unix-like systems)
// 4. All (works on any OS).
func (d Definition) RulesForOS(osName string) []Rule {
	if rules := d.parseRules(osName); rules != nil {
		return rules
	}

	for key := range d {
		if !strings.Contains(key, ",") {
			continue
		}
		for part := range strings.SplitSeq(key, ",") {
			if strings.TrimSpace(part) == osName {
				if rules := d.parseRules(key); rules != nil {
					return rules
				}
				break
			}
		}
	}

	if osName != "windows" {
		if rules := d.parseRules("unix"); rules != nil {
			return rules
		}
	}

	return d.parseRules("all")
}

// parseRules converts the raw YAML data into a Rule slice.
func (d Definition) parseRules(key string) []Rule {
	slice, ok := d[key].([]any)
	if !ok || len(slice) == 0 {
		return nil
	}

	var rules []Rule
	for _, item := range slice {
		var ruleMap map[string]any
		switch m := item.(type) {
		case Definition:
			// yaml.v3 decodes nested maps as the parent's map type
			ruleMap = map[string]any(m)
		case map[string]any:
			ruleMap = m
		case map[any]any:
			ruleMap = make(map[string]any)
			for k, v := range m {
				if ks, ok := k.(string); ok {
					ruleMap[ks] = v
				}
			}
		default:
			continue
		}

		rule := Rule{
			Run:   stringList(ruleMap["run"]),
			Check: stringList(ruleMap["check"]),
		}
		if remediation, ok := ruleMap["remediation"].(string); ok {
			rule.Remediation = []string{remediation}
		} else {
			rule.Remediation = stringList(ruleMap["remediation"])
		}
		if requires, ok := ruleMap["requires"].(string); ok {
			rule.Requires = requires
		}
		if privileged, ok := ruleMap["privileged"].(bool); ok {
			rule.Privileged = privileged
		}
		if includes, ok := ruleMap["includes"].(string); ok {
			rule.Includes = includes
		}
		if excludes, ok := ruleMap["excludes"].(string); ok {
			rule.Excludes = excludes
		}
		// exitcode may be unmarshaled as different numeric types
		if exitCode := ruleMap["exitcode"]; exitCode != nil {
			switch v := exitCode.(type) {
			case int:
				rule.ExitCode = &v
			case int64:
				i := int(v)
				rule.ExitCode = &i
			case float64:
				i := int(v)
				rule.ExitCode = &i
			}
		}

		// Only rules that do something
		if len(rule.Run) > 0 {
			rules = append(rules, rule)
		}
	}

	return rules
}

// stringList accepts either a YAML sequence of strings or a single string.
// A single string is split on whitespace and must not rely on shell quoting.
func stringList(value any) []string {
	switch v := value.(type) {
	case string:
		return strings.Fields(v)
	case []any:
		list := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				list = append(list, s)
			}
		}
		return list
	default:
		return nil
	}
}
