// Package analyzer interprets command output: readiness checks from the
// tooling rules and the Tailscale client's status report.
package analyzer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Mischa-dev/bootstrap/internal/config"
	"github.com/Mischa-dev/bootstrap/internal/types"
)

// Finding is the verdict on one check.
type Finding struct {
	Reason      string
	Remediation []string
	Failed      bool
}

// Evaluate analyzes a check result against the rule's criteria. A rule with
// no criteria passes when the command exits zero.
func Evaluate(result types.CommandResult, rule config.Rule) (Finding, error) {
	content := result.Stdout + result.Stderr

	// Includes: fail if ANY line matches, like grep
	if rule.Includes != "" {
		includesRegex, err := regexp.Compile("(?im)" + rule.Includes)
		if err != nil {
			return Finding{}, fmt.Errorf("invalid includes regex: %w", err)
		}
		if includesRegex.MatchString(content) {
			return failed(rule, "Output matched failure pattern: %s", rule.Includes), nil
		}
	}

	// Excludes: fail if NO line matches, like grep -q
	if rule.Excludes != "" {
		excludesRegex, err := regexp.Compile("(?im)" + rule.Excludes)
		if err != nil {
			return Finding{}, fmt.Errorf("invalid excludes regex: %w", err)
		}
		if !excludesRegex.MatchString(trimLines(content)) {
			return failed(rule, "Output missing required pattern: %s", rule.Excludes), nil
		}
	}

	if rule.ExitCode != nil {
		if result.ExitCode == *rule.ExitCode {
			return failed(rule, "Exit code %d indicates failure", result.ExitCode), nil
		}
	} else if rule.Includes == "" && rule.Excludes == "" && !result.Succeeded() {
		return failed(rule, "Exit code %d indicates failure", result.ExitCode), nil
	}

	return Finding{Reason: "Check passed"}, nil
}

func failed(rule config.Rule, format string, args ...any) Finding {
	return Finding{
		Failed:      true,
		Reason:      fmt.Sprintf(format, args...),
		Remediation: rule.Remediation,
	}
}

// trimLines strips trailing whitespace and carriage returns from each line so
// anchored patterns match.
func trimLines(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.Join(lines, "\n")
}
