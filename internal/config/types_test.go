package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mischa-dev/bootstrap/internal/config"
)

func TestParseToolingYAML(t *testing.T) {
	data, err := os.ReadFile("../../cmd/bootstrap/tooling.yaml")
	if err != nil {
		t.Fatalf("Failed to read tooling.yaml: %v", err)
	}

	tooling, err := config.ParseTooling(data)
	if err != nil {
		t.Fatalf("Failed to parse tooling.yaml: %v", err)
	}

	for _, name := range []string{"jq", "curl", "tailscale"} {
		tool, exists := tooling.Tools[name]
		if !exists {
			t.Errorf("Expected tool '%s' not found in parsed config", name)
			continue
		}
		if tool.Description() == "" {
			t.Errorf("Tool '%s' has no description", name)
		}
		if len(tool.RulesForOS("linux")) == 0 {
			t.Errorf("No Linux rules found for %s", name)
		}
		if len(tool.RulesForOS("darwin")) == 0 {
			t.Errorf("No macOS rules found for %s", name)
		}
	}

	service, exists := tooling.Services["tailscaled"]
	if !exists {
		t.Fatal("Expected service 'tailscaled' not found")
	}
	rules := service.RulesForOS("linux")
	if len(rules) == 0 {
		t.Fatal("No Linux rules for tailscaled")
	}
	systemd := rules[0]
	if systemd.Requires != "systemctl" {
		t.Errorf("First tailscaled rule requires %q, want systemctl", systemd.Requires)
	}
	if !systemd.Privileged {
		t.Error("Starting tailscaled should be privileged")
	}
	if len(systemd.Check) == 0 || systemd.Excludes == "" {
		t.Error("tailscaled rule should carry a check")
	}
}

func TestRulesForOSPriority(t *testing.T) {
	definition := config.Definition{
		"description": "example",
		"binary":      "ex",
		"linux": []any{
			map[string]any{"run": []any{"linux-cmd"}},
		},
		"freebsd,openbsd": []any{
			map[string]any{"run": "bsd-cmd --flag", "privileged": true},
		},
		"unix": []any{
			map[string]any{"run": []any{"unix-cmd"}},
		},
		"all": []any{
			map[string]any{"run": []any{"all-cmd"}},
		},
	}

	tests := []struct {
		osName   string
		expected string
	}{
		{"linux", "linux-cmd"},
		{"freebsd", "bsd-cmd"},
		{"openbsd", "bsd-cmd"},
		{"darwin", "unix-cmd"},
		{"windows", "all-cmd"},
	}

	for _, tt := range tests {
		t.Run(tt.osName, func(t *testing.T) {
			rules := definition.RulesForOS(tt.osName)
			require.NotEmpty(t, rules)
			assert.Equal(t, tt.expected, rules[0].Run[0])
		})
	}

	bsd := definition.RulesForOS("freebsd")[0]
	assert.Equal(t, []string{"bsd-cmd", "--flag"}, bsd.Run)
	assert.True(t, bsd.Privileged)
	assert.Equal(t, "ex", definition.Binary("example"))
	assert.Equal(t, "fallback", config.Definition{}.Binary("fallback"))
}

func TestRuleParsing(t *testing.T) {
	definition := config.Definition{
		"linux": []any{
			map[any]any{
				"requires":    "systemctl",
				"check":       []any{"systemctl", "is-active", "svc"},
				"excludes":    "^active$",
				"includes":    "failed",
				"exitcode":    3,
				"run":         []any{"systemctl", "start", "svc"},
				"privileged":  true,
				"remediation": "start it by hand",
			},
			map[string]any{"requires": "nothing-to-run"},
			"not a map",
		},
	}

	rules := definition.RulesForOS("linux")
	require.Len(t, rules, 1)
	rule := rules[0]
	assert.Equal(t, "systemctl", rule.Requires)
	assert.Equal(t, []string{"systemctl", "is-active", "svc"}, rule.Check)
	assert.Equal(t, "^active$", rule.Excludes)
	assert.Equal(t, "failed", rule.Includes)
	require.NotNil(t, rule.ExitCode)
	assert.Equal(t, 3, *rule.ExitCode)
	assert.Equal(t, []string{"start it by hand"}, rule.Remediation)
	assert.True(t, rule.Privileged)
}

func TestParseToolingNestedRules(t *testing.T) {
	tooling, err := config.ParseTooling([]byte(`
tools:
  jq:
    description: JSON processor
    linux:
      - requires: apt-get
        run: [apt-get, install, -y, jq]
        privileged: true
services:
  svc:
    linux:
      - check: [systemctl, is-active, svc]
        exitcode: 3
        run: [systemctl, start, svc]
`))
	require.NoError(t, err)

	rules := tooling.Tools["jq"].RulesForOS("linux")
	require.Len(t, rules, 1)
	assert.Equal(t, "apt-get", rules[0].Requires)
	assert.Equal(t, []string{"apt-get", "install", "-y", "jq"}, rules[0].Run)
	assert.True(t, rules[0].Privileged)

	service := tooling.Services["svc"].RulesForOS("linux")
	require.Len(t, service, 1)
	require.NotNil(t, service[0].ExitCode)
	assert.Equal(t, 3, *service[0].ExitCode)

	nested := config.Definition{"linux": []any{config.Definition{"run": []any{"true"}}}}
	assert.Len(t, nested.RulesForOS("linux"), 1)
}

func TestParseToolingRejectsEmpty(t *testing.T) {
	_, err := config.ParseTooling([]byte("other: 1\n"))
	require.Error(t, err)
	_, err = config.ParseTooling([]byte("tools: [\n"))
	require.Error(t, err)
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
tailnet: example.com
tag: net-share
grant_users: [ubuntu]
key_expiry: 2h
prompt_attempts: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	settings, err := config.Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, "example.com", settings.Tailnet)
	assert.Equal(t, "net-share", settings.Tag)
	assert.Equal(t, []string{"ubuntu"}, settings.GrantUsers)
	assert.Equal(t, 2*time.Hour, settings.KeyExpiry)
	assert.Equal(t, 5, settings.PromptAttempts)
	// Unset values keep their defaults.
	assert.Equal(t, []string{"autogroup:admin"}, settings.Owners)
	assert.Equal(t, []string{"autogroup:member"}, settings.GrantSource)
	assert.Equal(t, config.Defaults().APIURL, settings.APIURL)
}

func TestLoadSettingsMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	settings, err := config.Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, config.Defaults(), settings)

	_, err = config.Load(path, true)
	require.Error(t, err)
}

func TestLoadSettingsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tailnet: [unterminated\n"), 0o600))

	_, err := config.Load(path, true)
	require.Error(t, err)
}

func TestApplyEnvOverridesFile(t *testing.T) {
	settings := config.Defaults()
	settings.Tailnet = "from-file.com"
	settings.Tag = "from-file"

	env := map[string]string{
		config.EnvTailnet: "from-env.com",
		config.EnvAPIKey:  "tskey-api-env",
		config.EnvTag:     "  ",
	}
	settings.ApplyEnv(func(key string) string { return env[key] })

	assert.Equal(t, "from-env.com", settings.Tailnet)
	assert.Equal(t, "tskey-api-env", settings.APIKey)
	assert.Equal(t, "from-file", settings.Tag, "blank variables do not override")
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TS_TAG=from-dotenv\n"), 0o600))
	t.Setenv(config.EnvTag, "")
	require.NoError(t, os.Unsetenv(config.EnvTag))

	require.NoError(t, config.LoadDotEnv(path, true))
	assert.Equal(t, "from-dotenv", os.Getenv(config.EnvTag))

	require.NoError(t, config.LoadDotEnv(filepath.Join(t.TempDir(), "missing"), false))
	require.Error(t, config.LoadDotEnv(filepath.Join(t.TempDir(), "missing"), true))
}

func TestValidate(t *testing.T) {
	settings := config.Defaults()
	err := settings.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.EnvTailnet)
	assert.Contains(t, err.Error(), config.EnvAPIKey)
	assert.Contains(t, err.Error(), config.EnvTag)

	settings.Tailnet = "example.com"
	settings.APIKey = "key"
	settings.Tag = "net-share"
	assert.NoError(t, settings.Validate())
}
