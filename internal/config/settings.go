package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	appName        = "bootstrap"
	configFileName = "config.yaml"
	// Keys are single use in practice; one day is plenty to enroll.
	defaultKeyExpiry = 24 * time.Hour
)

// Environment variables read by ApplyEnv.
const (
	EnvTailnet = "TS_TAILNET"
	EnvAPIKey  = "TS_API_KEY"
	EnvTag     = "TS_TAG"
	EnvAPIURL  = "TS_API_URL"
)

// Settings are the operator's choices for a run. Values come from defaults,
// then the config file, then the environment, then flags.
type Settings struct {
	APIURL         string        `yaml:"api_url"`
	Tailnet        string        `yaml:"tailnet"`
	APIKey         string        `yaml:"api_key"`
	Tag            string        `yaml:"tag"`
	CredentialPath string        `yaml:"credential_path"`
	HistoryRepo    string        `yaml:"history_repo"`
	Owners         []string      `yaml:"owners"`
	GrantSource    []string      `yaml:"grant_source"`
	GrantUsers     []string      `yaml:"grant_users"`
	KeyExpiry      time.Duration `yaml:"key_expiry"`
	PromptAttempts int           `yaml:"prompt_attempts"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		APIURL:         "https://api.tailscale.com/api/v2",
		CredentialPath: "/var/lib/bootstrap/admin.credential",
		Owners:         []string{"autogroup:admin"},
		GrantSource:    []string{"autogroup:member"},
		GrantUsers:     []string{"autogroup:nonroot"},
		KeyExpiry:      defaultKeyExpiry,
		PromptAttempts: 3,
	}
}

// Dir returns the configuration directory for the platform.
// os.UserConfigDir() returns:
// - macOS: ~/Library/Application Support
// - Linux/BSD: $XDG_CONFIG_HOME or ~/.config.
func Dir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(dir, appName), nil
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// Load reads the config file at path on top of the defaults. A missing file
// is only an error when required is set.
func Load(path string, required bool) (Settings, error) {
	settings := Defaults()
	if path == "" {
		return settings, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			log.Printf("[DEBUG] No config file at %s, using defaults", path)
			return settings, nil
		}
		return settings, fmt.Errorf("failed to read config file: %w", err)
	}

	var file Settings
	if err := yaml.Unmarshal(data, &file); err != nil {
		return settings, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	settings.merge(file)

	if settings.APIKey != "" {
		if info, err := os.Stat(path); err == nil && info.Mode().Perm()&0o077 != 0 {
			log.Printf("[WARN] Config file %s holds an API key but is readable by others (mode %o)", path, info.Mode().Perm())
		}
	}
	log.Printf("[DEBUG] Loaded config file %s", path)
	return settings, nil
}

// merge copies every non-zero field of other into s.
func (s *Settings) merge(other Settings) {
	setString(&s.APIURL, other.APIURL)
	setString(&s.Tailnet, other.Tailnet)
	setString(&s.APIKey, other.APIKey)
	setString(&s.Tag, other.Tag)
	setString(&s.CredentialPath, other.CredentialPath)
	setString(&s.HistoryRepo, other.HistoryRepo)
	if len(other.Owners) > 0 {
		s.Owners = other.Owners
	}
	if len(other.GrantSource) > 0 {
		s.GrantSource = other.GrantSource
	}
	if len(other.GrantUsers) > 0 {
		s.GrantUsers = other.GrantUsers
	}
	if other.KeyExpiry > 0 {
		s.KeyExpiry = other.KeyExpiry
	}
	if other.PromptAttempts > 0 {
		s.PromptAttempts = other.PromptAttempts
	}
}

// ApplyEnv overrides settings from TS_* environment variables.
func (s *Settings) ApplyEnv(getenv func(string) string) {
	setString(&s.Tailnet, getenv(EnvTailnet))
	setString(&s.APIKey, getenv(EnvAPIKey))
	setString(&s.Tag, getenv(EnvTag))
	setString(&s.APIURL, getenv(EnvAPIURL))
}

// LoadDotEnv loads variables from a .env file into the process environment
// without overriding variables that are already set. A missing file is only
// an error when required is set.
func LoadDotEnv(path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("failed to read env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	log.Printf("[DEBUG] Loaded environment from %s", path)
	return nil
}

// Validate checks the settings needed to provision access.
func (s *Settings) Validate() error {
	var missing []string
	if s.Tailnet == "" {
		missing = append(missing, "tailnet ("+EnvTailnet+")")
	}
	if s.APIKey == "" {
		missing = append(missing, "API key ("+EnvAPIKey+")")
	}
	if s.Tag == "" {
		missing = append(missing, "tag ("+EnvTag+")")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

func setString(target *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*target = value
	}
}
