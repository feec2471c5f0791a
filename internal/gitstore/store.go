// Package gitstore keeps a Git history of tailnet policy documents.
package gitstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/Mischa-dev/bootstrap/internal/policy"
)

const (
	// Directory permissions.
	tailnetDirPerm = 0o750
	repoDirPerm    = 0o750
	// File permissions.
	policyFilePerm = 0o600
	// String replacement constant.
	replacementChar = "-"
	maxIDLength     = 255
	policyFileName  = "policy.json"
	infoFileName    = "info.json"
	tailnetsDir     = "tailnets"
	// Retry configuration for git operations.
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	// Git command timeout.
	gitTimeout = 30 * time.Second
)

// ErrNotFound means no policy has been stored for the tailnet.
var ErrNotFound = errors.New("policy not found")

// Revision is one commit touching a tailnet's policy.
type Revision struct {
	Time    time.Time
	Hash    string
	Message string
}

// Store provides Git-based storage for policy documents.
type Store struct {
	gitURL   string
	repoPath string
	mu       sync.Mutex
}

type info struct {
	Saved   time.Time `json:"saved"`
	Tailnet string    `json:"tailnet"`
	ETag    string    `json:"etag,omitempty"`
}

// New opens the store. A path (absolute or ./relative) is used in place and
// initialized if needed; anything else is cloned as a remote repository.
func New(ctx context.Context, gitURL string) (*Store, error) {
	s := &Store{
		repoPath: filepath.Join(os.TempDir(), fmt.Sprintf("bootstrap-history-%d", time.Now().UnixNano())),
		gitURL:   gitURL,
	}

	if err := s.initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize git store: %w", err)
	}

	log.Printf("[INFO] Git store initialized: %s (repo: %s)", gitURL, s.repoPath)
	return s, nil
}

func (s *Store) isLocal() bool {
	return strings.HasPrefix(s.gitURL, "/") || strings.HasPrefix(s.gitURL, "./")
}

func (s *Store) initialize(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isLocal() {
		s.repoPath = s.gitURL
		if _, err := os.Stat(filepath.Join(s.repoPath, ".git")); os.IsNotExist(err) {
			log.Printf("[INFO] Initializing new local git repository at %s", s.repoPath)
			if err := os.MkdirAll(s.repoPath, repoDirPerm); err != nil {
				return fmt.Errorf("failed to create repository directory: %w", err)
			}
			if err := s.runGitCommandWithRetry(ctx, "init"); err != nil {
				return fmt.Errorf("failed to init local repository: %w", err)
			}
		} else {
			log.Printf("[DEBUG] Using existing local git repository %s", s.repoPath)
		}
	} else {
		log.Printf("[INFO] Cloning remote repository: %s", s.gitURL)
		if err := s.runGitCommandInDirWithRetry(ctx, "", "clone", s.gitURL, s.repoPath); err != nil {
			return fmt.Errorf("failed to clone repository: %w", err)
		}
	}

	if err := s.runGitCommandWithRetry(ctx, "config", "user.email", "bootstrap@localhost"); err != nil {
		return err
	}
	if err := s.runGitCommandWithRetry(ctx, "config", "user.name", "bootstrap"); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(s.repoPath, tailnetsDir), repoDirPerm); err != nil {
		return fmt.Errorf("failed to create tailnets directory: %w", err)
	}

	log.Printf("[DEBUG] Git store initialization completed in %v", time.Since(start))
	return nil
}

// Path returns the working tree location.
func (s *Store) Path() string {
	return s.repoPath
}

func (s *Store) tailnetDir(tailnet string) (string, error) {
	dir := filepath.Join(s.repoPath, tailnetsDir, sanitizeID(tailnet))

	// Security: Verify the path stays within repo bounds
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve tailnet directory: %w", err)
	}
	absRepoPath, err := filepath.Abs(s.repoPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve repo path: %w", err)
	}
	if !strings.HasPrefix(absDir, absRepoPath+string(filepath.Separator)) {
		return "", errors.New("security error: path traversal detected")
	}
	return dir, nil
}

// SavePolicy writes doc as the tailnet's current policy and commits it with
// message. Git failures after the files are written are logged, not
// returned: the working tree still holds the latest document.
func (s *Store) SavePolicy(ctx context.Context, tailnet string, doc *policy.Document, message string) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.tailnetDir(tailnet)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, tailnetDirPerm); err != nil {
		return fmt.Errorf("failed to create tailnet directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}
	data = append(data, '\n')

	policyPath := filepath.Join(dir, policyFileName)
	existing, err := os.ReadFile(policyPath)
	if err != nil {
		// File doesn't exist, we'll write it
		existing = nil
	}
	if sha256.Sum256(existing) != sha256.Sum256(data) {
		if err := os.WriteFile(policyPath, data, policyFilePerm); err != nil {
			return fmt.Errorf("failed to write policy: %w", err)
		}
	}

	infoData, err := json.MarshalIndent(info{Tailnet: tailnet, ETag: doc.ETag, Saved: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal policy info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, infoFileName), infoData, policyFilePerm); err != nil {
		return fmt.Errorf("failed to write policy info: %w", err)
	}

	s.commit(ctx, tailnet, message)
	log.Printf("[DEBUG] Saved policy for %s in %v", tailnet, time.Since(start))
	return nil
}

// commit stages, commits and pushes. Failures degrade gracefully.
func (s *Store) commit(ctx context.Context, tailnet, message string) {
	if err := retry.Do(func() error {
		return s.runGitCommand(ctx, "add", "-A")
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff)); err != nil {
		log.Printf("[WARN] Git add failed for %s: %v", tailnet, err)
		return
	}

	status, err := retry.DoWithData(func() (string, error) {
		return s.runGitCommandOutput(ctx, "status", "--porcelain", "--", policyPathFor(tailnet))
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
	if err != nil {
		log.Printf("[WARN] Git status failed for %s: %v", tailnet, err)
		return
	}
	// Only info.json changed: nothing worth a commit.
	if strings.TrimSpace(status) == "" {
		log.Printf("[DEBUG] Policy for %s unchanged", tailnet)
		return
	}

	if err := retry.Do(func() error {
		return s.runGitCommand(ctx, "commit", "-m", message)
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff)); err != nil {
		log.Printf("[WARN] Git commit failed for %s: %v", tailnet, err)
		return
	}

	if !s.isLocal() {
		if err := retry.Do(func() error {
			return s.runGitCommand(ctx, "push")
		}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff)); err != nil {
			log.Printf("[WARN] Git push failed for %s: %v", tailnet, err)
		}
	}
	log.Printf("[INFO] Policy for %s committed: %s", tailnet, message)
}

// LoadPolicy returns the stored policy for tailnet with its recorded ETag.
func (s *Store) LoadPolicy(ctx context.Context, tailnet string) (*policy.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isLocal() {
		if err := retry.Do(func() error {
			return s.runGitCommand(ctx, "pull")
		}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff)); err != nil {
			log.Printf("[WARN] Git pull failed: %v (continuing with local data)", err)
		}
	}

	dir, err := s.tailnetDir(tailnet)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, policyFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w for %s", ErrNotFound, tailnet)
		}
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	doc, err := policy.Parse(data)
	if err != nil {
		return nil, err
	}

	if infoData, err := os.ReadFile(filepath.Join(dir, infoFileName)); err == nil {
		var meta info
		if err := json.Unmarshal(infoData, &meta); err != nil {
			log.Printf("[WARN] Ignoring unreadable policy info for %s: %v", tailnet, err)
		} else {
			doc.ETag = meta.ETag
		}
	}
	return doc, nil
}

// Revisions returns the most recent commits of the tailnet's policy, newest
// first.
func (s *Store) Revisions(ctx context.Context, tailnet string, limit int) ([]Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	output, err := s.runGitCommandOutput(ctx, "log", fmt.Sprintf("-n%d", limit),
		"--format=%H%x09%cI%x09%s", "--", policyPathFor(tailnet))
	if err != nil {
		// A repository without commits has no history yet.
		if strings.Contains(err.Error(), "does not have any commits") {
			return nil, nil
		}
		return nil, err
	}

	var revisions []Revision
	for line := range strings.SplitSeq(strings.TrimSpace(output), "\n") {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		when, err := time.Parse(time.RFC3339, fields[1])
		if err != nil {
			log.Printf("[DEBUG] Skipping revision with bad time %q: %v", fields[1], err)
			continue
		}
		revisions = append(revisions, Revision{Hash: fields[0], Time: when, Message: fields[2]})
	}
	return revisions, nil
}

func policyPathFor(tailnet string) string {
	return filepath.Join(tailnetsDir, sanitizeID(tailnet), policyFileName)
}

func (s *Store) runGitCommand(ctx context.Context, args ...string) error {
	return s.runGitCommandInDir(ctx, s.repoPath, args...)
}

func (s *Store) runGitCommandWithRetry(ctx context.Context, args ...string) error {
	return s.runGitCommandInDirWithRetry(ctx, s.repoPath, args...)
}

func (s *Store) runGitCommandInDirWithRetry(ctx context.Context, dir string, args ...string) error {
	return retry.Do(func() error {
		return s.runGitCommandInDir(ctx, dir, args...)
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
}

func (*Store) runGitCommandInDir(ctx context.Context, dir string, args ...string) error {
	// Add timeout to prevent hanging git operations
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	output, err := cmd.CombinedOutput()
	duration := time.Since(start)

	if err != nil {
		log.Printf("[DEBUG] Git command failed in %v: git %v (error: %v, output: %s)",
			duration, args, err, string(output))
		return fmt.Errorf("git %v failed: %w\n%s", args, err, output)
	}

	log.Printf("[DEBUG] Git command completed in %v: git %v", duration, args)
	return nil
}

func (s *Store) runGitCommandOutput(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.repoPath

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	duration := time.Since(start)

	if err != nil {
		log.Printf("[DEBUG] Git output command failed in %v: git %v (error: %v)",
			duration, args, err)
		return "", fmt.Errorf("git %v failed: %w: %s", args, err, strings.TrimSpace(stderr.String()))
	}

	log.Printf("[DEBUG] Git output command completed in %v: git %v", duration, args)
	return string(output), nil
}

// sanitizeID turns a tailnet name into a safe single path component.
func sanitizeID(id string) string {
	replacer := strings.NewReplacer(
		"/", replacementChar, "\\", replacementChar, ":", replacementChar,
		"*", replacementChar, "?", replacementChar, "\"", replacementChar,
		"<", replacementChar, ">", replacementChar, "|", replacementChar,
		" ", replacementChar,
	)
	id = replacer.Replace(id)
	for strings.Contains(id, replacementChar+replacementChar) {
		id = strings.ReplaceAll(id, replacementChar+replacementChar, replacementChar)
	}
	id = strings.Trim(id, ".-")
	if id == "" {
		return "unknown"
	}
	if len(id) > maxIDLength {
		id = id[:maxIDLength]
	}
	return id
}
