// Package credential persists and caches the administrator credential used
// to elevate local commands.
//
// The credential is obtained at most once per process: from the in-memory
// cache, from the root-only persisted file when elevation is already
// possible without it, or from the operator. An operator-entered value is
// verified with a zero-effect sudo probe before it is persisted and cached.
// The value is never logged or echoed.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/Mischa-dev/bootstrap/internal/secret"
)

const (
	// DefaultPath is where the credential is persisted.
	DefaultPath = "/var/lib/bootstrap/admin.credential"
	// DefaultMaxAttempts bounds interactive prompts per Get.
	DefaultMaxAttempts = 3
	// Pause between a rejected entry and the next prompt.
	retryDelay  = 1 * time.Second
	promptLabel = "Administrator password: "
)

var (
	// ErrVerificationFailed means an entered credential was rejected by the
	// privileged probe. The operator may try again.
	ErrVerificationFailed = errors.New("credential verification failed")
	// ErrTooManyAttempts means every allowed prompt was rejected.
	ErrTooManyAttempts = errors.New("too many failed credential attempts")
)

// Elevator verifies credentials and accesses root-only files.
type Elevator interface {
	IsPrivileged() bool
	CanElevate(ctx context.Context) bool
	Verify(ctx context.Context, credential *secret.Buffer) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, credential *secret.Buffer) error
	RemoveFile(ctx context.Context, path string, credential *secret.Buffer) error
}

// Prompter asks the operator for a secret without echoing it.
type Prompter interface {
	Prompt(ctx context.Context, label string) ([]byte, error)
}

// Options configures a Store.
type Options struct {
	Path        string
	MaxAttempts int
	RetryDelay  time.Duration
}

// Store owns the persisted and cached forms of the credential.
type Store struct {
	elevator    Elevator
	prompter    Prompter
	cache       *secret.Buffer
	path        string
	retryDelay  time.Duration
	maxAttempts int
	prompts     int
	mu          sync.Mutex
}

// New creates an empty Store. Nothing is read until Get is called.
func New(elevator Elevator, prompter Prompter, opts Options) *Store {
	s := &Store{
		elevator:    elevator,
		prompter:    prompter,
		path:        opts.Path,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
	}
	if s.path == "" {
		s.path = DefaultPath
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.retryDelay <= 0 {
		s.retryDelay = retryDelay
	}
	return s
}

// Path returns the persisted credential location.
func (s *Store) Path() string {
	return s.path
}

// Has reports whether a persisted credential file exists.
func (s *Store) Has() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Cached reports whether the credential is already held in memory.
func (s *Store) Cached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache != nil
}

// Prompts returns how many times the operator has been prompted.
func (s *Store) Prompts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts
}

// Get returns the credential. The buffer remains owned by the Store and is
// released by Close.
func (s *Store) Get(ctx context.Context) (*secret.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil {
		return s.cache, nil
	}

	if s.Has() && (s.elevator.IsPrivileged() || s.elevator.CanElevate(ctx)) {
		buffer, err := s.readPersisted(ctx)
		if err == nil {
			log.Printf("[DEBUG] Loaded administrator credential from %s", s.path)
			s.cache = buffer
			return buffer, nil
		}
		log.Printf("[WARN] Could not read persisted credential, prompting instead: %v", err)
	}

	buffer, err := s.promptVerified(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.persist(ctx, buffer); err != nil {
		log.Printf("[WARN] Credential verified but not persisted: %v", err)
	} else {
		log.Printf("[INFO] Administrator credential saved to %s", s.path)
	}
	s.cache = buffer
	return buffer, nil
}

// Verify prompts for the credential and checks it without caching or
// persisting it.
func (s *Store) Verify(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buffer, err := s.promptVerified(ctx)
	if err != nil {
		return err
	}
	return buffer.Close()
}

// Forget removes the persisted credential and drops the cached copy. The
// operator is prompted when nothing else can elevate the removal; that
// entry is used once and not cached.
func (s *Store) Forget(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	credential := s.cache
	if credential == nil && !s.elevator.IsPrivileged() && !s.elevator.CanElevate(ctx) {
		buffer, err := s.promptVerified(ctx)
		if err != nil {
			return fmt.Errorf("failed to remove persisted credential: %w", err)
		}
		defer func() { _ = buffer.Close() }() //nolint:errcheck // zeroing a one-off entry
		credential = buffer
	}

	if err := s.elevator.RemoveFile(ctx, s.path, credential); err != nil {
		return fmt.Errorf("failed to remove persisted credential: %w", err)
	}
	return s.dropCache()
}

// Close zeros the cached credential.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropCache()
}

func (s *Store) dropCache() error {
	if s.cache == nil {
		return nil
	}
	err := s.cache.Close()
	s.cache = nil
	return err
}

func (s *Store) readPersisted(ctx context.Context) (*secret.Buffer, error) {
	data, err := s.elevator.ReadFile(ctx, s.path)
	if err != nil {
		return nil, err
	}
	buffer, err := secret.NewFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", s.path, err)
	}
	return buffer, nil
}

func (s *Store) persist(ctx context.Context, buffer *secret.Buffer) error {
	line := buffer.Line()
	defer secret.Zero(line)
	return s.elevator.WriteFile(ctx, s.path, line, buffer)
}

// promptVerified asks until the probe accepts a value or the attempts run out.
func (s *Store) promptVerified(ctx context.Context) (*secret.Buffer, error) {
	if s.prompter == nil {
		return nil, errors.New("no interactive prompt available for the administrator credential")
	}

	buffer, err := retry.DoWithData(func() (*secret.Buffer, error) {
		return s.promptOnce(ctx)
	},
		retry.Attempts(uint(s.maxAttempts)),
		retry.Delay(s.retryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if errors.Is(err, ErrVerificationFailed) {
				log.Print("[WARN] Administrator credential rejected")
				return true
			}
			return false
		}),
	)
	if err != nil {
		if errors.Is(err, ErrVerificationFailed) {
			return nil, fmt.Errorf("%w (%d attempts): %w", ErrTooManyAttempts, s.maxAttempts, err)
		}
		return nil, err
	}
	return buffer, nil
}

func (s *Store) promptOnce(ctx context.Context) (*secret.Buffer, error) {
	s.prompts++
	entered, err := s.prompter.Prompt(ctx, promptLabel)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}

	buffer, err := secret.NewFromBytes(entered)
	if err != nil {
		if errors.Is(err, secret.ErrEmpty) {
			return nil, fmt.Errorf("%w: empty input", ErrVerificationFailed)
		}
		return nil, err
	}

	if err := s.elevator.Verify(ctx, buffer); err != nil {
		_ = buffer.Close() //nolint:errcheck // rejected value is discarded
		return nil, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	return buffer, nil
}
