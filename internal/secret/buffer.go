// Package secret holds sensitive values such as the administrator
// credential in memory that is locked against swapping, kept out of core
// dumps where the platform allows it, and zeroed on Close.
//
// The backing memory is an anonymous mmap region outside the Go heap, so the
// garbage collector never copies it.
package secret

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrEmpty is returned when a buffer would hold no data.
var ErrEmpty = errors.New("secret: empty value")

// Buffer holds one secret value. A Buffer must not be copied after creation.
// After Close, any access to its contents panics.
type Buffer struct {
	data   []byte
	length int
	mu     sync.Mutex
	closed bool
}

// New allocates a zero-filled buffer of the given size.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap failed: %w", err)
	}

	if err := unix.Mlock(data); err != nil {
		_ = unix.Munmap(data) //nolint:errcheck // already failing
		return nil, fmt.Errorf("secret: mlock failed: %w", err)
	}

	if err := excludeFromCoreDump(data); err != nil {
		_ = unix.Munlock(data) //nolint:errcheck // already failing
		_ = unix.Munmap(data)  //nolint:errcheck // already failing
		return nil, err
	}

	return &Buffer{data: data, length: size}, nil
}

// NewFromBytes copies source into a new buffer and zeros source in place.
// Surrounding whitespace (a trailing newline from a file or prompt) is not
// part of the secret.
func NewFromBytes(source []byte) (*Buffer, error) {
	start, end := trimBounds(source)
	if start == end {
		Zero(source)
		return nil, ErrEmpty
	}

	buffer, err := New(end - start)
	if err != nil {
		Zero(source)
		return nil, err
	}
	copy(buffer.data, source[start:end])
	Zero(source)
	return buffer, nil
}

// Bytes returns the secret. The slice points into the locked region; do not
// retain it past Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data[:b.length]
}

// Line returns a heap copy of the secret followed by a newline, the form
// sudo -S reads from stdin. Callers must Zero the result when done.
func (b *Buffer) Line() []byte {
	secret := b.Bytes()
	line := make([]byte, len(secret)+1)
	copy(line, secret)
	line[len(secret)] = '\n'
	return line
}

// Len returns the size of the secret.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Close zeros, unlocks and unmaps the buffer. Close is idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	Zero(b.data)

	var firstErr error
	if err := unix.Munlock(b.data); err != nil {
		firstErr = fmt.Errorf("secret: munlock failed: %w", err)
	}
	if err := unix.Munmap(b.data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("secret: munmap failed: %w", err)
	}
	b.data = nil
	return firstErr
}

// String never reveals the secret, so a Buffer passed to a formatter by
// mistake prints a placeholder.
func (*Buffer) String() string {
	return "[REDACTED]"
}

// Zero overwrites data with zeros.
func Zero(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

func trimBounds(data []byte) (start, end int) {
	end = len(data)
	for start < end && isSpace(data[start]) {
		start++
	}
	for end > start && isSpace(data[end-1]) {
		end--
	}
	return start, end
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
