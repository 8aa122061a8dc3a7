// Package secret holds key material in memory that is kept off the Go heap
// where the platform allows it and is zeroed when released.
//
// On unix the backing memory is an anonymous mmap region. Locking it into
// RAM (mlock) and excluding it from core dumps (MADV_DONTDUMP) are applied
// best effort: a process running under a small RLIMIT_MEMLOCK still gets a
// zeroing buffer, it just is not pinned. Other platforms fall back to a heap
// slice that is zeroed on Close.
package secret

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrClosed is returned when a closed buffer is accessed through Use.
var ErrClosed = errors.New("secret: buffer is closed")

// Buffer holds sensitive bytes. A Buffer must not be copied after creation.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	locked bool
	closed bool
}

// New allocates a zero-filled buffer of the given size.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}
	data, locked, err := allocate(size)
	if err != nil {
		return nil, err
	}
	return &Buffer{data: data, locked: locked}, nil
}

// Random allocates a buffer of the given size filled from crypto/rand.
func Random(size int) (*Buffer, error) {
	b, err := New(size)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rand.Reader, b.data); err != nil {
		b.Close()
		return nil, fmt.Errorf("secret: read random: %w", err)
	}
	return b, nil
}

// NewFromBytes copies source into a new buffer and zeroes source in place.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}
	b, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(b.data, source)
	clear(source)
	return b, nil
}

// Use calls fn with the secret bytes while holding the buffer lock, so the
// buffer cannot be closed underneath fn. fn must not retain the slice.
func (b *Buffer) Use(fn func(secret []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return fn(b.data)
}

// Bytes returns the secret data. The slice points into the protected region
// and is invalid after Close. Panics if the buffer has been closed.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data
}

// Len returns the size of the secret data, or 0 once closed.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Locked reports whether the memory is pinned against swapping.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close zeroes the contents and releases the memory. Close is idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	clear(b.data)
	err := release(b.data, b.locked)
	b.data = nil
	return err
}
