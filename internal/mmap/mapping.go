// Package mmap provides cross-platform read-write memory mapping of page
// files. A Mapping owns the mapped byte slice and is responsible for
// unmapping it; the file descriptor it was created from may be closed as
// soon as Map returns.
package mmap

import (
	"sync/atomic"
)

// Mapping represents a read-write, shared memory mapping of a file region.
// Writes through the mapped bytes become visible to every other mapping of
// the same file and reach disk on Flush or OS writeback.
type Mapping struct {
	data   []byte
	size   int
	closed atomic.Bool

	// Platform-specific release and sync hooks captured at map time.
	unmap func([]byte) error
	sync  func([]byte) error
}

// Map maps size bytes of the file behind fd starting at offset 0.
// The mapping is shared and writable. The caller may close fd afterwards;
// the mapping survives until Close.
func Map(fd uintptr, size int) (*Mapping, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	data, syncFunc, unmapFunc, err := osMap(fd, size)
	if err != nil {
		return nil, err
	}

	return &Mapping{
		data:  data,
		size:  size,
		unmap: unmapFunc,
		sync:  syncFunc,
	}, nil
}

// Close unmaps the memory. It is idempotent. After Close the slice returned
// by Bytes must not be touched.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.unmap != nil && m.data != nil {
		return m.unmap(m.data)
	}
	return nil
}

// Bytes returns the underlying byte slice, or nil once the mapping is closed.
// The slice is valid only until Close is called.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the size of the mapping in bytes.
func (m *Mapping) Size() int {
	return m.size
}

// Flush forces modified mapped bytes to stable storage (msync equivalent).
func (m *Mapping) Flush() error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.sync == nil || m.data == nil {
		return nil
	}
	return m.sync(m.data)
}

// Advise provides hints to the kernel about how the memory will be accessed.
func (m *Mapping) Advise(pattern AccessPattern) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.data == nil {
		return nil
	}
	return osAdvise(m.data, pattern)
}
