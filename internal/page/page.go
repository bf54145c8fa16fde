// Package page implements fixed-size memory-mapped page files and the
// factory that creates, caches, enumerates, and deletes them.
package page

import (
	"sync/atomic"
	"time"

	"github.com/fastsoft/fastqueue/internal/mmap"
)

// Page is a single mapped page file. The mapped bytes are shared between
// every view handed out by Slice; a page is only unmapped once its cache
// reference count has reached zero and its TTL has expired, or when it is
// removed explicitly.
type Page struct {
	m         *mmap.Mapping
	path      string
	index     uint64
	dirty     atomic.Bool
	createdAt time.Time
}

// newPage wraps an established mapping.
func newPage(m *mmap.Mapping, path string, index uint64) *Page {
	return &Page{
		m:         m,
		path:      path,
		index:     index,
		createdAt: time.Now(),
	}
}

// Slice returns an independent view of n bytes of the page starting at off.
// The returned slice aliases the shared mapped region: writes through any
// view are visible to all other views and reach disk on Flush. Concurrent
// views carry no shared cursor state.
func (p *Page) Slice(off, n int) ([]byte, error) {
	data := p.m.Bytes()
	if data == nil {
		return nil, mmap.ErrClosed
	}
	if off < 0 || n < 0 || off+n > len(data) {
		return nil, mmap.ErrOutOfBounds
	}
	return data[off : off+n : off+n], nil
}

// Local returns a view of the page from off to the end of the page.
func (p *Page) Local(off int) ([]byte, error) {
	return p.Slice(off, p.m.Size()-off)
}

// SetDirty marks whether the page holds unflushed writes.
func (p *Page) SetDirty(dirty bool) {
	p.dirty.Store(dirty)
}

// Dirty reports whether the page holds unflushed writes.
func (p *Page) Dirty() bool {
	return p.dirty.Load()
}

// Flush forces dirty pages to stable storage and clears the dirty flag.
// It is a no-op when the page is clean.
func (p *Page) Flush() error {
	if !p.dirty.Load() {
		return nil
	}
	if err := p.m.Flush(); err != nil {
		return err
	}
	p.dirty.Store(false)
	return nil
}

// Close unmaps the page. No operation on the page is valid afterwards,
// even when Close returns an error.
func (p *Page) Close() error {
	return p.m.Close()
}

// Index returns the page index within its stream.
func (p *Page) Index() uint64 {
	return p.index
}

// Path returns the absolute path of the backing file.
func (p *Page) Path() string {
	return p.path
}

// CreatedAt returns the time the page was mapped.
func (p *Page) CreatedAt() time.Time {
	return p.createdAt
}
