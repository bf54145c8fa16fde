package fastqueue

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fastsoft/fastqueue/internal/bitops"
	"github.com/fastsoft/fastqueue/internal/page"
)

// Data page sizing. Pages are power-of-two sized so that every offset
// computation on the hot path reduces to shifts.
const (
	// DefaultDataPageSize is the default size of a data page file: 128 MiB.
	DefaultDataPageSize = 1 << 27

	// MinimumDataPageSize is the smallest allowed data page size: 32 MiB.
	MinimumDataPageSize = 1 << 25

	// DefaultCacheTTL is how long an unreferenced mapped page stays cached.
	DefaultCacheTTL = 10 * time.Second
)

const (
	// Metadata pages are 32 KiB and hold 1024 fixed 32-byte record slots.
	metaPageSizeBits     = 15
	metaSlotSizeBits     = 5
	metaSlotsPerPageBits = metaPageSizeBits - metaSlotSizeBits

	metaPageSize = 1 << metaPageSizeBits
	metaSlotSize = 1 << metaSlotSizeBits

	// Metadata slot layout, big-endian:
	//   [0,8)   data page index
	//   [8,12)  data offset within page
	//   [12,16) data length
	//   [16,24) enqueue timestamp, unix milliseconds
	//   [24,32) reserved
	slotDataPage   = 0
	slotDataOffset = 8
	slotDataLength = 12
	slotTimestamp  = 16

	// The index stream uses a single 8-byte page holding the head index.
	indexPageSize  = 8
	indexPageIndex = 0
)

// Page stream directory names under the array directory.
const (
	dataPageDir  = "data"
	metaPageDir  = "meta"
	indexPageDir = "index"
)

// Array is a persistent array of variable-length byte records stored across
// three parallel streams of memory-mapped pages: a data stream holding raw
// payloads, a metadata stream holding one fixed slot per record, and an
// index stream persisting the head index. Records are addressed by a
// monotonically increasing uint64 id assigned on append; all id arithmetic
// is modulo 2^64.
type Array struct {
	dir    string
	logger *Logger

	dataPageSize int

	dataFactory  *page.Factory
	metaFactory  *page.Factory
	indexFactory *page.Factory

	// head is the next id to assign; tail is the smallest retrievable id.
	head atomic.Uint64
	tail atomic.Uint64

	// appendMu serializes appends and truncations. The bump-allocator
	// cursor below is guarded by it.
	appendMu          sync.Mutex
	tailDataPageIndex uint64
	tailDataOffset    uint32
}

// OpenArray opens or creates the record array under dir/name.
func OpenArray(dir, name string, optFns ...func(o *Options)) (*Array, error) {
	opts := resolveOptions(optFns)

	if opts.DataPageSize < MinimumDataPageSize || opts.DataPageSize&(opts.DataPageSize-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageSize, opts.DataPageSize)
	}

	return openArray(dir, name, opts)
}

func openArray(dir, name string, opts Options) (*Array, error) {
	arrayDir := filepath.Join(dir, name)
	a := &Array{
		dir:          arrayDir,
		logger:       opts.Logger.WithQueue(name),
		dataPageSize: opts.DataPageSize,
	}

	factoryOpts := func(o *page.FactoryOptions) {
		o.TTL = opts.CacheTTL
		o.Logger = a.logger.Logger
	}

	var err error
	if a.dataFactory, err = page.NewFactory(filepath.Join(arrayDir, dataPageDir), a.dataPageSize, factoryOpts); err != nil {
		return nil, err
	}
	if a.metaFactory, err = page.NewFactory(filepath.Join(arrayDir, metaPageDir), metaPageSize, factoryOpts); err != nil {
		return nil, err
	}
	if a.indexFactory, err = page.NewFactory(filepath.Join(arrayDir, indexPageDir), indexPageSize, factoryOpts); err != nil {
		return nil, err
	}

	if err := a.recover(); err != nil {
		return nil, err
	}
	return a, nil
}

// recover loads the persisted head index and reconstructs the tail index
// and the data-stream cursor. The head index is used verbatim: a crash
// mid-append leaves the in-flight record invisible and the array
// consistent.
func (a *Array) recover() error {
	head, err := readIndexSlot(a.indexFactory)
	if err != nil {
		return err
	}
	a.head.Store(head)

	// The tail sits at the first record of the oldest surviving metadata
	// page; truncation removes whole metadata pages.
	metaIndexes, err := a.metaFactory.ExistingPageIndexes()
	if err != nil {
		return err
	}
	if metaIndexes.IsEmpty() {
		a.tail.Store(head)
	} else {
		a.tail.Store(bitops.Mul(metaIndexes.Minimum(), metaSlotsPerPageBits))
	}

	// Rebuild the bump-allocator cursor from the newest committed record.
	if head == 0 {
		a.tailDataPageIndex = 0
		a.tailDataOffset = 0
		return nil
	}
	last := head - 1
	pageIndex, offset, length, _, err := a.readMetaSlot(last)
	if err != nil {
		return fmt.Errorf("failed to recover data cursor: %w", err)
	}
	a.tailDataPageIndex = pageIndex
	a.tailDataOffset = offset + length
	return nil
}

// Append stores data as a new record and returns its id. Appends are
// serialized; the record becomes visible only once the head index has been
// persisted, so a failure part-way leaves the array unchanged.
func (a *Array) Append(data []byte) (uint64, error) {
	if len(data) > a.dataPageSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(data), a.dataPageSize)
	}

	a.appendMu.Lock()
	defer a.appendMu.Unlock()

	id := a.head.Load()

	// A record never straddles two data pages: when it does not fit in the
	// remaining bytes of the tail page, it starts at offset 0 of the next.
	remaining := a.dataPageSize - int(a.tailDataOffset)
	if len(data) > remaining || (remaining == 0 && len(data) == 0) {
		a.tailDataPageIndex++
		a.tailDataOffset = 0
	}

	if len(data) > 0 {
		dataPage, err := a.dataFactory.Acquire(a.tailDataPageIndex)
		if err != nil {
			return 0, err
		}
		defer a.dataFactory.Release(a.tailDataPageIndex)

		dst, err := dataPage.Slice(int(a.tailDataOffset), len(data))
		if err != nil {
			return 0, err
		}
		copy(dst, data)
		dataPage.SetDirty(true)
	}

	if err := a.writeMetaSlot(id, a.tailDataPageIndex, a.tailDataOffset, uint32(len(data))); err != nil {
		return 0, err
	}

	if err := writeIndexSlot(a.indexFactory, wrapAdd(id, 1)); err != nil {
		return 0, err
	}
	a.head.Store(wrapAdd(id, 1))
	a.tailDataOffset += uint32(len(data))

	return id, nil
}

// Get returns a copy of the record with the given id. Any number of Get
// calls may run concurrently; no lock is taken beyond page reference
// counts.
func (a *Array) Get(id uint64) ([]byte, error) {
	if err := a.validateIndex(id); err != nil {
		return nil, err
	}

	pageIndex, offset, length, _, err := a.readMetaSlot(id)
	if err != nil {
		return nil, err
	}

	out := make([]byte, length)
	if length == 0 {
		return out, nil
	}

	dataPage, err := a.dataFactory.Acquire(pageIndex)
	if err != nil {
		return nil, err
	}
	defer a.dataFactory.Release(pageIndex)

	src, err := dataPage.Slice(int(offset), int(length))
	if err != nil {
		return nil, err
	}
	copy(out, src)
	return out, nil
}

// GetTimestamp returns the enqueue timestamp of the record with the given
// id, in unix milliseconds.
func (a *Array) GetTimestamp(id uint64) (int64, error) {
	if err := a.validateIndex(id); err != nil {
		return 0, err
	}
	_, _, _, ts, err := a.readMetaSlot(id)
	if err != nil {
		return 0, err
	}
	return int64(ts), nil
}

// validateIndex checks id against [tail, head) on the 2^64 ring.
func (a *Array) validateIndex(id uint64) error {
	head := a.head.Load()
	tail := a.tail.Load()
	if tail == head {
		return fmt.Errorf("%w: %d, array is empty", ErrIndexOutOfRange, id)
	}
	var ok bool
	if tail < head {
		ok = id >= tail && id < head
	} else {
		// Wrapped: live ids occupy [tail, 2^64) and [0, head).
		ok = id >= tail || id < head
	}
	if !ok {
		return fmt.Errorf("%w: %d not in [%d, %d)", ErrIndexOutOfRange, id, tail, head)
	}
	return nil
}

// Size returns the number of live records.
func (a *Array) Size() uint64 {
	return wrapSub(a.head.Load(), a.tail.Load())
}

// IsEmpty reports whether the array holds no live records.
func (a *Array) IsEmpty() bool {
	return a.head.Load() == a.tail.Load()
}

// HeadIndex returns the next id to be assigned.
func (a *Array) HeadIndex() uint64 {
	return a.head.Load()
}

// TailIndex returns the smallest retrievable id.
func (a *Array) TailIndex() uint64 {
	return a.tail.Load()
}

// Dir returns the array directory.
func (a *Array) Dir() string {
	return a.dir
}

// RemoveBeforeIndex truncates the array up to id: every data page strictly
// before the data page holding id and every metadata page strictly before
// the metadata page holding id are deleted, and the tail index advances to
// the boundary of the surviving metadata page. The page containing id stays
// intact; records within it remain reachable. An out-of-range id returns
// ErrIndexOutOfRange.
func (a *Array) RemoveBeforeIndex(id uint64) error {
	a.appendMu.Lock()
	defer a.appendMu.Unlock()

	if err := a.validateIndex(id); err != nil {
		return err
	}

	dataPageIndex, _, _, _, err := a.readMetaSlot(id)
	if err != nil {
		return err
	}
	metaPageIndex := bitops.Div(id, metaSlotsPerPageBits)

	if err := a.dataFactory.DeletePagesBeforeIndex(dataPageIndex); err != nil {
		return err
	}
	if err := a.metaFactory.DeletePagesBeforeIndex(metaPageIndex); err != nil {
		return err
	}

	a.tail.Store(bitops.Mul(metaPageIndex, metaSlotsPerPageBits))
	a.logger.Debug("array truncated", "before", id, "tail", a.tail.Load())
	return nil
}

// RemoveAll deletes every page in all three streams and resets the array to
// empty with head and tail at 0. No page file is left behind; a missing
// index page reads as head 0 when it is next acquired.
func (a *Array) RemoveAll() error {
	a.appendMu.Lock()
	defer a.appendMu.Unlock()

	if err := a.dataFactory.DeleteAllPages(); err != nil {
		return err
	}
	if err := a.metaFactory.DeleteAllPages(); err != nil {
		return err
	}
	if err := a.indexFactory.DeleteAllPages(); err != nil {
		return err
	}

	a.head.Store(0)
	a.tail.Store(0)
	a.tailDataPageIndex = 0
	a.tailDataOffset = 0

	return nil
}

// Flush forces all three streams to stable storage. Data and metadata are
// flushed before the index stream so a persisted head never points past
// durable records.
func (a *Array) Flush() error {
	if err := a.dataFactory.Flush(); err != nil {
		return err
	}
	if err := a.metaFactory.Flush(); err != nil {
		return err
	}
	return a.indexFactory.Flush()
}

// Close releases every cached page in all three streams.
func (a *Array) Close() error {
	var firstErr error
	for _, f := range []*page.Factory{a.dataFactory, a.metaFactory, a.indexFactory} {
		if err := f.ReleaseCachedPages(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// readMetaSlot reads the metadata slot of id.
func (a *Array) readMetaSlot(id uint64) (pageIndex uint64, offset, length uint32, timestamp uint64, err error) {
	metaPageIndex := bitops.Div(id, metaSlotsPerPageBits)
	metaPage, err := a.metaFactory.Acquire(metaPageIndex)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	defer a.metaFactory.Release(metaPageIndex)

	slot, err := metaPage.Slice(metaSlotOffset(id), metaSlotSize)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	pageIndex = binary.BigEndian.Uint64(slot[slotDataPage:])
	offset = binary.BigEndian.Uint32(slot[slotDataOffset:])
	length = binary.BigEndian.Uint32(slot[slotDataLength:])
	timestamp = binary.BigEndian.Uint64(slot[slotTimestamp:])
	return pageIndex, offset, length, timestamp, nil
}

// writeMetaSlot records the placement of id and stamps the enqueue time.
func (a *Array) writeMetaSlot(id, pageIndex uint64, offset, length uint32) error {
	metaPageIndex := bitops.Div(id, metaSlotsPerPageBits)
	metaPage, err := a.metaFactory.Acquire(metaPageIndex)
	if err != nil {
		return err
	}
	defer a.metaFactory.Release(metaPageIndex)

	slot, err := metaPage.Slice(metaSlotOffset(id), metaSlotSize)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(slot[slotDataPage:], pageIndex)
	binary.BigEndian.PutUint32(slot[slotDataOffset:], offset)
	binary.BigEndian.PutUint32(slot[slotDataLength:], length)
	binary.BigEndian.PutUint64(slot[slotTimestamp:], uint64(time.Now().UnixMilli()))
	metaPage.SetDirty(true)
	return nil
}

func metaSlotOffset(id uint64) int {
	return int(bitops.Mul(bitops.Mod(id, metaSlotsPerPageBits), metaSlotSizeBits))
}

// readIndexSlot reads the single 8-byte cursor stored on page 0 of an
// index-style stream.
func readIndexSlot(f *page.Factory) (uint64, error) {
	p, err := f.Acquire(indexPageIndex)
	if err != nil {
		return 0, err
	}
	defer f.Release(indexPageIndex)

	buf, err := p.Slice(0, indexPageSize)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf), nil
}

// writeIndexSlot persists an 8-byte cursor to page 0 of an index-style
// stream and marks the page dirty.
func writeIndexSlot(f *page.Factory, value uint64) error {
	p, err := f.Acquire(indexPageIndex)
	if err != nil {
		return err
	}
	defer f.Release(indexPageIndex)

	buf, err := p.Slice(0, indexPageSize)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(buf, value)
	p.SetDirty(true)
	return nil
}

// wrapAdd advances v by n on the 2^64 id ring.
func wrapAdd(v, n uint64) uint64 {
	return v + n
}

// wrapSub returns the forward distance from b to a on the 2^64 id ring.
func wrapSub(a, b uint64) uint64 {
	return a - b
}
