package page

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/fastsoft/fastqueue/internal/cache"
	"github.com/fastsoft/fastqueue/internal/fs"
	"github.com/fastsoft/fastqueue/internal/mmap"
)

const (
	pageFilePrefix = "page-"
	pageFileSuffix = ".dat"

	deleteMaxRounds  = 10
	deleteRetryPause = 200 * time.Millisecond
)

// FactoryOptions configures a Factory.
type FactoryOptions struct {
	// TTL is the cache time-to-live for mapped pages. Non-positive values
	// fall back to cache.DefaultTTL.
	TTL time.Duration

	// FS is the file system implementation. Defaults to fs.Default.
	FS fs.FileSystem

	// Logger receives factory events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Factory owns one directory of fixed-size page files belonging to a single
// page stream. Pages are mapped lazily on first acquire and held in a
// refcount+TTL cache.
type Factory struct {
	pageSize int
	dir      string
	ttl      time.Duration
	fsys     fs.FileSystem
	logger   *slog.Logger

	cache *cache.Cache[*Page]

	// Per-index creation locks guarantee at most one concurrent map
	// operation per page index without serializing unrelated creations.
	mu            sync.Mutex
	creationLocks map[uint64]*sync.Mutex
}

// NewFactory creates a factory over dir, creating the directory if needed.
func NewFactory(dir string, pageSize int, optFns ...func(o *FactoryOptions)) (*Factory, error) {
	opts := FactoryOptions{
		TTL:    cache.DefaultTTL,
		FS:     fs.Default,
		Logger: slog.Default(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = cache.DefaultTTL
	}
	if pageSize <= 0 {
		return nil, fmt.Errorf("page: invalid page size %d", pageSize)
	}

	if err := opts.FS.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create page dir %s: %w", dir, err)
	}

	return &Factory{
		pageSize:      pageSize,
		dir:           dir,
		ttl:           opts.TTL,
		fsys:          opts.FS,
		logger:        opts.Logger,
		cache:         cache.New[*Page](opts.Logger),
		creationLocks: make(map[uint64]*sync.Mutex),
	}, nil
}

// Acquire returns the mapped page for index, mapping it on demand. The
// caller holds a cache reference and must pair every Acquire with a
// Release.
//
// At most one map operation runs per index: concurrent acquirers of the
// same missing page serialize on a per-index creation lock and re-check
// the cache before mapping.
func (f *Factory) Acquire(index uint64) (*Page, error) {
	if p, ok := f.cache.Get(index); ok {
		return p, nil
	}

	lock := f.creationLock(index)
	lock.Lock()
	defer func() {
		lock.Unlock()
		f.removeCreationLock(index)
	}()

	// Double check: another goroutine may have mapped the page while we
	// waited on the creation lock.
	if p, ok := f.cache.Get(index); ok {
		return p, nil
	}

	return f.mapPage(index)
}

func (f *Factory) creationLock(index uint64) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	lock, ok := f.creationLocks[index]
	if !ok {
		lock = &sync.Mutex{}
		f.creationLocks[index] = lock
	}
	return lock
}

func (f *Factory) removeCreationLock(index uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.creationLocks, index)
}

// mapPage opens, sizes, and maps the backing file for index, then inserts
// the page into the cache with the factory TTL. The file descriptor is
// closed once the mapping is established; the mapping survives it.
func (f *Factory) mapPage(index uint64) (*Page, error) {
	path := f.fileName(index)

	file, err := f.fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open page file %s: %w", path, err)
	}
	defer file.Close()

	fi, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat page file %s: %w", path, err)
	}
	if fi.Size() != int64(f.pageSize) {
		if err := file.Truncate(int64(f.pageSize)); err != nil {
			return nil, fmt.Errorf("failed to size page file %s: %w", path, err)
		}
	}

	m, err := mapFile(file, f.pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to map page file %s: %w", path, err)
	}

	p := newPage(m, path, index)
	f.cache.Put(index, p, f.ttl)
	f.logger.Debug("mapped page created and cached", "file", path)
	return p, nil
}

// Release returns the cache reference taken by Acquire.
func (f *Factory) Release(index uint64) {
	f.cache.Release(index)
}

// ReleaseCachedPages unmaps every cached page. Not thread-safe by itself;
// callers synchronize externally.
func (f *Factory) ReleaseCachedPages() error {
	return f.cache.RemoveAll()
}

// Flush flushes every currently cached page. The first error is returned
// after all pages have been attempted. A page swept between the snapshot
// and its flush is already unmapped and is skipped.
func (f *Factory) Flush() error {
	var firstErr error
	for _, p := range f.cache.Values() {
		if err := p.Flush(); err != nil && !errors.Is(err, mmap.ErrClosed) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeletePage removes the page from the cache and deletes its backing file.
// When the file is reported busy (its mapping not yet released), the delete
// is retried up to 10 rounds with a 200 ms pause; after the last round a
// warning is logged and the error is not treated as fatal. Any other delete
// error propagates immediately.
func (f *Factory) DeletePage(index uint64) error {
	if err := f.cache.Remove(index); err != nil {
		f.logger.Warn("failed to close cached page before delete", "index", index, "error", err)
	}

	path := f.fileName(index)
	for round := 1; ; round++ {
		err := f.fsys.Remove(path)
		switch {
		case err == nil, errors.Is(err, os.ErrNotExist):
			f.logger.Debug("page file deleted", "file", path)
			return nil
		case !isBusy(err):
			return fmt.Errorf("failed to delete page file %s: %w", path, err)
		case round >= deleteMaxRounds:
			f.logger.Warn("giving up on busy page file, delete it manually",
				"file", path, "rounds", deleteMaxRounds)
			return nil
		}
		f.logger.Warn("page file busy, retrying delete", "file", path, "round", round)
		time.Sleep(deleteRetryPause)
	}
}

// DeletePages deletes every page named in indexes.
func (f *Factory) DeletePages(indexes *roaring64.Bitmap) error {
	if indexes == nil {
		return nil
	}
	it := indexes.Iterator()
	for it.HasNext() {
		if err := f.DeletePage(it.Next()); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAllPages unmaps every cached page and deletes every backing file in
// the directory. Not thread-safe by itself; callers synchronize externally.
func (f *Factory) DeleteAllPages() error {
	if err := f.cache.RemoveAll(); err != nil {
		f.logger.Warn("failed to close cached pages before delete", "error", err)
	}
	indexes, err := f.ExistingPageIndexes()
	if err != nil {
		return err
	}
	return f.DeletePages(indexes)
}

// DeletePagesBefore deletes every page whose backing file was last modified
// before t.
func (f *Factory) DeletePagesBefore(t time.Time) error {
	indexes, err := f.PageIndexesBefore(t)
	if err != nil {
		return err
	}
	return f.DeletePages(indexes)
}

// DeletePagesBeforeIndex deletes every page with an index strictly less
// than idx.
func (f *Factory) DeletePagesBeforeIndex(idx uint64) error {
	indexes, err := f.ExistingPageIndexes()
	if err != nil {
		return err
	}
	it := indexes.Iterator()
	for it.HasNext() {
		index := it.Next()
		if index >= idx {
			break
		}
		if err := f.DeletePage(index); err != nil {
			return err
		}
	}
	return nil
}

// ExistingPageIndexes scans the page directory and returns the set of
// indices with a backing file.
func (f *Factory) ExistingPageIndexes() (*roaring64.Bitmap, error) {
	entries, err := f.fsys.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read page dir %s: %w", f.dir, err)
	}
	indexes := roaring64.New()
	for _, entry := range entries {
		if index, ok := parseIndex(entry.Name()); ok {
			indexes.Add(index)
		}
	}
	return indexes, nil
}

// PageIndexesBefore returns the set of indices whose backing file was last
// modified before t.
func (f *Factory) PageIndexesBefore(t time.Time) (*roaring64.Bitmap, error) {
	entries, err := f.fsys.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read page dir %s: %w", f.dir, err)
	}
	indexes := roaring64.New()
	for _, entry := range entries {
		index, ok := parseIndex(entry.Name())
		if !ok {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().Before(t) {
			indexes.Add(index)
		}
	}
	return indexes, nil
}

// FirstPageIndexBefore returns the largest page index whose backing file
// was last modified before t, i.e. the newest page that is still older than
// t. The name is historical and predates the switch from oldest to newest
// selection. ok is false when no page qualifies.
func (f *Factory) FirstPageIndexBefore(t time.Time) (index uint64, ok bool) {
	indexes, err := f.PageIndexesBefore(t)
	if err != nil || indexes.IsEmpty() {
		return 0, false
	}
	return indexes.Maximum(), true
}

// PageFileLastModified returns the modification time of the backing file
// for index.
func (f *Factory) PageFileLastModified(index uint64) (time.Time, error) {
	fi, err := f.fsys.Stat(f.fileName(index))
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// BackingFiles returns the names of every page file in the directory.
func (f *Factory) BackingFiles() ([]string, error) {
	entries, err := f.fsys.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read page dir %s: %w", f.dir, err)
	}
	var names []string
	for _, entry := range entries {
		if _, ok := parseIndex(entry.Name()); ok {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// BackingFileSize returns the total size in bytes of every page file in the
// directory.
func (f *Factory) BackingFileSize() (int64, error) {
	entries, err := f.fsys.ReadDir(f.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read page dir %s: %w", f.dir, err)
	}
	var total int64
	for _, entry := range entries {
		if _, ok := parseIndex(entry.Name()); !ok {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		total += fi.Size()
	}
	return total, nil
}

// CacheSize returns the number of live cached pages.
func (f *Factory) CacheSize() int {
	return f.cache.Size()
}

// PageSize returns the fixed page size in bytes.
func (f *Factory) PageSize() int {
	return f.pageSize
}

// Dir returns the page directory.
func (f *Factory) Dir() string {
	return f.dir
}

// lockMapSize reports the number of outstanding creation locks, for tests.
func (f *Factory) lockMapSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creationLocks)
}

func (f *Factory) fileName(index uint64) string {
	return filepath.Join(f.dir, pageFilePrefix+strconv.FormatUint(index, 10)+pageFileSuffix)
}

// parseIndex extracts the page index from a file name of the form
// page-<n>.dat. The index is delimited by the last '-' and the suffix.
func parseIndex(name string) (uint64, bool) {
	if !strings.HasSuffix(name, pageFileSuffix) {
		return 0, false
	}
	base := strings.TrimSuffix(name, pageFileSuffix)
	i := strings.LastIndexByte(base, '-')
	if i < 0 {
		return 0, false
	}
	index, err := strconv.ParseUint(base[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return index, true
}
