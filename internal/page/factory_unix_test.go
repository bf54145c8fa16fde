//go:build unix || linux || darwin || freebsd || openbsd || netbsd

package page

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/fastsoft/fastqueue/internal/fs"
)

// busyFS reports EBUSY for the first n Remove calls per file.
type busyFS struct {
	fs.FileSystem
	mu       sync.Mutex
	busyLeft map[string]int
}

func (b *busyFS) Remove(name string) error {
	b.mu.Lock()
	left := b.busyLeft[name]
	if left > 0 {
		b.busyLeft[name] = left - 1
		b.mu.Unlock()
		return &os.PathError{Op: "remove", Path: name, Err: unix.EBUSY}
	}
	b.mu.Unlock()
	return b.FileSystem.Remove(name)
}

func TestDeletePageRetriesWhileBusy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page-0.dat")
	bfs := &busyFS{FileSystem: fs.Default, busyLeft: map[string]int{path: 2}}

	f, err := NewFactory(dir, 4096, func(o *FactoryOptions) { o.FS = bfs })
	require.NoError(t, err)
	defer f.ReleaseCachedPages()

	_, err = f.Acquire(0)
	require.NoError(t, err)
	f.Release(0)

	start := time.Now()
	require.NoError(t, f.DeletePage(0))
	assert.GreaterOrEqual(t, time.Since(start), 2*deleteRetryPause)

	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist, "delete succeeds once the file is no longer busy")
}
