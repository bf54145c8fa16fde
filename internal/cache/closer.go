package cache

import (
	"context"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"
)

// maxConcurrentCloses bounds the shared pool closing swept resources so a
// burst of evictions cannot explode into unbounded goroutines.
const maxConcurrentCloses = 16

// The closer pool is process-wide: every cache instance hands its swept
// values to the same bounded set of workers.
var (
	closerSem = semaphore.NewWeighted(maxConcurrentCloses)
	closerWG  sync.WaitGroup
)

// closeAsync closes values on the shared pool without holding any cache
// lock. Close errors are swallowed; the cache has already forgotten the
// entries.
func closeAsync(values []io.Closer) {
	closerWG.Add(1)
	go func() {
		defer closerWG.Done()
		if err := closerSem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer closerSem.Release(1)
		for _, v := range values {
			if v != nil {
				_ = v.Close()
			}
		}
	}()
}

// ShutdownCloser blocks until every in-flight asynchronous close has
// finished. Call it after closing all queue instances, typically from test
// teardown, to guarantee no background work outlives the process.
func ShutdownCloser() {
	closerWG.Wait()
}
