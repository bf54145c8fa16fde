package fastqueue

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastsoft/fastqueue/internal/cache"
)

func TestMain(m *testing.M) {
	code := m.Run()
	// Drain the shared async-close pool before the process exits.
	cache.ShutdownCloser()
	os.Exit(code)
}

func openTestQueue(t *testing.T, dir string, dataPageSize int) *Queue {
	t.Helper()
	q, err := openQueue(dir, "q", testOptions(dataPageSize))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func queuePageFiles(t *testing.T, dir, stream string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, "q", stream))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestQueueRoundTrip(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), 1<<20)

	require.NoError(t, q.Enqueue([]byte("hello")))

	peeked, err := q.Peek()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(peeked))

	got, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	got, err = q.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, got, "dequeue on an empty queue returns nil")

	assert.Equal(t, uint64(0), q.Size())
	assert.True(t, q.IsEmpty())
}

func TestQueueOpenWithDefaults(t *testing.T) {
	q, err := Open(t.TempDir(), "q")
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Enqueue([]byte("default-sized")))
	got, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "default-sized", string(got))
}

func TestQueueOpenRejectsBadPageSize(t *testing.T) {
	_, err := Open(t.TempDir(), "q", func(o *Options) { o.DataPageSize = 1 << 20 })
	assert.ErrorIs(t, err, ErrInvalidPageSize, "below the minimum")

	_, err = Open(t.TempDir(), "q", func(o *Options) { o.DataPageSize = 1<<25 + 17 })
	assert.ErrorIs(t, err, ErrInvalidPageSize, "not a power of two")
}

func TestQueueReopen(t *testing.T) {
	dir := t.TempDir()

	q, err := openQueue(dir, "q", testOptions(1<<20))
	require.NoError(t, err)
	require.NoError(t, q.Enqueue([]byte("world")))
	require.NoError(t, q.Flush())
	require.NoError(t, q.Close())

	q2, err := openQueue(dir, "q", testOptions(1<<20))
	require.NoError(t, err)
	defer q2.Close()

	assert.Equal(t, uint64(1), q2.Size())
	got, err := q2.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))
}

func TestQueueReopenPreservesFrontCursor(t *testing.T) {
	dir := t.TempDir()

	q, err := openQueue(dir, "q", testOptions(1<<20))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(fmt.Appendf(nil, "m%d", i)))
	}
	for i := 0; i < 2; i++ {
		_, err := q.Dequeue()
		require.NoError(t, err)
	}
	require.NoError(t, q.Flush())
	require.NoError(t, q.Close())

	q2, err := openQueue(dir, "q", testOptions(1<<20))
	require.NoError(t, err)
	defer q2.Close()

	assert.Equal(t, uint64(3), q2.Size())
	got, err := q2.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "m2", string(got), "the pending sequence resumes where it left off")
}

func TestQueuePageBoundary(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir, 1<<20)

	payloads := make([][]byte, 3)
	for i := range payloads {
		payloads[i] = bytes.Repeat([]byte{byte('x' + i)}, 600<<10)
		require.NoError(t, q.Enqueue(payloads[i]))
	}

	assert.Len(t, queuePageFiles(t, dir, "data"), 3,
		"the first record leaves less than 600 KiB free, forcing later payloads onto fresh pages")

	for i := range payloads {
		got, err := q.Dequeue()
		require.NoError(t, err)
		assert.True(t, bytes.Equal(payloads[i], got), "payload %d differs", i)
	}
	assert.True(t, q.IsEmpty())
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), 1<<20)

	const (
		producers   = 4
		perProducer = 10000
	)

	// Each payload is 16 bytes: producer id and sequence number.
	payload := func(p, seq uint64) []byte {
		b := make([]byte, 16)
		binary.BigEndian.PutUint64(b[0:], p)
		binary.BigEndian.PutUint64(b[8:], seq)
		return b
	}

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p uint64) {
			defer wg.Done()
			for seq := uint64(0); seq < perProducer; seq++ {
				assert.NoError(t, q.Enqueue(payload(p, seq)))
			}
		}(uint64(p))
	}
	wg.Wait()

	require.Equal(t, uint64(producers*perProducer), q.Size())

	nextSeq := make([]uint64, producers)
	total := 0
	for {
		got, err := q.Dequeue()
		require.NoError(t, err)
		if got == nil {
			break
		}
		total++
		p := binary.BigEndian.Uint64(got[0:])
		seq := binary.BigEndian.Uint64(got[8:])
		require.Less(t, p, uint64(producers))
		assert.Equal(t, nextSeq[p], seq, "per-producer payloads arrive in original order")
		nextSeq[p]++
	}

	assert.Equal(t, producers*perProducer, total)
	for p := 0; p < producers; p++ {
		assert.Equal(t, uint64(perProducer), nextSeq[p])
	}
}

func TestQueueAsyncWakeup(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), 1<<20)

	fut := q.DequeueAsync()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Enqueue([]byte("x"))
	}()

	select {
	case <-fut.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("future was not completed by the enqueue")
	}

	got, err := fut.Result()
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
	assert.True(t, q.IsEmpty(), "the async dequeue consumed the record")
}

func TestQueueDequeueAsyncImmediate(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), 1<<20)

	require.NoError(t, q.Enqueue([]byte("ready")))

	got, err := q.DequeueAsync().Result()
	require.NoError(t, err)
	assert.Equal(t, "ready", string(got))

	// A settled future is replaced on the next call.
	fut := q.DequeueAsync()
	select {
	case <-fut.Done():
		t.Fatal("fresh future must be pending on an empty queue")
	default:
	}
	fut.Cancel()
}

func TestQueuePeekAsync(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), 1<<20)

	fut := q.PeekAsync()
	require.NoError(t, q.Enqueue([]byte("peeked")))

	got, err := fut.Result()
	require.NoError(t, err)
	assert.Equal(t, "peeked", string(got))
	assert.Equal(t, uint64(1), q.Size(), "peek does not advance the front cursor")
}

func TestQueueFutureCancel(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), 1<<20)

	fut := q.DequeueAsync()
	fut.Cancel()
	fut.Cancel() // idempotent

	require.NoError(t, q.Enqueue([]byte("kept")))

	_, err := fut.Result()
	assert.ErrorIs(t, err, ErrFutureCancelled, "a cancelled future is never completed with a value")

	got, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "kept", string(got), "the record outlives the cancelled future")
}

func TestQueueApplyForEach(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), 1<<20)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(fmt.Appendf(nil, "m%d", i)))
	}
	_, err := q.Dequeue()
	require.NoError(t, err)

	var visited []string
	require.NoError(t, q.ApplyForEach(func(data []byte) error {
		visited = append(visited, string(data))
		return nil
	}))
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, visited)
	assert.Equal(t, uint64(4), q.Size(), "iteration does not advance the front cursor")

	// A visitor error stops the iteration and propagates.
	wantErr := fmt.Errorf("stop")
	count := 0
	err = q.ApplyForEach(func([]byte) error {
		count++
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, count)
}

func TestQueueRemoveAll(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir, 1<<20)

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue([]byte("payload")))
	}
	_, err := q.Dequeue()
	require.NoError(t, err)

	require.NoError(t, q.RemoveAll())

	assert.Equal(t, uint64(0), q.Size())
	assert.True(t, q.IsEmpty())
	for _, stream := range []string{"data", "meta", "index"} {
		assert.Empty(t, queuePageFiles(t, dir, stream), "stream %s still has page files", stream)
	}

	// The queue remains usable.
	require.NoError(t, q.Enqueue([]byte("fresh")))
	got, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(got))
}

func TestQueueGCReclaims(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir, 1<<20)

	// 600 KiB payloads occupy one data page each.
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(bytes.Repeat([]byte{byte(i)}, 600<<10)))
	}
	require.Len(t, queuePageFiles(t, dir, "data"), 5)

	for i := 0; i < 4; i++ {
		_, err := q.Dequeue()
		require.NoError(t, err)
	}

	require.NoError(t, q.GC())

	remaining := queuePageFiles(t, dir, "data")
	assert.LessOrEqual(t, len(remaining), 3, "pages holding only dequeued records are reclaimed")

	got, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{4}, 600<<10), got, "live records survive the gc")
}

func TestQueueGCOnEmptyQueue(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), 1<<20)

	// front-1 wraps below zero; the bounds violation is swallowed.
	require.NoError(t, q.GC())

	require.NoError(t, q.Enqueue([]byte("a")))
	_, err := q.Dequeue()
	require.NoError(t, err)
	require.NoError(t, q.GC())
}

func TestQueueSizeProgression(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), 1<<20)

	assert.True(t, q.IsEmpty())
	for i := 1; i <= 10; i++ {
		require.NoError(t, q.Enqueue([]byte("n")))
		assert.Equal(t, uint64(i), q.Size())
		assert.False(t, q.IsEmpty())
	}
	for i := 9; i >= 0; i-- {
		_, err := q.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, uint64(i), q.Size())
	}
	assert.True(t, q.IsEmpty())
}

func TestQueueInterleavedOrdering(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), 1<<20)

	var produced, consumed []string
	for i := 0; i < 50; i++ {
		msg := fmt.Sprintf("msg-%d", i)
		produced = append(produced, msg)
		require.NoError(t, q.Enqueue([]byte(msg)))

		if i%3 == 0 {
			got, err := q.Dequeue()
			require.NoError(t, err)
			consumed = append(consumed, string(got))
		}
	}
	for {
		got, err := q.Dequeue()
		require.NoError(t, err)
		if got == nil {
			break
		}
		consumed = append(consumed, string(got))
	}

	assert.Equal(t, produced, consumed, "dequeue order equals enqueue order")
}
