package fastqueue

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fastsoft/fastqueue/internal/page"
)

// frontPageDir is the sibling directory holding the persistent front cursor.
const frontPageDir = "front_index"

// Queue is a persistent FIFO byte-message queue. It overlays a durable
// front cursor on an Array: enqueue appends to the array, dequeue reads the
// record at the front cursor and advances it. Queue capacity is bounded
// only by disk space.
//
// A Queue must not be shared between processes. After Close, no method
// other than Close and Future.Cancel may be called.
type Queue struct {
	array        *Array
	frontFactory *page.Factory
	logger       *Logger

	// front is the id of the next record to dequeue. frontMu covers
	// dequeue, removal, iteration, and flush.
	front   atomic.Uint64
	frontMu sync.Mutex

	// futMu covers creation, completion, and cancellation of the one-shot
	// futures handed out by DequeueAsync and PeekAsync.
	futMu         sync.Mutex
	dequeueFuture *settableFuture
	peekFuture    *settableFuture
}

// Open opens or creates the queue stored under dir/name.
func Open(dir, name string, optFns ...func(o *Options)) (*Queue, error) {
	opts := resolveOptions(optFns)

	if opts.DataPageSize < MinimumDataPageSize || opts.DataPageSize&(opts.DataPageSize-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageSize, opts.DataPageSize)
	}

	return openQueue(dir, name, opts)
}

func openQueue(dir, name string, opts Options) (*Queue, error) {
	array, err := openArray(dir, name, opts)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		array:  array,
		logger: opts.Logger.WithQueue(name),
	}

	q.frontFactory, err = page.NewFactory(filepath.Join(array.Dir(), frontPageDir), indexPageSize,
		func(o *page.FactoryOptions) {
			o.TTL = opts.CacheTTL
			o.Logger = q.logger.Logger
		})
	if err != nil {
		_ = array.Close()
		return nil, err
	}

	front, err := readIndexSlot(q.frontFactory)
	if err != nil {
		_ = array.Close()
		return nil, err
	}
	q.front.Store(front)

	return q, nil
}

// Enqueue appends data to the back of the queue. On success any pending
// async dequeue or peek futures are completed.
func (q *Queue) Enqueue(data []byte) error {
	if _, err := q.array.Append(data); err != nil {
		return err
	}
	q.completeFutures()
	return nil
}

// Dequeue removes and returns the record at the front of the queue.
// It returns nil, nil when the queue is empty.
func (q *Queue) Dequeue() ([]byte, error) {
	q.frontMu.Lock()
	defer q.frontMu.Unlock()

	if q.IsEmpty() {
		return nil, nil
	}

	front := q.front.Load()
	data, err := q.array.Get(front)
	if err != nil {
		return nil, err
	}

	next := wrapAdd(front, 1)
	if err := writeIndexSlot(q.frontFactory, next); err != nil {
		return nil, err
	}
	q.front.Store(next)
	return data, nil
}

// Peek returns the record at the front of the queue without removing it.
// It returns nil, nil when the queue is empty.
func (q *Queue) Peek() ([]byte, error) {
	if q.IsEmpty() {
		return nil, nil
	}
	return q.array.Get(q.front.Load())
}

// DequeueAsync returns a one-shot future for the next dequeue. When the
// queue is non-empty the future completes immediately; otherwise it is
// completed by the next successful Enqueue. Once a future has settled, a
// subsequent call starts a fresh one.
func (q *Queue) DequeueAsync() Future {
	q.futMu.Lock()
	defer q.futMu.Unlock()

	if q.dequeueFuture == nil || q.dequeueFuture.isSettled() {
		q.dequeueFuture = newSettableFuture()
	}
	if !q.IsEmpty() {
		q.settleWithDequeue(q.dequeueFuture)
	}
	return q.dequeueFuture
}

// PeekAsync returns a one-shot future for the next peek. Completion rules
// match DequeueAsync, but the front cursor is never advanced.
func (q *Queue) PeekAsync() Future {
	q.futMu.Lock()
	defer q.futMu.Unlock()

	if q.peekFuture == nil || q.peekFuture.isSettled() {
		q.peekFuture = newSettableFuture()
	}
	if !q.IsEmpty() {
		q.settleWithPeek(q.peekFuture)
	}
	return q.peekFuture
}

// completeFutures settles any pending futures after a successful enqueue.
func (q *Queue) completeFutures() {
	q.futMu.Lock()
	defer q.futMu.Unlock()

	if q.peekFuture != nil && !q.peekFuture.isSettled() {
		q.settleWithPeek(q.peekFuture)
	}
	if q.dequeueFuture != nil && !q.dequeueFuture.isSettled() {
		q.settleWithDequeue(q.dequeueFuture)
	}
}

func (q *Queue) settleWithDequeue(f *settableFuture) {
	data, err := q.Dequeue()
	if err != nil {
		f.setErr(err)
		return
	}
	f.set(data)
}

func (q *Queue) settleWithPeek(f *settableFuture) {
	data, err := q.Peek()
	if err != nil {
		f.setErr(err)
		return
	}
	f.set(data)
}

// ApplyForEach calls visit with every record between the front cursor and
// the head, in order, without advancing the front cursor. A non-nil error
// from visit stops the iteration and is returned.
func (q *Queue) ApplyForEach(visit func(data []byte) error) error {
	q.frontMu.Lock()
	defer q.frontMu.Unlock()

	head := q.array.HeadIndex()
	for i := q.front.Load(); i != head; i = wrapAdd(i, 1) {
		data, err := q.array.Get(i)
		if err != nil {
			return err
		}
		if err := visit(data); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the number of records waiting to be dequeued.
func (q *Queue) Size() uint64 {
	return wrapSub(q.array.HeadIndex(), q.front.Load())
}

// IsEmpty reports whether the queue holds no records.
func (q *Queue) IsEmpty() bool {
	return q.front.Load() == q.array.HeadIndex()
}

// RemoveAll empties the queue and deletes every page file of every stream.
func (q *Queue) RemoveAll() error {
	q.frontMu.Lock()
	defer q.frontMu.Unlock()

	if err := q.array.RemoveAll(); err != nil {
		return err
	}
	q.front.Store(0)
	return q.frontFactory.DeleteAllPages()
}

// GC reclaims page files that hold only already-dequeued records. Records
// from the front cursor onwards remain retrievable.
func (q *Queue) GC() error {
	before := wrapSub(q.front.Load(), 1)
	if err := q.array.RemoveBeforeIndex(before); err != nil {
		if errors.Is(err, ErrIndexOutOfRange) {
			return nil
		}
		return err
	}
	return nil
}

// Flush forces the front cursor and all array streams to stable storage.
func (q *Queue) Flush() error {
	q.frontMu.Lock()
	defer q.frontMu.Unlock()

	if err := q.frontFactory.Flush(); err != nil {
		return err
	}
	return q.array.Flush()
}

// Close releases the cached front-cursor pages, cancels any pending
// futures without interrupting producers, and closes the array.
func (q *Queue) Close() error {
	firstErr := q.frontFactory.ReleaseCachedPages()

	q.futMu.Lock()
	if q.peekFuture != nil {
		q.peekFuture.Cancel()
	}
	if q.dequeueFuture != nil {
		q.dequeueFuture.Cancel()
	}
	q.futMu.Unlock()

	if err := q.array.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
