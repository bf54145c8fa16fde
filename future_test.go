package fastqueue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureSetOnce(t *testing.T) {
	f := newSettableFuture()
	assert.False(t, f.isSettled())

	f.set([]byte("first"))
	f.set([]byte("second")) // ignored: the future is one-shot

	got, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
	assert.True(t, f.isSettled())
}

func TestFutureSetErr(t *testing.T) {
	f := newSettableFuture()

	wantErr := fmt.Errorf("disk on fire")
	f.setErr(wantErr)

	_, err := f.Result()
	assert.ErrorIs(t, err, wantErr)
}

func TestFutureCancelBeforeSet(t *testing.T) {
	f := newSettableFuture()
	f.Cancel()

	f.set([]byte("late"))

	_, err := f.Result()
	assert.ErrorIs(t, err, ErrFutureCancelled)
}

func TestFutureConcurrentWaiters(t *testing.T) {
	f := newSettableFuture()

	const waiters = 8
	results := make([][]byte, waiters)

	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := f.Result()
			assert.NoError(t, err)
			results[i] = data
		}(i)
	}

	f.set([]byte("fanout"))
	wg.Wait()

	for i := 0; i < waiters; i++ {
		assert.Equal(t, "fanout", string(results[i]))
	}
}
