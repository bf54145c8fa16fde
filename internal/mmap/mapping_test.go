package mmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapTempFile(t *testing.T, size int) (*Mapping, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.dat")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(size)))

	m, err := Map(f.Fd(), size)
	require.NoError(t, err)

	// The mapping must survive closing the descriptor.
	require.NoError(t, f.Close())
	return m, path
}

func TestMapWriteFlushReopen(t *testing.T) {
	const size = 4096
	m, path := mapTempFile(t, size)

	copy(m.Bytes(), "hello mapped world")
	require.NoError(t, m.Flush())
	require.NoError(t, m.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, size)
	assert.Equal(t, "hello mapped world", string(raw[:18]))

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	m2, err := Map(f.Fd(), size)
	require.NoError(t, err)
	defer m2.Close()
	assert.Equal(t, "hello mapped world", string(m2.Bytes()[:18]))
}

func TestMapInvalidSize(t *testing.T) {
	_, err := Map(0, 0)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = Map(0, -1)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestCloseIdempotent(t *testing.T) {
	m, _ := mapTempFile(t, 4096)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Nil(t, m.Bytes())
	assert.ErrorIs(t, m.Flush(), ErrClosed)
	assert.ErrorIs(t, m.Advise(AccessRandom), ErrClosed)
}

func TestSize(t *testing.T) {
	m, _ := mapTempFile(t, 8192)
	defer m.Close()

	assert.Equal(t, 8192, m.Size())
	assert.Len(t, m.Bytes(), 8192)
}

func TestAdvise(t *testing.T) {
	m, _ := mapTempFile(t, 4096)
	defer m.Close()

	for _, pattern := range []AccessPattern{AccessDefault, AccessSequential, AccessRandom, AccessWillNeed} {
		assert.NoError(t, m.Advise(pattern))
	}
}

func TestSharedVisibility(t *testing.T) {
	const size = 4096
	path := filepath.Join(t.TempDir(), "shared.dat")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	defer f.Close()

	m1, err := Map(f.Fd(), size)
	require.NoError(t, err)
	defer m1.Close()

	m2, err := Map(f.Fd(), size)
	require.NoError(t, err)
	defer m2.Close()

	copy(m1.Bytes()[100:], "ping")
	assert.Equal(t, "ping", string(m2.Bytes()[100:104]))
}
