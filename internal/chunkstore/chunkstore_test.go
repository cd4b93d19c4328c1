package chunkstore

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s Store) {
	t.Helper()
	assert.Equal(t, uint32(3), s.NumChunks())
	assert.Equal(t, uint32(32768), s.ChunkSize(0))
	assert.Equal(t, uint32(10000), s.ChunkSize(2))
	assert.Equal(t, uint64(2*32768+10000), s.TotalSize())

	data := bytes.Repeat([]byte("a"), 16384)
	require.NoError(t, s.WriteBlock(1, 0, data))
	require.NoError(t, s.WriteBlock(1, 16384, data))
	assert.Equal(t, Downloading, s.Status(1))

	got, err := s.ReadBlock(1, 16384, 16384)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	assert.Equal(t, ErrInvalidChunk, s.WriteBlock(3, 0, data))
	assert.Equal(t, ErrInvalidRange, s.WriteBlock(2, 0, data))

	require.NoError(t, s.Commit(1))
	assert.Equal(t, OnDisk, s.Status(1))
	assert.True(t, s.Have().Test(1))
	assert.Equal(t, uint32(2), s.ChunksLeft())
	assert.Equal(t, uint64(32768+10000), s.BytesLeft())
	assert.False(t, s.Completed())

	require.NoError(t, s.Reset(1))
	assert.Equal(t, NotOnDisk, s.Status(1))
	assert.False(t, s.Have().Test(1))

	s.SetPriority(0, PriorityExcluded)
	assert.True(t, s.Excluded(0))
	assert.Equal(t, uint32(2), s.ChunksLeft())

	require.NoError(t, s.Commit(1))
	require.NoError(t, s.Commit(2))
	assert.True(t, s.Completed(), "excluded chunks do not block completion")
}

func TestMemory(t *testing.T) {
	testStore(t, NewMemory(32768, 2*32768+10000))
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	s, err := NewFile(path, 32768, 2*32768+10000)
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}

func TestFileRestoreHave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	s, err := NewFile(path, 16384, 3*16384)
	require.NoError(t, err)
	require.NoError(t, s.Commit(0))
	have := s.Have().Copy()
	require.NoError(t, s.Close())

	s2, err := NewFile(path, 16384, 3*16384)
	require.NoError(t, err)
	defer s2.Close()
	s2.RestoreHave(have)
	assert.Equal(t, OnDisk, s2.Status(0))
	assert.Equal(t, uint32(2), s2.ChunksLeft())
}
