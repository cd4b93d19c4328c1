package boltdbresumer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ashl1/libktorrent-stream/internal/resumer"
	"github.com/boltdb/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "resume.db"), 0640, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRoundTrip(t *testing.T) {
	db := openDB(t)
	r, err := New(db, []byte("torrents"), []byte("id1"))
	require.NoError(t, err)

	spec := &Spec{
		InfoHash:  []byte("01234567890123456789"),
		Dest:      "/tmp/data",
		Name:      "test torrent",
		Info:      []byte("d4:name4:teste"),
		Bitfield:  []byte{0xf0},
		CreatedAt: time.Date(2015, 4, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, r.Write(spec))
	require.NoError(t, r.WriteStats(resumer.Stats{BytesDownloaded: 1000, BytesWasted: 16384}))

	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, spec.InfoHash, got.InfoHash)
	assert.Equal(t, spec.Dest, got.Dest)
	assert.Equal(t, spec.Name, got.Name)
	assert.Equal(t, spec.Info, got.Info)
	assert.Equal(t, spec.Bitfield, got.Bitfield)
	assert.Equal(t, int64(1000), got.BytesDownloaded)
	assert.Equal(t, int64(16384), got.BytesWasted)
	assert.True(t, spec.CreatedAt.Equal(got.CreatedAt))
}

func TestWriteBitfield(t *testing.T) {
	db := openDB(t)
	r, err := New(db, []byte("torrents"), []byte("id1"))
	require.NoError(t, err)
	require.NoError(t, r.WriteBitfield([]byte{0xaa, 0x80}))
	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0x80}, got.Bitfield)
}
