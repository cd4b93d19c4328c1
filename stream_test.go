package stream

import (
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashl1/libktorrent-stream/internal/bitfield"
	"github.com/ashl1/libktorrent-stream/internal/chunkstore"
	"github.com/ashl1/libktorrent-stream/internal/metainfo"
	"github.com/ashl1/libktorrent-stream/internal/peerprotocol"
	"github.com/ashl1/libktorrent-stream/internal/resumer/boltdbresumer"
	"github.com/boltdb/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContent(chunkSize, numChunks uint32) ([]byte, *metainfo.Info) {
	content := make([]byte, int(chunkSize)*int(numChunks))
	for i := range content {
		content[i] = byte(i * 7)
	}
	pieces := make([]byte, 0, numChunks*sha1.Size)
	for i := uint32(0); i < numChunks; i++ {
		h := sha1.Sum(content[i*chunkSize : (i+1)*chunkSize])
		pieces = append(pieces, h[:]...)
	}
	info := &metainfo.Info{
		PieceLength: chunkSize,
		Pieces:      pieces,
		Name:        "facade-test",
		NumPieces:   numChunks,
		TotalLength: int64(chunkSize) * int64(numChunks),
	}
	return content, info
}

// serveSeed acts as a remote peer that has everything and answers
// every request.
func serveSeed(t *testing.T, conn net.Conn, content []byte) {
	t.Helper()
	go func() {
		if err := peerprotocol.WriteMessage(conn, peerprotocol.HaveAllMessage{}); err != nil {
			return
		}
		if err := peerprotocol.WriteMessage(conn, peerprotocol.UnchokeMessage{}); err != nil {
			return
		}
		for {
			msg, err := peerprotocol.ReadMessage(conn)
			if err == peerprotocol.ErrKeepAlive {
				continue
			}
			if err != nil {
				return
			}
			req, ok := msg.(peerprotocol.RequestMessage)
			if !ok {
				continue
			}
			begin := uint64(req.Index)*16384 + uint64(req.Begin) // chunk size is one block in these tests
			piece := peerprotocol.PieceMessage{
				Index: req.Index,
				Begin: req.Begin,
				Data:  content[begin : begin+uint64(req.Length)],
			}
			if err = peerprotocol.WriteMessage(conn, piece); err != nil {
				return
			}
		}
	}()
}

func fastConfig(t *testing.T) *Config {
	cfg := DefaultConfig
	cfg.DataDir = t.TempDir()
	cfg.UpdateInterval = 10 * time.Millisecond
	cfg.StreamManagerInterval = 20 * time.Millisecond
	cfg.SpeedCounterInterval = 50 * time.Millisecond
	return &cfg
}

func TestDownloadFromSeedingPeer(t *testing.T) {
	content, info := testContent(16384, 8)
	store := chunkstore.NewMemory(16384, uint64(len(content)))

	tor, err := NewTorrent(Options{Info: info, Store: store, Config: fastConfig(t)})
	require.NoError(t, err)
	tor.Start()

	local, remote := net.Pipe()
	serveSeed(t, remote, content)
	tor.AddPeer(local, [20]byte{42}, true, false)

	select {
	case <-tor.NotifyComplete():
	case <-time.After(10 * time.Second):
		t.Fatal("download did not complete")
	}
	assert.True(t, store.Completed())
	for i := uint32(0); i < 8; i++ {
		got, err := store.ReadBlock(i, 0, 16384)
		require.NoError(t, err)
		assert.Equal(t, content[i*16384:(i+1)*16384], got)
	}
	tor.Close()
	assert.NoError(t, tor.Error())
}

func TestResumeBitfieldWritten(t *testing.T) {
	content, info := testContent(16384, 4)
	store := chunkstore.NewMemory(16384, uint64(len(content)))

	db, err := bolt.Open(filepath.Join(t.TempDir(), "resume.db"), 0640, nil)
	require.NoError(t, err)
	defer db.Close()
	res, err := boltdbresumer.New(db, []byte("torrents"), []byte("t1"))
	require.NoError(t, err)

	tor, err := NewTorrent(Options{Info: info, Store: store, Config: fastConfig(t), Resumer: res})
	require.NoError(t, err)
	tor.Start()

	local, remote := net.Pipe()
	serveSeed(t, remote, content)
	tor.AddPeer(local, [20]byte{43}, true, false)

	select {
	case <-tor.NotifyComplete():
	case <-time.After(10 * time.Second):
		t.Fatal("download did not complete")
	}
	tor.Close()

	spec, err := res.Read()
	require.NoError(t, err)
	bf, err := bitfield.NewBytes(spec.Bitfield, 4)
	require.NoError(t, err)
	assert.True(t, bf.All())
	assert.Equal(t, int64(4*16384), spec.BytesDownloaded)
}

func TestPartialStateSavedOnClose(t *testing.T) {
	_, info := testContent(16384, 4)
	store := chunkstore.NewMemory(16384, 4*16384)
	cfg := fastConfig(t)

	tor, err := NewTorrent(Options{Info: info, Store: store, Config: cfg})
	require.NoError(t, err)
	tor.Start()
	tor.Close()

	_, err = os.Stat(filepath.Join(cfg.DataDir, currentChunksFile))
	assert.NoError(t, err, "partial state file written on close")
}

func TestStreamingTorrentSetCursor(t *testing.T) {
	content, info := testContent(16384, 8)
	store := chunkstore.NewMemory(16384, uint64(len(content)))

	tor, err := NewTorrent(Options{Info: info, Store: store, Config: fastConfig(t), Streaming: true})
	require.NoError(t, err)
	tor.Start()
	defer tor.Close()

	local, remote := net.Pipe()
	serveSeed(t, remote, content)
	tor.AddPeer(local, [20]byte{44}, true, false)
	tor.SetCursor(2)

	select {
	case <-tor.NotifyComplete():
	case <-time.After(10 * time.Second):
		t.Fatal("download did not complete")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("webseeds_enabled: false\nupdate_interval: 2000000000\n"), 0644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.WebSeedsEnabled)
	assert.Equal(t, 2*time.Second, cfg.UpdateInterval)
	assert.Equal(t, DefaultConfig.SpeedCounterInterval, cfg.SpeedCounterInterval)

	cfg, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig.WebSeedsEnabled, cfg.WebSeedsEnabled)
}
