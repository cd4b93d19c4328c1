package downloader

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/ashl1/libktorrent-stream/internal/chunkstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStreamingDownloader(t *testing.T, numChunks uint32) (*Downloader, *StreamingChunkSelector, *chunkstore.Memory, *clock.Mock) {
	t.Helper()
	info, store := testTorrent(16384, numChunks)
	pman := &fakePeerManager{}
	clk := clock.NewMock()
	d := New(info, store, pman, clk)
	sel := NewStreamingChunkSelector()
	d.SetChunkSelector(sel)
	return d, sel, store, clk
}

func TestStreamingPreempt(t *testing.T) {
	d, sel, _, _ := newStreamingDownloader(t, 210)

	slow := newFakePD("slow")
	slow.addChunks(103)
	slow.rate, slow.avgRate = 1024, 1024

	fast := newFakePD("fast")
	fast.addChunks(103, 200)
	fast.rate, fast.avgRate = 100*1024, 100*1024

	d.AddPieceDownloader(slow)
	d.AddPieceDownloader(fast)
	d.assignToChunk(slow, 103)
	d.assignToChunk(fast, 200)

	// playback reaches chunk 100; chunk 103 downloads at ~1 KiB/s and
	// would take 16 s against a ~4 s deadline
	sel.SetCursor(100)

	cd := d.GetChunkDownload(103)
	require.NotNil(t, cd)
	assert.True(t, cd.ContainsDownloader(fast), "fast peer reassigned to the late chunk")
	assert.False(t, d.GetChunkDownload(200).ContainsDownloader(fast))
	assert.True(t, cd.ContainsDownloader(slow), "slow peer keeps helping")
	assert.True(t, sel.Manager().meetsRequirement(103), "deadline met after reassignment")
}

func TestStreamingSelectFromRequiredBuffer(t *testing.T) {
	_, sel, _, _ := newStreamingDownloader(t, 50)
	pd := newFakePD("peer1")
	pd.hasAll = true
	chunk, ok := sel.Select(pd)
	require.True(t, ok)
	assert.Equal(t, uint32(0), chunk, "first late chunk of the required buffer")
}

func TestStreamingSelectFromPreferredBuffer(t *testing.T) {
	_, sel, store, _ := newStreamingDownloader(t, 50)
	for i := uint32(0); i <= 12; i++ {
		require.NoError(t, store.Commit(i))
	}
	pd := newFakePD("peer1")
	pd.addChunks(15)
	chunk, ok := sel.Select(pd)
	require.True(t, ok)
	assert.Equal(t, uint32(15), chunk)
}

func TestStreamingPreviewBeatsEverything(t *testing.T) {
	d, _, store, _ := newStreamingDownloader(t, 50)
	store.SetPriority(40, chunkstore.PriorityPreview)

	// re-init so the preview set is rebuilt
	sel := NewStreamingChunkSelector()
	d.SetChunkSelector(sel)

	pd := newFakePD("peer1")
	pd.hasAll = true
	chunk, ok := sel.Select(pd)
	require.True(t, ok)
	assert.Equal(t, uint32(40), chunk)
}

func TestPreviewDownloaderCap(t *testing.T) {
	d, _, store, _ := newStreamingDownloader(t, 50)
	store.SetPriority(40, chunkstore.PriorityPreview)
	sel := NewStreamingChunkSelector()
	d.SetChunkSelector(sel)

	for i := 0; i < 3; i++ {
		pd := newFakePD("peer")
		pd.hasAll = true
		chunk, ok := sel.Select(pd)
		require.True(t, ok)
		require.Equal(t, uint32(40), chunk)
		d.assignToChunk(pd, chunk)
	}

	pd := newFakePD("late")
	pd.hasAll = true
	chunk, ok := sel.Select(pd)
	require.True(t, ok)
	assert.NotEqual(t, uint32(40), chunk, "three downloaders are enough for one preview chunk")
}

func TestChunkAskedMeasuresPlayback(t *testing.T) {
	_, sel, _, clk := newStreamingDownloader(t, 50)
	m := sel.Manager()
	assert.Equal(t, time.Second, m.timeLastChunkPlayedFor)

	sel.SetCursor(5)
	clk.Add(2 * time.Second)
	sel.SetCursor(6)
	assert.Equal(t, 2*time.Second, m.timeLastChunkPlayedFor, "consecutive asks measure playback")

	clk.Add(7 * time.Second)
	sel.SetCursor(20)
	assert.Equal(t, 2*time.Second, m.timeLastChunkPlayedFor, "a seek keeps the previous measurement")
}

func TestRequiredBufferSizing(t *testing.T) {
	_, sel, _, clk := newStreamingDownloader(t, 50)
	m := sel.Manager()
	assert.Equal(t, uint32(10), m.sizeOfBufferRequired())

	sel.SetCursor(5)
	clk.Add(5 * time.Second)
	sel.SetCursor(6)
	assert.Equal(t, uint32(3), m.sizeOfBufferRequired(), "floored at the minimum")

	sel.SetCursor(7) // zero gap: ignored, the 5 s measurement stays
	assert.Equal(t, uint32(10), sizeForPlayback(time.Second))
}

// sizeForPlayback applies the sizing rule to a given playback time, for
// readability of the test above.
func sizeForPlayback(playedFor time.Duration) uint32 {
	m := &StreamManager{timeLastChunkPlayedFor: playedFor}
	return m.sizeOfBufferRequired()
}

func TestStreamingFallsBackToDefault(t *testing.T) {
	_, sel, store, _ := newStreamingDownloader(t, 5)
	// everything ahead of the cursor is done, only chunk 0 is missing
	for i := uint32(1); i < 5; i++ {
		require.NoError(t, store.Commit(i))
	}
	sel.SetCursor(2)
	pd := newFakePD("peer1")
	pd.hasAll = true
	chunk, ok := sel.Select(pd)
	require.True(t, ok)
	assert.Equal(t, uint32(0), chunk)
}
