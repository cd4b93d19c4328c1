package downloader

import (
	"testing"

	"github.com/ashl1/libktorrent-stream/internal/chunkstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSelector(t *testing.T, numChunks uint32) (*DefaultSelector, *Downloader, *chunkstore.Memory) {
	t.Helper()
	d, store, _, _ := newTestDownloader(t, 16384, numChunks)
	return d.ChunkSelector().(*DefaultSelector), d, store
}

func TestSelectRespectsExclusions(t *testing.T) {
	sel, _, store := newTestSelector(t, 4)
	require.NoError(t, store.Commit(0))
	store.SetPriority(1, chunkstore.PriorityExcluded)

	pd := newFakePD("peer1")
	pd.hasAll = true
	seen := make(map[uint32]bool)
	for {
		chunk, ok := sel.Select(pd)
		if !ok {
			break
		}
		seen[chunk] = true
		assert.NotEqual(t, chunkstore.OnDisk, store.Status(chunk))
		assert.False(t, store.Excluded(chunk))
	}
	assert.Equal(t, map[uint32]bool{2: true, 3: true}, seen)
}

func TestSelectSkipsChunksPeerDoesNotHave(t *testing.T) {
	sel, _, _ := newTestSelector(t, 4)
	pd := newFakePD("peer1")
	pd.addChunks(2)
	chunk, ok := sel.Select(pd)
	require.True(t, ok)
	assert.Equal(t, uint32(2), chunk)

	pd2 := newFakePD("peer2")
	_, ok = sel.Select(pd2)
	assert.False(t, ok, "peer with empty availability gets nothing")
}

func TestSelectRarestFirst(t *testing.T) {
	sel, d, _ := newTestSelector(t, 4)
	// everyone has chunk 0 and 1, only one peer has chunk 3
	for i := 0; i < 5; i++ {
		d.Availability().Inc(0)
		d.Availability().Inc(1)
	}
	d.Availability().Inc(2)
	d.Availability().Inc(2)
	d.Availability().Inc(3)

	pd := newFakePD("peer1")
	pd.hasAll = true
	chunk, ok := sel.Select(pd)
	require.True(t, ok)
	assert.Equal(t, uint32(3), chunk, "rarest chunk goes first")
}

func TestSelectPriorityBandsBeatRarity(t *testing.T) {
	sel, d, store := newTestSelector(t, 4)
	for i := 0; i < 5; i++ {
		d.Availability().Inc(1)
	}
	store.SetPriority(1, chunkstore.PriorityPreview)

	pd := newFakePD("peer1")
	pd.hasAll = true
	chunk, ok := sel.Select(pd)
	require.True(t, ok)
	assert.Equal(t, uint32(1), chunk)
}

func TestSelectPrefersUniqueChunks(t *testing.T) {
	sel, d, _ := newTestSelector(t, 2)
	pd1 := newFakePD("peer1")
	pd1.hasAll = true
	chunk, ok := sel.Select(pd1)
	require.True(t, ok)
	d.assignToChunk(pd1, chunk)

	pd2 := newFakePD("peer2")
	pd2.hasAll = true
	chunk2, ok := sel.Select(pd2)
	require.True(t, ok)
	assert.NotEqual(t, chunk, chunk2, "unique chunk preferred over doubling up")

	d.assignToChunk(pd2, chunk2)
	pd3 := newFakePD("peer3")
	pd3.hasAll = true
	chunk3, ok := sel.Select(pd3)
	require.True(t, ok, "with nothing unique left an active chunk is handed out")
	assert.Contains(t, []uint32{chunk, chunk2}, chunk3)
}

func TestReinsertMakesChunkSelectableAgain(t *testing.T) {
	sel, _, _ := newTestSelector(t, 1)
	pd := newFakePD("peer1")
	pd.hasAll = true
	chunk, ok := sel.Select(pd)
	require.True(t, ok)
	_, ok = sel.Select(pd)
	require.False(t, ok)

	sel.Reinsert(chunk)
	got, ok := sel.Select(pd)
	require.True(t, ok)
	assert.Equal(t, chunk, got)
}

func TestSelectRange(t *testing.T) {
	sel, _, store := newTestSelector(t, 10)
	require.NoError(t, store.Commit(3))
	store.SetPriority(7, chunkstore.PriorityExcluded)

	from, to, ok := sel.SelectRange(16)
	require.True(t, ok)
	assert.Equal(t, uint32(0), from)
	assert.Equal(t, uint32(2), to, "runs stop at on-disk and excluded chunks")

	from, to, ok = sel.SelectRange(2)
	require.True(t, ok)
	assert.LessOrEqual(t, to-from+1, uint32(2))
}

func TestSelectRangeNothingLeft(t *testing.T) {
	sel, _, store := newTestSelector(t, 2)
	require.NoError(t, store.Commit(0))
	require.NoError(t, store.Commit(1))
	_, _, ok := sel.SelectRange(4)
	assert.False(t, ok)
}

func TestDataCheckedSynchronises(t *testing.T) {
	sel, _, store := newTestSelector(t, 3)
	require.NoError(t, store.Commit(1))
	ok := store.Have().Copy()
	sel.DataChecked(ok, 0, 2)

	pd := newFakePD("peer1")
	pd.hasAll = true
	var got []uint32
	for {
		chunk, found := sel.Select(pd)
		if !found {
			break
		}
		got = append(got, chunk)
	}
	assert.Equal(t, []uint32{0, 2}, got)
}

func TestAvailabilityCounter(t *testing.T) {
	a := NewAvailability(4)
	a.Inc(1)
	a.Inc(1)
	a.Dec(1)
	assert.Equal(t, uint32(1), a.Count(1))
	assert.Equal(t, uint32(0), a.Count(0))
	a.Dec(0) // no underflow
	assert.Equal(t, uint32(0), a.Count(0))
}
