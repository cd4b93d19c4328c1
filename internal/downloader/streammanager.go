package downloader

import (
	"math"
	"sort"
	"time"
)

const (
	// secondsInBufferRequired sizes the required buffer in playback
	// seconds.
	secondsInBufferRequired = 10
	// initialTimeChunkPlayedFor is assumed until real playback timing
	// arrives.
	initialTimeChunkPlayedFor = time.Second
	// streamingSpeedReserve is the extra rate demanded when borrowing
	// bandwidth for a late chunk, in bytes/s.
	streamingSpeedReserve = 20 * 1024
	// minChunksStreamingBufferRequired floors the required buffer.
	minChunksStreamingBufferRequired = 3
	// sizeOfBufferPreferred is the preferred window in chunks.
	sizeOfBufferPreferred = 10
	// StreamManagerInterval is how often the deadline watcher runs.
	StreamManagerInterval = 2 * time.Second
)

// infiniteDuration stands in for "this chunk will never finish at the
// current rate".
const infiniteDuration = time.Duration(math.MaxInt64)

// StreamManager watches the chunks ahead of the playback cursor and
// reassigns piece downloaders when a chunk would miss its deadline.
type StreamManager struct {
	sel *StreamingChunkSelector
	d   *Downloader

	bufRequiredFrom  uint32
	bufRequiredTo    uint32
	bufPreferredFrom uint32
	bufPreferredTo   uint32

	indexChunkLastAsked    uint32
	lastTimeNewChunkAsked  time.Time
	timeLastChunkPlayedFor time.Duration

	peersOutsidePreferred []PieceDownloader
	peersInsidePreferred  []PieceDownloader
	peersInsideRequired   []PieceDownloader
}

// NewStreamManager creates the deadline watcher for sel.
func NewStreamManager(sel *StreamingChunkSelector, d *Downloader) *StreamManager {
	return &StreamManager{
		sel:                    sel,
		d:                      d,
		timeLastChunkPlayedFor: initialTimeChunkPlayedFor,
		lastTimeNewChunkAsked:  d.clk.Now(),
	}
}

// ChunkAsked records that the player started consuming a chunk. The
// wall-clock gap between consecutive asks measures playback speed;
// seeks keep the previous measurement.
func (m *StreamManager) ChunkAsked(index uint32) {
	now := m.d.clk.Now()
	if index == m.indexChunkLastAsked+1 {
		if gap := now.Sub(m.lastTimeNewChunkAsked); gap > 0 {
			m.timeLastChunkPlayedFor = gap
		}
	}
	m.lastTimeNewChunkAsked = now
	m.indexChunkLastAsked = index
	m.Update()
}

// ChunkDownloaded re-checks the buffers after any chunk completes.
func (m *StreamManager) ChunkDownloaded(index uint32) {
	m.Update()
}

// Update scans the required buffer and borrows bandwidth for every
// chunk that would miss its playback deadline.
func (m *StreamManager) Update() {
	index, ok := m.chunkFromBufferRequiredNotMeetingRequirement()
	if !ok {
		return
	}
	m.updateSortedPeersList()
	for ; index <= m.bufRequiredTo; index++ {
		if m.meetsRequirement(index) {
			continue
		}
		if m.tryReassignPeers(&m.peersOutsidePreferred, index) {
			continue
		}
		if m.tryReassignPeers(&m.peersInsidePreferred, index) {
			continue
		}
		m.dropPeersOnEarlierChunks(&m.peersInsideRequired, index)
		m.tryReassignPeers(&m.peersInsideRequired, index)
		if len(m.peersInsideRequired) == 0 {
			break
		}
	}
}

// SelectChunkFromBufferRequired finds the first chunk of the required
// buffer that misses its deadline and that pd can serve.
func (m *StreamManager) SelectChunkFromBufferRequired(pd PieceDownloader) (uint32, bool) {
	m.updateBuffersRangeIndexes()
	for index := m.bufRequiredFrom; index <= m.bufRequiredTo; index++ {
		if !m.meetsRequirement(index) && pd.HasChunk(index) {
			return index, true
		}
	}
	return 0, false
}

// SelectChunkFromBufferPreferred finds work in the preferred buffer:
// the first chunk nobody downloads yet, otherwise the one that will
// take the longest to finish.
func (m *StreamManager) SelectChunkFromBufferPreferred(pd PieceDownloader) (uint32, bool) {
	m.updateBuffersRangeIndexes()
	var slowest uint32
	var slowestTime time.Duration
	for index := m.bufPreferredFrom; index <= m.bufPreferredTo; index++ {
		if m.isDownloaded(index) || m.sel.store.Excluded(index) || !pd.HasChunk(index) {
			continue
		}
		if !m.d.IsChunkDownloading(index) {
			return index, true
		}
		if t := m.timeDownloadFinish(index); t > slowestTime {
			slowestTime = t
			slowest = index
		}
	}
	if slowestTime > 0 {
		return slowest, true
	}
	return 0, false
}

func (m *StreamManager) chunkFromBufferRequiredNotMeetingRequirement() (uint32, bool) {
	m.updateBuffersRangeIndexes()
	for index := m.bufRequiredFrom; index <= m.bufRequiredTo; index++ {
		if !m.meetsRequirement(index) {
			return index, true
		}
	}
	return 0, false
}

func (m *StreamManager) currentPlayedChunkIndex() uint32 {
	return m.indexChunkLastAsked
}

// timeCurrentChunkFinishPlaying returns how much longer the chunk at
// the cursor plays for.
func (m *StreamManager) timeCurrentChunkFinishPlaying() time.Duration {
	played := m.d.clk.Now().Sub(m.lastTimeNewChunkAsked)
	if m.timeLastChunkPlayedFor > played {
		return m.timeLastChunkPlayedFor - played
	}
	return 0
}

func (m *StreamManager) sizeOfBufferRequired() uint32 {
	requiredByTime := uint32(math.Ceil(float64(secondsInBufferRequired*time.Second) / float64(m.timeLastChunkPlayedFor)))
	if requiredByTime < minChunksStreamingBufferRequired {
		return minChunksStreamingBufferRequired
	}
	return requiredByTime
}

func (m *StreamManager) updateBuffersRangeIndexes() {
	rangeEnd := m.sel.RangeEnd()
	current := m.currentPlayedChunkIndex()
	m.bufRequiredFrom = current
	if m.isDownloaded(current) && m.bufRequiredFrom != rangeEnd {
		m.bufRequiredFrom++
	}
	m.bufRequiredTo = minUint32(m.bufRequiredFrom+m.sizeOfBufferRequired()-1, rangeEnd)
	m.bufPreferredFrom = minUint32(m.bufRequiredTo+1, rangeEnd)
	m.bufPreferredTo = minUint32(m.bufRequiredTo+sizeOfBufferPreferred, rangeEnd)
}

func (m *StreamManager) isDownloaded(index uint32) bool {
	return m.sel.store.Have().Test(index)
}

func (m *StreamManager) bytesLeftOf(index uint32) uint64 {
	if cd := m.d.GetChunkDownload(index); cd != nil {
		return cd.BytesLeft()
	}
	return uint64(m.sel.store.ChunkSize(index))
}

// timeDownloadFinish estimates when the chunk completes at the current
// rate: zero when on disk, infinite when nothing is downloading it.
func (m *StreamManager) timeDownloadFinish(index uint32) time.Duration {
	if m.isDownloaded(index) {
		return 0
	}
	if cd := m.d.GetChunkDownload(index); cd != nil {
		if speed := cd.AverageDownloadSpeed(); speed != 0 {
			return time.Duration(m.bytesLeftOf(index)/uint64(speed)) * time.Second
		}
	}
	return infiniteDuration
}

// timeUntilRequired estimates when the player will need the chunk.
func (m *StreamManager) timeUntilRequired(index uint32) time.Duration {
	between := index - m.currentPlayedChunkIndex()
	return m.timeCurrentChunkFinishPlaying() + time.Duration(between)*m.timeLastChunkPlayedFor
}

// meetsRequirement reports whether the chunk downloads before it is
// needed. Excluded chunks are never needed.
func (m *StreamManager) meetsRequirement(index uint32) bool {
	if m.sel.store.Excluded(index) {
		return true
	}
	return m.timeUntilRequired(index) >= m.timeDownloadFinish(index)
}

// tryReassignPeers moves sources from the sorted candidate list onto
// the late chunk until the estimated added rate covers what is left to
// download in the remaining time.
func (m *StreamManager) tryReassignPeers(peersSorted *[]PieceDownloader, chunk uint32) bool {
	var requiredRate uint64
	untilRequired := m.timeUntilRequired(chunk) / time.Second
	if untilRequired == 0 {
		// not started or due right now: demand the whole chunk within a
		// second instead of stealing every peer at once
		requiredRate = m.bytesLeftOf(chunk)
	} else {
		requiredRate = m.bytesLeftOf(chunk)/uint64(untilRequired) + streamingSpeedReserve
	}

	keep := (*peersSorted)[:0]
	for i, pd := range *peersSorted {
		if !pd.HasChunk(chunk) {
			keep = append(keep, pd)
			continue
		}
		m.d.StopAndReassignPieceDownloader(pd, chunk)
		actual := uint64(minUint32(pd.DownloadRate(), pd.AverageDownloadRate()))
		if requiredRate < actual {
			keep = append(keep, (*peersSorted)[i+1:]...)
			*peersSorted = keep
			return true
		}
		requiredRate -= actual
	}
	*peersSorted = keep
	return false
}

// dropPeersOnEarlierChunks removes candidates whose lowest assigned
// chunk is at or before the offending one; stealing from them would
// hurt more urgent work. The list is sorted by chunk index descending,
// so pruning happens at the tail.
func (m *StreamManager) dropPeersOnEarlierChunks(peersSorted *[]PieceDownloader, chunk uint32) {
	list := *peersSorted
	for len(list) > 0 && m.d.GetMinimalIndexDownloadingChunk(list[len(list)-1]) <= chunk {
		list = list[:len(list)-1]
	}
	*peersSorted = list
}

// movePeersAssignedForChunksInRange moves the sources working on
// [from, to] out of src into dst.
func (m *StreamManager) movePeersAssignedForChunksInRange(src *[]PieceDownloader, dst *[]PieceDownloader, from, to uint32) {
	keep := (*src)[:0]
	for _, pd := range *src {
		assigned := false
		for index := from; index <= to; index++ {
			if cd := m.d.GetChunkDownload(index); cd != nil && cd.ContainsDownloader(pd) {
				assigned = true
				break
			}
		}
		if assigned {
			*dst = append(*dst, pd)
		} else {
			keep = append(keep, pd)
		}
	}
	*src = keep
}

// updateSortedPeersList splits the pool into the three candidate lists
// and sorts them for reassignment.
func (m *StreamManager) updateSortedPeersList() {
	m.updateBuffersRangeIndexes()
	m.peersOutsidePreferred = m.d.PieceDownloaders()
	m.peersInsideRequired = m.peersInsideRequired[:0]
	m.peersInsidePreferred = m.peersInsidePreferred[:0]

	m.movePeersAssignedForChunksInRange(&m.peersOutsidePreferred, &m.peersInsideRequired, m.bufRequiredFrom, m.bufRequiredTo)
	m.movePeersAssignedForChunksInRange(&m.peersOutsidePreferred, &m.peersInsidePreferred, m.bufPreferredFrom, m.bufPreferredTo)

	byRate := func(list []PieceDownloader) {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].DownloadRate() > list[j].DownloadRate()
		})
	}
	byRate(m.peersOutsidePreferred)
	byRate(m.peersInsidePreferred)
	sort.SliceStable(m.peersInsideRequired, func(i, j int) bool {
		a := m.d.GetMinimalIndexDownloadingChunk(m.peersInsideRequired[i])
		b := m.d.GetMinimalIndexDownloadingChunk(m.peersInsideRequired[j])
		if a != b {
			return a > b
		}
		return m.peersInsideRequired[i].DownloadRate() > m.peersInsideRequired[j].DownloadRate()
	})
}

func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
