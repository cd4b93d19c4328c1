package downloader

import (
	"github.com/ashl1/libktorrent-stream/internal/bitfield"
	"github.com/ashl1/libktorrent-stream/internal/chunkstore"
)

const invalidChunk = ^uint32(0)

// maxDownloadersPerPreviewChunk caps how many sources pile on one
// preview chunk.
const maxDownloadersPerPreviewChunk = 3

// StreamingChunkSelector selects chunks in playback order: preview
// chunks first, then whatever the stream manager needs to keep the
// playback buffers filled, then the default policy.
type StreamingChunkSelector struct {
	*DefaultSelector

	rangeStart uint32
	rangeEnd   uint32
	cursor     uint32

	preview map[uint32]struct{}
	pending []uint32 // not yet downloaded indexes from cursor to rangeEnd, ascending

	manager *StreamManager
}

var _ ChunkSelector = (*StreamingChunkSelector)(nil)

// NewStreamingChunkSelector returns the streaming selection policy.
func NewStreamingChunkSelector() *StreamingChunkSelector {
	return &StreamingChunkSelector{
		DefaultSelector: NewDefaultSelector(),
		preview:         make(map[uint32]struct{}),
	}
}

// Init implements ChunkSelector.
func (s *StreamingChunkSelector) Init(store chunkstore.Store, d *Downloader) {
	s.DefaultSelector.Init(store, d)
	s.rangeEnd = store.NumChunks() - 1

	s.preview = make(map[uint32]struct{})
	for i := uint32(0); i <= s.rangeEnd; i++ {
		if store.Priority(i) == chunkstore.PriorityPreview {
			s.preview[i] = struct{}{}
		}
	}

	s.manager = NewStreamManager(s, d)
	d.OnChunkDownloaded(s.manager.ChunkDownloaded)
}

// Manager returns the deadline watcher; the tick driver calls its
// Update.
func (s *StreamingChunkSelector) Manager() *StreamManager { return s.manager }

// Cursor returns the chunk the player consumes right now.
func (s *StreamingChunkSelector) Cursor() uint32 { return s.cursor }

// RangeEnd returns the last chunk of the streamed range.
func (s *StreamingChunkSelector) RangeEnd() uint32 { return s.rangeEnd }

// SetCursor moves the playback position.
func (s *StreamingChunkSelector) SetCursor(chunk uint32) {
	if s.cursor != chunk {
		s.cursor = chunk
		s.updateRange()
		s.manager.ChunkAsked(chunk)
	}
}

// SetSequentialRange limits streaming to [from, to] and rewinds the
// cursor to its start.
func (s *StreamingChunkSelector) SetSequentialRange(from, to uint32) {
	s.rangeStart = from
	s.rangeEnd = to
	s.cursor = from
	s.initRange()
}

func (s *StreamingChunkSelector) initRange() {
	have := s.store.Have()
	s.pending = s.pending[:0]
	for i := s.cursor; i <= s.rangeEnd; i++ {
		if !have.Test(i) {
			s.pending = append(s.pending, i)
		}
	}
}

func (s *StreamingChunkSelector) updateRange() {
	have := s.store.Have()
	if len(s.pending) == 0 || s.cursor < s.pending[0] {
		s.initRange()
		return
	}
	keep := s.pending[:0]
	for _, i := range s.pending {
		if have.Test(i) || i < s.cursor {
			continue
		}
		keep = append(keep, i)
	}
	s.pending = keep
}

// selectFromPreview hands out preview chunks before anything else.
func (s *StreamingChunkSelector) selectFromPreview(pd PieceDownloader) (uint32, bool) {
	have := s.store.Have()
	var candidates []uint32
	for i := range s.preview {
		if have.Test(i) {
			delete(s.preview, i)
			continue
		}
		if pd.HasChunk(i) && i >= s.rangeStart && i <= s.rangeEnd {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	chunk := s.leastPeers(candidates, maxDownloadersPerPreviewChunk)
	return chunk, chunk != invalidChunk
}

// leastPeers returns the candidate with the fewest assigned
// downloaders, invalidChunk when every candidate already has at least
// limit of them.
func (s *StreamingChunkSelector) leastPeers(candidates []uint32, limit uint32) uint32 {
	best := invalidChunk
	var bestCount uint32
	for _, i := range candidates {
		n := s.d.NumDownloadersForChunk(i)
		if n >= limit {
			continue
		}
		if best == invalidChunk || n < bestCount {
			best = i
			bestCount = n
		}
	}
	return best
}

// Select implements ChunkSelector.
func (s *StreamingChunkSelector) Select(pd PieceDownloader) (uint32, bool) {
	if chunk, ok := s.selectFromPreview(pd); ok {
		return chunk, ok
	}
	if chunk, ok := s.manager.SelectChunkFromBufferRequired(pd); ok {
		return chunk, ok
	}
	if chunk, ok := s.manager.SelectChunkFromBufferPreferred(pd); ok {
		return chunk, ok
	}
	return s.DefaultSelector.Select(pd)
}

// DataChecked implements ChunkSelector.
func (s *StreamingChunkSelector) DataChecked(okChunks *bitfield.Bitfield, from, to uint32) {
	s.DefaultSelector.DataChecked(okChunks, from, to)
	s.updateRange()
}

// Reincluded implements ChunkSelector.
func (s *StreamingChunkSelector) Reincluded(from, to uint32) {
	s.DefaultSelector.Reincluded(from, to)
	s.initRange()
	for i := from; i <= to && i < s.store.NumChunks(); i++ {
		if s.store.Priority(i) == chunkstore.PriorityPreview {
			s.preview[i] = struct{}{}
		}
	}
}

// Reinsert implements ChunkSelector.
func (s *StreamingChunkSelector) Reinsert(chunk uint32) {
	if s.store.Priority(chunk) == chunkstore.PriorityPreview {
		s.preview[chunk] = struct{}{}
	}
	s.DefaultSelector.Reinsert(chunk)
	if chunk >= s.cursor && chunk <= s.rangeEnd {
		for i, have := range s.pending {
			if have == chunk {
				return
			}
			if have > chunk {
				s.pending = append(s.pending[:i], append([]uint32{chunk}, s.pending[i:]...)...)
				return
			}
		}
		s.pending = append(s.pending, chunk)
	}
}
