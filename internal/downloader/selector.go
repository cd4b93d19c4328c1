package downloader

import (
	"sort"

	"github.com/ashl1/libktorrent-stream/internal/bitfield"
	"github.com/ashl1/libktorrent-stream/internal/chunkstore"
	"github.com/willf/bitset"
)

// ChunkSelector decides which chunk a piece downloader fetches next and
// which chunk ranges go to bulk sources.
type ChunkSelector interface {
	// Init binds the selector to the store and the downloader. Called
	// when the selector is installed.
	Init(store chunkstore.Store, d *Downloader)
	// Select picks a chunk for pd. ok is false when nothing fits.
	Select(pd PieceDownloader) (chunk uint32, ok bool)
	// SelectRange picks a contiguous run of up to maxLen chunks for a
	// bulk source.
	SelectRange(maxLen uint32) (from, to uint32, ok bool)
	// DataChecked synchronises the selector after a hash check over
	// [from, to].
	DataChecked(okChunks *bitfield.Bitfield, from, to uint32)
	// Reincluded adds a previously excluded range back.
	Reincluded(from, to uint32)
	// Reinsert makes a single chunk selectable again after a rollback.
	Reinsert(chunk uint32)
}

// Availability counts how many swarm members advertise each chunk. The
// selector prefers rare chunks.
type Availability struct {
	counts []uint32
}

// NewAvailability creates a counter for numChunks chunks.
func NewAvailability(numChunks uint32) *Availability {
	return &Availability{counts: make([]uint32, numChunks)}
}

// Inc records one more peer having the chunk.
func (a *Availability) Inc(index uint32) {
	if index < uint32(len(a.counts)) {
		a.counts[index]++
	}
}

// Dec records one peer fewer having the chunk.
func (a *Availability) Dec(index uint32) {
	if index < uint32(len(a.counts)) && a.counts[index] > 0 {
		a.counts[index]--
	}
}

// AddBitfield counts every chunk in bf once.
func (a *Availability) AddBitfield(bf *bitfield.Bitfield) {
	for i := uint32(0); i < bf.Len() && i < uint32(len(a.counts)); i++ {
		if bf.Test(i) {
			a.counts[i]++
		}
	}
}

// RemoveBitfield undoes AddBitfield when the peer leaves.
func (a *Availability) RemoveBitfield(bf *bitfield.Bitfield) {
	for i := uint32(0); i < bf.Len() && i < uint32(len(a.counts)); i++ {
		if bf.Test(i) {
			a.Dec(i)
		}
	}
}

// Count returns the number of peers having the chunk.
func (a *Availability) Count(index uint32) uint32 {
	if index >= uint32(len(a.counts)) {
		return 0
	}
	return a.counts[index]
}

// DefaultSelector selects rarest-first within priority bands, skipping
// chunks already being downloaded while unique candidates exist.
type DefaultSelector struct {
	store      chunkstore.Store
	d          *Downloader
	unselected *bitset.BitSet
}

var _ ChunkSelector = (*DefaultSelector)(nil)

// NewDefaultSelector returns the standard selection policy.
func NewDefaultSelector() *DefaultSelector {
	return &DefaultSelector{}
}

// Init implements ChunkSelector.
func (s *DefaultSelector) Init(store chunkstore.Store, d *Downloader) {
	s.store = store
	s.d = d
	s.unselected = bitset.New(uint(store.NumChunks()))
	for i := uint32(0); i < store.NumChunks(); i++ {
		if store.Status(i) != chunkstore.OnDisk && !store.Excluded(i) {
			s.unselected.Set(uint(i))
		}
	}
}

// selectable reports whether the chunk may be handed out at all.
func (s *DefaultSelector) selectable(i uint32) bool {
	return s.store.Status(i) != chunkstore.OnDisk && !s.store.Excluded(i)
}

// candidates returns the unselected chunks ordered by priority band,
// then availability (rarest first), then index.
func (s *DefaultSelector) candidates() []uint32 {
	var out []uint32
	for i, ok := s.unselected.NextSet(0); ok; i, ok = s.unselected.NextSet(i + 1) {
		idx := uint32(i)
		if !s.selectable(idx) {
			s.unselected.Clear(i)
			continue
		}
		out = append(out, idx)
	}
	avail := s.d.Availability()
	sort.SliceStable(out, func(x, y int) bool {
		a, b := out[x], out[y]
		pa, pb := s.store.Priority(a), s.store.Priority(b)
		if pa != pb {
			return pa > pb
		}
		ca, cb := avail.Count(a), avail.Count(b)
		if ca != cb {
			return ca < cb
		}
		return a < b
	})
	return out
}

// Select implements ChunkSelector.
func (s *DefaultSelector) Select(pd PieceDownloader) (uint32, bool) {
	for _, i := range s.candidates() {
		if !pd.HasChunk(i) {
			continue
		}
		if s.d.IsChunkDownloading(i) {
			continue
		}
		s.unselected.Clear(uint(i))
		return i, true
	}
	// no unique candidate: fall back to a chunk already on the way
	for _, i := range s.d.DownloadingChunks() {
		if s.selectable(i) && pd.HasChunk(i) {
			return i, true
		}
	}
	return 0, false
}

// SelectRange implements ChunkSelector. Among the maximal runs of
// selectable chunks it prefers the one containing the rarest chunk.
func (s *DefaultSelector) SelectRange(maxLen uint32) (from, to uint32, ok bool) {
	avail := s.d.Availability()
	num := s.store.NumChunks()
	var bestFrom, bestTo, bestAvail uint32
	var found bool
	i := uint32(0)
	for i < num {
		if !s.rangeable(i) {
			i++
			continue
		}
		start := i
		minAvail := avail.Count(i)
		for i < num && i-start < maxLen && s.rangeable(i) {
			if avail.Count(i) < minAvail {
				minAvail = avail.Count(i)
			}
			i++
		}
		end := i - 1
		if !found || minAvail < bestAvail || (minAvail == bestAvail && end-start > bestTo-bestFrom) {
			bestFrom, bestTo, bestAvail = start, end, minAvail
			found = true
		}
	}
	if !found {
		return 0, 0, false
	}
	return bestFrom, bestTo, true
}

func (s *DefaultSelector) rangeable(i uint32) bool {
	return s.selectable(i) && s.d.CanDownloadFromWebSeed(i)
}

// DataChecked implements ChunkSelector.
func (s *DefaultSelector) DataChecked(okChunks *bitfield.Bitfield, from, to uint32) {
	for i := from; i < okChunks.Len() && i <= to; i++ {
		if okChunks.Test(i) {
			s.unselected.Clear(uint(i))
		} else if s.selectable(i) {
			s.unselected.Set(uint(i))
		}
	}
}

// Reincluded implements ChunkSelector.
func (s *DefaultSelector) Reincluded(from, to uint32) {
	for i := from; i <= to && i < s.store.NumChunks(); i++ {
		if s.store.Status(i) != chunkstore.OnDisk {
			s.unselected.Set(uint(i))
		}
	}
}

// Reinsert implements ChunkSelector.
func (s *DefaultSelector) Reinsert(chunk uint32) {
	if chunk < s.store.NumChunks() {
		s.unselected.Set(uint(chunk))
	}
}
