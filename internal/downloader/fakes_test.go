package downloader

import (
	"crypto/sha1"
	"fmt"

	"github.com/ashl1/libktorrent-stream/internal/chunkstore"
	"github.com/ashl1/libktorrent-stream/internal/metainfo"
)

// fakePD is a scriptable piece downloader. Queued requests count as in
// flight immediately.
type fakePD struct {
	Grabber
	Listeners

	name     string
	choked   bool
	has      map[uint32]struct{}
	hasAll   bool
	rate     uint32
	avgRate  uint32
	maxQueue int
	maxGrabs int

	reqs    []Request
	cancels []Request
}

var _ PieceDownloader = (*fakePD)(nil)

func newFakePD(name string) *fakePD {
	return &fakePD{
		name:     name,
		has:      make(map[uint32]struct{}),
		maxQueue: 100,
		maxGrabs: 10,
	}
}

// consume drops a request from the queue, as if the wire answered it.
func (f *fakePD) consume(r Request) {
	for i, have := range f.reqs {
		if have == r {
			f.reqs = append(f.reqs[:i], f.reqs[i+1:]...)
			return
		}
	}
}

func (f *fakePD) addChunks(indexes ...uint32) {
	for _, i := range indexes {
		f.has[i] = struct{}{}
	}
}

func (f *fakePD) Name() string { return f.name }

func (f *fakePD) Download(r Request) { f.reqs = append(f.reqs, r) }

func (f *fakePD) Cancel(r Request) {
	f.cancels = append(f.cancels, r)
	for i, have := range f.reqs {
		if have == r {
			f.reqs = append(f.reqs[:i], f.reqs[i+1:]...)
			return
		}
	}
}

func (f *fakePD) CancelAll() {
	for _, r := range append([]Request(nil), f.reqs...) {
		f.Cancel(r)
	}
}

func (f *fakePD) Choked() bool { return f.choked }

func (f *fakePD) HasChunk(index uint32) bool {
	if f.hasAll {
		return true
	}
	_, ok := f.has[index]
	return ok
}

func (f *fakePD) CanAddRequest() bool { return len(f.reqs) < f.maxQueue }

func (f *fakePD) CanDownloadChunk() bool {
	return (f.NumGrabbed() < f.maxGrabs || f.NearlyDone()) && f.CanAddRequest()
}

func (f *fakePD) CheckTimeouts() {}

func (f *fakePD) DownloadRate() uint32        { return f.rate }
func (f *fakePD) AverageDownloadRate() uint32 { return f.avgRate }

func (f *fakePD) ChunkDownloadRate(index uint32) uint32 {
	if len(f.reqs) > 0 && f.reqs[0].Index == index {
		return f.rate
	}
	return 0
}

// requestsFor returns the queued requests for one chunk.
func (f *fakePD) requestsFor(index uint32) []Request {
	var out []Request
	for _, r := range f.reqs {
		if r.Index == index {
			out = append(out, r)
		}
	}
	return out
}

// cancelsFor returns the recorded cancels for one chunk.
func (f *fakePD) cancelsFor(index uint32) []Request {
	var out []Request
	for _, r := range f.cancels {
		if r.Index == index {
			out = append(out, r)
		}
	}
	return out
}

// fakePeerManager records have broadcasts and bans.
type fakePeerManager struct {
	haves []uint32
	bans  []PieceDownloader
}

func (m *fakePeerManager) SendHave(index uint32)      { m.haves = append(m.haves, index) }
func (m *fakePeerManager) BanPeer(pd PieceDownloader) { m.bans = append(m.bans, pd) }

// chunkData builds deterministic chunk content.
func chunkData(index, size uint32) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(int(index)*31 + i)
	}
	return data
}

// testTorrent builds a memory store and a matching manifest.
func testTorrent(chunkSize uint32, numChunks uint32) (*metainfo.Info, *chunkstore.Memory) {
	store := chunkstore.NewMemory(chunkSize, uint64(chunkSize)*uint64(numChunks))
	pieces := make([]byte, 0, numChunks*sha1.Size)
	for i := uint32(0); i < numChunks; i++ {
		h := sha1.Sum(chunkData(i, chunkSize))
		pieces = append(pieces, h[:]...)
	}
	info := &metainfo.Info{
		PieceLength: chunkSize,
		Pieces:      pieces,
		Name:        fmt.Sprintf("test-%d-chunks", numChunks),
		NumPieces:   numChunks,
		TotalLength: int64(chunkSize) * int64(numChunks),
	}
	return info, store
}

// deliverChunk feeds every block of a chunk into cd from pd.
func deliverChunk(cd *ChunkDownload, pd PieceDownloader, index, chunkSize uint32) (complete bool, err error) {
	data := chunkData(index, chunkSize)
	for begin := uint32(0); begin < chunkSize; begin += 16384 {
		end := begin + 16384
		if end > chunkSize {
			end = chunkSize
		}
		complete, _, err = cd.PieceReceived(Piece{
			Index:      index,
			Begin:      begin,
			Data:       data[begin:end],
			Downloader: pd,
		})
		if err != nil {
			return complete, err
		}
	}
	return complete, nil
}
