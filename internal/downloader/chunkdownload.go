package downloader

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/ashl1/libktorrent-stream/internal/chunkstore"
	"github.com/ashl1/libktorrent-stream/internal/logger"
	"github.com/ashl1/libktorrent-stream/internal/peerprotocol"
)

// chunkStallTimeout is how long a chunk download may sit without
// activity before requests are re-issued.
const chunkStallTimeout = 60 * time.Second

// ChunkDownloadHeader precedes each chunk record in the partial
// download file.
type ChunkDownloadHeader struct {
	Index    uint32
	NumBits  uint32
	Buffered uint32
}

// PieceHeader precedes each stored block in the partial download file.
// Payload bytes follow only when Mapped is zero.
type PieceHeader struct {
	Piece  uint32
	Size   uint32
	Mapped uint32
}

// downloadStatus tracks the blocks in flight on one piece downloader
// and how often it timed out on this chunk.
type downloadStatus struct {
	timeouts int
	pieces   map[uint32]struct{}
}

func newDownloadStatus() *downloadStatus {
	return &downloadStatus{pieces: make(map[uint32]struct{})}
}

func (ds *downloadStatus) add(p uint32)    { ds.pieces[p] = struct{}{} }
func (ds *downloadStatus) remove(p uint32) { delete(ds.pieces, p) }
func (ds *downloadStatus) contains(p uint32) bool {
	_, ok := ds.pieces[p]
	return ok
}

// ChunkDownload drives the download of a single chunk: it splits the
// chunk into blocks, spreads requests over the assigned piece
// downloaders, survives timeouts and rejections and keeps a running
// SHA-1 over the received data. Verification of the final digest is
// the caller's job.
type ChunkDownload struct {
	store      chunkstore.Store
	index      uint32
	size       uint32
	numPieces  uint32
	lastSize   uint32
	downloaded uint32

	pieces    []bool
	pdown     []PieceDownloader
	dstatus   map[PieceDownloader]*downloadStatus
	providers map[PieceDownloader]struct{}

	hashGen         hash.Hash
	numPiecesInHash uint32

	clk        clock.Clock
	lastActive time.Time
	log        logger.Logger
}

// NewChunkDownload creates the state machine for the chunk at index.
func NewChunkDownload(store chunkstore.Store, index uint32, clk clock.Clock, l logger.Logger) *ChunkDownload {
	size := store.ChunkSize(index)
	numPieces := size / peerprotocol.MaxPieceLength
	lastSize := uint32(peerprotocol.MaxPieceLength)
	if size%peerprotocol.MaxPieceLength != 0 {
		lastSize = size % peerprotocol.MaxPieceLength
		numPieces++
	}
	return &ChunkDownload{
		store:      store,
		index:      index,
		size:       size,
		numPieces:  numPieces,
		lastSize:   lastSize,
		pieces:     make([]bool, numPieces),
		dstatus:    make(map[PieceDownloader]*downloadStatus),
		providers:  make(map[PieceDownloader]struct{}),
		hashGen:    sha1.New(),
		clk:        clk,
		lastActive: clk.Now(),
		log:        l,
	}
}

// ChunkIndex returns the index of the chunk being downloaded.
func (cd *ChunkDownload) ChunkIndex() uint32 { return cd.index }

// TotalPieces returns the number of blocks in the chunk.
func (cd *ChunkDownload) TotalPieces() uint32 { return cd.numPieces }

// PiecesDownloaded returns the number of received blocks.
func (cd *ChunkDownload) PiecesDownloaded() uint32 { return cd.downloaded }

func (cd *ChunkDownload) pieceLength(p uint32) uint32 {
	if p == cd.numPieces-1 {
		return cd.lastSize
	}
	return peerprotocol.MaxPieceLength
}

func (cd *ChunkDownload) touch() {
	cd.lastActive = cd.clk.Now()
}

// PieceReceived stores an arrived block. It returns complete=true when
// the last block of the chunk arrived and needed=false when the block
// was a duplicate or did not match the chunk geometry. A non-nil error
// means the store failed; the chunk state is unusable then.
func (cd *ChunkDownload) PieceReceived(p Piece) (complete, needed bool, err error) {
	cd.touch()

	pp := p.Begin / peerprotocol.MaxPieceLength
	if pp >= cd.numPieces || cd.pieces[pp] || uint32(len(p.Data)) != cd.pieceLength(pp) || p.Begin%peerprotocol.MaxPieceLength != 0 {
		return false, false, nil
	}

	if ds := cd.dstatus[p.Downloader]; ds != nil {
		ds.remove(pp)
	}

	if err = cd.store.WriteBlock(cd.index, p.Begin, p.Data); err != nil {
		return false, false, err
	}
	cd.pieces[pp] = true
	cd.providers[p.Downloader] = struct{}{}
	cd.downloaded++
	if len(cd.pdown) > 1 {
		cd.endgameCancel(p)
	}

	if err = cd.updateHash(); err != nil {
		return false, true, err
	}

	if cd.downloaded >= cd.numPieces {
		cd.ReleaseAll()
		return true, true, nil
	}

	cd.sendRequests()
	return false, true, nil
}

// Assign adds a piece downloader to this chunk and immediately tries
// to put requests on it. Returns false when it was already assigned.
func (cd *ChunkDownload) Assign(pd PieceDownloader) bool {
	if pd == nil || cd.ContainsDownloader(pd) {
		return false
	}
	pd.Grab()
	cd.pdown = append(cd.pdown, pd)
	cd.dstatus[pd] = newDownloadStatus()
	pd.AddListener(cd)
	cd.sendRequests()
	return true
}

// Release removes a piece downloader, cancelling its outstanding
// blocks.
func (cd *ChunkDownload) Release(pd PieceDownloader) {
	if !cd.ContainsDownloader(pd) {
		return
	}
	pd.Release()
	cd.sendCancels(pd)
	pd.RemoveListener(cd)
	delete(cd.dstatus, pd)
	for i, have := range cd.pdown {
		if have == pd {
			cd.pdown = append(cd.pdown[:i], cd.pdown[i+1:]...)
			break
		}
	}
}

// ReleaseAll releases every assigned piece downloader.
func (cd *ChunkDownload) ReleaseAll() {
	for _, pd := range cd.pdown {
		pd.Release()
		cd.sendCancels(pd)
		pd.RemoveListener(cd)
	}
	cd.dstatus = make(map[PieceDownloader]*downloadStatus)
	cd.pdown = nil
}

// ContainsDownloader reports whether pd is assigned to this chunk.
func (cd *ChunkDownload) ContainsDownloader(pd PieceDownloader) bool {
	_, ok := cd.dstatus[pd]
	return ok
}

// RequestRejected handles an explicit refusal: the downloader is
// released from this chunk.
func (cd *ChunkDownload) RequestRejected(pd PieceDownloader, r Request) {
	if r.Index == cd.index {
		cd.notDownloaded(pd, r, true)
	}
}

// RequestTimedOut handles an expired request.
func (cd *ChunkDownload) RequestTimedOut(pd PieceDownloader, r Request) {
	if r.Index == cd.index {
		cd.log.Debugf("request timed out: chunk %d offset %d length %d on %s", r.Index, r.Begin, r.Length, pd.Name())
		cd.notDownloaded(pd, r, false)
	}
}

func (cd *ChunkDownload) notDownloaded(pd PieceDownloader, r Request, reject bool) {
	ds := cd.dstatus[pd]
	if ds != nil {
		ds.remove(r.Begin / peerprotocol.MaxPieceLength)
		if reject {
			cd.Release(pd)
		} else {
			pd.Cancel(r)
			ds.timeouts++
			// a source that timed out is dropped when another one is
			// assigned
			if ds.timeouts > 0 && len(cd.pdown) > 1 {
				cd.Release(pd)
			}
		}
	}
	cd.sendRequests()
}

// bestPiece picks the block pd should request next: the first block
// nobody is downloading, otherwise the block with the fewest other
// downloaders. Returns cd.numPieces when there is nothing to request.
func (cd *ChunkDownload) bestPiece(pd PieceDownloader) uint32 {
	best := cd.numPieces
	var bestCount int
	own := cd.dstatus[pd]
	for i := uint32(0); i < cd.numPieces; i++ {
		if cd.pieces[i] {
			continue
		}
		if own != nil && own.contains(i) {
			continue
		}
		var timesDownloading int
		for other, ds := range cd.dstatus {
			if other != pd && ds.contains(i) {
				timesDownloading++
			}
		}
		if timesDownloading == 0 {
			return i
		}
		if best == cd.numPieces || bestCount > timesDownloading {
			bestCount = timesDownloading
			best = i
		}
	}
	return best
}

func (cd *ChunkDownload) sendRequests() {
	cd.touch()
	tmp := append([]PieceDownloader(nil), cd.pdown...)
	for len(tmp) > 0 {
		keep := tmp[:0]
		for _, pd := range tmp {
			if !pd.Choked() && pd.CanAddRequest() && cd.sendRequest(pd) {
				keep = append(keep, pd)
			}
		}
		tmp = keep
	}
}

func (cd *ChunkDownload) sendRequest(pd PieceDownloader) bool {
	ds := cd.dstatus[pd]
	if ds == nil || pd.Choked() {
		return false
	}
	bp := cd.bestPiece(pd)
	if bp >= cd.numPieces {
		return false
	}
	pd.Download(Request{
		Index:  cd.index,
		Begin:  bp * peerprotocol.MaxPieceLength,
		Length: cd.pieceLength(bp),
	})
	ds.add(bp)
	if cd.NearlyDone() {
		pd.SetNearlyDone(true)
	}
	return true
}

// Update re-issues requests on all assigned downloaders.
func (cd *ChunkDownload) Update() {
	cd.sendRequests()
}

// NearlyDone reports whether at most two blocks are left to download.
func (cd *ChunkDownload) NearlyDone() bool {
	left := cd.numPieces - cd.downloaded
	return left <= 2 && left > 0
}

func (cd *ChunkDownload) sendCancels(pd PieceDownloader) {
	ds := cd.dstatus[pd]
	if ds == nil {
		return
	}
	for i := range ds.pieces {
		pd.Cancel(Request{
			Index:  cd.index,
			Begin:  i * peerprotocol.MaxPieceLength,
			Length: cd.pieceLength(i),
		})
	}
	ds.pieces = make(map[uint32]struct{})
	cd.touch()
}

// endgameCancel withdraws the freshly received block from every other
// downloader that still has it in flight.
func (cd *ChunkDownload) endgameCancel(p Piece) {
	pp := p.Begin / peerprotocol.MaxPieceLength
	for _, pd := range cd.pdown {
		if pd == p.Downloader {
			continue
		}
		ds := cd.dstatus[pd]
		if ds != nil && ds.contains(pp) {
			pd.Cancel(p.Request())
			ds.remove(pp)
		}
	}
}

// CancelAll cancels every outstanding block on every assigned
// downloader.
func (cd *ChunkDownload) CancelAll() {
	for _, pd := range cd.pdown {
		cd.sendCancels(pd)
	}
}

// OnlyDownloader returns the sole piece downloader every block came
// from, or nil when none or several contributed.
func (cd *ChunkDownload) OnlyDownloader() PieceDownloader {
	if len(cd.providers) == 1 {
		for pd := range cd.providers {
			return pd
		}
	}
	return nil
}

// Idle reports whether no piece downloader is assigned.
func (cd *ChunkDownload) Idle() bool { return len(cd.pdown) == 0 }

// Choked reports whether every assigned downloader is choked.
func (cd *ChunkDownload) Choked() bool {
	for _, pd := range cd.pdown {
		if !pd.Choked() {
			return false
		}
	}
	return true
}

// NeedsUpdate reports whether the download saw no activity for the
// stall timeout.
func (cd *ChunkDownload) NeedsUpdate() bool {
	return cd.clk.Now().Sub(cd.lastActive) > chunkStallTimeout
}

// NumDownloaders returns the number of assigned piece downloaders.
func (cd *ChunkDownload) NumDownloaders() int { return len(cd.pdown) }

// DownloadSpeed returns the rate this chunk is coming in at, in
// bytes/s.
func (cd *ChunkDownload) DownloadSpeed() uint32 {
	var r uint32
	for _, pd := range cd.pdown {
		r += pd.ChunkDownloadRate(cd.index)
	}
	return r
}

// AverageDownloadSpeed returns a smoothed download rate in bytes/s.
func (cd *ChunkDownload) AverageDownloadSpeed() uint32 {
	var r uint32
	for _, pd := range cd.pdown {
		r += pd.AverageDownloadRate()
	}
	return r
}

// DownloaderName describes the assigned sources for stats displays.
func (cd *ChunkDownload) DownloaderName() string {
	switch len(cd.pdown) {
	case 0:
		return ""
	case 1:
		return cd.pdown[0].Name()
	default:
		return fmt.Sprintf("%d peers", len(cd.pdown))
	}
}

// BytesDownloaded returns the number of received bytes.
func (cd *ChunkDownload) BytesDownloaded() uint64 {
	var n uint64
	for i := uint32(0); i < cd.numPieces; i++ {
		if cd.pieces[i] {
			n += uint64(cd.pieceLength(i))
		}
	}
	return n
}

// BytesLeft returns the number of bytes still to download.
func (cd *ChunkDownload) BytesLeft() uint64 {
	return uint64(cd.size) - cd.BytesDownloaded()
}

// Hash returns the SHA-1 of the downloaded chunk. Only valid after the
// download completed.
func (cd *ChunkDownload) Hash() []byte {
	return cd.hashGen.Sum(nil)
}

// updateHash extends the running hash over the longest prefix of
// received blocks.
func (cd *ChunkDownload) updateHash() error {
	nn := cd.numPiecesInHash
	for nn < cd.numPieces && cd.pieces[nn] {
		nn++
	}
	for i := cd.numPiecesInHash; i < nn; i++ {
		data, err := cd.store.ReadBlock(cd.index, i*peerprotocol.MaxPieceLength, cd.pieceLength(i))
		if err != nil {
			return err
		}
		cd.hashGen.Write(data)
	}
	cd.numPiecesInHash = nn
	return nil
}

// Save writes the partial state of this chunk: header, block bitmap
// and the payload of every buffered block.
func (cd *ChunkDownload) Save(w io.Writer) error {
	bitmap := cd.bitmapBytes()
	hdr := ChunkDownloadHeader{
		Index:    cd.index,
		NumBits:  cd.numPieces,
		Buffered: 1, // unused
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	if _, err := w.Write(bitmap); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, cd.downloaded); err != nil {
		return err
	}
	mapped := uint32(0)
	if cd.store.MappedBlocks() {
		mapped = 1
	}
	for i := uint32(0); i < cd.numPieces; i++ {
		if !cd.pieces[i] {
			continue
		}
		phdr := PieceHeader{Piece: i, Size: cd.pieceLength(i), Mapped: mapped}
		if err := binary.Write(w, binary.LittleEndian, &phdr); err != nil {
			return err
		}
		if mapped == 0 {
			data, err := cd.store.ReadBlock(cd.index, i*peerprotocol.MaxPieceLength, phdr.Size)
			if err != nil {
				return err
			}
			if _, err = w.Write(data); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load restores partial state saved by Save. The caller has already
// read hdr. With updateHash the running SHA-1 is replayed from the
// store.
func (cd *ChunkDownload) Load(r io.Reader, hdr ChunkDownloadHeader, updateHash bool) error {
	if hdr.NumBits != cd.numPieces {
		return errors.New("partial state does not match chunk geometry")
	}
	bitmap := make([]byte, (cd.numPieces+7)/8)
	if _, err := io.ReadFull(r, bitmap); err != nil {
		return err
	}
	cd.downloaded = 0
	for i := uint32(0); i < cd.numPieces; i++ {
		if bitmap[i/8]&(1<<(7-i%8)) != 0 {
			cd.pieces[i] = true
			cd.downloaded++
		}
	}
	var numPiecesToFollow uint32
	if err := binary.Read(r, binary.LittleEndian, &numPiecesToFollow); err != nil {
		return err
	}
	if numPiecesToFollow > cd.numPieces {
		return errors.New("partial state corrupted")
	}
	for i := uint32(0); i < numPiecesToFollow; i++ {
		var phdr PieceHeader
		if err := binary.Read(r, binary.LittleEndian, &phdr); err != nil {
			return err
		}
		if phdr.Piece >= cd.numPieces || phdr.Size != cd.pieceLength(phdr.Piece) {
			return errors.New("partial state corrupted")
		}
		if phdr.Mapped == 0 {
			data := make([]byte, phdr.Size)
			if _, err := io.ReadFull(r, data); err != nil {
				return err
			}
			if err := cd.store.WriteBlock(cd.index, phdr.Piece*peerprotocol.MaxPieceLength, data); err != nil {
				return err
			}
		}
	}
	if updateHash {
		cd.numPiecesInHash = 0
		cd.hashGen = sha1.New()
		if err := cd.updateHash(); err != nil {
			return err
		}
	}
	// register a nil provider so blocks downloaded in a previous
	// session can never get a peer banned in this one
	if cd.downloaded > 0 {
		cd.providers[nil] = struct{}{}
	}
	return nil
}

func (cd *ChunkDownload) bitmapBytes() []byte {
	bitmap := make([]byte, (cd.numPieces+7)/8)
	for i := uint32(0); i < cd.numPieces; i++ {
		if cd.pieces[i] {
			bitmap[i/8] |= 1 << (7 - i%8)
		}
	}
	return bitmap
}
