package downloader

import (
	"bytes"
	"crypto/sha1"
	"math"
	"sort"

	"github.com/andres-erbsen/clock"
	"github.com/ashl1/libktorrent-stream/internal/bitfield"
	"github.com/ashl1/libktorrent-stream/internal/chunkstore"
	"github.com/ashl1/libktorrent-stream/internal/logger"
	"github.com/ashl1/libktorrent-stream/internal/metainfo"
)

// PeerManager is the part of the peer layer the downloader talks back
// to.
type PeerManager interface {
	// SendHave announces a completed chunk to the swarm.
	SendHave(index uint32)
	// BanPeer flags the peer behind pd for sending bad data.
	BanPeer(pd PieceDownloader)
}

// Downloader owns the active chunk downloads of one torrent, routes
// received blocks, drives the periodic update and manages web seeds.
type Downloader struct {
	info  *metainfo.Info
	store chunkstore.Store
	pman  PeerManager
	clk   clock.Clock
	log   logger.Logger

	selector ChunkSelector
	avail    *Availability

	downloading map[uint32]*ChunkDownload
	pds         []PieceDownloader

	webseeds           []*WebSeed
	webseedChunks      map[uint32]*WebSeed
	webSeedsEnabled    bool
	webseedsOn         bool
	webseedRange       uint32
	webseedEndgame     bool
	maxWebSeedFailures int

	bytesDownloaded              uint64
	currChunksDownloaded         uint64
	totalUnnecessaryData         uint64
	unnecessaryDataChunkFinished uint64

	chunkDownloadedFns []func(index uint32)
	ioErrorFn          func(err error)
}

// New creates a Downloader for the torrent described by info, storing
// into store and talking back to the peer layer through pman.
func New(info *metainfo.Info, store chunkstore.Store, pman PeerManager, clk clock.Clock) *Downloader {
	d := &Downloader{
		info:            info,
		store:           store,
		pman:            pman,
		clk:             clk,
		log:             logger.New("downloader"),
		avail:           NewAvailability(store.NumChunks()),
		downloading:     make(map[uint32]*ChunkDownload),
		webseedChunks:   make(map[uint32]*WebSeed),
		webSeedsEnabled: true,
		webseedsOn:      true,
		webseedRange:    1,

		maxWebSeedFailures: 3,
	}
	d.bytesDownloaded = store.TotalSize() - store.BytesLeft()
	d.SetChunkSelector(nil)
	return d
}

// SetChunkSelector installs a custom selection policy. A nil selector
// resets to the default one.
func (d *Downloader) SetChunkSelector(sel ChunkSelector) {
	if sel == nil {
		sel = NewDefaultSelector()
	}
	d.selector = sel
	sel.Init(d.store, d)
}

// ChunkSelector returns the installed selection policy.
func (d *Downloader) ChunkSelector() ChunkSelector { return d.selector }

// Availability returns the swarm availability counter. The peer layer
// feeds it from HAVE and BITFIELD messages.
func (d *Downloader) Availability() *Availability { return d.avail }

// Store returns the chunk store.
func (d *Downloader) Store() chunkstore.Store { return d.store }

// OnChunkDownloaded registers a hook run after a chunk was verified
// and committed. Multiple hooks may be registered.
func (d *Downloader) OnChunkDownloaded(fn func(index uint32)) {
	d.chunkDownloadedFns = append(d.chunkDownloadedFns, fn)
}

func (d *Downloader) notifyChunkDownloaded(index uint32) {
	for _, fn := range d.chunkDownloadedFns {
		fn(index)
	}
}

// OnIOError registers a hook run when the store fails. The session is
// expected to stop then.
func (d *Downloader) OnIOError(fn func(err error)) { d.ioErrorFn = fn }

func (d *Downloader) ioError(err error) {
	d.log.Errorln("disk error:", err.Error())
	if d.ioErrorFn != nil {
		d.ioErrorFn(err)
	}
}

// SetWebSeedsEnabled turns the use of web seeds on or off.
func (d *Downloader) SetWebSeedsEnabled(on bool) { d.webSeedsEnabled = on }

// SetMaxWebSeedFailures changes how many consecutive failed transfers
// retire a web seed.
func (d *Downloader) SetMaxWebSeedFailures(n int) {
	if n > 0 {
		d.maxWebSeedFailures = n
	}
}

// AddWebSeed registers a bulk HTTP source.
func (d *Downloader) AddWebSeed(ws *WebSeed) {
	d.webseeds = append(d.webseeds, ws)
	d.webseedRange = d.store.NumChunks() / uint32(len(d.webseeds))
	if d.webseedRange == 0 {
		d.webseedRange = 1
	}
	if max := d.store.NumChunks() / 10; d.webseedRange > max && max > 0 {
		d.webseedRange = max
	}
}

// WebSeeds returns the registered bulk sources.
func (d *Downloader) WebSeeds() []*WebSeed { return d.webseeds }

// AddPieceDownloader adds a source to the pool.
func (d *Downloader) AddPieceDownloader(pd PieceDownloader) {
	d.pds = append(d.pds, pd)
}

// RemovePieceDownloader removes a source from the pool, releasing it
// from every active chunk download.
func (d *Downloader) RemovePieceDownloader(pd PieceDownloader) {
	for _, cd := range d.downloading {
		cd.Release(pd)
	}
	for i, have := range d.pds {
		if have == pd {
			d.pds = append(d.pds[:i], d.pds[i+1:]...)
			break
		}
	}
}

// PieceDownloaders returns the current pool.
func (d *Downloader) PieceDownloaders() []PieceDownloader {
	return append([]PieceDownloader(nil), d.pds...)
}

// PieceReceived routes a received block to its chunk download and
// handles completion.
func (d *Downloader) PieceReceived(p Piece) {
	if d.store.Completed() {
		return
	}
	cd := d.downloading[p.Index]
	if cd == nil {
		d.totalUnnecessaryData += uint64(len(p.Data))
		d.unnecessaryDataChunkFinished += uint64(len(p.Data))
		d.log.Debugf("unnecessary piece, chunk %d already finished, wasted %d/%d bytes",
			p.Index, d.unnecessaryDataChunkFinished, d.totalUnnecessaryData)
		return
	}
	complete, needed, err := cd.PieceReceived(p)
	if err != nil {
		d.ioError(err)
		return
	}
	if needed {
		d.bytesDownloaded += uint64(len(p.Data))
	}
	if complete {
		if d.finished(cd) {
			delete(d.downloading, p.Index)
			for _, ws := range d.webseeds {
				if ws.InCurrentRange(p.Index) {
					ws.ChunkDownloaded(p.Index)
				}
			}
		} else {
			// the chunk failed, don't count its bytes as downloaded
			size := uint64(d.store.ChunkSize(p.Index))
			if size > d.bytesDownloaded {
				d.bytesDownloaded = 0
			} else {
				d.bytesDownloaded -= size
			}
			delete(d.downloading, p.Index)
		}
	}
	if !needed {
		d.totalUnnecessaryData += uint64(len(p.Data))
		d.log.Debugf("unnecessary piece, total wasted %d bytes", d.totalUnnecessaryData)
	}
}

// finished verifies a completed chunk against the manifest and either
// commits it or rolls it back.
func (d *Downloader) finished(cd *ChunkDownload) bool {
	index := cd.ChunkIndex()
	if bytes.Equal(cd.Hash(), d.info.PieceHash(index)) {
		if err := d.store.Commit(index); err != nil {
			d.ioError(err)
			return false
		}
		d.log.Infof("chunk %d downloaded", index)
		d.pman.SendHave(index)
		d.notifyChunkDownloaded(index)
		return true
	}

	d.log.Errorf("hash verification error on chunk %d", index)
	// reset the chunk, but only when no web seed is downloading it
	if _, busy := d.webseedChunks[index]; !busy {
		if err := d.store.Reset(index); err != nil {
			d.ioError(err)
		}
	}
	d.selector.Reinsert(index)
	if only := cd.OnlyDownloader(); only != nil {
		d.log.Noticef("source %s sent bad data", only.Name())
		d.pman.BanPeer(only)
	}
	return false
}

// EndgameMode reports whether there are as many active downloads as
// chunks left.
func (d *Downloader) EndgameMode() bool {
	return uint32(len(d.downloading)) >= d.store.ChunksLeft()
}

// Update runs one scheduler tick.
func (d *Downloader) Update() {
	if d.store.Completed() {
		return
	}

	d.normalUpdate()

	for _, pd := range d.pds {
		pd.CheckTimeouts()
	}

	if d.webSeedsEnabled {
		for _, ws := range d.webseeds {
			if done, err := ws.Poll(); done {
				d.clearWebSeedChunks(ws)
				if err != nil {
					d.log.Warningln("webseed transfer failed:", err.Error())
				}
			}
			d.drainWebSeed(ws)
		}
	}

	if d.Finished() && d.webseedsOn {
		for _, ws := range d.webseeds {
			ws.Cancel()
		}
	}
}

func (d *Downloader) normalUpdate() {
	for _, cd := range d.downloading {
		switch {
		case cd.Idle():
		case cd.Choked():
			cd.ReleaseAll()
		case cd.NeedsUpdate():
			cd.Update()
		}
	}

	for _, pd := range d.pds {
		if pd.Choked() {
			continue
		}
		for pd.CanDownloadChunk() {
			if !d.downloadFrom(pd) {
				break
			}
			pd.SetNearlyDone(false)
		}
	}

	if d.webSeedsEnabled {
		for _, ws := range d.webseeds {
			if !ws.Busy() && ws.Enabled() && ws.FailedAttempts() < d.maxWebSeedFailures {
				d.downloadFromWebSeed(ws)
			}
		}
	} else if d.webseedsOn {
		// web seeds have just been disabled, stop them
		d.webseedsOn = false
		for _, ws := range d.webseeds {
			if ws.Busy() && ws.Enabled() {
				ws.Cancel()
			}
		}
	}
}

func (d *Downloader) assignToChunk(pd PieceDownloader, index uint32) bool {
	if cd := d.downloading[index]; cd != nil {
		return cd.Assign(pd)
	}
	cd := NewChunkDownload(d.store, index, d.clk, d.log)
	d.downloading[index] = cd
	cd.Assign(pd)
	return true
}

func (d *Downloader) downloadFrom(pd PieceDownloader) bool {
	if index, ok := d.selector.Select(pd); ok {
		return d.assignToChunk(pd, index)
	}
	if pd.NumGrabbed() == 0 {
		// the source has nothing unique for us, double up on the worst
		// performing active download it can serve
		if cd := d.selectWorst(pd); cd != nil {
			return cd.Assign(pd)
		}
	}
	return false
}

// selectWorst picks the active chunk download pd can serve with the
// lowest speed, then the fewest assignees.
func (d *Downloader) selectWorst(pd PieceDownloader) *ChunkDownload {
	var cdmin *ChunkDownload
	for _, index := range d.DownloadingChunks() {
		cd := d.downloading[index]
		if !pd.HasChunk(index) || cd.ContainsDownloader(pd) {
			continue
		}
		switch {
		case cdmin == nil:
			cdmin = cd
		case cd.DownloadSpeed() < cdmin.DownloadSpeed():
			cdmin = cd
		case cd.DownloadSpeed() == cdmin.DownloadSpeed() && cd.NumDownloaders() < cdmin.NumDownloaders():
			cdmin = cd
		}
	}
	return cdmin
}

// StopAndReassignPieceDownloader removes pd from everything it is
// assigned to and puts it on the given chunk. Used by the stream
// manager to meet playback deadlines.
func (d *Downloader) StopAndReassignPieceDownloader(pd PieceDownloader, index uint32) bool {
	for _, cd := range d.downloading {
		if cd.ContainsDownloader(pd) {
			cd.Release(pd)
		}
	}
	return d.assignToChunk(pd, index)
}

// downloadFromWebSeed gives an idle web seed a new chunk range.
func (d *Downloader) downloadFromWebSeed(ws *WebSeed) {
	d.webseedEndgame = false
	from, to, ok := d.selector.SelectRange(d.webseedRange)
	if !ok {
		// everything is handed out: allow the web seed to double up
		d.webseedEndgame = true
		from, to, ok = d.selector.SelectRange(d.webseedRange)
	}
	if !ok {
		return
	}
	for i := from; i <= to; i++ {
		d.webseedChunks[i] = ws
	}
	ws.Download(from, to)
}

func (d *Downloader) clearWebSeedChunks(ws *WebSeed) {
	for i, have := range d.webseedChunks {
		if have == ws {
			delete(d.webseedChunks, i)
		}
	}
}

func (d *Downloader) drainWebSeed(ws *WebSeed) {
	for {
		select {
		case index := <-ws.ChunkReadyC():
			d.webSeedChunkReady(ws, index)
		default:
			return
		}
	}
}

// webSeedChunkReady verifies a chunk completed by a bulk source.
func (d *Downloader) webSeedChunkReady(ws *WebSeed, index uint32) {
	delete(d.webseedChunks, index)
	size := d.store.ChunkSize(index)
	data, err := d.store.ReadBlock(index, 0, size)
	if err != nil {
		d.ioError(err)
		return
	}
	sum := sha1.Sum(data)
	if bytes.Equal(sum[:], d.info.PieceHash(index)) {
		d.bytesDownloaded += uint64(size)
		for _, other := range d.webseeds {
			if other != ws && other.InCurrentRange(index) {
				other.ChunkDownloaded(index)
			}
		}
		if cd := d.downloading[index]; cd != nil {
			// a peer download is racing us, we won
			cd.CancelAll()
			cd.ReleaseAll()
			delete(d.downloading, index)
		}
		if err := d.store.Commit(index); err != nil {
			d.ioError(err)
			return
		}
		d.log.Infof("chunk %d downloaded via webseed", index)
		d.pman.SendHave(index)
		d.notifyChunkDownloaded(index)
		return
	}

	d.log.Errorf("hash verification error on chunk %d from webseed", index)
	// reset only when no peer download is active for the chunk
	if _, active := d.downloading[index]; !active {
		if err := d.store.Reset(index); err != nil {
			d.ioError(err)
		}
	}
	d.selector.Reinsert(index)
	ws.Disable("webseed data does not match torrent")
}

// GetChunkDownload returns the active download for a chunk, nil when
// there is none.
func (d *Downloader) GetChunkDownload(index uint32) *ChunkDownload {
	return d.downloading[index]
}

// IsChunkDownloading reports whether the chunk has an active download.
func (d *Downloader) IsChunkDownloading(index uint32) bool {
	return d.downloading[index] != nil
}

// DownloadingChunks returns the active chunk indexes in order.
func (d *Downloader) DownloadingChunks() []uint32 {
	out := make([]uint32, 0, len(d.downloading))
	for i := range d.downloading {
		out = append(out, i)
	}
	sort.Slice(out, func(x, y int) bool { return out[x] < out[y] })
	return out
}

// NumDownloadersForChunk returns the number of sources assigned to the
// chunk.
func (d *Downloader) NumDownloadersForChunk(index uint32) uint32 {
	cd := d.downloading[index]
	if cd == nil {
		return 0
	}
	return uint32(cd.NumDownloaders())
}

// GetMinimalIndexDownloadingChunk returns the lowest chunk index pd is
// assigned to, or MaxUint32 when it is idle.
func (d *Downloader) GetMinimalIndexDownloadingChunk(pd PieceDownloader) uint32 {
	for _, index := range d.DownloadingChunks() {
		if d.downloading[index].ContainsDownloader(pd) {
			return index
		}
	}
	return math.MaxUint32
}

// CanDownloadFromWebSeed reports whether a web seed may take the
// chunk.
func (d *Downloader) CanDownloadFromWebSeed(index uint32) bool {
	if d.webseedEndgame {
		return true
	}
	for _, ws := range d.webseeds {
		if ws.Busy() && ws.InCurrentRange(index) {
			return false
		}
	}
	return !d.IsChunkDownloading(index)
}

// NumActiveDownloads returns the number of running chunk downloads,
// web seed ranges included.
func (d *Downloader) NumActiveDownloads() int {
	return len(d.downloading) + len(d.webseedChunks)
}

// Finished reports whether the download completed.
func (d *Downloader) Finished() bool { return d.store.Completed() }

// BytesDownloaded returns the number of verified plus partial bytes.
func (d *Downloader) BytesDownloaded() uint64 {
	return d.bytesDownloaded + d.currChunksDownloaded
}

// UnnecessaryData returns the number of wasted bytes.
func (d *Downloader) UnnecessaryData() uint64 { return d.totalUnnecessaryData }

// DownloadRate sums the rate of every source in bytes/s.
func (d *Downloader) DownloadRate() uint32 {
	var rate uint32
	for _, pd := range d.pds {
		rate += pd.DownloadRate()
	}
	for _, ws := range d.webseeds {
		rate += ws.DownloadRate()
	}
	return rate
}

// RecalcDownloaded refreshes the downloaded byte counter from the
// store.
func (d *Downloader) RecalcDownloaded() {
	d.bytesDownloaded = d.store.TotalSize() - d.store.BytesLeft()
}

// ClearDownloads drops every active download and source.
func (d *Downloader) ClearDownloads() {
	for index := range d.downloading {
		d.selector.Reinsert(index)
	}
	d.downloading = make(map[uint32]*ChunkDownload)
	d.pds = nil
	for _, ws := range d.webseeds {
		ws.Cancel()
	}
}

// Pause drops active downloads and resets web seeds so the download
// can be resumed later.
func (d *Downloader) Pause() {
	for index := range d.downloading {
		d.selector.Reinsert(index)
	}
	d.downloading = make(map[uint32]*ChunkDownload)
	for _, ws := range d.webseeds {
		ws.Reset()
	}
}

// Corrupted re-queues a chunk that failed an external data check.
func (d *Downloader) Corrupted(index uint32) {
	d.selector.Reinsert(index)
}

// DataChecked kills downloads for chunks a hash check proved on disk
// and synchronises the selector.
func (d *Downloader) DataChecked(okChunks *bitfield.Bitfield, from, to uint32) {
	for i := from; i < okChunks.Len() && i <= to; i++ {
		if cd := d.downloading[i]; cd != nil && okChunks.Test(i) {
			cd.ReleaseAll()
			delete(d.downloading, i)
		}
	}
	d.selector.DataChecked(okChunks, from, to)
}

// OnExcluded cancels and drops downloads for an excluded chunk range.
func (d *Downloader) OnExcluded(from, to uint32) {
	for i := from; i <= to; i++ {
		cd := d.downloading[i]
		if cd == nil {
			continue
		}
		cd.CancelAll()
		cd.ReleaseAll()
		delete(d.downloading, i)
		if err := d.store.Reset(i); err != nil {
			d.ioError(err)
		}
	}
	for _, ws := range d.webseeds {
		ws.OnExcluded(from, to)
	}
}

// OnIncluded makes a re-included chunk range selectable again.
func (d *Downloader) OnIncluded(from, to uint32) {
	d.selector.Reincluded(from, to)
}
