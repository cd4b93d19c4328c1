package peer

import (
	"math"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/ashl1/libktorrent-stream/internal/downloader"
	"github.com/ashl1/libktorrent-stream/internal/peerprotocol"
)

// requestTimeout is how long a request may stay on the wire
// unanswered.
const requestTimeout = 60 * time.Second

// timestampedRequest remembers when a request went on the wire. The
// in-flight list is in send order, oldest first.
type timestampedRequest struct {
	req       downloader.Request
	timeStamp time.Time
}

// PeerDownloader adapts a Peer to the piece downloader contract:
// requests wait in a queue, go on the wire within the adaptive
// in-flight window and expire after the request timeout. When the peer
// dies the downloader turns inert.
type PeerDownloader struct {
	downloader.Grabber
	downloader.Listeners

	peer *Peer
	clk  clock.Clock

	reqs             []timestampedRequest
	waitQueue        []downloader.Request
	maxWaitQueueSize int
	piecesInChunk    uint32
}

var _ downloader.PieceDownloader = (*PeerDownloader)(nil)

// NewPeerDownloader creates the downloader side of a peer for a
// torrent with the given chunk size.
func NewPeerDownloader(pe *Peer, chunkSize uint32, clk clock.Clock) *PeerDownloader {
	piecesInChunk := chunkSize / peerprotocol.MaxPieceLength
	if piecesInChunk == 0 {
		piecesInChunk = 1
	}
	return &PeerDownloader{
		peer:             pe,
		clk:              clk,
		maxWaitQueueSize: 25,
		piecesInChunk:    piecesInChunk,
	}
}

// Null reports whether the underlying peer is gone.
func (d *PeerDownloader) Null() bool { return d.peer == nil }

// Detach disconnects the downloader from its dead peer. Every
// operation becomes a no-op.
func (d *PeerDownloader) Detach() { d.peer = nil }

// Name implements downloader.PieceDownloader.
func (d *PeerDownloader) Name() string {
	if d.peer == nil {
		return "(disconnected)"
	}
	return d.peer.String()
}

// Download implements downloader.PieceDownloader.
func (d *PeerDownloader) Download(r downloader.Request) {
	if d.peer == nil {
		return
	}
	d.waitQueue = append(d.waitQueue, r)
	d.flush()
}

// flush moves requests from the wait queue onto the wire, keeping the
// in-flight window proportional to the download rate.
func (d *PeerDownloader) flush() {
	piecesPerSecond := float64(d.peer.DownloadRate()) / peerprotocol.MaxPieceLength
	maxReqs := 1 + int(math.Ceil(10*piecesPerSecond))
	if d.peer.MaxRequestQueue != 0 && maxReqs > d.peer.MaxRequestQueue {
		maxReqs = d.peer.MaxRequestQueue
	}

	for len(d.waitQueue) > 0 && len(d.reqs) < maxReqs {
		req := d.waitQueue[0]
		d.waitQueue = d.waitQueue[1:]
		d.reqs = append(d.reqs, timestampedRequest{req: req, timeStamp: d.clk.Now()})
		d.peer.SendMessage(peerprotocol.RequestMessage{Index: req.Index, Begin: req.Begin, Length: req.Length})
	}

	d.maxWaitQueueSize = 2 * maxReqs
	if d.maxWaitQueueSize < 10 {
		d.maxWaitQueueSize = 10
	}
}

// Cancel implements downloader.PieceDownloader.
func (d *PeerDownloader) Cancel(r downloader.Request) {
	if d.peer == nil {
		return
	}
	for i, have := range d.waitQueue {
		if have == r {
			d.waitQueue = append(d.waitQueue[:i], d.waitQueue[i+1:]...)
			return
		}
	}
	if d.removeInFlight(r) {
		d.peer.SendMessage(peerprotocol.CancelMessage{RequestMessage: peerprotocol.RequestMessage{
			Index: r.Index, Begin: r.Begin, Length: r.Length,
		}})
	}
}

// CancelAll implements downloader.PieceDownloader.
func (d *PeerDownloader) CancelAll() {
	if d.peer != nil {
		for _, tr := range d.reqs {
			d.peer.SendMessage(peerprotocol.CancelMessage{RequestMessage: peerprotocol.RequestMessage{
				Index: tr.req.Index, Begin: tr.req.Begin, Length: tr.req.Length,
			}})
		}
	}
	d.waitQueue = nil
	d.reqs = nil
}

func (d *PeerDownloader) removeInFlight(r downloader.Request) bool {
	for i, tr := range d.reqs {
		if tr.req == r {
			d.reqs = append(d.reqs[:i], d.reqs[i+1:]...)
			return true
		}
	}
	return false
}

// GotPiece matches an arrived block against the outstanding requests
// and feeds the rate estimators. The caller forwards the block to the
// Downloader regardless; a cancelled block may still be wanted.
func (d *PeerDownloader) GotPiece(index, begin uint32, data []byte) {
	if d.peer == nil {
		return
	}
	d.peer.MarkDownloaded(len(data))
	r := downloader.Request{Index: index, Begin: begin, Length: uint32(len(data))}
	if !d.removeInFlight(r) {
		for i, have := range d.waitQueue {
			if have == r {
				d.waitQueue = append(d.waitQueue[:i], d.waitQueue[i+1:]...)
				break
			}
		}
		return
	}
	d.flush()
}

// GotReject handles an explicit refusal from the peer.
func (d *PeerDownloader) GotReject(index, begin, length uint32) {
	if d.peer == nil {
		return
	}
	r := downloader.Request{Index: index, Begin: begin, Length: length}
	if d.removeInFlight(r) {
		d.NotifyRejected(d, r)
	}
}

// GotChoke converts a CHOKE into rejections for everything
// outstanding, unless the peer speaks the fast extension, where choke
// does not drop requests.
func (d *PeerDownloader) GotChoke() {
	if d.peer == nil || d.peer.FastExtension {
		return
	}
	reqs := d.reqs
	waiting := d.waitQueue
	d.reqs = nil
	d.waitQueue = nil
	for _, tr := range reqs {
		d.NotifyRejected(d, tr.req)
	}
	for _, r := range waiting {
		d.NotifyRejected(d, r)
	}
}

// CheckTimeouts implements downloader.PieceDownloader.
func (d *PeerDownloader) CheckTimeouts() {
	now := d.clk.Now()
	for len(d.reqs) > 0 && now.Sub(d.reqs[0].timeStamp) > requestTimeout {
		tr := d.reqs[0]
		d.reqs = d.reqs[1:]
		d.NotifyTimedOut(d, tr.req)
	}
}

// Choked implements downloader.PieceDownloader.
func (d *PeerDownloader) Choked() bool {
	if d.peer == nil {
		return true
	}
	return d.peer.PeerChoking
}

// HasChunk implements downloader.PieceDownloader.
func (d *PeerDownloader) HasChunk(index uint32) bool {
	if d.peer == nil {
		return false
	}
	return d.peer.HasChunk(index)
}

// CanAddRequest implements downloader.PieceDownloader.
func (d *PeerDownloader) CanAddRequest() bool {
	return len(d.waitQueue) < d.maxWaitQueueSize
}

// CanDownloadChunk implements downloader.PieceDownloader.
func (d *PeerDownloader) CanDownloadChunk() bool {
	return d.peer != nil &&
		(d.NumGrabbed() < int(d.MaxChunkDownloads()) || d.NearlyDone()) &&
		d.CanAddRequest()
}

// NumRequests returns the number of requests on the wire.
func (d *PeerDownloader) NumRequests() int { return len(d.reqs) }

// MaxChunkDownloads adapts the number of chunks this peer may work on
// to its download rate.
func (d *PeerDownloader) MaxChunkDownloads() uint32 {
	if d.peer == nil {
		return 1
	}
	return maxChunkDownloads(d.peer.DownloadRate(), d.piecesInChunk)
}

func maxChunkDownloads(rateBytes, piecesInChunk uint32) uint32 {
	rateKBs := rateBytes / 1024
	numExtra := rateKBs / 25
	if piecesInChunk >= 16 {
		return 1 + 16*numExtra/piecesInChunk
	}
	return 1 + (16/piecesInChunk)*numExtra
}

// DownloadRate implements downloader.PieceDownloader.
func (d *PeerDownloader) DownloadRate() uint32 {
	if d.peer == nil {
		return 0
	}
	return d.peer.DownloadRate()
}

// AverageDownloadRate implements downloader.PieceDownloader.
func (d *PeerDownloader) AverageDownloadRate() uint32 {
	if d.peer == nil {
		return 0
	}
	return d.peer.AverageDownloadRate()
}

// ChunkDownloadRate attributes the whole rate to the chunk the oldest
// in-flight request belongs to; replies arrive in request order.
func (d *PeerDownloader) ChunkDownloadRate(index uint32) uint32 {
	if len(d.reqs) > 0 && d.reqs[0].req.Index == index {
		return d.DownloadRate()
	}
	return 0
}
