// Package peer provides the wire-speaking peer connection and the
// piece downloader backed by it.
package peer

import (
	"net"

	"github.com/ashl1/libktorrent-stream/internal/bitfield"
	"github.com/ashl1/libktorrent-stream/internal/logger"
	"github.com/ashl1/libktorrent-stream/internal/peerprotocol"
	"github.com/rcrowley/go-metrics"
)

// Peer is one connection to a swarm member after the handshake. A
// reader and a writer goroutine move frames; all exported state is
// owned by the torrent goroutine.
type Peer struct {
	conn net.Conn
	id   [20]byte

	FastExtension     bool
	ExtensionProtocol bool

	// PeerChoking mirrors the last CHOKE/UNCHOKE received. Owned by
	// the torrent goroutine.
	PeerChoking bool

	// MaxRequestQueue is the reqq value from the extended handshake,
	// zero when the peer did not send one.
	MaxRequestQueue int

	numChunks    uint32
	availability *bitfield.Bitfield

	messages chan peerprotocol.Message
	writeC   chan peerprotocol.Message
	closeC   chan struct{}
	closedC  chan struct{}

	downloadSpeed metrics.EWMA
	averageSpeed  metrics.EWMA

	log logger.Logger
}

// New wraps an already handshaken connection.
func New(conn net.Conn, id [20]byte, numChunks uint32, fastExtension, extensionProtocol bool) *Peer {
	return &Peer{
		conn:              conn,
		id:                id,
		FastExtension:     fastExtension,
		ExtensionProtocol: extensionProtocol,
		PeerChoking:       true,
		numChunks:         numChunks,
		availability:      bitfield.New(numChunks),
		messages:          make(chan peerprotocol.Message),
		writeC:            make(chan peerprotocol.Message, 64),
		closeC:            make(chan struct{}),
		closedC:           make(chan struct{}),
		downloadSpeed:     metrics.NewEWMA1(),
		averageSpeed:      metrics.NewEWMA5(),
		log:               logger.New("peer " + conn.RemoteAddr().String()),
	}
}

// ID returns the peer id from the handshake.
func (p *Peer) ID() [20]byte { return p.id }

func (p *Peer) String() string { return p.conn.RemoteAddr().String() }

// Messages delivers the decoded inbound frames.
func (p *Peer) Messages() <-chan peerprotocol.Message { return p.messages }

// SendMessage queues a frame for the writer goroutine.
func (p *Peer) SendMessage(msg peerprotocol.Message) {
	select {
	case p.writeC <- msg:
	case <-p.closedC:
	}
}

// Done is closed when the connection is gone and Run has returned.
func (p *Peer) Done() <-chan struct{} { return p.closedC }

// Close shuts the connection down and waits for the goroutines.
func (p *Peer) Close() {
	select {
	case <-p.closeC:
		return
	default:
	}
	close(p.closeC)
	<-p.closedC
}

// Run moves frames between the connection and the torrent goroutine
// until the connection dies or Close is called.
func (p *Peer) Run() {
	defer close(p.closedC)

	stopC := make(chan struct{})

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			msg, err := peerprotocol.ReadMessage(p.conn)
			if err == peerprotocol.ErrKeepAlive {
				continue
			}
			if err != nil {
				return
			}
			select {
			case p.messages <- msg:
			case <-stopC:
				return
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case msg := <-p.writeC:
				if err := peerprotocol.WriteMessage(p.conn, msg); err != nil {
					return
				}
			case <-stopC:
				return
			}
		}
	}()

	select {
	case <-p.closeC:
	case <-readerDone:
	case <-writerDone:
	}
	p.conn.Close()
	close(stopC)
	<-readerDone
	<-writerDone
}

// HasChunk consults the advertised availability.
func (p *Peer) HasChunk(index uint32) bool {
	if index >= p.numChunks {
		return false
	}
	return p.availability.Test(index)
}

// Availability returns the advertised chunk bitfield.
func (p *Peer) Availability() *bitfield.Bitfield { return p.availability }

// HandleHave records a HAVE announcement.
func (p *Peer) HandleHave(index uint32) {
	if index < p.numChunks {
		p.availability.Set(index)
	}
}

// HandleBitfield replaces the availability from a BITFIELD message.
func (p *Peer) HandleBitfield(data []byte) error {
	bf, err := bitfield.NewBytes(data, p.numChunks)
	if err != nil {
		return err
	}
	p.availability = bf
	return nil
}

// HandleHaveAll marks every chunk available (fast extension).
func (p *Peer) HandleHaveAll() {
	for i := uint32(0); i < p.numChunks; i++ {
		p.availability.Set(i)
	}
}

// HandleHaveNone clears the availability (fast extension).
func (p *Peer) HandleHaveNone() {
	p.availability.ClearAll()
}

// MarkDownloaded feeds the rate estimators.
func (p *Peer) MarkDownloaded(n int) {
	p.downloadSpeed.Update(int64(n))
	p.averageSpeed.Update(int64(n))
}

// TickSpeed advances the rate estimators; call every five seconds.
func (p *Peer) TickSpeed() {
	p.downloadSpeed.Tick()
	p.averageSpeed.Tick()
}

// DownloadRate returns the current download rate in bytes/s.
func (p *Peer) DownloadRate() uint32 { return uint32(p.downloadSpeed.Rate()) }

// AverageDownloadRate returns a smoothed download rate in bytes/s.
func (p *Peer) AverageDownloadRate() uint32 { return uint32(p.averageSpeed.Rate()) }
