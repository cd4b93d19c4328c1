package stream

import (
	"encoding/base64"
	"errors"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/ashl1/libktorrent-stream/internal/chunkstore"
	"github.com/ashl1/libktorrent-stream/internal/downloader"
	"github.com/ashl1/libktorrent-stream/internal/logger"
	"github.com/ashl1/libktorrent-stream/internal/metainfo"
	"github.com/ashl1/libktorrent-stream/internal/peer"
	"github.com/ashl1/libktorrent-stream/internal/peerprotocol"
	"github.com/ashl1/libktorrent-stream/internal/resumer"
	"github.com/satori/go.uuid"
	"github.com/zeebo/bencode"
)

// currentChunksFile is the name of the partial download file inside
// the data directory.
const currentChunksFile = "current_chunks"

// Options configure a Torrent.
type Options struct {
	Info   *metainfo.Info
	Store  chunkstore.Store
	Config *Config
	// WebSeeds are HTTP bulk source URLs, typically the url-list of
	// the torrent file.
	WebSeeds []string
	// Resumer persists the have-bitfield and counters between
	// sessions. Optional.
	Resumer resumer.Resumer
	// Streaming installs the playback-aware chunk selector.
	Streaming bool
	// Clock is replaced in tests. Defaults to the wall clock.
	Clock clock.Clock
}

// Stats is a snapshot of a running download.
type Stats struct {
	Name            string
	BytesDownloaded uint64
	DownloadRate    uint32
	ActiveDownloads int
	Peers           int
	ChunksLeft      uint32
	UnnecessaryData uint64
	Endgame         bool
}

type peerMessage struct {
	peer *peer.Peer
	msg  peerprotocol.Message
}

// extensionHandshake is the part of the BEP 10 handshake the download
// core cares about.
type extensionHandshake struct {
	M    map[string]uint8 `bencode:"m"`
	V    string           `bencode:"v"`
	Reqq int              `bencode:"reqq"`
}

// Torrent glues the download core to peers, web seeds, timers and
// persistence. All core state is confined to the run goroutine.
type Torrent struct {
	id   string
	cfg  Config
	info *metainfo.Info

	store  chunkstore.Store
	down   *downloader.Downloader
	strsel *downloader.StreamingChunkSelector
	res    resumer.Resumer
	clk    clock.Clock

	peers  map[*peer.Peer]*peer.PeerDownloader
	banned map[string]struct{}

	messages          chan peerMessage
	peerDisconnectedC chan *peer.Peer
	addPeerC          chan *peer.Peer
	setCursorC        chan uint32
	statsC            chan chan Stats
	internalErrC      chan error
	closeC            chan chan struct{}
	completeC         chan struct{}
	runDoneC          chan struct{}

	lastError error

	log logger.Logger
}

// NewTorrent wires a download session together.
func NewTorrent(o Options) (*Torrent, error) {
	if o.Info == nil || o.Store == nil {
		return nil, errors.New("info and store are required")
	}
	cfg := DefaultConfig
	if o.Config != nil {
		cfg = *o.Config
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.New()
	}
	u1 := uuid.NewV1()
	id := base64.RawURLEncoding.EncodeToString(u1[:])

	t := &Torrent{
		id:                id,
		cfg:               cfg,
		info:              o.Info,
		store:             o.Store,
		res:               o.Resumer,
		clk:               clk,
		peers:             make(map[*peer.Peer]*peer.PeerDownloader),
		banned:            make(map[string]struct{}),
		messages:          make(chan peerMessage),
		peerDisconnectedC: make(chan *peer.Peer),
		addPeerC:          make(chan *peer.Peer),
		setCursorC:        make(chan uint32),
		statsC:            make(chan chan Stats),
		internalErrC:      make(chan error, 1),
		closeC:            make(chan chan struct{}),
		completeC:         make(chan struct{}),
		runDoneC:          make(chan struct{}),
		log:               logger.New("torrent " + o.Info.Name),
	}

	t.down = downloader.New(o.Info, o.Store, t, clk)
	t.down.SetWebSeedsEnabled(cfg.WebSeedsEnabled)
	t.down.SetMaxWebSeedFailures(cfg.MaxWebSeedFailures)
	if o.Streaming {
		t.strsel = downloader.NewStreamingChunkSelector()
		t.down.SetChunkSelector(t.strsel)
	}
	for _, u := range o.WebSeeds {
		t.down.AddWebSeed(downloader.NewWebSeed(u, o.Store, nil))
	}
	t.down.OnChunkDownloaded(t.chunkDownloaded)
	t.down.OnIOError(func(err error) {
		select {
		case t.internalErrC <- err:
		default:
		}
	})
	return t, nil
}

// ID returns the base64-encoded v1 UUID generated for this session.
func (t *Torrent) ID() string { return t.id }

// AddWebSeed registers an extra bulk HTTP source.
func (t *Torrent) AddWebSeed(url string) {
	t.down.AddWebSeed(downloader.NewWebSeed(url, t.store, nil))
}

// Start restores partial state and launches the event loop.
func (t *Torrent) Start() {
	t.loadDownloads()
	go t.run()
}

// Close stops the event loop and saves partial state.
func (t *Torrent) Close() {
	doneC := make(chan struct{})
	select {
	case t.closeC <- doneC:
		<-doneC
	case <-t.runDoneC:
	}
}

// AddPeer hands a handshaken connection to the download core.
func (t *Torrent) AddPeer(conn net.Conn, id [20]byte, fastExtension, extensionProtocol bool) {
	pe := peer.New(conn, id, t.store.NumChunks(), fastExtension, extensionProtocol)
	t.addPeerC <- pe
}

// SetCursor tells a streaming session which chunk the player consumes.
func (t *Torrent) SetCursor(index uint32) {
	if t.strsel == nil {
		return
	}
	t.setCursorC <- index
}

// NotifyComplete is closed when every chunk is on disk.
func (t *Torrent) NotifyComplete() <-chan struct{} { return t.completeC }

// Error returns the error the session stopped with, nil for a clean
// stop.
func (t *Torrent) Error() error { return t.lastError }

// Stats returns a snapshot of the session.
func (t *Torrent) Stats() Stats {
	respC := make(chan Stats, 1)
	select {
	case t.statsC <- respC:
		return <-respC
	case <-t.runDoneC:
		return t.stats()
	}
}

// Torrent event loop
func (t *Torrent) run() {
	defer close(t.runDoneC)
	updateTicker := time.NewTicker(t.cfg.UpdateInterval)
	defer updateTicker.Stop()
	streamTicker := time.NewTicker(t.cfg.StreamManagerInterval)
	defer streamTicker.Stop()
	speedTicker := time.NewTicker(t.cfg.SpeedCounterInterval)
	defer speedTicker.Stop()

	for {
		select {
		case doneC := <-t.closeC:
			t.stop(nil)
			close(doneC)
			return
		case err := <-t.internalErrC:
			t.stop(err)
			return
		case <-updateTicker.C:
			t.down.Update()
		case <-streamTicker.C:
			if t.strsel != nil {
				t.strsel.Manager().Update()
			}
		case <-speedTicker.C:
			for pe := range t.peers {
				pe.TickSpeed()
			}
		case pe := <-t.addPeerC:
			t.startPeer(pe)
		case pe := <-t.peerDisconnectedC:
			t.closePeer(pe)
		case pm := <-t.messages:
			t.handleMessage(pm)
		case index := <-t.setCursorC:
			t.strsel.SetCursor(index)
		case respC := <-t.statsC:
			respC <- t.stats()
		}
	}
}

func (t *Torrent) stats() Stats {
	return Stats{
		Name:            t.info.Name,
		BytesDownloaded: t.down.BytesDownloaded(),
		DownloadRate:    t.down.DownloadRate(),
		ActiveDownloads: t.down.NumActiveDownloads(),
		Peers:           len(t.peers),
		ChunksLeft:      t.store.ChunksLeft(),
		UnnecessaryData: t.down.UnnecessaryData(),
		Endgame:         t.down.EndgameMode(),
	}
}

func (t *Torrent) stop(err error) {
	t.lastError = err
	if err != nil {
		t.log.Errorln("torrent stopped:", err.Error())
	}
	t.saveDownloads()
	t.writeResume()
	for pe := range t.peers {
		t.closePeer(pe)
	}
	for _, ws := range t.down.WebSeeds() {
		ws.Cancel()
	}
}

func (t *Torrent) startPeer(pe *peer.Peer) {
	if _, bad := t.banned[pe.String()]; bad {
		t.log.Debugln("rejecting banned peer", pe.String())
		go pe.Run() // Run owns the close; start and close immediately
		pe.Close()
		return
	}
	pd := peer.NewPeerDownloader(pe, t.info.PieceLength, t.clk)
	t.peers[pe] = pd
	t.down.AddPieceDownloader(pd)
	go pe.Run()
	go t.pumpMessages(pe)
	t.sendFirstMessage(pe)
}

// pumpMessages forwards one peer's inbound frames into the event loop
// until the peer dies.
func (t *Torrent) pumpMessages(pe *peer.Peer) {
	for {
		select {
		case msg := <-pe.Messages():
			select {
			case t.messages <- peerMessage{peer: pe, msg: msg}:
			case <-pe.Done():
				t.notifyDisconnect(pe)
				return
			case <-t.runDoneC:
				return
			}
		case <-pe.Done():
			t.notifyDisconnect(pe)
			return
		case <-t.runDoneC:
			return
		}
	}
}

func (t *Torrent) notifyDisconnect(pe *peer.Peer) {
	select {
	case t.peerDisconnectedC <- pe:
	case <-t.runDoneC:
	}
}

func (t *Torrent) sendFirstMessage(pe *peer.Peer) {
	bf := t.store.Have()
	switch {
	case pe.FastExtension && bf.All():
		pe.SendMessage(peerprotocol.HaveAllMessage{})
	case pe.FastExtension && bf.Count() == 0:
		pe.SendMessage(peerprotocol.HaveNoneMessage{})
	default:
		data := make([]byte, len(bf.Bytes()))
		copy(data, bf.Bytes())
		pe.SendMessage(peerprotocol.BitfieldMessage{Data: data})
	}
	pe.SendMessage(peerprotocol.InterestedMessage{})
}

func (t *Torrent) closePeer(pe *peer.Peer) {
	pd, ok := t.peers[pe]
	if !ok {
		return
	}
	t.down.RemovePieceDownloader(pd)
	t.down.Availability().RemoveBitfield(pe.Availability())
	pd.Detach()
	delete(t.peers, pe)
	pe.Close()
}

func (t *Torrent) handleMessage(pm peerMessage) {
	pe := pm.peer
	pd, ok := t.peers[pe]
	if !ok {
		return
	}
	switch msg := pm.msg.(type) {
	case peerprotocol.HaveMessage:
		if msg.Index >= t.store.NumChunks() {
			t.log.Errorln("invalid have message received:", pe.String())
			t.disconnectPeer(pe)
			return
		}
		pe.HandleHave(msg.Index)
		t.down.Availability().Inc(msg.Index)
	case peerprotocol.BitfieldMessage:
		t.down.Availability().RemoveBitfield(pe.Availability())
		if err := pe.HandleBitfield(msg.Data); err != nil {
			t.log.Errorln("invalid bitfield received:", err.Error())
			t.disconnectPeer(pe)
			return
		}
		t.down.Availability().AddBitfield(pe.Availability())
	case peerprotocol.HaveAllMessage:
		t.down.Availability().RemoveBitfield(pe.Availability())
		pe.HandleHaveAll()
		t.down.Availability().AddBitfield(pe.Availability())
	case peerprotocol.HaveNoneMessage:
		t.down.Availability().RemoveBitfield(pe.Availability())
		pe.HandleHaveNone()
	case peerprotocol.ChokeMessage:
		pe.PeerChoking = true
		pd.GotChoke()
	case peerprotocol.UnchokeMessage:
		pe.PeerChoking = false
		t.down.Update()
	case peerprotocol.PieceMessage:
		pd.GotPiece(msg.Index, msg.Begin, msg.Data)
		t.down.PieceReceived(downloader.Piece{
			Index:      msg.Index,
			Begin:      msg.Begin,
			Data:       msg.Data,
			Downloader: pd,
		})
		t.checkCompletion()
	case peerprotocol.RejectMessage:
		pd.GotReject(msg.Index, msg.Begin, msg.Length)
	case peerprotocol.AllowedFastMessage:
		t.log.Debugf("peer %s allows fast download of chunk %d", pe.String(), msg.Index)
	case peerprotocol.SuggestMessage:
		t.log.Debugf("peer %s suggests chunk %d", pe.String(), msg.Index)
	case peerprotocol.PortMessage:
		t.log.Debugf("peer %s announced DHT port %d", pe.String(), msg.Port)
	case peerprotocol.ExtensionMessage:
		t.handleExtensionMessage(pe, msg)
	default:
		t.log.Debugln("unhandled message:", pm.msg.ID().String())
	}
}

func (t *Torrent) handleExtensionMessage(pe *peer.Peer, msg peerprotocol.ExtensionMessage) {
	if msg.ExtendedMessageID != 0 {
		return
	}
	var hs extensionHandshake
	if err := bencode.DecodeBytes(msg.Data, &hs); err != nil {
		t.log.Debugln("invalid extension handshake:", err.Error())
		return
	}
	if hs.Reqq > 0 {
		pe.MaxRequestQueue = hs.Reqq
	}
	if hs.V != "" {
		t.log.Debugf("peer %s runs %s", pe.String(), hs.V)
	}
}

func (t *Torrent) disconnectPeer(pe *peer.Peer) {
	t.closePeer(pe)
}

// SendHave implements downloader.PeerManager.
func (t *Torrent) SendHave(index uint32) {
	for pe := range t.peers {
		if pe.HasChunk(index) {
			// skip peers having the chunk to save bandwidth
			continue
		}
		pe.SendMessage(peerprotocol.HaveMessage{Index: index})
	}
}

// BanPeer implements downloader.PeerManager.
func (t *Torrent) BanPeer(pd downloader.PieceDownloader) {
	for pe, have := range t.peers {
		if have == pd {
			t.log.Noticef("banning peer %s", pe.String())
			t.banned[pe.String()] = struct{}{}
			t.closePeer(pe)
			return
		}
	}
}

func (t *Torrent) chunkDownloaded(index uint32) {
	t.writeResume()
	t.checkCompletion()
}

func (t *Torrent) checkCompletion() {
	if !t.store.Completed() {
		return
	}
	select {
	case <-t.completeC:
	default:
		t.log.Infoln("download completed")
		close(t.completeC)
	}
}

func (t *Torrent) writeResume() {
	if t.res == nil {
		return
	}
	if err := t.res.WriteBitfield(t.store.Have().Bytes()); err != nil {
		t.log.Errorln("cannot write bitfield to resume db:", err.Error())
		return
	}
	err := t.res.WriteStats(resumer.Stats{
		BytesDownloaded: int64(t.down.BytesDownloaded()),
		BytesWasted:     int64(t.down.UnnecessaryData()),
	})
	if err != nil {
		t.log.Errorln("cannot write stats to resume db:", err.Error())
	}
}

func (t *Torrent) currentChunksPath() string {
	return filepath.Join(t.cfg.DataDir, currentChunksFile)
}

func (t *Torrent) loadDownloads() {
	f, err := os.Open(t.currentChunksPath())
	if err != nil {
		return
	}
	defer f.Close()
	t.down.LoadDownloads(f)
}

func (t *Torrent) saveDownloads() {
	if err := os.MkdirAll(t.cfg.DataDir, 0750); err != nil {
		t.log.Errorln("cannot create data dir:", err.Error())
		return
	}
	f, err := os.Create(t.currentChunksPath())
	if err != nil {
		t.log.Errorln("cannot save partial downloads:", err.Error())
		return
	}
	defer f.Close()
	if err = t.down.SaveDownloads(f); err != nil {
		t.log.Errorln("cannot save partial downloads:", err.Error())
	}
}
