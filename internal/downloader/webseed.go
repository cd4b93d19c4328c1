package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/ashl1/libktorrent-stream/internal/chunkstore"
	"github.com/ashl1/libktorrent-stream/internal/logger"
	"github.com/ashl1/libktorrent-stream/internal/peerprotocol"
	"github.com/rcrowley/go-metrics"
)

// WebSeed downloads contiguous chunk ranges from an HTTP server with
// Range requests. Completed chunks are written to the store unverified
// and announced on ChunkReadyC; the Downloader verifies and commits
// them.
type WebSeed struct {
	url    string
	client *http.Client
	store  chunkstore.Store
	log    logger.Logger

	first, last uint32
	busy        bool
	enabled     bool
	disabledMsg string
	failed      int

	cancel context.CancelFunc
	readyC chan uint32
	doneC  chan error

	rate metrics.Meter
}

// NewWebSeed creates a bulk source fetching from url.
func NewWebSeed(url string, store chunkstore.Store, client *http.Client) *WebSeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebSeed{
		url:     url,
		client:  client,
		store:   store,
		log:     logger.New("webseed " + url),
		enabled: true,
		doneC:   make(chan error, 1),
		rate:    metrics.NewMeter(),
	}
}

// URL returns the address of the seed.
func (ws *WebSeed) URL() string { return ws.url }

// Busy reports whether a transfer is running.
func (ws *WebSeed) Busy() bool { return ws.busy }

// Enabled reports whether the seed may be used.
func (ws *WebSeed) Enabled() bool { return ws.enabled }

// Disable turns the seed off with a user visible reason.
func (ws *WebSeed) Disable(reason string) {
	ws.enabled = false
	ws.disabledMsg = reason
	ws.log.Warningln("webseed disabled:", reason)
	ws.Cancel()
}

// DisabledReason returns why the seed was disabled.
func (ws *WebSeed) DisabledReason() string { return ws.disabledMsg }

// FailedAttempts returns the number of consecutive failed transfers.
func (ws *WebSeed) FailedAttempts() int { return ws.failed }

// DownloadRate returns the transfer rate in bytes/s.
func (ws *WebSeed) DownloadRate() uint32 { return uint32(ws.rate.Rate1()) }

// InCurrentRange reports whether the chunk is part of the running
// transfer.
func (ws *WebSeed) InCurrentRange(index uint32) bool {
	return ws.busy && index >= ws.first && index <= ws.last
}

// ChunkReadyC delivers the indexes of chunks fully written to the
// store.
func (ws *WebSeed) ChunkReadyC() <-chan uint32 { return ws.readyC }

// Download starts fetching the inclusive chunk range [first, last].
func (ws *WebSeed) Download(first, last uint32) {
	if ws.busy || !ws.enabled {
		return
	}
	ws.first, ws.last = first, last
	ws.busy = true
	ws.readyC = make(chan uint32, last-first+1)
	ctx, cancel := context.WithCancel(context.Background())
	ws.cancel = cancel
	ws.log.Debugf("downloading chunks %d-%d", first, last)
	go func() {
		ws.doneC <- ws.fetch(ctx, first, last)
	}()
}

// Poll consumes the result of a finished transfer. done is true once
// per transfer; err carries its failure.
func (ws *WebSeed) Poll() (done bool, err error) {
	select {
	case err = <-ws.doneC:
		ws.busy = false
		if ws.cancel != nil {
			ws.cancel()
			ws.cancel = nil
		}
		if err != nil && err != context.Canceled {
			ws.failed++
			return true, err
		}
		ws.failed = 0
		return true, nil
	default:
		return false, nil
	}
}

// Cancel aborts the running transfer.
func (ws *WebSeed) Cancel() {
	if ws.cancel != nil {
		ws.cancel()
	}
}

// Reset aborts the transfer and forgets past failures, used when the
// torrent is paused.
func (ws *WebSeed) Reset() {
	ws.Cancel()
	ws.failed = 0
}

// ChunkDownloaded tells the seed a peer completed a chunk it was going
// to fetch. The transfer is aborted; the downloader hands out a fresh
// range on the next tick.
func (ws *WebSeed) ChunkDownloaded(index uint32) {
	if ws.InCurrentRange(index) {
		ws.Cancel()
	}
}

// OnExcluded aborts the transfer when it overlaps a newly excluded
// range.
func (ws *WebSeed) OnExcluded(from, to uint32) {
	if ws.busy && ws.first <= to && ws.last >= from {
		ws.Cancel()
	}
}

func (ws *WebSeed) rangeBytes(first, last uint32) (start, end uint64) {
	chunkSize := uint64(ws.store.ChunkSize(0))
	start = uint64(first) * chunkSize
	end = uint64(last)*chunkSize + uint64(ws.store.ChunkSize(last)) - 1
	return start, end
}

func (ws *WebSeed) fetch(ctx context.Context, first, last uint32) error {
	start, end := ws.rangeBytes(first, last)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ws.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	resp, err := ws.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webseed returned status %s", resp.Status)
	}

	buf := make([]byte, peerprotocol.MaxPieceLength)
	for index := first; index <= last; index++ {
		size := ws.store.ChunkSize(index)
		for begin := uint32(0); begin < size; begin += peerprotocol.MaxPieceLength {
			n := size - begin
			if n > peerprotocol.MaxPieceLength {
				n = peerprotocol.MaxPieceLength
			}
			if _, err = io.ReadFull(resp.Body, buf[:n]); err != nil {
				if ctx.Err() != nil {
					return context.Canceled
				}
				return err
			}
			if err = ws.store.WriteBlock(index, begin, buf[:n]); err != nil {
				return err
			}
			ws.rate.Mark(int64(n))
		}
		select {
		case ws.readyC <- index:
		case <-ctx.Done():
			return context.Canceled
		}
	}
	return nil
}
