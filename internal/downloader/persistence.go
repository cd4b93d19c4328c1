package downloader

import (
	"encoding/binary"
	"io"

	"github.com/ashl1/libktorrent-stream/internal/chunkstore"
)

// currentChunksMagic marks a valid partial download file.
const currentChunksMagic = 0xABCDEF00

// Version of the partial download file format.
const (
	currentChunksMajor = 1
	currentChunksMinor = 0
)

// CurrentChunksHeader is the file header of the partial download file.
type CurrentChunksHeader struct {
	Magic     uint32
	Major     uint32
	Minor     uint32
	NumChunks uint32
}

// SaveDownloads writes the partial state of every active chunk
// download so an interrupted session can resume.
func (d *Downloader) SaveDownloads(w io.Writer) error {
	hdr := CurrentChunksHeader{
		Magic:     currentChunksMagic,
		Major:     currentChunksMajor,
		Minor:     currentChunksMinor,
		NumChunks: uint32(len(d.downloading)),
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	d.log.Debugf("saving %d chunk downloads", len(d.downloading))
	for _, index := range d.DownloadingChunks() {
		if err := d.downloading[index].Save(w); err != nil {
			return err
		}
	}
	return nil
}

// LoadDownloads restores partial state written by SaveDownloads. A
// corrupted file aborts the load; whatever was restored until then is
// kept, the rest downloads from scratch.
func (d *Downloader) LoadDownloads(r io.Reader) {
	if d.store.Completed() {
		return
	}
	d.RecalcDownloaded()

	var chdr CurrentChunksHeader
	if err := binary.Read(r, binary.LittleEndian, &chdr); err != nil || chdr.Magic != currentChunksMagic {
		d.log.Warningln("partial download file corrupted")
		return
	}
	d.log.Debugf("loading %d active chunk downloads", chdr.NumChunks)
	for i := uint32(0); i < chdr.NumChunks; i++ {
		var hdr ChunkDownloadHeader
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			d.log.Warningln("partial download file corrupted")
			return
		}
		if hdr.Index >= d.store.NumChunks() || d.downloading[hdr.Index] != nil {
			d.log.Warningf("partial download file corrupted, invalid chunk %d", hdr.Index)
			return
		}
		cd := NewChunkDownload(d.store, hdr.Index, d.clk, d.log)
		if err := cd.Load(r, hdr, true); err != nil {
			d.log.Warningln("cannot load chunk download:", err.Error())
			return
		}
		if d.store.Status(hdr.Index) == chunkstore.OnDisk || d.store.Excluded(hdr.Index) {
			continue
		}
		d.downloading[hdr.Index] = cd
		d.bytesDownloaded += cd.BytesDownloaded()
	}
	d.currChunksDownloaded = 0
}

// DownloadedBytesOfCurrentChunksFile counts the bytes already present
// in a partial download file without keeping any chunk download. Block
// payloads stored in the file are still written to the store. Used for
// progress display before the real load.
func (d *Downloader) DownloadedBytesOfCurrentChunksFile(r io.Reader) uint64 {
	var chdr CurrentChunksHeader
	if err := binary.Read(r, binary.LittleEndian, &chdr); err != nil || chdr.Magic != currentChunksMagic {
		d.log.Warningln("partial download file corrupted")
		return 0
	}
	var numBytes uint64
	for i := uint32(0); i < chdr.NumChunks; i++ {
		var hdr ChunkDownloadHeader
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			return numBytes
		}
		if hdr.Index >= d.store.NumChunks() {
			return numBytes
		}
		tmp := NewChunkDownload(d.store, hdr.Index, d.clk, d.log)
		if err := tmp.Load(r, hdr, false); err != nil {
			return numBytes
		}
		numBytes += tmp.BytesDownloaded()
	}
	d.currChunksDownloaded = numBytes
	return numBytes
}
