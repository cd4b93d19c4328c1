// Package chunkstore defines the storage contract the download core
// writes received blocks into and commits verified chunks to.
package chunkstore

import (
	"errors"

	"github.com/ashl1/libktorrent-stream/internal/bitfield"
)

// Status of a single chunk.
type Status int

const (
	NotOnDisk Status = iota
	Downloading
	OnDisk
)

// Priority band of a chunk. Higher is more urgent. Excluded chunks are
// never selected for download.
type Priority int

const (
	PriorityExcluded Priority = 10
	PriorityOnlySeed Priority = 20
	PriorityLast     Priority = 30
	PriorityNormal   Priority = 40
	PriorityFirst    Priority = 50
	PriorityPreview  Priority = 60
)

var (
	// ErrInvalidChunk is returned for an index outside the torrent.
	ErrInvalidChunk = errors.New("invalid chunk index")
	// ErrInvalidRange is returned when offset and length do not fit
	// inside the chunk.
	ErrInvalidRange = errors.New("invalid block range")
)

// Store keeps the chunks of one torrent. Implementations serialise
// concurrent writers internally; everything else in the download core
// runs on the torrent goroutine.
type Store interface {
	// NumChunks returns the number of chunks in the torrent.
	NumChunks() uint32
	// ChunkSize returns the size in bytes of the chunk at index.
	ChunkSize(index uint32) uint32
	// TotalSize returns the sum of all chunk sizes.
	TotalSize() uint64

	// WriteBlock stores a block of a chunk that is being downloaded.
	WriteBlock(index, begin uint32, data []byte) error
	// ReadBlock reads back a stored block.
	ReadBlock(index, begin, length uint32) ([]byte, error)
	// MappedBlocks reports whether block data survives outside the
	// partial-state file. Buffered stores return false, which makes the
	// partial-state writer include block payloads.
	MappedBlocks() bool

	// Commit marks a verified chunk as on disk.
	Commit(index uint32) error
	// Reset rolls a chunk back to not-on-disk, dropping its data.
	Reset(index uint32) error

	// Status returns the chunk's current status.
	Status(index uint32) Status
	// Have returns the bitfield of on-disk chunks. The caller must not
	// modify it.
	Have() *bitfield.Bitfield

	// Priority returns the chunk's priority band.
	Priority(index uint32) Priority
	// SetPriority changes the chunk's priority band.
	SetPriority(index uint32, p Priority)
	// Excluded reports whether the chunk is excluded from download.
	Excluded(index uint32) bool

	// Completed reports whether every non-excluded chunk is on disk.
	Completed() bool
	// ChunksLeft returns the number of chunks still to download.
	ChunksLeft() uint32
	// BytesLeft returns the number of bytes still to download.
	BytesLeft() uint64
}
