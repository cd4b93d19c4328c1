package metainfo

import (
	"crypto/sha1"
	"errors"

	"github.com/zeebo/bencode"
)

// Info is the info dictionary of a torrent: the manifest the download
// core verifies chunks against.
type Info struct {
	PieceLength uint32 `bencode:"piece length"`
	Pieces      []byte `bencode:"pieces"`
	Name        string `bencode:"name"`
	Private     byte   `bencode:"private"`
	Length      int64  `bencode:"length"` // single file torrents only
	Files       []File `bencode:"files"`  // multiple file torrents only

	// Calculated fields
	Hash        [20]byte `bencode:"-"`
	TotalLength int64    `bencode:"-"`
	NumPieces   uint32   `bencode:"-"`
	MultiFile   bool     `bencode:"-"`
	Bytes       []byte   `bencode:"-"`
}

// File inside a multi-file torrent.
type File struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// NewInfo returns the Info decoded from a bencoded info dictionary.
func NewInfo(b []byte) (*Info, error) {
	var i Info
	if err := bencode.DecodeBytes(b, &i); err != nil {
		return nil, err
	}
	if uint32(len(i.Pieces))%sha1.Size != 0 {
		return nil, errors.New("torrent has invalid pieces data")
	}
	i.NumPieces = uint32(len(i.Pieces)) / sha1.Size
	i.MultiFile = len(i.Files) != 0
	if i.MultiFile {
		for _, f := range i.Files {
			i.TotalLength += f.Length
		}
	} else {
		i.TotalLength = i.Length
	}
	if i.PieceLength == 0 {
		return nil, errors.New("torrent has zero piece length")
	}
	if i.NumPieces == 0 {
		return nil, errors.New("torrent has zero pieces")
	}
	// last piece may be shorter but never empty
	delta := int64(i.NumPieces)*int64(i.PieceLength) - i.TotalLength
	if delta < 0 || delta >= int64(i.PieceLength) {
		return nil, errors.New("invalid piece data")
	}
	i.Hash = sha1.Sum(b)
	i.Bytes = b
	return &i, nil
}

// PieceHash returns the SHA-1 the piece at index must hash to.
func (i *Info) PieceHash(index uint32) []byte {
	begin := index * sha1.Size
	return i.Pieces[begin : begin+sha1.Size]
}

// PieceSize returns the length in bytes of the piece at index. All
// pieces except possibly the last one have PieceLength bytes.
func (i *Info) PieceSize(index uint32) uint32 {
	if index == i.NumPieces-1 {
		size := i.TotalLength - int64(index)*int64(i.PieceLength)
		return uint32(size)
	}
	return i.PieceLength
}
