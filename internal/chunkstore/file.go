package chunkstore

import (
	"fmt"
	"os"
	"sync"

	"github.com/ashl1/libktorrent-stream/internal/bitfield"
)

// File is a Store backed by a single preallocated file. Block data is
// written straight through to disk, so the partial-state file only
// needs bitmaps for it.
type File struct {
	m          sync.Mutex
	f          *os.File
	chunkSize  uint32
	totalSize  uint64
	numChunks  uint32
	status     []Status
	priorities []Priority
	have       *bitfield.Bitfield
}

var _ Store = (*File)(nil)

// NewFile opens or creates the data file at path and sizes it to
// totalSize bytes.
func NewFile(path string, chunkSize uint32, totalSize uint64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if uint64(fi.Size()) != totalSize {
		if err = f.Truncate(int64(totalSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("cannot allocate data file: %s", err)
		}
	}
	numChunks := uint32((totalSize + uint64(chunkSize) - 1) / uint64(chunkSize))
	s := &File{
		f:          f,
		chunkSize:  chunkSize,
		totalSize:  totalSize,
		numChunks:  numChunks,
		status:     make([]Status, numChunks),
		priorities: make([]Priority, numChunks),
		have:       bitfield.New(numChunks),
	}
	for i := range s.priorities {
		s.priorities[i] = PriorityNormal
	}
	return s, nil
}

// Close closes the underlying file.
func (s *File) Close() error {
	return s.f.Close()
}

// RestoreHave marks the chunks in bf as already on disk, typically from
// a resume record written in a previous session.
func (s *File) RestoreHave(bf *bitfield.Bitfield) {
	s.m.Lock()
	defer s.m.Unlock()
	for i := uint32(0); i < s.numChunks && i < bf.Len(); i++ {
		if bf.Test(i) {
			s.status[i] = OnDisk
			s.have.Set(i)
		}
	}
}

func (s *File) NumChunks() uint32 { return s.numChunks }

func (s *File) ChunkSize(index uint32) uint32 {
	if index == s.numChunks-1 {
		return uint32(s.totalSize - uint64(index)*uint64(s.chunkSize))
	}
	return s.chunkSize
}

func (s *File) TotalSize() uint64 { return s.totalSize }

func (s *File) checkRange(index, begin, length uint32) error {
	if index >= s.numChunks {
		return ErrInvalidChunk
	}
	if begin+length > s.ChunkSize(index) {
		return ErrInvalidRange
	}
	return nil
}

func (s *File) offset(index, begin uint32) int64 {
	return int64(index)*int64(s.chunkSize) + int64(begin)
}

func (s *File) WriteBlock(index, begin uint32, data []byte) error {
	if err := s.checkRange(index, begin, uint32(len(data))); err != nil {
		return err
	}
	s.m.Lock()
	defer s.m.Unlock()
	if _, err := s.f.WriteAt(data, s.offset(index, begin)); err != nil {
		return err
	}
	if s.status[index] == NotOnDisk {
		s.status[index] = Downloading
	}
	return nil
}

func (s *File) ReadBlock(index, begin, length uint32) ([]byte, error) {
	if err := s.checkRange(index, begin, length); err != nil {
		return nil, err
	}
	s.m.Lock()
	defer s.m.Unlock()
	data := make([]byte, length)
	if _, err := s.f.ReadAt(data, s.offset(index, begin)); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *File) MappedBlocks() bool { return true }

func (s *File) Commit(index uint32) error {
	if index >= s.numChunks {
		return ErrInvalidChunk
	}
	s.m.Lock()
	defer s.m.Unlock()
	s.status[index] = OnDisk
	s.have.Set(index)
	return nil
}

func (s *File) Reset(index uint32) error {
	if index >= s.numChunks {
		return ErrInvalidChunk
	}
	s.m.Lock()
	defer s.m.Unlock()
	s.status[index] = NotOnDisk
	s.have.Clear(index)
	return nil
}

func (s *File) Status(index uint32) Status {
	s.m.Lock()
	defer s.m.Unlock()
	return s.status[index]
}

func (s *File) Have() *bitfield.Bitfield { return s.have }

func (s *File) Priority(index uint32) Priority {
	s.m.Lock()
	defer s.m.Unlock()
	return s.priorities[index]
}

func (s *File) SetPriority(index uint32, p Priority) {
	s.m.Lock()
	defer s.m.Unlock()
	s.priorities[index] = p
}

func (s *File) Excluded(index uint32) bool {
	return s.Priority(index) == PriorityExcluded
}

func (s *File) Completed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	for i := uint32(0); i < s.numChunks; i++ {
		if s.priorities[i] == PriorityExcluded {
			continue
		}
		if s.status[i] != OnDisk {
			return false
		}
	}
	return true
}

func (s *File) ChunksLeft() uint32 {
	s.m.Lock()
	defer s.m.Unlock()
	var left uint32
	for i := uint32(0); i < s.numChunks; i++ {
		if s.priorities[i] != PriorityExcluded && s.status[i] != OnDisk {
			left++
		}
	}
	return left
}

func (s *File) BytesLeft() uint64 {
	s.m.Lock()
	defer s.m.Unlock()
	var left uint64
	for i := uint32(0); i < s.numChunks; i++ {
		if s.priorities[i] != PriorityExcluded && s.status[i] != OnDisk {
			left += uint64(s.ChunkSize(i))
		}
	}
	return left
}
