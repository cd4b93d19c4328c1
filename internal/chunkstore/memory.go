package chunkstore

import (
	"sync"

	"github.com/ashl1/libktorrent-stream/internal/bitfield"
)

// Memory is a Store that buffers everything in RAM. Used by tests and
// for small streaming sessions where the player consumes chunks as they
// complete.
type Memory struct {
	m          sync.Mutex
	chunkSize  uint32
	totalSize  uint64
	numChunks  uint32
	buffers    [][]byte
	status     []Status
	priorities []Priority
	have       *bitfield.Bitfield
}

var _ Store = (*Memory)(nil)

// NewMemory creates a memory store for a torrent of totalSize bytes cut
// into chunks of chunkSize bytes (the last chunk may be shorter).
func NewMemory(chunkSize uint32, totalSize uint64) *Memory {
	numChunks := uint32((totalSize + uint64(chunkSize) - 1) / uint64(chunkSize))
	s := &Memory{
		chunkSize:  chunkSize,
		totalSize:  totalSize,
		numChunks:  numChunks,
		buffers:    make([][]byte, numChunks),
		status:     make([]Status, numChunks),
		priorities: make([]Priority, numChunks),
		have:       bitfield.New(numChunks),
	}
	for i := range s.priorities {
		s.priorities[i] = PriorityNormal
	}
	return s
}

func (s *Memory) NumChunks() uint32 { return s.numChunks }

func (s *Memory) ChunkSize(index uint32) uint32 {
	if index == s.numChunks-1 {
		return uint32(s.totalSize - uint64(index)*uint64(s.chunkSize))
	}
	return s.chunkSize
}

func (s *Memory) TotalSize() uint64 { return s.totalSize }

func (s *Memory) checkRange(index, begin, length uint32) error {
	if index >= s.numChunks {
		return ErrInvalidChunk
	}
	if begin+length > s.ChunkSize(index) {
		return ErrInvalidRange
	}
	return nil
}

func (s *Memory) WriteBlock(index, begin uint32, data []byte) error {
	if err := s.checkRange(index, begin, uint32(len(data))); err != nil {
		return err
	}
	s.m.Lock()
	defer s.m.Unlock()
	if s.buffers[index] == nil {
		s.buffers[index] = make([]byte, s.ChunkSize(index))
	}
	copy(s.buffers[index][begin:], data)
	if s.status[index] == NotOnDisk {
		s.status[index] = Downloading
	}
	return nil
}

func (s *Memory) ReadBlock(index, begin, length uint32) ([]byte, error) {
	if err := s.checkRange(index, begin, length); err != nil {
		return nil, err
	}
	s.m.Lock()
	defer s.m.Unlock()
	if s.buffers[index] == nil {
		return nil, ErrInvalidRange
	}
	data := make([]byte, length)
	copy(data, s.buffers[index][begin:begin+length])
	return data, nil
}

func (s *Memory) MappedBlocks() bool { return false }

func (s *Memory) Commit(index uint32) error {
	if index >= s.numChunks {
		return ErrInvalidChunk
	}
	s.m.Lock()
	defer s.m.Unlock()
	s.status[index] = OnDisk
	s.have.Set(index)
	return nil
}

func (s *Memory) Reset(index uint32) error {
	if index >= s.numChunks {
		return ErrInvalidChunk
	}
	s.m.Lock()
	defer s.m.Unlock()
	s.status[index] = NotOnDisk
	s.buffers[index] = nil
	s.have.Clear(index)
	return nil
}

func (s *Memory) Status(index uint32) Status {
	s.m.Lock()
	defer s.m.Unlock()
	return s.status[index]
}

func (s *Memory) Have() *bitfield.Bitfield {
	return s.have
}

func (s *Memory) Priority(index uint32) Priority {
	s.m.Lock()
	defer s.m.Unlock()
	return s.priorities[index]
}

func (s *Memory) SetPriority(index uint32, p Priority) {
	s.m.Lock()
	defer s.m.Unlock()
	s.priorities[index] = p
}

func (s *Memory) Excluded(index uint32) bool {
	return s.Priority(index) == PriorityExcluded
}

func (s *Memory) Completed() bool {
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

func (s *Memory) ChunksLeft() uint32 {
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

func (s *Memory) BytesLeft() uint64 {
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
