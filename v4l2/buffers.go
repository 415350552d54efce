package v4l2

// BufferState tracks who owns a buffer.
type BufferState int

const (
	// BufferFree is owned by the caller and holds nothing of interest.
	BufferFree BufferState = iota
	// BufferQueued is owned by the driver.
	BufferQueued
	// BufferFilled was dequeued and holds BytesUsed bytes of data.
	BufferFilled
)

func (s BufferState) String() string {
	switch s {
	case BufferFree:
		return "free"
	case BufferQueued:
		return "queued"
	case BufferFilled:
		return "filled"
	}
	return "unknown"
}

// Buffer is one mmap'd buffer of a queue.
type Buffer struct {
	Index     int
	Data      []byte
	State     BufferState
	BytesUsed int
}

// Bytes returns the valid part of a Filled buffer.
func (b *Buffer) Bytes() []byte { return b.Data[:b.BytesUsed] }

// BufferSet is the fixed array of buffers of one queue.
type BufferSet struct {
	queue Queue
	bufs  []Buffer
}

func (s *BufferSet) Queue() Queue { return s.queue }

// Len is the driver-granted buffer count.
func (s *BufferSet) Len() int { return len(s.bufs) }

// Buffer returns buffer i, or nil if i is out of range.
func (s *BufferSet) Buffer(i int) *Buffer {
	if i < 0 || i >= len(s.bufs) {
		return nil
	}
	return &s.bufs[i]
}

// Count returns the number of buffers in state st.
func (s *BufferSet) Count(st BufferState) int {
	var n int
	for i := range s.bufs {
		if s.bufs[i].State == st {
			n++
		}
	}
	return n
}

func (s *BufferSet) reset() {
	for i := range s.bufs {
		s.bufs[i].State = BufferFree
		s.bufs[i].BytesUsed = 0
	}
}
