package store

import "time"

// buffer is one link of the doubly linked queue holding input data. Buffers
// are appended at the tail as standard input is drained and reclaimed from the
// head once neither the current record nor a sending client references them.
type buffer struct {
	prev *buffer
	next *buffer

	// seq increases monotonically with every buffer appended to the queue.
	// Reclamation only ever removes a prefix, so a data pointer is valid
	// exactly when its buffer's seq is >= the head's.
	seq uint64

	// size is the actual number of bytes stored
	size int

	// timestamp is the time the buffer was read; only set in time-window mode
	timestamp time.Time

	// recordCount is the total number of complete records read through the
	// end of this buffer (the 0-based ordinal of the first record not in it)
	recordCount int64

	// byteCount is the total number of bytes read through the end of this
	// buffer
	byteCount int64

	data []byte
}

// setCounters fills in the buffer's cumulative counters from its predecessor.
func (s *Server) setCounters(b *buffer) {
	if s.conf.TimeWindow {
		b.timestamp = time.Now()
	}

	if s.conf.RecordLength == 0 {
		// Count records using the record separator
		if b.prev != nil {
			b.recordCount = b.prev.recordCount
		}
		for i := 0; i < b.size; i++ {
			if b.data[i] == s.conf.Separator {
				b.recordCount++
			}
		}
	} else {
		// Count records using the record length
		if b.prev != nil {
			b.byteCount = b.prev.byteCount
		}
		b.byteCount += int64(b.size)
		b.recordCount = b.byteCount / int64(s.conf.RecordLength)
	}
}

// appendBuffer inserts b at the tail of the queue.
func (s *Server) appendBuffer(b *buffer) {
	b.seq = s.nextSeq
	s.nextSeq++

	b.prev = s.tail
	b.next = nil
	if s.tail != nil {
		s.tail.next = b
	}
	s.tail = b
	if s.head == nil {
		s.head = b
	}

	s.setCounters(b)
}

// oldestBuffer returns the oldest of two buffers, either of which may be nil.
func oldestBuffer(a, b *buffer) *buffer {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.seq <= b.seq {
		return a
	}
	return b
}

// freeUnusedBuffers unlinks buffers preceding the current record, stopping at
// the first buffer still referenced by a client sending a response.
func (s *Server) freeUnusedBuffers() {
	for b := s.head; b != nil; {
		if b == s.curBegin.b || b == s.oldestWriting {
			s.head = b
			b.prev = nil
			return
		}
		bnext := b.next
		b.next = nil
		b.prev = nil
		b = bnext
	}
	// Should have encountered curBegin.b along the way.
	panic("store: current record begin not on buffer queue")
}
