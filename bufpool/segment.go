package bufpool

import "sync/atomic"

// Segment is a contiguous byte range with explicit ownership semantics.
// A pool-owned segment returns its backing buffer to the pool on Release;
// a caller-owned segment (no pool) is left to the garbage collector.
// Release is valid exactly once per segment.
type Segment struct {
	Buf    []byte // backing buffer; the frame occupies Buf[Offset : Offset+Length]
	Offset int
	Length int

	pool     *Pool
	released atomic.Bool
}

// NewSegment wraps a rented buffer into a pool-owned segment.
func NewSegment(pool *Pool, buf []byte, offset, length int) *Segment {
	return &Segment{Buf: buf, Offset: offset, Length: length, pool: pool}
}

// Owned wraps a caller-owned buffer. Release is a no-op for the pool but
// still enforces the single-release rule.
func Owned(buf []byte, offset, length int) *Segment {
	return &Segment{Buf: buf, Offset: offset, Length: length}
}

// Bytes returns the live byte range of the segment.
func (s *Segment) Bytes() []byte {
	return s.Buf[s.Offset : s.Offset+s.Length]
}

// Pooled reports whether releasing the segment returns its buffer to a pool.
func (s *Segment) Pooled() bool {
	return s.pool != nil
}

// Release returns the backing buffer to its owning pool, if any.
// Releasing a segment twice panics: a double return would let the pool hand
// the same buffer to two renters, so it must fail loudly rather than corrupt
// later frames.
func (s *Segment) Release() {
	if !s.released.CompareAndSwap(false, true) {
		panic("bufpool: segment released twice")
	}
	if s.pool != nil {
		s.pool.Return(s.Buf)
	}
	s.Buf = nil
}
