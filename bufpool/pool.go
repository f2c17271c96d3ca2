// Package bufpool provides the byte buffer pool that backs every frame
// allocation in nettalk.
//
// Buffers are grouped into power-of-four size classes, each backed by a
// buffered channel acting as a concurrency-safe free list. Rent returns the
// smallest buffer whose class covers the requested size — callers must treat
// the extra capacity as usable, exactly like a serializer that is handed a
// buffer larger than it asked for.
//
// Ownership rules:
//   - A rented buffer belongs to exactly one renter until returned.
//   - A buffer may be returned at most once per rent. Segment enforces this
//     with an atomic release flag; returning through the raw Pool API twice
//     is a programmer error.
package bufpool

import (
	"fmt"
	"sync"
)

// classSizes are the buffer capacities handed out by the pool.
// Requests larger than the biggest class get a one-off allocation that is
// never pooled.
var classSizes = []int{256, 1 << 10, 4 << 10, 16 << 10, 64 << 10}

// ErrExhausted is returned when a size class has reached its allocation cap
// and has no free buffer. Callers see it directly — exhaustion is never
// swallowed.
var ErrExhausted = fmt.Errorf("bufpool: pool exhausted")

// Pool hands out reusable byte buffers by size class.
type Pool struct {
	classes []*class
}

// class is one size bucket: a free list plus an allocation counter.
// The buffered channel is the free list — receives and sends are the
// rent/return fast path and need no extra locking.
type class struct {
	size  int
	free  chan []byte
	mu    sync.Mutex
	alloc int // buffers created so far, capped at cap(free)
}

// New creates a pool allowing up to maxPerClass live buffers in each size
// class. maxPerClass <= 0 selects a default suitable for a busy channel.
func New(maxPerClass int) *Pool {
	if maxPerClass <= 0 {
		maxPerClass = 64
	}
	p := &Pool{}
	for _, size := range classSizes {
		p.classes = append(p.classes, &class{
			size: size,
			free: make(chan []byte, maxPerClass),
		})
	}
	return p
}

// Rent returns a buffer with capacity of at least minSize. The returned
// buffer may be larger than requested. The renter owns it until Return.
//
// Strategy per class (smallest class that fits first):
//  1. Take a free buffer if one is available (non-blocking receive).
//  2. Otherwise allocate a new one if the class is under its cap.
//  3. Otherwise the class is exhausted — fail rather than block, so the
//     caller decides how to degrade.
func (p *Pool) Rent(minSize int) ([]byte, error) {
	if minSize < 0 {
		return nil, fmt.Errorf("bufpool: negative rent size %d", minSize)
	}
	c := p.classFor(minSize)
	if c == nil {
		// Oversized request — allocate outside the pool. Return recognizes
		// these by capacity and drops them for the GC to collect.
		return make([]byte, minSize), nil
	}

	select {
	case buf := <-c.free:
		return buf, nil
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alloc >= cap(c.free) {
		return nil, fmt.Errorf("%w: size class %d", ErrExhausted, c.size)
	}
	c.alloc++
	return make([]byte, c.size), nil
}

// Return gives a buffer back to the pool. A buffer must be returned at most
// once per rent; segments enforce this for frame buffers. Buffers that did
// not come from a size class (oversized one-offs) are silently dropped.
func (p *Pool) Return(buf []byte) {
	if buf == nil {
		return
	}
	c := p.classOf(cap(buf))
	if c == nil {
		return
	}
	select {
	case c.free <- buf[:cap(buf)]:
	default:
		// Free list full — more returns than rents, i.e. a foreign buffer
		// with a matching capacity. Drop it instead of growing the class.
	}
}

// classFor picks the smallest class able to serve minSize, nil if none.
func (p *Pool) classFor(minSize int) *class {
	for _, c := range p.classes {
		if c.size >= minSize {
			return c
		}
	}
	return nil
}

// classOf matches a buffer back to its class by exact capacity.
func (p *Pool) classOf(capacity int) *class {
	for _, c := range p.classes {
		if c.size == capacity {
			return c
		}
	}
	return nil
}
