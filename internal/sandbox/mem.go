// Package sandbox packages the engine behind a linear-memory ABI so the
// same core can be compiled once and driven from any host language. The
// module side owns an allocator over a growable linear memory region and
// exposes packed pointer/length exports; the host side drives those
// exports under a single transport-wide lock, with pre-allocated buffers
// for the hot evaluation path.
package sandbox

import "fmt"

const (
	pageSize = 64 * 1024

	// memoryLimit bounds linear memory growth; exhaustion is a trap, not
	// an evaluation result.
	memoryLimit = 256 << 20

	// allocAlign keeps every block 8-byte aligned. Offset 0 is reserved
	// so that a zero pointer always means "no data".
	allocAlign = 8
)

// Trap is a fatal module condition (allocator exhaustion, out-of-bounds
// access). The host translates traps into transport-level failures,
// distinct from any evaluation result.
type Trap struct {
	Msg string
}

func (t *Trap) Error() string { return "sandbox trap: " + t.Msg }

func trap(format string, args ...any) {
	panic(&Trap{Msg: fmt.Sprintf(format, args...)})
}

// span is a free block inside linear memory.
type span struct {
	off  uint32
	size uint32
}

// linearMemory is a page-granular byte region with a first-fit free-list
// allocator. It is not safe for concurrent use; the transport serializes
// access.
type linearMemory struct {
	buf  []byte
	next uint32 // bump pointer past the highest block ever carved
	free []span // sorted by offset, adjacent spans coalesced
}

func newLinearMemory() *linearMemory {
	return &linearMemory{
		buf:  make([]byte, 4*pageSize),
		next: allocAlign,
	}
}

func alignUp(n uint32) uint32 {
	if n == 0 {
		n = 1
	}
	return (n + allocAlign - 1) &^ (allocAlign - 1)
}

// alloc returns the offset of a fresh block of at least size bytes.
func (m *linearMemory) alloc(size uint32) uint32 {
	need := alignUp(size)

	for i, s := range m.free {
		if s.size < need {
			continue
		}
		off := s.off
		if s.size == need {
			m.free = append(m.free[:i], m.free[i+1:]...)
		} else {
			m.free[i] = span{off: s.off + need, size: s.size - need}
		}
		return off
	}

	if uint64(m.next)+uint64(need) > uint64(len(m.buf)) {
		m.grow(uint64(m.next) + uint64(need))
	}
	off := m.next
	m.next += need
	return off
}

func (m *linearMemory) grow(target uint64) {
	pages := (target + pageSize - 1) / pageSize
	total := pages * pageSize
	if total > memoryLimit {
		trap("out of memory: %d bytes requested, limit %d", total, memoryLimit)
	}
	grown := make([]byte, total)
	copy(grown, m.buf)
	m.buf = grown
}

// dealloc returns a block to the free list, coalescing neighbours. Size
// must match the original allocation request.
func (m *linearMemory) dealloc(off, size uint32) {
	if off == 0 {
		return
	}
	need := alignUp(size)
	m.checkRange(off, need)

	i := 0
	for i < len(m.free) && m.free[i].off < off {
		i++
	}
	m.free = append(m.free, span{})
	copy(m.free[i+1:], m.free[i:])
	m.free[i] = span{off: off, size: need}

	// Coalesce with the following block, then the preceding one.
	if i+1 < len(m.free) && m.free[i].off+m.free[i].size == m.free[i+1].off {
		m.free[i].size += m.free[i+1].size
		m.free = append(m.free[:i+1], m.free[i+2:]...)
	}
	if i > 0 && m.free[i-1].off+m.free[i-1].size == m.free[i].off {
		m.free[i-1].size += m.free[i].size
		m.free = append(m.free[:i], m.free[i+1:]...)
	}
}

func (m *linearMemory) checkRange(off, size uint32) {
	end := uint64(off) + uint64(size)
	if off < allocAlign || end > uint64(m.next) {
		trap("out-of-bounds access: [%d, %d) of %d", off, end, m.next)
	}
}

// read copies size bytes starting at off.
func (m *linearMemory) read(off, size uint32) []byte {
	if size == 0 {
		return nil
	}
	m.checkRange(off, size)
	out := make([]byte, size)
	copy(out, m.buf[off:off+size])
	return out
}

// write copies data into the block at off.
func (m *linearMemory) write(off uint32, data []byte) {
	if len(data) == 0 {
		return
	}
	m.checkRange(off, alignUp(uint32(len(data))))
	copy(m.buf[off:], data)
}
