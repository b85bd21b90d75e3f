package kmem

import "fmt"

// PhysMem is the byte-addressable view of physical memory the allocator manages
type PhysMem interface {
	// Zero clears n bytes starting at addr
	Zero(addr PhysAddr, n uint64)
}

// ArenaMemory backs a physical address window with a byte slice
type ArenaMemory struct {
	base PhysAddr
	buf  []byte
}

// NewArenaMemory creates a window of size bytes starting at base
func NewArenaMemory(base PhysAddr, size uint64) *ArenaMemory {
	return &ArenaMemory{
		base: base,
		buf:  make([]byte, size),
	}
}

// Bytes returns the n bytes at addr, bounds checked against the window
func (m *ArenaMemory) Bytes(addr PhysAddr, n uint64) ([]byte, error) {
	if addr < m.base || uint64(addr-m.base)+n > uint64(len(m.buf)) {
		return nil, fmt.Errorf("%w: %v+%d outside arena", ErrInvalidAddress, addr, n)
	}
	off := uint64(addr - m.base)
	return m.buf[off : off+n], nil
}

// Zero clears n bytes at addr; ranges outside the window are ignored
func (m *ArenaMemory) Zero(addr PhysAddr, n uint64) {
	b, err := m.Bytes(addr, n)
	if err != nil {
		Debug("Zero fill skipped: %v", err)
		return
	}
	clear(b)
}
