// Package kmem provides physical page and kernel object allocation management
package kmem

import (
	"fmt"
	"math/bits"
)

const (
	// System constants
	PageShift     = 12             // 4KB pages
	PageSize      = 1 << PageShift // 4KB
	MaxOrder      = 11             // Largest buddy block, 2^11 pages = 8MB
	HugeOrder     = 9              // 2MB huge page
	GiganticOrder = 18             // 1GB gigantic page

	// AnyNode lets the allocator place a request on the calling CPU's node
	AnyNode = -1

	HugePageSize     = PageSize << HugeOrder
	GiganticPageSize = PageSize << GiganticOrder
)

// PFN is a physical page frame number
type PFN uint64

// PhysAddr is a physical byte address
type PhysAddr uint64

// Addr returns the physical address of the first byte of the frame
func (p PFN) Addr() PhysAddr { return PhysAddr(p) << PageShift }

// PFN returns the frame containing the address
func (a PhysAddr) PFN() PFN { return PFN(a >> PageShift) }

// PageAligned reports whether the address starts a frame
func (a PhysAddr) PageAligned() bool { return a&(PageSize-1) == 0 }

func (a PhysAddr) String() string { return fmt.Sprintf("%#x", uint64(a)) }

// Flags select allocation behaviour
type Flags uint32

const (
	FlagZero       Flags = 1 << iota // Zero-fill on allocation
	FlagContiguous                   // Exact-size physically contiguous run
	FlagDMA                          // Restrict to DMA-capable zones
	FlagHugePage                     // Serve from the huge page path
	FlagBulkOps                      // Larger per-CPU batch transfers
)

func (f Flags) has(flag Flags) bool { return f&flag != 0 }

func (f Flags) String() string {
	names := []string{"ZERO", "CONTIGUOUS", "DMA", "HUGE_PAGE", "BULK_OPS"}
	out := ""
	for i, n := range names {
		if f&(1<<i) != 0 {
			if out != "" {
				out += "|"
			}
			out += n
		}
	}
	if out == "" {
		return "NONE"
	}
	return out
}

// orderFor returns the smallest order whose block holds count pages
func orderFor(count uint64) int {
	if count <= 1 {
		return 0
	}
	return bits.Len64(count - 1)
}

// pagesFor returns the number of pages needed to hold size bytes
func pagesFor(size uint64) uint64 {
	return (size + PageSize - 1) >> PageShift
}

func isPowerOfTwo(v uint64) bool { return v != 0 && v&(v-1) == 0 }

func alignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }
