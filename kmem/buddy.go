package kmem

import (
	"fmt"
	"math/bits"
)

// pushFreeLocked links the block headed at idx onto the free list of order
func (z *Zone) pushFreeLocked(idx int32, order int) {
	f := &z.frames[idx]
	f.state = frameFree
	f.order = uint8(order)
	f.exact = false
	f.count = 0
	f.prev = noFrame
	f.next = z.areas[order].head
	if f.next != noFrame {
		z.frames[f.next].prev = idx
	}
	z.areas[order].head = idx
	z.areas[order].count++

	pages := uint64(1) << order
	z.freePages.Add(pages)
	z.node.freePages.Add(int64(pages))
	if order == MaxOrder {
		z.topFree.Set(z.topBit(idx))
	}
}

// removeFreeLocked unlinks the free block headed at idx; the caller decides its new state
func (z *Zone) removeFreeLocked(idx int32, order int) {
	f := &z.frames[idx]
	if f.prev != noFrame {
		z.frames[f.prev].next = f.next
	} else {
		z.areas[order].head = f.next
	}
	if f.next != noFrame {
		z.frames[f.next].prev = f.prev
	}
	f.prev = noFrame
	f.next = noFrame
	f.state = frameTail
	z.areas[order].count--

	pages := uint64(1) << order
	z.freePages.Add(^(pages - 1))
	z.node.freePages.Add(-int64(pages))
	if order == MaxOrder {
		z.topFree.Clear(z.topBit(idx))
	}
}

func (z *Zone) topBit(idx int32) uint {
	return uint(uint64(z.pfn(idx)-z.topBase) >> MaxOrder)
}

// allocBlockLocked takes a block of exactly order, splitting a larger one if needed
func (z *Zone) allocBlockLocked(order int) (int32, bool) {
	for k := order; k <= MaxOrder; k++ {
		idx := z.areas[k].head
		if idx == noFrame {
			continue
		}
		z.removeFreeLocked(idx, k)

		// Keep the lower half, push the upper half down one order at a time
		for k > order {
			k--
			z.pushFreeLocked(idx+int32(1)<<k, k)
			z.stats.splits.Add(1)
		}
		return idx, true
	}
	return noFrame, false
}

// freeBlockLocked returns a block to the free areas, merging with free buddies
func (z *Zone) freeBlockLocked(idx int32, order int) {
	for order < MaxOrder {
		buddy := z.pfn(idx) ^ PFN(1)<<order
		if !z.contains(buddy) {
			break
		}
		bidx := z.index(buddy)
		bf := &z.frames[bidx]
		if bf.state != frameFree || int(bf.order) != order {
			break
		}
		z.removeFreeLocked(bidx, order)
		if bidx < idx {
			z.frames[idx].state = frameTail
			idx = bidx
		}
		order++
		z.stats.merges.Add(1)
	}
	z.pushFreeLocked(idx, order)
}

// freeRangeLocked returns [idx, idx+n) as maximal naturally aligned blocks
func (z *Zone) freeRangeLocked(idx int32, n uint64) {
	for n > 0 {
		order := chunkOrder(z.pfn(idx), n)
		z.freeBlockLocked(idx, order)
		idx += int32(1) << order
		n -= uint64(1) << order
	}
}

// chunkOrder is the largest order aligned at pfn that fits in n pages
func chunkOrder(pfn PFN, n uint64) int {
	order := bits.Len64(n) - 1
	if pfn != 0 {
		order = min(order, bits.TrailingZeros64(uint64(pfn)))
	}
	return min(order, MaxOrder)
}

// allocation describes a raw page block handed to a caller
type allocation struct {
	zone  *Zone
	pfn   PFN
	order int
	count uint64
}

// allocBlock places a block of order per the zone list and marks its head with state.
// For exact allocations the pages past count are given back in the same critical section.
func (a *Allocator) allocBlock(order int, count uint64, exact bool, state frameState, flags Flags, node int) (allocation, error) {
	if order > MaxOrder {
		return allocation{}, fmt.Errorf("order %d: %w", order, ErrOrderTooLarge)
	}
	var al allocation
	a.eachZone(node, flags, func(z *Zone) bool {
		if z.freePages.Load() < uint64(1)<<order {
			return true
		}
		z.mu.Lock()
		idx, ok := z.allocBlockLocked(order)
		if ok {
			f := &z.frames[idx]
			f.state = state
			f.order = uint8(order)
			f.count = count
			f.requested = 0
			f.exact = exact
			if exact && count < uint64(1)<<order {
				z.freeRangeLocked(idx+int32(count), uint64(1)<<order-count)
			}
		}
		z.mu.Unlock()
		if !ok {
			z.stats.failures.Add(1)
			return true
		}
		z.stats.allocs.Add(1)
		al = allocation{zone: z, pfn: z.pfn(idx), order: order, count: count}
		return false
	})
	if al.zone != nil {
		return al, nil
	}
	return allocation{}, fmt.Errorf("order %d on node %d: %w", order, node, ErrOutOfMemory)
}

// AllocatePages allocates count pages rounded up to a power-of-two block
func (a *Allocator) AllocatePages(count uint64, flags Flags, node int) (PhysAddr, error) {
	return a.allocatePages(count, flags, node, flags.has(FlagContiguous))
}

// AllocatePagesContiguous allocates exactly count physically contiguous pages
func (a *Allocator) AllocatePagesContiguous(count uint64, flags Flags, node int) (PhysAddr, error) {
	return a.allocatePages(count, flags|FlagContiguous, node, true)
}

func (a *Allocator) allocatePages(count uint64, flags Flags, node int, exact bool) (PhysAddr, error) {
	node, err := a.checkReady(node)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, fmt.Errorf("allocate 0 pages: %w", ErrInvalidSize)
	}
	if flags.has(FlagHugePage) {
		huge := count >> HugeOrder
		if count&(pagesPerHuge-1) != 0 {
			huge++
		}
		addr, err := a.allocateHuge(huge, flags, node)
		if err != nil {
			return 0, err
		}
		a.recordRequested(addr, count)
		return addr, nil
	}
	if count > 1<<MaxOrder {
		return 0, fmt.Errorf("allocate %d pages: %w", count, ErrOrderTooLarge)
	}

	order := orderFor(count)
	al, err := a.allocBlock(order, count, exact && !isPowerOfTwo(count), framePages, flags, node)
	if err != nil {
		Debug("Page allocation of %d pages failed: %v", count, err)
		return 0, err
	}
	addr := al.pfn.Addr()
	if flags.has(FlagZero) {
		a.zero(addr, count*PageSize)
	}
	Debug("Allocated %d pages (order %d) at %v in zone %d", count, order, addr, al.zone.id)
	return addr, nil
}

// FreePages returns pages obtained from AllocatePages or AllocatePagesContiguous
func (a *Allocator) FreePages(addr PhysAddr, count uint64) error {
	if _, err := a.checkReady(0); err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("free 0 pages: %w", ErrInvalidSize)
	}
	z, idx, err := a.lookupHead(addr)
	if err != nil {
		return err
	}

	z.mu.Lock()
	f := &z.frames[idx]
	switch {
	case f.state == frameFree || (f.state == frameTail && z.insideFreeBlockLocked(idx)):
		z.mu.Unlock()
		Error("Double free of pages at %v", addr)
		return fmt.Errorf("pages at %v: %w", addr, ErrDoubleFree)
	case f.state != framePages:
		z.mu.Unlock()
		return fmt.Errorf("pages at %v are not a page allocation: %w", addr, ErrInvalidAddress)
	case int(f.order) > MaxOrder:
		requested, gigantic := f.requested, f.count>>GiganticOrder
		z.mu.Unlock()
		if requested != 0 && requested == count {
			return a.FreeGiganticPages(addr, gigantic)
		}
		return fmt.Errorf("pages at %v are gigantic: %w", addr, ErrOrderMismatch)
	case !sizeMatches(f, count):
		order, recorded := f.order, f.count
		z.mu.Unlock()
		Error("Free of %d pages at %v does not match allocation of %d pages (order %d)", count, addr, recorded, order)
		return fmt.Errorf("free %d pages at %v, allocated %d: %w", count, addr, recorded, ErrOrderMismatch)
	}
	if f.exact {
		f.state = frameTail
		z.freeRangeLocked(idx, f.count)
	} else {
		z.freeBlockLocked(idx, int(f.order))
	}
	z.mu.Unlock()

	z.stats.frees.Add(1)
	Debug("Freed %d pages at %v", count, addr)
	return nil
}

// insideFreeBlockLocked reports whether idx lies within a larger free block
func (z *Zone) insideFreeBlockLocked(idx int32) bool {
	pfn := z.pfn(idx)
	for order := 1; order <= MaxOrder; order++ {
		head := pfn &^ (PFN(1)<<order - 1)
		if !z.contains(head) {
			return false
		}
		f := &z.frames[z.index(head)]
		if f.state == frameFree && int(f.order) >= order {
			return true
		}
	}
	return false
}

func sizeMatches(f *pageFrame, count uint64) bool {
	if count == f.count || (f.requested != 0 && count == f.requested) {
		return true
	}
	return !f.exact && orderFor(count) == int(f.order)
}

// recordRequested remembers the page count a HUGE_PAGE request asked for before
// it was rounded up, so FreePages accepts the caller's own count
func (a *Allocator) recordRequested(addr PhysAddr, count uint64) {
	z, idx, err := a.lookupHead(addr)
	if err != nil {
		return
	}
	z.mu.Lock()
	z.frames[idx].requested = count
	z.mu.Unlock()
}

// lookupHead resolves a page-aligned address to its zone and frame index
func (a *Allocator) lookupHead(addr PhysAddr) (*Zone, int32, error) {
	if !addr.PageAligned() {
		return nil, 0, fmt.Errorf("%v not page aligned: %w", addr, ErrInvalidAddress)
	}
	z := zoneOf(a.zones, addr.PFN())
	if z == nil {
		return nil, 0, fmt.Errorf("%v outside managed memory: %w", addr, ErrInvalidAddress)
	}
	return z, z.index(addr.PFN()), nil
}

func (a *Allocator) zero(addr PhysAddr, n uint64) {
	if a.cfg.Mem != nil {
		a.cfg.Mem.Zero(addr, n)
	}
}
