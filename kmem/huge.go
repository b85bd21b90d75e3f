package kmem

import (
	"fmt"
	"math"
)

const (
	pagesPerHuge         = 1 << HugeOrder
	topBlocksPerGigantic = 1 << (GiganticOrder - MaxOrder)
	hugePagesPerGigantic = 1 << (GiganticOrder - HugeOrder)

	// largest counts whose page totals fit in 64 bits
	maxHugeCount     = math.MaxUint64 >> HugeOrder
	maxGiganticCount = math.MaxUint64 >> GiganticOrder
)

// AllocateHugePages allocates count contiguous 2MB pages, 2MB aligned
func (a *Allocator) AllocateHugePages(count uint64, flags Flags, node int) (PhysAddr, error) {
	node, err := a.checkReady(node)
	if err != nil {
		return 0, err
	}
	return a.allocateHuge(count, flags, node)
}

func (a *Allocator) allocateHuge(count uint64, flags Flags, node int) (PhysAddr, error) {
	if count == 0 {
		return 0, fmt.Errorf("allocate 0 huge pages: %w", ErrInvalidSize)
	}
	order := HugeOrder + orderFor(count)
	if order > MaxOrder {
		if count%hugePagesPerGigantic == 0 {
			return a.allocateGigantic(count/hugePagesPerGigantic, flags, node)
		}
		return 0, fmt.Errorf("allocate %d huge pages: %w", count, ErrOrderTooLarge)
	}

	pages := count * pagesPerHuge
	al, err := a.allocBlock(order, pages, !isPowerOfTwo(count), framePages, flags, node)
	if err != nil {
		Debug("Huge page allocation of %d failed: %v", count, err)
		return 0, err
	}
	addr := al.pfn.Addr()
	if flags.has(FlagZero) {
		a.zero(addr, pages*PageSize)
	}
	Debug("Allocated %d huge pages at %v in zone %d", count, addr, al.zone.id)
	return addr, nil
}

// FreeHugePages returns pages obtained from AllocateHugePages
func (a *Allocator) FreeHugePages(addr PhysAddr, count uint64) error {
	if count > maxHugeCount && count%hugePagesPerGigantic != 0 {
		return fmt.Errorf("free %d huge pages: %w", count, ErrOrderTooLarge)
	}
	if count != 0 && count%hugePagesPerGigantic == 0 && HugeOrder+orderFor(count) > MaxOrder {
		return a.FreeGiganticPages(addr, count/hugePagesPerGigantic)
	}
	if addr&(HugePageSize-1) != 0 {
		return fmt.Errorf("%v not huge page aligned: %w", addr, ErrInvalidAddress)
	}
	return a.FreePages(addr, count*pagesPerHuge)
}

// AllocateGiganticPages allocates count contiguous 1GB pages, 1GB aligned.
// The run is assembled from free MaxOrder blocks, since it is larger than any free area.
func (a *Allocator) AllocateGiganticPages(count uint64, flags Flags, node int) (PhysAddr, error) {
	node, err := a.checkReady(node)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, fmt.Errorf("allocate 0 gigantic pages: %w", ErrInvalidSize)
	}
	return a.allocateGigantic(count, flags, node)
}

func (a *Allocator) allocateGigantic(count uint64, flags Flags, node int) (PhysAddr, error) {
	if count > maxGiganticCount {
		return 0, fmt.Errorf("allocate %d gigantic pages: %w", count, ErrOrderTooLarge)
	}
	pages := count << GiganticOrder
	var (
		addr PhysAddr
		zone *Zone
	)
	a.eachZone(node, flags, func(z *Zone) bool {
		if z.freePages.Load() < pages {
			return true
		}
		z.mu.Lock()
		pfn, ok := z.takeGiganticLocked(count)
		z.mu.Unlock()
		if !ok {
			z.stats.failures.Add(1)
			return true
		}
		z.stats.allocs.Add(1)
		addr, zone = pfn.Addr(), z
		return false
	})
	if zone == nil {
		return 0, fmt.Errorf("%d gigantic pages on node %d: %w", count, node, ErrOutOfMemory)
	}
	if flags.has(FlagZero) {
		a.zero(addr, pages*PageSize)
	}
	Info("Allocated %d gigantic pages at %v in zone %d", count, addr, zone.id)
	return addr, nil
}

// takeGiganticLocked finds count*topBlocksPerGigantic consecutive free MaxOrder blocks
// starting on a gigantic boundary and removes them from the free area.
func (z *Zone) takeGiganticLocked(count uint64) (PFN, bool) {
	nbits := z.topFree.Len()
	if count == 0 || count > uint64(nbits)/topBlocksPerGigantic {
		return 0, false
	}
	need := uint(count * topBlocksPerGigantic)
	first := uint(alignUp(uint64(z.topBase), 1<<GiganticOrder)-uint64(z.topBase)) >> MaxOrder

	for bit := first; bit+need <= nbits; bit += topBlocksPerGigantic {
		run := uint(0)
		for run < need && z.topFree.Test(bit+run) {
			run++
		}
		if run < need {
			continue
		}
		base := z.topBase + PFN(bit)<<MaxOrder
		for i := uint(0); i < need; i++ {
			z.removeFreeLocked(z.index(base+PFN(i)<<MaxOrder), MaxOrder)
		}
		head := &z.frames[z.index(base)]
		head.state = framePages
		head.order = GiganticOrder
		head.count = count << GiganticOrder
		head.requested = 0
		head.exact = false
		return base, true
	}
	return 0, false
}

// FreeGiganticPages returns pages obtained from AllocateGiganticPages
func (a *Allocator) FreeGiganticPages(addr PhysAddr, count uint64) error {
	if _, err := a.checkReady(0); err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("free 0 gigantic pages: %w", ErrInvalidSize)
	}
	if count > maxGiganticCount {
		return fmt.Errorf("free %d gigantic pages: %w", count, ErrOrderTooLarge)
	}
	z, idx, err := a.lookupHead(addr)
	if err != nil {
		return err
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	f := &z.frames[idx]
	switch {
	case f.state == frameFree:
		Error("Double free of gigantic pages at %v", addr)
		return fmt.Errorf("gigantic pages at %v: %w", addr, ErrDoubleFree)
	case f.state != framePages || f.order != GiganticOrder:
		return fmt.Errorf("%v is not a gigantic allocation: %w", addr, ErrInvalidAddress)
	case f.count != count<<GiganticOrder:
		return fmt.Errorf("free %d gigantic pages at %v, allocated %d: %w",
			count, addr, f.count>>GiganticOrder, ErrOrderMismatch)
	}
	f.state = frameTail
	for i := uint64(0); i < count*topBlocksPerGigantic; i++ {
		z.freeBlockLocked(idx+int32(i<<MaxOrder), MaxOrder)
	}
	z.stats.frees.Add(1)
	Info("Freed %d gigantic pages at %v", count, addr)
	return nil
}
