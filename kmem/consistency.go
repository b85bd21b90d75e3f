package kmem

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// CheckConsistency verifies the free-area and slab bookkeeping of every zone and cache.
// All zone locks are held for the duration, so the result is a consistent cut.
// Any violation is reported to the fault handler and returned.
func (a *Allocator) CheckConsistency() error {
	if !a.ready.Load() {
		return ErrNotInitialized
	}
	for _, z := range a.zones {
		z.mu.Lock()
	}
	var faults []error
	for _, z := range a.zones {
		faults = append(faults, z.checkLocked()...)
	}
	for _, n := range a.nodes {
		var sum uint64
		for _, z := range n.zones {
			sum += z.freePages.Load()
		}
		if got := n.FreePages(); got != sum {
			faults = append(faults, &ConsistencyError{Zone: n.zones[0].id,
				Detail: fmt.Sprintf("node %d free counter %d, zones hold %d", n.id, got, sum)})
		}
	}
	for i := len(a.zones) - 1; i >= 0; i-- {
		a.zones[i].mu.Unlock()
	}

	for _, c := range a.cacheList() {
		faults = append(faults, c.check()...)
	}
	if len(faults) == 0 {
		return nil
	}
	err := errors.Join(faults...)
	a.fault(err)
	return err
}

func (z *Zone) checkLocked() []error {
	var faults []error
	report := func(format string, v ...interface{}) {
		faults = append(faults, &ConsistencyError{Zone: z.id, Detail: fmt.Sprintf(format, v...)})
	}

	covered := bitset.New(uint(len(z.frames)))
	var listed uint64
	heads := 0
	for order := range z.areas {
		area := &z.areas[order]
		n := 0
		prev := noFrame
		for idx := area.head; idx != noFrame; idx = z.frames[idx].next {
			if idx < 0 || int(idx) >= len(z.frames) {
				report("order %d list links to frame index %d outside zone", order, idx)
				break
			}
			if n > len(z.frames) {
				report("order %d list is cyclic", order)
				break
			}
			f := &z.frames[idx]
			if f.state != frameFree || int(f.order) != order {
				report("frame %d on order %d list has state %d order %d", z.pfn(idx), order, f.state, f.order)
			}
			if f.prev != prev {
				report("frame %d on order %d list has broken back link", z.pfn(idx), order)
			}
			pfn := z.pfn(idx)
			if uint64(pfn)&(1<<order-1) != 0 || !z.contains(pfn+PFN(1)<<order-1) {
				report("free block %d order %d is misaligned or crosses the zone end", pfn, order)
			} else {
				overlap := false
				for i := uint(idx); i < uint(idx)+uint(1)<<order; i++ {
					overlap = overlap || covered.Test(i)
					covered.Set(i)
				}
				if overlap {
					report("free block %d order %d overlaps another free block", pfn, order)
				}
			}
			if order < MaxOrder {
				buddy := pfn ^ PFN(1)<<order
				if z.contains(buddy) {
					bf := &z.frames[z.index(buddy)]
					if bf.state == frameFree && int(bf.order) == order {
						report("free block %d and its buddy %d were not merged at order %d", pfn, buddy, order)
					}
				}
			}
			listed += uint64(1) << order
			prev = idx
			n++
		}
		if n != area.count {
			report("order %d list holds %d blocks, counter says %d", order, n, area.count)
		}
		heads += n
	}

	if free := z.freePages.Load(); free != listed {
		report("free pages %d, free lists hold %d", free, listed)
	}
	if listed > z.TotalPages() {
		report("free pages %d exceed zone size %d", listed, z.TotalPages())
	}
	marked := 0
	for i := range z.frames {
		if z.frames[i].state == frameFree {
			marked++
		}
	}
	if marked != heads {
		report("%d frames marked free heads, free lists hold %d", marked, heads)
	}
	return faults
}

// check verifies that every slab sits on the list matching its free count
func (c *Cache) check() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var faults []error
	for _, st := range []slabState{slabEmpty, slabPartial, slabFull} {
		l := c.listFor(st)
		for i, s := range l.items {
			if s.state != st || s.pos != i || s.stateFor() != st {
				faults = append(faults, &ConsistencyError{Zone: s.zone.id, Detail: fmt.Sprintf(
					"cache %s slab %v on %v list holds %d of %d objects", c.name, s.base.Addr(), st, s.onSlab, s.objects)})
			}
			if s.onSlab+int(s.liveCount()) > s.objects {
				faults = append(faults, &ConsistencyError{Zone: s.zone.id, Detail: fmt.Sprintf(
					"cache %s slab %v has %d free and %d live of %d objects", c.name, s.base.Addr(), s.onSlab, s.liveCount(), s.objects)})
			}
		}
	}
	return faults
}
