package kmem

import "fmt"

// sizeClasses are the generic caches behind Allocate, created at Init
var sizeClasses = [...]uint64{8, 16, 32, 48, 64, 96, 128, 192, 256, 512, 1024, 2048, 4096, 8192}

const maxClassSize = 8192

// classAlign is the largest power of two dividing size, capped at a page
func classAlign(size uint64) uint64 {
	return min(size&-size, PageSize)
}

// createSizeClasses registers size-N and dma-size-N for every class
func (a *Allocator) createSizeClasses() error {
	for i, size := range sizeClasses {
		c, err := a.createCache(fmt.Sprintf("size-%d", size), size, classAlign(size), 0, true)
		if err != nil {
			return err
		}
		a.classes[i] = c
		c, err = a.createCache(fmt.Sprintf("dma-size-%d", size), size, classAlign(size), FlagDMA, true)
		if err != nil {
			return err
		}
		a.dmaClasses[i] = c
	}
	return nil
}

// classFor picks the smallest class holding size with at least align alignment
func (a *Allocator) classFor(size, align uint64, flags Flags) *Cache {
	classes := &a.classes
	if flags.has(FlagDMA) {
		classes = &a.dmaClasses
	}
	for i, cs := range sizeClasses {
		if cs >= size && classAlign(cs) >= align {
			return classes[i]
		}
	}
	return nil
}

func (a *Allocator) allocate(cpu int, size, align uint64, flags Flags) (PhysAddr, error) {
	if _, err := a.checkReady(0); err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, fmt.Errorf("allocate 0 bytes: %w", ErrInvalidSize)
	}
	if size <= maxClassSize && align <= PageSize {
		if c := a.classFor(size, align, flags); c != nil {
			addr, err := c.allocOn(cpu)
			if err != nil {
				return 0, err
			}
			if flags.has(FlagZero) {
				a.zero(addr, size)
			}
			return addr, nil
		}
	}
	return a.allocateBytes(size, align, flags, a.cpuNode(cpu))
}

// allocateBytes serves a byte request from whole pages, naturally aligned to at least align
func (a *Allocator) allocateBytes(size, align uint64, flags Flags, node int) (PhysAddr, error) {
	pages := pagesFor(size)
	order := orderFor(pages)
	if align > PageSize {
		order = max(order, orderFor(align>>PageShift))
	}
	if order > MaxOrder {
		return 0, fmt.Errorf("allocate %d bytes aligned %d: %w", size, align, ErrOrderTooLarge)
	}
	al, err := a.allocBlock(order, pages, false, framePages, flags, node)
	if err != nil {
		return 0, err
	}
	addr := al.pfn.Addr()
	if flags.has(FlagZero) {
		a.zero(addr, pages*PageSize)
	}
	Debug("Allocated %d bytes as %d pages at %v", size, pages, addr)
	return addr, nil
}

func (a *Allocator) free(cpu int, addr PhysAddr, size uint64) error {
	if _, err := a.checkReady(0); err != nil {
		return err
	}
	if size == 0 {
		return fmt.Errorf("free 0 bytes: %w", ErrInvalidSize)
	}
	if size <= maxClassSize {
		if s, _, err := a.slabOf(addr); err == nil {
			if !s.cache.protected || s.cache.size < size {
				return fmt.Errorf("free %d bytes at %v owned by cache %s: %w", size, addr, s.cache.name, ErrWrongCache)
			}
			return s.cache.freeOn(cpu, addr)
		}
	}
	return a.FreePages(addr, pagesFor(size))
}
