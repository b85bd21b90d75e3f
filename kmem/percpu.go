package kmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/cpu"
)

// perCPU is one CPU's stash for one cache. Padding keeps neighbouring CPUs'
// locks off the same cache line.
type perCPU struct {
	_      cpu.CacheLinePad
	mu     sync.Mutex
	stash  []PhysAddr // LIFO, most recently freed last
	hits   uint64
	misses uint64
	_      cpu.CacheLinePad
}

func (p *perCPU) pop() (PhysAddr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.stash)
	if n == 0 {
		p.misses++
		return 0, false
	}
	addr := p.stash[n-1]
	p.stash = p.stash[:n-1]
	p.hits++
	return addr, true
}

// fill parks a refilled batch and returns what does not fit under capacity
func (p *perCPU) fill(objs []PhysAddr, capacity int) []PhysAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	room := max(capacity-len(p.stash), 0)
	if room >= len(objs) {
		p.stash = append(p.stash, objs...)
		return nil
	}
	p.stash = append(p.stash, objs[:room]...)
	return append([]PhysAddr(nil), objs[room:]...)
}

// push parks a freed object; past capacity the oldest batch is returned for the global list
func (p *perCPU) push(addr PhysAddr, capacity, batch int) []PhysAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stash = append(p.stash, addr)
	if len(p.stash) <= capacity {
		return nil
	}
	n := min(batch, len(p.stash))
	flush := append([]PhysAddr(nil), p.stash[:n]...)
	rest := copy(p.stash, p.stash[n:])
	p.stash = p.stash[:rest]
	return flush
}

func (p *perCPU) takeAll() []PhysAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]PhysAddr(nil), p.stash...)
	p.stash = p.stash[:0]
	return out
}

func (p *perCPU) counters() (parked int, hits, misses uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stash), p.hits, p.misses
}

// CPUView binds allocator calls to one CPU's stashes. Kernel code running on a
// known CPU should allocate through its view instead of the CPU selector.
type CPUView struct {
	a   *Allocator
	cpu int
}

// OnCPU returns the view for cpu
func (a *Allocator) OnCPU(cpu int) (*CPUView, error) {
	if cpu < 0 || cpu >= len(a.views) {
		return nil, fmt.Errorf("cpu %d of %d: %w", cpu, len(a.views), ErrInvalidCPU)
	}
	return &a.views[cpu], nil
}

// CPU returns the bound CPU id
func (v *CPUView) CPU() int { return v.cpu }

// CacheAlloc allocates one object from cache id
func (v *CPUView) CacheAlloc(id CacheID) (PhysAddr, error) {
	if _, err := v.a.checkReady(0); err != nil {
		return 0, err
	}
	c, err := v.a.lookupCache(id)
	if err != nil {
		return 0, err
	}
	return c.allocOn(v.cpu)
}

// CacheFree returns an object to cache id
func (v *CPUView) CacheFree(id CacheID, addr PhysAddr) error {
	if _, err := v.a.checkReady(0); err != nil {
		return err
	}
	c, err := v.a.lookupCache(id)
	if err != nil {
		return err
	}
	return c.freeOn(v.cpu, addr)
}

// Allocate serves size bytes from the matching size class, or whole pages above the largest class
func (v *CPUView) Allocate(size uint64, flags Flags) (PhysAddr, error) {
	return v.a.allocate(v.cpu, size, 0, flags)
}

// AllocateAligned serves size bytes aligned to align
func (v *CPUView) AllocateAligned(size, align uint64, flags Flags) (PhysAddr, error) {
	if align == 0 || !isPowerOfTwo(align) {
		return 0, fmt.Errorf("align %d: %w", align, ErrInvalidAlign)
	}
	return v.a.allocate(v.cpu, size, align, flags)
}

// Free releases memory obtained from Allocate or AllocateAligned
func (v *CPUView) Free(addr PhysAddr, size uint64) error {
	return v.a.free(v.cpu, addr, size)
}

// Drain flushes the CPU's stashes in every cache back to their slabs
func (v *CPUView) Drain() uint64 {
	var pages uint64
	for _, c := range v.a.cacheList() {
		pages += c.drainCPU(v.cpu)
	}
	return pages
}
