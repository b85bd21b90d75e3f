// Package mpool provides reserve pools that guarantee forward progress for
// allocations made under memory pressure
package mpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shenjiangwei/kmem/kmem"
)

// ErrPoolClosed is returned by a pool after Close
var ErrPoolClosed = errors.New("memory pool closed")

// Source supplies and takes back the pool's objects
type Source interface {
	Alloc() (kmem.PhysAddr, error)
	Free(addr kmem.PhysAddr) error
}

type cacheSource struct {
	a  *kmem.Allocator
	id kmem.CacheID
}

func (s cacheSource) Alloc() (kmem.PhysAddr, error) { return s.a.CacheAlloc(s.id) }
func (s cacheSource) Free(addr kmem.PhysAddr) error { return s.a.CacheFree(s.id, addr) }

// FromCache backs a pool with one slab cache
func FromCache(a *kmem.Allocator, id kmem.CacheID) Source {
	return cacheSource{a: a, id: id}
}

// PoolStats represents memory pool statistics
type PoolStats struct {
	TotalAllocations uint64
	PoolHits         uint64 // served from the reserve after the source failed
	PoolMisses       uint64 // source failed and the reserve was empty
	TotalFrees       uint64
	PoolFreeHits     uint64 // frees that refilled the reserve
	PoolFreeMisses   uint64 // frees passed through to the source
	Reserved         int
	MinReserve       int
}

func (s PoolStats) String() string {
	return fmt.Sprintf("allocs=%d reserve_hits=%d misses=%d frees=%d refills=%d passthrough=%d reserved=%d/%d",
		s.TotalAllocations, s.PoolHits, s.PoolMisses, s.TotalFrees, s.PoolFreeHits, s.PoolFreeMisses, s.Reserved, s.MinReserve)
}

// MemoryPool keeps at least minReserve objects on hand for use when the source is exhausted
type MemoryPool struct {
	mu         sync.Mutex
	source     Source
	reserve    []kmem.PhysAddr
	minReserve int
	closed     bool
	stats      PoolStats
}

// NewMemoryPool creates a pool and pre-allocates minReserve objects
func NewMemoryPool(source Source, minReserve int) (*MemoryPool, error) {
	if minReserve < 0 {
		return nil, fmt.Errorf("%w: negative reserve %d", kmem.ErrInvalidRequest, minReserve)
	}
	pool := &MemoryPool{
		source:     source,
		reserve:    make([]kmem.PhysAddr, 0, minReserve),
		minReserve: minReserve,
	}
	if err := pool.fillLocked(minReserve); err != nil {
		_ = pool.drainLocked()
		return nil, fmt.Errorf("failed to pre-allocate reserve: %w", err)
	}
	kmem.Debug("Memory pool created with %d reserved objects", minReserve)
	return pool, nil
}

func (p *MemoryPool) fillLocked(n int) error {
	for len(p.reserve) < n {
		addr, err := p.source.Alloc()
		if err != nil {
			return err
		}
		p.reserve = append(p.reserve, addr)
	}
	return nil
}

func (p *MemoryPool) drainLocked() error {
	var errs []error
	for _, addr := range p.reserve {
		if err := p.source.Free(addr); err != nil {
			errs = append(errs, err)
		}
	}
	p.reserve = p.reserve[:0]
	return errors.Join(errs...)
}

// Allocate tries the source first and falls back to the reserve on exhaustion
func (p *MemoryPool) Allocate() (kmem.PhysAddr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrPoolClosed
	}
	p.stats.TotalAllocations++

	addr, err := p.source.Alloc()
	if err == nil {
		return addr, nil
	}
	if !kmem.IsExhaustion(err) {
		return 0, err
	}
	if n := len(p.reserve); n > 0 {
		addr = p.reserve[n-1]
		p.reserve = p.reserve[:n-1]
		p.stats.PoolHits++
		kmem.Debug("Memory pool served %v from reserve, %d left", addr, n-1)
		return addr, nil
	}
	p.stats.PoolMisses++
	kmem.Error("Memory pool reserve exhausted: %v", err)
	return 0, err
}

// Free refills the reserve when it is below minimum, otherwise returns addr to the source
func (p *MemoryPool) Free(addr kmem.PhysAddr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.stats.TotalFrees++

	if len(p.reserve) < p.minReserve {
		p.reserve = append(p.reserve, addr)
		p.stats.PoolFreeHits++
		return nil
	}
	p.stats.PoolFreeMisses++
	return p.source.Free(addr)
}

// Resize changes the minimum reserve, allocating or releasing objects to match
func (p *MemoryPool) Resize(minReserve int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if minReserve < 0 {
		return fmt.Errorf("%w: negative reserve %d", kmem.ErrInvalidRequest, minReserve)
	}
	for len(p.reserve) > minReserve {
		n := len(p.reserve) - 1
		if err := p.source.Free(p.reserve[n]); err != nil {
			return err
		}
		p.reserve = p.reserve[:n]
	}
	if err := p.fillLocked(minReserve); err != nil {
		return fmt.Errorf("failed to grow reserve to %d: %w", minReserve, err)
	}
	p.minReserve = minReserve
	return nil
}

// Stats returns a snapshot of the pool counters
func (p *MemoryPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	st.Reserved = len(p.reserve)
	st.MinReserve = p.minReserve
	return st
}

// Close returns every reserved object to the source
func (p *MemoryPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.closed = true
	st := p.stats
	if err := p.drainLocked(); err != nil {
		return fmt.Errorf("failed to release reserve: %w", err)
	}
	kmem.Info("Memory pool closed: %v", st)
	return nil
}
