package kmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// CacheID identifies a slab cache registered with the allocator
type CacheID int

// Cache is a SLUB-style object cache: slabs carved from buddy blocks, a global
// FIFO of recycled objects and one stash per CPU in front of it.
type Cache struct {
	id        CacheID
	name      string
	size      uint64
	align     uint64
	flags     Flags
	order     int
	perSlab   int
	colors    int
	colorUnit uint64
	batch     int
	protected bool
	alloc     *Allocator

	cpus []perCPU

	mu        sync.Mutex
	global    *queue.Queue // PhysAddr, oldest first
	empty     slabList
	partial   slabList
	full      slabList
	nextColor int
	destroyed bool

	live   atomic.Int64
	allocs atomic.Uint64
	frees  atomic.Uint64
	grown  atomic.Uint64
	reaped atomic.Uint64
}

func newCache(a *Allocator, id CacheID, name string, size, align uint64, flags Flags) (*Cache, error) {
	if size == 0 {
		return nil, fmt.Errorf("cache %q: %w", name, ErrInvalidSize)
	}
	if align == 0 {
		align = 8
	}
	if !isPowerOfTwo(align) || align > PageSize {
		return nil, fmt.Errorf("cache %q align %d: %w", name, align, ErrInvalidAlign)
	}
	size = alignUp(size, align)
	order, perSlab, colors, ok := slabGeometry(size, align, a.cfg.MaxColors)
	if !ok {
		return nil, fmt.Errorf("cache %q object size %d exceeds an order %d slab: %w", name, size, maxSlabOrder, ErrInvalidSize)
	}

	batch := a.cfg.BatchSize
	if flags.has(FlagBulkOps) {
		batch = min(batch*bulkBatchMultiplier, a.cfg.PerCPUCapacity)
	}
	c := &Cache{
		id:        id,
		name:      name,
		size:      size,
		align:     align,
		flags:     flags,
		order:     order,
		perSlab:   perSlab,
		colors:    colors,
		colorUnit: max(align, cacheLineSize),
		batch:     batch,
		alloc:     a,
		cpus:      make([]perCPU, a.cfg.CPUs),
		global:    queue.New(),
	}
	for i := range c.cpus {
		c.cpus[i].stash = make([]PhysAddr, 0, a.cfg.PerCPUCapacity)
	}
	return c, nil
}

// ID returns the cache id
func (c *Cache) ID() CacheID { return c.id }

// Name returns the cache name
func (c *Cache) Name() string { return c.name }

// ObjectSize returns the object size after alignment rounding
func (c *Cache) ObjectSize() uint64 { return c.size }

// Align returns the object alignment
func (c *Cache) Align() uint64 { return c.align }

// LiveObjects returns the number of objects handed out and not yet freed
func (c *Cache) LiveObjects() int64 { return c.live.Load() }

func (c *Cache) listFor(st slabState) *slabList {
	switch st {
	case slabEmpty:
		return &c.empty
	case slabPartial:
		return &c.partial
	}
	return &c.full
}

// settleLocked moves s to the list matching its free count
func (c *Cache) settleLocked(s *slab) {
	st := s.stateFor()
	if st == s.state {
		return
	}
	c.listFor(s.state).remove(s)
	s.state = st
	c.listFor(st).add(s)
}

// allocOn serves one object for cpu: stash, then a refilled batch
func (c *Cache) allocOn(cpu int) (PhysAddr, error) {
	pc := &c.cpus[cpu]
	if addr, ok := pc.pop(); ok {
		return c.handOut(addr)
	}

	node := c.alloc.cpuNode(cpu)
	objs, err := c.refill(node)
	if err != nil && IsExhaustion(err) {
		Info("Cache %s exhausted, shrinking before retry", c.name)
		c.alloc.EmergencyShrink()
		objs, err = c.refill(node)
	}
	if err != nil {
		Error("Cache %s allocation failed: %v", c.name, err)
		return 0, err
	}

	if overflow := pc.fill(objs[1:], c.alloc.cfg.PerCPUCapacity); len(overflow) > 0 {
		c.pushGlobal(overflow)
	}
	return c.handOut(objs[0])
}

func (c *Cache) handOut(addr PhysAddr) (PhysAddr, error) {
	s, idx, err := c.alloc.slabOf(addr)
	if err == nil && (s.cache != c || !s.markLive(idx)) {
		err = fmt.Errorf("object %v parked in cache %s is live or foreign", addr, c.name)
	}
	if err != nil {
		fault := &ConsistencyError{Zone: -1, Detail: err.Error()}
		c.alloc.fault(fault)
		return 0, fault
	}
	c.live.Add(1)
	c.allocs.Add(1)
	if c.flags.has(FlagZero) {
		c.alloc.zero(addr, c.size)
	}
	return addr, nil
}

// refill collects up to one batch from the global list and then the slabs,
// growing the cache by one slab when both are dry
func (c *Cache) refill(node int) ([]PhysAddr, error) {
	out := make([]PhysAddr, 0, c.batch)
	for {
		c.mu.Lock()
		if c.destroyed {
			c.mu.Unlock()
			return nil, fmt.Errorf("cache %s: %w", c.name, ErrUnknownCache)
		}
		for len(out) < c.batch && c.global.Length() > 0 {
			out = append(out, c.global.Remove().(PhysAddr))
		}
		for len(out) < c.batch {
			s := c.partial.last()
			if s == nil {
				s = c.empty.last()
			}
			if s == nil {
				break
			}
			out = s.take(c.batch-len(out), out)
			c.settleLocked(s)
		}
		c.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		if err := c.grow(node); err != nil {
			return nil, err
		}
	}
}

// grow takes one slab from the buddy allocator; no cache lock is held across the call
func (c *Cache) grow(node int) error {
	pages := uint64(1) << c.order
	al, err := c.alloc.allocBlock(c.order, pages, false, frameSlab, c.flags&FlagDMA, node)
	if err != nil {
		return fmt.Errorf("cache %s slab: %w", c.name, err)
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		c.alloc.releaseBlock(al.zone, al.pfn, c.order)
		return fmt.Errorf("cache %s: %w", c.name, ErrUnknownCache)
	}
	color := uint64(c.nextColor) * c.colorUnit
	c.nextColor = (c.nextColor + 1) % c.colors
	s := newSlab(c, al.zone, al.pfn, color)
	base := al.zone.index(al.pfn)
	for i := int32(0); i < int32(pages); i++ {
		al.zone.frames[base+i].slab.Store(s)
	}
	c.empty.add(s)
	c.mu.Unlock()

	c.grown.Add(1)
	Debug("Cache %s grew slab at %v (order %d, color %d)", c.name, al.pfn.Addr(), c.order, color)
	return nil
}

// freeOn returns a live object through cpu's stash
func (c *Cache) freeOn(cpu int, addr PhysAddr) error {
	s, idx, err := c.alloc.slabOf(addr)
	if err != nil {
		return err
	}
	if s.cache != c {
		return fmt.Errorf("object %v belongs to %s, not %s: %w", addr, s.cache.name, c.name, ErrWrongCache)
	}
	if !s.clearLive(idx) {
		Error("Double free of object %v in cache %s", addr, c.name)
		return fmt.Errorf("object %v in cache %s: %w", addr, c.name, ErrDoubleFree)
	}
	if flush := c.cpus[cpu].push(addr, c.alloc.cfg.PerCPUCapacity, c.batch); len(flush) > 0 {
		c.pushGlobal(flush)
	}
	// only count the object free once it is parked where shrink can find it
	c.live.Add(-1)
	c.frees.Add(1)
	return nil
}

// pushGlobal parks objects on the global list; past the limit the oldest go back to their slabs
func (c *Cache) pushGlobal(objs []PhysAddr) {
	c.mu.Lock()
	for _, addr := range objs {
		c.global.Add(addr)
	}
	for c.global.Length() > c.alloc.cfg.GlobalFreeLimit {
		for i := 0; i < c.batch && c.global.Length() > 0; i++ {
			c.returnLocked(c.global.Remove().(PhysAddr))
		}
	}
	reap := c.reapLocked(c.alloc.cfg.EmptySlabRetention)
	c.mu.Unlock()

	c.release(reap)
}

// returnLocked threads a parked object back onto its slab
func (c *Cache) returnLocked(addr PhysAddr) {
	s, idx, err := c.alloc.slabOf(addr)
	if err != nil {
		c.alloc.fault(&ConsistencyError{Zone: -1, Detail: fmt.Sprintf("parked object %v: %v", addr, err)})
		return
	}
	s.put(idx)
	c.settleLocked(s)
}

// reapLocked detaches empty slabs beyond keep
func (c *Cache) reapLocked(keep int) []*slab {
	var out []*slab
	for c.empty.len() > keep {
		s := c.empty.last()
		c.empty.remove(s)
		out = append(out, s)
	}
	return out
}

// release hands detached slabs back to the buddy allocator and returns the pages freed
func (c *Cache) release(slabs []*slab) uint64 {
	var pages uint64
	for _, s := range slabs {
		base := s.zone.index(s.base)
		for i := int32(0); i < int32(s.pages()); i++ {
			s.zone.frames[base+i].slab.Store(nil)
		}
		c.alloc.releaseBlock(s.zone, s.base, s.order)
		pages += s.pages()
		c.reaped.Add(1)
	}
	if len(slabs) > 0 {
		Debug("Cache %s released %d slabs (%d pages)", c.name, len(slabs), pages)
	}
	return pages
}

// drainCPU returns one CPU's stash to the slabs
func (c *Cache) drainCPU(cpu int) uint64 {
	objs := c.cpus[cpu].takeAll()
	c.mu.Lock()
	for _, addr := range objs {
		c.returnLocked(addr)
	}
	reap := c.reapLocked(c.alloc.cfg.EmptySlabRetention)
	c.mu.Unlock()
	return c.release(reap)
}

// shrink drains every stash and the global list and frees all empty slabs
func (c *Cache) shrink() uint64 {
	var objs []PhysAddr
	for i := range c.cpus {
		objs = append(objs, c.cpus[i].takeAll()...)
	}
	c.mu.Lock()
	for _, addr := range objs {
		c.returnLocked(addr)
	}
	for c.global.Length() > 0 {
		c.returnLocked(c.global.Remove().(PhysAddr))
	}
	reap := c.reapLocked(0)
	c.mu.Unlock()
	return c.release(reap)
}

// destroy releases every slab; it fails without side effects while objects are live
func (c *Cache) destroy() error {
	c.mu.Lock()
	if n := c.live.Load(); n > 0 {
		c.mu.Unlock()
		return fmt.Errorf("cache %s has %d live objects: %w", c.name, n, ErrCacheBusy)
	}
	c.destroyed = true
	c.mu.Unlock()

	pages := c.shrink()

	c.mu.Lock()
	leaked := c.partial.len() + c.full.len()
	c.mu.Unlock()
	if leaked > 0 {
		c.alloc.fault(&ConsistencyError{Zone: -1, Detail: fmt.Sprintf("cache %s destroyed with %d non-empty slabs", c.name, leaked)})
	}
	Info("Destroyed cache %s, released %d pages", c.name, pages)
	return nil
}

// CacheStats describes one slab cache
type CacheStats struct {
	ID             CacheID
	Name           string
	ObjectSize     uint64
	Align          uint64
	ObjectsPerSlab int
	SlabOrder      int
	Colors         int
	EmptySlabs     int
	PartialSlabs   int
	FullSlabs      int
	LiveObjects    int64
	ParkedObjects  int
	Allocs         uint64
	Frees          uint64
	Hits           uint64
	Misses         uint64
	SlabsGrown     uint64
	SlabsReaped    uint64
}

// Stats snapshots the cache counters
func (c *Cache) Stats() CacheStats {
	st := CacheStats{
		ID:             c.id,
		Name:           c.name,
		ObjectSize:     c.size,
		Align:          c.align,
		ObjectsPerSlab: c.perSlab,
		SlabOrder:      c.order,
		Colors:         c.colors,
		LiveObjects:    c.live.Load(),
		Allocs:         c.allocs.Load(),
		Frees:          c.frees.Load(),
		SlabsGrown:     c.grown.Load(),
		SlabsReaped:    c.reaped.Load(),
	}
	for i := range c.cpus {
		parked, hits, misses := c.cpus[i].counters()
		st.ParkedObjects += parked
		st.Hits += hits
		st.Misses += misses
	}
	c.mu.Lock()
	st.EmptySlabs = c.empty.len()
	st.PartialSlabs = c.partial.len()
	st.FullSlabs = c.full.len()
	st.ParkedObjects += c.global.Length()
	c.mu.Unlock()
	return st
}

// slabOf resolves an object address to its slab and object index
func (a *Allocator) slabOf(addr PhysAddr) (*slab, int32, error) {
	z := zoneOf(a.zones, addr.PFN())
	if z == nil {
		return nil, 0, fmt.Errorf("%v outside managed memory: %w", addr, ErrInvalidAddress)
	}
	s := z.frames[z.index(addr.PFN())].slab.Load()
	if s == nil {
		return nil, 0, fmt.Errorf("%v is not a slab object: %w", addr, ErrInvalidAddress)
	}
	idx, ok := s.indexOf(addr)
	if !ok {
		return nil, 0, fmt.Errorf("%v is not an object boundary in cache %s: %w", addr, s.cache.name, ErrInvalidAddress)
	}
	return s, idx, nil
}

// releaseBlock frees a block obtained from allocBlock that is not a raw page allocation
func (a *Allocator) releaseBlock(z *Zone, pfn PFN, order int) {
	z.mu.Lock()
	z.freeBlockLocked(z.index(pfn), order)
	z.mu.Unlock()
	z.stats.frees.Add(1)
}
