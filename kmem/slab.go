package kmem

import (
	"sync"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sys/cpu"
)

const (
	// minObjectsPerSlab drives slab order selection for large objects
	minObjectsPerSlab = 8
	// maxSlabOrder caps slab size at 32KB
	maxSlabOrder = 3
)

var cacheLineSize = uint64(unsafe.Sizeof(cpu.CacheLinePad{}))

type slabState uint8

const (
	slabEmpty   slabState = iota // every object on the slab free list
	slabPartial                  // some objects handed out or parked
	slabFull                     // no object on the slab free list
)

func (s slabState) String() string {
	switch s {
	case slabEmpty:
		return "empty"
	case slabPartial:
		return "partial"
	}
	return "full"
}

// slab is one buddy block carved into equal objects for a single cache.
// The free list is threaded through next by object index; live marks objects
// currently owned by a caller, as opposed to parked in a per-CPU or global list.
type slab struct {
	cache   *Cache
	zone    *Zone
	base    PFN
	order   int
	color   uint64 // byte offset of object 0
	objects int

	// guarded by cache.mu
	next     []int32
	freeHead int32
	onSlab   int
	state    slabState
	pos      int // index in the cache list for state

	mu   sync.Mutex
	live *bitset.BitSet
}

func newSlab(c *Cache, zone *Zone, base PFN, color uint64) *slab {
	s := &slab{
		cache:   c,
		zone:    zone,
		base:    base,
		order:   c.order,
		color:   color,
		objects: c.perSlab,
		next:    make([]int32, c.perSlab),
		live:    bitset.New(uint(c.perSlab)),
	}
	for i := range s.next {
		s.next[i] = int32(i + 1)
	}
	s.next[len(s.next)-1] = noFrame
	s.freeHead = 0
	s.onSlab = s.objects
	s.state = slabEmpty
	return s
}

func (s *slab) pages() uint64 { return uint64(1) << s.order }

func (s *slab) addr(idx int32) PhysAddr {
	return s.base.Addr() + PhysAddr(s.color) + PhysAddr(uint64(idx)*uint64(s.cache.size))
}

// indexOf maps an object address back to its index, rejecting interior pointers
func (s *slab) indexOf(addr PhysAddr) (int32, bool) {
	first := s.base.Addr() + PhysAddr(s.color)
	if addr < first {
		return 0, false
	}
	off := uint64(addr - first)
	size := uint64(s.cache.size)
	if off%size != 0 || off/size >= uint64(s.objects) {
		return 0, false
	}
	return int32(off / size), true
}

// take pops up to n objects off the slab free list
func (s *slab) take(n int, out []PhysAddr) []PhysAddr {
	for ; n > 0 && s.freeHead != noFrame; n-- {
		idx := s.freeHead
		s.freeHead = s.next[idx]
		s.next[idx] = noFrame
		s.onSlab--
		out = append(out, s.addr(idx))
	}
	return out
}

// put threads an object back onto the slab free list
func (s *slab) put(idx int32) {
	s.next[idx] = s.freeHead
	s.freeHead = idx
	s.onSlab++
}

func (s *slab) stateFor() slabState {
	switch s.onSlab {
	case s.objects:
		return slabEmpty
	case 0:
		return slabFull
	}
	return slabPartial
}

// markLive records that a caller owns idx; false means it was already live
func (s *slab) markLive(idx int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live.Test(uint(idx)) {
		return false
	}
	s.live.Set(uint(idx))
	return true
}

// clearLive records the caller giving idx back; false means it was not live
func (s *slab) clearLive(idx int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live.Test(uint(idx)) {
		return false
	}
	s.live.Clear(uint(idx))
	return true
}

func (s *slab) liveCount() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live.Count()
}

// slabList is an unordered set of slabs with O(1) removal via slab.pos
type slabList struct {
	items []*slab
}

func (l *slabList) add(s *slab) {
	s.pos = len(l.items)
	l.items = append(l.items, s)
}

func (l *slabList) remove(s *slab) {
	last := len(l.items) - 1
	moved := l.items[last]
	l.items[s.pos] = moved
	moved.pos = s.pos
	l.items[last] = nil
	l.items = l.items[:last]
	s.pos = -1
}

func (l *slabList) len() int { return len(l.items) }

func (l *slabList) last() *slab {
	if len(l.items) == 0 {
		return nil
	}
	return l.items[len(l.items)-1]
}

// slabGeometry picks the slab order, objects per slab and colour count for an object size
func slabGeometry(size, align uint64, maxColors int) (order, perSlab, colors int, ok bool) {
	for order = 0; order <= maxSlabOrder; order++ {
		perSlab = int((PageSize << order) / size)
		if perSlab >= minObjectsPerSlab {
			break
		}
	}
	if order > maxSlabOrder {
		order = maxSlabOrder
		perSlab = int((PageSize << order) / size)
	}
	if perSlab == 0 {
		return 0, 0, 0, false
	}
	leftover := (PageSize << order) - uint64(perSlab)*size
	unit := max(align, cacheLineSize)
	colors = min(int(leftover/unit)+1, maxColors)
	return order, perSlab, colors, true
}
