package kmem

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
)

// ZoneKind distinguishes zones by placement policy
type ZoneKind uint8

const (
	ZoneDMA ZoneKind = iota
	ZoneNormal
	ZoneHighMem
)

func (k ZoneKind) String() string {
	switch k {
	case ZoneDMA:
		return "DMA"
	case ZoneNormal:
		return "Normal"
	case ZoneHighMem:
		return "HighMem"
	}
	return fmt.Sprintf("ZoneKind(%d)", uint8(k))
}

// Region is one entry of the boot memory map: frames [Start, End) on Node
type Region struct {
	Start PFN
	End   PFN
	Node  int
	Kind  ZoneKind
}

type frameState uint8

const (
	frameTail  frameState = iota // covered by a block headed elsewhere
	frameFree                    // heads a block on a free list
	framePages                   // heads a raw page allocation
	frameSlab                    // heads the pages of a slab
)

const noFrame int32 = -1

// pageFrame is the per-frame metadata, addressed by index into the zone arena
type pageFrame struct {
	state     frameState
	order     uint8
	exact     bool   // raw allocation trimmed to count pages
	count     uint64 // pages held by raw allocations
	requested uint64 // pages a HUGE_PAGE request asked for before rounding, 0 otherwise
	prev      int32  // free-list links, valid while state == frameFree
	next      int32
	slab      atomic.Pointer[slab] // set on every frame of a slab
}

// freeArea is the free list of one order
type freeArea struct {
	head  int32
	count int
}

type zoneCounters struct {
	allocs   atomic.Uint64
	frees    atomic.Uint64
	splits   atomic.Uint64
	merges   atomic.Uint64
	failures atomic.Uint64
}

// Zone owns a contiguous frame range and its buddy free areas
type Zone struct {
	id    int
	kind  ZoneKind
	node  *Node
	start PFN
	end   PFN

	mu        sync.Mutex
	frames    []pageFrame
	areas     [MaxOrder + 1]freeArea
	freePages atomic.Uint64 // written under mu

	// topBase is the first MaxOrder-aligned frame; bit i of topFree is set while
	// the MaxOrder block at topBase + i<<MaxOrder is free
	topBase PFN
	topFree *bitset.BitSet

	stats zoneCounters
}

// Node is a NUMA locality domain
type Node struct {
	id         int
	zones      []*Zone
	ranked     []*Zone // zones by placement preference, fixed at Init
	dma        []*Zone
	totalPages uint64
	freePages  atomic.Int64
}

// ID returns the node id
func (n *Node) ID() int { return n.id }

// FreePages returns the node's free page count
func (n *Node) FreePages() uint64 { return uint64(n.freePages.Load()) }

// TotalPages returns the node's page count
func (n *Node) TotalPages() uint64 { return n.totalPages }

func (n *Node) freeRatio() float64 {
	if n.totalPages == 0 {
		return 0
	}
	return float64(n.freePages.Load()) / float64(n.totalPages)
}

// ID returns the zone id
func (z *Zone) ID() int { return z.id }

// Kind returns the zone kind
func (z *Zone) Kind() ZoneKind { return z.kind }

// Node returns the owning node id
func (z *Zone) Node() int { return z.node.id }

// Span returns the zone's frame range [start, end)
func (z *Zone) Span() (PFN, PFN) { return z.start, z.end }

// TotalPages returns the zone size in pages
func (z *Zone) TotalPages() uint64 { return uint64(z.end - z.start) }

// FreePages returns the zone's free page count
func (z *Zone) FreePages() uint64 { return z.freePages.Load() }

func (z *Zone) contains(pfn PFN) bool { return pfn >= z.start && pfn < z.end }

func (z *Zone) index(pfn PFN) int32 { return int32(pfn - z.start) }

func (z *Zone) pfn(idx int32) PFN { return z.start + PFN(idx) }

// newZone builds the frame arena and seeds the free areas with maximal aligned blocks
func newZone(id int, r Region, node *Node) *Zone {
	n := uint64(r.End - r.Start)
	z := &Zone{
		id:     id,
		kind:   r.Kind,
		node:   node,
		start:  r.Start,
		end:    r.End,
		frames: make([]pageFrame, n),
	}
	for i := range z.areas {
		z.areas[i].head = noFrame
	}
	for i := range z.frames {
		z.frames[i].prev = noFrame
		z.frames[i].next = noFrame
	}

	z.topBase = PFN(alignUp(uint64(r.Start), 1<<MaxOrder))
	topBlocks := uint(0)
	if z.topBase < r.End {
		topBlocks = uint(uint64(r.End-z.topBase) >> MaxOrder)
	}
	z.topFree = bitset.New(topBlocks)

	z.mu.Lock()
	for pfn := r.Start; pfn < r.End; {
		order := MaxOrder
		for order > 0 && (uint64(pfn)&(1<<order-1) != 0 || pfn+PFN(1)<<order > r.End) {
			order--
		}
		z.pushFreeLocked(z.index(pfn), order)
		pfn += PFN(1) << order
	}
	z.mu.Unlock()

	Debug("Zone %d (%v) on node %d seeded with %d pages [%d, %d)", id, r.Kind, node.id, n, r.Start, r.End)
	return z
}

// buildRegistry partitions the memory map into zones and nodes
func buildRegistry(memoryMap []Region) ([]*Zone, []*Node, error) {
	if len(memoryMap) == 0 {
		return nil, nil, fmt.Errorf("%w: empty", ErrInvalidMemoryMap)
	}
	regions := append([]Region(nil), memoryMap...)
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })

	maxNode := -1
	for i, r := range regions {
		if r.Start >= r.End {
			return nil, nil, fmt.Errorf("%w: region [%d, %d) is empty", ErrInvalidMemoryMap, r.Start, r.End)
		}
		if uint64(r.End-r.Start) > 1<<31 {
			return nil, nil, fmt.Errorf("%w: region [%d, %d) too large for one zone", ErrInvalidMemoryMap, r.Start, r.End)
		}
		if r.Node < 0 {
			return nil, nil, fmt.Errorf("%w: negative node id %d", ErrInvalidMemoryMap, r.Node)
		}
		if r.Kind > ZoneHighMem {
			return nil, nil, fmt.Errorf("%w: unknown zone kind %d", ErrInvalidMemoryMap, r.Kind)
		}
		if i > 0 && regions[i-1].End > r.Start {
			return nil, nil, fmt.Errorf("%w: regions [%d, %d) and [%d, %d) overlap",
				ErrInvalidMemoryMap, regions[i-1].Start, regions[i-1].End, r.Start, r.End)
		}
		maxNode = max(maxNode, r.Node)
	}

	nodes := make([]*Node, maxNode+1)
	for i := range nodes {
		nodes[i] = &Node{id: i}
	}
	zones := make([]*Zone, 0, len(regions))
	for i, r := range regions {
		node := nodes[r.Node]
		z := newZone(i, r, node)
		node.zones = append(node.zones, z)
		node.totalPages += z.TotalPages()
		zones = append(zones, z)
	}
	for _, n := range nodes {
		if len(n.zones) == 0 {
			return nil, nil, fmt.Errorf("%w: node %d has no memory", ErrInvalidMemoryMap, n.id)
		}
		n.ranked = append([]*Zone(nil), n.zones...)
		sort.SliceStable(n.ranked, func(i, j int) bool { return zoneRank(n.ranked[i].kind) < zoneRank(n.ranked[j].kind) })
		for _, z := range n.zones {
			if z.kind == ZoneDMA {
				n.dma = append(n.dma, z)
			}
		}
	}
	return zones, nodes, nil
}

// zoneOf finds the zone containing pfn; zones are sorted and never change after Init
func zoneOf(zones []*Zone, pfn PFN) *Zone {
	i := sort.Search(len(zones), func(i int) bool { return zones[i].end > pfn })
	if i < len(zones) && zones[i].contains(pfn) {
		return zones[i]
	}
	return nil
}

// zoneRank orders zones inside a node: general memory first, DMA last
func zoneRank(k ZoneKind) int {
	switch k {
	case ZoneNormal:
		return 0
	case ZoneHighMem:
		return 1
	}
	return 2
}

func (n *Node) zonesFor(flags Flags) []*Zone {
	if flags.has(FlagDMA) {
		return n.dma
	}
	return n.ranked
}

type nodeRatio struct {
	node  *Node
	ratio float64
}

// remoteByFreeRatio snapshots the other nodes' free ratios, highest first
func (a *Allocator) remoteByFreeRatio(local *Node) []nodeRatio {
	remote := make([]nodeRatio, 0, len(a.nodes)-1)
	for _, n := range a.nodes {
		if n != local {
			remote = append(remote, nodeRatio{node: n, ratio: n.freeRatio()})
		}
	}
	sort.SliceStable(remote, func(i, j int) bool { return remote[i].ratio > remote[j].ratio })
	return remote
}

func yieldZones(zones []*Zone, fn func(*Zone) bool) bool {
	for _, z := range zones {
		if !fn(z) {
			return false
		}
	}
	return true
}

// eachZone calls fn on the zones to try for a request hinted at node, in order,
// until fn returns false. Remote nodes are ranked only once the local node is
// exhausted or under pressure.
func (a *Allocator) eachZone(node int, flags Flags, fn func(*Zone) bool) {
	local := a.nodes[node]
	ratio := a.cfg.NodeBalanceRatio
	if local.freeRatio() >= ratio {
		if !yieldZones(local.zonesFor(flags), fn) || len(a.nodes) == 1 {
			return
		}
		for _, r := range a.remoteByFreeRatio(local) {
			if !yieldZones(r.node.zonesFor(flags), fn) {
				return
			}
		}
		return
	}

	// local node is under pressure: spill to remote nodes that are above the ratio first
	remote := a.remoteByFreeRatio(local)
	for _, r := range remote {
		if r.ratio >= ratio && !yieldZones(r.node.zonesFor(flags), fn) {
			return
		}
	}
	if !yieldZones(local.zonesFor(flags), fn) {
		return
	}
	for _, r := range remote {
		if r.ratio < ratio && !yieldZones(r.node.zonesFor(flags), fn) {
			return
		}
	}
}
