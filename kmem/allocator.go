package kmem

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Allocator is the process-wide page and object allocator. Construct it once,
// call Init with the boot memory map, then share the handle.
type Allocator struct {
	cfg Config

	initMu sync.Mutex
	ready  atomic.Bool
	zones  []*Zone // sorted by start frame, fixed after Init
	nodes  []*Node

	views []CPUView
	rr    atomic.Uint64

	cachesMu   sync.RWMutex
	caches     map[CacheID]*Cache
	names      map[string]CacheID
	nextID     CacheID
	classes    [len(sizeClasses)]*Cache
	dmaClasses [len(sizeClasses)]*Cache

	faults atomic.Uint64
}

// NewAllocator creates an allocator with the given options; it manages no memory until Init
func NewAllocator(opts ...Option) (*Allocator, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Allocator{
		cfg:    cfg,
		views:  make([]CPUView, cfg.CPUs),
		caches: make(map[CacheID]*Cache),
		names:  make(map[string]CacheID),
	}
	for i := range a.views {
		a.views[i] = CPUView{a: a, cpu: i}
	}
	Debug("Creating new allocator with %d cpus", cfg.CPUs)
	return a, nil
}

// Init builds zones and nodes from the memory map and creates the size-class caches.
// It must be called exactly once before any allocation.
func (a *Allocator) Init(memoryMap []Region) error {
	a.initMu.Lock()
	defer a.initMu.Unlock()
	if a.ready.Load() {
		return ErrAlreadyInitialized
	}

	zones, nodes, err := buildRegistry(memoryMap)
	if err != nil {
		Error("Memory map rejected: %v", err)
		return err
	}
	for cpu, node := range a.cfg.CPUNodes {
		if node < 0 || node >= len(nodes) {
			return fmt.Errorf("cpu %d mapped to node %d of %d: %w", cpu, node, len(nodes), ErrInvalidNode)
		}
	}
	a.zones, a.nodes = zones, nodes

	if err := a.createSizeClasses(); err != nil {
		return err
	}
	a.ready.Store(true)

	var total uint64
	for _, z := range zones {
		total += z.TotalPages()
	}
	Info("Initialized %d pages in %d zones on %d nodes", total, len(zones), len(nodes))
	return nil
}

// checkReady rejects calls before Init and resolves AnyNode to the calling CPU's node
func (a *Allocator) checkReady(node int) (int, error) {
	if !a.ready.Load() {
		return 0, ErrNotInitialized
	}
	if node == AnyNode {
		return a.cpuNode(a.currentCPU()), nil
	}
	if node < 0 || node >= len(a.nodes) {
		return 0, fmt.Errorf("node %d of %d: %w", node, len(a.nodes), ErrInvalidNode)
	}
	return node, nil
}

// currentCPU asks the configured selector, falling back to round-robin
func (a *Allocator) currentCPU() int {
	if a.cfg.CPUSelector != nil {
		if cpu := a.cfg.CPUSelector(); cpu >= 0 && cpu < a.cfg.CPUs {
			return cpu
		}
	}
	return int((a.rr.Add(1) - 1) % uint64(a.cfg.CPUs))
}

func (a *Allocator) cpuNode(cpu int) int {
	if a.cfg.CPUNodes != nil {
		return a.cfg.CPUNodes[cpu]
	}
	return cpu % len(a.nodes)
}

// fault escalates a broken invariant: to the handler if one is installed, otherwise the process dies
func (a *Allocator) fault(err error) {
	a.faults.Add(1)
	if a.cfg.FaultHandler == nil {
		Fatal("Consistency fault: %v", err)
		return
	}
	Error("Consistency fault: %v", err)
	a.cfg.FaultHandler(err)
}

// Zones returns the zones in frame order
func (a *Allocator) Zones() []*Zone { return a.zones }

// Nodes returns the NUMA nodes by id
func (a *Allocator) Nodes() []*Node { return a.nodes }

// Config returns the active tunables
func (a *Allocator) Config() Config { return a.cfg }

// Allocate serves size bytes for the calling CPU
func (a *Allocator) Allocate(size uint64, flags Flags) (PhysAddr, error) {
	if _, err := a.checkReady(0); err != nil {
		return 0, err
	}
	return a.allocate(a.currentCPU(), size, 0, flags)
}

// AllocateAligned serves size bytes aligned to align for the calling CPU
func (a *Allocator) AllocateAligned(size, align uint64, flags Flags) (PhysAddr, error) {
	if _, err := a.checkReady(0); err != nil {
		return 0, err
	}
	return a.views[a.currentCPU()].AllocateAligned(size, align, flags)
}

// Free releases memory obtained from Allocate or AllocateAligned
func (a *Allocator) Free(addr PhysAddr, size uint64) error {
	if _, err := a.checkReady(0); err != nil {
		return err
	}
	return a.free(a.currentCPU(), addr, size)
}

// CreateCache registers a new object cache
func (a *Allocator) CreateCache(name string, size, align uint64, flags Flags) (CacheID, error) {
	if _, err := a.checkReady(0); err != nil {
		return 0, err
	}
	c, err := a.createCache(name, size, align, flags, false)
	if err != nil {
		return 0, err
	}
	Info("Created cache %s: object %d bytes, %d per order-%d slab, %d colors",
		c.name, c.size, c.perSlab, c.order, c.colors)
	return c.id, nil
}

func (a *Allocator) createCache(name string, size, align uint64, flags Flags, protected bool) (*Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: cache name must not be empty", ErrInvalidRequest)
	}
	a.cachesMu.Lock()
	defer a.cachesMu.Unlock()
	if _, dup := a.names[name]; dup {
		return nil, fmt.Errorf("cache %q: %w", name, ErrDuplicateCache)
	}
	c, err := newCache(a, a.nextID, name, size, align, flags)
	if err != nil {
		return nil, err
	}
	c.protected = protected
	a.nextID++
	a.caches[c.id] = c
	a.names[name] = c.id
	return c, nil
}

// CacheAlloc allocates one object from cache id on the calling CPU
func (a *Allocator) CacheAlloc(id CacheID) (PhysAddr, error) {
	if _, err := a.checkReady(0); err != nil {
		return 0, err
	}
	return a.views[a.currentCPU()].CacheAlloc(id)
}

// CacheFree returns an object to cache id on the calling CPU
func (a *Allocator) CacheFree(id CacheID, addr PhysAddr) error {
	if _, err := a.checkReady(0); err != nil {
		return err
	}
	return a.views[a.currentCPU()].CacheFree(id, addr)
}

// DestroyCache releases a cache with no live objects
func (a *Allocator) DestroyCache(id CacheID) error {
	if _, err := a.checkReady(0); err != nil {
		return err
	}
	a.cachesMu.Lock()
	defer a.cachesMu.Unlock()
	c, ok := a.caches[id]
	if !ok {
		return fmt.Errorf("cache %d: %w", id, ErrUnknownCache)
	}
	if c.protected {
		return fmt.Errorf("cache %s: %w", c.name, ErrProtectedCache)
	}
	if err := c.destroy(); err != nil {
		Error("Destroy of cache %s refused: %v", c.name, err)
		return err
	}
	delete(a.caches, id)
	delete(a.names, c.name)
	return nil
}

// Cache returns the cache registered under id
func (a *Allocator) Cache(id CacheID) (*Cache, error) {
	return a.lookupCache(id)
}

// CacheByName returns the cache registered under name
func (a *Allocator) CacheByName(name string) (*Cache, error) {
	a.cachesMu.RLock()
	defer a.cachesMu.RUnlock()
	id, ok := a.names[name]
	if !ok {
		return nil, fmt.Errorf("cache %q: %w", name, ErrUnknownCache)
	}
	return a.caches[id], nil
}

func (a *Allocator) lookupCache(id CacheID) (*Cache, error) {
	a.cachesMu.RLock()
	defer a.cachesMu.RUnlock()
	c, ok := a.caches[id]
	if !ok {
		return nil, fmt.Errorf("cache %d: %w", id, ErrUnknownCache)
	}
	return c, nil
}

// cacheList snapshots the registered caches in id order
func (a *Allocator) cacheList() []*Cache {
	a.cachesMu.RLock()
	out := make([]*Cache, 0, len(a.caches))
	for _, c := range a.caches {
		out = append(out, c)
	}
	a.cachesMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// DrainCPU flushes one CPU's stashes in every cache, as on CPU offline
func (a *Allocator) DrainCPU(cpu int) (uint64, error) {
	if _, err := a.checkReady(0); err != nil {
		return 0, err
	}
	v, err := a.OnCPU(cpu)
	if err != nil {
		return 0, err
	}
	return v.Drain(), nil
}

// EmergencyShrink drains every stash and global list and returns all empty slabs
// to the buddy allocator. It returns the number of pages reclaimed.
func (a *Allocator) EmergencyShrink() uint64 {
	if !a.ready.Load() {
		return 0
	}
	var pages uint64
	for _, c := range a.cacheList() {
		pages += c.shrink()
	}
	Info("Emergency shrink reclaimed %d pages", pages)
	return pages
}
