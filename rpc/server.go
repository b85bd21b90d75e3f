// Package rpc exposes the allocator to out-of-process collaborators over net/rpc
package rpc

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"sync"

	"github.com/shenjiangwei/kmem/kmem"
	"github.com/shenjiangwei/kmem/mpool"
)

// ServiceName is the net/rpc service the server registers
const ServiceName = "KMem"

// Error classes carried in responses
const (
	ClassNone = iota
	ClassExhaustion
	ClassInvalidRequest
	ClassConsistencyFault
	ClassUnknown
)

// Status is embedded in every response
type Status struct {
	Error string
	Class int
}

func (s *Status) set(err error) {
	if err == nil {
		return
	}
	s.Error = err.Error()
	switch {
	case kmem.IsExhaustion(err):
		s.Class = ClassExhaustion
	case kmem.IsInvalidRequest(err), errors.Is(err, mpool.ErrPoolClosed):
		s.Class = ClassInvalidRequest
	case kmem.IsConsistencyFault(err):
		s.Class = ClassConsistencyFault
	default:
		s.Class = ClassUnknown
	}
}

// Err rebuilds an error carrying the server-side class for errors.Is
func (s *Status) Err() error {
	switch s.Class {
	case ClassNone:
		return nil
	case ClassExhaustion:
		return fmt.Errorf("server error: %s: %w", s.Error, kmem.ErrExhaustion)
	case ClassInvalidRequest:
		return fmt.Errorf("server error: %s: %w", s.Error, kmem.ErrInvalidRequest)
	case ClassConsistencyFault:
		return fmt.Errorf("server error: %s: %w", s.Error, kmem.ErrConsistencyFault)
	}
	return fmt.Errorf("server error: %s", s.Error)
}

// PagesRequest asks for raw pages
type PagesRequest struct {
	Count      uint64
	Flags      kmem.Flags
	Node       int
	Contiguous bool
	Huge       bool
}

// FreePagesRequest returns raw pages
type FreePagesRequest struct {
	Addr  kmem.PhysAddr
	Count uint64
	Huge  bool
}

// AllocRequest represents a generic allocation request
type AllocRequest struct {
	Size  uint64
	Align uint64
	Flags kmem.Flags
}

// FreeRequest represents a generic free request
type FreeRequest struct {
	Addr kmem.PhysAddr
	Size uint64
}

// AddrResponse carries an allocated address
type AddrResponse struct {
	Status
	Addr kmem.PhysAddr
}

// CreateCacheRequest registers a cache; Reserve > 0 puts a reserve pool in front of it
type CreateCacheRequest struct {
	Name    string
	Size    uint64
	Align   uint64
	Flags   kmem.Flags
	Reserve int
}

// CacheResponse carries a cache id
type CacheResponse struct {
	Status
	ID kmem.CacheID
}

// CacheRequest addresses one cache, and one object for frees
type CacheRequest struct {
	ID   kmem.CacheID
	Addr kmem.PhysAddr
}

// Empty is the argument of parameterless calls
type Empty struct{}

// StatsResponse carries an allocator snapshot
type StatsResponse struct {
	Status
	Stats         kmem.Stats
	Fragmentation kmem.FragmentationReport
	Pools         map[kmem.CacheID]mpool.PoolStats
}

// ShrinkResponse reports reclaimed pages
type ShrinkResponse struct {
	Status
	Pages uint64
}

// KMem is the net/rpc receiver. Every method reports failures in the response Status.
type KMem struct {
	alloc *kmem.Allocator

	mu    sync.Mutex
	pools map[kmem.CacheID]*mpool.MemoryPool
}

// AllocatePages serves PagesRequest through the page, contiguous or huge path
func (k *KMem) AllocatePages(req *PagesRequest, resp *AddrResponse) error {
	var err error
	switch {
	case req.Huge:
		resp.Addr, err = k.alloc.AllocateHugePages(req.Count, req.Flags, req.Node)
	case req.Contiguous:
		resp.Addr, err = k.alloc.AllocatePagesContiguous(req.Count, req.Flags, req.Node)
	default:
		resp.Addr, err = k.alloc.AllocatePages(req.Count, req.Flags, req.Node)
	}
	resp.set(err)
	return nil
}

// FreePages returns pages from AllocatePages
func (k *KMem) FreePages(req *FreePagesRequest, resp *Status) error {
	if req.Huge {
		resp.set(k.alloc.FreeHugePages(req.Addr, req.Count))
	} else {
		resp.set(k.alloc.FreePages(req.Addr, req.Count))
	}
	return nil
}

// Allocate serves a generic byte request
func (k *KMem) Allocate(req *AllocRequest, resp *AddrResponse) error {
	var err error
	if req.Align != 0 {
		resp.Addr, err = k.alloc.AllocateAligned(req.Size, req.Align, req.Flags)
	} else {
		resp.Addr, err = k.alloc.Allocate(req.Size, req.Flags)
	}
	resp.set(err)
	return nil
}

// Free returns a generic allocation
func (k *KMem) Free(req *FreeRequest, resp *Status) error {
	resp.set(k.alloc.Free(req.Addr, req.Size))
	return nil
}

// CreateCache registers a cache and its optional reserve pool
func (k *KMem) CreateCache(req *CreateCacheRequest, resp *CacheResponse) error {
	id, err := k.alloc.CreateCache(req.Name, req.Size, req.Align, req.Flags)
	if err != nil {
		resp.set(err)
		return nil
	}
	resp.ID = id
	if req.Reserve <= 0 {
		return nil
	}

	pool, err := mpool.NewMemoryPool(mpool.FromCache(k.alloc, id), req.Reserve)
	if err != nil {
		_ = k.alloc.DestroyCache(id)
		resp.ID = 0
		resp.set(err)
		return nil
	}
	k.mu.Lock()
	k.pools[id] = pool
	k.mu.Unlock()
	return nil
}

func (k *KMem) pool(id kmem.CacheID) *mpool.MemoryPool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pools[id]
}

// CacheAlloc allocates one object, falling back to the cache's reserve under pressure
func (k *KMem) CacheAlloc(req *CacheRequest, resp *AddrResponse) error {
	var err error
	if p := k.pool(req.ID); p != nil {
		resp.Addr, err = p.Allocate()
	} else {
		resp.Addr, err = k.alloc.CacheAlloc(req.ID)
	}
	resp.set(err)
	return nil
}

// CacheFree returns one object
func (k *KMem) CacheFree(req *CacheRequest, resp *Status) error {
	if p := k.pool(req.ID); p != nil {
		resp.set(p.Free(req.Addr))
	} else {
		resp.set(k.alloc.CacheFree(req.ID, req.Addr))
	}
	return nil
}

// DestroyCache releases the reserve and the cache; a busy cache keeps its reserve
func (k *KMem) DestroyCache(req *CacheRequest, resp *Status) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	pool := k.pools[req.ID]
	if pool != nil {
		if c, err := k.alloc.Cache(req.ID); err == nil && c.LiveObjects() > int64(pool.Stats().Reserved) {
			resp.set(fmt.Errorf("cache %s has %d live objects: %w", c.Name(), c.LiveObjects()-int64(pool.Stats().Reserved), kmem.ErrCacheBusy))
			return nil
		}
		if err := pool.Close(); err != nil {
			resp.set(err)
			return nil
		}
		delete(k.pools, req.ID)
	}
	resp.set(k.alloc.DestroyCache(req.ID))
	return nil
}

// Stats returns allocator and reserve pool statistics
func (k *KMem) Stats(_ *Empty, resp *StatsResponse) error {
	resp.Stats = k.alloc.GetStats()
	resp.Fragmentation = k.alloc.AnalyzeFragmentation()
	k.mu.Lock()
	resp.Pools = make(map[kmem.CacheID]mpool.PoolStats, len(k.pools))
	for id, p := range k.pools {
		resp.Pools[id] = p.Stats()
	}
	k.mu.Unlock()
	return nil
}

// Shrink runs an emergency shrink
func (k *KMem) Shrink(_ *Empty, resp *ShrinkResponse) error {
	resp.Pages = k.alloc.EmergencyShrink()
	return nil
}

// Check runs the consistency checker
func (k *KMem) Check(_ *Empty, resp *Status) error {
	resp.set(k.alloc.CheckConsistency())
	return nil
}

// Server serves the KMem service on accepted connections
type Server struct {
	rpcs     *rpc.Server
	service  *KMem
	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer registers the KMem service for alloc
func NewServer(alloc *kmem.Allocator) (*Server, error) {
	service := &KMem{
		alloc: alloc,
		pools: make(map[kmem.CacheID]*mpool.MemoryPool),
	}
	rpcs := rpc.NewServer()
	if err := rpcs.RegisterName(ServiceName, service); err != nil {
		return nil, fmt.Errorf("failed to register service: %w", err)
	}
	return &Server{rpcs: rpcs, service: service}, nil
}

// Start listens on address and serves until Close
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on l until Close
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return l.Close()
	}
	s.listener = l
	s.mu.Unlock()

	kmem.Info("Server listening on %s", l.Addr())
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			kmem.Error("Failed to accept connection: %v", err)
			continue
		}
		go s.rpcs.ServeConn(conn)
	}
}

// Close stops accepting connections and releases every reserve pool
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	l := s.listener
	s.mu.Unlock()

	var errs []error
	if l != nil {
		errs = append(errs, l.Close())
	}
	s.service.mu.Lock()
	for id, p := range s.service.pools {
		errs = append(errs, p.Close())
		delete(s.service.pools, id)
	}
	s.service.mu.Unlock()
	return errors.Join(errs...)
}
