package rpc

import (
	"fmt"
	"net/rpc"
	"sync"

	"github.com/shenjiangwei/kmem/kmem"
)

// Client represents a KMem client
type Client struct {
	id        int
	client    *rpc.Client
	allocated map[kmem.PhysAddr]uint64 // addr -> bytes or pages still held through this client
	mu        sync.Mutex
}

// NewClient connects to a KMem server
func NewClient(id int, address string) (*Client, error) {
	client, err := rpc.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	return &Client{
		id:        id,
		client:    client,
		allocated: make(map[kmem.PhysAddr]uint64),
	}, nil
}

// ID returns the id the client was created with
func (c *Client) ID() int { return c.id }

func (c *Client) call(method string, req interface{}, resp interface{}, status *Status) error {
	if err := c.client.Call(ServiceName+"."+method, req, resp); err != nil {
		return fmt.Errorf("RPC call failed: %w", err)
	}
	return status.Err()
}

func (c *Client) track(addr kmem.PhysAddr, n uint64) {
	c.mu.Lock()
	c.allocated[addr] = n
	c.mu.Unlock()
}

func (c *Client) untrack(addr kmem.PhysAddr) {
	c.mu.Lock()
	delete(c.allocated, addr)
	c.mu.Unlock()
}

// Outstanding returns the number of allocations made through c and not yet freed
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.allocated)
}

// AllocatePages allocates pages through the server
func (c *Client) AllocatePages(req PagesRequest) (kmem.PhysAddr, error) {
	resp := &AddrResponse{}
	if err := c.call("AllocatePages", &req, resp, &resp.Status); err != nil {
		return 0, err
	}
	c.track(resp.Addr, req.Count)
	return resp.Addr, nil
}

// FreePages frees pages through the server
func (c *Client) FreePages(addr kmem.PhysAddr, count uint64, huge bool) error {
	resp := &Status{}
	if err := c.call("FreePages", &FreePagesRequest{Addr: addr, Count: count, Huge: huge}, resp, resp); err != nil {
		return err
	}
	c.untrack(addr)
	return nil
}

// Allocate allocates size bytes through the server
func (c *Client) Allocate(size, align uint64, flags kmem.Flags) (kmem.PhysAddr, error) {
	resp := &AddrResponse{}
	if err := c.call("Allocate", &AllocRequest{Size: size, Align: align, Flags: flags}, resp, &resp.Status); err != nil {
		return 0, err
	}
	c.track(resp.Addr, size)
	return resp.Addr, nil
}

// Free frees memory through the server
func (c *Client) Free(addr kmem.PhysAddr, size uint64) error {
	resp := &Status{}
	if err := c.call("Free", &FreeRequest{Addr: addr, Size: size}, resp, resp); err != nil {
		return err
	}
	c.untrack(addr)
	return nil
}

// CreateCache registers a cache on the server
func (c *Client) CreateCache(req CreateCacheRequest) (kmem.CacheID, error) {
	resp := &CacheResponse{}
	if err := c.call("CreateCache", &req, resp, &resp.Status); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// CacheAlloc allocates one object from cache id
func (c *Client) CacheAlloc(id kmem.CacheID) (kmem.PhysAddr, error) {
	resp := &AddrResponse{}
	if err := c.call("CacheAlloc", &CacheRequest{ID: id}, resp, &resp.Status); err != nil {
		return 0, err
	}
	c.track(resp.Addr, 1)
	return resp.Addr, nil
}

// CacheFree returns one object to cache id
func (c *Client) CacheFree(id kmem.CacheID, addr kmem.PhysAddr) error {
	resp := &Status{}
	if err := c.call("CacheFree", &CacheRequest{ID: id, Addr: addr}, resp, resp); err != nil {
		return err
	}
	c.untrack(addr)
	return nil
}

// DestroyCache destroys cache id
func (c *Client) DestroyCache(id kmem.CacheID) error {
	resp := &Status{}
	return c.call("DestroyCache", &CacheRequest{ID: id}, resp, resp)
}

// Stats fetches an allocator snapshot
func (c *Client) Stats() (*StatsResponse, error) {
	resp := &StatsResponse{}
	if err := c.call("Stats", &Empty{}, resp, &resp.Status); err != nil {
		return nil, err
	}
	return resp, nil
}

// Shrink asks the server to run an emergency shrink
func (c *Client) Shrink() (uint64, error) {
	resp := &ShrinkResponse{}
	if err := c.call("Shrink", &Empty{}, resp, &resp.Status); err != nil {
		return 0, err
	}
	return resp.Pages, nil
}

// Check runs the server's consistency checker
func (c *Client) Check() error {
	resp := &Status{}
	return c.call("Check", &Empty{}, resp, resp)
}

// Close closes the client connection
func (c *Client) Close() error {
	return c.client.Close()
}
