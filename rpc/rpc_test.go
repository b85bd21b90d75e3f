package rpc

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shenjiangwei/kmem/kmem"
)

func init() {
	kmem.SetLogLevel(kmem.LogLevelNone)
}

// startServer serves alloc on a loopback port and returns its address
func startServer(t *testing.T, regions []kmem.Region) (*Server, string) {
	t.Helper()
	alloc, err := kmem.NewAllocator(kmem.WithCPUs(4))
	require.NoError(t, err)
	require.NoError(t, alloc.Init(regions))

	server, err := NewServer(alloc)
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- server.Serve(l) }()
	t.Cleanup(func() {
		assert.NoError(t, server.Close())
		assert.NoError(t, <-done)
	})
	return server, l.Addr().String()
}

func TestRPCClientServer(t *testing.T) {
	_, addr := startServer(t, []kmem.Region{
		{Start: 0, End: 4096, Node: 0, Kind: kmem.ZoneDMA},
		{Start: 4096, End: 16384, Node: 0, Kind: kmem.ZoneNormal},
	})

	admin, err := NewClient(0, addr)
	require.NoError(t, err)
	defer admin.Close()
	id, err := admin.CreateCache(CreateCacheRequest{Name: "session", Size: 200, Align: 8})
	require.NoError(t, err)

	numClients := 5
	var wg sync.WaitGroup
	for i := 1; i <= numClients; i++ {
		c, err := NewClient(i, addr)
		require.NoError(t, err)
		defer c.Close()

		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			pages, err := c.AllocatePages(PagesRequest{Count: 256, Node: kmem.AnyNode})
			if !assert.NoError(t, err, "client %d", c.ID()) {
				return
			}
			buf, err := c.Allocate(1000, 0, kmem.FlagZero)
			assert.NoError(t, err)
			objs := make([]kmem.PhysAddr, 0, 50)
			for j := 0; j < 50; j++ {
				obj, err := c.CacheAlloc(id)
				if !assert.NoError(t, err) {
					return
				}
				objs = append(objs, obj)
			}
			assert.Equal(t, 52, c.Outstanding())

			for _, obj := range objs {
				assert.NoError(t, c.CacheFree(id, obj))
			}
			assert.NoError(t, c.Free(buf, 1000))
			assert.NoError(t, c.FreePages(pages, 256, false))
			assert.Zero(t, c.Outstanding())
		}(c)
	}
	wg.Wait()

	st, err := admin.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(16384), st.Stats.TotalPages)
	var session kmem.CacheStats
	for _, cs := range st.Stats.Caches {
		if cs.ID == id {
			session = cs
		}
	}
	assert.Equal(t, "session", session.Name)
	assert.Equal(t, uint64(numClients*50), session.Allocs)
	assert.Zero(t, session.LiveObjects)

	require.NoError(t, admin.DestroyCache(id))
	_, err = admin.Shrink()
	require.NoError(t, err)
	require.NoError(t, admin.Check())

	st, err = admin.Stats()
	require.NoError(t, err)
	assert.Equal(t, st.Stats.TotalPages, st.Stats.FreePages)
}

func TestRPCErrorClasses(t *testing.T) {
	_, addr := startServer(t, []kmem.Region{{Start: 0, End: 1024, Node: 0, Kind: kmem.ZoneNormal}})
	c, err := NewClient(1, addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.AllocatePages(PagesRequest{Count: 0})
	assert.ErrorIs(t, err, kmem.ErrInvalidRequest)

	_, err = c.AllocatePages(PagesRequest{Count: 4096})
	assert.ErrorIs(t, err, kmem.ErrInvalidRequest)

	p, err := c.AllocatePages(PagesRequest{Count: 1024, Contiguous: true})
	require.NoError(t, err)
	_, err = c.AllocatePages(PagesRequest{Count: 1})
	assert.ErrorIs(t, err, kmem.ErrExhaustion)
	assert.False(t, errors.Is(err, kmem.ErrInvalidRequest))

	require.NoError(t, c.FreePages(p, 1024, false))
	err = c.FreePages(p, 1024, false)
	assert.ErrorIs(t, err, kmem.ErrInvalidRequest)
	assert.Contains(t, err.Error(), "double free")

	assert.ErrorIs(t, c.DestroyCache(999), kmem.ErrInvalidRequest)
	_, err = c.CreateCache(CreateCacheRequest{Name: "bad", Size: 0})
	assert.ErrorIs(t, err, kmem.ErrInvalidRequest)
}

func TestRPCReservePool(t *testing.T) {
	_, addr := startServer(t, []kmem.Region{{Start: 0, End: 8, Node: 0, Kind: kmem.ZoneNormal}})
	c, err := NewClient(1, addr)
	require.NoError(t, err)
	defer c.Close()

	id, err := c.CreateCache(CreateCacheRequest{Name: "rx-ring", Size: 1024, Reserve: 4})
	require.NoError(t, err)

	st, err := c.Stats()
	require.NoError(t, err)
	require.Contains(t, st.Pools, id)
	assert.Equal(t, 4, st.Pools[id].Reserved)

	var held []kmem.PhysAddr
	for i := 0; i < 1000; i++ {
		obj, err := c.CacheAlloc(id)
		if err != nil {
			assert.ErrorIs(t, err, kmem.ErrExhaustion)
			break
		}
		held = append(held, obj)
	}
	require.NotEmpty(t, held)
	require.Less(t, len(held), 1000)

	st, err = c.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), st.Pools[id].PoolHits)
	assert.Equal(t, uint64(1), st.Pools[id].PoolMisses)
	assert.Zero(t, st.Pools[id].Reserved)

	assert.ErrorIs(t, c.DestroyCache(id), kmem.ErrInvalidRequest, "objects are still held")

	for _, obj := range held {
		require.NoError(t, c.CacheFree(id, obj))
	}
	require.NoError(t, c.DestroyCache(id))
	require.NoError(t, c.Check())

	st, err = c.Stats()
	require.NoError(t, err)
	assert.NotContains(t, st.Pools, id)
	assert.Equal(t, uint64(8), st.Stats.FreePages)
}
