package kmem

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuddyPairMerge(t *testing.T) {
	a := newTestAllocator(t, singleZone(1024))
	z := a.Zones()[0]
	require.Equal(t, 1, freeBlocks(a)[10])

	p0, err := a.AllocatePages(1, 0, 0)
	require.NoError(t, err)
	p1, err := a.AllocatePages(1, 0, 0)
	require.NoError(t, err)
	p2, err := a.AllocatePages(1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, PhysAddr(0), p0)
	assert.Equal(t, PhysAddr(PageSize), p1)
	assert.Equal(t, PhysAddr(2*PageSize), p2)

	require.NoError(t, a.FreePages(p0, 1))
	require.NoError(t, a.FreePages(p1, 1))

	// p0 and p1 are buddies; their pair cannot merge further while p2 is held
	blocks := freeBlocks(a)
	assert.Equal(t, 1, blocks[1])
	assert.Equal(t, 1, blocks[0])
	assert.Equal(t, frameFree, z.frames[0].state)
	assert.Equal(t, uint8(1), z.frames[0].order)
	requireConsistent(t, a)

	require.NoError(t, a.FreePages(p2, 1))
	blocks = freeBlocks(a)
	for order, n := range blocks {
		if order == 10 {
			assert.Equal(t, 1, n)
		} else {
			assert.Zero(t, n, "order %d", order)
		}
	}
	assert.Equal(t, uint64(1024), z.FreePages())
	requireConsistent(t, a)
}

func TestBuddyCoalescing(t *testing.T) {
	a := newTestAllocator(t, singleZone(1024))

	first, err := a.AllocatePages(4, 0, 0)
	require.NoError(t, err)
	second, err := a.AllocatePages(4, 0, 0)
	require.NoError(t, err)
	fence, err := a.AllocatePages(8, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, first+4*PageSize, second)

	require.NoError(t, a.FreePages(first, 4))
	require.NoError(t, a.FreePages(second, 4))

	blocks := freeBlocks(a)
	assert.Zero(t, blocks[2])
	assert.Equal(t, 1, blocks[3])
	requireConsistent(t, a)

	require.NoError(t, a.FreePages(fence, 8))
	assert.Equal(t, 1, freeBlocks(a)[10])
}

func TestBuddyRoundTrip(t *testing.T) {
	sizes := []uint64{1, 2, 3, 5, 7, 64, 100, 1000, 2048}

	for _, contiguous := range []bool{false, true} {
		for _, n := range sizes {
			a := newTestAllocator(t, singleZone(8192))
			before := freeBlocks(a)

			var addr PhysAddr
			var err error
			if contiguous {
				addr, err = a.AllocatePagesContiguous(n, 0, 0)
			} else {
				addr, err = a.AllocatePages(n, 0, 0)
			}
			require.NoError(t, err, "count %d", n)
			requireConsistent(t, a)
			require.NoError(t, a.FreePages(addr, n))

			assert.Equal(t, before, freeBlocks(a), "count %d contiguous %v", n, contiguous)
			requireConsistent(t, a)
		}
	}
}

func TestContiguousReturnsTail(t *testing.T) {
	a := newTestAllocator(t, singleZone(1024))
	z := a.Zones()[0]

	addr, err := a.AllocatePagesContiguous(5, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024-5), z.FreePages())

	// the three tail pages are usable at once
	tail, err := a.AllocatePages(1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, addr+5*PageSize, tail)

	// an exact run must be freed with its exact count
	err = a.FreePages(addr, 8)
	assert.ErrorIs(t, err, ErrOrderMismatch)

	require.NoError(t, a.FreePages(tail, 1))
	require.NoError(t, a.FreePages(addr, 5))
	assert.Equal(t, uint64(1024), z.FreePages())
	requireConsistent(t, a)
}

func TestAllocatePagesBoundaries(t *testing.T) {
	a := newTestAllocator(t, singleZone(1024))

	tests := []struct {
		name  string
		count uint64
		want  error
	}{
		{"zero", 0, ErrInvalidSize},
		{"above max order", 1 << 12, ErrOrderTooLarge},
		{"just above max order", 1<<MaxOrder + 1, ErrOrderTooLarge},
		{"max order larger than memory", 1 << MaxOrder, ErrOutOfMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.AllocatePages(tt.count, 0, 0)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := a.AllocatePages(1<<12, 0, 0)
	assert.True(t, IsInvalidRequest(err))
	assert.False(t, IsExhaustion(err))

	_, err = a.AllocatePages(1<<MaxOrder, 0, 0)
	assert.True(t, IsExhaustion(err))
	assert.False(t, IsInvalidRequest(err))

	assert.Equal(t, uint64(1024), a.Zones()[0].FreePages())
	requireConsistent(t, a)
}

func TestFreePagesErrors(t *testing.T) {
	a := newTestAllocator(t, singleZone(1024))

	addr, err := a.AllocatePages(4, 0, 0)
	require.NoError(t, err)

	t.Run("unaligned", func(t *testing.T) {
		assert.ErrorIs(t, a.FreePages(addr+1, 4), ErrInvalidAddress)
	})
	t.Run("outside memory", func(t *testing.T) {
		assert.ErrorIs(t, a.FreePages(PFN(1<<20).Addr(), 1), ErrInvalidAddress)
	})
	t.Run("interior page", func(t *testing.T) {
		assert.ErrorIs(t, a.FreePages(addr+PageSize, 1), ErrInvalidAddress)
	})
	t.Run("size mismatch", func(t *testing.T) {
		assert.ErrorIs(t, a.FreePages(addr, 16), ErrOrderMismatch)
	})
	t.Run("zero count", func(t *testing.T) {
		assert.ErrorIs(t, a.FreePages(addr, 0), ErrInvalidSize)
	})

	require.NoError(t, a.FreePages(addr, 4))

	t.Run("double free", func(t *testing.T) {
		err := a.FreePages(addr, 4)
		assert.ErrorIs(t, err, ErrDoubleFree)
		assert.True(t, IsInvalidRequest(err))
	})
	t.Run("never allocated", func(t *testing.T) {
		assert.ErrorIs(t, a.FreePages(PFN(512).Addr(), 1), ErrDoubleFree)
	})

	assert.Equal(t, uint64(1024), a.Zones()[0].FreePages())
	requireConsistent(t, a)
}

func TestInitValidation(t *testing.T) {
	a, err := NewAllocator(WithCPUs(1))
	require.NoError(t, err)

	_, err = a.AllocatePages(1, 0, 0)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = a.Allocate(64, 0)
	assert.ErrorIs(t, err, ErrNotInitialized)

	tests := []struct {
		name    string
		regions []Region
	}{
		{"empty map", nil},
		{"empty region", []Region{{Start: 10, End: 10}}},
		{"overlap", []Region{{Start: 0, End: 100}, {Start: 50, End: 200}}},
		{"sparse nodes", []Region{{Start: 0, End: 100, Node: 0}, {Start: 100, End: 200, Node: 2}}},
		{"bad kind", []Region{{Start: 0, End: 100, Kind: ZoneKind(9)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Init(tt.regions)
			assert.ErrorIs(t, err, ErrInvalidMemoryMap)
		})
	}

	require.NoError(t, a.Init(singleZone(64)))
	assert.ErrorIs(t, a.Init(singleZone(64)), ErrAlreadyInitialized)
}

func TestUnalignedZoneSeeding(t *testing.T) {
	a := newTestAllocator(t, []Region{{Start: 3, End: 3 + 1000, Node: 0, Kind: ZoneNormal}})
	z := a.Zones()[0]
	assert.Equal(t, uint64(1000), z.FreePages())
	requireConsistent(t, a)

	var addrs []PhysAddr
	for {
		addr, err := a.AllocatePages(8, 0, 0)
		if err != nil {
			require.ErrorIs(t, err, ErrOutOfMemory)
			break
		}
		assert.Zero(t, uint64(addr.PFN())%8, "order 3 block must be naturally aligned")
		addrs = append(addrs, addr)
	}
	for _, addr := range addrs {
		require.NoError(t, a.FreePages(addr, 8))
	}
	assert.Equal(t, uint64(1000), z.FreePages())
	requireConsistent(t, a)
}

func TestDMAPlacement(t *testing.T) {
	a := newTestAllocator(t, []Region{
		{Start: 0, End: 4096, Node: 0, Kind: ZoneDMA},
		{Start: 4096, End: 8192, Node: 0, Kind: ZoneNormal},
	})

	addr, err := a.AllocatePages(1, 0, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, uint64(addr.PFN()), uint64(4096), "general requests prefer Normal")

	dma, err := a.AllocatePages(1, FlagDMA, 0)
	require.NoError(t, err)
	assert.Less(t, uint64(dma.PFN()), uint64(4096))

	require.NoError(t, a.FreePages(addr, 1))
	require.NoError(t, a.FreePages(dma, 1))

	// DMA requests never spill into Normal
	held := make([]PhysAddr, 0, 2)
	for i := 0; i < 2; i++ {
		p, err := a.AllocatePages(2048, FlagDMA, 0)
		require.NoError(t, err)
		held = append(held, p)
	}
	_, err = a.AllocatePages(1, FlagDMA, 0)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	for _, p := range held {
		require.NoError(t, a.FreePages(p, 2048))
	}
}

func TestNodePlacement(t *testing.T) {
	regions := []Region{
		{Start: 0, End: 2048, Node: 0, Kind: ZoneNormal},
		{Start: 2048, End: 4096, Node: 1, Kind: ZoneNormal},
	}

	t.Run("hint", func(t *testing.T) {
		a := newTestAllocator(t, regions)
		addr, err := a.AllocatePages(1, 0, 1)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, uint64(addr.PFN()), uint64(2048))

		_, err = a.AllocatePages(1, 0, 7)
		assert.ErrorIs(t, err, ErrInvalidNode)
	})

	t.Run("balance ratio", func(t *testing.T) {
		a := newTestAllocator(t, regions, WithNodeBalanceRatio(0.5))
		big, err := a.AllocatePages(1024, 0, 0)
		require.NoError(t, err)
		assert.Less(t, uint64(big.PFN()), uint64(2048))

		// node 0 sits at exactly the ratio, still local
		local, err := a.AllocatePages(512, 0, 0)
		require.NoError(t, err)
		assert.Less(t, uint64(local.PFN()), uint64(2048))

		// below the ratio remote nodes with headroom go first
		spill, err := a.AllocatePages(1, 0, 0)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, uint64(spill.PFN()), uint64(2048))
		assert.Equal(t, uint64(512), a.Nodes()[0].FreePages())
	})

	t.Run("exhaustion fallback", func(t *testing.T) {
		a := newTestAllocator(t, regions, WithNodeBalanceRatio(0))
		_, err := a.AllocatePages(2048, 0, 0)
		require.NoError(t, err)
		addr, err := a.AllocatePages(1, 0, 0)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, uint64(addr.PFN()), uint64(2048))
	})

	t.Run("any node follows cpu", func(t *testing.T) {
		a := newTestAllocator(t, regions,
			WithCPUs(2),
			WithCPUNodes([]int{1, 0}),
			WithCPUSelector(func() int { return 0 }),
		)
		addr, err := a.AllocatePages(1, 0, AnyNode)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, uint64(addr.PFN()), uint64(2048))
	})

	t.Run("cpu map names missing node", func(t *testing.T) {
		a, err := NewAllocator(WithCPUs(1), WithCPUNodes([]int{3}))
		require.NoError(t, err)
		assert.ErrorIs(t, a.Init(regions), ErrInvalidNode)
	})
}

func TestZeroFill(t *testing.T) {
	mem := NewArenaMemory(0, 64*PageSize)
	a := newTestAllocator(t, singleZone(64), WithPhysMem(mem))

	addr, err := a.AllocatePages(2, 0, 0)
	require.NoError(t, err)
	b, err := mem.Bytes(addr, 2*PageSize)
	require.NoError(t, err)
	for i := range b {
		b[i] = 0xAB
	}
	require.NoError(t, a.FreePages(addr, 2))

	again, err := a.AllocatePages(2, FlagZero, 0)
	require.NoError(t, err)
	require.Equal(t, addr, again)
	b, err = mem.Bytes(again, 2*PageSize)
	require.NoError(t, err)
	for i := range b {
		if b[i] != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, b[i])
		}
	}

	_, err = mem.Bytes(PhysAddr(64*PageSize), 1)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestConsistencyFault(t *testing.T) {
	var faults []error
	a := newTestAllocator(t, singleZone(256), WithFaultHandler(func(err error) {
		faults = append(faults, err)
	}))
	requireConsistent(t, a)

	z := a.Zones()[0]
	z.mu.Lock()
	z.freePages.Add(1)
	z.mu.Unlock()

	err := a.CheckConsistency()
	require.Error(t, err)
	assert.True(t, IsConsistencyFault(err))
	assert.False(t, IsExhaustion(err))
	var ce *ConsistencyError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, z.ID(), ce.Zone)
	require.Len(t, faults, 1)
	assert.Equal(t, uint64(1), a.GetStats().Faults)
}

func TestConsistencyDetectsUnmergedBuddies(t *testing.T) {
	a := newTestAllocator(t, singleZone(16), WithFaultHandler(func(error) {}))
	z := a.Zones()[0]

	z.mu.Lock()
	idx, ok := z.allocBlockLocked(3)
	require.True(t, ok)
	// two free order-2 halves side by side
	z.pushFreeLocked(idx, 2)
	z.pushFreeLocked(idx+4, 2)
	z.mu.Unlock()

	err := a.CheckConsistency()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not merged")
}

func TestConcurrentPageChurn(t *testing.T) {
	regions := []Region{
		{Start: 0, End: 4096, Node: 0, Kind: ZoneDMA},
		{Start: 4096, End: 16384, Node: 0, Kind: ZoneNormal},
		{Start: 16384, End: 32768, Node: 1, Kind: ZoneNormal},
	}
	a := newTestAllocator(t, regions, WithCPUs(4))
	total := a.GetStats().FreePages

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			type held struct {
				addr  PhysAddr
				count uint64
			}
			var live []held
			for i := 0; i < 500; i++ {
				if len(live) > 0 && rng.Intn(3) == 0 {
					j := rng.Intn(len(live))
					assert.NoError(t, a.FreePages(live[j].addr, live[j].count))
					live = append(live[:j], live[j+1:]...)
					continue
				}
				count := uint64(rng.Intn(40) + 1)
				var flags Flags
				if rng.Intn(5) == 0 {
					flags |= FlagContiguous
				}
				if rng.Intn(10) == 0 {
					flags |= FlagDMA
				}
				addr, err := a.AllocatePages(count, flags, AnyNode)
				if err != nil {
					assert.True(t, IsExhaustion(err), "unexpected %v", err)
					continue
				}
				live = append(live, held{addr, count})
			}
			for _, h := range live {
				assert.NoError(t, a.FreePages(h.addr, h.count))
			}
		}(int64(w))
	}
	wg.Wait()

	assert.Equal(t, total, a.GetStats().FreePages)
	requireConsistent(t, a)
}

func BenchmarkAllocatePages(b *testing.B) {
	a := newTestAllocator(b, singleZone(1<<16))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		addr, err := a.AllocatePages(1, 0, 0)
		if err != nil {
			b.Fatal(err)
		}
		if err := a.FreePages(addr, 1); err != nil {
			b.Fatal(err)
		}
	}
}
