package kmem

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStats(t *testing.T) {
	a := newTestAllocator(t, []Region{
		{Start: 0, End: 1024, Node: 0, Kind: ZoneDMA},
		{Start: 1024, End: 3072, Node: 0, Kind: ZoneNormal},
		{Start: 3072, End: 5120, Node: 1, Kind: ZoneNormal},
	})

	st := a.GetStats()
	assert.Equal(t, uint64(5120), st.TotalPages)
	assert.Equal(t, uint64(5120), st.FreePages)
	assert.Zero(t, st.UsedPages)
	require.Len(t, st.Zones, 3)
	require.Len(t, st.Nodes, 2)
	assert.Equal(t, ZoneDMA, st.Zones[0].Kind)
	assert.Equal(t, uint64(3072), st.Nodes[0].TotalPages)
	assert.Equal(t, 1.0, st.Nodes[1].FreeRatio)
	assert.Len(t, st.Caches, 2*len(sizeClasses))
	assert.Zero(t, st.CacheHitRate)

	addr, err := a.AllocatePages(3, 0, 1)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		obj, err := a.Allocate(64, 0)
		require.NoError(t, err)
		require.NoError(t, a.Free(obj, 64))
	}

	st = a.GetStats()
	assert.Equal(t, uint64(5), st.UsedPages, "4 pages for the order-2 block and one slab")
	assert.Equal(t, uint64(1), st.Zones[2].Allocs)
	assert.NotZero(t, st.Zones[2].Splits)
	assert.InDelta(t, 0.9, st.CacheHitRate, 1e-9)

	var size64 CacheStats
	for _, cs := range st.Caches {
		if cs.Name == "size-64" {
			size64 = cs
		}
	}
	assert.Equal(t, uint64(10), size64.Allocs)
	assert.Equal(t, uint64(10), size64.Frees)
	assert.Equal(t, 1, size64.PartialSlabs)

	require.NoError(t, a.FreePages(addr, 3))
	assert.Equal(t, uint64(1), a.GetStats().Zones[2].Frees)
}

func TestStatsBeforeInit(t *testing.T) {
	a, err := NewAllocator(WithCPUs(1))
	require.NoError(t, err)
	assert.Zero(t, a.GetStats().TotalPages)
	assert.Equal(t, -1, a.AnalyzeFragmentation().LargestFreeOrder)
	assert.Zero(t, a.EmergencyShrink())
	assert.ErrorIs(t, a.CheckConsistency(), ErrNotInitialized)
}

func TestAnalyzeFragmentation(t *testing.T) {
	a := newTestAllocator(t, singleZone(1024))

	r := a.AnalyzeFragmentation()
	assert.Equal(t, uint64(1024), r.FreePages)
	assert.Equal(t, 10, r.LargestFreeOrder)
	assert.Zero(t, r.Score)
	assert.Zero(t, r.UnusableIndex[10])
	assert.Equal(t, 1.0, r.UnusableIndex[MaxOrder])

	pages := make([]PhysAddr, 0, 1024)
	for i := 0; i < 1024; i++ {
		p, err := a.AllocatePages(1, 0, 0)
		require.NoError(t, err)
		pages = append(pages, p)
	}
	r = a.AnalyzeFragmentation()
	assert.Zero(t, r.FreePages)
	assert.Equal(t, -1, r.LargestFreeOrder)
	assert.Zero(t, r.Score)

	// every other page free: nothing larger than one page is available
	for _, p := range pages {
		if p.PFN()%2 == 0 {
			require.NoError(t, a.FreePages(p, 1))
		}
	}
	r = a.AnalyzeFragmentation()
	assert.Equal(t, uint64(512), r.FreePages)
	assert.Equal(t, 0, r.LargestFreeOrder)
	assert.InDelta(t, 100*(1-1.0/512), r.Score, 1e-9)
	assert.Zero(t, r.UnusableIndex[0])
	assert.Equal(t, 1.0, r.UnusableIndex[1])
	assert.InDelta(t, r.Score, a.GetStats().Fragmentation, 1e-9)
	requireConsistent(t, a)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		ok   bool
	}{
		{"defaults", nil, true},
		{"no cpus", []Option{WithCPUs(0)}, false},
		{"batch above capacity", []Option{WithPerCPUCapacity(8), WithBatchSize(16)}, false},
		{"negative retention", []Option{WithEmptySlabRetention(-1)}, false},
		{"global limit below batch", []Option{WithGlobalFreeLimit(4)}, false},
		{"no colors", []Option{WithMaxColors(0)}, false},
		{"ratio above one", []Option{WithNodeBalanceRatio(1.5)}, false},
		{"cpu map length", []Option{WithCPUs(2), WithCPUNodes([]int{0})}, false},
		{"small but valid", []Option{WithCPUs(1), WithPerCPUCapacity(2), WithBatchSize(1), WithGlobalFreeLimit(1)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewAllocator(tt.opts...)
			if tt.ok {
				require.NoError(t, err)
				require.NotNil(t, a)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Nil(t, a)
		})
	}
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "NONE", Flags(0).String())
	assert.Equal(t, "ZERO|DMA", (FlagZero | FlagDMA).String())
	assert.Equal(t, "Normal", ZoneNormal.String())
	assert.Equal(t, "0x2000", PFN(2).Addr().String())
}

func TestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	SetLogLevel(LogLevelInfo)
	defer func() {
		SetLogLevel(LogLevelNone)
		SetLogOutput(os.Stderr)
	}()

	Debug("hidden %d", 1)
	Info("visible %d", 2)
	Error("broken %s", "thing")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible 2")
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "component=kmem")
	assert.True(t, strings.Contains(out, "stats_test.go"), "source position points at the caller: %s", out)
}

func TestFaultWithoutHandlerIsFatal(t *testing.T) {
	code := -1
	exit = func(c int) { code = c }
	defer func() { exit = os.Exit }()

	a := newTestAllocator(t, singleZone(64))
	z := a.Zones()[0]
	z.mu.Lock()
	z.freePages.Add(1)
	z.mu.Unlock()

	err := a.CheckConsistency()
	assert.True(t, IsConsistencyFault(err))
	assert.Equal(t, 1, code)
	assert.Equal(t, uint64(1), a.GetStats().Faults)
}
