package kmem

// ZoneStats describes one zone
type ZoneStats struct {
	ID         int
	Node       int
	Kind       ZoneKind
	Start      PFN
	End        PFN
	TotalPages uint64
	FreePages  uint64
	FreeBlocks [MaxOrder + 1]int
	Allocs     uint64
	Frees      uint64
	Splits     uint64
	Merges     uint64
	Failures   uint64
}

// NodeStats describes one NUMA node
type NodeStats struct {
	ID         int
	TotalPages uint64
	FreePages  uint64
	FreeRatio  float64
}

// Stats is a point-in-time snapshot of the whole allocator
type Stats struct {
	TotalPages    uint64
	FreePages     uint64
	UsedPages     uint64
	FreeBlocks    [MaxOrder + 1]int
	Zones         []ZoneStats
	Nodes         []NodeStats
	Caches        []CacheStats
	CacheHitRate  float64
	Fragmentation float64
	Faults        uint64
}

// FragmentationReport summarizes how usable the free memory is for large blocks
type FragmentationReport struct {
	FreePages        uint64
	LargestFreeOrder int // -1 when nothing is free
	LargestFreePages uint64
	// UnusableIndex[k] is the fraction of free pages that cannot serve an order-k request
	UnusableIndex [MaxOrder + 1]float64
	// Score is 100 * (1 - largest free block / free pages)
	Score float64
}

func (z *Zone) snapshot() ZoneStats {
	st := ZoneStats{
		ID:         z.id,
		Node:       z.node.id,
		Kind:       z.kind,
		Start:      z.start,
		End:        z.end,
		TotalPages: z.TotalPages(),
		Allocs:     z.stats.allocs.Load(),
		Frees:      z.stats.frees.Load(),
		Splits:     z.stats.splits.Load(),
		Merges:     z.stats.merges.Load(),
		Failures:   z.stats.failures.Load(),
	}
	z.mu.Lock()
	st.FreePages = z.freePages.Load()
	for k := range z.areas {
		st.FreeBlocks[k] = z.areas[k].count
	}
	z.mu.Unlock()
	return st
}

// GetStats collects zone, node and cache statistics
func (a *Allocator) GetStats() Stats {
	var st Stats
	if !a.ready.Load() {
		return st
	}
	for _, z := range a.zones {
		zs := z.snapshot()
		st.TotalPages += zs.TotalPages
		st.FreePages += zs.FreePages
		for k, n := range zs.FreeBlocks {
			st.FreeBlocks[k] += n
		}
		st.Zones = append(st.Zones, zs)
	}
	st.UsedPages = st.TotalPages - st.FreePages
	for _, n := range a.nodes {
		st.Nodes = append(st.Nodes, NodeStats{
			ID:         n.id,
			TotalPages: n.totalPages,
			FreePages:  n.FreePages(),
			FreeRatio:  n.freeRatio(),
		})
	}

	var hits, misses uint64
	for _, c := range a.cacheList() {
		cs := c.Stats()
		hits += cs.Hits
		misses += cs.Misses
		st.Caches = append(st.Caches, cs)
	}
	if hits+misses > 0 {
		st.CacheHitRate = float64(hits) / float64(hits+misses)
	}
	st.Fragmentation = fragmentationOf(st.FreePages, st.FreeBlocks).Score
	st.Faults = a.faults.Load()
	return st
}

// AnalyzeFragmentation reports external fragmentation over all zones
func (a *Allocator) AnalyzeFragmentation() FragmentationReport {
	var free uint64
	var blocks [MaxOrder + 1]int
	if a.ready.Load() {
		for _, z := range a.zones {
			zs := z.snapshot()
			free += zs.FreePages
			for k, n := range zs.FreeBlocks {
				blocks[k] += n
			}
		}
	}
	return fragmentationOf(free, blocks)
}

func fragmentationOf(free uint64, blocks [MaxOrder + 1]int) FragmentationReport {
	r := FragmentationReport{FreePages: free, LargestFreeOrder: -1}
	if free == 0 {
		return r
	}
	for k := MaxOrder; k >= 0; k-- {
		if blocks[k] > 0 {
			r.LargestFreeOrder = k
			r.LargestFreePages = uint64(1) << k
			break
		}
	}

	// usable[k] counts free pages in blocks of order >= k
	var usable uint64
	for k := MaxOrder; k >= 0; k-- {
		usable += uint64(blocks[k]) << k
		r.UnusableIndex[k] = float64(free-usable) / float64(free)
	}
	r.Score = 100 * (1 - float64(r.LargestFreePages)/float64(free))
	return r
}
