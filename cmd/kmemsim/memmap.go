package main

import (
	"fmt"

	"github.com/shenjiangwei/kmem/kmem"
)

// dmaPages is the 16MB DMA zone every synthetic map starts with
const dmaPages = 16 << 20 >> kmem.PageShift

// memoryMap lays out a DMA zone on node 0 followed by equal Normal zones, one per node
func memoryMap(pages uint64, nodes int) ([]kmem.Region, error) {
	if nodes <= 0 {
		return nil, fmt.Errorf("need at least one node, got %d", nodes)
	}
	if pages <= dmaPages+uint64(nodes) {
		return nil, fmt.Errorf("%d pages leave no Normal memory after the %d page DMA zone", pages, dmaPages)
	}

	regions := []kmem.Region{{Start: 0, End: dmaPages, Node: 0, Kind: kmem.ZoneDMA}}
	per := (pages - dmaPages) / uint64(nodes)
	start := kmem.PFN(dmaPages)
	for n := 0; n < nodes; n++ {
		end := start + kmem.PFN(per)
		if n == nodes-1 {
			end = kmem.PFN(pages)
		}
		regions = append(regions, kmem.Region{Start: start, End: end, Node: n, Kind: kmem.ZoneNormal})
		start = end
	}
	return regions, nil
}

// newAllocator builds and initializes an allocator over the synthetic map
func newAllocator(pages uint64, nodes, cpus int) (*kmem.Allocator, error) {
	regions, err := memoryMap(pages, nodes)
	if err != nil {
		return nil, err
	}
	cpuNodes := make([]int, cpus)
	for i := range cpuNodes {
		cpuNodes[i] = i % nodes
	}
	a, err := kmem.NewAllocator(kmem.WithCPUs(cpus), kmem.WithCPUNodes(cpuNodes))
	if err != nil {
		return nil, err
	}
	if err := a.Init(regions); err != nil {
		return nil, err
	}
	return a, nil
}
