package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shenjiangwei/kmem/kmem"
)

func init() {
	kmem.SetLogLevel(kmem.LogLevelNone)
}

func TestMemoryMap(t *testing.T) {
	regions, err := memoryMap(dmaPages+3001, 3)
	require.NoError(t, err)
	require.Len(t, regions, 4)
	assert.Equal(t, kmem.ZoneDMA, regions[0].Kind)
	assert.Equal(t, kmem.PFN(dmaPages), regions[0].End)
	for i, r := range regions[1:] {
		assert.Equal(t, kmem.ZoneNormal, r.Kind)
		assert.Equal(t, i, r.Node)
		assert.Equal(t, regions[i].End, r.Start)
	}
	assert.Equal(t, kmem.PFN(dmaPages+3001), regions[3].End)

	_, err = memoryMap(dmaPages, 1)
	assert.Error(t, err)
	_, err = memoryMap(dmaPages*2, 0)
	assert.Error(t, err)
}

func TestRunIteration(t *testing.T) {
	opts := runOptions{
		pages:      dmaPages + 8192,
		nodes:      2,
		workers:    4,
		ops:        4000,
		seed:       7,
		iterations: 1,
		reserve:    8,
	}
	r, err := runIteration(opts, 1)
	require.NoError(t, err)
	assert.Equal(t, r.Allocs, r.Frees)
	assert.NotZero(t, r.Allocs)
	assert.Equal(t, r.Stats.TotalPages, r.Stats.FreePages)
	assert.Zero(t, r.Stats.Faults)
	assert.Greater(t, r.MaxUsage, 0.0)
}

func TestParseLogLevel(t *testing.T) {
	level, err := parseLogLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, kmem.LogLevelDebug, level)
	_, err = parseLogLevel("loud")
	assert.Error(t, err)
}
