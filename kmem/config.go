package kmem

import (
	"fmt"
	"runtime"
)

const (
	defaultPerCPUCapacity     = 64
	defaultBatchSize          = 16
	bulkBatchMultiplier       = 4
	defaultEmptySlabRetention = 2
	defaultGlobalFreeLimit    = 256
	defaultMaxColors          = 16
	defaultNodeBalanceRatio   = 0.125
)

// Config holds the allocator tunables
type Config struct {
	// CPUs is the number of per-CPU cache slots in every slab cache
	CPUs int
	// PerCPUCapacity bounds the objects parked in one CPU's stash
	PerCPUCapacity int
	// BatchSize is the number of objects moved per refill or flush
	BatchSize int
	// EmptySlabRetention is the number of empty slabs a cache keeps before returning pages
	EmptySlabRetention int
	// GlobalFreeLimit bounds a cache's global free list
	GlobalFreeLimit int
	// MaxColors bounds the number of distinct slab colour offsets
	MaxColors int
	// NodeBalanceRatio is the free-page fraction below which a node prefers remote nodes
	NodeBalanceRatio float64
	// CPUNodes maps a CPU id to its NUMA node; nil spreads CPUs round-robin
	CPUNodes []int
	// CPUSelector returns the CPU id of the caller for methods that do not take one
	CPUSelector func() int
	// Mem backs zero-fill; nil disables FlagZero effects
	Mem PhysMem
	// FaultHandler receives consistency faults; nil logs them at fatal level and exits
	FaultHandler func(error)
}

// Option customizes allocator construction.
type Option func(*Config)

// DefaultConfig returns the tunables used when no option overrides them
func DefaultConfig() Config {
	return Config{
		CPUs:               runtime.NumCPU(),
		PerCPUCapacity:     defaultPerCPUCapacity,
		BatchSize:          defaultBatchSize,
		EmptySlabRetention: defaultEmptySlabRetention,
		GlobalFreeLimit:    defaultGlobalFreeLimit,
		MaxColors:          defaultMaxColors,
		NodeBalanceRatio:   defaultNodeBalanceRatio,
	}
}

// Validate checks the tunables for internal consistency
func (c *Config) Validate() error {
	switch {
	case c.CPUs <= 0:
		return fmt.Errorf("%w: cpus must be positive, got %d", ErrInvalidRequest, c.CPUs)
	case c.PerCPUCapacity <= 0:
		return fmt.Errorf("%w: per-cpu capacity must be positive, got %d", ErrInvalidRequest, c.PerCPUCapacity)
	case c.BatchSize <= 0 || c.BatchSize > c.PerCPUCapacity:
		return fmt.Errorf("%w: batch size must be in [1, %d], got %d", ErrInvalidRequest, c.PerCPUCapacity, c.BatchSize)
	case c.EmptySlabRetention < 0:
		return fmt.Errorf("%w: empty slab retention must not be negative", ErrInvalidRequest)
	case c.GlobalFreeLimit < c.BatchSize:
		return fmt.Errorf("%w: global free limit must be at least the batch size", ErrInvalidRequest)
	case c.MaxColors <= 0:
		return fmt.Errorf("%w: max colors must be positive", ErrInvalidRequest)
	case c.NodeBalanceRatio < 0 || c.NodeBalanceRatio > 1:
		return fmt.Errorf("%w: node balance ratio must be in [0, 1], got %v", ErrInvalidRequest, c.NodeBalanceRatio)
	}
	if c.CPUNodes != nil && len(c.CPUNodes) != c.CPUs {
		return fmt.Errorf("%w: cpu node map has %d entries for %d cpus", ErrInvalidRequest, len(c.CPUNodes), c.CPUs)
	}
	return nil
}

// WithCPUs sets the number of per-CPU slots.
func WithCPUs(n int) Option {
	return func(c *Config) {
		c.CPUs = n
	}
}

// WithPerCPUCapacity overrides the per-CPU stash bound.
func WithPerCPUCapacity(n int) Option {
	return func(c *Config) {
		c.PerCPUCapacity = n
	}
}

// WithBatchSize overrides the refill/flush transfer size.
func WithBatchSize(n int) Option {
	return func(c *Config) {
		c.BatchSize = n
	}
}

// WithEmptySlabRetention sets how many empty slabs a cache keeps.
func WithEmptySlabRetention(n int) Option {
	return func(c *Config) {
		c.EmptySlabRetention = n
	}
}

// WithGlobalFreeLimit bounds each cache's global free list.
func WithGlobalFreeLimit(n int) Option {
	return func(c *Config) {
		c.GlobalFreeLimit = n
	}
}

// WithMaxColors bounds slab colouring.
func WithMaxColors(n int) Option {
	return func(c *Config) {
		c.MaxColors = n
	}
}

// WithNodeBalanceRatio sets the remote fallback threshold.
func WithNodeBalanceRatio(r float64) Option {
	return func(c *Config) {
		c.NodeBalanceRatio = r
	}
}

// WithCPUNodes pins each CPU to a NUMA node.
func WithCPUNodes(nodes []int) Option {
	return func(c *Config) {
		c.CPUNodes = nodes
	}
}

// WithCPUSelector installs the "current CPU" lookup.
func WithCPUSelector(fn func() int) Option {
	return func(c *Config) {
		c.CPUSelector = fn
	}
}

// WithPhysMem attaches backing memory used for zero-fill.
func WithPhysMem(m PhysMem) Option {
	return func(c *Config) {
		c.Mem = m
	}
}

// WithFaultHandler installs the consistency fault escalation hook.
func WithFaultHandler(fn func(error)) Option {
	return func(c *Config) {
		c.FaultHandler = fn
	}
}
