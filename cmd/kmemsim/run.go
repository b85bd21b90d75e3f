package main

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/shenjiangwei/kmem/kmem"
	"github.com/shenjiangwei/kmem/mpool"
)

const (
	maxPageRequest   = 64
	maxByteRequest   = 16 << 10
	objectSize       = 256
	sampleEvery      = 256
	allocProbability = 0.6
)

// runOptions are the run command flags
type runOptions struct {
	pages      uint64
	nodes      int
	workers    int
	ops        int
	seed       int64
	iterations int
	reserve    int
}

var runOpts runOptions

func init() {
	cmd := newRunCmd()
	cmd.Flags().Uint64Var(&runOpts.pages, "pages", 262144, "Total physical pages in the synthetic map")
	cmd.Flags().IntVar(&runOpts.nodes, "nodes", 2, "NUMA nodes to spread Normal memory over")
	cmd.Flags().IntVar(&runOpts.workers, "workers", 8, "Concurrent workers, one per simulated CPU")
	cmd.Flags().IntVar(&runOpts.ops, "ops", 200000, "Operations per iteration across all workers")
	cmd.Flags().Int64Var(&runOpts.seed, "seed", 1, "Random seed")
	cmd.Flags().IntVar(&runOpts.iterations, "iterations", 1, "Iterations, each on a fresh allocator")
	cmd.Flags().IntVar(&runOpts.reserve, "reserve", 32, "Objects reserved in front of the object cache")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run concurrent allocation churn",
		Long: `The run command initializes a fresh allocator per iteration and lets
every worker mix page, huge page, byte and object allocations with frees.
Everything is freed at the end, caches are shrunk and the allocator is
checked for consistency.

Example:
  kmemsim run --pages 524288 --nodes 4 --workers 16 --ops 1000000
  kmemsim run --seed 42 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSim(runOpts)
		},
	}
}

// SimResult stores one iteration's results
type SimResult struct {
	Iteration     int
	Allocs        uint64
	Frees         uint64
	Failures      uint64
	MaxUsage      float64
	Reclaimed     uint64
	Pool          mpool.PoolStats
	Stats         kmem.Stats
	Fragmentation kmem.FragmentationReport
	TotalDuration time.Duration
}

type allocKind int

const (
	kindPages allocKind = iota
	kindHuge
	kindBytes
	kindObject
)

type handle struct {
	kind allocKind
	addr kmem.PhysAddr
	n    uint64
}

// sim holds the state shared by one iteration's workers
type sim struct {
	a    *kmem.Allocator
	pool *mpool.MemoryPool

	mu       sync.Mutex
	allocs   uint64
	frees    uint64
	failures uint64
	maxUsage float64
}

func (s *sim) alloc(v *kmem.CPUView, rng *rand.Rand) (handle, error) {
	var h handle
	var err error
	switch p := rng.Intn(100); {
	case p < 25:
		h = handle{kind: kindPages, n: uint64(rng.Intn(maxPageRequest) + 1)}
		node := kmem.AnyNode
		if rng.Intn(4) == 0 {
			node = rng.Intn(len(s.a.Nodes()))
		}
		h.addr, err = s.a.AllocatePages(h.n, 0, node)
	case p < 27:
		h = handle{kind: kindHuge, n: 1}
		h.addr, err = s.a.AllocateHugePages(1, 0, kmem.AnyNode)
	case p < 65:
		h = handle{kind: kindBytes, n: uint64(rng.Intn(maxByteRequest) + 1)}
		var flags kmem.Flags
		if rng.Intn(16) == 0 {
			flags |= kmem.FlagDMA
		}
		h.addr, err = v.Allocate(h.n, flags)
	default:
		h = handle{kind: kindObject, n: 1}
		h.addr, err = s.pool.Allocate()
	}
	return h, err
}

func (s *sim) free(v *kmem.CPUView, h handle) error {
	switch h.kind {
	case kindPages:
		return s.a.FreePages(h.addr, h.n)
	case kindHuge:
		return s.a.FreeHugePages(h.addr, h.n)
	case kindBytes:
		return v.Free(h.addr, h.n)
	}
	return s.pool.Free(h.addr)
}

func (s *sim) sample() {
	st := s.a.GetStats()
	usage := float64(st.UsedPages) / float64(st.TotalPages) * 100
	s.mu.Lock()
	if usage > s.maxUsage {
		s.maxUsage = usage
	}
	s.mu.Unlock()
}

// worker runs ops operations on one CPU and frees whatever it still holds
func (s *sim) worker(v *kmem.CPUView, rng *rand.Rand, ops int) error {
	var held []handle
	var allocs, frees, failures uint64
	defer func() {
		s.mu.Lock()
		s.allocs += allocs
		s.frees += frees
		s.failures += failures
		s.mu.Unlock()
	}()

	for i := 0; i < ops; i++ {
		if i%sampleEvery == 0 {
			s.sample()
		}
		if len(held) == 0 || rng.Float64() < allocProbability {
			h, err := s.alloc(v, rng)
			if err != nil {
				if !kmem.IsExhaustion(err) {
					return fmt.Errorf("cpu %d: %w", v.CPU(), err)
				}
				failures++
				continue
			}
			held = append(held, h)
			allocs++
			continue
		}
		idx := rng.Intn(len(held))
		h := held[idx]
		held[idx] = held[len(held)-1]
		held = held[:len(held)-1]
		if err := s.free(v, h); err != nil {
			return fmt.Errorf("cpu %d: %w", v.CPU(), err)
		}
		frees++
	}

	for _, h := range held {
		if err := s.free(v, h); err != nil {
			return fmt.Errorf("cpu %d: %w", v.CPU(), err)
		}
		frees++
	}
	return nil
}

func runIteration(opts runOptions, iteration int) (SimResult, error) {
	a, err := newAllocator(opts.pages, opts.nodes, opts.workers)
	if err != nil {
		return SimResult{}, err
	}
	id, err := a.CreateCache("sim-object", objectSize, 0, kmem.FlagBulkOps)
	if err != nil {
		return SimResult{}, err
	}
	pool, err := mpool.NewMemoryPool(mpool.FromCache(a, id), opts.reserve)
	if err != nil {
		return SimResult{}, err
	}
	s := &sim{a: a, pool: pool}

	startTime := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, opts.workers)
	for w := 0; w < opts.workers; w++ {
		v, err := a.OnCPU(w)
		if err != nil {
			return SimResult{}, err
		}
		ops := opts.ops / opts.workers
		if w < opts.ops%opts.workers {
			ops++
		}
		rng := rand.New(rand.NewSource(opts.seed + int64(iteration)*int64(opts.workers) + int64(w)))
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			errs[w] = s.worker(v, rng, ops)
		}(w)
	}
	wg.Wait()
	duration := time.Since(startTime)
	for _, err := range errs {
		if err != nil {
			return SimResult{}, err
		}
	}

	poolStats := pool.Stats()
	if err := pool.Close(); err != nil {
		return SimResult{}, err
	}
	if err := a.DestroyCache(id); err != nil {
		return SimResult{}, err
	}
	reclaimed := a.EmergencyShrink()
	if err := a.CheckConsistency(); err != nil {
		return SimResult{}, fmt.Errorf("iteration %d: %w", iteration, err)
	}

	return SimResult{
		Iteration:     iteration,
		Allocs:        s.allocs,
		Frees:         s.frees,
		Failures:      s.failures,
		MaxUsage:      s.maxUsage,
		Reclaimed:     reclaimed,
		Pool:          poolStats,
		Stats:         a.GetStats(),
		Fragmentation: a.AnalyzeFragmentation(),
		TotalDuration: duration,
	}, nil
}

func runSim(opts runOptions) error {
	if opts.workers <= 0 || opts.iterations <= 0 || opts.ops < 0 {
		return fmt.Errorf("workers and iterations must be positive, ops non-negative")
	}
	if !jsonOut {
		fmt.Printf("Starting allocation churn with %d iterations\n", opts.iterations)
		fmt.Printf("  Memory: %d pages (%d MB) on %d nodes\n", opts.pages, opts.pages*kmem.PageSize>>20, opts.nodes)
		fmt.Printf("  Workers: %d, operations: %d, seed: %d\n", opts.workers, opts.ops, opts.seed)
		fmt.Println()
	}

	var results []SimResult
	for i := 1; i <= opts.iterations; i++ {
		result, err := runIteration(opts, i)
		if err != nil {
			return err
		}
		results = append(results, result)
		if !jsonOut {
			printResult(result)
		}
	}
	if jsonOut {
		return printJSON(results)
	}

	var avgUsage, avgDuration float64
	for _, r := range results {
		avgUsage += r.MaxUsage
		avgDuration += r.TotalDuration.Seconds()
	}
	avgUsage /= float64(len(results))
	avgDuration /= float64(len(results))

	fmt.Println("Average results:")
	fmt.Printf("  Average peak usage: %.2f%%\n", avgUsage)
	fmt.Printf("  Average duration: %.2f seconds\n", avgDuration)
	return nil
}

func printResult(r SimResult) {
	fmt.Printf("Iteration %d results:\n", r.Iteration)
	fmt.Printf("  Allocations: %d\n", r.Allocs)
	fmt.Printf("  Frees: %d\n", r.Frees)
	fmt.Printf("  Exhaustion failures: %d\n", r.Failures)
	fmt.Printf("  Peak usage: %.2f%%\n", r.MaxUsage)
	fmt.Printf("  Cache hit rate: %.2f%%\n", r.Stats.CacheHitRate*100)
	fmt.Printf("  Reserve pool: %v\n", r.Pool)
	fmt.Printf("  Pages reclaimed by shrink: %d\n", r.Reclaimed)
	fmt.Printf("  Free pages: %d / %d\n", r.Stats.FreePages, r.Stats.TotalPages)
	fmt.Printf("  Fragmentation score: %.2f\n", r.Fragmentation.Score)
	fmt.Printf("  Duration: %v\n", r.TotalDuration)
	for _, z := range r.Stats.Zones {
		fmt.Printf("    zone %d %-7v node %d: %d allocs, %d frees, %d splits, %d merges\n",
			z.ID, z.Kind, z.Node, z.Allocs, z.Frees, z.Splits, z.Merges)
	}
	fmt.Println()
}
