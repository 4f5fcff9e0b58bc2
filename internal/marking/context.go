// Package marking drives parallel marking over the heap. A Context is built
// once per collection cycle and handed to every worker; each worker owns one
// Manager with its task queue, stats cache and counters.
package marking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Pam-La/oldgen_gc/internal/heap"
	"github.com/Pam-La/oldgen_gc/internal/markbitmap"
	"github.com/Pam-La/oldgen_gc/internal/partialarray"
	"github.com/Pam-La/oldgen_gc/internal/region"
	"github.com/Pam-La/oldgen_gc/internal/satb"
	"github.com/Pam-La/oldgen_gc/internal/taskqueue"
	"github.com/Pam-La/oldgen_gc/internal/telemetry"
)

var (
	ErrMarkingCancelled  = errors.New("marking cancelled")
	ErrStacksNotEmpty    = errors.New("marking stacks not empty")
	ErrRegionsNotEmpty   = errors.New("region stacks not empty")
	ErrStatesOutstanding = errors.New("partial array states outstanding")
)

// Config holds the marking tunables. Zero values take defaults.
type Config struct {
	Workers             int
	ChunkThreshold      int
	StatsCacheEntries   int
	QueueCapacity       uint64
	RegionQueueCapacity uint64

	// SATBBuffersPerDrain bounds how many log buffers an idle worker
	// drains before looking at its queue again.
	SATBBuffersPerDrain int

	Logger *slog.Logger
}

const (
	defaultWorkers             = 4
	defaultChunkThreshold      = 512
	defaultStatsCacheEntries   = 1024
	defaultQueueCapacity       = 1 << 14
	defaultRegionQueueCapacity = 1 << 10
	defaultSATBBuffersPerDrain = 4
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.ChunkThreshold <= 0 {
		c.ChunkThreshold = defaultChunkThreshold
	}
	if c.StatsCacheEntries <= 0 {
		c.StatsCacheEntries = defaultStatsCacheEntries
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.RegionQueueCapacity == 0 {
		c.RegionQueueCapacity = defaultRegionQueueCapacity
	}
	if c.SATBBuffersPerDrain <= 0 {
		c.SATBBuffersPerDrain = defaultSATBBuffersPerDrain
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Result summarizes the marking done through a Context so far. Counters
// accumulate across phases; Duration covers the last phase only.
type Result struct {
	ObjectsMarked uint64
	WordsMarked   uint64
	SATBEntries   uint64
	Offers        uint64
	Queue         taskqueue.Stats
	Arrays        ArrayStats
	Duration      time.Duration
}

// Context is the per-cycle marking state shared by all workers.
type Context struct {
	cfg    Config
	logger *slog.Logger

	heap   *heap.Heap
	dir    *region.Directory
	bitmap *markbitmap.Bitmap
	log    *satb.QueueSet
	shadow *region.ShadowPool

	marking *taskqueue.QueueSet[taskqueue.ScannerTask]
	regions *taskqueue.QueueSet[region.ID]
	arrays  *partialarray.Allocator
	stepper partialarray.Stepper

	managers []*Manager

	cancelled  atomic.Bool
	drainSATB  atomic.Bool
	terminator *taskqueue.Terminator
}

func NewContext(h *heap.Heap, shadow *region.ShadowPool, cfg Config) (*Context, error) {
	cfg = cfg.withDefaults()
	marking, err := taskqueue.NewQueueSet[taskqueue.ScannerTask](cfg.Workers, cfg.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("marking queues: %w", err)
	}
	regions, err := taskqueue.NewQueueSet[region.ID](cfg.Workers, cfg.RegionQueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("region queues: %w", err)
	}
	if _, err := NewStatsCache(h.Directory(), cfg.StatsCacheEntries); err != nil {
		return nil, err
	}

	c := &Context{
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("component", "marking")),
		heap:    h,
		dir:     h.Directory(),
		bitmap:  h.Bitmap(),
		log:     h.SATB(),
		shadow:  shadow,
		marking: marking,
		regions: regions,
		arrays:  partialarray.NewAllocator(),
		stepper: partialarray.NewStepper(cfg.ChunkThreshold, cfg.Workers),
	}
	c.managers = make([]*Manager, cfg.Workers)
	for i := range c.managers {
		c.managers[i] = newManager(c, i)
	}
	c.terminator = taskqueue.NewTerminator(cfg.Workers, c.hasWork)
	return c, nil
}

func (c *Context) Workers() int {
	return len(c.managers)
}

// Manager returns the manager owned by worker i.
func (c *Context) Manager(i int) *Manager {
	return c.managers[i]
}

// CoordinatorManager is the manager used when the coordinating goroutine does
// marking work itself.
func (c *Context) CoordinatorManager() *Manager {
	return c.managers[0]
}

func (c *Context) ShadowPool() *region.ShadowPool {
	return c.shadow
}

func (c *Context) Arrays() *partialarray.Allocator {
	return c.arrays
}

// Cancel asks workers to stop at their next task boundary. Idempotent and
// safe from any goroutine.
func (c *Context) Cancel() {
	c.cancelled.Store(true)
}

func (c *Context) Cancelled() bool {
	return c.cancelled.Load()
}

func (c *Context) hasWork() bool {
	if !c.marking.IsEmpty() {
		return true
	}
	return c.drainSATB.Load() && c.log.HasCompleted()
}

// EnableSATBDrain lets idle workers drain the pre-write log during Mark.
func (c *Context) EnableSATBDrain(on bool) {
	c.drainSATB.Store(on)
}

// MarkRoots marks the roots and queues them round robin across workers. It
// returns how many roots were newly marked.
func (c *Context) MarkRoots(roots []heap.Ref) int {
	for _, m := range c.managers {
		m.CreateMarkingStatsCache()
	}
	n := 0
	for i, r := range roots {
		if c.managers[i%len(c.managers)].MarkAndPush(r) {
			n++
		}
	}
	return n
}

// Mark marks everything reachable from roots plus anything found in the
// pre-write log while draining is enabled. All stats caches are flushed on
// return, including after cancellation; a cancelled phase also empties the
// queues.
func (c *Context) Mark(ctx context.Context, roots []heap.Ref) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "marking.Mark",
		attribute.Int("workers", len(c.managers)),
		attribute.Int("roots", len(roots)),
	)
	start := time.Now()

	c.MarkRoots(roots)

	c.terminator.Reset()
	g, gctx := errgroup.WithContext(ctx)
	abort := func() bool { return c.cancelled.Load() || gctx.Err() != nil }
	for _, m := range c.managers {
		g.Go(func() error {
			m.followStack(abort)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		c.Cancel()
	}

	for _, m := range c.managers {
		m.FlushAndDestroyMarkingStatsCache()
	}
	res := c.collectResult()
	res.Offers = c.terminator.Offers()
	res.Duration = time.Since(start)
	telemetry.ObservePhase("mark", start)
	telemetry.ObjectsMarked.Add(float64(res.ObjectsMarked))

	var err error
	if c.cancelled.Load() {
		dropped := c.clearQueues()
		c.logger.Warn("marking cancelled",
			slog.Int("dropped_tasks", dropped),
			slog.Uint64("objects_marked", res.ObjectsMarked),
		)
		err = ErrMarkingCancelled
	} else {
		c.logger.Debug("marking phase done",
			slog.Uint64("objects_marked", res.ObjectsMarked),
			slog.Uint64("words_marked", res.WordsMarked),
			slog.Uint64("steals", res.Queue.Steals),
			slog.Duration("duration", res.Duration),
		)
	}
	span.SetAttributes(attribute.Int64("objects_marked", int64(res.ObjectsMarked)))
	telemetry.EndSpan(span, err)
	return res, err
}

// FinalMark publishes every mutator's partial log buffer and marks to closure
// from the log. Mutators must be parked for the result to be final.
func (c *Context) FinalMark(ctx context.Context) (Result, error) {
	c.log.FlushAll()
	prev := c.drainSATB.Swap(true)
	defer c.drainSATB.Store(prev)
	return c.Mark(ctx, nil)
}

// clearQueues empties the marking queues, releasing partial array state
// references held by dropped entries. Workers must not be running.
func (c *Context) clearQueues() int {
	return c.marking.Clear(func(t taskqueue.ScannerTask) {
		if t.IsPartialArrayState() {
			c.arrays.Release(t.PartialArrayState())
		}
	})
}

// Abandon drops all queued work and flushes all caches. Used when the
// coordinator gives up on a cycle outside of an active Mark.
func (c *Context) Abandon() int {
	c.Cancel()
	for _, m := range c.managers {
		m.FlushAndDestroyMarkingStatsCache()
	}
	n := c.clearQueues()
	c.regions.Clear(nil)
	return n
}

func (c *Context) collectResult() Result {
	var res Result
	for i, m := range c.managers {
		res.ObjectsMarked += m.phase.objectsMarked
		res.WordsMarked += m.phase.wordsMarked
		res.SATBEntries += m.phase.satbEntries
		res.Queue = res.Queue.Add(c.marking.Stats(i))
		res.Arrays = res.Arrays.add(m.arrayStats())
	}
	return res
}

// OutstandingTasks returns the number of queued marking tasks.
func (c *Context) OutstandingTasks() int {
	return c.marking.Size()
}

// VerifyAllMarkingStacksEmpty checks that a finished phase left nothing behind.
func (c *Context) VerifyAllMarkingStacksEmpty() error {
	if n := c.marking.Size(); n != 0 {
		return fmt.Errorf("%w: %d tasks", ErrStacksNotEmpty, n)
	}
	if n := c.arrays.Live(); n != 0 {
		return fmt.Errorf("%w: %d", ErrStatesOutstanding, n)
	}
	return nil
}

func (c *Context) VerifyAllRegionStacksEmpty() error {
	if n := c.regions.Size(); n != 0 {
		return fmt.Errorf("%w: %d regions", ErrRegionsNotEmpty, n)
	}
	return nil
}

// PrintAndResetTaskQueueStats logs per-worker queue and array counters,
// exports them as metrics, and zeroes them.
func (c *Context) PrintAndResetTaskQueueStats() {
	for i, m := range c.managers {
		qs := c.marking.Stats(i)
		as := m.arrayStats()
		c.logger.Debug("task queue stats",
			slog.Int("worker_id", i),
			slog.Uint64("pushes", qs.Pushes),
			slog.Uint64("pops", qs.Pops),
			slog.Uint64("overflows", qs.Overflows),
			slog.Uint64("steal_attempts", qs.StealAttempts),
			slog.Uint64("steals", qs.Steals),
			slog.Uint64("array_chunk_pushes", as.ChunkPushes),
			slog.Uint64("array_chunk_steals", as.ChunkSteals),
			slog.Uint64("arrays_chunked", as.ArraysChunked),
			slog.Uint64("array_chunks_processed", as.ChunksProcessed),
		)
		telemetry.TaskQueueEvents.WithLabelValues("push").Add(float64(qs.Pushes))
		telemetry.TaskQueueEvents.WithLabelValues("pop").Add(float64(qs.Pops))
		telemetry.TaskQueueEvents.WithLabelValues("overflow").Add(float64(qs.Overflows))
		telemetry.TaskQueueEvents.WithLabelValues("overflow_pop").Add(float64(qs.OverflowPops))
		telemetry.TaskQueueEvents.WithLabelValues("steal_attempt").Add(float64(qs.StealAttempts))
		telemetry.TaskQueueEvents.WithLabelValues("steal").Add(float64(qs.Steals))
		telemetry.ArraysChunked.Add(float64(as.ArraysChunked))
		telemetry.ArrayChunksProcessed.Add(float64(as.ChunksProcessed))
		m.resetArrayStats()
	}
	c.marking.ResetStats()
}
