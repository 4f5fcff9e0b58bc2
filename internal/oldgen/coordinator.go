// Package oldgen coordinates old generation collection: it drives the
// concurrent mark cycle through its states, owns cancellation, purges the
// pre-write log before trashed regions are recycled, and keeps the old
// generation parseable by filling dead objects after a completed mark.
package oldgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Pam-La/oldgen_gc/internal/heap"
	"github.com/Pam-La/oldgen_gc/internal/heuristics"
	"github.com/Pam-La/oldgen_gc/internal/marking"
	"github.com/Pam-La/oldgen_gc/internal/region"
	"github.com/Pam-La/oldgen_gc/internal/telemetry"
)

var (
	ErrCycleDeferred    = errors.New("heuristics deferred the old cycle")
	ErrCycleInProgress  = errors.New("old cycle already in progress")
	ErrWrongState       = errors.New("operation not allowed in current state")
	ErrNotEvacuable     = errors.New("region cannot be evacuated")
	ErrMarkingCancelled = marking.ErrMarkingCancelled
)

// Safepoint parks and releases mutators around the short pauses of a cycle.
type Safepoint interface {
	Begin(ctx context.Context) error
	End()
}

type noSafepoint struct{}

func (noSafepoint) Begin(context.Context) error { return nil }
func (noSafepoint) End()                        {}

type Config struct {
	Marking marking.Config

	// EvacuationReserveRegions is how many shadow regions FILLING keeps
	// ready for compaction.
	EvacuationReserveRegions int

	Safepoint Safepoint
	Logger    *slog.Logger
}

// CycleResult describes one completed old marking cycle.
type CycleResult struct {
	ID          uuid.UUID
	Mark        marking.Result
	FilledWords uint64
	Candidates  []region.ID
	Duration    time.Duration
}

// Coordinator runs old generation cycles for one heap.
type Coordinator struct {
	*StateMachine

	cfg       Config
	logger    *slog.Logger
	heap      *heap.Heap
	dir       *region.Directory
	old       region.Generation
	alloc     region.Allocator
	shadow    *region.ShadowPool
	policy    heuristics.Heuristics
	safepoint Safepoint

	// runMu is held by whichever goroutine is running a coordinator phase.
	runMu sync.Mutex

	// trashMu serializes pre-write log purges with final mark and abandon.
	// It never waits on runMu, so trash can be recycled while a cycle runs.
	trashMu sync.Mutex

	cancelRequested atomic.Bool

	mu          sync.Mutex
	mark        *marking.Context
	cancelPhase context.CancelFunc

	// top at mark start per region, in words
	tams []atomic.Uint64

	// Fields below are only touched under runMu.
	cycleID    uuid.UUID
	cycleStart time.Time
	hasMark    bool
	candidates []region.ID
	last       CycleResult
}

// New builds a coordinator. alloc may be nil, in which case the heap itself
// supplies reserve regions.
func New(h *heap.Heap, policy heuristics.Heuristics, alloc region.Allocator, cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Marking.Logger == nil {
		cfg.Marking.Logger = cfg.Logger
	}
	if cfg.Safepoint == nil {
		cfg.Safepoint = noSafepoint{}
	}
	if alloc == nil {
		alloc = h
	}
	dir := h.Directory()
	c := &Coordinator{
		StateMachine: NewStateMachine(),
		cfg:          cfg,
		logger:       cfg.Logger.With(slog.String("component", "oldgen")),
		heap:         h,
		dir:          dir,
		old:          dir.Old(),
		alloc:        alloc,
		shadow:       region.NewShadowPool(dir),
		policy:       policy,
		safepoint:    cfg.Safepoint,
		tams:         make([]atomic.Uint64, dir.Len()),
	}
	c.Observe(func(from, to State) {
		c.logger.Info("old generation state change",
			slog.String("cycle_id", c.cycleID.String()),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})
	return c
}

// Generation returns the old generation view.
func (c *Coordinator) Generation() region.Generation {
	return c.old
}

// Contains reports whether ref lies in an old region.
func (c *Coordinator) Contains(ref heap.Ref) bool {
	return c.old.ContainsAddr(uint64(ref))
}

func (c *Coordinator) ShadowPool() *region.ShadowPool {
	return c.shadow
}

// CollectionCandidates returns the regions chosen for compaction by the last
// completed mark.
func (c *Coordinator) CollectionCandidates() []region.ID {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return append([]region.ID(nil), c.candidates...)
}

// LastCycle returns the result of the last completed cycle.
func (c *Coordinator) LastCycle() CycleResult {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.last
}

// RunCycle starts a cycle from Idle or WaitingForFill, or resumes one that
// heuristics deferred in Filling, and runs it to WaitingForEvac.
func (c *Coordinator) RunCycle(ctx context.Context) (CycleResult, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	resumed := false
	switch st := c.State(); st {
	case StateIdle, StateWaitingForFill:
		c.cancelRequested.Store(false)
		c.cycleID = uuid.New()
		c.cycleStart = time.Now()
	case StateFilling:
		resumed = true
	default:
		return CycleResult{}, fmt.Errorf("%w: %s", ErrCycleInProgress, st)
	}

	ctx, done := c.cancellable(ctx)
	if !resumed {
		c.TransitionTo(StateFilling)
	}
	ctx, span := telemetry.StartSpan(ctx, "oldgen.RunCycle",
		attribute.String("cycle_id", c.cycleID.String()),
		attribute.Bool("resumed", resumed),
	)
	res, err := c.runCycle(ctx, resumed)
	if done() && c.State() != StateIdle {
		// cancelled after the last point the cycle checks
		res, err = CycleResult{}, c.abort(ErrMarkingCancelled)
	}
	telemetry.EndSpan(span, err)
	return res, err
}

// cancellable derives a context that CancelMarking can cancel. The returned
// func ends the phase and reports whether a cancel was requested during it;
// a cancel that arrives after it has run finds no phase and cleans up itself.
func (c *Coordinator) cancellable(ctx context.Context) (context.Context, func() bool) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelPhase = cancel
	c.mu.Unlock()
	return ctx, func() bool {
		c.mu.Lock()
		c.cancelPhase = nil
		c.mu.Unlock()
		cancel()
		return c.cancelRequested.Load()
	}
}

func (c *Coordinator) runCycle(ctx context.Context, resumed bool) (CycleResult, error) {
	var filled uint64
	if !resumed {
		n, err := c.fill(ctx)
		if err != nil {
			return CycleResult{}, c.abort(err)
		}
		filled = n
	}

	if !c.policy.ShouldStartCycle() {
		telemetry.Cycles.WithLabelValues("deferred").Inc()
		c.logger.Info("old cycle deferred", slog.String("cycle_id", c.cycleID.String()))
		return CycleResult{ID: c.cycleID, FilledWords: filled}, ErrCycleDeferred
	}

	c.TransitionTo(StateBootstrapping)
	mark, err := c.bootstrap(ctx)
	if err != nil {
		return CycleResult{}, c.abort(err)
	}

	c.TransitionTo(StateMarking)
	res, err := c.concurrentMark(ctx, mark)
	if err != nil {
		return CycleResult{}, c.abort(err)
	}

	c.candidates = c.prepareRegionsAndCollectionSet()
	c.hasMark = true
	c.TransitionTo(StateWaitingForEvac)

	c.last = CycleResult{
		ID:          c.cycleID,
		Mark:        res,
		FilledWords: filled,
		Candidates:  append([]region.ID(nil), c.candidates...),
		Duration:    time.Since(c.cycleStart),
	}
	c.recordSuccessConcurrent(c.last)
	return c.last, nil
}

// fill tops up the evacuation reserve and, if a previous mark is still
// valid, coalesces dead old objects into filler.
func (c *Coordinator) fill(ctx context.Context) (uint64, error) {
	defer telemetry.ObservePhase("fill", time.Now())
	mark, err := c.newMarkContext()
	if err != nil {
		return 0, err
	}
	filled, err := c.coalesceAndFill(ctx, mark)
	if err != nil {
		return filled, err
	}
	c.topUpReserve()
	return filled, nil
}

func (c *Coordinator) newMarkContext() (*marking.Context, error) {
	mark, err := marking.NewContext(c.heap, c.shadow, c.cfg.Marking)
	if err != nil {
		return nil, fmt.Errorf("marking context: %w", err)
	}
	c.mu.Lock()
	c.mark = mark
	if c.cancelRequested.Load() {
		mark.Cancel()
	}
	c.mu.Unlock()
	return mark, nil
}

func (c *Coordinator) markContext() *marking.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mark
}

func (c *Coordinator) topUpReserve() {
	for c.shadow.Len() < c.cfg.EvacuationReserveRegions {
		id, err := c.alloc.AllocateRegion()
		if err != nil {
			c.logger.Warn("evacuation reserve short",
				slog.Int("reserve", c.shadow.Len()),
				slog.Int("want", c.cfg.EvacuationReserveRegions),
				slog.Any("error", err),
			)
			return
		}
		c.dir.SetGeneration(id, region.TagOld)
		c.shadow.PushMTSafe(id)
	}
}

// coalesceAndFill turns every unmarked object below the mark start top of
// each old region into filler. It does nothing without a completed mark.
func (c *Coordinator) coalesceAndFill(ctx context.Context, mark *marking.Context) (uint64, error) {
	if !c.hasMark || !c.old.RequiresCoalesceAndFill() {
		return 0, nil
	}
	var ids []region.ID
	c.old.ForEachRegion(func(id region.ID) {
		if !c.dir.IsShadow(id) {
			ids = append(ids, id)
		}
	})
	var filled atomic.Uint64
	err := mark.ParallelRegionIterate(ctx, ids, func(_ *marking.Manager, id region.ID) {
		limit := heap.Ref(c.dir.Start(id) + c.tams[id].Load()*region.WordSize)
		filled.Add(c.heap.Fill(id, limit))
	})
	telemetry.FilledWords.Add(float64(filled.Load()))
	if err != nil {
		return filled.Load(), err
	}
	c.hasMark = false
	c.logger.Info("old generation filled",
		slog.String("cycle_id", c.cycleID.String()),
		slog.Int("regions", len(ids)),
		slog.Uint64("filled_words", filled.Load()),
	)
	return filled.Load(), nil
}

// bootstrap resets mark state, records each region's top at mark start,
// turns on the pre-write log and allocate-black, and greys the roots.
func (c *Coordinator) bootstrap(ctx context.Context) (*marking.Context, error) {
	defer telemetry.ObservePhase("bootstrap", time.Now())
	mark := c.markContext()
	if mark == nil {
		var err error
		if mark, err = c.newMarkContext(); err != nil {
			return nil, err
		}
	}

	var ids []region.ID
	for i := range c.dir.Len() {
		id := region.ID(i)
		if c.dir.Status(id) == region.StatusOccupied {
			ids = append(ids, id)
		}
	}
	err := mark.ParallelRegionIterate(ctx, ids, func(_ *marking.Manager, id region.ID) {
		c.heap.ClearMarks(id)
		c.dir.ResetLiveWords(id)
	})
	if err != nil {
		return nil, err
	}
	c.hasMark = false

	if err := c.safepoint.Begin(ctx); err != nil {
		return nil, err
	}
	defer c.safepoint.End()
	for i := range c.tams {
		c.tams[i].Store(0)
	}
	for _, id := range ids {
		c.tams[id].Store(c.dir.Used(id))
	}
	c.heap.SATB().SetActive(true)
	c.heap.SetMarking(true)
	roots := c.heap.Roots()
	n := mark.MarkRoots(roots)
	c.logger.Debug("old marking bootstrapped",
		slog.String("cycle_id", c.cycleID.String()),
		slog.Int("roots", len(roots)),
		slog.Int("roots_marked", n),
	)
	return mark, nil
}

// concurrentMark marks alongside mutators, then finishes from the pre-write
// log with mutators parked.
func (c *Coordinator) concurrentMark(ctx context.Context, mark *marking.Context) (marking.Result, error) {
	mark.EnableSATBDrain(true)
	if _, err := mark.Mark(ctx, nil); err != nil {
		return marking.Result{}, err
	}
	if err := c.safepoint.Begin(ctx); err != nil {
		return marking.Result{}, err
	}
	defer c.safepoint.End()
	c.trashMu.Lock()
	defer c.trashMu.Unlock()
	res, err := mark.FinalMark(ctx)
	if err != nil {
		return res, err
	}
	c.heap.SATB().SetActive(false)
	c.heap.SetMarking(false)
	if err := mark.VerifyAllMarkingStacksEmpty(); err != nil {
		return res, err
	}
	mark.PrintAndResetTaskQueueStats()
	return res, nil
}

// prepareRegionsAndCollectionSet offers every marked old region to the
// heuristics as a compaction candidate.
func (c *Coordinator) prepareRegionsAndCollectionSet() []region.ID {
	var candidates []heuristics.Candidate
	c.old.ForEachRegion(func(id region.ID) {
		if c.dir.IsShadow(id) {
			return
		}
		used, live := c.dir.Used(id), c.dir.LiveWords(id)
		garbage := uint64(0)
		if used > live {
			garbage = used - live
		}
		candidates = append(candidates, heuristics.Candidate{ID: id, LiveWords: live, GarbageWords: garbage})
	})
	return c.policy.ChooseCollectionCandidates(candidates)
}

func (c *Coordinator) recordSuccessConcurrent(res CycleResult) {
	telemetry.Cycles.WithLabelValues("completed").Inc()
	telemetry.ObservePhase("cycle", c.cycleStart)
	c.policy.NotifyCycleComplete(heuristics.CycleStats{
		CycleID:       res.ID.String(),
		ObjectsMarked: res.Mark.ObjectsMarked,
		WordsMarked:   res.Mark.WordsMarked,
		FilledWords:   res.FilledWords,
		Candidates:    len(res.Candidates),
		Duration:      res.Duration,
	})
}

// abort turns a failed or cancelled phase into a return to Idle.
func (c *Coordinator) abort(err error) error {
	cancelled := c.cancelRequested.Load() ||
		errors.Is(err, marking.ErrMarkingCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
	c.abandon()
	if cancelled {
		telemetry.Cycles.WithLabelValues("cancelled").Inc()
		return fmt.Errorf("cycle %s: %w", c.cycleID, ErrMarkingCancelled)
	}
	telemetry.Cycles.WithLabelValues("failed").Inc()
	c.logger.Error("old cycle failed", slog.String("cycle_id", c.cycleID.String()), slog.Any("error", err))
	return fmt.Errorf("cycle %s: %w", c.cycleID, err)
}

// CancelMarking stops the current cycle and returns the coordinator to Idle.
// It is idempotent and may be called from any goroutine. While RunCycle or
// CoalesceAndFill runs, workers notice at their next task boundary and the
// phase unwinds itself to Idle. Otherwise the cleanup happens here, after any
// other coordinator call in progress returns, so it must not be called from a
// state observer outside those two phases.
func (c *Coordinator) CancelMarking() {
	c.cancelRequested.Store(true)
	c.mu.Lock()
	running := c.cancelPhase != nil
	if c.mark != nil {
		c.mark.Cancel()
	}
	if running {
		c.cancelPhase()
	}
	c.mu.Unlock()
	if running {
		return
	}

	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.State() == StateIdle {
		return
	}
	c.abandon()
	telemetry.Cycles.WithLabelValues("cancelled").Inc()
}

// abandon flushes and drops all marking work, turns off the barriers and
// forces Idle. runMu must be held.
func (c *Coordinator) abandon() {
	var dropped int
	if mark := c.markContext(); mark != nil {
		dropped = mark.Abandon()
	}
	log := c.heap.SATB()
	log.SetActive(false)
	c.trashMu.Lock()
	discarded := log.Abandon()
	c.trashMu.Unlock()
	c.heap.SetMarking(false)
	c.hasMark = false
	c.candidates = nil
	from := c.reset()
	c.logger.Warn("old marking cancelled",
		slog.String("cycle_id", c.cycleID.String()),
		slog.String("from", from.String()),
		slog.Int("dropped_tasks", dropped),
		slog.Int("discarded_log_entries", discarded),
	)
}

// OutstandingTasks returns the queued marking tasks of the current context.
func (c *Coordinator) OutstandingTasks() int {
	if mark := c.markContext(); mark != nil {
		return mark.OutstandingTasks()
	}
	return 0
}

// TransferPointersFromSATB purges the pre-write log of entries that point
// into trashed regions or at objects already marked. It must finish before
// trashed regions are recycled.
func (c *Coordinator) TransferPointersFromSATB() (kept, discarded int) {
	c.trashMu.Lock()
	defer c.trashMu.Unlock()
	return c.transferPointersFromSATB()
}

func (c *Coordinator) transferPointersFromSATB() (kept, discarded int) {
	var trashed, marked, invalid int
	bm := c.heap.Bitmap()
	kept, discarded = c.heap.SATB().DrainAndFilter(func(addr uint64) bool {
		id := c.dir.RegionOf(addr)
		switch {
		case id == region.Invalid:
			invalid++
			return false
		case c.dir.IsTrashed(id):
			trashed++
			return false
		case bm.IsMarked(addr):
			marked++
			return false
		}
		return true
	})
	telemetry.SATBEntriesPurged.WithLabelValues("trashed").Add(float64(trashed))
	telemetry.SATBEntriesPurged.WithLabelValues("marked").Add(float64(marked))
	telemetry.SATBEntriesPurged.WithLabelValues("invalid").Add(float64(invalid))
	c.logger.Debug("pre-write log purged",
		slog.Int("kept", kept),
		slog.Int("trashed", trashed),
		slog.Int("marked", marked),
	)
	return kept, discarded
}

// RecycleTrash purges the pre-write log and then returns trashed regions to
// the allocator. It may run in any state, including while old marking is in
// progress; it only waits for a final mark or an abandon to finish.
func (c *Coordinator) RecycleTrash(ids []region.ID) error {
	for _, id := range ids {
		if int(id) >= c.dir.Len() || !c.dir.IsTrashed(id) {
			return fmt.Errorf("recycle region %d: %w", id, region.ErrRegionNotTrash)
		}
	}
	c.trashMu.Lock()
	defer c.trashMu.Unlock()
	c.transferPointersFromSATB()
	for _, id := range ids {
		c.heap.RecycleRegion(id)
		c.tams[id].Store(0)
	}
	return nil
}

// Evacuable reports whether a region marked in the last cycle holds no live
// data and has not been allocated into since marking started, so it can be
// trashed without copying anything.
func (c *Coordinator) Evacuable(id region.ID) bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.State() != StateWaitingForEvac || c.dir.Status(id) != region.StatusOccupied {
		return false
	}
	return c.dir.LiveWords(id) == 0 && c.dir.Used(id) == c.tams[id].Load()
}

// CompleteEvacuation is called once compaction has moved everything out of
// the evacuated regions. They are trashed, the log is purged, and the regions
// are recycled. The coordinator then waits for fill if the old generation
// needs it. Every id must be a distinct occupied old region outside the
// shadow pool; otherwise nothing changes.
func (c *Coordinator) CompleteEvacuation(evacuated []region.ID) (State, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if st := c.State(); st != StateWaitingForEvac {
		return st, fmt.Errorf("complete evacuation in %s: %w", st, ErrWrongState)
	}
	if err := c.checkEvacuated(evacuated); err != nil {
		return c.State(), err
	}
	for _, id := range evacuated {
		if err := c.dir.MarkTrashed(id); err != nil {
			return c.State(), err
		}
	}
	if err := c.RecycleTrash(evacuated); err != nil {
		return c.State(), err
	}
	c.candidates = nil
	if c.hasMark && c.old.RequiresCoalesceAndFill() {
		c.TransitionTo(StateWaitingForFill)
	} else {
		c.TransitionTo(StateIdle)
	}
	return c.State(), nil
}

func (c *Coordinator) checkEvacuated(ids []region.ID) error {
	seen := make(map[region.ID]struct{}, len(ids))
	for _, id := range ids {
		if int(id) >= c.dir.Len() {
			return fmt.Errorf("region %d out of range: %w", id, ErrNotEvacuable)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("region %d listed twice: %w", id, ErrNotEvacuable)
		}
		seen[id] = struct{}{}
		if st := c.dir.Status(id); st != region.StatusOccupied {
			return fmt.Errorf("region %d is %s: %w", id, st, ErrNotEvacuable)
		}
		if c.dir.Generation(id) != region.TagOld || c.dir.IsShadow(id) {
			return fmt.Errorf("region %d is not an old region: %w", id, ErrNotEvacuable)
		}
	}
	return nil
}

// CoalesceAndFill fills dead old objects while waiting for fill, then goes
// Idle. Cancellation leaves the coordinator in Idle without a usable mark.
func (c *Coordinator) CoalesceAndFill(ctx context.Context) (uint64, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if st := c.State(); st != StateWaitingForFill {
		return 0, fmt.Errorf("coalesce and fill in %s: %w", st, ErrWrongState)
	}
	ctx, done := c.cancellable(ctx)
	defer done()
	ctx, span := telemetry.StartSpan(ctx, "oldgen.CoalesceAndFill")
	mark := c.markContext()
	if mark == nil {
		var err error
		if mark, err = c.newMarkContext(); err != nil {
			telemetry.EndSpan(span, err)
			return 0, err
		}
	}
	filled, err := c.coalesceAndFill(ctx, mark)
	if err != nil {
		err = c.abort(err)
		telemetry.EndSpan(span, err)
		return filled, err
	}
	c.TransitionTo(StateIdle)
	telemetry.EndSpan(span, nil)
	return filled, nil
}
