package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Pam-La/oldgen_gc/internal/config"
	"github.com/Pam-La/oldgen_gc/internal/heap"
	"github.com/Pam-La/oldgen_gc/internal/heuristics"
	"github.com/Pam-La/oldgen_gc/internal/oldgen"
	"github.com/Pam-La/oldgen_gc/internal/region"
	"github.com/Pam-La/oldgen_gc/internal/satb"
)

type simOptions struct {
	Cycles       int
	Objects      int
	Roots        int
	Mutators     int
	Seed         uint64
	GarbageRatio float64

	// StepRate caps each mutator's steps per second.
	StepRate float64
}

const (
	maxFields       = 6
	arrayEvery      = 64
	walkDepth       = 8
	defaultStepRate = 50_000
	stepBurst       = 32
)

// safepoint parks mutators: each mutator step holds the read side.
type safepoint struct {
	mu sync.RWMutex
}

func (s *safepoint) Begin(context.Context) error {
	s.mu.Lock()
	return nil
}

func (s *safepoint) End() {
	s.mu.Unlock()
}

type simulation struct {
	cfg    config.Config
	opts   simOptions
	logger *slog.Logger

	heap   *heap.Heap
	dir    *region.Directory
	policy *heuristics.Adaptive
	coord  *oldgen.Coordinator
	sp     *safepoint

	roots []heap.Ref
	steps atomic.Uint64
}

func newSimulation(cfg config.Config, opts simOptions, logger *slog.Logger) (*simulation, error) {
	if opts.Roots < 1 || opts.Objects < opts.Roots {
		return nil, fmt.Errorf("need 1 <= roots <= objects, got roots=%d objects=%d", opts.Roots, opts.Objects)
	}
	if opts.StepRate <= 0 {
		opts.StepRate = defaultStepRate
	}
	dir, err := region.NewDirectory(cfg.RegionCount, cfg.RegionWords)
	if err != nil {
		return nil, err
	}
	log, err := satb.NewQueueSet(cfg.SATB())
	if err != nil {
		return nil, err
	}
	h := heap.New(dir, log)
	policy := heuristics.NewAdaptive(heuristics.DirectoryOccupancy{Dir: dir}, cfg.Heuristics(logger))
	sp := &safepoint{}
	s := &simulation{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		heap:   h,
		dir:    dir,
		policy: policy,
		coord:  oldgen.New(h, policy, nil, cfg.OldGen(logger, sp)),
		sp:     sp,
	}
	if err := s.populate(); err != nil {
		return nil, fmt.Errorf("populate heap: %w", err)
	}
	return s, nil
}

type slot struct {
	obj heap.Ref
	idx int
}

// populate builds a spanning tree of live objects under the roots plus a
// tangle of unreachable ones. Live objects are only ever stored into free
// slots, so every one of them stays reachable.
func (s *simulation) populate() error {
	rng := rand.New(rand.NewPCG(s.opts.Seed, s.opts.Seed*31+7))
	mut := s.heap.NewMutator()
	defer mut.Close()

	live := max(s.opts.Roots, int(float64(s.opts.Objects)*(1-s.opts.GarbageRatio)))
	var free []slot
	all := make([]heap.Ref, 0, s.opts.Objects)
	for i := range s.opts.Objects {
		n, array := 1+rng.IntN(maxFields), false
		if i%arrayEvery == arrayEvery-1 {
			n = min(s.cfg.ChunkSizeThreshold*(1+rng.IntN(4)), int(s.cfg.RegionWords)-1)
			array = true
		}
		ref, err := mut.Allocate(region.TagOld, n, array)
		if err != nil {
			return err
		}
		all = append(all, ref)

		switch {
		case i < s.opts.Roots:
			s.roots = append(s.roots, ref)
			s.heap.AddRoot(ref)
		case i < live:
			k := rng.IntN(len(free))
			parent := free[k]
			free[k] = free[len(free)-1]
			free = free[:len(free)-1]
			if err := mut.Store(parent.obj, parent.idx, ref); err != nil {
				return err
			}
		default:
			// garbage may point anywhere
			for f := range n {
				if rng.IntN(2) == 0 {
					if err := mut.Store(ref, f, all[rng.IntN(len(all))]); err != nil {
						return err
					}
				}
			}
			continue
		}
		for f := range n {
			free = append(free, slot{ref, f})
		}
	}
	return nil
}

// step walks from a random root and changes one edge on the way.
func (s *simulation) step(mut *heap.Mutator, rng *rand.Rand) {
	s.sp.mu.RLock()
	defer s.sp.mu.RUnlock()

	cur, prev := s.roots[rng.IntN(len(s.roots))], heap.Nil
	for range rng.IntN(walkDepth) {
		obj := s.heap.Lookup(cur)
		if obj == nil || obj.Len() == 0 {
			break
		}
		next, err := mut.Load(cur, rng.IntN(obj.Len()))
		if err != nil || next.IsNil() {
			break
		}
		prev, cur = cur, next
	}
	obj := s.heap.Lookup(cur)
	if obj == nil || obj.Len() == 0 {
		return
	}
	field := rng.IntN(obj.Len())
	var v heap.Ref
	switch r := rng.IntN(10); {
	case r < 4:
		fresh, err := mut.Allocate(region.TagOld, 1+rng.IntN(4), false)
		if err != nil {
			return
		}
		v = fresh
	case r < 7:
		v = heap.Nil
	default:
		v = prev
	}
	_ = mut.Store(cur, field, v)
	s.steps.Add(1)
}

func (s *simulation) mutate(ctx context.Context, id int) {
	mut := s.heap.NewMutator()
	defer mut.Close()
	rng := rand.New(rand.NewPCG(s.opts.Seed+uint64(id)+1, 99))
	lim := rate.NewLimiter(rate.Limit(s.opts.StepRate), stepBurst)
	for lim.Wait(ctx) == nil {
		s.step(mut, rng)
	}
}

// Run drives the configured number of cycles with mutators running.
func (s *simulation) Run(ctx context.Context, out io.Writer) error {
	mctx, stopMutators := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(mctx)
	for i := range s.opts.Mutators {
		g.Go(func() error {
			s.mutate(gctx, i)
			return nil
		})
	}
	defer func() {
		stopMutators()
		_ = g.Wait()
	}()

	fmt.Fprintf(out, "heap: %d regions of %s, %s objects allocated\n",
		s.dir.Len(),
		humanize.IBytes(s.dir.RegionWords()*region.WordSize),
		humanize.Comma(int64(s.opts.Objects)),
	)
	for n := 1; n <= s.opts.Cycles; n++ {
		if err := s.cycle(ctx, n, out); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "mutator steps: %s, free regions: %d\n",
		humanize.Comma(int64(s.steps.Load())), s.dir.FreeCount())
	return nil
}

func (s *simulation) cycle(ctx context.Context, n int, out io.Writer) error {
	s.policy.RequestCycle()
	res, err := s.coord.RunCycle(ctx)
	if errors.Is(err, oldgen.ErrCycleDeferred) {
		fmt.Fprintf(out, "cycle %d: deferred\n", n)
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.sp.Begin(ctx); err != nil {
		return err
	}
	var evacuated []region.ID
	for _, id := range res.Candidates {
		if s.coord.Evacuable(id) {
			evacuated = append(evacuated, id)
		}
	}
	st, err := s.coord.CompleteEvacuation(evacuated)
	s.sp.End()
	if err != nil {
		return err
	}

	var filled uint64
	if st == oldgen.StateWaitingForFill {
		if filled, err = s.coord.CoalesceAndFill(ctx); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "cycle %d [%s]: marked %s objects (%s live), %d candidates, %d regions reclaimed, %s filled, %s\n",
		n, res.ID,
		humanize.Comma(int64(res.Mark.ObjectsMarked)),
		humanize.IBytes(res.Mark.WordsMarked*region.WordSize),
		len(res.Candidates),
		len(evacuated),
		humanize.IBytes((filled+res.FilledWords)*region.WordSize),
		res.Duration.Round(time.Microsecond),
	)
	return nil
}
