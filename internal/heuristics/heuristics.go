// Package heuristics decides when an old generation cycle starts and which
// old regions are worth compacting afterwards.
package heuristics

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Pam-La/oldgen_gc/internal/region"
)

// CycleStats is reported when an old marking cycle completes.
type CycleStats struct {
	CycleID       string
	ObjectsMarked uint64
	WordsMarked   uint64
	FilledWords   uint64
	Candidates    int
	Duration      time.Duration
}

// Candidate is an old region offered for compaction after marking.
type Candidate struct {
	ID           region.ID
	LiveWords    uint64
	GarbageWords uint64
}

// Heuristics is the coordinator's policy collaborator.
type Heuristics interface {
	ShouldStartCycle() bool
	NotifyCycleComplete(stats CycleStats)
	ChooseCollectionCandidates(candidates []Candidate) []region.ID
}

// OccupancySource reports how much of the old generation is in use.
type OccupancySource interface {
	OldUsedWords() uint64
	OldCapacityWords() uint64
}

type Config struct {
	// TriggerPercent starts a cycle once old occupancy reaches it.
	TriggerPercent int
	// GarbagePercent is the minimum garbage share for a region to be chosen.
	GarbagePercent int
	// MaxCandidates caps the regions picked per cycle; 0 means no cap.
	MaxCandidates int
	Logger        *slog.Logger
}

const (
	defaultTriggerPercent = 60
	defaultGarbagePercent = 25
)

// Adaptive triggers on old occupancy or an explicit request and prefers the
// regions with the most garbage.
type Adaptive struct {
	cfg    Config
	source OccupancySource
	logger *slog.Logger

	requested atomic.Bool

	mu       sync.Mutex
	history  []CycleStats
	lastLive uint64
}

func NewAdaptive(source OccupancySource, cfg Config) *Adaptive {
	if cfg.TriggerPercent <= 0 {
		cfg.TriggerPercent = defaultTriggerPercent
	}
	if cfg.GarbagePercent <= 0 {
		cfg.GarbagePercent = defaultGarbagePercent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adaptive{
		cfg:    cfg,
		source: source,
		logger: cfg.Logger.With(slog.String("component", "heuristics")),
	}
}

// RequestCycle makes the next ShouldStartCycle return true.
func (a *Adaptive) RequestCycle() {
	a.requested.Store(true)
}

func (a *Adaptive) ShouldStartCycle() bool {
	if a.requested.Swap(false) {
		a.logger.Info("old cycle requested explicitly")
		return true
	}
	capacity := a.source.OldCapacityWords()
	if capacity == 0 {
		return false
	}
	used := a.source.OldUsedWords()
	// Live data that survived the last cycle does not count toward the trigger.
	if used <= a.lastLiveWords() {
		return false
	}
	pct := int(used * 100 / capacity)
	if pct < a.cfg.TriggerPercent {
		return false
	}
	a.logger.Info("old occupancy trigger",
		slog.Int("occupancy_percent", pct),
		slog.Int("trigger_percent", a.cfg.TriggerPercent),
	)
	return true
}

func (a *Adaptive) lastLiveWords() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastLive
}

func (a *Adaptive) NotifyCycleComplete(stats CycleStats) {
	a.mu.Lock()
	a.history = append(a.history, stats)
	a.lastLive = stats.WordsMarked
	a.mu.Unlock()
	a.logger.Info("old cycle complete",
		slog.String("cycle_id", stats.CycleID),
		slog.Uint64("words_marked", stats.WordsMarked),
		slog.Int("candidates", stats.Candidates),
		slog.Duration("duration", stats.Duration),
	)
}

// History returns the stats of every completed cycle, oldest first.
func (a *Adaptive) History() []CycleStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.history)
}

// ChooseCollectionCandidates keeps regions whose garbage share reaches the
// configured percentage, most garbage first.
func (a *Adaptive) ChooseCollectionCandidates(candidates []Candidate) []region.ID {
	picked := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		total := c.LiveWords + c.GarbageWords
		if total == 0 || c.GarbageWords*100 < uint64(a.cfg.GarbagePercent)*total {
			continue
		}
		picked = append(picked, c)
	}
	slices.SortFunc(picked, func(x, y Candidate) int {
		switch {
		case x.GarbageWords > y.GarbageWords:
			return -1
		case x.GarbageWords < y.GarbageWords:
			return 1
		}
		return int(x.ID) - int(y.ID)
	})
	if a.cfg.MaxCandidates > 0 && len(picked) > a.cfg.MaxCandidates {
		picked = picked[:a.cfg.MaxCandidates]
	}
	out := make([]region.ID, len(picked))
	for i, c := range picked {
		out[i] = c.ID
	}
	return out
}
