// Package scheduler implements the Scheduler (C8): admission control over
// concurrent builds gated by RAM, CPU topology, and current phase
// intensity, with OOM-triggered capacity throttling.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"

	"github.com/gccbuild/gccbuild"
	"github.com/gccbuild/gccbuild/internal/config"
)

// Phase is one of the seven Build Pipeline phases, mirrored here (rather
// than imported from internal/pipeline) to keep the Scheduler free of a
// dependency on the Pipeline package, matching spec §9's acyclic-ownership
// design note (Scheduler <-> BuildSlot <-> PipelineState have no back-edges).
type Phase int

const (
	Download Phase = iota
	Extract
	Prerequisites
	Configure
	Compile
	Install
	PostInstall
)

func (p Phase) String() string {
	switch p {
	case Download:
		return "Download"
	case Extract:
		return "Extract"
	case Prerequisites:
		return "Prerequisites"
	case Configure:
		return "Configure"
	case Compile:
		return "Compile"
	case Install:
		return "Install"
	case PostInstall:
		return "PostInstall"
	}
	return "Unknown"
}

// order gives Phase its position for the "out-of-order updates are
// ignored" monotonicity rule in spec §4.8/§5.
func (p Phase) order() int { return int(p) }

// PhaseProfile drives scheduler decisions, calibrated per spec §3/§4.8 and
// exact-valued per original_source/rust/src/scheduler.rs (see DESIGN.md).
type PhaseProfile struct {
	CPUIntensity          float64
	MemoryMultiplier      float64
	IOIntensity           float64
	ParallelismEfficiency float64
	TypicalDurationPct    float64
}

var phaseProfiles = map[Phase]PhaseProfile{
	Configure:     {CPUIntensity: 0.2, MemoryMultiplier: 0.1, IOIntensity: 0.8, ParallelismEfficiency: 0.3, TypicalDurationPct: 5.0},
	Prerequisites: {CPUIntensity: 0.6, MemoryMultiplier: 0.4, IOIntensity: 0.4, ParallelismEfficiency: 0.7, TypicalDurationPct: 15.0},
	Compile:       {CPUIntensity: 0.95, MemoryMultiplier: 1.0, IOIntensity: 0.3, ParallelismEfficiency: 0.9, TypicalDurationPct: 60.0},
	Install:       {CPUIntensity: 0.1, MemoryMultiplier: 0.1, IOIntensity: 0.9, ParallelismEfficiency: 0.4, TypicalDurationPct: 5.0},
	PostInstall:   {CPUIntensity: 0.4, MemoryMultiplier: 1.2, IOIntensity: 0.7, ParallelismEfficiency: 0.2, TypicalDurationPct: 10.0},
	Download:      {CPUIntensity: 0.1, MemoryMultiplier: 0.1, IOIntensity: 0.9, ParallelismEfficiency: 0.2, TypicalDurationPct: 5.0},
	Extract:       {CPUIntensity: 0.3, MemoryMultiplier: 0.2, IOIntensity: 0.8, ParallelismEfficiency: 0.3, TypicalDurationPct: 5.0},
}

// ProfileFor returns the static PhaseProfile for p.
func ProfileFor(p Phase) PhaseProfile { return phaseProfiles[p] }

// Strategy is the scheduling strategy selected from host topology, per
// spec §4.8.
type Strategy string

const (
	Conservative Strategy = "Conservative"
	Balanced     Strategy = "Balanced"
	Aggressive   Strategy = "Aggressive"
)

// DetermineStrategy implements spec §4.8's thresholds.
func DetermineStrategy(totalRAMMB uint64, cores int) Strategy {
	if totalRAMMB < 8000 || cores <= 4 {
		return Conservative
	}
	if totalRAMMB >= 32000 && cores >= 16 {
		return Aggressive
	}
	return Balanced
}

// TargetUtilization returns the CPU-utilization ceiling for s, per spec §4.8.
func (s Strategy) TargetUtilization() float64 {
	switch s {
	case Conservative:
		return 0.70
	case Aggressive:
		return 0.95
	default:
		return 0.80
	}
}

// ramPerBuildDeltas are the optimization-level RAM deltas from
// original_source/rust/src/scheduler.rs's calculate_ram_per_build.
var ramPerBuildDeltas = map[config.OptimizationLevel]uint64{
	config.O0:    0,
	config.O1:    200,
	config.O2:    500,
	config.O3:    800,
	config.Ofast: 1000,
	config.Og:    300,
	config.Os:    200,
}

const baseRAMPerBuildMB = 3000

// RAMPerBuildMB implements spec §4.8's ram_per_build formula: base 3000MB,
// +1000 for multilib, +200..1000 by optimization level, +500 for static.
func RAMPerBuildMB(c config.BuildConfig) uint64 {
	ram := uint64(baseRAMPerBuildMB)
	if c.EnableMultilib {
		ram += 1000
	}
	ram += ramPerBuildDeltas[c.OptimizationLevel]
	if c.StaticBuild {
		ram += 500
	}
	return ram
}

// ActiveBuild tracks one in-progress pipeline under scheduler admission.
type ActiveBuild struct {
	Version         gccbuild.GccVersion
	Start           time.Time
	EstimatedRAMMB  uint64
	CurrentPhase    Phase
}

// CompletedBuild records a finished build for the scheduler's bookkeeping.
type CompletedBuild struct {
	Version  gccbuild.GccVersion
	Success  bool
	PeakRAMMB uint64
}

// ResourceExhausted is returned by Acquire when RAM does not become
// available within the wait budget.
type ResourceExhausted struct {
	Version gccbuild.GccVersion
}

func (e *ResourceExhausted) Error() string {
	return fmt.Sprintf("scheduler: resources exhausted waiting to admit GCC %s", e.Version)
}

const (
	ramWaitPoll = 10 * time.Second
	ramWaitMax  = 5 * time.Minute
)

// AvailableRAMFunc samples currently-available RAM in MB; supplied so the
// Scheduler stays decoupled from internal/probe.
type AvailableRAMFunc func() uint64

// Scheduler is the global admission core, per spec §4.8/§5. SchedulerState
// lives behind a single mutex with short critical sections (no I/O held
// while locked), per spec §5.
type Scheduler struct {
	sem            *semaphore.Weighted
	maxConcurrent  int
	logicalCores   int
	availableRAM   AvailableRAMFunc
	strategy       Strategy

	mu             sync.Mutex
	active         map[uint8]*ActiveBuild
	completed      []CompletedBuild
	capacity       int64 // current admitted capacity, may be reduced by OOM throttling
	withheld       int64 // permits already acquired-and-never-released by ReduceCapacity
	oomReductions  int
	lastGCTrigger  time.Time // global cooldown (§9 open question resolution)
}

// New constructs a Scheduler. totalRAMMB/cores describe host topology;
// ramPerBuild is used only to compute max_concurrent at construction (a
// representative BuildConfig, e.g. the first request's, per spec §4.8).
func New(totalRAMMB uint64, logicalCores int, ramPerBuildMB uint64, availableRAM AvailableRAMFunc) *Scheduler {
	ramLimited := int(float64(totalRAMMB) * 0.8 / float64(ramPerBuildMB))
	cpuLimited := logicalCores / 2
	maxConcurrent := ramLimited
	if cpuLimited < maxConcurrent {
		maxConcurrent = cpuLimited
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: maxConcurrent,
		logicalCores:  logicalCores,
		availableRAM:  availableRAM,
		strategy:      DetermineStrategy(totalRAMMB, logicalCores),
		active:        make(map[uint8]*ActiveBuild),
		capacity:      int64(maxConcurrent),
	}
}

// MaxConcurrent returns the scheduler's initial admission capacity.
func (s *Scheduler) MaxConcurrent() int { return s.maxConcurrent }

// Strategy returns the selected scheduling strategy.
func (s *Scheduler) Strategy() Strategy { return s.strategy }

// BuildSlot is an admission ticket that holds an opaque version ticket, not
// a back-pointer to the pipeline (spec §9's cyclic-reference design note).
// Nothing detects a slot dropped without Complete: it keeps its permit and
// its ActiveBuild entry, and no failure is recorded for it.
type BuildSlot struct {
	s         *Scheduler
	version   gccbuild.GccVersion
	completed bool
}

// Acquire implements spec §4.8's acquire(version): takes one permit from
// the fair (FIFO) semaphore, waiting up to ramWaitMax in ramWaitPoll
// increments if available RAM is below ram_per_build, then registers an
// ActiveBuild in phase Configure.
func (s *Scheduler) Acquire(ctx context.Context, version gccbuild.GccVersion, ramPerBuildMB uint64) (*BuildSlot, error) {
	deadline := time.Now().Add(ramWaitMax)
	for s.availableRAM != nil && s.availableRAM() < ramPerBuildMB {
		if time.Now().After(deadline) {
			return nil, &ResourceExhausted{Version: version}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ramWaitPoll):
		}
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, xerrors.Errorf("scheduler.Acquire(%s): %w", version, err)
	}

	s.mu.Lock()
	s.active[version.Major] = &ActiveBuild{
		Version:        version,
		Start:          time.Now(),
		EstimatedRAMMB: ramPerBuildMB,
		CurrentPhase:   Configure,
	}
	s.mu.Unlock()

	return &BuildSlot{s: s, version: version}, nil
}

// UpdatePhase implements spec §4.8's update_phase: applies monotonically
// in phase order, ignoring out-of-order updates, per spec §5.
func (s *Scheduler) UpdatePhase(version gccbuild.GccVersion, phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ab, ok := s.active[version.Major]
	if !ok {
		return
	}
	if phase.order() < ab.CurrentPhase.order() {
		return // out-of-order update, ignored
	}
	ab.CurrentPhase = phase
}

// ActiveCount returns the number of builds currently admitted.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// OptimalJobs implements spec §4.8's optimal_jobs: returns
// clamp(1, logical_cores, floor(base * parallelism_efficiency *
// cpu_intensity / sqrt(active_builds))), matching
// original_source/rust/src/scheduler.rs's calculate_optimal_jobs exactly.
func (s *Scheduler) OptimalJobs(phase Phase, base uint16, availableRAMMB uint64) uint16 {
	s.mu.Lock()
	active := len(s.active)
	cores := s.logicalCores
	s.mu.Unlock()

	defaultJobs := int(base)
	if defaultJobs <= 0 {
		defaultJobs = cores
		if ramBound := int(availableRAMMB / 2000); ramBound < defaultJobs {
			defaultJobs = ramBound
		}
		if defaultJobs < 1 {
			defaultJobs = 1
		}
	}

	profile := ProfileFor(phase)
	phaseAdjusted := float64(defaultJobs) * profile.ParallelismEfficiency

	// With no active build the divisor is taken as 1.
	final := phaseAdjusted * profile.CPUIntensity
	if active > 1 {
		final /= math.Sqrt(float64(active))
	}

	optimal := int(math.Floor(final))
	if optimal < 1 {
		optimal = 1
	}
	if optimal > cores {
		optimal = cores
	}
	return uint16(optimal)
}

// ReduceCapacity implements the Retry Executor's OOM-triggered throttling
// from spec §4.10: 1st OOM -> capacity*0.75, 2nd -> *0.5, 3rd+ -> serial
// (capacity 1).
func (s *Scheduler) ReduceCapacity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oomReductions++
	switch {
	case s.oomReductions == 1:
		s.capacity = int64(math.Floor(float64(s.capacity) * 0.75))
	case s.oomReductions == 2:
		s.capacity = int64(math.Floor(float64(s.capacity) * 0.5))
	default:
		s.capacity = 1
	}
	if s.capacity < 1 {
		s.capacity = 1
	}
	// Shrink the semaphore's effective weight by acquiring the freed
	// permits for the scheduler's own lifetime (never released), which is
	// the standard way to lower semaphore.Weighted's ceiling at runtime.
	// Only the incremental delta beyond what's already withheld is
	// acquired, since s.withheld permits were never given back to the
	// semaphore by an earlier call. Permits still held by running builds
	// are taken in the background as those builds release them.
	target := s.maxConcurrentRemaining()
	delta := target - s.withheld
	if delta > 0 {
		if !s.sem.TryAcquire(delta) {
			go s.sem.Acquire(context.Background(), delta)
		}
		s.withheld = target
	}
	s.lastGCTrigger = time.Now()
}

func (s *Scheduler) maxConcurrentRemaining() int64 {
	return int64(s.maxConcurrent) - s.capacity
}

// Complete releases slot's permit and moves the build from active to
// completed, per spec §4.8. Must be called exactly once; a slot dropped
// without Complete is a programming error (RAII guard contract) and the
// Orchestrator should always defer it immediately after Acquire succeeds.
func (slot *BuildSlot) Complete(success bool, peakRAMMB uint64) {
	if slot.completed {
		return
	}
	slot.completed = true
	s := slot.s
	s.mu.Lock()
	delete(s.active, slot.version.Major)
	s.completed = append(s.completed, CompletedBuild{Version: slot.version, Success: success, PeakRAMMB: peakRAMMB})
	s.mu.Unlock()
	s.sem.Release(1)
}

// Completed reports whether Complete was called.
func (slot *BuildSlot) Completed() bool { return slot.completed }

// CompletedSummary returns a stable-ordered snapshot of completed builds,
// for the Orchestrator's final report.
func (s *Scheduler) CompletedSummary() []CompletedBuild {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CompletedBuild, len(s.completed))
	copy(out, s.completed)
	sort.Slice(out, func(i, j int) bool { return out[i].Version.Major < out[j].Version.Major })
	return out
}
