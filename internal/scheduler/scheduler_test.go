package scheduler

import (
	"context"
	"testing"

	"github.com/gccbuild/gccbuild"
	"github.com/gccbuild/gccbuild/internal/config"
)

func TestDetermineStrategy(t *testing.T) {
	cases := []struct {
		ramMB uint64
		cores int
		want  Strategy
	}{
		{4000, 4, Conservative},
		{16000, 8, Balanced},
		{40000, 20, Aggressive},
		{40000, 4, Conservative}, // cores<=4 forces Conservative regardless of RAM
	}
	for _, tc := range cases {
		if got := DetermineStrategy(tc.ramMB, tc.cores); got != tc.want {
			t.Errorf("DetermineStrategy(%d, %d) = %s, want %s", tc.ramMB, tc.cores, got, tc.want)
		}
	}
}

func TestRAMPerBuildMB(t *testing.T) {
	base := RAMPerBuildMB(config.BuildConfig{OptimizationLevel: config.O0})
	if base != baseRAMPerBuildMB {
		t.Errorf("RAMPerBuildMB(O0) = %d, want %d", base, baseRAMPerBuildMB)
	}
	withAll := RAMPerBuildMB(config.BuildConfig{OptimizationLevel: config.Ofast, EnableMultilib: true, StaticBuild: true})
	want := uint64(baseRAMPerBuildMB + 1000 + 1000 + 500)
	if withAll != want {
		t.Errorf("RAMPerBuildMB(multilib+ofast+static) = %d, want %d", withAll, want)
	}
}

func TestAcquireAndCompleteRoundTrip(t *testing.T) {
	s := New(16000, 8, RAMPerBuildMB(config.BuildConfig{}), func() uint64 { return 16000 })
	v := gccbuild.GccVersion{Major: 13, Minor: 2, Patch: 0, Full: "13.2.0"}

	slot, err := s.Acquire(context.Background(), v, 3000)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if s.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", s.ActiveCount())
	}
	slot.Complete(true, 2500)
	if s.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0 after Complete", s.ActiveCount())
	}
	summary := s.CompletedSummary()
	if len(summary) != 1 || !summary[0].Success {
		t.Errorf("CompletedSummary() = %+v, want one successful entry", summary)
	}
}

func TestUpdatePhaseIgnoresOutOfOrder(t *testing.T) {
	s := New(16000, 8, RAMPerBuildMB(config.BuildConfig{}), func() uint64 { return 16000 })
	v := gccbuild.GccVersion{Major: 13, Minor: 2, Patch: 0, Full: "13.2.0"}
	slot, err := s.Acquire(context.Background(), v, 100)
	if err != nil {
		t.Fatal(err)
	}
	defer slot.Complete(true, 0)

	s.UpdatePhase(v, Compile)
	s.UpdatePhase(v, Download) // out of order, must be ignored

	s.mu.Lock()
	got := s.active[v.Major].CurrentPhase
	s.mu.Unlock()
	if got != Compile {
		t.Errorf("CurrentPhase = %s, want Compile (out-of-order update should be ignored)", got)
	}
}

func TestOptimalJobsClampedToCores(t *testing.T) {
	s := New(16000, 4, RAMPerBuildMB(config.BuildConfig{}), func() uint64 { return 16000 })
	got := s.OptimalJobs(Compile, 64, 16000)
	if got > 4 {
		t.Errorf("OptimalJobs() = %d, want <= logical_cores (4)", got)
	}
	if got < 1 {
		t.Errorf("OptimalJobs() = %d, want >= 1", got)
	}
}

// assertSemAvailable checks that exactly want permits remain available on
// s.sem: acquiring want must succeed, and acquiring one more must fail.
// Any permits actually acquired here are released back before returning.
func assertSemAvailable(t *testing.T, s *Scheduler, want int64) {
	t.Helper()
	if want > 0 && !s.sem.TryAcquire(want) {
		t.Fatalf("sem: expected %d available permits, acquiring %d failed", want, want)
	}
	if s.sem.TryAcquire(1) {
		s.sem.Release(1)
		s.sem.Release(want)
		t.Fatalf("sem: expected only %d available permits, but one more was acquirable", want)
	}
	if want > 0 {
		s.sem.Release(want)
	}
}

func TestReduceCapacityRamps(t *testing.T) {
	s := New(32000, 16, RAMPerBuildMB(config.BuildConfig{}), func() uint64 { return 32000 })
	initial := s.capacity
	s.ReduceCapacity()
	if s.capacity >= initial {
		t.Errorf("capacity after 1st OOM = %d, want < %d", s.capacity, initial)
	}
	assertSemAvailable(t, s, s.capacity)

	s.ReduceCapacity()
	assertSemAvailable(t, s, s.capacity)

	s.ReduceCapacity()
	if s.capacity != 1 {
		t.Errorf("capacity after 3rd OOM = %d, want 1 (serial)", s.capacity)
	}
	assertSemAvailable(t, s, s.capacity)
}
