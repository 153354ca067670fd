package orchestrator

import (
	"strings"
	"testing"
	"time"

	"github.com/gccbuild/gccbuild"
)

func TestAcquireLockRejectsSecondHolder(t *testing.T) {
	first := New(Options{})
	if err := first.acquireLock(); err != nil {
		t.Fatalf("first acquireLock: %v", err)
	}
	defer first.releaseLock()

	second := New(Options{})
	err := second.acquireLock()
	if _, ok := err.(*LockHeldError); !ok {
		t.Fatalf("second acquireLock() = %v, want *LockHeldError", err)
	}
}

func TestRequestShutdownIsObserved(t *testing.T) {
	o := New(Options{})
	if o.shuttingDown() {
		t.Fatal("shuttingDown() = true before RequestShutdown")
	}
	o.RequestShutdown()
	if !o.shuttingDown() {
		t.Fatal("shuttingDown() = false after RequestShutdown")
	}
}

func TestSummaryListsEachOutcome(t *testing.T) {
	outcomes := []Outcome{
		{Version: gccbuild.GccVersion{Major: 13, Minor: 2, Patch: 0, Full: "13.2.0"}, Success: true, Elapsed: 90 * time.Second},
		{Version: gccbuild.GccVersion{Major: 14, Minor: 2, Patch: 0, Full: "14.2.0"}, Skipped: "cache_hit"},
		{Version: gccbuild.GccVersion{Major: 12, Minor: 3, Patch: 0, Full: "12.3.0"}, Failed: "ChecksumMismatch: sha512 mismatch"},
	}
	out := Summary(outcomes, 2*time.Minute, false)
	for _, want := range []string{"13.2.0 — SUCCESS", "14.2.0 — Skipped (cache_hit)", "12.3.0 — FAILED: ChecksumMismatch"} {
		if !strings.Contains(out, want) {
			t.Errorf("Summary() missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "2/3 succeeded or skipped") {
		t.Errorf("Summary() missing aggregate count:\n%s", out)
	}
}
