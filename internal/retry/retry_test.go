package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsOOM(t *testing.T) {
	cases := map[string]bool{
		"gcc: Killed":                     true,
		"cc1plus: out of memory allocating 64000 bytes": true,
		"virtual memory exhausted: Cannot allocate memory": true,
		"connection reset by peer":        false,
		"configure: error: C compiler cannot create executables": false,
	}
	for msg, want := range cases {
		if got := IsOOM(msg); got != want {
			t.Errorf("IsOOM(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	if Classify("Killed") != ClassOOM {
		t.Error("Classify(Killed) should be ClassOOM")
	}
	if Classify("dial tcp: i/o timeout") != ClassNetwork {
		t.Error("Classify(timeout) should be ClassNetwork")
	}
	if Classify("configure: error: unrecognized option") != ClassDefault {
		t.Error("Classify(unrelated) should be ClassDefault")
	}
}

type fakeScheduler struct{ reductions int }

func (f *fakeScheduler) ReduceCapacity() { f.reductions++ }

// shortenDelays replaces the OOM and network pauses with 1 ms and returns a
// func that restores them.
func shortenDelays() func() {
	oom, cooldown, network := oomDelay, oomCooldown, networkDelay
	oomDelay, oomCooldown, networkDelay = time.Millisecond, time.Millisecond, time.Millisecond
	return func() { oomDelay, oomCooldown, networkDelay = oom, cooldown, network }
}

func TestRetrySucceedsWithoutRetrying(t *testing.T) {
	e := New(nil)
	calls := 0
	oomRecoveries, err := e.Retry(context.Background(), "configure", "13.2.0", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if oomRecoveries != 0 {
		t.Errorf("oomRecoveries = %d, want 0", oomRecoveries)
	}
}

func TestRetryOOMThenSucceedReportsOneRecovery(t *testing.T) {
	sched := &fakeScheduler{}
	e := New(sched)

	// oomDelay/oomCooldown would otherwise block for 90s; shortening them
	// lets the retry after the OOM-classified attempt run right away.
	defer shortenDelays()()
	ctx := context.Background()

	calls := 0
	oomRecoveries, err := e.Retry(ctx, "build", "13.2.0", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("cc1plus: Killed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (one OOM failure then a success)", calls)
	}
	if oomRecoveries != 1 {
		t.Errorf("oomRecoveries = %d, want 1", oomRecoveries)
	}
	if sched.reductions != 1 {
		t.Errorf("ReduceCapacity calls = %d, want 1", sched.reductions)
	}
}

func TestRetryOOMReducesSchedulerCapacity(t *testing.T) {
	sched := &fakeScheduler{}
	e := New(sched)
	e.OnAttempt = func(op, version string, attempt int, class Class, delay time.Duration) {
		// Shrink the real sleep durations so the test doesn't block for
		// minutes: this hook fires before Retry sleeps, so we can't
		// change the delay itself, but we do assert classification here.
		if class != ClassOOM {
			t.Errorf("attempt %d classified %v, want ClassOOM", attempt, class)
		}
	}

	// Use a short-lived context so Retry's sleeps are cut short by
	// ctx.Done() rather than the test waiting out the full 60s OOM delay.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := e.Retry(ctx, "compile", "13.2.0", func(ctx context.Context) error {
		return errors.New("cc1plus: Killed")
	})
	if err == nil {
		t.Fatal("Retry: want error")
	}
	if sched.reductions == 0 {
		t.Error("ReduceCapacity was never called on OOM")
	}
}

func TestRetryDownloadGetsFiveAttempts(t *testing.T) {
	if !IsDownload("download-tarball") {
		t.Error("IsDownload(download-tarball) = false, want true")
	}
	e := New(nil)
	calls := 0
	// Shortening the 5 s network pause keeps the test from blocking for
	// ~20 s while every attempt still runs.
	defer shortenDelays()()
	ctx := context.Background()
	_, _ = e.Retry(ctx, "download-tarball", "13.2.0", func(ctx context.Context) error {
		calls++
		return errors.New("dial tcp: i/o timeout")
	})
	if calls < networkMaxAttempts {
		t.Errorf("calls = %d, want at least %d", calls, networkMaxAttempts)
	}
	if calls > networkMaxAttempts {
		t.Errorf("calls = %d, want at most %d", calls, networkMaxAttempts)
	}
}
