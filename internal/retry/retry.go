// Package retry implements the Retry Executor (C10): a classifying
// exponential-backoff wrapper that also drives scheduler-wide OOM
// throttling.
package retry

import (
	"context"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// oomSubstrings is the exact six-entry list from spec §4.10 (see
// DESIGN.md's Open Question resolution: the original Rust source matches
// two additional substrings, but the spec enumerates explicitly here and
// wins).
var oomSubstrings = []string{
	"out of memory",
	"memory exhausted",
	"cannot allocate memory",
	"killed",
	"signal 9",
	"virtual memory exhausted",
}

// IsOOM reports whether msg (case-insensitively) indicates an
// out-of-memory failure, per spec §4.10.
func IsOOM(msg string) bool {
	lower := strings.ToLower(msg)
	for _, needle := range oomSubstrings {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

// Class is the error classification from spec §4.10.
type Class int

const (
	ClassDefault Class = iota
	ClassOOM
	ClassNetwork
)

// Classify inspects msg and reports the retry Class, per spec §4.10.
func Classify(msg string) Class {
	if IsOOM(msg) {
		return ClassOOM
	}
	lower := strings.ToLower(msg)
	for _, needle := range []string{"timeout", "connection reset", "connection refused", "no such host", "http", "tls handshake"} {
		if strings.Contains(lower, needle) {
			return ClassNetwork
		}
	}
	return ClassDefault
}

const (
	defaultMaxAttempts      = 3
	defaultInitialDelay     = 10 * time.Second
	defaultBackoffMultiplier = 2.0
	defaultMaxDelay         = 5 * time.Minute

	networkMaxAttempts = 5
)

// The OOM and network pauses are variables so tests can shorten them.
var (
	oomDelay     = 60 * time.Second
	oomCooldown  = 30 * time.Second
	networkDelay = 5 * time.Second
)

// CapacityReducer is implemented by the Scheduler; kept as a narrow
// interface so the Retry Executor does not import internal/scheduler
// directly, per spec §9's acyclic-dependency design note.
type CapacityReducer interface {
	ReduceCapacity()
}

// Executor runs operations with spec §4.10's retry policy.
type Executor struct {
	Scheduler CapacityReducer

	// OnAttempt, if non-nil, is invoked after every failed attempt with
	// the op name, version string, attempt number, and classified delay.
	OnAttempt func(opName, version string, attempt int, class Class, delay time.Duration)
}

// New constructs an Executor that reduces scheduler capacity on OOM.
func New(scheduler CapacityReducer) *Executor {
	return &Executor{Scheduler: scheduler}
}

// IsDownload reports whether opName names a download-phase operation,
// which gets the relaxed network retry ceiling (5 attempts) per spec
// §4.10.
func IsDownload(opName string) bool {
	return strings.Contains(strings.ToLower(opName), "download")
}

// Retry implements spec §4.10's retry(op_name, version, f): up to
// max_attempts invocations of f, exponential backoff between attempts,
// with OOM and network overrides. The returned int is the number of
// attempts classified ClassOOM, including a final one that is not retried;
// when Retry succeeds, every one of them was followed by a retry, so callers
// can report e.g. "SUCCESS with 1 OOM recovery" per spec §8 scenario E5.
func (e *Executor) Retry(ctx context.Context, opName, version string, f func(ctx context.Context) error) (int, error) {
	maxAttempts := defaultMaxAttempts
	delay := defaultInitialDelay

	var lastErr error
	var oomCount int
	for attempt := 1; ; attempt++ {
		err := f(ctx)
		if err == nil {
			return oomCount, nil
		}
		lastErr = err

		class := Classify(err.Error())
		switch class {
		case ClassOOM:
			oomCount++
			if e.Scheduler != nil {
				e.Scheduler.ReduceCapacity()
			}
			delay = oomDelay
		case ClassNetwork:
			delay = networkDelay
			if IsDownload(opName) {
				maxAttempts = networkMaxAttempts
			}
		default:
			if attempt == 1 {
				delay = defaultInitialDelay
			} else {
				delay = time.Duration(float64(delay) * defaultBackoffMultiplier)
				if delay > defaultMaxDelay {
					delay = defaultMaxDelay
				}
			}
		}

		if e.OnAttempt != nil {
			e.OnAttempt(opName, version, attempt, class, delay)
		}

		if attempt >= maxAttempts {
			return oomCount, xerrors.Errorf("retry(%s, %s): exhausted %d attempts: %w", opName, version, maxAttempts, lastErr)
		}

		select {
		case <-ctx.Done():
			return oomCount, ctx.Err()
		case <-time.After(delay):
		}
		if class == ClassOOM {
			select {
			case <-ctx.Done():
				return oomCount, ctx.Err()
			case <-time.After(oomCooldown):
			}
		}
	}
}
