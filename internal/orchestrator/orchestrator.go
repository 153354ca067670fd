// Package orchestrator implements the Orchestrator (C12): the top-level
// driver that loads caches, resolves and builds every requested version,
// and reports a final summary.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/gccbuild/gccbuild"
	"github.com/gccbuild/gccbuild/internal/artifactcache"
	"github.com/gccbuild/gccbuild/internal/config"
	"github.com/gccbuild/gccbuild/internal/integrity"
	"github.com/gccbuild/gccbuild/internal/mirror"
	"github.com/gccbuild/gccbuild/internal/oninterrupt"
	"github.com/gccbuild/gccbuild/internal/pipeline"
	"github.com/gccbuild/gccbuild/internal/postinstall"
	"github.com/gccbuild/gccbuild/internal/prereqcache"
	"github.com/gccbuild/gccbuild/internal/probe"
	"github.com/gccbuild/gccbuild/internal/resolver"
	"github.com/gccbuild/gccbuild/internal/retry"
	"github.com/gccbuild/gccbuild/internal/scheduler"
	"github.com/gccbuild/gccbuild/internal/trace"
	"github.com/gccbuild/gccbuild/internal/verifier"
)

// Outcome is one version's final status, per spec §6/§7's summary table.
type Outcome struct {
	Version       gccbuild.GccVersion
	Success       bool
	Skipped       string // non-empty reason, e.g. "cache_hit"
	Failed        string // non-empty "kind: message" on failure
	Elapsed       time.Duration
	OOMRecoveries int // number of OOM-triggered retries absorbed before the final result, per spec §8 E5
}

// LockHeldError is returned when another instance already holds the
// single-instance flock, per spec §4.12.
type LockHeldError struct{ Path string }

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("orchestrator: lock %s already held by another gccbuild instance", e.Path)
}

// Options configures one Orchestrator run.
type Options struct {
	BuildRoot    string
	ReleasesRoot string
	TargetTriple string
	Versions     []gccbuild.GccVersion
	Config       config.BuildConfig

	// InstallOSDependencies, if non-nil, invokes the external package
	// manager collaborator before any pipeline starts, per spec §4.12.
	InstallOSDependencies func(ctx context.Context) error
}

// Orchestrator drives the process end to end.
type Orchestrator struct {
	opts Options

	lockFile *os.File
	shutdown int32
}

// New constructs an Orchestrator for opts.
func New(opts Options) *Orchestrator {
	return &Orchestrator{opts: opts}
}

func lockPath() string {
	return fmt.Sprintf("/tmp/build-gcc-%d.lock", os.Getuid())
}

// acquireLock takes an exclusive, non-blocking flock at
// /tmp/build-gcc-<uid>.lock for the process lifetime, per spec §4.12.
func (o *Orchestrator) acquireLock() error {
	path := lockPath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return xerrors.Errorf("acquireLock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return &LockHeldError{Path: path}
	}
	o.lockFile = f
	return nil
}

func (o *Orchestrator) releaseLock() {
	if o.lockFile == nil {
		return
	}
	unix.Flock(int(o.lockFile.Fd()), unix.LOCK_UN)
	o.lockFile.Close()
	os.Remove(o.lockFile.Name())
}

// RequestShutdown sets the cooperative shutdown flag observed between
// pipeline phases, per spec §4.12 (invoked from a SIGINT/SIGTERM handler).
func (o *Orchestrator) RequestShutdown() {
	atomic.StoreInt32(&o.shutdown, 1)
}

func (o *Orchestrator) shuttingDown() bool {
	return atomic.LoadInt32(&o.shutdown) != 0
}

// Run drives every requested version to completion (or cache-hit skip, or
// failure), returning per-version outcomes and the process exit code
// conventions from spec §6.
func (o *Orchestrator) Run(ctx context.Context) ([]Outcome, int, error) {
	if err := o.acquireLock(); err != nil {
		return nil, 3, err
	}
	defer o.releaseLock()

	// A second, unconditional SIGINT handler: RequestShutdown() only takes
	// effect between phases, so register a release of the flock too, in
	// case the process is killed again before an in-flight phase notices.
	oninterrupt.Register(func() {
		o.RequestShutdown()
		o.releaseLock()
	})

	samplingCtx, stopSampling := context.WithCancel(ctx)
	defer stopSampling()
	go trace.CPUEvents(samplingCtx, time.Second)
	go trace.MemEvents(samplingCtx, time.Second)

	if o.opts.InstallOSDependencies != nil {
		if err := o.opts.InstallOSDependencies(ctx); err != nil {
			return nil, 2, xerrors.Errorf("Run: install OS dependencies: %w", err)
		}
	}

	info, err := probe.Probe(ctx, o.opts.BuildRoot, len(o.opts.Versions))
	if err != nil {
		return nil, 2, xerrors.Errorf("Run: %w", err)
	}

	packagesDir := filepath.Join(o.opts.BuildRoot, "packages")
	workspaceDir := filepath.Join(o.opts.BuildRoot, "workspace")
	stateDir := filepath.Join(o.opts.BuildRoot, "state")
	prereqDir := filepath.Join(o.opts.BuildRoot, "prereq-cache")
	artifactDir := filepath.Join(o.opts.BuildRoot, "artifact-cache")
	versionCachePath := filepath.Join(o.opts.BuildRoot, ".gcc_version_cache")

	mirrors := mirror.DefaultMirrors()
	dl := mirror.New(mirrors)
	res := resolver.New(o.opts.ReleasesRoot, versionCachePath, nil)
	integ := integrity.New()
	prereqs := prereqcache.New(prereqDir, func(ctx context.Context, url, dest string) error {
		return dl.Download(ctx, url, dest)
	})
	artifacts := artifactcache.New(artifactDir)
	ramPerBuild := scheduler.RAMPerBuildMB(o.opts.Config)
	sched := scheduler.New(info.TotalRAMMB, info.LogicalCores, ramPerBuild, func() uint64 {
		fresh, err := probe.Probe(ctx, o.opts.BuildRoot, len(o.opts.Versions))
		if err != nil {
			return 0
		}
		return fresh.AvailRAMMB
	})
	retryExec := retry.New(sched)
	verify := verifier.New()

	deps := pipeline.Deps{
		Resolver:     res,
		Mirror:       dl,
		Integrity:    integ,
		Prereqs:      prereqs,
		Artifacts:    artifacts,
		Scheduler:    sched,
		Postinstall:  postinstall.New(),
		PackagesDir:  packagesDir,
		WorkspaceDir: workspaceDir,
		StateDir:     stateDir,
		ReleasesRoot: o.opts.ReleasesRoot,
		MaxRetries:   5,
	}

	outcomes := make([]Outcome, len(o.opts.Versions))
	var wg sync.WaitGroup
	for i, v := range o.opts.Versions {
		i, v := i, v
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = o.runOne(ctx, deps, sched, retryExec, verify, v)
		}()
	}
	wg.Wait()

	exitCode := 0
	for _, oc := range outcomes {
		if oc.Failed != "" {
			exitCode = 1
		}
	}
	return outcomes, exitCode, nil
}

func verifierLevel(l config.VerifyLevel) verifier.Level {
	switch l {
	case config.VerifyQuick:
		return verifier.Quick
	case config.VerifyFull:
		return verifier.Full
	default:
		return verifier.Fast
	}
}

func (o *Orchestrator) runOne(ctx context.Context, deps pipeline.Deps, sched *scheduler.Scheduler, retryExec *retry.Executor, verify *verifier.Verifier, v gccbuild.GccVersion) Outcome {
	start := time.Now()
	if o.shuttingDown() {
		return Outcome{Version: v, Skipped: "cancelled", Elapsed: time.Since(start)}
	}

	ramPerBuild := scheduler.RAMPerBuildMB(o.opts.Config)
	slot, err := sched.Acquire(ctx, v, ramPerBuild)
	if err != nil {
		return Outcome{Version: v, Failed: fmt.Sprintf("ResourceExhausted: %v", err), Elapsed: time.Since(start)}
	}
	success := false
	defer func() { slot.Complete(success, 0) }()

	p := pipeline.New(deps, v, o.opts.Config, o.opts.TargetTriple)

	oomRecoveries, err := retryExec.Retry(ctx, "build", v.String(), func(ctx context.Context) error {
		return p.Run(ctx)
	})

	if skip, ok := err.(*pipeline.SkippedCacheHit); ok {
		success = true
		return Outcome{Version: skip.Version, Skipped: "cache_hit", Elapsed: time.Since(start), OOMRecoveries: oomRecoveries}
	}
	if err != nil {
		if o.shuttingDown() {
			return Outcome{Version: v, Skipped: "cancelled", Elapsed: time.Since(start), OOMRecoveries: oomRecoveries}
		}
		return Outcome{Version: v, Failed: err.Error(), Elapsed: time.Since(start), OOMRecoveries: oomRecoveries}
	}

	if o.opts.Config.ForceRebuild {
		verify.ClearCache()
	}
	result := verify.Verify(ctx, p.State().InstallPrefix, v, verifierLevel(o.opts.Config.VerifyLevel))
	if !result.Valid {
		return Outcome{Version: v, Failed: fmt.Sprintf("verification failed at level %s", o.opts.Config.VerifyLevel), Elapsed: time.Since(start), OOMRecoveries: oomRecoveries}
	}

	success = true
	return Outcome{Version: v, Success: true, Elapsed: time.Since(start), OOMRecoveries: oomRecoveries}
}

// oomSuffix renders the "with N OOM recovery/recoveries" clause from spec
// §8 scenario E5 ("SUCCESS with 1 OOM recovery"), empty when n is 0.
func oomSuffix(n int) string {
	switch n {
	case 0:
		return ""
	case 1:
		return " with 1 OOM recovery"
	default:
		return fmt.Sprintf(" with %d OOM recoveries", n)
	}
}

// Summary renders the final per-version table from spec §6/§7: one line
// per outcome plus aggregate wall time and a PATH "next steps" block.
func Summary(outcomes []Outcome, wallTime time.Duration, color bool) string {
	var b strings.Builder
	successes := 0
	for _, oc := range outcomes {
		switch {
		case oc.Success:
			successes++
			fmt.Fprintf(&b, "GCC %s — SUCCESS%s (%s)\n", oc.Version, oomSuffix(oc.OOMRecoveries), oc.Elapsed.Round(time.Second))
		case oc.Skipped != "":
			successes++
			fmt.Fprintf(&b, "GCC %s — Skipped (%s)\n", oc.Version, oc.Skipped)
		default:
			fmt.Fprintf(&b, "GCC %s — FAILED: %s\n", oc.Version, oc.Failed)
		}
	}
	fmt.Fprintf(&b, "\n%d/%d succeeded or skipped, total wall time %s\n", successes, len(outcomes), wallTime.Round(time.Second))
	for _, oc := range outcomes {
		if oc.Success || oc.Skipped != "" {
			fmt.Fprintf(&b, "  export PATH=%s/bin:$PATH  # gcc-%s\n", config.DefaultInstallPrefix(oc.Version.String()), oc.Version)
		}
	}
	return b.String()
}

// IsTerminal reports whether fd is an interactive terminal, used to decide
// whether Summary's output should be colorized by the CLI layer.
func IsTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
