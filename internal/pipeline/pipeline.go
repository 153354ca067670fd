// Package pipeline implements the Build Pipeline (C7): the per-request
// state machine driving a GCC build through its seven phases.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/gccbuild/gccbuild"
	"github.com/gccbuild/gccbuild/internal/artifactcache"
	"github.com/gccbuild/gccbuild/internal/config"
	"github.com/gccbuild/gccbuild/internal/integrity"
	"github.com/gccbuild/gccbuild/internal/mirror"
	"github.com/gccbuild/gccbuild/internal/postinstall"
	"github.com/gccbuild/gccbuild/internal/prereqcache"
	"github.com/gccbuild/gccbuild/internal/resolver"
	"github.com/gccbuild/gccbuild/internal/scheduler"
	"github.com/gccbuild/gccbuild/internal/trace"
)

// Phase re-exports scheduler.Phase so callers need not import both
// packages for the common case of naming a phase.
type Phase = scheduler.Phase

const (
	Download      = scheduler.Download
	Extract       = scheduler.Extract
	Prerequisites = scheduler.Prerequisites
	Configure     = scheduler.Configure
	Compile       = scheduler.Compile
	Install       = scheduler.Install
	PostInstall   = scheduler.PostInstall
)

var phaseOrder = []Phase{Download, Extract, Prerequisites, Configure, Compile, Install, PostInstall}

// Status is a PhaseState.status value, per spec §3/§6.
type Status string

const (
	NotStarted Status = "NotStarted"
	InProgress Status = "InProgress"
	Completed  Status = "Completed"
	Failed     Status = "Failed"
)

// PhaseState is one entry of PipelineState.phase_states, per spec §3.
type PhaseState struct {
	Status      Status            `json:"status"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       string            `json:"error,omitempty"`
	Checkpoints map[string]string `json:"checkpoints,omitempty"`
}

// State is PipelineState, per spec §3: exclusively owned by its running
// pipeline, serialized to disk on every phase transition so another
// process can observe progress but never write it (spec §5 ownership).
type State struct {
	Version       string                `json:"version"`
	ConfigHash    string                `json:"config_hash"`
	Phases        map[string]*PhaseState `json:"phases"`
	StartedAt     time.Time             `json:"started_at"`
	LastUpdated   time.Time             `json:"last_updated"`
	BuildDir      string                `json:"build_dir"`
	InstallPrefix string                `json:"install_prefix"`
}

func newState(version gccbuild.GccVersion, cfgHash, buildDir, installPrefix string) *State {
	phases := make(map[string]*PhaseState, len(phaseOrder))
	for _, p := range phaseOrder {
		phases[p.String()] = &PhaseState{Status: NotStarted}
	}
	now := time.Now()
	return &State{
		Version:       version.String(),
		ConfigHash:    cfgHash,
		Phases:        phases,
		StartedAt:     now,
		LastUpdated:   now,
		BuildDir:      buildDir,
		InstallPrefix: installPrefix,
	}
}

func (s *State) statePath(stateDir string) string {
	return filepath.Join(stateDir, fmt.Sprintf("pipeline-%s.json", strings.ReplaceAll(s.Version, "/", "_")))
}

// loadState reads a previously persisted PipelineState for version from
// stateDir, per spec §9's "resumption is trivial" design note. It is only
// reused when its config_hash matches cfgHash exactly: a changed config
// invalidates any prior progress, so the pipeline starts over from
// Download rather than resuming under stale configure/compile flags.
func loadState(stateDir string, version gccbuild.GccVersion, cfgHash string) *State {
	path := (&State{Version: version.String()}).statePath(stateDir)
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	if s.Version != version.String() || s.ConfigHash != cfgHash {
		return nil
	}
	for _, p := range phaseOrder {
		if s.Phases[p.String()] == nil {
			return nil
		}
	}
	return &s
}

func (s *State) persist(stateDir string) error {
	s.LastUpdated = time.Now()
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return err
	}
	t, err := renameio.TempFile("", s.statePath(stateDir))
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if _, err := t.Write(b); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

// SkippedCacheHit is returned by Run when the Artifact Cache already holds
// a build satisfying the request; no phase other than the reported
// transition runs.
type SkippedCacheHit struct {
	Version gccbuild.GccVersion
}

func (e *SkippedCacheHit) Error() string {
	return fmt.Sprintf("gcc %s: skipped, satisfied by artifact cache", e.Version)
}

// ConfigureError is surfaced on a non-zero exit from configure, per spec
// §4.7 step 4.
type ConfigureError struct {
	Version    gccbuild.GccVersion
	LogPointer string
}

func (e *ConfigureError) Error() string {
	return fmt.Sprintf("gcc %s: configure failed, see %s", e.Version, e.LogPointer)
}

// Deps bundles the collaborators a Pipeline drives, per spec §4.7's
// component references (C3-C6, C8, C11).
type Deps struct {
	Resolver     *resolver.Resolver
	Mirror       *mirror.Downloader
	Integrity    *integrity.Engine
	Prereqs      *prereqcache.Cache
	Artifacts    *artifactcache.Cache
	Scheduler    *scheduler.Scheduler
	Postinstall  *postinstall.Finalizer

	PackagesDir  string // holds downloaded tarballs
	WorkspaceDir string // holds extracted sources and build-gcc/
	StateDir     string // holds pipeline-<version>.json state files
	ReleasesRoot string // base URL for checksum/signature lookups

	MaxRetries int // download retry ceiling, default 5 per spec §9 override
	CudaRoot   string
}

// Pipeline drives one BuildRequest through its seven phases.
type Pipeline struct {
	deps    Deps
	version gccbuild.GccVersion
	cfg     config.BuildConfig
	target  string
	state   *State

	phaseEvent *trace.PendingEvent
}

// New constructs a Pipeline for version/cfg/targetTriple, resuming from a
// persisted PipelineState on disk when one exists for the same version and
// config (spec §1/§4.7/§9 resumability), unless force_rebuild is set.
func New(deps Deps, version gccbuild.GccVersion, cfg config.BuildConfig, targetTriple string) *Pipeline {
	cfgHash := config.ConfigHash(cfg, targetTriple)
	buildDir := filepath.Join(deps.WorkspaceDir, "gcc-"+version.String(), "build-gcc")
	prefix := cfg.InstallPrefix
	if prefix == "" {
		prefix = config.DefaultInstallPrefix(version.String())
	}

	state := newState(version, cfgHash, buildDir, prefix)
	if !cfg.ForceRebuild && deps.StateDir != "" {
		if loaded := loadState(deps.StateDir, version, cfgHash); loaded != nil {
			state = loaded
		}
	}

	return &Pipeline{
		deps:    deps,
		version: version,
		cfg:     cfg,
		target:  targetTriple,
		state:   state,
	}
}

// State returns a shallow copy of the pipeline's PipelineState. The copy
// shares its Phases map with the pipeline, which Run updates, so it is safe
// to read only while Run is not executing.
func (p *Pipeline) State() State { return *p.state }

func (p *Pipeline) beginPhase(phase Phase) {
	if p.deps.Scheduler != nil {
		// Reported before executing the phase, per spec §4.7's
		// "before executing that phase" ordering rule.
		p.deps.Scheduler.UpdatePhase(p.version, phase)
	}
	p.phaseEvent = trace.Event(fmt.Sprintf("gcc-%s:%s", p.version, phase), int(p.version.Major))
	ps := p.state.Phases[phase.String()]
	now := time.Now()
	ps.Status = InProgress
	ps.StartedAt = &now
	ps.Error = ""
	p.state.persist(p.deps.StateDir)
}

func (p *Pipeline) completePhase(phase Phase) {
	if p.phaseEvent != nil {
		p.phaseEvent.Done()
		p.phaseEvent = nil
	}
	ps := p.state.Phases[phase.String()]
	now := time.Now()
	ps.Status = Completed
	ps.CompletedAt = &now
	p.state.persist(p.deps.StateDir)
}

func (p *Pipeline) failPhase(phase Phase, err error) {
	if p.phaseEvent != nil {
		p.phaseEvent.Done()
		p.phaseEvent = nil
	}
	ps := p.state.Phases[phase.String()]
	now := time.Now()
	ps.Status = Failed
	ps.CompletedAt = &now
	ps.Error = err.Error()
	p.state.persist(p.deps.StateDir)
}

// Run executes all seven phases in order, short-circuiting on an Artifact
// Cache hit (unless force_rebuild) and persisting PipelineState before and
// after every transition, per spec §4.7.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.cfg.ForceRebuild && p.deps.Artifacts != nil {
		if _, ok := p.deps.Artifacts.Lookup(p.version.String(), p.cfg, p.target); ok {
			for _, ph := range phaseOrder {
				p.state.Phases[ph.String()].Status = Completed
			}
			p.state.persist(p.deps.StateDir)
			return &SkippedCacheHit{Version: p.version}
		}
	}

	steps := []func(context.Context) error{
		p.runDownload,
		p.runExtract,
		p.runPrerequisites,
		p.runConfigure,
		p.runCompile,
		p.runInstall,
		p.runPostInstall,
	}
	// Resume past phases the persisted state already reports Completed
	// (spec §9: "resumption is trivial -- picking up at phase k is just
	// advancing the index after loading state"), so a retried Run after a
	// mid-build failure does not repeat finished phases, re-download an
	// already-verified tarball, or wipe out Configure/Compile progress.
	start := 0
	for i, ph := range phaseOrder {
		if p.state.Phases[ph.String()].Status != Completed {
			break
		}
		start = i + 1
	}
	for i := start; i < len(steps); i++ {
		phase := phaseOrder[i]
		step := steps[i]
		p.beginPhase(phase)
		if err := step(ctx); err != nil {
			p.failPhase(phase, err)
			return xerrors.Errorf("pipeline(gcc %s, %s): %w", p.version, phase, err)
		}
		p.completePhase(phase)
	}
	return nil
}

func (p *Pipeline) tarballPath() string {
	return filepath.Join(p.deps.PackagesDir, fmt.Sprintf("gcc-%s.tar.xz", p.version.String()))
}

// runDownload implements spec §4.7 step 1.
func (p *Pipeline) runDownload(ctx context.Context) error {
	if p.version.IsUnresolved() && p.deps.Resolver != nil {
		resolved, err := p.deps.Resolver.ResolveLatest(ctx, p.version.Major)
		if err != nil {
			return xerrors.Errorf("runDownload: %w", err)
		}
		p.version = resolved
	}

	dest := p.tarballPath()
	if fi, err := os.Stat(dest); err == nil && fi.Size() > integrity.MinAcceptedSizeBytes && integrity.TarListable(ctx, dest) {
		return nil
	}

	relPath := fmt.Sprintf("gcc-%s/gcc-%s.tar.xz", p.version.String(), p.version.String())
	maxRetries := p.deps.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := p.deps.Mirror.Download(ctx, relPath, dest); err != nil {
			lastErr = err
			continue
		}
		ok, err := p.deps.Integrity.Verify(ctx, integrity.VerifyOptions{
			Path:         dest,
			Major:        p.version.Major,
			ChecksumURL:  p.deps.ReleasesRoot + relPath + ".sha512.sum",
			SignatureURL: p.deps.ReleasesRoot + relPath + ".sig",
			SkipChecksum: p.cfg.SkipChecksum,
		})
		if err != nil {
			lastErr = err
			continue
		}
		if !ok {
			os.Remove(dest)
			lastErr = xerrors.Errorf("checksum/signature mismatch for %s", dest)
			continue
		}
		fi, err := os.Stat(dest)
		if err != nil {
			lastErr = err
			continue
		}
		if fi.Size() <= integrity.MinAcceptedSizeBytes {
			os.Remove(dest)
			lastErr = xerrors.Errorf("downloaded %s is only %d bytes, below the %d byte floor", dest, fi.Size(), integrity.MinAcceptedSizeBytes)
			continue
		}
		if !integrity.TarListable(ctx, dest) {
			os.Remove(dest)
			lastErr = xerrors.Errorf("downloaded %s is not tar-listable", dest)
			continue
		}
		return nil
	}
	return xerrors.Errorf("runDownload(gcc %s): exhausted %d attempts: %w", p.version, maxRetries, lastErr)
}

// runExtract implements spec §4.7 step 2.
func (p *Pipeline) runExtract(ctx context.Context) error {
	srcDir := filepath.Join(p.deps.WorkspaceDir, "gcc-"+p.version.String())
	os.RemoveAll(srcDir)
	if err := os.MkdirAll(p.deps.WorkspaceDir, 0755); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "tar", "xf", p.tarballPath(), "-C", p.deps.WorkspaceDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return xerrors.Errorf("runExtract(gcc %s): tar: %v: %s", p.version, err, out)
	}
	return nil
}

// runPrerequisites implements spec §4.7 step 3.
func (p *Pipeline) runPrerequisites(ctx context.Context) error {
	srcDir := filepath.Join(p.deps.WorkspaceDir, "gcc-"+p.version.String())
	return p.deps.Prereqs.Ensure(ctx, srcDir)
}

// runConfigure implements spec §4.7 step 4 / §4.7.1.
func (p *Pipeline) runConfigure(ctx context.Context) error {
	srcDir := filepath.Join(p.deps.WorkspaceDir, "gcc-"+p.version.String())
	buildDir := p.state.BuildDir
	os.RemoveAll(buildDir)
	if err := os.MkdirAll(buildDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(p.state.InstallPrefix, 0755); err != nil {
		return err
	}

	args, err := configureArgs(p.version, p.cfg, p.target, p.state.InstallPrefix)
	if err != nil {
		return err
	}

	jobs := 1
	if p.deps.Scheduler != nil {
		jobs = int(p.deps.Scheduler.OptimalJobs(Configure, p.cfg.ParallelJobs, 4096))
	}
	env := buildEnvironment(p.cfg, jobs, p.target, p.deps.WorkspaceDir)

	cmd := exec.CommandContext(ctx, filepath.Join("..", "configure"), args...)
	cmd.Dir = buildDir
	cmd.Env = env
	logPath := filepath.Join(buildDir, "config.log")
	out, err := cmd.CombinedOutput()
	ioutil.WriteFile(filepath.Join(buildDir, "configure-output.log"), out, 0644)
	if err != nil {
		return &ConfigureError{Version: p.version, LogPointer: logPath}
	}
	return nil
}

// runCompile implements spec §4.7 step 5: retries once with -j1 on a
// parallelism-looking failure; OOM evidence is left for the Retry
// Executor layered above the pipeline (see internal/retry).
func (p *Pipeline) runCompile(ctx context.Context) error {
	jobs := 1
	if p.deps.Scheduler != nil {
		jobs = int(p.deps.Scheduler.OptimalJobs(Compile, p.cfg.ParallelJobs, 4096))
	}
	out, err := p.make(ctx, jobs)
	if err == nil {
		return nil
	}
	if looksLikeParallelismBug(out) && !looksLikeOOM(out) {
		out2, err2 := p.make(ctx, 1)
		if err2 == nil {
			return nil
		}
		return xerrors.Errorf("runCompile(gcc %s): retry -j1 failed: %v: %s", p.version, err2, out2)
	}
	return xerrors.Errorf("runCompile(gcc %s): %v: %s", p.version, err, out)
}

func (p *Pipeline) make(ctx context.Context, jobs int) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "make", fmt.Sprintf("-j%d", jobs))
	cmd.Dir = p.state.BuildDir
	cmd.Env = buildEnvironment(p.cfg, jobs, p.target, p.deps.WorkspaceDir)
	return cmd.CombinedOutput()
}

func looksLikeParallelismBug(out []byte) bool {
	s := strings.ToLower(string(out))
	return strings.Contains(s, "no rule to make target") || strings.Contains(s, "missing separator") ||
		strings.Contains(s, "jobserver")
}

// looksLikeOOM mirrors the Retry Executor's OOM substring classifier
// (internal/retry) so the pipeline itself never retries into an OOM.
func looksLikeOOM(out []byte) bool {
	s := strings.ToLower(string(out))
	for _, needle := range []string{
		"out of memory", "memory exhausted", "cannot allocate memory",
		"killed", "signal 9", "virtual memory exhausted",
	} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

// runInstall implements spec §4.7 step 6.
func (p *Pipeline) runInstall(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "sudo", "make", "install-strip")
	cmd.Dir = p.state.BuildDir
	cmd.Env = buildEnvironment(p.cfg, 1, p.target, p.deps.WorkspaceDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return xerrors.Errorf("runInstall(gcc %s): %v: %s", p.version, err, out)
	}
	return nil
}

// runPostInstall implements spec §4.7 step 7, then stores the result in
// the Artifact Cache.
func (p *Pipeline) runPostInstall(ctx context.Context) error {
	if p.deps.Postinstall != nil {
		if err := p.deps.Postinstall.Finalize(ctx, postinstall.Request{
			InstallPrefix: p.state.InstallPrefix,
			TargetTriple:  p.target,
			FullVersion:   p.version.String(),
			Major:         p.version.Major,
			SaveBinaries:  p.cfg.SaveBinaries,
			StaticDir:     p.cfg.StaticBinariesDir,
		}); err != nil {
			return err
		}
	}
	if p.deps.Artifacts != nil {
		elapsed := time.Since(p.state.StartedAt).Seconds()
		if _, err := p.deps.Artifacts.Store(p.version.String(), p.cfg, p.target, p.state.InstallPrefix, elapsed); err != nil {
			return xerrors.Errorf("runPostInstall(gcc %s): artifact cache store: %w", p.version, err)
		}
	}
	return nil
}
