package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gccbuild/gccbuild/internal/artifactcache"
	"github.com/gccbuild/gccbuild/internal/config"
)

func fakeInstall(t *testing.T, dir string) {
	t.Helper()
	for _, rel := range []string{"bin/gcc", "bin/g++"} {
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("#!/bin/sh\n"), 0755); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRunSkipsOnArtifactCacheHit(t *testing.T) {
	cache := artifactcache.New(t.TempDir())
	cfg := config.BuildConfig{}
	version := mustVersion(t, "13.2.0")

	stage := t.TempDir()
	fakeInstall(t, stage)
	if _, err := cache.Store(version.String(), cfg, "x86_64-linux-gnu", stage, 1); err != nil {
		t.Fatalf("Store: %v", err)
	}

	deps := Deps{
		Artifacts: cache,
		StateDir:  t.TempDir(),
	}
	p := New(deps, version, cfg, "x86_64-linux-gnu")
	err := p.Run(context.Background())
	if _, ok := err.(*SkippedCacheHit); !ok {
		t.Fatalf("Run() = %v, want *SkippedCacheHit", err)
	}
	st := p.State()
	for _, ph := range phaseOrder {
		if st.Phases[ph.String()].Status != Completed {
			t.Errorf("phase %s = %s, want Completed after cache-hit skip", ph, st.Phases[ph.String()].Status)
		}
	}
}

func TestNewDerivesInstallPrefixFromConfig(t *testing.T) {
	version := mustVersion(t, "13.2.0")
	p := New(Deps{StateDir: t.TempDir()}, version, config.BuildConfig{InstallPrefix: "/opt/gcc-13"}, "x86_64-linux-gnu")
	if got, want := p.state.InstallPrefix, "/opt/gcc-13"; got != want {
		t.Errorf("InstallPrefix = %s, want %s", got, want)
	}
}

func TestStatePersistRoundTrip(t *testing.T) {
	version := mustVersion(t, "13.2.0")
	stateDir := t.TempDir()
	p := New(Deps{StateDir: stateDir}, version, config.BuildConfig{}, "x86_64-linux-gnu")
	p.beginPhase(phaseOrder[0])
	p.completePhase(phaseOrder[0])

	want := p.State()
	b, err := os.ReadFile(want.statePath(stateDir))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var got State
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	// StartedAt/LastUpdated round-trip through JSON with reduced precision;
	// compare everything else exactly.
	got.StartedAt, got.LastUpdated = want.StartedAt, want.LastUpdated
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("persisted state round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestNewResumesFromPersistedState(t *testing.T) {
	version := mustVersion(t, "13.2.0")
	cfg := config.BuildConfig{}
	stateDir := t.TempDir()

	first := New(Deps{StateDir: stateDir}, version, cfg, "x86_64-linux-gnu")
	for _, ph := range []Phase{Download, Extract, Prerequisites, Configure} {
		first.beginPhase(ph)
		first.completePhase(ph)
	}

	resumed := New(Deps{StateDir: stateDir}, version, cfg, "x86_64-linux-gnu")
	for _, ph := range []Phase{Download, Extract, Prerequisites, Configure} {
		if got := resumed.state.Phases[ph.String()].Status; got != Completed {
			t.Errorf("resumed phase %s = %s, want Completed", ph, got)
		}
	}
	if got := resumed.state.Phases[Compile.String()].Status; got != NotStarted {
		t.Errorf("resumed phase Compile = %s, want NotStarted", got)
	}
}

func TestNewIgnoresPersistedStateOnForceRebuild(t *testing.T) {
	version := mustVersion(t, "13.2.0")
	cfg := config.BuildConfig{}
	stateDir := t.TempDir()

	first := New(Deps{StateDir: stateDir}, version, cfg, "x86_64-linux-gnu")
	first.beginPhase(Download)
	first.completePhase(Download)

	forced := New(Deps{StateDir: stateDir}, version, config.BuildConfig{ForceRebuild: true}, "x86_64-linux-gnu")
	if got := forced.state.Phases[Download.String()].Status; got != NotStarted {
		t.Errorf("ForceRebuild: Download = %s, want NotStarted (fresh state)", got)
	}
}

func TestRunResumesPastCompletedPhases(t *testing.T) {
	version := mustVersion(t, "13.2.0")
	cfg := config.BuildConfig{InstallPrefix: filepath.Join(t.TempDir(), "gcc-13.2.0")}
	stateDir := t.TempDir()
	cache := artifactcache.New(t.TempDir())

	p := New(Deps{StateDir: stateDir, Artifacts: cache}, version, cfg, "x86_64-linux-gnu")
	for _, ph := range []Phase{Download, Extract, Prerequisites, Configure, Compile, Install} {
		p.beginPhase(ph)
		p.completePhase(ph)
	}
	fakeInstall(t, p.state.InstallPrefix)

	// Run must not touch Download/Extract/.../Install (their deps are nil
	// and would panic if invoked) and go straight to PostInstall.
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v, want nil (resumed straight into PostInstall)", err)
	}
	if got := p.State().Phases[PostInstall.String()].Status; got != Completed {
		t.Errorf("PostInstall = %s, want Completed", got)
	}
}

func TestNewDefaultsInstallPrefix(t *testing.T) {
	version := mustVersion(t, "13.2.0")
	p := New(Deps{StateDir: t.TempDir()}, version, config.BuildConfig{}, "x86_64-linux-gnu")
	if got, want := p.state.InstallPrefix, config.DefaultInstallPrefix("13.2.0"); got != want {
		t.Errorf("InstallPrefix = %s, want %s", got, want)
	}
}
