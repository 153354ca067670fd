// Command gccbuild automates building one or more GCC major versions from
// upstream source: resolving the latest patch release, downloading and
// verifying the tarball, pulling prerequisites, configuring, compiling,
// installing, and finalizing the installation.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/xerrors"

	"github.com/gccbuild/gccbuild"
	"github.com/gccbuild/gccbuild/internal/config"
	"github.com/gccbuild/gccbuild/internal/orchestrator"
	"github.com/gccbuild/gccbuild/internal/probe"
	"github.com/gccbuild/gccbuild/internal/trace"
)

var (
	debug         = flag.Bool("debug", false, "format error messages with additional detail")
	versionsFlag  = flag.String("versions", "13", "comma-separated GCC major versions or ranges to build, e.g. \"12,13\" or \"10-15\"")
	optFlag       = flag.String("optimization", "2", "optimization level: one of {0,1,2,3,fast,g,s}")
	multilib      = flag.Bool("multilib", false, "enable multilib (32-bit+64-bit) support")
	staticBuild   = flag.Bool("static", false, "link the built compiler statically")
	genericTuning = flag.Bool("generic-tuning", false, "use -mtune=generic instead of -march=native")
	jobs          = flag.Uint("jobs", 0, "parallel make jobs; 0 lets the scheduler choose")
	installPrefix = flag.String("install-prefix", "", "install prefix; defaults to /usr/local/programs/gcc-<version>")
	forceRebuild  = flag.Bool("force-rebuild", false, "bypass the artifact cache and saved pipeline progress (the prerequisite cache is still used)")
	dryRun        = flag.Bool("dry-run", false, "resolve versions and print the plan without building")
	verifyLevel   = flag.String("verify", "Fast", "binary verification level: Quick, Fast, or Full")
	skipChecksum  = flag.Bool("skip-checksum", false, "skip checksum/signature verification (not recommended)")
	saveBinaries  = flag.Bool("save-binaries", false, "copy static gcc/g++ binaries to -static-binaries-dir (requires -static)")
	staticDir     = flag.String("static-binaries-dir", "", "destination for -save-binaries")
	overridePath  = flag.String("config-override", "", "path to a textproto per-version configuration override")

	buildRoot    = flag.String("build-root", "/tmp/gcc-build-script", "scratch root for downloads, workspace, and caches")
	releasesRoot = flag.String("releases-root", "https://ftp.gnu.org/gnu/gcc/", "base URL for GCC release tarballs/checksums")
	targetTriple = flag.String("target", "", "target triple; auto-detected from the host if empty")

	ctracefile = flag.String("ctracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")
)

func buildConfig() (config.BuildConfig, error) {
	opt, err := config.ParseOptimizationLevel(*optFlag)
	if err != nil {
		return config.BuildConfig{}, err
	}
	verify := config.VerifyLevel(*verifyLevel)
	switch verify {
	case config.VerifyQuick, config.VerifyFast, config.VerifyFull:
	default:
		return config.BuildConfig{}, xerrors.Errorf("-verify=%q: must be one of Quick, Fast, Full", *verifyLevel)
	}

	cfg := config.BuildConfig{
		OptimizationLevel: opt,
		EnableMultilib:    *multilib,
		StaticBuild:       *staticBuild,
		GenericTuning:     *genericTuning,
		ParallelJobs:      uint16(*jobs),
		InstallPrefix:     *installPrefix,
		ForceRebuild:      *forceRebuild,
		DryRun:            *dryRun,
		VerifyLevel:       verify,
		SkipChecksum:      *skipChecksum,
		SaveBinaries:      *saveBinaries,
		StaticBinariesDir: *staticDir,
	}
	if *overridePath != "" {
		loaded, err := config.LoadOverride(*overridePath, cfg)
		if err != nil {
			return config.BuildConfig{}, xerrors.Errorf("-config-override=%s: %w", *overridePath, err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return config.BuildConfig{}, err
	}
	return cfg, nil
}

func funcmain() error {
	flag.Parse()

	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			return err
		}
		trace.Sink(f)
		gccbuild.RegisterAtExit(f.Close)
	}

	versions, err := gccbuild.ParseVersionList(*versionsFlag)
	if err != nil {
		return xerrors.Errorf("-versions=%q: %w", *versionsFlag, err)
	}
	cfg, err := buildConfig()
	if err != nil {
		return err
	}

	triple := *targetTriple
	if triple == "" {
		triple = probe.TargetTriple(context.Background())
	}

	if *dryRun {
		fmt.Printf("plan: %d version(s) targeting %s\n", len(versions), triple)
		for _, v := range versions {
			fmt.Printf("  gcc-%s (config_hash=%s)\n", v, config.ShortHash(cfg, triple))
		}
		return gccbuild.RunAtExit()
	}

	ctx, canc := gccbuild.InterruptibleContext()
	defer canc()

	orch := orchestrator.New(orchestrator.Options{
		BuildRoot:    *buildRoot,
		ReleasesRoot: *releasesRoot,
		TargetTriple: triple,
		Versions:     versions,
		Config:       cfg,
	})

	start := time.Now()
	outcomes, exitCode, err := orch.Run(ctx)
	if err != nil {
		gccbuild.RunAtExit()
		return err
	}

	fmt.Print(orchestrator.Summary(outcomes, time.Since(start), orchestrator.IsTerminal(os.Stdout.Fd())))
	if atErr := gccbuild.RunAtExit(); atErr != nil && exitCode == 0 {
		return atErr
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		if *debug {
			log.Fatalf("%+v", err)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
