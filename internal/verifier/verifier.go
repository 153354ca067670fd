// Package verifier implements the Binary Verifier (C9): installation
// health checks at three levels of thoroughness, run in parallel across
// the installed binary set.
package verifier

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gccbuild/gccbuild"
)

// Level is one of the three verification thoroughness levels, per spec
// §4.9.
type Level int

const (
	Quick Level = iota
	Fast
	Full
)

const checkTimeout = 10 * time.Second

// BinaryResult is the outcome for one checked binary.
type BinaryResult struct {
	Name string
	Pass bool
	Err  error
}

// Result is the aggregate outcome of Verify: Valid iff both gcc-<major>
// and g++-<major> passed at the requested level, per spec §4.9.
type Result struct {
	Binaries []BinaryResult
	Valid    bool
}

type cacheKey struct {
	path   string
	binary string
}

type cacheEntry struct {
	result    BinaryResult
	level     Level
	expiresAt time.Time
}

const cacheFreshness = 5 * time.Minute

// Verifier checks installed GCC binaries and caches per-binary results
// in-process for cacheFreshness, per spec §4.9.
type Verifier struct {
	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

// New constructs a Verifier with an empty result cache.
func New() *Verifier {
	return &Verifier{cache: make(map[cacheKey]cacheEntry)}
}

// ClearCache drops all cached results; called when force_rebuild is set,
// per spec §4.9.
func (v *Verifier) ClearCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = make(map[cacheKey]cacheEntry)
}

func requiredBinaries(major uint8) []string {
	return []string{
		fmt.Sprintf("gcc-%d", major),
		fmt.Sprintf("g++-%d", major),
		fmt.Sprintf("gfortran-%d", major),
		fmt.Sprintf("gcov-%d", major),
	}
}

// Verify checks installPrefix's bin/<name> binaries for version at level,
// per spec §4.9: runs all binaries' checks in parallel, caches each
// per-binary result for 5 minutes.
func (v *Verifier) Verify(ctx context.Context, installPrefix string, version gccbuild.GccVersion, level Level) Result {
	names := requiredBinaries(version.Major)
	results := make([]BinaryResult, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			results[i] = v.checkCached(gctx, installPrefix, name, level)
			return nil
		})
	}
	g.Wait()

	gccOK, gxxOK := false, false
	for _, r := range results {
		if r.Name == fmt.Sprintf("gcc-%d", version.Major) && r.Pass {
			gccOK = true
		}
		if r.Name == fmt.Sprintf("g++-%d", version.Major) && r.Pass {
			gxxOK = true
		}
	}
	return Result{Binaries: results, Valid: gccOK && gxxOK}
}

func (v *Verifier) checkCached(ctx context.Context, installPrefix, name string, level Level) BinaryResult {
	path := filepath.Join(installPrefix, "bin", name)
	key := cacheKey{path: path, binary: name}

	v.mu.Lock()
	if entry, ok := v.cache[key]; ok && entry.level >= level && time.Now().Before(entry.expiresAt) {
		v.mu.Unlock()
		return entry.result
	}
	v.mu.Unlock()

	result := checkBinary(ctx, path, name, level)

	v.mu.Lock()
	v.cache[key] = cacheEntry{result: result, level: level, expiresAt: time.Now().Add(cacheFreshness)}
	v.mu.Unlock()
	return result
}

func checkBinary(ctx context.Context, path, name string, level Level) BinaryResult {
	fi, err := os.Stat(path)
	if err != nil {
		return BinaryResult{Name: name, Pass: false, Err: err}
	}
	if fi.Mode()&0111 == 0 {
		return BinaryResult{Name: name, Pass: false}
	}
	if level == Quick {
		return BinaryResult{Name: name, Pass: true}
	}

	cctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := exec.CommandContext(cctx, path, "--version").Run(); err != nil {
		return BinaryResult{Name: name, Pass: false, Err: err}
	}
	if level == Fast {
		return BinaryResult{Name: name, Pass: true}
	}

	return BinaryResult{Name: name, Pass: compileHelloWorld(ctx, path)}
}

// compileHelloWorld implements spec §4.9's Full check: compile a small
// "hello world" C program and verify both exit code and output existence.
func compileHelloWorld(ctx context.Context, compiler string) bool {
	src, err := os.CreateTemp("", "gccbuild-hello-*.c")
	if err != nil {
		return false
	}
	defer os.Remove(src.Name())
	src.WriteString("#include <stdio.h>\nint main(void){puts(\"hello\");return 0;}\n")
	src.Close()

	out := src.Name() + ".out"
	defer os.Remove(out)

	cctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, compiler, src.Name(), "-o", out)
	if err := cmd.Run(); err != nil {
		return false
	}
	fi, err := os.Stat(out)
	return err == nil && !fi.IsDir()
}
