// Package postinstall implements the Post-Install Finalizer (C11): the
// concurrent, best-effort sub-steps that make a freshly installed GCC
// usable system-wide.
package postinstall

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// Request bundles Finalize's inputs.
type Request struct {
	InstallPrefix string
	TargetTriple  string
	FullVersion   string // e.g. "13.2.0"
	Major         uint8
	SaveBinaries  bool
	StaticDir     string
}

// Finalizer runs the Post-Install sub-steps under sudo, since targets live
// under /usr/local by default, per spec §4.11.
type Finalizer struct {
	// Sudo, if false, runs steps without a sudo prefix (used in tests and
	// non-privileged dry runs).
	Sudo bool
}

// New constructs a Finalizer that shells out through sudo.
func New() *Finalizer { return &Finalizer{Sudo: true} }

// Finalize runs every sub-step. Independent sub-steps run concurrently;
// the linker-cache update (which ends in ldconfig) runs last, per spec
// §4.11. The concurrent sub-steps are best-effort: their failures are
// discarded, neither logged nor returned. Only an error from the
// linker-cache update is returned.
func (f *Finalizer) Finalize(ctx context.Context, req Request) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { f.libtoolFinish(gctx, req); return nil })
	g.Go(func() error { f.createSymlinks(gctx, req); return nil })
	g.Go(func() error { f.trimBinaries(req); return nil })
	if req.SaveBinaries && req.StaticDir != "" {
		g.Go(func() error { f.saveStaticBinaries(req); return nil })
	}
	g.Wait() // sub-steps never return an error; Wait only joins the group

	// Must run last: depends on nothing above, but nothing above should
	// race its ldconfig invocation against a half-written ld.so.conf.d
	// entry.
	return f.updateLinkerCache(ctx, req)
}

func (f *Finalizer) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if f.Sudo {
		args = append([]string{name}, args...)
		name = "sudo"
	}
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// libtoolFinish implements spec §4.11's libtool-finish sub-step.
func (f *Finalizer) libtoolFinish(ctx context.Context, req Request) {
	path := filepath.Join(req.InstallPrefix, "libexec", "gcc", req.TargetTriple, req.FullVersion)
	if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
		return
	}
	f.run(ctx, "libtool", "--finish", path)
}

// updateLinkerCache implements spec §4.11's linker-cache sub-step.
func (f *Finalizer) updateLinkerCache(ctx context.Context, req Request) error {
	var lines []string
	for _, rel := range []string{"lib", "lib64", "lib32", filepath.Join("lib", "gcc", req.TargetTriple, req.FullVersion)} {
		p := filepath.Join(req.InstallPrefix, rel)
		if fi, err := os.Stat(p); err == nil && fi.IsDir() {
			lines = append(lines, p)
		}
	}
	if len(lines) == 0 {
		return nil
	}
	confPath := fmt.Sprintf("/etc/ld.so.conf.d/gcc-%s.conf", req.FullVersion)
	content := strings.Join(lines, "\n") + "\n"
	if err := writeConfFile(ctx, f, confPath, content); err != nil {
		return xerrors.Errorf("updateLinkerCache: %w", err)
	}
	if _, err := f.run(ctx, "ldconfig"); err != nil {
		return xerrors.Errorf("updateLinkerCache: ldconfig: %w", err)
	}
	return nil
}

func writeConfFile(ctx context.Context, f *Finalizer, path, content string) error {
	if !f.Sudo {
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return err
		}
		return os.Chmod(path, 0644)
	}
	cmd := exec.CommandContext(ctx, "sudo", "tee", path)
	cmd.Stdin = strings.NewReader(content)
	if err := cmd.Run(); err != nil {
		return err
	}
	_, err := f.run(ctx, "chmod", "644", path)
	return err
}

var versionSuffixedRe = func(major uint8) []string {
	return []string{fmt.Sprintf("-%d", major)}
}

// createSymlinks implements spec §4.11's symlink sub-step: every
// executable in <prefix>/bin ending in -<major>, -<major>.<minor>, or
// -<full_version> gets a same-named symlink under /usr/local/bin, batched
// into a single privileged invocation.
func (f *Finalizer) createSymlinks(ctx context.Context, req Request) {
	binDir := filepath.Join(req.InstallPrefix, "bin")
	entries, err := os.ReadDir(binDir)
	if err != nil {
		return
	}
	suffixes := []string{fmt.Sprintf("-%d", req.Major)}
	if req.FullVersion != "" {
		parts := strings.SplitN(req.FullVersion, ".", 3)
		if len(parts) >= 2 {
			suffixes = append(suffixes, fmt.Sprintf("-%d.%s", req.Major, parts[1]))
		}
		suffixes = append(suffixes, "-"+req.FullVersion)
	}

	var targets []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		for _, suf := range suffixes {
			if strings.HasSuffix(name, suf) {
				targets = append(targets, name)
				break
			}
		}
	}
	if len(targets) == 0 {
		return
	}

	var sb strings.Builder
	for _, name := range targets {
		fmt.Fprintf(&sb, "ln -sf %q %q\n", filepath.Join(binDir, name), filepath.Join("/usr/local/bin", name))
	}
	f.runShell(ctx, sb.String())
}

func (f *Finalizer) runShell(ctx context.Context, script string) {
	name, args := "sh", []string{"-c", script}
	if f.Sudo {
		name, args = "sudo", append([]string{"sh", "-c"}, script)
	}
	exec.CommandContext(ctx, name, args...).Run()
}

// trimBinaries implements spec §4.11's binary-trimming sub-step: within
// <prefix>/bin, a file named "<triple>-foo" is renamed to "foo" when "foo"
// doesn't already exist and the file isn't a version-suffixed duplicate.
func (f *Finalizer) trimBinaries(req Request) {
	binDir := filepath.Join(req.InstallPrefix, "bin")
	prefix := req.TargetTriple + "-"
	entries, err := os.ReadDir(binDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		trimmed := strings.TrimPrefix(e.Name(), prefix)
		if isVersionSuffixed(trimmed, req.Major) {
			continue
		}
		dst := filepath.Join(binDir, trimmed)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		os.Rename(filepath.Join(binDir, e.Name()), dst)
	}
}

func isVersionSuffixed(name string, major uint8) bool {
	for _, suf := range versionSuffixedRe(major) {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}

// saveStaticBinaries implements spec §4.11's static-binary-save sub-step.
func (f *Finalizer) saveStaticBinaries(req Request) {
	dest := filepath.Join(req.StaticDir, "gcc-"+req.FullVersion)
	os.MkdirAll(dest, 0755)
	for _, name := range []string{fmt.Sprintf("gcc-%d", req.Major), fmt.Sprintf("g++-%d", req.Major)} {
		src := filepath.Join(req.InstallPrefix, "bin", name)
		copyFile(src, filepath.Join(dest, name))
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
