package pipeline

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	"github.com/gccbuild/gccbuild"
	"github.com/gccbuild/gccbuild/internal/config"
)

// configureArgs synthesizes the configure argument list per spec §4.7.1.
func configureArgs(v gccbuild.GccVersion, cfg config.BuildConfig, targetTriple, installPrefix string) ([]string, error) {
	args := []string{
		"--prefix=" + installPrefix,
		"--build=" + targetTriple,
		"--host=" + targetTriple,
		"--target=" + targetTriple,
		"--enable-languages=all",
		"--disable-bootstrap",
		"--enable-checking=release",
		"--disable-nls",
		"--enable-shared",
		"--enable-threads=posix",
		"--with-system-zlib",
		fmt.Sprintf("--program-suffix=-%d", v.Major),
		"--with-gcc-major-version-only",
	}

	// exactly one of multilib/disable-multilib, never both (Invariant, §8).
	if cfg.EnableMultilib {
		args = append(args, "--enable-multilib")
	} else {
		args = append(args, "--disable-multilib")
	}

	if cfg.GenericTuning {
		args = append(args, "--with-tune=generic")
	}

	switch {
	case v.Major >= 10 && v.Major <= 11:
		args = append(args, "--enable-default-pie", "--enable-gnu-unique-object")
	case v.Major == 12:
		args = append(args, "--enable-default-pie", "--enable-gnu-unique-object", "--with-link-serialization=2")
	case v.Major >= 13 && v.Major <= 15:
		args = append(args, "--enable-default-pie", "--enable-gnu-unique-object", "--with-link-serialization=2", "--enable-cet")
	default:
		return nil, xerrors.Errorf("configureArgs: unsupported major version %d", v.Major)
	}

	if _, err := exec.LookPath("nvcc"); err == nil {
		target := "nvptx-none"
		if cfg.Raw != nil {
			if root, ok := cfg.Raw["cuda_root"]; ok && root != "" {
				target = fmt.Sprintf("nvptx-none=%s", root)
			}
		}
		args = append(args, "--enable-offload-targets="+target)
	}

	for k, v := range cfg.Raw {
		switch k {
		case "cuda_root":
			continue
		case "extra_configure_flags":
			// newline-joined flags collected by config.LoadOverride
			for _, flag := range strings.Split(v, "\n") {
				if flag != "" {
					args = append(args, flag)
				}
			}
			continue
		}
		args = append(args, fmt.Sprintf("--%s=%s", k, v))
	}
	return args, nil
}

// buildEnvironment constructs the environment for configure/make/install,
// per spec §4.7.2.
func buildEnvironment(cfg config.BuildConfig, jobs int, targetTriple, workspaceDir string) []string {
	opt := string(cfg.OptimizationLevel)
	if opt == "" {
		opt = string(config.O2)
	}
	optFlag := "-" + opt
	if cfg.OptimizationLevel == config.Ofast {
		optFlag = "-Ofast"
	}

	cflags := optFlag + " -pipe -fstack-protector-strong"
	if cfg.GenericTuning {
		// generic tuning and -march=native are mutually exclusive tuning
		// directives; native is only added when generic tuning is off.
	} else {
		cflags += " -march=native"
	}

	ldflags := "-Wl,-z,relro -Wl,-z,now"
	if cfg.StaticBuild {
		ldflags = "-static " + ldflags
	}
	libdirs := []string{"/usr/lib64", "/usr/lib"}
	if targetTriple != "" {
		libdirs = append([]string{"/usr/lib/" + targetTriple}, libdirs...)
	}
	for _, libdir := range libdirs {
		if fi, err := os.Stat(libdir); err == nil && fi.IsDir() {
			ldflags += " -L" + libdir
			break
		}
	}

	path := "/usr/lib/ccache:" + os.Getenv("PATH")
	if workspaceDir != "" {
		path = "/usr/lib/ccache:" + filepath.Join(workspaceDir, "bin") + ":" + os.Getenv("PATH")
	}
	pkgConfigPath := strings.Join([]string{
		"/usr/lib/pkgconfig", "/usr/lib64/pkgconfig", "/usr/share/pkgconfig",
		os.Getenv("PKG_CONFIG_PATH"),
	}, ":")

	env := append(os.Environ(),
		"CC=gcc",
		"CXX=g++",
		"CFLAGS="+cflags,
		"CXXFLAGS="+cflags,
		"CPPFLAGS=-D_FORTIFY_SOURCE=2",
		"LDFLAGS="+ldflags,
		fmt.Sprintf("MAKEFLAGS=-j%d", jobs),
		"PATH="+path,
		"PKG_CONFIG_PATH="+pkgConfigPath,
	)
	if _, err := exec.LookPath("ccache"); err == nil {
		env = append(env, "CCACHE_MAXSIZE=10G", "CCACHE_COMPRESS=1")
	}
	return env
}
