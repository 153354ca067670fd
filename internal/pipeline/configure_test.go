package pipeline

import (
	"strings"
	"testing"

	"github.com/gccbuild/gccbuild"
	"github.com/gccbuild/gccbuild/internal/config"
)

func mustVersion(t *testing.T, s string) gccbuild.GccVersion {
	t.Helper()
	v, err := gccbuild.ParseFull(s)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestConfigureArgsVersionBands(t *testing.T) {
	cases := []struct {
		version string
		want    []string
		reject  []string
	}{
		{"11.4.0", []string{"--enable-default-pie", "--enable-gnu-unique-object"}, []string{"--with-link-serialization=2", "--enable-cet"}},
		{"12.3.0", []string{"--with-link-serialization=2"}, []string{"--enable-cet"}},
		{"14.2.0", []string{"--enable-cet", "--with-link-serialization=2"}, nil},
	}
	for _, tc := range cases {
		v := mustVersion(t, tc.version)
		args, err := configureArgs(v, config.BuildConfig{}, "x86_64-linux-gnu", "/usr/local/programs/gcc-"+tc.version)
		if err != nil {
			t.Fatalf("configureArgs(%s): %v", tc.version, err)
		}
		joined := strings.Join(args, " ")
		for _, want := range tc.want {
			if !strings.Contains(joined, want) {
				t.Errorf("configureArgs(%s) missing %q: %v", tc.version, want, args)
			}
		}
		for _, reject := range tc.reject {
			if strings.Contains(joined, reject) {
				t.Errorf("configureArgs(%s) unexpectedly has %q: %v", tc.version, reject, args)
			}
		}
	}
}

func TestConfigureArgsMultilibExclusive(t *testing.T) {
	v := mustVersion(t, "13.2.0")

	args, err := configureArgs(v, config.BuildConfig{EnableMultilib: true}, "x86_64-linux-gnu", "/prefix")
	if err != nil {
		t.Fatal(err)
	}
	if !contains(args, "--enable-multilib") || contains(args, "--disable-multilib") {
		t.Errorf("multilib=true: want --enable-multilib only, got %v", args)
	}

	args, err = configureArgs(v, config.BuildConfig{EnableMultilib: false}, "x86_64-linux-gnu", "/prefix")
	if err != nil {
		t.Fatal(err)
	}
	if !contains(args, "--disable-multilib") || contains(args, "--enable-multilib") {
		t.Errorf("multilib=false: want --disable-multilib only, got %v", args)
	}
}

func TestConfigureArgsRejectsUnsupportedMajor(t *testing.T) {
	v := gccbuild.GccVersion{Major: 9, Minor: 5, Patch: 0, Full: "9.5.0"}
	if _, err := configureArgs(v, config.BuildConfig{}, "x86_64-linux-gnu", "/prefix"); err == nil {
		t.Error("configureArgs(major=9): want error, got nil")
	}
}

func TestBuildEnvironmentStaticAddsLDFlag(t *testing.T) {
	env := buildEnvironment(config.BuildConfig{StaticBuild: true, OptimizationLevel: config.O2}, 4, "x86_64-linux-gnu", "")
	found := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "LDFLAGS=") && strings.Contains(kv, "-static") {
			found = true
		}
	}
	if !found {
		t.Error("buildEnvironment(static_build=true): expected -static in LDFLAGS")
	}
}

func TestBuildEnvironmentPathPrependsWorkspaceBin(t *testing.T) {
	env := buildEnvironment(config.BuildConfig{OptimizationLevel: config.O2}, 1, "x86_64-linux-gnu", "/build/ws")
	found := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") && strings.HasPrefix(kv, "PATH=/usr/lib/ccache:/build/ws/bin:") {
			found = true
		}
	}
	if !found {
		t.Errorf("buildEnvironment: PATH missing /usr/lib/ccache:<workspace>/bin prefix, got %v", env)
	}
}

func TestBuildEnvironmentGenericTuningOmitsMarchNative(t *testing.T) {
	env := buildEnvironment(config.BuildConfig{GenericTuning: true, OptimizationLevel: config.O2}, 2, "x86_64-linux-gnu", "")
	for _, kv := range env {
		if strings.HasPrefix(kv, "CFLAGS=") && strings.Contains(kv, "-march=native") {
			t.Errorf("buildEnvironment(generic_tuning=true): unexpected -march=native: %s", kv)
		}
	}
}

func contains(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}
