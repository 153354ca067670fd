package verifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gccbuild/gccbuild"
)

func writeFakeBinary(t *testing.T, prefix, name string, executable bool) {
	t.Helper()
	path := filepath.Join(prefix, "bin", name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	mode := os.FileMode(0644)
	if executable {
		mode = 0755
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), mode); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyQuickRequiresExecuteBit(t *testing.T) {
	prefix := t.TempDir()
	writeFakeBinary(t, prefix, "gcc-13", true)
	writeFakeBinary(t, prefix, "g++-13", false) // not executable

	v := New()
	version := gccbuild.GccVersion{Major: 13, Minor: 2, Patch: 0, Full: "13.2.0"}
	result := v.Verify(context.Background(), prefix, version, Quick)
	if result.Valid {
		t.Error("Verify(Quick): want invalid, g++-13 lacks execute bit")
	}
}

func TestVerifyQuickPassesWithBothExecutable(t *testing.T) {
	prefix := t.TempDir()
	writeFakeBinary(t, prefix, "gcc-13", true)
	writeFakeBinary(t, prefix, "g++-13", true)

	v := New()
	version := gccbuild.GccVersion{Major: 13, Minor: 2, Patch: 0, Full: "13.2.0"}
	result := v.Verify(context.Background(), prefix, version, Quick)
	if !result.Valid {
		t.Errorf("Verify(Quick): want valid, got %+v", result)
	}
	if len(result.Binaries) != 4 {
		t.Errorf("len(Binaries) = %d, want 4 (gcc, g++, gfortran, gcov)", len(result.Binaries))
	}
}

func TestVerifyResultIsCachedUntilCleared(t *testing.T) {
	prefix := t.TempDir()
	writeFakeBinary(t, prefix, "gcc-13", true)
	writeFakeBinary(t, prefix, "g++-13", true)

	v := New()
	version := gccbuild.GccVersion{Major: 13, Minor: 2, Patch: 0, Full: "13.2.0"}
	first := v.Verify(context.Background(), prefix, version, Quick)

	os.Remove(filepath.Join(prefix, "bin", "gcc-13")) // invalidate the underlying file
	second := v.Verify(context.Background(), prefix, version, Quick)
	if second.Valid != first.Valid {
		t.Error("Verify(): expected cached result to mask the underlying file removal")
	}

	v.ClearCache()
	third := v.Verify(context.Background(), prefix, version, Quick)
	if third.Valid {
		t.Error("Verify() after ClearCache: want invalid now that gcc-13 is gone")
	}
}
