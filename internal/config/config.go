// Package config defines BuildConfig, its content-hash key, and loading of
// per-version textproto overrides.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/xerrors"
)

// OptimizationLevel is one of the recognized GCC/bootstrap-compiler
// optimization levels.
type OptimizationLevel string

const (
	O0    OptimizationLevel = "O0"
	O1    OptimizationLevel = "O1"
	O2    OptimizationLevel = "O2"
	O3    OptimizationLevel = "O3"
	Ofast OptimizationLevel = "Ofast"
	Og    OptimizationLevel = "Og"
	Os    OptimizationLevel = "Os"
)

// ParseOptimizationLevel accepts exactly the CLI spellings {0,1,2,3,fast,g,s}
// (Invariant 11, §8) and maps them to an OptimizationLevel.
func ParseOptimizationLevel(s string) (OptimizationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0":
		return O0, nil
	case "1":
		return O1, nil
	case "2":
		return O2, nil
	case "3":
		return O3, nil
	case "fast":
		return Ofast, nil
	case "g":
		return Og, nil
	case "s":
		return Os, nil
	}
	return "", xerrors.Errorf("ParseOptimizationLevel(%q): must be one of {0,1,2,3,fast,g,s}", s)
}

// VerifyLevel selects the thoroughness of the Binary Verifier (C9).
type VerifyLevel string

const (
	VerifyQuick VerifyLevel = "Quick"
	VerifyFast  VerifyLevel = "Fast"
	VerifyFull  VerifyLevel = "Full"
)

// BuildConfig holds the recognized build options from spec §3. Raw carries
// additional configure flags from a textproto override file that aren't
// otherwise enumerated here.
type BuildConfig struct {
	OptimizationLevel OptimizationLevel
	EnableMultilib    bool
	StaticBuild       bool
	GenericTuning     bool
	ParallelJobs      uint16
	InstallPrefix     string
	ForceRebuild      bool
	DryRun            bool
	VerifyLevel       VerifyLevel
	SkipChecksum      bool
	KeepWorkspace     bool
	SaveBinaries      bool
	StaticBinariesDir string

	Raw map[string]string
}

// DefaultInstallPrefix returns the spec's default install_prefix for the
// given version string, e.g. "/usr/local/programs/gcc-13.2.0".
func DefaultInstallPrefix(version string) string {
	return filepath.Join("/usr/local/programs", "gcc-"+version)
}

// Validate checks the invariants from spec §3/§8: save_binaries implies
// static_build, and install_prefix must be absolute.
func (c BuildConfig) Validate() error {
	if c.SaveBinaries && !c.StaticBuild {
		return xerrors.Errorf("BuildConfig: save_binaries=true requires static_build=true")
	}
	if c.InstallPrefix != "" && !filepath.IsAbs(c.InstallPrefix) {
		return xerrors.Errorf("BuildConfig: install_prefix %q must be absolute", c.InstallPrefix)
	}
	return nil
}

// ConfigHash computes the SHA-256 of a canonical encoding of c and the
// target triple, per spec §3. Ephemeral fields (DryRun, KeepWorkspace) are
// excluded so that config_hash is deterministic across runs that only
// differ in those fields (Invariant 3, §8).
func ConfigHash(c BuildConfig, targetTriple string) string {
	h := sha256.New()
	fmt.Fprintf(h, "opt=%s\n", c.OptimizationLevel)
	fmt.Fprintf(h, "multilib=%v\n", c.EnableMultilib)
	fmt.Fprintf(h, "static=%v\n", c.StaticBuild)
	fmt.Fprintf(h, "generic_tuning=%v\n", c.GenericTuning)
	fmt.Fprintf(h, "jobs=%d\n", c.ParallelJobs)
	fmt.Fprintf(h, "prefix=%s\n", c.InstallPrefix)
	fmt.Fprintf(h, "verify=%s\n", c.VerifyLevel)
	fmt.Fprintf(h, "skip_checksum=%v\n", c.SkipChecksum)
	fmt.Fprintf(h, "save_binaries=%v\n", c.SaveBinaries)
	fmt.Fprintf(h, "target=%s\n", targetTriple)

	keys := make([]string, 0, len(c.Raw))
	for k := range c.Raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "raw:%s=%s\n", k, c.Raw[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ShortHash returns the first 16 hex characters of ConfigHash, matching the
// cache-key suffix format in spec §3 ("gcc-<version>-<config_hash[0..16]>").
func ShortHash(c BuildConfig, targetTriple string) string {
	full := ConfigHash(c, targetTriple)
	if len(full) > 16 {
		return full[:16]
	}
	return full
}

// CacheKey returns the Artifact Cache key for version built with c.
func CacheKey(version string, c BuildConfig, targetTriple string) string {
	return fmt.Sprintf("gcc-%s-%s", version, ShortHash(c, targetTriple))
}
