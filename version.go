// Package gccbuild automates end-to-end builds of GCC from upstream
// source: resolving the latest patch release for a requested major,
// fetching and verifying the tarball, extracting, pulling math
// prerequisites, configuring, compiling, installing, and finalizing the
// installation. See SPEC_FULL.md for the full component breakdown.
package gccbuild

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// MinSupportedMajor and MaxSupportedMajor bound the GCC major versions this
// tool knows how to build.
const (
	MinSupportedMajor = 10
	MaxSupportedMajor = 15
)

// GccVersion identifies a released GCC version. Equality, ordering, and
// parsing are semantic over the integer tuple; Full is the canonical
// display form ("13.2.0"). A GccVersion with Minor=0 and Patch=0 denotes
// "latest patch of this major" and must be resolved via the Version
// Resolver before use in a build.
type GccVersion struct {
	Major uint8
	Minor uint8
	Patch uint8
	Full  string
}

// IsUnresolved reports whether v denotes "latest patch of Major" rather
// than a concrete patch release.
func (v GccVersion) IsUnresolved() bool {
	return v.Minor == 0 && v.Patch == 0
}

// String returns the canonical "major.minor.patch" form, preferring the
// originally-parsed Full field when set.
func (v GccVersion) String() string {
	if v.Full != "" {
		return v.Full
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Less reports whether v sorts before other by the integer tuple
// (Major, Minor, Patch).
func (v GccVersion) Less(other GccVersion) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	return v.Patch < other.Patch
}

// Equal reports whether v and other denote the same (Major, Minor, Patch)
// tuple.
func (v GccVersion) Equal(other GccVersion) bool {
	return v.Major == other.Major && v.Minor == other.Minor && v.Patch == other.Patch
}

// ParseFull parses a canonical "major.minor.patch" or "major.minor"
// release string, e.g. "13.2.0" or "13.2", into a GccVersion.
func ParseFull(s string) (GccVersion, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) < 2 {
		return GccVersion{}, xerrors.Errorf("ParseFull(%q): expected major.minor[.patch]", s)
	}
	major, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return GccVersion{}, xerrors.Errorf("ParseFull(%q): invalid major: %w", s, err)
	}
	minor, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return GccVersion{}, xerrors.Errorf("ParseFull(%q): invalid minor: %w", s, err)
	}
	var patch uint64
	if len(parts) == 3 {
		patch, err = strconv.ParseUint(parts[2], 10, 8)
		if err != nil {
			return GccVersion{}, xerrors.Errorf("ParseFull(%q): invalid patch: %w", s, err)
		}
	}
	return GccVersion{Major: uint8(major), Minor: uint8(minor), Patch: uint8(patch), Full: s}, nil
}

// ParseMajor parses a bare major-version string ("13") into an unresolved
// GccVersion, rejecting majors outside [MinSupportedMajor,MaxSupportedMajor].
func ParseMajor(s string) (GccVersion, error) {
	major, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil {
		return GccVersion{}, xerrors.Errorf("ParseMajor(%q): %w", s, err)
	}
	if major < MinSupportedMajor || major > MaxSupportedMajor {
		return GccVersion{}, xerrors.Errorf("ParseMajor(%q): major must be in [%d,%d]", s, MinSupportedMajor, MaxSupportedMajor)
	}
	return GccVersion{Major: uint8(major)}, nil
}

// ParseVersionList parses a comma-separated, range-capable version list such
// as "10-15" or "12,13,13" into a deduplicated, ascending-sorted slice of
// unresolved GccVersion majors. Invariant 10 (§8): rejects majors outside
// the supported range; accepts ranges; deduplicates.
func ParseVersionList(s string) ([]GccVersion, error) {
	seen := make(map[uint8]bool)
	var out []GccVersion
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if idx := strings.IndexByte(field, '-'); idx > -1 {
			lo, err := ParseMajor(field[:idx])
			if err != nil {
				return nil, err
			}
			hi, err := ParseMajor(field[idx+1:])
			if err != nil {
				return nil, err
			}
			if lo.Major > hi.Major {
				return nil, xerrors.Errorf("ParseVersionList(%q): range start %d > end %d", s, lo.Major, hi.Major)
			}
			for m := lo.Major; m <= hi.Major; m++ {
				if !seen[m] {
					seen[m] = true
					out = append(out, GccVersion{Major: m})
				}
			}
			continue
		}
		v, err := ParseMajor(field)
		if err != nil {
			return nil, err
		}
		if !seen[v.Major] {
			seen[v.Major] = true
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Major < out[j].Major })
	return out, nil
}
