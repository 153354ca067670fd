package config

import (
	"io/ioutil"
	"strconv"

	"github.com/protocolbuffers/txtpbfmt/ast"
	"github.com/protocolbuffers/txtpbfmt/parser"
	"golang.org/x/xerrors"
)

// LoadOverride reads a textproto override file (see SPEC_FULL.md §6, the
// "<build_root>/overrides/gcc-<major>.textproto" format) and merges its
// fields onto base. Unset fields in the file leave base's value untouched.
//
// Recognized fields: optimization_level, enable_multilib, static_build,
// generic_tuning, parallel_jobs, extra_configure_flag (repeated, collected
// into Raw["extra_configure_flags"] newline-joined).
func LoadOverride(path string, base BuildConfig) (BuildConfig, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return BuildConfig{}, xerrors.Errorf("LoadOverride(%s): %w", path, err)
	}
	nodes, err := parser.Parse(b)
	if err != nil {
		return BuildConfig{}, xerrors.Errorf("LoadOverride(%s): parse: %w", path, err)
	}
	return ApplyOverrideNodes(nodes, base)
}

// ApplyOverrideNodes applies a parsed textproto AST onto base, following the
// teacher's ast.GetFromPath field-extraction idiom (internal/checkupstream).
func ApplyOverrideNodes(nodes []*ast.Node, base BuildConfig) (BuildConfig, error) {
	stringVal := func(path ...string) (string, bool, error) {
		found := ast.GetFromPath(nodes, path)
		if len(found) == 0 {
			return "", false, nil
		}
		if len(found[0].Values) != 1 {
			return "", false, xerrors.Errorf("override field %v: expected exactly one value", path)
		}
		v, err := strconv.Unquote(found[0].Values[0].Value)
		if err != nil {
			// Permit bare (unquoted) scalars for bools/numbers.
			return found[0].Values[0].Value, true, nil
		}
		return v, true, nil
	}
	boolVal := func(path ...string) (bool, bool, error) {
		s, ok, err := stringVal(path...)
		if err != nil || !ok {
			return false, ok, err
		}
		v, err := strconv.ParseBool(s)
		if err != nil {
			return false, false, xerrors.Errorf("override field %v: %w", path, err)
		}
		return v, true, nil
	}

	cfg := base
	if cfg.Raw == nil {
		cfg.Raw = make(map[string]string)
	}

	if s, ok, err := stringVal("optimization_level"); err != nil {
		return BuildConfig{}, err
	} else if ok {
		lvl, err := ParseOptimizationLevel(levelShorthand(s))
		if err != nil {
			return BuildConfig{}, xerrors.Errorf("override optimization_level: %w", err)
		}
		cfg.OptimizationLevel = lvl
	}
	if v, ok, err := boolVal("enable_multilib"); err != nil {
		return BuildConfig{}, err
	} else if ok {
		cfg.EnableMultilib = v
	}
	if v, ok, err := boolVal("static_build"); err != nil {
		return BuildConfig{}, err
	} else if ok {
		cfg.StaticBuild = v
	}
	if v, ok, err := boolVal("generic_tuning"); err != nil {
		return BuildConfig{}, err
	} else if ok {
		cfg.GenericTuning = v
	}
	if s, ok, err := stringVal("parallel_jobs"); err != nil {
		return BuildConfig{}, err
	} else if ok {
		n, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return BuildConfig{}, xerrors.Errorf("override parallel_jobs: %w", err)
		}
		cfg.ParallelJobs = uint16(n)
	}

	for _, n := range ast.GetFromPath(nodes, []string{"extra_configure_flag"}) {
		for _, v := range n.Values {
			flag, err := strconv.Unquote(v.Value)
			if err != nil {
				flag = v.Value
			}
			if cfg.Raw["extra_configure_flags"] != "" {
				cfg.Raw["extra_configure_flags"] += "\n"
			}
			cfg.Raw["extra_configure_flags"] += flag
		}
	}

	return cfg, nil
}

// levelShorthand accepts both the enumerated OptimizationLevel spelling
// ("O2") and the CLI shorthand ("2") in the override file, since both
// appear in practice.
func levelShorthand(s string) string {
	if len(s) > 1 && (s[0] == 'O' || s[0] == 'o') {
		return s[1:]
	}
	return s
}
