package embedpy

import (
	"context"
	"debug/elf"
	"debug/macho"
	"encoding/json"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"

	perr "embedpy/internal/errors"
)

// RelocationFinding is one absolute build path left in a binary.
type RelocationFinding struct {
	File string
	Path string
}

func (f RelocationFinding) String() string { return f.File + ": " + f.Path }

// VerifyRelocatable scans every ELF and Mach-O file under root for
// dependency or search paths that point into prefix.
func VerifyRelocatable(root, prefix string) ([]RelocationFinding, error) {
	var findings []RelocationFinding
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		for _, p := range binaryPaths(path) {
			if p == prefix || strings.Contains(p, prefix+"/") {
				findings = append(findings, RelocationFinding{File: rel, Path: p})
			}
		}
		return nil
	})
	return findings, err
}

// binaryPaths returns the recorded library and rpath strings of an object
// file, or nothing when path is not one.
func binaryPaths(path string) []string {
	if f, err := elf.Open(path); err == nil {
		defer f.Close()
		var out []string
		for _, tag := range []elf.DynTag{elf.DT_NEEDED, elf.DT_RPATH, elf.DT_RUNPATH} {
			vals, _ := f.DynString(tag)
			for _, v := range vals {
				out = append(out, strings.Split(v, ":")...)
			}
		}
		return out
	}
	if f, err := macho.Open(path); err == nil {
		defer f.Close()
		return machoPaths(f)
	}
	if fat, err := macho.OpenFat(path); err == nil {
		defer fat.Close()
		var out []string
		for _, a := range fat.Arches {
			out = append(out, machoPaths(a.File)...)
		}
		return out
	}
	return nil
}

func machoPaths(f *macho.File) []string {
	libs, _ := f.ImportedLibraries()
	for _, l := range f.Loads {
		if rp, ok := l.(*macho.Rpath); ok {
			libs = append(libs, rp.Path)
		}
	}
	return libs
}

// InterpreterReport is what the interpreter says about itself at startup.
type InterpreterReport struct {
	Path              []string `json:"path"`
	Prefix            string   `json:"prefix"`
	Isolated          int      `json:"isolated"`
	IgnoreEnvironment int      `json:"ignore_environment"`
	EnableUserSite    *bool    `json:"enable_user_site"`
}

const reportScript = `import json, site, sys
print(json.dumps({"path": sys.path, "prefix": sys.prefix,
  "isolated": sys.flags.isolated, "ignore_environment": sys.flags.ignore_environment,
  "enable_user_site": site.ENABLE_USER_SITE}))`

// InspectInterpreter runs python and decodes its self-report.
func InspectInterpreter(ctx context.Context, r Runner, python string) (InterpreterReport, error) {
	var rep InterpreterReport
	out, err := runOutput(r, exec.CommandContext(ctx, python, "-c", reportScript))
	if err != nil {
		return rep, perr.Wrap(perr.CodeIsolationFailed, err, "run %s", python)
	}
	if err := json.Unmarshal([]byte(lastLine(out)), &rep); err != nil {
		return rep, perr.Wrap(perr.CodeIsolationFailed, err, "decode interpreter report")
	}
	return rep, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// VerifySearchPath checks that the isolated interpreter searches exactly the
// manifest entries, in order, all inside the distribution, and that user
// site and environment influence are off.
func VerifySearchPath(ctx context.Context, r Runner, dist *RuntimeDistribution) error {
	if dist.Manifest == nil {
		return perr.New(perr.CodeIsolationFailed, "%s has no isolation manifest", dist.Root)
	}
	rep, err := InspectInterpreter(ctx, r, dist.RealExecutable())
	if err != nil {
		return err
	}

	base := filepath.Dir(dist.RealExecutable())
	var want []string
	for _, e := range dist.Manifest.Entries {
		want = append(want, filepath.Clean(filepath.Join(base, filepath.FromSlash(e))))
	}
	var got []string
	for _, p := range rep.Path {
		got = append(got, filepath.Clean(p))
	}

	for _, p := range got {
		if !withinDir(dist.Root, p) {
			return perr.New(perr.CodeIsolationFailed, "search path escapes the distribution: %s", p)
		}
	}
	if len(got) != len(want) {
		return perr.New(perr.CodeIsolationFailed, "search path %v does not match manifest %v", got, want)
	}
	for i := range want {
		if !samePath(got[i], want[i]) {
			return perr.New(perr.CodeIsolationFailed, "search path entry %d is %s, want %s", i, got[i], want[i])
		}
	}
	if rep.EnableUserSite != nil && *rep.EnableUserSite {
		return perr.New(perr.CodeIsolationFailed, "user site-packages is enabled")
	}
	if dist.Policy.EnforcesIsolationFlags && (rep.Isolated != 1 || rep.IgnoreEnvironment != 1) {
		return perr.New(perr.CodeIsolationFailed,
			"interpreter not isolated (isolated=%d ignore_environment=%d)", rep.Isolated, rep.IgnoreEnvironment)
	}
	return nil
}

func samePath(a, b string) bool {
	if a == b {
		return true
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	return errA == nil && errB == nil && ra == rb
}

// VerifyDistribution runs both checks and folds them into one error.
func VerifyDistribution(ctx context.Context, r Runner, dist *RuntimeDistribution) error {
	if dist.Platform.BuildsFromSource() {
		findings, err := VerifyRelocatable(dist.Root, dist.BuildPrefix)
		if err != nil {
			return perr.Wrap(perr.CodeRelocationFailed, err, "scan binaries")
		}
		if len(findings) > 0 {
			return perr.New(perr.CodeRelocationFailed, "absolute build paths remain: %s", fmt.Sprint(findings))
		}
	}
	return VerifySearchPath(ctx, r, dist)
}
