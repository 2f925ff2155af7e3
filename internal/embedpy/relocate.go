package embedpy

import (
	"bufio"
	"context"
	"os/exec"
	"path/filepath"
	"strings"

	perr "embedpy/internal/errors"
)

// DependencyInspector lists the shared libraries a binary loads.
type DependencyInspector interface {
	Dependencies(ctx context.Context, binary string) ([]string, error)
}

// PathRewriter replaces one recorded dependency path with another.
type PathRewriter interface {
	Rewrite(ctx context.Context, binary, oldPath, newPath string) error
}

// Otool inspects Mach-O load commands with `otool -L`.
type Otool struct {
	Runner Runner
}

func (o Otool) Dependencies(ctx context.Context, binary string) ([]string, error) {
	if _, err := exec.LookPath("otool"); err != nil {
		return nil, perr.Wrap(perr.CodeRelocationFailed, err, "otool is required to inspect %s", binary)
	}
	out, err := runOutput(o.Runner, exec.CommandContext(ctx, "otool", "-L", binary))
	if err != nil {
		return nil, perr.Wrap(perr.CodeRelocationFailed, err, "otool -L %s", binary)
	}
	return parseOtoolOutput(out), nil
}

// parseOtoolOutput extracts dependency paths. The first line names the
// binary itself; every following line is "\t<path> (compatibility ...)".
func parseOtoolOutput(out string) []string {
	var deps []string
	sc := bufio.NewScanner(strings.NewReader(out))
	first := true
	for sc.Scan() {
		line := sc.Text()
		if first {
			first = false
			if !strings.HasPrefix(line, "\t") {
				continue
			}
		}
		fields := strings.Fields(line)
		if len(fields) > 0 {
			deps = append(deps, fields[0])
		}
	}
	return deps
}

// InstallNameTool rewrites Mach-O dependency paths.
type InstallNameTool struct {
	Runner Runner
}

func (t InstallNameTool) Rewrite(ctx context.Context, binary, oldPath, newPath string) error {
	if _, err := exec.LookPath("install_name_tool"); err != nil {
		return perr.Wrap(perr.CodeRelocationFailed, err, "install_name_tool is required to patch %s", binary)
	}
	cmd := exec.CommandContext(ctx, "install_name_tool", "-change", oldPath, newPath, binary)
	if err := t.Runner.Run(cmd); err != nil {
		return perr.Wrap(perr.CodeRelocationFailed, err, "install_name_tool -change %s", oldPath)
	}
	return nil
}

// Relocator rewrites absolute build-prefix dependencies into paths relative
// to the executable's own directory.
type Relocator struct {
	Inspector DependencyInspector
	Rewriter  PathRewriter
}

// executableRelative maps dep (under prefix) to an @executable_path form for
// a binary that runs from exeDir.
func executableRelative(dep, prefix, exeDir string) (string, bool) {
	prefix = strings.TrimSuffix(prefix, "/")
	if dep != prefix && !strings.HasPrefix(dep, prefix+"/") {
		return "", false
	}
	rel, err := filepath.Rel(exeDir, prefix)
	if err != nil {
		return "", false
	}
	base := "@executable_path"
	if rel != "." {
		base += "/" + filepath.ToSlash(rel)
	}
	return base + strings.TrimPrefix(dep, prefix), true
}

// Relocate patches binary, which will run from exeDir. It returns how many
// paths were rewritten; a second call on the same binary rewrites nothing.
func (r *Relocator) Relocate(ctx context.Context, binary, prefix, exeDir string) (int, error) {
	deps, err := r.Inspector.Dependencies(ctx, binary)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, dep := range deps {
		repl, ok := executableRelative(dep, prefix, exeDir)
		if !ok {
			continue
		}
		debugf("relocating %s: %s -> %s\n", filepath.Base(binary), dep, repl)
		if err := r.Rewriter.Rewrite(ctx, binary, dep, repl); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
