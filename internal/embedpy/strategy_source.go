package embedpy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	perr "embedpy/internal/errors"
)

// SourceBuildStrategy compiles CPython from its release tarball into a
// relocatable, shared-library build.
type SourceBuildStrategy struct {
	deps StrategyDeps
	// Compiler overrides the byte compiler used for stdlib compaction.
	Compiler ByteCompiler
	// Relocator overrides the Mach-O path rewriter.
	Relocator *Relocator
}

func NewSourceBuildStrategy(deps StrategyDeps) *SourceBuildStrategy {
	return &SourceBuildStrategy{deps: deps}
}

func (s *SourceBuildStrategy) Name() string { return "source" }

func (s *SourceBuildStrategy) sourceURL(v PyVersion) string {
	return fmt.Sprintf("%s/v%s.tar.gz", s.deps.Config.SourceURL, v)
}

// linuxRpath resolves libpython next to the real executable, which lives at
// the tree root once relocated. Every entry must stay inside the tree.
const linuxRpath = "$$ORIGIN/lib"

const linuxRpathFlags = `-Wl,-rpath,'` + linuxRpath + `' -Wl,--disable-new-dtags`

// opensslDir resolves the OpenSSL prefix: explicit config first, then the
// <name>_ROOT variable whose casing follows the recipe's openssl_variant.
func (s *SourceBuildStrategy) opensslDir() string {
	if s.deps.Config.OpenSSLDir != "" {
		return s.deps.Config.OpenSSLDir
	}
	name := "openssl_ROOT"
	if s.deps.OpenSSLVariant == "uppercase" {
		name = "OPENSSL_ROOT"
	}
	return os.Getenv(name)
}

func (s *SourceBuildStrategy) configureArgs(dist *RuntimeDistribution) []string {
	args := []string{
		"--prefix=" + dist.Root,
		"--enable-shared",
		"--disable-test-modules",
		"--with-ensurepip=no",
	}
	if dir := s.opensslDir(); dir != "" {
		args = append(args, "--with-openssl="+dir)
	}
	return args
}

// buildEnv layers compiler flags and parallelism over the host environment.
func (s *SourceBuildStrategy) buildEnv(dist *RuntimeDistribution) []string {
	cfg := s.deps.Config
	ldflags := cfg.LDFlags
	if dist.Platform == PlatformLinux {
		ldflags = strings.TrimSpace(ldflags + " " + linuxRpathFlags)
	}
	defaults := map[string]string{
		"CFLAGS":    cfg.CFlags,
		"CPPFLAGS":  cfg.CPPFlags,
		"LDFLAGS":   ldflags,
		"MAKEFLAGS": fmt.Sprintf("-j%d", cfg.Jobs),
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	for k, v := range defaults {
		if v != "" {
			env[k] = v
		}
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// buildRunner returns a runner that lowers the priority of compiler jobs
// when the host asked for idle builds.
func (s *SourceBuildStrategy) buildRunner() Runner {
	if e, ok := s.deps.Runner.(*Executor); ok && s.deps.Config.IdleBuild {
		idle := *e
		idle.ApplyIdlePriority = true
		return &idle
	}
	return s.deps.Runner
}

func (s *SourceBuildStrategy) Acquire(ctx context.Context, dist *RuntimeDistribution) error {
	tarball, err := s.deps.Fetcher.Fetch(ctx, s.sourceURL(dist.Version))
	if err != nil {
		return err
	}

	srcDir := filepath.Join(s.deps.WorkDir, "src", "cpython-"+dist.Version.String())
	buildDir := filepath.Join(s.deps.WorkDir, "build", "cpython-"+dist.Version.String())
	for _, d := range []string{srcDir, buildDir} {
		if err := removePath(d); err != nil {
			return perr.Wrap(perr.CodeAcquisitionFailed, err, "clean %s", d)
		}
	}
	stepf("Unpacking CPython %s sources", dist.Version)
	if err := extractTar(tarball, srcDir, true); err != nil {
		return perr.Wrap(perr.CodeAcquisitionFailed, err, "unpack %s", filepath.Base(tarball))
	}
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return perr.Wrap(perr.CodeAcquisitionFailed, err, "create %s", buildDir)
	}

	env := s.buildEnv(dist)
	r := s.buildRunner()
	steps := []struct {
		label string
		argv  []string
	}{
		{"Configuring", append([]string{filepath.Join(srcDir, "configure")}, s.configureArgs(dist)...)},
		{"Compiling", []string{"make"}},
		{"Installing", []string{"make", "install"}},
	}
	for _, step := range steps {
		stepf("%s CPython %s", step.label, dist.Version)
		cmd := exec.CommandContext(ctx, step.argv[0], step.argv[1:]...)
		cmd.Dir = buildDir
		cmd.Env = env
		if err := r.Run(cmd); err != nil {
			return perr.Wrap(perr.CodeToolchainFailed, err, "%s failed", filepath.Base(step.argv[0]))
		}
	}

	// make install leaves the shared library read-only; later patching needs
	// to write it.
	if err := makeWritable(filepath.Join(dist.Root, "lib", "libpython*")); err != nil {
		return perr.Wrap(perr.CodeAcquisitionFailed, err, "chmod libpython")
	}
	return nil
}

func (s *SourceBuildStrategy) relocator() *Relocator {
	if s.Relocator != nil {
		return s.Relocator
	}
	return &Relocator{
		Inspector: Otool{Runner: s.deps.Runner},
		Rewriter:  InstallNameTool{Runner: s.deps.Runner},
	}
}

// Relocate moves the executable to the root first so that the rewritten
// paths are computed against its final directory.
func (s *SourceBuildStrategy) Relocate(ctx context.Context, dist *RuntimeDistribution) error {
	if err := ensureRealExecutableAtRoot(dist.Layout); err != nil {
		return perr.Wrap(perr.CodeRelocationFailed, err, "place interpreter")
	}
	if dist.Platform != PlatformMacOS {
		return nil
	}
	exe := dist.RealExecutable()
	n, err := s.relocator().Relocate(ctx, exe, dist.BuildPrefix, filepath.Dir(exe))
	if err != nil {
		return perr.Ensure(perr.CodeRelocationFailed, err, "relocate %s", exe)
	}
	debugf("rewrote %d dependency paths\n", n)
	return nil
}

func (s *SourceBuildStrategy) CompactStdlib(ctx context.Context, dist *RuntimeDistribution, mode ZipMode) error {
	compiler := s.Compiler
	if compiler == nil {
		compiler = &CompileAll{Python: dist.RealExecutable(), Runner: s.deps.Runner, Jobs: s.deps.Config.Jobs}
	}
	c := &StdlibCompactor{Compiler: compiler}
	return c.Compact(ctx, dist, mode)
}

func (s *SourceBuildStrategy) IsolationEntries(dist *RuntimeDistribution) []string {
	short := dist.Version.Short()
	var entries []string
	if dist.Compacted {
		entries = append(entries, "lib/python"+dist.Version.Compact()+".zip")
	}
	return append(entries,
		"lib/python"+short,
		"lib/python"+short+"/lib-dynload",
		"lib/python"+short+"/site-packages",
	)
}

func (s *SourceBuildStrategy) Isolate(ctx context.Context, dist *RuntimeDistribution) error {
	if err := ensureRealExecutableAtRoot(dist.Layout); err != nil {
		return perr.Wrap(perr.CodeIsolationFailed, err, "place interpreter")
	}
	return isolate(dist, s.IsolationEntries(dist))
}

// PrepareBootstrap installs pip from the stdlib's bundled wheels; the clone
// is taken before compaction so ensurepip is still intact.
func (s *SourceBuildStrategy) PrepareBootstrap(ctx context.Context, env *BootstrapEnvironment) error {
	manifests, _ := filepath.Glob(filepath.Join(env.Root, "*._pth"))
	for _, m := range manifests {
		if err := os.Remove(m); err != nil {
			return perr.Wrap(perr.CodeInstallerFailed, err, "remove %s", m)
		}
	}
	cmd := exec.CommandContext(ctx, env.Python, append(bootstrapFlags(), "-m", "ensurepip", "--upgrade", "--default-pip")...)
	if err := s.deps.Runner.Run(cmd); err != nil {
		return perr.Wrap(perr.CodeInstallerFailed, err, "ensurepip")
	}
	return nil
}

func (s *SourceBuildStrategy) CoreLicense(dist *RuntimeDistribution) string {
	return filepath.Join(dist.StdlibDir(), "LICENSE.txt")
}
