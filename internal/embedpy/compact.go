package embedpy

import (
	"context"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/errgroup"

	perr "embedpy/internal/errors"
)

// CompileOptions control a byte-compilation run.
type CompileOptions struct {
	// StripPrefix is removed from the source paths recorded in .pyc files.
	StripPrefix string
	// Exclude is a regular expression; matching paths are not compiled.
	Exclude string
}

// ByteCompiler turns .py files under the given units (files or directories)
// into .pyc files written next to their sources.
type ByteCompiler interface {
	Compile(ctx context.Context, units []string, opts CompileOptions) error
}

// CompileAll drives the interpreter's own compileall module. Units are split
// into Jobs chunks that run concurrently.
type CompileAll struct {
	Python string
	Runner Runner
	Jobs   int
}

func (c *CompileAll) Compile(ctx context.Context, units []string, opts CompileOptions) error {
	jobs := c.Jobs
	if jobs < 1 {
		jobs = 1
	}
	chunks := make([][]string, jobs)
	for i, u := range units {
		chunks[i%jobs] = append(chunks[i%jobs], u)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		args := []string{"-E", "-s", "-m", "compileall",
			"-f", "-q", "-b",
			"--invalidation-mode", "unchecked-hash",
			"-o", "0",
		}
		if opts.StripPrefix != "" {
			args = append(args, "-s", opts.StripPrefix)
		}
		if opts.Exclude != "" {
			args = append(args, "-x", opts.Exclude)
		}
		args = append(args, chunk...)
		g.Go(func() error {
			return runContext(ctx, c.Runner, exec.CommandContext(ctx, c.Python, args...))
		})
	}
	return g.Wait()
}

// StdlibCompactor replaces the loose standard library with a zip of
// bytecode, keeping only directories that cannot be imported from a zip.
type StdlibCompactor struct {
	Compiler ByteCompiler
}

// keptDirs are the stdlib subdirectories that stay loose.
func keptDirs(l Layout) []string {
	return []string{
		"lib-dynload",
		"site-packages",
		"config-" + l.Version.Short() + "-" + l.Platform.sysPlatform(),
	}
}

// compileExclusions are never compiled: the kept dirs plus test fixtures
// that are deliberately invalid source.
func compileExclusions(l Layout) string {
	parts := []string{}
	for _, d := range keptDirs(l) {
		parts = append(parts, regexp.QuoteMeta(d))
	}
	parts = append(parts, "bad_coding", "badsyntax", regexp.QuoteMeta("lib2to3/tests/data"))
	return strings.Join(parts, "|")
}

func isKeptDir(l Layout, name string) bool {
	if strings.HasPrefix(name, "config-"+l.Version.Short()) {
		return true
	}
	for _, d := range keptDirs(l) {
		if d == name {
			return true
		}
	}
	return false
}

// Compact byte-compiles, archives and prunes dist's standard library.
func (c *StdlibCompactor) Compact(ctx context.Context, dist *RuntimeDistribution, mode ZipMode) error {
	if mode == ZipNo {
		return nil
	}
	lib := dist.StdlibDir()
	entries, err := os.ReadDir(lib)
	if err != nil {
		return perr.Wrap(perr.CodeCompactionFailed, err, "read stdlib %s", lib)
	}

	var units []string
	for _, e := range entries {
		name := e.Name()
		switch {
		case e.IsDir() && (isKeptDir(dist.Layout, name) || name == "__pycache__"):
		case e.IsDir() || strings.HasSuffix(name, ".py"):
			units = append(units, filepath.Join(lib, name))
		}
	}

	stepf("Compiling %d stdlib units", len(units))
	opts := CompileOptions{StripPrefix: dist.Root, Exclude: compileExclusions(dist.Layout)}
	if err := c.Compiler.Compile(ctx, units, opts); err != nil {
		return perr.Ensure(perr.CodeCompactionFailed, err, "byte-compile stdlib")
	}

	archive := dist.StdlibArchive()
	stepf("Archiving stdlib into %s (%s)", filepath.Base(archive), mode)
	if err := writeStdlibZip(archive, lib, mode, func(name string) bool {
		return isKeptDir(dist.Layout, name)
	}); err != nil {
		return perr.Wrap(perr.CodeCompactionFailed, err, "write %s", archive)
	}

	if err := pruneStdlib(dist); err != nil {
		return perr.Wrap(perr.CodeCompactionFailed, err, "prune stdlib")
	}
	dist.Compacted = true
	return nil
}

// writeStdlibZip stores every .pyc under lib, with paths relative to lib,
// skipping __pycache__ and top-level directories for which skipTop is true.
func writeStdlibZip(zipPath, lib string, mode ZipMode, skipTop func(string) bool) error {
	var files []string
	err := filepath.WalkDir(lib, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(lib, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "__pycache__" || (rel != "." && !strings.Contains(rel, string(filepath.Separator)) && skipTop(rel)) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".pyc") {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(files)

	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Close()

	method := zip.Store
	if mode == ZipDeflated {
		method = zip.Deflate
	}
	zw := zip.NewWriter(out)
	for _, rel := range files {
		hdr := &zip.FileHeader{
			Name:     filepath.ToSlash(rel),
			Method:   method,
			Modified: reproducibleTime,
		}
		hdr.SetMode(0o644)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(filepath.Join(lib, rel))
		if err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		f.Close()
		if err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return out.Close()
}

// pruneStdlib deletes everything that now lives in the archive. Older
// runtimes find their prefix through os.pyc, so it stays as a landmark.
func pruneStdlib(dist *RuntimeDistribution) error {
	lib := dist.StdlibDir()
	entries, err := os.ReadDir(lib)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		path := filepath.Join(lib, name)
		if e.IsDir() {
			if isKeptDir(dist.Layout, name) {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				return err
			}
			continue
		}
		if name == "os.pyc" && dist.Policy.NeedsLandmark {
			continue
		}
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}
