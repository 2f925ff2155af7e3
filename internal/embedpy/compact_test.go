package embedpy

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCompiler writes a .pyc beside every .py under the units, honouring
// the exclusion regex the way compileall does.
type fakeCompiler struct {
	mu    sync.Mutex
	units []string
	opts  CompileOptions
}

func (f *fakeCompiler) Compile(ctx context.Context, units []string, opts CompileOptions) error {
	f.mu.Lock()
	f.units = append(f.units, units...)
	f.opts = opts
	f.mu.Unlock()

	exclude := regexp.MustCompile(opts.Exclude)
	for _, u := range units {
		err := filepath.WalkDir(u, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(path, ".py") {
				return err
			}
			if exclude.MatchString(filepath.ToSlash(path)) {
				return nil
			}
			return os.WriteFile(path+"c", []byte("bytecode"), 0o644)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func stdlibFixture(t *testing.T, version string) *RuntimeDistribution {
	t.Helper()
	dist, err := NewDistribution(t.TempDir(), PlatformLinux, mustVersion(t, version))
	require.NoError(t, err)
	lib := dist.StdlibDir()
	short := dist.Version.Short()
	for _, f := range []string{
		"os.py",
		"abc.py",
		"LICENSE.txt",
		"json/__init__.py",
		"json/decoder.py",
		"json/__pycache__/decoder.cpython-311.pyc",
		"test/bad_coding.py",
		"lib-dynload/_ssl.so",
		"config-" + short + "-linux/Makefile",
		"config-" + short + "-linux/python-config.py",
		"site-packages/README.txt",
	} {
		writeFile(t, filepath.Join(lib, filepath.FromSlash(f)), "x")
	}
	return dist
}

func zipNames(t *testing.T, path string) ([]string, []uint16) {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	var names []string
	var methods []uint16
	for _, f := range r.File {
		names = append(names, f.Name)
		methods = append(methods, f.Method)
		assert.Equal(t, 1980, f.Modified.Year())
	}
	return names, methods
}

func TestCompactStored(t *testing.T) {
	dist := stdlibFixture(t, "3.11.4")
	comp := &fakeCompiler{}
	c := &StdlibCompactor{Compiler: comp}

	require.NoError(t, c.Compact(context.Background(), dist, ZipStored))
	assert.True(t, dist.Compacted)

	names, methods := zipNames(t, dist.StdlibArchive())
	assert.Equal(t, []string{"abc.pyc", "json/__init__.pyc", "json/decoder.pyc", "os.pyc"}, names)
	assert.True(t, sort.StringsAreSorted(names))
	for _, m := range methods {
		assert.Equal(t, zip.Store, m)
	}

	// kept dirs are neither compiled nor archived
	for _, u := range comp.units {
		base := filepath.Base(u)
		assert.NotEqual(t, "lib-dynload", base)
		assert.NotEqual(t, "site-packages", base)
		assert.False(t, strings.HasPrefix(base, "config-"))
	}
	assert.Equal(t, dist.Root, comp.opts.StripPrefix)

	lib := dist.StdlibDir()
	entries, err := os.ReadDir(lib)
	require.NoError(t, err)
	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	assert.ElementsMatch(t, []string{"lib-dynload", "site-packages", "config-3.11-linux"}, left)
	assert.FileExists(t, filepath.Join(lib, "lib-dynload", "_ssl.so"))
}

func TestCompactKeepsLandmarkOnOlderRuntimes(t *testing.T) {
	dist := stdlibFixture(t, "3.10.12")
	require.True(t, dist.Policy.NeedsLandmark)

	c := &StdlibCompactor{Compiler: &fakeCompiler{}}
	require.NoError(t, c.Compact(context.Background(), dist, ZipDeflated))

	assert.FileExists(t, filepath.Join(dist.StdlibDir(), "os.pyc"))
	assert.NoFileExists(t, filepath.Join(dist.StdlibDir(), "os.py"))
	_, methods := zipNames(t, dist.StdlibArchive())
	require.NotEmpty(t, methods)
	for _, m := range methods {
		assert.Equal(t, zip.Deflate, m)
	}
}

func TestCompactNoLeavesTreeAlone(t *testing.T) {
	dist := stdlibFixture(t, "3.11.4")
	comp := &fakeCompiler{}
	c := &StdlibCompactor{Compiler: comp}

	require.NoError(t, c.Compact(context.Background(), dist, ZipNo))
	assert.False(t, dist.Compacted)
	assert.Empty(t, comp.units)
	assert.NoFileExists(t, dist.StdlibArchive())
	assert.FileExists(t, filepath.Join(dist.StdlibDir(), "os.py"))
}

func TestCompileExclusions(t *testing.T) {
	l := Layout{Platform: PlatformMacOS, Version: PyVersion{3, 12, 1}}
	re := regexp.MustCompile(compileExclusions(l))
	assert.True(t, re.MatchString("/x/lib/python3.12/config-3.12-darwin/python-config.py"))
	assert.True(t, re.MatchString("/x/lib/python3.12/lib2to3/tests/data/bom.py"))
	assert.True(t, re.MatchString("/x/lib/python3.12/test/badsyntax_3131.py"))
	assert.False(t, re.MatchString("/x/lib/python3.12/json/decoder.py"))
}

func TestCompileAllChunksAcrossJobs(t *testing.T) {
	r := &fakeRunner{}
	c := &CompileAll{Python: "/d/python3.11", Runner: r, Jobs: 2}
	units := []string{"/d/lib/a.py", "/d/lib/b.py", "/d/lib/json"}
	require.NoError(t, c.Compile(context.Background(), units, CompileOptions{StripPrefix: "/d", Exclude: "x"}))

	calls := r.joined()
	require.Len(t, calls, 2)
	all := strings.Join(calls, "\n")
	for _, u := range units {
		assert.Contains(t, all, u)
	}
	for _, call := range calls {
		assert.Contains(t, call, "-m compileall -f -q -b --invalidation-mode unchecked-hash -o 0 -s /d -x x")
	}
}

func TestSourceIsolationEntries(t *testing.T) {
	s := NewSourceBuildStrategy(StrategyDeps{})
	dist, err := NewDistribution(t.TempDir(), PlatformLinux, mustVersion(t, "3.11.4"))
	require.NoError(t, err)

	assert.Equal(t, []string{"lib/python3.11", "lib/python3.11/lib-dynload", "lib/python3.11/site-packages"},
		s.IsolationEntries(dist))

	dist.Compacted = true
	assert.Equal(t, "lib/python311.zip", s.IsolationEntries(dist)[0])
}
