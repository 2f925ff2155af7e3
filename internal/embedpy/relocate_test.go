package embedpy

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBinary keeps dependency paths in memory so rewrites are observable.
type fakeBinary struct {
	deps     []string
	rewrites int
}

func (b *fakeBinary) Dependencies(ctx context.Context, binary string) ([]string, error) {
	return append([]string(nil), b.deps...), nil
}

func (b *fakeBinary) Rewrite(ctx context.Context, binary, oldPath, newPath string) error {
	for i, d := range b.deps {
		if d == oldPath {
			b.deps[i] = newPath
			b.rewrites++
		}
	}
	return nil
}

func TestParseOtoolOutput(t *testing.T) {
	out := "/opt/py/python3.11:\n" +
		"\t/opt/py/lib/libpython3.11.dylib (compatibility version 3.11.0, current version 3.11.0)\n" +
		"\t/usr/lib/libSystem.B.dylib (compatibility version 1.0.0, current version 1311.0.0)\n"
	assert.Equal(t, []string{"/opt/py/lib/libpython3.11.dylib", "/usr/lib/libSystem.B.dylib"}, parseOtoolOutput(out))
}

func TestExecutableRelative(t *testing.T) {
	got, ok := executableRelative("/opt/py/lib/libpython3.11.dylib", "/opt/py", "/opt/py")
	require.True(t, ok)
	assert.Equal(t, "@executable_path/lib/libpython3.11.dylib", got)

	got, ok = executableRelative("/opt/py/lib/libpython3.11.dylib", "/opt/py/", "/opt/py/bin")
	require.True(t, ok)
	assert.Equal(t, "@executable_path/../lib/libpython3.11.dylib", got)

	_, ok = executableRelative("/opt/python/lib/libz.dylib", "/opt/py", "/opt/py")
	assert.False(t, ok)
	_, ok = executableRelative("/usr/lib/libSystem.B.dylib", "/opt/py", "/opt/py")
	assert.False(t, ok)
}

func TestRelocateIsIdempotent(t *testing.T) {
	bin := &fakeBinary{deps: []string{
		"/opt/py/lib/libpython3.11.dylib",
		"/usr/lib/libSystem.B.dylib",
	}}
	r := &Relocator{Inspector: bin, Rewriter: bin}

	n, err := r.Relocate(context.Background(), "/opt/py/python3.11", "/opt/py", "/opt/py")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "@executable_path/lib/libpython3.11.dylib", bin.deps[0])
	assert.Equal(t, "/usr/lib/libSystem.B.dylib", bin.deps[1])

	n, err = r.Relocate(context.Background(), "/opt/py/python3.11", "/opt/py", "/opt/py")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, bin.rewrites)
}

func TestSourceRelocateMacOS(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks")
	}
	dist, err := NewDistribution(t.TempDir(), PlatformMacOS, mustVersion(t, "3.12.1"))
	require.NoError(t, err)
	writeFile(t, filepath.Join(dist.Root, "bin", "python3.12"), "MACHO")

	bin := &fakeBinary{deps: []string{filepath.Join(dist.Root, "lib", "libpython3.12.dylib")}}
	s := NewSourceBuildStrategy(StrategyDeps{})
	s.Relocator = &Relocator{Inspector: bin, Rewriter: bin}

	require.NoError(t, s.Relocate(context.Background(), dist))
	assert.Equal(t, "@executable_path/lib/libpython3.12.dylib", bin.deps[0])

	info, err := os.Lstat(dist.RealExecutable())
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())

	require.NoError(t, s.Relocate(context.Background(), dist))
	assert.Equal(t, 1, bin.rewrites)
}

func TestSourceRelocateLinuxOnlyPlacesExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks")
	}
	dist, err := NewDistribution(t.TempDir(), PlatformLinux, mustVersion(t, "3.11.4"))
	require.NoError(t, err)
	writeFile(t, filepath.Join(dist.Root, "bin", "python3.11"), "ELF")

	bin := &fakeBinary{}
	s := NewSourceBuildStrategy(StrategyDeps{})
	s.Relocator = &Relocator{Inspector: bin, Rewriter: bin}

	require.NoError(t, s.Relocate(context.Background(), dist))
	assert.FileExists(t, dist.RealExecutable())
	assert.Zero(t, bin.rewrites)
}
