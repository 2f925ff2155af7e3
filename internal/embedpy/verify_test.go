package embedpy

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perr "embedpy/internal/errors"
)

// reportRunner answers the self-report script with rep.
func reportRunner(t *testing.T, rep InterpreterReport) *fakeRunner {
	data, err := json.Marshal(rep)
	require.NoError(t, err)
	return &fakeRunner{Handle: func(cmd *exec.Cmd) error {
		_, err := cmd.Stdout.Write(append([]byte("noise from sitecustomize\n"), data...))
		return err
	}}
}

func boolPtr(b bool) *bool { return &b }

func manifestPaths(dist *RuntimeDistribution) []string {
	var out []string
	for _, e := range dist.Manifest.Entries {
		out = append(out, filepath.Join(dist.Root, filepath.FromSlash(e)))
	}
	return out
}

func TestVerifySearchPathAccepts(t *testing.T) {
	dist := isolatedFixture(t)
	r := reportRunner(t, InterpreterReport{
		Path:              manifestPaths(dist),
		Prefix:            dist.Root,
		Isolated:          1,
		IgnoreEnvironment: 1,
		EnableUserSite:    boolPtr(false),
	})
	require.NoError(t, VerifySearchPath(context.Background(), r, dist))
	assert.Contains(t, r.joined()[0], "python3.11 -c")
}

func TestVerifySearchPathRejectsOrder(t *testing.T) {
	dist := isolatedFixture(t)
	paths := manifestPaths(dist)
	paths[0], paths[1] = paths[1], paths[0]
	r := reportRunner(t, InterpreterReport{Path: paths, Isolated: 1, IgnoreEnvironment: 1})

	err := VerifySearchPath(context.Background(), r, dist)
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.CodeIsolationFailed))
}

func TestVerifySearchPathRejectsEscape(t *testing.T) {
	dist := isolatedFixture(t)
	paths := append(manifestPaths(dist), "/usr/lib/python3/dist-packages")
	r := reportRunner(t, InterpreterReport{Path: paths, Isolated: 1, IgnoreEnvironment: 1})

	err := VerifySearchPath(context.Background(), r, dist)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestVerifySearchPathRejectsExtraEntries(t *testing.T) {
	dist := isolatedFixture(t)
	paths := append(manifestPaths(dist), filepath.Join(dist.Root, "lib", "python3.11", "site-packages", "injected"))
	r := reportRunner(t, InterpreterReport{Path: paths, Isolated: 1, IgnoreEnvironment: 1})

	err := VerifySearchPath(context.Background(), r, dist)
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.CodeIsolationFailed))
	assert.Contains(t, err.Error(), "does not match manifest")
}

func TestVerifySearchPathRejectsUserSite(t *testing.T) {
	dist := isolatedFixture(t)
	r := reportRunner(t, InterpreterReport{
		Path: manifestPaths(dist), Isolated: 1, IgnoreEnvironment: 1, EnableUserSite: boolPtr(true),
	})
	require.Error(t, VerifySearchPath(context.Background(), r, dist))
}

func TestVerifySearchPathIsolationFlags(t *testing.T) {
	dist := isolatedFixture(t)
	require.True(t, dist.Policy.EnforcesIsolationFlags)
	rep := InterpreterReport{Path: manifestPaths(dist)}
	require.Error(t, VerifySearchPath(context.Background(), reportRunner(t, rep), dist))

	// runtimes below 3.11 are not required to report the flags
	dist.Policy.EnforcesIsolationFlags = false
	require.NoError(t, VerifySearchPath(context.Background(), reportRunner(t, rep), dist))
}

func TestVerifySearchPathNeedsManifest(t *testing.T) {
	dist, err := NewDistribution(t.TempDir(), PlatformLinux, mustVersion(t, "3.11.4"))
	require.NoError(t, err)
	require.Error(t, VerifySearchPath(context.Background(), &fakeRunner{}, dist))
}

func TestVerifyRelocatableIgnoresNonBinaries(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "python3.11"), "#!"+root+"/bin/python\n")
	findings, err := VerifyRelocatable(root, root)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

// writeELFWithRpath writes a minimal little-endian ELF64 shared object whose
// only dynamic entry is DT_RPATH = rpath.
func writeELFWithRpath(t *testing.T, path, rpath string) {
	t.Helper()
	align := func(n int) int { return (n + 7) &^ 7 }

	dynstr := []byte("\x00" + rpath + "\x00")
	shstr := []byte("\x00.dynstr\x00.dynamic\x00.shstrtab\x00")
	dynstrOff := 64
	dynamicOff := align(dynstrOff + len(dynstr))
	dynamicSize := 2 * 16
	shstrOff := dynamicOff + dynamicSize
	shOff := align(shstrOff + len(shstr))

	hdr := elf.Header64{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     uint64(shOff),
		Ehsize:    64,
		Phentsize: 56,
		Shentsize: 64,
		Shnum:     4,
		Shstrndx:  3,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	sections := []elf.Section64{
		{},
		{Name: 1, Type: uint32(elf.SHT_STRTAB), Off: uint64(dynstrOff), Size: uint64(len(dynstr)), Addralign: 1},
		{Name: 9, Type: uint32(elf.SHT_DYNAMIC), Off: uint64(dynamicOff), Size: uint64(dynamicSize), Link: 1, Addralign: 8, Entsize: 16},
		{Name: 18, Type: uint32(elf.SHT_STRTAB), Off: uint64(shstrOff), Size: uint64(len(shstr)), Addralign: 1},
	}

	var buf bytes.Buffer
	le := binary.LittleEndian
	require.NoError(t, binary.Write(&buf, le, hdr))
	buf.Write(dynstr)
	buf.Write(make([]byte, dynamicOff-buf.Len()))
	require.NoError(t, binary.Write(&buf, le, []elf.Dyn64{{Tag: int64(elf.DT_RPATH), Val: 1}, {Tag: int64(elf.DT_NULL)}}))
	buf.Write(shstr)
	buf.Write(make([]byte, shOff-buf.Len()))
	require.NoError(t, binary.Write(&buf, le, sections))

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o755))
}

func TestVerifyRelocatableFlagsAbsoluteRpath(t *testing.T) {
	root := t.TempDir()
	prefix := "/build/embedpy/prefix"
	writeELFWithRpath(t, filepath.Join(root, "lib", "libpython3.11.so.1.0"), prefix+"/lib:$ORIGIN")
	writeELFWithRpath(t, filepath.Join(root, "python3.11"), "$ORIGIN/lib")

	findings, err := VerifyRelocatable(root, prefix)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, filepath.Join("lib", "libpython3.11.so.1.0"), findings[0].File)
	assert.Equal(t, prefix+"/lib", findings[0].Path)
}

func TestVerifyDistributionRejectsLeftoverRpath(t *testing.T) {
	dist := isolatedFixture(t)
	writeELFWithRpath(t, filepath.Join(dist.Root, "lib", "libpython3.11.so.1.0"), dist.BuildPrefix+"/lib")

	err := VerifyDistribution(context.Background(), &fakeRunner{}, dist)
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.CodeRelocationFailed))
}
