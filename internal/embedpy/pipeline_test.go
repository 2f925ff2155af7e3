package embedpy

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perr "embedpy/internal/errors"
)

// fakeStrategy builds a plausible tree without any toolchain and records
// the order in which stages ran.
type fakeStrategy struct {
	steps      []string
	acquireErr error
	entries    []string
}

func (s *fakeStrategy) Name() string { return "fake" }

func (s *fakeStrategy) Acquire(ctx context.Context, dist *RuntimeDistribution) error {
	s.steps = append(s.steps, "acquire")
	if s.acquireErr != nil {
		return s.acquireErr
	}
	if err := os.MkdirAll(dist.StdlibDir(), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dist.RealExecutable(), []byte("ELF"), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dist.StdlibDir(), "LICENSE.txt"), []byte("PSF"), 0o644)
}

func (s *fakeStrategy) Relocate(ctx context.Context, dist *RuntimeDistribution) error {
	s.steps = append(s.steps, "relocate")
	return nil
}

func (s *fakeStrategy) CompactStdlib(ctx context.Context, dist *RuntimeDistribution, mode ZipMode) error {
	s.steps = append(s.steps, "compact:"+string(mode))
	dist.Compacted = mode != ZipNo
	return nil
}

func (s *fakeStrategy) IsolationEntries(dist *RuntimeDistribution) []string {
	if s.entries != nil {
		return s.entries
	}
	return []string{"lib/python" + dist.Version.Short(), "lib/python" + dist.Version.Short() + "/site-packages"}
}

func (s *fakeStrategy) Isolate(ctx context.Context, dist *RuntimeDistribution) error {
	s.steps = append(s.steps, "isolate")
	return isolate(dist, s.IsolationEntries(dist))
}

func (s *fakeStrategy) PrepareBootstrap(ctx context.Context, env *BootstrapEnvironment) error {
	s.steps = append(s.steps, "prepare-bootstrap")
	return nil
}

func (s *fakeStrategy) CoreLicense(dist *RuntimeDistribution) string {
	return filepath.Join(dist.StdlibDir(), "LICENSE.txt")
}

// fakeInstaller records what would be installed and where.
type fakeInstaller struct {
	python       string
	tools        []string
	requirements string
	prefix       string
	steps        *[]string
}

func (f *fakeInstaller) InstallTools(ctx context.Context, specs []string) error {
	f.tools = specs
	*f.steps = append(*f.steps, "install-tools")
	return nil
}

func (f *fakeInstaller) Install(ctx context.Context, requirementsFile, prefix string) error {
	data, err := os.ReadFile(requirementsFile)
	if err != nil {
		return err
	}
	f.requirements = string(data)
	f.prefix = prefix
	*f.steps = append(*f.steps, "install")
	return nil
}

func newTestPipeline(t *testing.T, s *fakeStrategy) (*Pipeline, *fakeInstaller) {
	inst := &fakeInstaller{steps: &s.steps}
	p := &Pipeline{
		Config:   &Config{WorkDir: t.TempDir(), Jobs: 1},
		Runner:   &fakeRunner{},
		Strategy: s,
		NewInstaller: func(python string) PackageInstaller {
			inst.python = python
			return inst
		},
		NewHarvester: func(python string) Harvester {
			return NewPipLicenses(python, pipLicensesRunner())
		},
	}
	return p, inst
}

func TestBuildWithoutPackages(t *testing.T) {
	s := &fakeStrategy{}
	p, inst := newTestPipeline(t, s)
	out := filepath.Join(t.TempDir(), "embedded_python")

	res, err := p.Build(context.Background(), BuildRequest{
		Version:   mustVersion(t, "3.11.4"),
		Platform:  PlatformLinux,
		OutDir:    out,
		ZipStdlib: ZipStored,
		Tools:     DefaultTools,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"acquire", "relocate", "compact:stored", "isolate"}, s.steps)
	assert.Empty(t, inst.python)
	assert.Nil(t, res.Licenses)
	assert.True(t, res.Distribution.Isolated())
	assert.FileExists(t, filepath.Join(out, "licenses", "LICENSE.txt"))
	assert.FileExists(t, filepath.Join(out, "python3._pth"))
}

func TestBuildWithPackages(t *testing.T) {
	s := &fakeStrategy{}
	p, inst := newTestPipeline(t, s)
	out := filepath.Join(t.TempDir(), "embedded_python")
	reqs, err := ParseRequirements("requests==2.31.0\nsix==1.16.0")
	require.NoError(t, err)

	req := BuildRequest{
		Version:      mustVersion(t, "3.12.1"),
		Platform:     PlatformMacOS,
		OutDir:       out,
		ZipStdlib:    ZipDeflated,
		Requirements: reqs,
		Tools:        DefaultTools,
	}
	res, err := p.Build(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"acquire", "relocate",
		"prepare-bootstrap", "install-tools",
		"compact:deflated", "isolate",
		"install",
	}, s.steps)

	bootDir := filepath.Join(p.WorkDir(req), "bootstrap")
	assert.Equal(t, filepath.Join(bootDir, "python3.12"), inst.python)
	assert.NoDirExists(t, bootDir)

	assert.Equal(t, res.Distribution.Root, inst.prefix)
	assert.Equal(t, "requests==2.31.0\nsix==1.16.0\nsetuptools==69.0.2\n", inst.requirements)
	assert.Equal(t, DefaultTools.Specs(), inst.tools)

	data, err := os.ReadFile(filepath.Join(out, "licenses", packagesFile))
	require.NoError(t, err)
	assert.Equal(t, "requests\nsix\n", string(data))
	require.NotNil(t, res.Licenses)
	assert.FileExists(t, filepath.Join(out, "licenses", packageLicensesFile))
	assert.FileExists(t, filepath.Join(out, "licenses", "LICENSE.txt"))
}

func TestBuildKeepWorkLeavesBootstrap(t *testing.T) {
	s := &fakeStrategy{}
	p, _ := newTestPipeline(t, s)
	reqs, err := ParseRequirements("six==1.16.0")
	require.NoError(t, err)

	req := BuildRequest{
		Version:      mustVersion(t, "3.11.4"),
		Platform:     PlatformLinux,
		OutDir:       filepath.Join(t.TempDir(), "out"),
		Requirements: reqs,
		Tools:        DefaultTools,
		KeepWork:     true,
	}
	_, err = p.Build(context.Background(), req)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(p.WorkDir(req), "bootstrap"))
}

func TestBuildRejectsUnsupportedVersionBeforeAcquiring(t *testing.T) {
	s := &fakeStrategy{}
	p, _ := newTestPipeline(t, s)

	_, err := p.Build(context.Background(), BuildRequest{
		Version:  PyVersion{3, 8, 10},
		Platform: PlatformLinux,
		OutDir:   t.TempDir(),
	})
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.CodeConfigInvalid))
	assert.Empty(t, s.steps)
}

func TestBuildRejectsNonEmptyOutput(t *testing.T) {
	s := &fakeStrategy{}
	p, _ := newTestPipeline(t, s)
	out := t.TempDir()
	writeFile(t, filepath.Join(out, "stale"), "x")

	_, err := p.Build(context.Background(), BuildRequest{
		Version:  mustVersion(t, "3.11.4"),
		Platform: PlatformLinux,
		OutDir:   out,
	})
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.CodeConfigInvalid))
	assert.Empty(t, s.steps)
}

func TestBuildRejectsCrossPlatform(t *testing.T) {
	p := &Pipeline{Config: &Config{WorkDir: t.TempDir()}, Runner: &fakeRunner{}}
	target := PlatformWindows
	if HostPlatform() == PlatformWindows {
		target = PlatformLinux
	}

	_, err := p.Build(context.Background(), BuildRequest{
		Version:  mustVersion(t, "3.11.4"),
		Platform: target,
		OutDir:   filepath.Join(t.TempDir(), "out"),
	})
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.CodeConfigInvalid))
}

func TestBuildClassifiesAcquireFailure(t *testing.T) {
	s := &fakeStrategy{acquireErr: errors.New("connection reset")}
	p, _ := newTestPipeline(t, s)

	_, err := p.Build(context.Background(), BuildRequest{
		Version:  mustVersion(t, "3.11.4"),
		Platform: PlatformLinux,
		OutDir:   filepath.Join(t.TempDir(), "out"),
	})
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.CodeAcquisitionFailed))
	assert.Equal(t, []string{"acquire"}, s.steps)
}

func TestBuildKeepsInnerErrorCode(t *testing.T) {
	s := &fakeStrategy{acquireErr: perr.New(perr.CodeToolchainFailed, "make failed")}
	p, _ := newTestPipeline(t, s)

	_, err := p.Build(context.Background(), BuildRequest{
		Version:  mustVersion(t, "3.11.4"),
		Platform: PlatformLinux,
		OutDir:   filepath.Join(t.TempDir(), "out"),
	})
	require.Error(t, err)
	assert.Equal(t, perr.CodeToolchainFailed, perr.GetCode(err))
}

func TestBuildInstallFailureStopsBeforeLicenses(t *testing.T) {
	s := &fakeStrategy{}
	p, _ := newTestPipeline(t, s)
	p.NewInstaller = func(python string) PackageInstaller { return NewPip(python, &fakeRunner{Handle: installFailsOnPrefix}) }
	reqs, err := ParseRequirements("six==1.16.0")
	require.NoError(t, err)
	out := filepath.Join(t.TempDir(), "out")

	_, err = p.Build(context.Background(), BuildRequest{
		Version:      mustVersion(t, "3.11.4"),
		Platform:     PlatformLinux,
		OutDir:       out,
		Requirements: reqs,
		Tools:        DefaultTools,
	})
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.CodeInstallerFailed))
	assert.NoFileExists(t, filepath.Join(out, "licenses", packagesFile))
}

func installFailsOnPrefix(cmd *exec.Cmd) error {
	if argIndex(cmd.Args, "--prefix") > 0 {
		return errors.New("exit status 1")
	}
	return nil
}
