package embedpy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	perr "embedpy/internal/errors"
)

// BinaryDistributionStrategy assembles the runtime from the official
// embeddable release plus the headers and import libraries of the matching
// development installer.
type BinaryDistributionStrategy struct {
	deps StrategyDeps
}

func NewBinaryDistributionStrategy(deps StrategyDeps) *BinaryDistributionStrategy {
	return &BinaryDistributionStrategy{deps: deps}
}

func (s *BinaryDistributionStrategy) Name() string { return "binary" }

// releaseArch maps GOARCH onto python.org's download naming.
func releaseArch() string {
	if arch == "arm64" {
		return "arm64"
	}
	return "amd64"
}

func (s *BinaryDistributionStrategy) embedURL(v PyVersion) string {
	return fmt.Sprintf("%s/%s/python-%s-embed-%s.zip", s.deps.Config.PythonFTP, v, v, releaseArch())
}

func (s *BinaryDistributionStrategy) devURL(v PyVersion) string {
	return fmt.Sprintf("%s/%s/%s/dev.msi", s.deps.Config.PythonFTP, v, releaseArch())
}

func (s *BinaryDistributionStrategy) Acquire(ctx context.Context, dist *RuntimeDistribution) error {
	embed, err := s.deps.Fetcher.Fetch(ctx, s.embedURL(dist.Version))
	if err != nil {
		return err
	}
	msi, err := s.deps.Fetcher.Fetch(ctx, s.devURL(dist.Version))
	if err != nil {
		return err
	}

	stepf("Unpacking embeddable runtime %s", dist.Version)
	if err := os.MkdirAll(dist.Root, 0o755); err != nil {
		return perr.Wrap(perr.CodeAcquisitionFailed, err, "create %s", dist.Root)
	}
	if err := unzipArchive(embed, dist.Root); err != nil {
		return perr.Wrap(perr.CodeAcquisitionFailed, err, "unpack %s", filepath.Base(embed))
	}

	stepf("Extracting development files")
	// An administrative install only unpacks the MSI payload into targetdir.
	cmd := exec.CommandContext(ctx, "msiexec.exe", "/qn", "/a", msi, "targetdir="+dist.Root)
	if err := s.deps.Runner.Run(cmd); err != nil {
		return perr.Wrap(perr.CodeAcquisitionFailed, err, "msiexec /a %s", filepath.Base(msi))
	}
	// msiexec leaves a copy of the package in the target.
	_ = os.Remove(filepath.Join(dist.Root, filepath.Base(msi)))
	return nil
}

// Relocate is a no-op: the embeddable runtime only references DLLs beside it.
func (s *BinaryDistributionStrategy) Relocate(ctx context.Context, dist *RuntimeDistribution) error {
	return nil
}

// CompactStdlib only records state; the release already ships pythonXY.zip.
func (s *BinaryDistributionStrategy) CompactStdlib(ctx context.Context, dist *RuntimeDistribution, mode ZipMode) error {
	if _, err := os.Stat(dist.StdlibArchive()); err != nil {
		return perr.Wrap(perr.CodeCompactionFailed, err, "embeddable runtime has no stdlib archive")
	}
	dist.Compacted = true
	return nil
}

func (s *BinaryDistributionStrategy) IsolationEntries(dist *RuntimeDistribution) []string {
	return []string{
		filepath.Base(dist.StdlibArchive()),
		".",
		"Lib/site-packages",
	}
}

// Isolate replaces the release's library-named manifest, which the runtime
// would otherwise prefer, with one named after the executable.
func (s *BinaryDistributionStrategy) Isolate(ctx context.Context, dist *RuntimeDistribution) error {
	libManifest := filepath.Join(dist.Root, "python"+dist.Version.Compact()+"._pth")
	if err := removePath(libManifest); err != nil {
		return perr.Wrap(perr.CodeIsolationFailed, err, "remove %s", libManifest)
	}
	return isolate(dist, s.IsolationEntries(dist))
}

// PrepareBootstrap removes every manifest so the clone behaves like a normal
// installation, moves extension modules to DLLs/ and runs get-pip.
func (s *BinaryDistributionStrategy) PrepareBootstrap(ctx context.Context, env *BootstrapEnvironment) error {
	manifests, _ := filepath.Glob(filepath.Join(env.Root, "*._pth"))
	for _, m := range manifests {
		if err := os.Remove(m); err != nil {
			return perr.Wrap(perr.CodeInstallerFailed, err, "remove %s", m)
		}
	}

	dlls := filepath.Join(env.Root, "DLLs")
	if err := os.MkdirAll(dlls, 0o755); err != nil {
		return perr.Wrap(perr.CodeInstallerFailed, err, "create DLLs")
	}
	pyds, _ := filepath.Glob(filepath.Join(env.Root, "*.pyd"))
	for _, p := range pyds {
		if err := moveFile(p, filepath.Join(dlls, filepath.Base(p))); err != nil {
			return perr.Wrap(perr.CodeInstallerFailed, err, "move %s", filepath.Base(p))
		}
	}

	getPip := filepath.Join(env.Root, "get-pip.py")
	if err := s.deps.Fetcher.FetchTo(ctx, s.deps.Config.GetPipURL, getPip); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, env.Python, append(bootstrapFlags(), getPip, "--no-warn-script-location")...)
	if err := s.deps.Runner.Run(cmd); err != nil {
		return perr.Wrap(perr.CodeInstallerFailed, err, "get-pip.py")
	}
	return nil
}

func (s *BinaryDistributionStrategy) CoreLicense(dist *RuntimeDistribution) string {
	return filepath.Join(dist.Root, "LICENSE.txt")
}
