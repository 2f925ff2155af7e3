package embedpy

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	perr "embedpy/internal/errors"
)

// BuildRequest is a fully validated build.
type BuildRequest struct {
	Version        PyVersion
	Platform       Platform
	OutDir         string
	ZipStdlib      ZipMode
	Requirements   RequirementList
	Tools          ToolVersions
	OpenSSLVariant string
	// KeepWork leaves the bootstrap environment and build tree in place.
	KeepWork bool
}

// BuildResult is what a successful build produced.
type BuildResult struct {
	Distribution *RuntimeDistribution
	Licenses     *LicenseManifest
	LicensesDir  string
}

// Pipeline sequences the build stages. Collaborators left nil get their
// production implementations.
type Pipeline struct {
	Config  *Config
	Runner  Runner
	Fetcher *Fetcher

	Strategy     PlatformStrategy
	NewInstaller func(python string) PackageInstaller
	NewHarvester func(python string) Harvester
	// Verify runs the relocation scan and search-path check at the end.
	Verify bool
}

func (p *Pipeline) installerFor(python string) PackageInstaller {
	if p.NewInstaller != nil {
		return p.NewInstaller(python)
	}
	return NewPip(python, p.Runner)
}

func (p *Pipeline) harvesterFor(python string) Harvester {
	if p.NewHarvester != nil {
		return p.NewHarvester(python)
	}
	return NewPipLicenses(python, p.Runner)
}

// WorkDir is the scratch directory for one version/platform pair.
func (p *Pipeline) WorkDir(req BuildRequest) string {
	return filepath.Join(p.Config.WorkDir, req.Version.String()+"-"+string(req.Platform))
}

func (p *Pipeline) strategyFor(req BuildRequest) (PlatformStrategy, error) {
	if p.Strategy != nil {
		return p.Strategy, nil
	}
	if req.Platform != HostPlatform() {
		return nil, perr.New(perr.CodeConfigInvalid, "cannot build for %s on a %s host", req.Platform, HostPlatform())
	}
	return StrategyFor(req.Platform, StrategyDeps{
		Config:         p.Config,
		Runner:         p.Runner,
		Fetcher:        p.Fetcher,
		WorkDir:        p.WorkDir(req),
		OpenSSLVariant: req.OpenSSLVariant,
	}), nil
}

// ensureEmptyDir refuses to build over an existing tree.
func ensureEmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return perr.Wrap(perr.CodeConfigInvalid, err, "output directory %s", dir)
	}
	if len(entries) > 0 {
		return perr.New(perr.CodeConfigInvalid, "output directory %s is not empty", dir)
	}
	return nil
}

// Build produces an isolated distribution in req.OutDir.
func (p *Pipeline) Build(ctx context.Context, req BuildRequest) (*BuildResult, error) {
	dist, err := NewDistribution(req.OutDir, req.Platform, req.Version)
	if err != nil {
		return nil, err
	}
	if err := ensureEmptyDir(dist.Root); err != nil {
		return nil, err
	}
	strategy, err := p.strategyFor(req)
	if err != nil {
		return nil, err
	}
	workDir := p.WorkDir(req)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, perr.Wrap(perr.CodeConfigInvalid, err, "create work directory")
	}
	stepf("Building embedded Python %s for %s (%s strategy)", dist.Version, dist.Platform, strategy.Name())

	if err := strategy.Acquire(ctx, dist); err != nil {
		return nil, perr.Ensure(perr.CodeAcquisitionFailed, err, "acquire python %s", dist.Version)
	}
	if err := strategy.Relocate(ctx, dist); err != nil {
		return nil, perr.Ensure(perr.CodeRelocationFailed, err, "relocate")
	}

	res := &BuildResult{Distribution: dist, LicensesDir: filepath.Join(dist.Root, "licenses")}
	if err := copyCoreLicense(strategy.CoreLicense(dist), res.LicensesDir); err != nil {
		return nil, err
	}

	var boot *BootstrapEnvironment
	if !req.Requirements.Empty() {
		boot, err = BuildBootstrap(ctx, dist, strategy, p.installerFor, req.Tools, filepath.Join(workDir, "bootstrap"))
		if err != nil {
			return nil, err
		}
		if !req.KeepWork {
			defer func() {
				if err := boot.Remove(); err != nil {
					warnf("could not remove bootstrap environment: %v", err)
				}
			}()
		}
	}

	if err := strategy.CompactStdlib(ctx, dist, req.ZipStdlib); err != nil {
		return nil, perr.Ensure(perr.CodeCompactionFailed, err, "compact stdlib")
	}
	if err := strategy.Isolate(ctx, dist); err != nil {
		return nil, perr.Ensure(perr.CodeIsolationFailed, err, "isolate")
	}

	if boot != nil {
		if res.Licenses, err = p.installPackages(ctx, dist, boot, req, workDir, res.LicensesDir); err != nil {
			return nil, err
		}
	}

	if p.Verify {
		stepf("Verifying distribution")
		if err := VerifyDistribution(ctx, p.Runner, dist); err != nil {
			return nil, err
		}
	}
	stepf("Distribution ready in %s", dist.Root)
	return res, nil
}

// installPackages installs the user's pins plus the forced setuptools pin
// into the isolated distribution and harvests their licenses.
func (p *Pipeline) installPackages(ctx context.Context, dist *RuntimeDistribution, boot *BootstrapEnvironment,
	req BuildRequest, workDir, licensesDir string) (*LicenseManifest, error) {

	reqs, err := req.Requirements.WithExtra("setuptools==" + req.Tools.Setuptools)
	if err != nil {
		return nil, err
	}
	reqFile := filepath.Join(workDir, "requirements.txt")
	if err := reqs.WriteFile(reqFile); err != nil {
		return nil, perr.Wrap(perr.CodeInstallerFailed, err, "write %s", reqFile)
	}

	stepf("Installing %d packages", len(reqs.Lines()))
	if err := p.installerFor(boot.Python).Install(ctx, reqFile, dist.Root); err != nil {
		return nil, perr.Ensure(perr.CodeInstallerFailed, err, "install packages")
	}
	m, err := p.harvesterFor(boot.Python).Harvest(ctx, dist.RealExecutable(), reqs, licensesDir)
	if err != nil {
		return nil, perr.Ensure(perr.CodeLicenseHarvestFailed, err, "harvest licenses")
	}
	return m, nil
}
