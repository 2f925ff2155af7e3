package embedpy

import (
	"context"
	"os"
	"path/filepath"

	perr "embedpy/internal/errors"
)

// bootstrapFlags disable user site-packages and PYTHON* variables for every
// interpreter call made with packaging tools. -I is not used: it also drops
// the script directory from sys.path.
func bootstrapFlags() []string {
	return []string{"-s", "-E"}
}

// BuildBootstrap clones dist into dir and turns the clone into a working
// packaging environment with the pinned tools. dist must not have been
// isolated or compacted yet.
func BuildBootstrap(ctx context.Context, dist *RuntimeDistribution, strategy PlatformStrategy,
	installerFor func(python string) PackageInstaller, tools ToolVersions, dir string) (*BootstrapEnvironment, error) {

	if dist.Isolated() {
		return nil, perr.New(perr.CodeInstallerFailed, "cannot bootstrap from an isolated distribution")
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, perr.Wrap(perr.CodeInstallerFailed, err, "resolve %s", dir)
	}
	if err := removePath(root); err != nil {
		return nil, perr.Wrap(perr.CodeInstallerFailed, err, "clean %s", root)
	}

	stepf("Cloning runtime into bootstrap environment")
	if err := copyTree(dist.Root, root); err != nil {
		return nil, perr.Wrap(perr.CodeInstallerFailed, err, "clone %s", dist.Root)
	}

	layout := dist.Layout
	layout.Root = root
	env := &BootstrapEnvironment{Layout: layout, Python: layout.RealExecutable()}
	if _, err := os.Stat(env.Python); err != nil {
		return nil, perr.Wrap(perr.CodeInstallerFailed, err, "bootstrap interpreter")
	}

	if err := strategy.PrepareBootstrap(ctx, env); err != nil {
		return nil, perr.Ensure(perr.CodeInstallerFailed, err, "prepare bootstrap")
	}

	stepf("Installing packaging tools (pip %s, setuptools %s)", tools.Pip, tools.Setuptools)
	if err := installerFor(env.Python).InstallTools(ctx, tools.Specs()); err != nil {
		return nil, err
	}
	return env, nil
}

// Remove deletes the bootstrap tree.
func (b *BootstrapEnvironment) Remove() error {
	return removePath(b.Root)
}

// OpenBootstrap attaches to a bootstrap environment built earlier.
func OpenBootstrap(root string, platform Platform, v PyVersion) (*BootstrapEnvironment, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	layout := Layout{Root: abs, Platform: platform, Version: v}
	env := &BootstrapEnvironment{Layout: layout, Python: layout.RealExecutable()}
	if _, err := os.Stat(env.Python); err != nil {
		return nil, perr.Wrap(perr.CodeConfigInvalid, err, "no bootstrap interpreter in %s", abs)
	}
	return env, nil
}
