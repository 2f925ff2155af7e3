package embedpy

import (
	"context"
	"os/exec"

	perr "embedpy/internal/errors"
)

// PackageInstaller installs packages using a bootstrap interpreter.
type PackageInstaller interface {
	// InstallTools upgrades the bootstrap's own packaging tools.
	InstallTools(ctx context.Context, specs []string) error
	// Install puts the packages from requirementsFile into prefix without
	// resolving dependencies.
	Install(ctx context.Context, requirementsFile, prefix string) error
}

// Pip drives `python -m pip`.
type Pip struct {
	Python string
	Runner Runner
}

func NewPip(python string, r Runner) *Pip {
	return &Pip{Python: python, Runner: r}
}

func (p *Pip) command(ctx context.Context, args ...string) *exec.Cmd {
	argv := append(bootstrapFlags(), "-m", "pip")
	argv = append(argv, args...)
	return exec.CommandContext(ctx, p.Python, argv...)
}

func (p *Pip) InstallTools(ctx context.Context, specs []string) error {
	args := append([]string{"install", "--disable-pip-version-check", "--no-warn-script-location", "-U"}, specs...)
	if err := p.Runner.Run(p.command(ctx, args...)); err != nil {
		return perr.Wrap(perr.CodeInstallerFailed, err, "install packaging tools")
	}
	return nil
}

func (p *Pip) Install(ctx context.Context, requirementsFile, prefix string) error {
	cmd := p.command(ctx, "install",
		"--disable-pip-version-check",
		"--no-deps",
		"--prefix", prefix,
		"--ignore-installed",
		"--no-warn-script-location",
		"-r", requirementsFile,
	)
	if err := p.Runner.Run(cmd); err != nil {
		return perr.Wrap(perr.CodeInstallerFailed, err, "install requirements into %s", prefix)
	}
	return nil
}
