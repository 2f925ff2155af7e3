package embedpy

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	perr "embedpy/internal/errors"
)

const (
	packageLicensesFile = "package_licenses.txt"
	packagesFile        = "packages.txt"
	coreLicenseFile     = "LICENSE.txt"
)

// LicenseEntry is one installed package as reported by pip-licenses.
type LicenseEntry struct {
	Name    string `json:"Name"`
	Version string `json:"Version"`
	License string `json:"License"`
	Text    string `json:"LicenseText"`
}

// Missing reports whether no license text was found for the package.
func (e LicenseEntry) Missing() bool {
	t := strings.TrimSpace(e.Text)
	return t == "" || t == "UNKNOWN"
}

// LicenseManifest describes the licenses directory of a distribution.
type LicenseManifest struct {
	Dir      string
	Entries  []LicenseEntry
	Packages []string
}

// Harvester collects license texts for the packages installed in a
// distribution.
type Harvester interface {
	Harvest(ctx context.Context, finalPython string, reqs RequirementList, outDir string) (*LicenseManifest, error)
}

// PipLicenses runs pip-licenses from the bootstrap environment against the
// final interpreter.
type PipLicenses struct {
	Python string
	Runner Runner
}

func NewPipLicenses(python string, r Runner) *PipLicenses {
	return &PipLicenses{Python: python, Runner: r}
}

func (h *PipLicenses) command(ctx context.Context, finalPython string, args ...string) *exec.Cmd {
	argv := append(bootstrapFlags(), "-m", "piplicenses",
		"--python", finalPython,
		"--with-system",
		"--from=mixed",
		"--with-license-file",
		"--no-license-path",
	)
	return exec.CommandContext(ctx, h.Python, append(argv, args...)...)
}

func (h *PipLicenses) Harvest(ctx context.Context, finalPython string, reqs RequirementList, outDir string) (*LicenseManifest, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, perr.Wrap(perr.CodeLicenseHarvestFailed, err, "create %s", outDir)
	}

	stepf("Collecting package licenses")
	plain := h.command(ctx, finalPython, "--format=plain-vertical",
		"--output-file", filepath.Join(outDir, packageLicensesFile))
	if err := h.Runner.Run(plain); err != nil {
		return nil, perr.Wrap(perr.CodeLicenseHarvestFailed, err, "pip-licenses")
	}

	out, err := runOutput(h.Runner, h.command(ctx, finalPython, "--format=json"))
	if err != nil {
		return nil, perr.Wrap(perr.CodeLicenseHarvestFailed, err, "pip-licenses --format=json")
	}
	entries, err := ParseLicenseJSON([]byte(out))
	if err != nil {
		return nil, err
	}

	m := &LicenseManifest{Dir: outDir, Entries: entries, Packages: reqs.UserPackageNames()}
	if err := writePackagesFile(outDir, m.Packages); err != nil {
		return nil, err
	}
	for _, w := range m.Warnings() {
		warnf("%s", w)
	}
	return m, nil
}

// ParseLicenseJSON decodes pip-licenses JSON output.
func ParseLicenseJSON(data []byte) ([]LicenseEntry, error) {
	var entries []LicenseEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, perr.Wrap(perr.CodeLicenseHarvestFailed, err, "decode pip-licenses output")
	}
	return entries, nil
}

// Warnings lists packages without license text and requested packages that
// pip-licenses did not report at all. Neither fails the build.
func (m *LicenseManifest) Warnings() []string {
	var out []string
	seen := make(map[string]bool)
	for _, e := range m.Entries {
		seen[normalizedName(e.Name)] = true
		if e.Missing() {
			out = append(out, "no license text found for "+e.Name+" "+e.Version)
		}
	}
	for _, p := range m.Packages {
		if !seen[normalizedName(p)] {
			out = append(out, "no license information reported for "+p)
		}
	}
	return out
}

func writePackagesFile(dir string, names []string) error {
	content := ""
	if len(names) > 0 {
		content = strings.Join(names, "\n") + "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, packagesFile), []byte(content), 0o644); err != nil {
		return perr.Wrap(perr.CodeLicenseHarvestFailed, err, "write %s", packagesFile)
	}
	return nil
}

// copyCoreLicense places the runtime's own license in the licenses dir.
func copyCoreLicense(src, licensesDir string) error {
	if err := copyFile(src, filepath.Join(licensesDir, coreLicenseFile)); err != nil {
		return perr.Wrap(perr.CodeLicenseHarvestFailed, err, "copy runtime license")
	}
	return nil
}
