package embedpy

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	perr "embedpy/internal/errors"
)

// ZipMode selects how the compacted standard library is archived.
type ZipMode string

const (
	ZipNo       ZipMode = "no"
	ZipStored   ZipMode = "stored"
	ZipDeflated ZipMode = "deflated"
)

func ParseZipMode(s string) (ZipMode, error) {
	switch m := ZipMode(s); m {
	case ZipNo, ZipStored, ZipDeflated:
		return m, nil
	case "":
		return ZipStored, nil
	}
	return "", perr.New(perr.CodeConfigInvalid, "zip_stdlib must be no, stored or deflated, got %q", s)
}

// ToolVersions pins the bootstrap tooling.
type ToolVersions struct {
	Pip         string `toml:"pip"`
	Setuptools  string `toml:"setuptools"`
	Wheel       string `toml:"wheel"`
	PipLicenses string `toml:"pip_licenses"`
}

// DefaultTools are the pins used when a recipe does not name its own.
var DefaultTools = ToolVersions{
	Pip:         "23.3.1",
	Setuptools:  "69.0.2",
	Wheel:       "0.42.0",
	PipLicenses: "4.3.3",
}

// Specs renders the tool pins in installer syntax.
func (t ToolVersions) Specs() []string {
	return []string{
		"pip==" + t.Pip,
		"setuptools==" + t.Setuptools,
		"wheel==" + t.Wheel,
		"pip-licenses==" + t.PipLicenses,
	}
}

// Recipe is one build request as written in a recipe.toml.
type Recipe struct {
	Version          string       `toml:"version"`
	Platform         string       `toml:"platform"`
	ZipStdlib        string       `toml:"zip_stdlib"`
	Packages         []string     `toml:"packages"`
	RequirementsFile string       `toml:"requirements_file"`
	OpenSSLVariant   string       `toml:"openssl_variant"`
	Tools            ToolVersions `toml:"tools"`
}

// LoadRecipe decodes a recipe file. Unknown keys are rejected.
// Relative requirements_file paths resolve against the recipe's directory.
func LoadRecipe(path string) (Recipe, error) {
	var r Recipe
	data, err := os.ReadFile(path)
	if err != nil {
		return r, perr.Wrap(perr.CodeConfigInvalid, err, "read recipe %s", path)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return r, perr.Wrap(perr.CodeConfigInvalid, err, "parse recipe %s", path)
	}
	if r.RequirementsFile != "" && !filepath.IsAbs(r.RequirementsFile) {
		r.RequirementsFile = filepath.Join(filepath.Dir(path), r.RequirementsFile)
	}
	return r, nil
}

// ToolsOrDefault fills unset tool pins from DefaultTools.
func (r Recipe) ToolsOrDefault() ToolVersions {
	t := r.Tools
	if t.Pip == "" {
		t.Pip = DefaultTools.Pip
	}
	if t.Setuptools == "" {
		t.Setuptools = DefaultTools.Setuptools
	}
	if t.Wheel == "" {
		t.Wheel = DefaultTools.Wheel
	}
	if t.PipLicenses == "" {
		t.PipLicenses = DefaultTools.PipLicenses
	}
	return t
}

// Requirements merges inline packages with the requirements file.
func (r Recipe) Requirements() (RequirementList, error) {
	var specs []string
	for _, p := range r.Packages {
		specs = append(specs, SplitRequirements(p)...)
	}
	if r.RequirementsFile != "" {
		more, err := ReadRequirementsFile(r.RequirementsFile)
		if err != nil {
			return RequirementList{}, err
		}
		specs = append(specs, more...)
	}
	return NewRequirementList(specs)
}

// BuildRequest resolves a recipe into a validated request. Validation
// happens here so a bad recipe fails before anything is downloaded.
func (r Recipe) BuildRequest(outDir string) (BuildRequest, error) {
	var req BuildRequest
	v, err := ParseVersion(r.Version)
	if err != nil {
		return req, err
	}
	if _, err := PolicyFor(v); err != nil {
		return req, err
	}
	platform := HostPlatform()
	if r.Platform != "" {
		if platform, err = ParsePlatform(r.Platform); err != nil {
			return req, err
		}
	}
	mode, err := ParseZipMode(r.ZipStdlib)
	if err != nil {
		return req, err
	}
	if err := checkOpenSSLVariant(r.OpenSSLVariant); err != nil {
		return req, err
	}
	reqs, err := r.Requirements()
	if err != nil {
		return req, err
	}
	return BuildRequest{
		Version:        v,
		Platform:       platform,
		OutDir:         outDir,
		ZipStdlib:      mode,
		Requirements:   reqs,
		Tools:          r.ToolsOrDefault(),
		OpenSSLVariant: r.OpenSSLVariant,
	}, nil
}

func checkOpenSSLVariant(v string) error {
	switch v {
	case "", "lowercase", "uppercase":
		return nil
	}
	return perr.New(perr.CodeConfigInvalid, "openssl_variant must be lowercase or uppercase, got %q", v)
}
