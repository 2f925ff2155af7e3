package embedpy

import (
	"os"
	"regexp"
	"strings"

	perr "embedpy/internal/errors"
)

// Requirement is one exact "name==version" pin.
type Requirement struct {
	Name    string
	Version string
	Raw     string
}

var (
	pinPattern  = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)(\[[^\]]*\])?==([^\s=<>!~*]+)$`)
	nameLeading = regexp.MustCompile(`^([A-Za-z0-9._-]+)(?:\[[^\]]*\])?==`)
)

// ParseRequirement validates a single pin.
func ParseRequirement(spec string) (Requirement, error) {
	spec = strings.TrimSpace(spec)
	m := pinPattern.FindStringSubmatch(spec)
	if m == nil {
		return Requirement{}, perr.New(perr.CodeConfigInvalid,
			"requirement %q is not an exact name==version pin", spec)
	}
	return Requirement{Name: m[1], Version: m[3], Raw: spec}, nil
}

// normalizedName folds case and separators the way package indexes do.
func normalizedName(name string) string {
	return strings.ToLower(strings.NewReplacer("_", "-", ".", "-").Replace(name))
}

// RequirementList is the user's pinned package set plus the extra pins the
// pipeline forces. Extras are installed but never listed in packages.txt.
type RequirementList struct {
	Pinned []Requirement
	Extras []Requirement
}

// SplitRequirements splits the legacy free-form option: entries separated by
// tabs, newlines or spaces, with # starting a comment to end of line.
func SplitRequirements(input string) []string {
	var specs []string
	for _, line := range strings.Split(input, "\n") {
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		specs = append(specs, strings.Fields(line)...)
	}
	return specs
}

// NewRequirementList validates every spec.
func NewRequirementList(specs []string) (RequirementList, error) {
	var list RequirementList
	seen := make(map[string]bool)
	for _, s := range specs {
		if strings.TrimSpace(s) == "" {
			continue
		}
		r, err := ParseRequirement(s)
		if err != nil {
			return list, err
		}
		key := normalizedName(r.Name)
		if seen[key] {
			return list, perr.New(perr.CodeConfigInvalid, "package %s is pinned more than once", r.Name)
		}
		seen[key] = true
		list.Pinned = append(list.Pinned, r)
	}
	return list, nil
}

// ParseRequirements reads the legacy free-form string.
func ParseRequirements(input string) (RequirementList, error) {
	return NewRequirementList(SplitRequirements(input))
}

// ReadRequirementsFile parses a requirements.txt style file.
func ReadRequirementsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, perr.Wrap(perr.CodeConfigInvalid, err, "read requirements %s", path)
	}
	return SplitRequirements(string(data)), nil
}

// WithExtra appends a forced pin unless the user already pinned that package.
func (l RequirementList) WithExtra(spec string) (RequirementList, error) {
	r, err := ParseRequirement(spec)
	if err != nil {
		return l, err
	}
	if l.Has(r.Name) {
		return l, nil
	}
	out := RequirementList{
		Pinned: append([]Requirement(nil), l.Pinned...),
		Extras: append(append([]Requirement(nil), l.Extras...), r),
	}
	return out, nil
}

// Has reports whether name is pinned, comparing normalised names.
func (l RequirementList) Has(name string) bool {
	key := normalizedName(name)
	for _, r := range l.Pinned {
		if normalizedName(r.Name) == key {
			return true
		}
	}
	for _, r := range l.Extras {
		if normalizedName(r.Name) == key {
			return true
		}
	}
	return false
}

// Empty is true when the user asked for no packages.
func (l RequirementList) Empty() bool { return len(l.Pinned) == 0 }

// Lines returns user pins followed by forced extras, one per line.
func (l RequirementList) Lines() []string {
	out := make([]string, 0, len(l.Pinned)+len(l.Extras))
	for _, r := range l.Pinned {
		out = append(out, r.Raw)
	}
	for _, r := range l.Extras {
		out = append(out, r.Raw)
	}
	return out
}

// WriteFile writes the install input file consumed by the package installer.
func (l RequirementList) WriteFile(path string) error {
	return os.WriteFile(path, []byte(strings.Join(l.Lines(), "\n")+"\n"), 0o644)
}

// PackageNames extracts the name of every line shaped like "name==...".
// Lines that do not match are skipped.
func PackageNames(lines []string) []string {
	var names []string
	for _, line := range lines {
		if m := nameLeading.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			names = append(names, m[1])
		}
	}
	return names
}

// UserPackageNames is the content of packages.txt: user pins only.
func (l RequirementList) UserPackageNames() []string {
	lines := make([]string, 0, len(l.Pinned))
	for _, r := range l.Pinned {
		lines = append(lines, r.Raw)
	}
	return PackageNames(lines)
}
