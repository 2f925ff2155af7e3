package embedpy

import (
	"fmt"
	"strconv"
	"strings"

	perr "embedpy/internal/errors"
)

// PyVersion is a three-part CPython release number.
type PyVersion struct {
	Major, Minor, Patch int
}

// ParseVersion accepts "X.Y.Z" (and "X.Y", meaning X.Y.0).
func ParseVersion(s string) (PyVersion, error) {
	var v PyVersion
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 || len(parts) > 3 {
		return v, perr.New(perr.CodeConfigInvalid, "malformed python version %q", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return v, perr.New(perr.CodeConfigInvalid, "malformed python version %q", s)
		}
		nums[i] = n
	}
	return PyVersion{nums[0], nums[1], nums[2]}, nil
}

func (v PyVersion) String() string { return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch) }

// Short is the major.minor form used in directory names ("3.11").
func (v PyVersion) Short() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Compact is the dotless form used in archive and DLL names ("311").
func (v PyVersion) Compact() string { return fmt.Sprintf("%d%d", v.Major, v.Minor) }

// Compare returns -1, 0 or 1.
func (v PyVersion) Compare(o PyVersion) int {
	for _, d := range [3]int{v.Major - o.Major, v.Minor - o.Minor, v.Patch - o.Patch} {
		if d < 0 {
			return -1
		}
		if d > 0 {
			return 1
		}
	}
	return 0
}

func (v PyVersion) Less(o PyVersion) bool { return v.Compare(o) < 0 }

// MinimumVersion is the oldest release the pipeline accepts.
var MinimumVersion = PyVersion{3, 9, 8}

// VersionPolicy collects every version-dependent decision in one place.
// Policies are ordered by Below; the first whose bound exceeds the version
// applies. A zero Below means unbounded.
type VersionPolicy struct {
	Below PyVersion

	Supported bool
	// NeedsLandmark keeps os.pyc as a loose file after stdlib compaction.
	// Older runtimes locate their prefix by it.
	NeedsLandmark bool
	// EnforcesIsolationFlags is true when the runtime reports the isolation
	// manifest through sys.flags.isolated and ignore_environment.
	EnforcesIsolationFlags bool
	// NeedsClangMultiarchPatch marks releases whose configure script breaks
	// on clang's multiarch output. Always below MinimumVersion today.
	NeedsClangMultiarchPatch bool
	// Mpdecimal is the libmpdec release expected on the build host.
	Mpdecimal string
}

// BuildDependencies lists the native libraries a source build links against
// and the releases they are pinned to.
func (p VersionPolicy) BuildDependencies() map[string]string {
	return map[string]string{
		"sqlite3":   "3.42.0",
		"bzip2":     "1.0.8",
		"xz":        "5.4.2",
		"zlib":      "1.2.13",
		"libffi":    "3.4.4",
		"libuuid":   "1.0.3",
		"mpdecimal": p.Mpdecimal,
		"openssl":   "1.1.1",
	}
}

var versionPolicies = []VersionPolicy{
	{Below: PyVersion{3, 9, 8}, Supported: false, NeedsLandmark: true, NeedsClangMultiarchPatch: true},
	{Below: PyVersion{3, 11, 0}, Supported: true, NeedsLandmark: true, Mpdecimal: "2.5.0"},
	{Below: PyVersion{3, 13, 0}, Supported: true, EnforcesIsolationFlags: true, Mpdecimal: "2.5.0"},
	{Supported: true, EnforcesIsolationFlags: true, Mpdecimal: "4.0.0"},
}

// PolicyFor returns the policy for v, or CONFIG_INVALID when v is older
// than MinimumVersion.
func PolicyFor(v PyVersion) (VersionPolicy, error) {
	for _, p := range versionPolicies {
		if p.Below == (PyVersion{}) || v.Less(p.Below) {
			if !p.Supported {
				return p, perr.New(perr.CodeConfigInvalid,
					"python %s is not supported, minimum is %s", v, MinimumVersion)
			}
			return p, nil
		}
	}
	return VersionPolicy{}, perr.New(perr.CodeConfigInvalid, "no policy for python %s", v)
}
