package embedpy

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	perr "embedpy/internal/errors"
)

// Platform is a target operating system family.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformMacOS   Platform = "macos"
)

// HostPlatform maps the running OS to a Platform.
func HostPlatform() Platform {
	switch runtime.GOOS {
	case "windows":
		return PlatformWindows
	case "darwin":
		return PlatformMacOS
	default:
		return PlatformLinux
	}
}

func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(s) {
	case "windows":
		return PlatformWindows, nil
	case "linux":
		return PlatformLinux, nil
	case "macos", "darwin":
		return PlatformMacOS, nil
	}
	return "", perr.New(perr.CodeConfigInvalid, "unknown platform %q", s)
}

// BuildsFromSource is false only for platforms with an official prebuilt
// embeddable runtime.
func (p Platform) BuildsFromSource() bool { return p != PlatformWindows }

// sysPlatform is the interpreter's own name for the platform, as used in
// config-X.Y-<platform> directory names.
func (p Platform) sysPlatform() string {
	switch p {
	case PlatformMacOS:
		return "darwin"
	case PlatformWindows:
		return "win32"
	}
	return "linux"
}

// Layout knows where things live inside an installed runtime tree.
type Layout struct {
	Root     string
	Platform Platform
	Version  PyVersion
}

// StdlibDir is the loose standard library directory.
func (l Layout) StdlibDir() string {
	if l.Platform.BuildsFromSource() {
		return filepath.Join(l.Root, "lib", "python"+l.Version.Short())
	}
	return filepath.Join(l.Root, "Lib")
}

func (l Layout) SitePackages() string {
	return filepath.Join(l.StdlibDir(), "site-packages")
}

// StdlibArchive is the zipped standard library.
func (l Layout) StdlibArchive() string {
	name := "python" + l.Version.Compact() + ".zip"
	if l.Platform.BuildsFromSource() {
		return filepath.Join(l.Root, "lib", name)
	}
	return filepath.Join(l.Root, name)
}

// ExecutableName is the file name of the real interpreter binary.
func (l Layout) ExecutableName() string {
	if l.Platform.BuildsFromSource() {
		return "python" + l.Version.Short()
	}
	return "python.exe"
}

// RealExecutable is where the real interpreter binary lives once the tree
// has been normalised: always directly in Root.
func (l Layout) RealExecutable() string {
	return filepath.Join(l.Root, l.ExecutableName())
}

// BinDir is where installers expect to find the interpreter.
func (l Layout) BinDir() string {
	if l.Platform.BuildsFromSource() {
		return filepath.Join(l.Root, "bin")
	}
	return l.Root
}

// RuntimeDistribution is the self-contained interpreter tree being produced.
type RuntimeDistribution struct {
	Layout
	Policy VersionPolicy
	// BuildPrefix is the absolute path baked into binaries at configure time.
	BuildPrefix string
	// Compacted is set once the stdlib archive exists.
	Compacted bool
	// Manifest is set once the tree has been isolated.
	Manifest *IsolationManifest
}

// NewDistribution validates the version and returns an empty distribution
// rooted at root.
func NewDistribution(root string, platform Platform, v PyVersion) (*RuntimeDistribution, error) {
	policy, err := PolicyFor(v)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, perr.Wrap(perr.CodeConfigInvalid, err, "resolve %s", root)
	}
	return &RuntimeDistribution{
		Layout:      Layout{Root: abs, Platform: platform, Version: v},
		Policy:      policy,
		BuildPrefix: abs,
	}, nil
}

// OpenDistribution attaches to an already acquired tree, detecting compaction
// and isolation from what is on disk.
func OpenDistribution(root string, platform Platform, v PyVersion) (*RuntimeDistribution, error) {
	d, err := NewDistribution(root, platform, v)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(d.StdlibArchive()); err == nil {
		d.Compacted = true
	}
	if m, err := ReadIsolationManifest(d.RealExecutable()); err == nil {
		d.Manifest = &m
	}
	return d, nil
}

// Isolated reports whether the manifest has been written.
func (d *RuntimeDistribution) Isolated() bool { return d.Manifest != nil }

// BootstrapEnvironment is a disposable, non-isolated clone of a distribution
// with the packaging tools installed. It is never shipped.
type BootstrapEnvironment struct {
	Layout
	// Python is the interpreter to invoke inside the clone.
	Python string
}

// PlatformStrategy is everything that differs between a prebuilt binary
// runtime and one compiled from source. One is chosen per build.
type PlatformStrategy interface {
	Name() string
	// Acquire populates dist.Root with a working interpreter tree.
	Acquire(ctx context.Context, dist *RuntimeDistribution) error
	// Relocate moves the real executable to its final place and removes
	// absolute build paths from binaries. Running it twice is a no-op.
	Relocate(ctx context.Context, dist *RuntimeDistribution) error
	// CompactStdlib archives the standard library according to mode.
	CompactStdlib(ctx context.Context, dist *RuntimeDistribution, mode ZipMode) error
	// IsolationEntries are the ordered search roots, relative to Root.
	IsolationEntries(dist *RuntimeDistribution) []string
	// Isolate writes the isolation manifest beside the real executable.
	Isolate(ctx context.Context, dist *RuntimeDistribution) error
	// PrepareBootstrap turns a fresh clone into a tree with a working
	// package installer.
	PrepareBootstrap(ctx context.Context, env *BootstrapEnvironment) error
	// CoreLicense is the runtime's own license file.
	CoreLicense(dist *RuntimeDistribution) string
}

// StrategyDeps are the collaborators shared by both strategies.
type StrategyDeps struct {
	Config  *Config
	Runner  Runner
	Fetcher *Fetcher
	WorkDir string
	// OpenSSLVariant picks the casing of the <name>_ROOT variable consulted
	// when no OpenSSL directory is configured.
	OpenSSLVariant string
}

// StrategyFor selects the strategy for platform.
func StrategyFor(platform Platform, deps StrategyDeps) PlatformStrategy {
	if platform.BuildsFromSource() {
		return NewSourceBuildStrategy(deps)
	}
	return NewBinaryDistributionStrategy(deps)
}
