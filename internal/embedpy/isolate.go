package embedpy

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	perr "embedpy/internal/errors"
)

// IsolationManifest is the ._pth file: the ordered module search roots,
// relative to the directory of the real executable. Its presence switches
// the interpreter into isolated mode.
type IsolationManifest struct {
	Entries []string
	// ImportSite appends "import site" so .pth files in site-packages are
	// still processed.
	ImportSite bool
}

// ManifestPath returns the ._pth path the runtime looks for next to exe:
// the executable's path with its last extension replaced.
func ManifestPath(exe string) string {
	return strings.TrimSuffix(exe, filepath.Ext(exe)) + "._pth"
}

// Render produces the file content. Entries are written with the target
// platform's separator.
func (m IsolationManifest) Render(p Platform) []byte {
	var b bytes.Buffer
	for _, e := range m.Entries {
		if p == PlatformWindows {
			e = strings.ReplaceAll(e, "/", `\`)
		}
		b.WriteString(e)
		b.WriteByte('\n')
	}
	if m.ImportSite {
		b.WriteString("import site\n")
	}
	return b.Bytes()
}

// ParseIsolationManifest reads manifest content back. Comments and blank
// lines are ignored and entries are normalised to forward slashes.
func ParseIsolationManifest(data []byte) IsolationManifest {
	var m IsolationManifest
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
		case line == "import site":
			m.ImportSite = true
		default:
			m.Entries = append(m.Entries, strings.ReplaceAll(line, `\`, "/"))
		}
	}
	return m
}

// ReadIsolationManifest loads the manifest belonging to exe.
func ReadIsolationManifest(exe string) (IsolationManifest, error) {
	data, err := os.ReadFile(ManifestPath(exe))
	if err != nil {
		return IsolationManifest{}, err
	}
	return ParseIsolationManifest(data), nil
}

// writeIsolationManifest places the manifest beside exe, which must be a
// real file rather than a link to one.
func writeIsolationManifest(exe string, p Platform, m IsolationManifest) error {
	info, err := os.Lstat(exe)
	if err != nil {
		return perr.Wrap(perr.CodeIsolationFailed, err, "interpreter %s", exe)
	}
	if !info.Mode().IsRegular() {
		return perr.New(perr.CodeIsolationFailed, "%s is not a regular file, the manifest would not be found", exe)
	}
	if err := os.WriteFile(ManifestPath(exe), m.Render(p), 0o644); err != nil {
		return perr.Wrap(perr.CodeIsolationFailed, err, "write isolation manifest")
	}
	return nil
}

// isolate is the shared part of every strategy's Isolate: make sure the
// search roots exist, then write the manifest.
func isolate(dist *RuntimeDistribution, entries []string) error {
	if err := os.MkdirAll(dist.SitePackages(), 0o755); err != nil {
		return perr.Wrap(perr.CodeIsolationFailed, err, "create site-packages")
	}
	m := IsolationManifest{Entries: entries, ImportSite: true}
	if err := writeIsolationManifest(dist.RealExecutable(), dist.Platform, m); err != nil {
		return err
	}
	dist.Manifest = &m
	stepf("Isolated %s (%d search roots)", dist.RealExecutable(), len(entries))
	return nil
}

// ensureRealExecutableAtRoot moves bin/pythonX.Y into the tree root and
// leaves a relative symlink behind, so existing bin/ aliases keep working.
// Already-normalised trees are left alone.
func ensureRealExecutableAtRoot(l Layout) error {
	real := l.RealExecutable()
	link := filepath.Join(l.BinDir(), l.ExecutableName())
	target := filepath.Join("..", l.ExecutableName())

	if info, err := os.Lstat(real); err == nil && info.Mode().IsRegular() {
		if isSymlink(link) {
			return nil
		}
		if err := removePath(link); err != nil {
			return err
		}
		return os.Symlink(target, link)
	}

	src := link
	info, err := os.Lstat(link)
	if err != nil {
		return fmt.Errorf("interpreter not found at %s: %w", link, err)
	}
	if !info.Mode().IsRegular() {
		if src, err = filepath.EvalSymlinks(link); err != nil {
			return fmt.Errorf("resolve %s: %w", link, err)
		}
	}
	if err := moveFile(src, real); err != nil {
		return err
	}
	if err := removePath(link); err != nil {
		return err
	}
	return os.Symlink(target, link)
}
