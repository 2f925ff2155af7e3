package embedpy

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ManifestName is the checksum listing written into every packaged tree.
const ManifestName = "MANIFEST.b3"

type ManifestEntry struct {
	Path     string
	Checksum string
}

// generateManifest lists every regular file under root (except the manifest
// itself) with its BLAKE3 digest, sorted by path, and writes it to
// root/MANIFEST.b3.
func generateManifest(root string) ([]ManifestEntry, error) {
	var rels []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel != ManifestName {
			rels = append(rels, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}
	sort.Strings(rels)

	abs := make([]string, len(rels))
	for i, r := range rels {
		abs[i] = filepath.Join(root, r)
	}
	sums, err := ComputeChecksums(abs)
	if err != nil {
		return nil, err
	}

	entries := make([]ManifestEntry, len(rels))
	var b strings.Builder
	for i, r := range rels {
		entries[i] = ManifestEntry{Path: filepath.ToSlash(r), Checksum: sums[abs[i]]}
		fmt.Fprintf(&b, "%s  %s\n", entries[i].Checksum, entries[i].Path)
	}
	if err := os.WriteFile(filepath.Join(root, ManifestName), []byte(b.String()), 0o644); err != nil {
		return nil, err
	}
	return entries, nil
}

// parseManifest reads "checksum  path" lines.
func parseManifest(path string) ([]ManifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []ManifestEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		sum, p, ok := strings.Cut(sc.Text(), "  ")
		if !ok {
			continue
		}
		entries = append(entries, ManifestEntry{Path: p, Checksum: sum})
	}
	return entries, sc.Err()
}

// verifyManifest recomputes every digest listed in root/MANIFEST.b3 and
// returns the paths that are missing or differ.
func verifyManifest(root string) ([]string, error) {
	entries, err := parseManifest(filepath.Join(root, ManifestName))
	if err != nil {
		return nil, err
	}
	var bad []string
	buf := make([]byte, 64*1024)
	for _, e := range entries {
		sum, err := hashFile(filepath.Join(root, filepath.FromSlash(e.Path)), buf)
		if err != nil || sum != e.Checksum {
			bad = append(bad, e.Path)
		}
	}
	return bad, nil
}
