package embedpy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Artifact is a packed distribution and its checksum file.
type Artifact struct {
	Path         string
	ChecksumPath string
	Checksum     string
}

// ArtifactName is embedded-python-<version>-<platform>-<arch>.tar.zst.
func ArtifactName(v PyVersion, p Platform) string {
	return fmt.Sprintf("embedded-python-%s-%s-%s.tar.zst", v, p, arch)
}

// PackageDistribution writes MANIFEST.b3 into the tree and packs it into
// outDir. The archive contains a single top-level directory named after the
// artifact.
func PackageDistribution(dist *RuntimeDistribution, outDir string) (*Artifact, error) {
	if !dist.Isolated() {
		return nil, fmt.Errorf("refusing to package %s: not isolated", dist.Root)
	}
	if _, err := generateManifest(dist.Root); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	name := ArtifactName(dist.Version, dist.Platform)
	out := filepath.Join(outDir, name)
	stepf("Packing %s", name)
	if err := createTarZst(dist.Root, strings.TrimSuffix(name, ".tar.zst"), out); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", name, err)
	}

	sum, err := ComputeChecksum(out)
	if err != nil {
		return nil, err
	}
	sumPath := out + ".b3"
	if err := os.WriteFile(sumPath, []byte(sum+"  "+name+"\n"), 0o644); err != nil {
		return nil, err
	}
	return &Artifact{Path: out, ChecksumPath: sumPath, Checksum: sum}, nil
}
