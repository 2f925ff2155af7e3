package embedpy

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// runtimeLibraryPatterns are the files an embedding application needs next
// to its own executable, relative to the distribution root.
var runtimeLibraryPatterns = []string{
	"python*.dll",
	"python*.zip",
	"lib/libpython*.so*",
	"lib/libpython*.dylib",
}

// LinkDistribution makes dst an alias of the distribution at root and copies
// the runtime libraries into binDir (skipped when binDir is empty). Any
// existing dst, including a dangling link, is replaced.
func LinkDistribution(ctx context.Context, r Runner, root, dst, binDir string) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	if err := removePath(dst); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := linkDir(ctx, r, root, dst); err != nil {
		return err
	}
	stepf("Linked %s -> %s", dst, root)

	if binDir == "" {
		return nil
	}
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return err
	}
	for _, pattern := range runtimeLibraryPatterns {
		matches, _ := filepath.Glob(filepath.Join(root, filepath.FromSlash(pattern)))
		for _, m := range matches {
			if err := copyFile(m, filepath.Join(binDir, filepath.Base(m))); err != nil {
				return err
			}
			debugf("copied %s into %s\n", filepath.Base(m), binDir)
		}
	}
	return nil
}

// linkDir symlinks dst to root. Windows gets a directory junction, which
// needs no privileges, and a full copy when even that fails.
func linkDir(ctx context.Context, r Runner, root, dst string) error {
	if runtime.GOOS != "windows" {
		return os.Symlink(root, dst)
	}
	if err := r.Run(exec.CommandContext(ctx, "cmd", "/c", "mklink", "/J", dst, root)); err == nil {
		return nil
	}
	warnf("could not create junction %s, copying instead", dst)
	return copyTree(root, dst)
}
