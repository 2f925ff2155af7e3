package embedpy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perr "embedpy/internal/errors"
)

func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("EMBEDPY_CONFIG", filepath.Join(dir, "absent.conf"))
	t.Setenv("EMBEDPY_WORK_DIR", filepath.Join(dir, "work"))
	t.Setenv("EMBEDPY_CACHE_DIR", filepath.Join(dir, "cache"))
	root := (&cli{}).rootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestBuildCommandRejectsOldVersion(t *testing.T) {
	err := runCLI(t, "build", "--version", "3.8.10", "--out", filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.CodeConfigInvalid))
	assert.Equal(t, 1, perr.ExitCode(err))
}

func TestBuildCommandFlagsOverrideRecipe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipe.toml")
	writeFile(t, path, "version = \"3.11.4\"\nzip_stdlib = \"stored\"\n")

	err := runCLI(t, "build", path, "--zip-stdlib", "bzip2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bzip2")
}

func TestVersionCommandShowsPolicy(t *testing.T) {
	require.NoError(t, runCLI(t, "version", "--python", "3.12.1"))
	err := runCLI(t, "version", "--python", "3.9.1")
	require.Error(t, err)
}

func TestCommandName(t *testing.T) {
	root := (&cli{}).rootCommand()
	assert.Equal(t, "build", commandName(root, []string{"build", "--version", "3.11.4"}))
	assert.Equal(t, "embedpy", commandName(root, nil))
}

func TestAcquireRejectsUnknownOpenSSLVariant(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "py")
	err := runCLI(t, "acquire", "--python", "3.11.4", "--platform", "linux", "--dir", dir, "--openssl-variant", "mixed")
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.CodeConfigInvalid))
	assert.NoDirExists(t, dir)
}

func TestStageStrategyCarriesOpenSSLVariant(t *testing.T) {
	t.Setenv("openssl_ROOT", "/opt/lower")
	t.Setenv("OPENSSL_ROOT", "/opt/upper")
	c := &cli{cfg: &Config{WorkDir: t.TempDir(), CacheDir: t.TempDir()}}
	d, err := NewDistribution(t.TempDir(), PlatformLinux, mustVersion(t, "3.11.4"))
	require.NoError(t, err)

	s, ok := c.strategy(d, "uppercase").(*SourceBuildStrategy)
	require.True(t, ok)
	assert.Equal(t, "/opt/upper", s.opensslDir())
}
