package embedpy

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
)

// Config holds host-level settings: where to cache downloads, where to build,
// which mirrors to use and how to reach the artifact bucket. Per-build
// choices (version, packages...) live in Recipe instead.
type Config struct {
	Values map[string]string

	CacheDir   string
	WorkDir    string
	Jobs       int
	IdleBuild  bool
	PythonFTP  string
	SourceURL  string
	GetPipURL  string
	OpenSSLDir string
	CFlags     string
	LDFlags    string
	CPPFlags   string
}

// hostEnvKeys are plain environment variables honoured alongside EMBEDPY_*.
var hostEnvKeys = []string{
	"CFLAGS", "LDFLAGS", "CPPFLAGS",
	"S3_ENDPOINT", "S3_REGION", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY", "S3_BUCKET",
}

// Load the host config file (KEY=VALUE, # comments) and apply env overrides.
// A missing file is not an error.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	values, err := godotenv.Read(path)
	switch {
	case err == nil:
		for k, v := range values {
			cfg.Values[k] = v
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return cfg, err
	}

	mergeEnvOverrides(cfg)
	return cfg, nil
}

// Merge EMBEDPY_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "EMBEDPY_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
	for _, key := range hostEnvKeys {
		if v, ok := os.LookupEnv(key); ok {
			cfg.Values[key] = v
		}
	}
}

func initConfig(cfg *Config) {
	cfg.CacheDir = cfg.Values["EMBEDPY_CACHE_DIR"]
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(xdg.CacheHome, "embedpy")
	}

	cfg.WorkDir = cfg.Values["EMBEDPY_WORK_DIR"]
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "embedpy")
	}

	if cfg.Values["EMBEDPY_DEBUG"] == "1" {
		Debug = true
	}
	cfg.IdleBuild = cfg.Values["EMBEDPY_IDLE"] == "1"

	cfg.Jobs = runtime.NumCPU()
	if j := cfg.Values["EMBEDPY_JOBS"]; j != "" {
		if n, err := strconv.Atoi(j); err == nil && n > 0 {
			cfg.Jobs = n
		} else {
			warnf("ignoring invalid EMBEDPY_JOBS=%q", j)
		}
	}

	cfg.PythonFTP = strings.TrimRight(valueOr(cfg.Values["EMBEDPY_PYTHON_FTP"], defaultPythonFTP), "/")
	cfg.SourceURL = strings.TrimRight(valueOr(cfg.Values["EMBEDPY_SOURCE_URL"], defaultSourceURL), "/")
	cfg.GetPipURL = valueOr(cfg.Values["EMBEDPY_GET_PIP_URL"], defaultGetPipURL)
	cfg.OpenSSLDir = cfg.Values["EMBEDPY_OPENSSL_DIR"]
	cfg.CFlags = cfg.Values["CFLAGS"]
	cfg.LDFlags = cfg.Values["LDFLAGS"]
	cfg.CPPFlags = cfg.Values["CPPFLAGS"]

	debugf("=> cache=%s work=%s jobs=%d\n", cfg.CacheDir, cfg.WorkDir, cfg.Jobs)
}

// LoadHostConfig resolves the config file location (EMBEDPY_CONFIG wins over
// the compiled-in default) and returns a fully initialised Config.
func LoadHostConfig() (*Config, error) {
	path := ConfigFile
	if p := os.Getenv("EMBEDPY_CONFIG"); p != "" {
		path = p
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	initConfig(cfg)
	return cfg, nil
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
