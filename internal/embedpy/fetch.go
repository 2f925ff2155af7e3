package embedpy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"lukechampine.com/blake3"

	perr "embedpy/internal/errors"
)

// Fetcher downloads release files into a content-addressed cache.
// Concurrent processes sharing a cache serialise on a per-file lock.
type Fetcher struct {
	CacheDir string
	Runner   Runner
	// PreferNative skips curl and wget and always uses the Go client.
	PreferNative bool
	Quiet        bool
	Client       *http.Client
}

func NewFetcher(cacheDir string, r Runner) *Fetcher {
	return &Fetcher{CacheDir: cacheDir, Runner: r}
}

func newHttpClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second, // 5 min total timeout for large downloads
	}
}

// hashString returns the hex blake3 digest of s.
func hashString(s string) string {
	sum := blake3.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum[:])
}

// CachePath is where url is stored once fetched.
func (f *Fetcher) CachePath(rawURL string) string {
	name := "download"
	if u, err := url.Parse(rawURL); err == nil && path.Base(u.Path) != "/" && path.Base(u.Path) != "." {
		name = path.Base(u.Path)
	}
	return filepath.Join(f.CacheDir, hashString(rawURL)[:16]+"-"+name)
}

// Fetch returns the cached path of rawURL, downloading it first if needed.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	absPath := f.CachePath(rawURL)
	if _, err := os.Stat(absPath); err == nil {
		debugf("cache hit %s\n", absPath)
		return absPath, nil
	}
	if err := os.MkdirAll(f.CacheDir, 0o755); err != nil {
		return "", perr.Wrap(perr.CodeAcquisitionFailed, err, "create cache directory %s", f.CacheDir)
	}

	lockPath := absPath + ".lock"
	lFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return "", perr.Wrap(perr.CodeAcquisitionFailed, err, "create lock file")
	}
	defer lFile.Close()
	if err := lockFile(lFile); err != nil {
		return "", perr.Wrap(perr.CodeAcquisitionFailed, err, "acquire download lock")
	}
	defer unlockFile(lFile)

	// Another process may have finished while we waited for the lock.
	if _, err := os.Stat(absPath); err == nil {
		return absPath, nil
	}

	if !f.Quiet {
		stepf("Fetching %s", rawURL)
	}
	part := absPath + ".part"
	if err := f.download(ctx, rawURL, part); err != nil {
		_ = os.Remove(part)
		return "", perr.Wrap(perr.CodeAcquisitionFailed, err, "download %s", rawURL)
	}
	if err := os.Rename(part, absPath); err != nil {
		return "", perr.Wrap(perr.CodeAcquisitionFailed, err, "finalize %s", absPath)
	}
	return absPath, nil
}

// FetchTo fetches rawURL and copies it to dest.
func (f *Fetcher) FetchTo(ctx context.Context, rawURL, dest string) error {
	cached, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := copyFile(cached, dest); err != nil {
		return perr.Wrap(perr.CodeAcquisitionFailed, err, "copy %s", cached)
	}
	return nil
}

func (f *Fetcher) download(ctx context.Context, rawURL, dest string) error {
	if !f.PreferNative && f.Runner != nil {
		// --- Primary Choice: curl ---
		if _, err := exec.LookPath("curl"); err == nil {
			args := []string{"-L", "--fail", "-sS", "-o", dest, rawURL}
			if err := f.Runner.Run(exec.CommandContext(ctx, "curl", args...)); err == nil {
				return nil
			} else if ctx.Err() != nil {
				return ctx.Err()
			}
			debugf("curl failed, falling back to wget\n")
		}
		// --- Fallback 1: wget ---
		if _, err := exec.LookPath("wget"); err == nil {
			if err := f.Runner.Run(exec.CommandContext(ctx, "wget", "-q", "-O", dest, rawURL)); err == nil {
				return nil
			} else if ctx.Err() != nil {
				return ctx.Err()
			}
			debugf("wget failed, falling back to native Go HTTP client\n")
		}
	}

	// --- Fallback 2: Native Go HTTP Client ---
	client := f.Client
	if client == nil {
		client = newHttpClient()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("native http get failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", dest, err)
	}
	defer out.Close()

	var w io.Writer = out
	if !f.Quiet && term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(resp.ContentLength, path.Base(req.URL.Path))
		defer bar.Close()
		w = io.MultiWriter(out, bar)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	return out.Close()
}
