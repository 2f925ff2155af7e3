package embedpy

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeRunner records commands instead of running them. Handle, when set,
// may write to cmd.Stdout or the filesystem to simulate the tool.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	Handle func(cmd *exec.Cmd) error
}

func (f *fakeRunner) Run(cmd *exec.Cmd) error {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{filepath.Base(cmd.Path)}, cmd.Args[1:]...))
	f.mu.Unlock()
	if f.Handle != nil {
		return f.Handle(cmd)
	}
	return nil
}

func (f *fakeRunner) joined() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func argIndex(args []string, want string) int {
	for i, a := range args {
		if a == want {
			return i
		}
	}
	return -1
}

func mustVersion(t *testing.T, s string) PyVersion {
	t.Helper()
	v, err := ParseVersion(s)
	require.NoError(t, err)
	return v
}

func failAll(cmd *exec.Cmd) error { return errors.New("exit status 1") }

// newStaticServer serves body for every path and returns the base URL.
func newStaticServer(t *testing.T, body string) string {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}
