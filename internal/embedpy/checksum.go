package embedpy

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"lukechampine.com/blake3"
)

// ComputeChecksums hashes every path with BLAKE3 using a worker pool and
// returns path -> hex digest.
func ComputeChecksums(paths []string) (map[string]string, error) {
	results := make(map[string]string, len(paths))
	if len(paths) == 0 {
		return results, nil
	}

	numWorkers := runtime.NumCPU() * 2
	if len(paths) < numWorkers {
		numWorkers = len(paths)
	}

	var mu sync.Mutex
	jobs := make(chan string, len(paths))
	var wg sync.WaitGroup
	var errOnce sync.Once
	var firstErr error

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 64*1024)
			for path := range jobs {
				hash, err := hashFile(path, buf)
				mu.Lock()
				if err != nil {
					errOnce.Do(func() { firstErr = err })
				} else {
					results[path] = hash
				}
				mu.Unlock()
			}
		}()
	}

	for _, p := range paths {
		jobs <- p
	}
	close(jobs)
	wg.Wait()

	return results, firstErr
}

// ComputeChecksum hashes a single file.
func ComputeChecksum(path string) (string, error) {
	return hashFile(path, make([]byte, 64*1024))
}

func hashFile(path string, buf []byte) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New(32, nil)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
