// Package workspace manages on-disk scan artifacts: the per-scan results
// directory tree and the wordlists stages feed to external tools.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// NewResultsDir creates the results directory for a scan under baseDir,
// named scan_{timestamp}_{short-uuid} so concurrent scans never collide.
func NewResultsDir(baseDir string) (string, error) {
	name := fmt.Sprintf("scan_%s_%s",
		time.Now().Format("20060102_150405"),
		uuid.New().String()[:8])
	dir := filepath.Join(baseDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create results dir: %w", err)
	}
	return dir, nil
}

// StageDir creates (if needed) and returns the subdirectory for one stage's
// raw tool output within a scan's results directory
func StageDir(resultsDir, stage string) (string, error) {
	dir := filepath.Join(resultsDir, stage)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create stage dir: %w", err)
	}
	return dir, nil
}

// ToolOutputPath returns a unique output file path for one tool invocation
func ToolOutputPath(stageDir, tool, ext string) string {
	return filepath.Join(stageDir, fmt.Sprintf("%s_%s.%s", tool, uuid.New().String()[:8], ext))
}

// ToolLogPath returns the per-URL log file path for fan-out stages. The URL
// hash keeps the filename stable for one URL while staying filesystem-safe.
func ToolLogPath(stageDir, tool, url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(stageDir, fmt.Sprintf("%s_%s_%d.log",
		tool, hex.EncodeToString(sum[:])[:8], time.Now().Unix()))
}

// Wordlist is a named wordlist with an expected content hash
type Wordlist struct {
	Name   string
	Path   string
	SHA256 string // expected digest; empty skips verification
}

// EnsureWordlist verifies that the wordlist exists locally and, when a
// digest is configured, that its content matches. Returns the absolute
// path stages pass to tools.
func EnsureWordlist(wl Wordlist) (string, error) {
	abs, err := filepath.Abs(wl.Path)
	if err != nil {
		return "", err
	}

	f, err := os.Open(abs)
	if err != nil {
		return "", fmt.Errorf("wordlist %s: %w", wl.Name, err)
	}
	defer f.Close()

	if wl.SHA256 != "" {
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return "", fmt.Errorf("wordlist %s: %w", wl.Name, err)
		}
		got := hex.EncodeToString(h.Sum(nil))
		if got != wl.SHA256 {
			return "", fmt.Errorf("wordlist %s: checksum mismatch (got %s, want %s)",
				wl.Name, got, wl.SHA256)
		}
	}
	return abs, nil
}

// CountLines counts newline-delimited entries in a file; stages use it for
// timeout formulas and progress estimates
func CountLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		for _, b := range buf[:n] {
			if b == '\n' {
				count++
			}
		}
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// RemoveResultsDir deletes a scan's results directory tree; called by the
// hard-delete phase of scan deletion
func RemoveResultsDir(resultsDir string) error {
	if resultsDir == "" {
		return nil
	}
	return os.RemoveAll(resultsDir)
}
