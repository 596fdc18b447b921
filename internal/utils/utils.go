package utils

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (detector logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Die is the unified exit strategy for featurepipe.
// It prints a formatted error box and dumps detector logs if a SafeCommand is provided.
func Die(context string, err error, s *SafeCommand) {
	fmt.Fprint(os.Stderr, FormatFatal(context, err, s))
	os.Exit(1)
}

// FormatFatal renders the box Die prints.
func FormatFatal(context string, err error, s *SafeCommand) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n---------------------------------------------------------\n")
	fmt.Fprintf(&b, "🚨 FEATUREPIPE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(&b, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(&b, "\nDETECTOR LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(&b, "---------------------------------------------------------\n")
	return b.String()
}

// --- 2. Image Directory Enumeration ---

// ImageExtensions are the lower-cased extensions the producer picks up.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".ppm"}

// ListImages returns the regular files in dir (not recursive) whose extension,
// compared case-insensitively, is a supported image extension. Paths are
// sorted by file name so every cycle visits them in the same order.
func ListImages(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !HasImageExtension(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// HasImageExtension reports whether name ends in a supported image extension.
func HasImageExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ImageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// --- 3. Archive Timestamps ---

// TimestampLayout is the archive's timestamp format, second resolution.
const TimestampLayout = "2006-01-02 15:04:05"

// Timestamp formats t in local time with TimestampLayout.
func Timestamp(t time.Time) string {
	return t.Local().Format(TimestampLayout)
}

// KB renders a byte count as whole kilobytes, the unit the producer logs.
func KB(n int) int {
	return n / 1024
}
