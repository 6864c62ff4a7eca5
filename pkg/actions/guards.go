package actions

import (
	"os"
	"strings"
)

// FileExists reports whether path names an existing regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// DirExists reports whether path names an existing directory.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ProcessRunning reports whether a process listing (ps ax) holds a line
// mentioning name, ignoring grep's own entries.
func ProcessRunning(psOutput, name string) bool {
	for _, line := range strings.Split(psOutput, "\n") {
		if strings.Contains(line, "grep") {
			continue
		}
		if strings.Contains(line, name) {
			return true
		}
	}
	return false
}

// DatabaseListed reports whether any line of a database listing contains
// needle, case-sensitively. An empty listing never matches; an empty needle
// matches any non-empty listing.
func DatabaseListed(output, needle string) bool {
	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}
		if strings.Contains(line, needle) {
			return true
		}
	}
	return false
}
