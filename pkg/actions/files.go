package actions

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Files writes configuration files. Every path is an absolute path on the
// target machine; Root, when set, is prefixed to it so a whole run can be
// pointed at a scratch directory. Steps that hand a path to a command pass
// Path(p), the same location their guards check.
type Files struct {
	Root   string
	DryRun bool
}

// Path maps a target path to the local filesystem.
func (f *Files) Path(p string) string {
	if f == nil || f.Root == "" {
		return p
	}
	return filepath.Join(f.Root, p)
}

// Exists reports whether a regular file exists at p.
func (f *Files) Exists(p string) bool {
	return FileExists(f.Path(p))
}

// IsDir reports whether p is a directory.
func (f *Files) IsDir(p string) bool {
	return DirExists(f.Path(p))
}

// ReadFile reads the file at p.
func (f *Files) ReadFile(p string) ([]byte, error) {
	return os.ReadFile(f.Path(p))
}

// Write makes the file at p hold content with the given mode. It reports
// changed=false when the file already has that content and mode.
func (f *Files) Write(p string, content []byte, mode os.FileMode) (bool, error) {
	local := f.Path(p)

	existing, err := os.ReadFile(local)
	switch {
	case err == nil:
		info, err := os.Stat(local)
		if err != nil {
			return false, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if sha256.Sum256(existing) == sha256.Sum256(content) {
			if info.Mode().Perm() == mode.Perm() {
				return false, nil
			}
			if f.DryRun {
				return true, nil
			}
			if err := os.Chmod(local, mode); err != nil {
				return false, fmt.Errorf("failed to set mode on %s: %w", p, err)
			}
			return true, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("failed to read %s: %w", p, err)
	}

	if f.DryRun {
		return true, nil
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", p, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(local), "."+filepath.Base(local)+".*")
	if err != nil {
		return false, fmt.Errorf("failed to create temp file for %s: %w", p, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return false, fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return false, fmt.Errorf("failed to set mode on %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := os.Rename(tmpName, local); err != nil {
		return false, fmt.Errorf("failed to replace %s: %w", p, err)
	}

	return true, nil
}

// Append adds line plus a newline to the end of the file at p, creating it
// if needed. It always changes the file.
func (f *Files) Append(p, line string) error {
	if f.DryRun {
		return nil
	}

	local := f.Path(p)
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", p, err)
	}

	file, err := os.OpenFile(local, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer file.Close()

	if _, err := file.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to append to %s: %w", p, err)
	}
	return nil
}

// ContainsLine reports whether the file at p has a line equal to line.
// A missing file contains nothing.
func (f *Files) ContainsLine(p, line string) (bool, error) {
	data, err := os.ReadFile(f.Path(p))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", p, err)
	}
	for _, l := range bytes.Split(data, []byte("\n")) {
		if string(bytes.TrimSpace(l)) == line {
			return true, nil
		}
	}
	return false, nil
}
