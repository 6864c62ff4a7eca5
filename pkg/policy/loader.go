package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultReloadDelay is how long Watch waits for a burst of policy file
// changes to settle before reloading.
const DefaultReloadDelay = 500 * time.Millisecond

// Extensions lists the policy file types, in the order they are documented.
var Extensions = []string{".rego", ".json", ".yaml", ".yml"}

func isPolicyFile(name string) bool {
	if strings.HasPrefix(filepath.Base(name), ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, known := range Extensions {
		if ext == known {
			return true
		}
	}
	return false
}

// Loader reads policy files and directories.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// Load reads the policies under paths. Directories are walked in lexical
// order and files in them that cannot be read are logged and skipped; a
// file named directly must load. Two files defining the same policy name
// is an error.
func (l *Loader) Load(paths []string) ([]Policy, error) {
	var policies []Policy
	sources := make(map[string]string)

	for _, root := range paths {
		files, isDir, err := policyFiles(root)
		if err != nil {
			return nil, err
		}

		for _, file := range files {
			p, err := ReadFile(file)
			if err != nil {
				if !isDir {
					return nil, err
				}
				l.logger.Warn().Err(err).Str("file", file).Msg("Skipping unreadable policy file")
				continue
			}
			if prev, dup := sources[p.Name]; dup {
				return nil, fmt.Errorf("policy %s is defined in both %s and %s", p.Name, prev, file)
			}
			sources[p.Name] = file
			policies = append(policies, *p)
		}
	}

	l.logger.Info().
		Int("policies", len(policies)).
		Int("paths", len(paths)).
		Msg("Policies loaded")

	return policies, nil
}

// policyFiles lists the policy files under root and reports whether root
// is a directory.
func policyFiles(root string) ([]string, bool, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read policy path: %w", err)
	}
	if !info.IsDir() {
		return []string{root}, false, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if isPolicyFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, true, fmt.Errorf("failed to walk policy directory %s: %w", root, err)
	}
	return files, true, nil
}

// ReadFile reads one policy file.
//
// A .rego file is a policy named after the file. Its leading comments are
// the description, except for "severity:", "tags:" and "enabled:" lines
// which set those fields:
//
//	# Staging hosts are reserved for the shared staging box.
//	# severity: error
//	# tags: hosts
//	package lampbox.policies.staging
//
// A .json, .yaml or .yml file is a policy document carrying the module
// inline under "rego". Policies are enabled unless they say otherwise and
// default to warning severity.
func ReadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var p *Policy
	switch strings.ToLower(filepath.Ext(path)) {
	case ".rego":
		p, err = parseRego(path, data)
	case ".json":
		p, err = parseDocument(data, json.Unmarshal)
	case ".yaml", ".yml":
		p, err = parseDocument(data, yaml.Unmarshal)
	default:
		return nil, fmt.Errorf("unsupported policy file %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if p.Name == "" {
		return nil, fmt.Errorf("%s: policy has no name", path)
	}
	if strings.TrimSpace(p.Rego) == "" {
		return nil, fmt.Errorf("%s: policy %s has no rego module", path, p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if !p.Severity.Valid() {
		return nil, fmt.Errorf("%s: unknown severity %q", path, p.Severity)
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]interface{})
	}
	p.Metadata["source"] = path
	return p, nil
}

func parseRego(path string, data []byte) (*Policy, error) {
	p := &Policy{
		Name:    strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Rego:    string(data),
		Enabled: true,
	}

	var description []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))

		key, value, _ := strings.Cut(comment, ":")
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "severity":
			p.Severity = Severity(value)
		case "tags":
			p.Tags = splitList(value)
		case "enabled":
			enabled, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("invalid enabled header %q", value)
			}
			p.Enabled = enabled
		default:
			if comment != "" {
				description = append(description, comment)
			}
		}
	}
	p.Description = strings.Join(description, " ")
	return p, nil
}

// document is the on-disk form of a policy. Enabled is a pointer so an
// omitted field means enabled.
type document struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description" yaml:"description"`
	Rego        string                 `json:"rego" yaml:"rego"`
	Severity    Severity               `json:"severity" yaml:"severity"`
	Enabled     *bool                  `json:"enabled" yaml:"enabled"`
	Tags        []string               `json:"tags" yaml:"tags"`
	Metadata    map[string]interface{} `json:"metadata" yaml:"metadata"`
}

func parseDocument(data []byte, unmarshal func([]byte, any) error) (*Policy, error) {
	var doc document
	if err := unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	p := &Policy{
		Name:        doc.Name,
		Description: doc.Description,
		Rego:        doc.Rego,
		Severity:    doc.Severity,
		Enabled:     doc.Enabled == nil || *doc.Enabled,
		Tags:        doc.Tags,
		Metadata:    doc.Metadata,
	}
	return p, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Watch calls reload with the policies under paths each time policy files
// change, until ctx is cancelled. Bursts of changes within delay are
// coalesced. A load that fails is logged and reload is not called, so the
// caller keeps its previous policies.
func (l *Loader) Watch(ctx context.Context, paths []string, delay time.Duration, reload func([]Policy) error) error {
	if delay <= 0 {
		delay = DefaultReloadDelay
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, root := range paths {
		if err := watchPath(watcher, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Not watching policy path")
		}
	}
	l.logger.Info().Int("paths", len(paths)).Msg("Watching policy paths")

	// fire is nil while no change is pending.
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watchPath(watcher, event.Name)
					continue
				}
			}
			if !isPolicyFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")
			fire = time.After(delay)

		case <-fire:
			fire = nil
			policies, err := l.Load(paths)
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
				continue
			}
			if err := reload(policies); err != nil {
				l.logger.Error().Err(err).Msg("Failed to apply reloaded policies")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// watchPath watches root and its subdirectories, or the directory holding
// root when it is a file so that editors replacing the file are seen.
func watchPath(watcher *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(filepath.Dir(root))
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}
