package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testRego = `package lampbox.policies.custom

# Sites must not use the staging host.

deny contains violation if {
	input.site.host == "staging.test"
	violation := {"message": "staging host is reserved"}
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
		check   func(t *testing.T, p *Policy)
	}{
		{
			name:    "rego defaults",
			file:    "reserved-hosts.rego",
			content: "# Staging hosts are reserved.\n" + testRego,
			check: func(t *testing.T, p *Policy) {
				if p.Name != "reserved-hosts" || p.Severity != SeverityWarning || !p.Enabled {
					t.Errorf("policy = %+v", p)
				}
				if p.Description != "Staging hosts are reserved." {
					t.Errorf("Description = %q", p.Description)
				}
			},
		},
		{
			name: "rego header",
			file: "staging.rego",
			content: "# Staging hosts are reserved\n# for the shared box.\n# severity: error\n# tags: hosts, apache\n" +
				"# enabled: false\n" + testRego,
			check: func(t *testing.T, p *Policy) {
				if p.Severity != SeverityError || p.Enabled {
					t.Errorf("policy = %+v", p)
				}
				if strings.Join(p.Tags, ",") != "hosts,apache" {
					t.Errorf("Tags = %v", p.Tags)
				}
				if p.Description != "Staging hosts are reserved for the shared box." {
					t.Errorf("Description = %q", p.Description)
				}
			},
		},
		{
			name:    "json document enabled by default",
			file:    "reserved.json",
			content: `{"name": "reserved", "severity": "critical", "rego": "package x\ndeny contains 1 if false"}`,
			check: func(t *testing.T, p *Policy) {
				if p.Name != "reserved" || p.Severity != SeverityCritical || !p.Enabled {
					t.Errorf("policy = %+v", p)
				}
			},
		},
		{
			name:    "yaml document",
			file:    "reserved.yaml",
			content: "name: reserved\nenabled: false\ntags: [hosts]\nrego: |\n  package x\n  deny contains 1 if false\n",
			check: func(t *testing.T, p *Policy) {
				if p.Enabled || p.Severity != SeverityWarning || len(p.Tags) != 1 {
					t.Errorf("policy = %+v", p)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)

			p, err := ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile() error = %v", err)
			}
			if p.Metadata["source"] != path {
				t.Errorf("source = %v, want %s", p.Metadata["source"], path)
			}
			tt.check(t, p)
		})
	}
}

func TestReadFile_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "unsupported type", file: "policy.txt", content: "x"},
		{name: "invalid json", file: "bad.json", content: "{"},
		{name: "invalid yaml", file: "bad.yaml", content: "name: [x"},
		{name: "document without name", file: "noname.json", content: `{"rego": "package x"}`},
		{name: "document without rego", file: "norego.yml", content: "name: x\n"},
		{name: "unknown severity", file: "sev.rego", content: "# severity: fatal\npackage x\n"},
		{name: "bad enabled header", file: "en.rego", content: "# enabled: maybe\npackage x\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)
			if _, err := ReadFile(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "a.rego"), testRego)
	writeFile(t, filepath.Join(dir, "nested", "b.yaml"), "name: b\nrego: |\n  package b\n")
	writeFile(t, filepath.Join(dir, ".git", "c.rego"), testRego)
	writeFile(t, filepath.Join(dir, "README.md"), "not a policy")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")
	single := filepath.Join(t.TempDir(), "d.rego")
	writeFile(t, single, testRego)

	policies, err := loader.Load([]string{dir, single})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var names []string
	for _, p := range policies {
		names = append(names, p.Name)
	}
	if got := strings.Join(names, ","); got != "a,b,d" {
		t.Errorf("loaded %s, want a,b,d", got)
	}
}

func TestLoad_Errors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	t.Run("missing path", func(t *testing.T) {
		if _, err := loader.Load([]string{filepath.Join(t.TempDir(), "absent")}); err == nil {
			t.Error("expected error for missing path")
		}
	})

	t.Run("broken file named directly", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.json")
		writeFile(t, path, "{")
		if _, err := loader.Load([]string{path}); err == nil {
			t.Error("expected error for a broken file path")
		}
	})

	t.Run("duplicate name", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "reserved.rego"), testRego)
		writeFile(t, filepath.Join(dir, "reserved.json"), `{"name": "reserved", "rego": "package x"}`)
		_, err := loader.Load([]string{dir})
		if err == nil || !strings.Contains(err.Error(), "defined in both") {
			t.Errorf("Load() error = %v, want duplicate name error", err)
		}
	})
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), testRego)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var reloaded []Policy
	done := make(chan struct{}, 1)
	stopped := make(chan error, 1)

	go func() {
		stopped <- loader.Watch(ctx, []string{dir}, 50*time.Millisecond, func(p []Policy) error {
			mu.Lock()
			reloaded = p
			mu.Unlock()
			select {
			case done <- struct{}{}:
			default:
			}
			return nil
		})
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "b.rego"), testRego)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("policies were not reloaded")
	}

	mu.Lock()
	if len(reloaded) != 2 {
		t.Errorf("reloaded %d policies, want 2", len(reloaded))
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
