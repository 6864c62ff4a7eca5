package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/lampbox/pkg/mysql"
)

func TestCUEParser_ParseInline(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		checkFunc func(*testing.T, *Config)
	}{
		{
			name:    "empty config uses defaults",
			content: ``,
			checkFunc: func(t *testing.T, c *Config) {
				if c.Paths.BaseDir != "/vagrant/sites" {
					t.Errorf("BaseDir = %q", c.Paths.BaseDir)
				}
				if c.MySQL.ExistenceCheck != "database" {
					t.Errorf("ExistenceCheck = %q", c.MySQL.ExistenceCheck)
				}
				if c.System.Xdebug.RemotePort != 9000 {
					t.Errorf("RemotePort = %d", c.System.Xdebug.RemotePort)
				}
				if !c.System.Enabled {
					t.Error("system recipe should be enabled by default")
				}
				if c.Policy.Mode != "advisory" {
					t.Errorf("Policy.Mode = %q", c.Policy.Mode)
				}
			},
		},
		{
			name: "overrides",
			content: `
sites_dir: "bags/sites"
mysql: {
	root_password:   "secret"
	existence_check: "site"
}
hosts: dedupe: true
system: apc_memory: "64M"
`,
			checkFunc: func(t *testing.T, c *Config) {
				if c.SitesDir != "bags/sites" {
					t.Errorf("SitesDir = %q", c.SitesDir)
				}
				if c.MySQL.RootPassword != "secret" || c.MySQL.ExistenceCheck != "site" {
					t.Errorf("MySQL = %+v", c.MySQL)
				}
				if !c.Hosts.Dedupe {
					t.Error("Dedupe not set")
				}
				if c.System.APCMemory != "64M" {
					t.Errorf("APCMemory = %q", c.System.APCMemory)
				}
				if len(c.System.Packages) == 0 {
					t.Error("default packages lost")
				}
			},
		},
		{
			name:    "bad enum",
			content: `mysql: existence_check: "host"`,
			wantErr: true,
		},
		{
			name:    "bad type",
			content: `hosts: dedupe: "yes"`,
			wantErr: true,
		},
		{
			name:    "unknown field",
			content: `bogus: 1`,
			wantErr: true,
		},
		{
			name:    "otlp needs an endpoint",
			content: `telemetry: trace_exporter: "otlp"`,
			wantErr: true,
		},
		{
			name:    "syntax error",
			content: `paths: {`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, err := parser.ParseInline(ctx, tt.content)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if tt.wantErr {
				if len(pc.Errors) == 0 {
					t.Fatal("expected validation errors")
				}
				if pc.Config != nil {
					t.Error("config should be nil when there are errors")
				}
				return
			}

			if len(pc.Errors) > 0 {
				t.Fatalf("unexpected errors: %v", pc.Errors)
			}
			tt.checkFunc(t, pc.Config)
		})
	}
}

func TestCUEParser_ValidatorErrorPath(t *testing.T) {
	pc, err := NewCUEParser().ParseInline(context.Background(), `telemetry: trace_exporter: "otlp"`)
	if err != nil {
		t.Fatal(err)
	}
	if len(pc.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", pc.Errors)
	}
	if pc.Errors[0].Path != "Telemetry.TraceEndpoint" {
		t.Errorf("Path = %q", pc.Errors[0].Path)
	}
}

func TestCUEParser_ParseFile(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, DefaultFile)

	content := `
paths: base_dir: "/srv/sites"
policy: mode: "enforcing"
`
	if err := os.WriteFile(testFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	pc, err := parser.Parse(ctx, testFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pc.Errors) > 0 {
		t.Fatalf("unexpected validation errors: %v", pc.Errors)
	}
	if pc.Config.Paths.BaseDir != "/srv/sites" {
		t.Errorf("BaseDir = %q", pc.Config.Paths.BaseDir)
	}
	if pc.Config.Policy.Mode != "enforcing" {
		t.Errorf("Policy.Mode = %q", pc.Config.Policy.Mode)
	}
	if len(pc.SourceFiles) != 1 || pc.SourceFiles[0] != testFile {
		t.Errorf("SourceFiles = %v", pc.SourceFiles)
	}
}

func TestCUEParser_ParseFileErrorLocation(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, DefaultFile)
	if err := os.WriteFile(testFile, []byte("hosts: {\n\tdedupe: 3\n}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	pc, err := NewCUEParser().Parse(context.Background(), testFile)
	if err != nil {
		t.Fatal(err)
	}
	if len(pc.Errors) == 0 {
		t.Fatal("expected errors")
	}

	found := false
	for _, e := range pc.Errors {
		if e.File == testFile && e.Line == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("no error located at %s:2: %v", testFile, pc.Errors)
	}
}

func TestCUEParser_Load(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()
	tmpDir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		cfg, err := parser.Load(ctx, filepath.Join(tmpDir, "absent.cue"))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.StateDB != DefaultConfig().StateDB {
			t.Errorf("StateDB = %q", cfg.StateDB)
		}
	})

	t.Run("invalid file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "bad.cue")
		if err := os.WriteFile(path, []byte(`mysql: existence_check: 1`), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := parser.Load(ctx, path)
		if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
			t.Errorf("Load() error = %v", err)
		}
	})
}

func TestDefaultConfigIsolated(t *testing.T) {
	a := DefaultConfig()
	a.System.Packages[0] = "changed"
	a.SitesDir = "changed"

	b := DefaultConfig()
	if b.System.Packages[0] == "changed" || b.SitesDir == "changed" {
		t.Error("DefaultConfig returned shared state")
	}
}

func TestResolve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SitesDir = "data_bags/sites"
	cfg.StateDB = ".lampbox/state.db"
	cfg.Attributes.Script = "/abs/attrs.star"
	cfg.Policy.Paths = []string{"policies"}

	Resolve(cfg, "/vagrant/lampbox.cue")

	if cfg.SitesDir != "/vagrant/data_bags/sites" {
		t.Errorf("SitesDir = %q", cfg.SitesDir)
	}
	if cfg.StateDB != "/vagrant/.lampbox/state.db" {
		t.Errorf("StateDB = %q", cfg.StateDB)
	}
	if cfg.Attributes.Script != "/abs/attrs.star" {
		t.Errorf("Script = %q", cfg.Attributes.Script)
	}
	if cfg.Policy.Paths[0] != "/vagrant/policies" {
		t.Errorf("Policy.Paths = %v", cfg.Policy.Paths)
	}
}

func TestConfigConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MySQL.RootPassword = "root"
	cfg.MySQL.ExistenceCheck = "site"
	cfg.Telemetry.TraceExporter = "stdout"
	cfg.Telemetry.MetricsTextfile = "/tmp/lampbox.prom"

	opts := cfg.ProvisionerOptions()
	if opts.ExistenceCheck != mysql.CheckSite {
		t.Errorf("ExistenceCheck = %q", opts.ExistenceCheck)
	}
	if err := opts.Validate(); err != nil {
		t.Errorf("default options invalid: %v", err)
	}

	attrs := cfg.SystemAttributes()
	if attrs.RootPassword != "root" || attrs.ApacheDir != cfg.Paths.ApacheDir {
		t.Errorf("attributes = %+v", attrs)
	}
	if err := attrs.Validate(); err != nil {
		t.Errorf("default attributes invalid: %v", err)
	}

	tc := cfg.TelemetryConfig("1.2.3")
	if !tc.Tracing.Enabled || tc.Tracing.Exporter != "stdout" {
		t.Errorf("tracing = %+v", tc.Tracing)
	}
	if tc.Metrics.TextfilePath != "/tmp/lampbox.prom" || tc.ServiceVersion != "1.2.3" {
		t.Errorf("telemetry = %+v", tc)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("telemetry config invalid: %v", err)
	}
}
