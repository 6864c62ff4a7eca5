package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/openfroyo/lampbox/pkg/sites"
	"github.com/openfroyo/lampbox/pkg/stores"
	"github.com/openfroyo/lampbox/pkg/system"
	sshpkg "golang.org/x/crypto/ssh"
)

// execute runs the CLI with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	color.NoColor = true
	cmd := newRootCommand("test", "none", "today")
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// workspace scaffolds a workspace whose writes stay under a temp root.
func workspace(t *testing.T) (dir, cfgPath string) {
	t.Helper()

	dir = t.TempDir()
	if _, err := execute(t, "init", dir); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	cfgPath = filepath.Join(dir, "lampbox.cue")

	root := filepath.Join(dir, "root")
	f, err := os.OpenFile(cfgPath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString("paths: root: \"" + root + "\"\nsystem: enabled: false\n"); err != nil {
		t.Fatal(err)
	}
	return dir, cfgPath
}

func writeItem(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, sites.DefaultDir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestInit(t *testing.T) {
	dir := t.TempDir()

	output, err := execute(t, "init", "--ssh-key", dir)
	if err != nil {
		t.Fatalf("init failed: %v\n%s", err, output)
	}

	for _, p := range []string{
		"lampbox.cue",
		filepath.Join(sites.DefaultDir, "example.json"),
		dbCopyKey,
		dbCopyKey + ".pub",
	} {
		if _, err := os.Stat(filepath.Join(dir, p)); err != nil {
			t.Errorf("%s not created: %v", p, err)
		}
	}

	key, err := os.ReadFile(filepath.Join(dir, dbCopyKey))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sshpkg.ParsePrivateKey(key); err != nil {
		t.Errorf("generated key does not parse: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, dbCopyKey))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key mode = %v, want 0600", info.Mode().Perm())
	}

	if _, err := execute(t, "init", dir); err == nil {
		t.Error("expected init to refuse overwriting lampbox.cue")
	}
	if _, err := execute(t, "init", "--force", dir); err != nil {
		t.Errorf("init --force failed: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		items   map[string]string
		strict  bool
		wantErr bool
		want    string
	}{
		{
			name: "scaffolded workspace",
			want: "1 sites",
		},
		{
			name:    "missing host",
			items:   map[string]string{"broken.json": `{"id": "broken"}`},
			wantErr: true,
			want:    "invalid broken",
		},
		{
			name:    "unparsable item",
			items:   map[string]string{"bad.json": `{"id": `},
			wantErr: true,
			want:    "bad.json",
		},
		{
			name:  "duplicate host is advisory",
			items: map[string]string{"copy.json": `{"id": "copy", "host": "example.test"}`},
			want:  "[unique-hosts]",
		},
		{
			name:    "duplicate host fails strict",
			items:   map[string]string{"copy.json": `{"id": "copy", "host": "example.test"}`},
			strict:  true,
			wantErr: true,
			want:    "[unique-hosts]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, cfgPath := workspace(t)
			for name, body := range tt.items {
				writeItem(t, dir, name, body)
			}

			args := []string{"validate", "-c", cfgPath}
			if tt.strict {
				args = append(args, "--strict")
			}
			output, err := execute(t, args...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate error = %v, wantErr %v\n%s", err, tt.wantErr, output)
			}
			if !strings.Contains(output, tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, output)
			}
		})
	}
}

func TestValidateConfigErrors(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "lampbox.cue")
	if err := os.WriteFile(cfgPath, []byte("mysql: existence_check: \"nope\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	output, err := execute(t, "validate", "-c", cfgPath)
	if err == nil {
		t.Fatalf("expected validation failure:\n%s", output)
	}
	if !strings.Contains(output, "config:") {
		t.Errorf("output does not report the config error:\n%s", output)
	}
}

func TestSitesShow(t *testing.T) {
	dir, cfgPath := workspace(t)

	output, err := execute(t, "sites", "show", "example", "-o", "json", "-c", cfgPath)
	if err != nil {
		t.Fatalf("sites show failed: %v\n%s", err, output)
	}

	var view struct {
		ID      string   `json:"id"`
		Host    string   `json:"host"`
		Aliases []string `json:"aliases"`
		DocRoot string   `json:"docroot"`
		Source  string   `json:"source"`
	}
	if err := json.Unmarshal([]byte(output), &view); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, output)
	}
	if view.Host != "example.test" || view.DocRoot != "/vagrant/sites/example.test" {
		t.Errorf("view = %+v", view)
	}
	if len(view.Aliases) != 1 || view.Aliases[0] != "www.example.test" {
		t.Errorf("aliases = %v", view.Aliases)
	}
	if view.Source != filepath.Join(dir, sites.DefaultDir, "example.json") {
		t.Errorf("source = %q", view.Source)
	}

	output, err = execute(t, "sites", "show", "example", "-c", cfgPath)
	if err != nil {
		t.Fatalf("sites show yaml failed: %v", err)
	}
	if !strings.Contains(output, "host: example.test") {
		t.Errorf("yaml output = %s", output)
	}

	if _, err := execute(t, "sites", "show", "missing", "-c", cfgPath); err == nil {
		t.Error("expected error for unknown site")
	}
}

func TestPlanRecordsDryRun(t *testing.T) {
	dir, cfgPath := workspace(t)

	output, err := execute(t, "plan", "--sites-only", "--json", "-c", cfgPath)
	if err != nil {
		t.Fatalf("plan failed: %v\n%s", err, output)
	}

	var result struct {
		RunID    string           `json:"run_id"`
		Status   stores.RunStatus `json:"status"`
		DryRun   bool             `json:"dry_run"`
		Commands []string         `json:"commands"`
		Report   struct {
			Sites []struct {
				ID string `json:"id"`
			} `json:"sites"`
		} `json:"report"`
	}
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, output)
	}
	if result.Status != stores.RunStatusCompleted || !result.DryRun {
		t.Errorf("result = %+v", result)
	}
	if len(result.Report.Sites) != 1 || result.Report.Sites[0].ID != "example" {
		t.Errorf("sites = %+v", result.Report.Sites)
	}
	if len(result.Commands) == 0 {
		t.Error("dry run recorded no commands")
	}

	// Nothing was written under the root.
	if _, err := os.Stat(filepath.Join(dir, "root", "etc", "hosts")); !os.IsNotExist(err) {
		t.Errorf("dry run wrote the hosts file: %v", err)
	}

	output, err = execute(t, "history", "--json", "-c", cfgPath)
	if err != nil {
		t.Fatalf("history failed: %v\n%s", err, output)
	}
	var runs []stores.Run
	if err := json.Unmarshal([]byte(output), &runs); err != nil {
		t.Fatalf("history is not JSON: %v\n%s", err, output)
	}
	if len(runs) != 1 || runs[0].ID != result.RunID || !runs[0].DryRun {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].Summary.SitesTotal != 1 {
		t.Errorf("summary = %+v", runs[0].Summary)
	}

	output, err = execute(t, "history", "show", result.RunID, "--json", "-c", cfgPath)
	if err != nil {
		t.Fatalf("history show failed: %v\n%s", err, output)
	}
	var shown struct {
		Actions []stores.ActionEvent `json:"actions"`
	}
	if err := json.Unmarshal([]byte(output), &shown); err != nil {
		t.Fatalf("history show is not JSON: %v\n%s", err, output)
	}
	if len(shown.Actions) == 0 {
		t.Error("no actions recorded")
	}
	for _, a := range shown.Actions {
		// Delayed restarts are recorded under the system scope.
		if a.Site != "example" && a.Site != system.Scope {
			t.Errorf("unexpected action site %q", a.Site)
		}
	}

	// Dry runs leave no site state behind.
	output, err = execute(t, "sites", "list", "--json", "-c", cfgPath)
	if err != nil {
		t.Fatalf("sites list failed: %v", err)
	}
	if strings.Contains(output, `"state"`) {
		t.Errorf("dry run recorded site state:\n%s", output)
	}
}

func TestProvisionEnforcesPolicy(t *testing.T) {
	dir, cfgPath := workspace(t)
	writeItem(t, dir, "copy.json", `{"id": "copy", "host": "example.test"}`)

	output, err := execute(t, "provision", "--sites-only", "--dry-run", "--enforce-policy", "--json", "-c", cfgPath)
	if err != nil {
		t.Fatalf("provision failed: %v\n%s", err, output)
	}

	var result struct {
		Report struct {
			Sites   []struct{ ID string } `json:"sites"`
			Skipped []sites.Skip          `json:"skipped"`
		} `json:"report"`
	}
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, output)
	}
	if len(result.Report.Sites) != 0 {
		t.Errorf("blocked sites were provisioned: %+v", result.Report.Sites)
	}
	if len(result.Report.Skipped) != 2 {
		t.Fatalf("skipped = %+v", result.Report.Skipped)
	}
	for _, s := range result.Report.Skipped {
		if !strings.HasPrefix(s.Reason, "blocked by policy") {
			t.Errorf("skip reason = %q", s.Reason)
		}
	}
}

func TestHistoryPrune(t *testing.T) {
	_, cfgPath := workspace(t)

	for i := 0; i < 3; i++ {
		if _, err := execute(t, "plan", "--sites-only", "-c", cfgPath); err != nil {
			t.Fatalf("plan %d failed: %v", i, err)
		}
	}

	output, err := execute(t, "history", "prune", "--keep", "1", "-c", cfgPath)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if !strings.Contains(output, "Deleted 2 runs") {
		t.Errorf("output = %q", output)
	}
}
