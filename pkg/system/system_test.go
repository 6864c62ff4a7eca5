package system

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/lampbox/pkg/actions"
	"github.com/openfroyo/lampbox/pkg/actions/actionstest"
	"github.com/rs/zerolog"
)

func testFacts() *Facts {
	return &Facts{
		Interfaces: []NetworkInterface{
			{Name: "eth0", IPv4: []string{"10.0.2.15"}},
			{Name: "eth1", IPv4: []string{"192.168.33.10"}},
		},
	}
}

func newTestRecipe(t *testing.T, root string, runner *actionstest.Runner, attrs Attributes) *Recipe {
	t.Helper()
	attrs.RootPassword = "root"
	return NewRecipe(attrs, testFacts(), runner, &actions.Files{Root: root},
		&actions.Notifier{}, &actions.Recorder{}, zerolog.Nop())
}

func TestRecipeApply(t *testing.T) {
	root := t.TempDir()
	runner := &actionstest.Runner{}
	attrs := DefaultAttributes()
	attrs.Packages = []string{"apache2", "php5"}

	r := newTestRecipe(t, root, runner, attrs)
	if err := r.Apply(context.Background()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	for _, want := range []string{
		"env DEBIAN_FRONTEND=noninteractive apt-get install -y -q apache2",
		"env DEBIAN_FRONTEND=noninteractive apt-get install -y -q php5",
		"env DEBIAN_FRONTEND=noninteractive apt-get install -y -q phpmyadmin",
		"a2enmod rewrite",
		"gem install mailcatcher",
		"debconf-set-selections " + filepath.Join(root, "/tmp/phpmyadmin.deb.conf"),
		"pecl install xdebug",
		"git clone --branch master git://github.com/jokkedk/webgrind.git " + filepath.Join(root, "/var/www/webgrind"),
		"mailcatcher --http-ip 192.168.33.10 --smtp-port 25",
	} {
		if !runner.Ran(want) {
			t.Errorf("missing command %q", want)
		}
	}
	if !runner.RanContaining("GRANT ALL PRIVILEGES ON *.* TO 'vagrant'@'%'") {
		t.Error("vagrant user not granted")
	}
	if runner.RanContaining("php-apc") {
		t.Error("APC installed without apc_memory")
	}

	for _, p := range []string{
		"/etc/php5/conf.d/xdebug.ini",
		"/etc/php5/conf.d/mailcatcher.ini",
		"/etc/apache2/conf.d/webgrind.conf",
		"/tmp/phpmyadmin.deb.conf",
	} {
		if _, err := os.Stat(filepath.Join(root, p)); err != nil {
			t.Errorf("%s not written: %v", p, err)
		}
	}

	if got := r.Notifier.Pending(); len(got) != 1 || got[0] != "apache2 restart" {
		t.Errorf("pending notifications = %v", got)
	}
}

func TestRecipeSecondPass(t *testing.T) {
	root := t.TempDir()
	runner := &actionstest.Runner{
		Handle: func(cmd string) (string, error, bool) {
			switch {
			case strings.HasPrefix(cmd, "dpkg-query"):
				return "install ok installed", nil, true
			case strings.HasPrefix(cmd, "gem list -i"):
				return "true\n", nil, true
			case cmd == "pecl list":
				return "PACKAGE VERSION STATE\nxdebug  2.2.7   stable\n", nil, true
			case cmd == "ps ax":
				return " 1234 ?  Sl  0:01 ruby /usr/local/bin/mailcatcher --http-ip 192.168.33.10\n", nil, true
			case strings.Contains(cmd, "pull --ff-only"):
				return "Already up to date.\n", nil, true
			}
			return "", nil, false
		},
	}
	for _, mod := range []string{"rewrite", "ssl", "php5"} {
		writeFile(t, root, "/etc/apache2/mods-enabled/"+mod+".load", "")
	}
	if err := os.MkdirAll(filepath.Join(root, "/var/www/webgrind/.git"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, root, "/etc/ssl/certs/ssl-cert-snakeoil.pem", "cert")

	attrs := DefaultAttributes()
	if err := newTestRecipe(t, root, runner, attrs).Apply(context.Background()); err != nil {
		t.Fatalf("first Apply() error = %v", err)
	}

	runner.Reset()
	r := newTestRecipe(t, root, runner, attrs)
	if err := r.Apply(context.Background()); err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}

	for _, substr := range []string{"apt-get install", "gem install", "pecl install", "a2enmod", "git clone", "make-ssl-cert", "mailcatcher --http-ip"} {
		if runner.RanContaining(substr) {
			t.Errorf("second pass ran %q", substr)
		}
	}
	for _, res := range r.Recorder.Results() {
		if res.Kind == actions.KindTemplate && res.Changed {
			t.Errorf("second pass changed %s", res.Name)
		}
	}
	if got := r.Notifier.Pending(); len(got) != 0 {
		t.Errorf("second pass scheduled %v", got)
	}
}

func TestRecipeAPC(t *testing.T) {
	root := t.TempDir()
	runner := &actionstest.Runner{}
	attrs := DefaultAttributes()
	attrs.Packages = nil
	attrs.APCMemory = "64M"

	if err := newTestRecipe(t, root, runner, attrs).Apply(context.Background()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "/etc/php5/conf.d/apc.ini"))
	if err != nil {
		t.Fatalf("apc.ini not written: %v", err)
	}
	if !strings.Contains(string(data), "apc.shm_size=64M") {
		t.Errorf("apc.ini = %q", data)
	}
	if !runner.Ran("env DEBIAN_FRONTEND=noninteractive apt-get install -y -q php-apc") {
		t.Error("php-apc not installed")
	}
}

func TestRecipeSSLCertIsBestEffort(t *testing.T) {
	runner := &actionstest.Runner{Errs: map[string]error{
		"make-ssl-cert generate-default-snakeoil --force-overwrite": errors.New("exit status 1"),
	}}
	attrs := DefaultAttributes()
	attrs.Packages = nil

	r := newTestRecipe(t, t.TempDir(), runner, attrs)
	if err := r.Apply(context.Background()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	for _, res := range r.Recorder.Results() {
		if res.Name == "make-ssl-cert" {
			if !res.BestEffort || res.Error == "" {
				t.Errorf("make-ssl-cert result = %+v", res)
			}
			return
		}
	}
	t.Error("make-ssl-cert not recorded")
}

func TestRecipeMailcatcherWithoutInterface(t *testing.T) {
	runner := &actionstest.Runner{}
	attrs := DefaultAttributes()
	attrs.Packages = nil
	attrs.MailcatcherInterface = "eth9"

	if err := newTestRecipe(t, t.TempDir(), runner, attrs).Apply(context.Background()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if runner.RanContaining("mailcatcher --http-ip") {
		t.Error("mailcatcher started without an address")
	}
}

func TestRecipeFailureStops(t *testing.T) {
	runner := &actionstest.Runner{Errs: map[string]error{
		"env DEBIAN_FRONTEND=noninteractive apt-get install -y -q apache2": errors.New("exit status 100"),
	}}
	attrs := DefaultAttributes()
	attrs.Packages = []string{"apache2", "php5"}

	if err := newTestRecipe(t, t.TempDir(), runner, attrs).Apply(context.Background()); err == nil {
		t.Fatal("Apply() expected error")
	}
	if runner.RanContaining("php5") {
		t.Error("recipe continued after a failed package")
	}
}

func TestFlushNotifications(t *testing.T) {
	runner := &actionstest.Runner{}
	rec := &actions.Recorder{}
	n := &actions.Notifier{}

	if err := FlushNotifications(context.Background(), rec, n, runner); err != nil {
		t.Fatal(err)
	}
	if len(rec.Results()) != 0 {
		t.Error("empty flush recorded an action")
	}

	n.Notify("apache2", "reload")
	n.Notify("apache2", "restart")
	if err := FlushNotifications(context.Background(), rec, n, runner); err != nil {
		t.Fatal(err)
	}
	if cmds := runner.Commands(); len(cmds) != 1 || cmds[0] != "service apache2 restart" {
		t.Errorf("commands = %v", cmds)
	}
}

func writeFile(t *testing.T, root, p, content string) {
	t.Helper()
	local := filepath.Join(root, p)
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(local, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFactsCollector(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "/etc/os-release", "NAME=\"Ubuntu\"\nVERSION=\"12.04.5 LTS, Precise Pangolin\"\nID=ubuntu\n# comment\n")
	writeFile(t, root, "/etc/hostname", "precise64\n")
	writeFile(t, root, "/proc/sys/kernel/osrelease", "3.2.0-23-generic\n")

	c := &FactsCollector{
		Root: root,
		Interfaces: func() ([]NetworkInterface, error) {
			return []NetworkInterface{
				{Name: "eth1", IPv4: []string{"192.168.33.10"}},
				{Name: "eth0", IPv4: []string{"10.0.2.15"}},
			}, nil
		},
	}
	facts, err := c.Collect()
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if facts.OS.Name != "Ubuntu" || facts.OS.ID != "ubuntu" || facts.OS.Version != "12.04.5 LTS, Precise Pangolin" {
		t.Errorf("os = %+v", facts.OS)
	}
	if facts.OS.Hostname != "precise64" || facts.OS.Kernel != "3.2.0-23-generic" {
		t.Errorf("os = %+v", facts.OS)
	}
	if facts.Interfaces[0].Name != "eth0" {
		t.Errorf("interfaces not sorted: %+v", facts.Interfaces)
	}
	if got := facts.IPv4("eth1"); got != "192.168.33.10" {
		t.Errorf("IPv4(eth1) = %q", got)
	}
	if got := facts.IPv4("eth2"); got != "" {
		t.Errorf("IPv4(eth2) = %q", got)
	}
}

func TestFactsCollectorInterfaceError(t *testing.T) {
	c := &FactsCollector{
		Root:       t.TempDir(),
		Interfaces: func() ([]NetworkInterface, error) { return nil, errors.New("boom") },
	}
	if _, err := c.Collect(); err == nil {
		t.Error("Collect() expected error")
	}
}

func TestAttributesOverride(t *testing.T) {
	base := DefaultAttributes()
	base.RootPassword = "root"

	tests := []struct {
		name      string
		overrides map[string]any
		wantErr   bool
		check     func(t *testing.T, a Attributes)
	}{
		{
			name:      "no overrides",
			overrides: nil,
			check: func(t *testing.T, a Attributes) {
				if a.XdebugRemotePort != 9000 {
					t.Errorf("XdebugRemotePort = %d, want 9000", a.XdebugRemotePort)
				}
			},
		},
		{
			name:      "scalar and list",
			overrides: map[string]any{"apc_memory": "64M", "xdebug_remote_port": int64(9001), "gems": []any{"rake"}},
			check: func(t *testing.T, a Attributes) {
				if a.APCMemory != "64M" {
					t.Errorf("APCMemory = %q, want 64M", a.APCMemory)
				}
				if a.XdebugRemotePort != 9001 {
					t.Errorf("XdebugRemotePort = %d, want 9001", a.XdebugRemotePort)
				}
				if len(a.Gems) != 1 || a.Gems[0] != "rake" {
					t.Errorf("Gems = %v, want [rake]", a.Gems)
				}
				if a.RootPassword != "root" {
					t.Errorf("RootPassword lost: %q", a.RootPassword)
				}
			},
		},
		{
			name:      "unknown key",
			overrides: map[string]any{"apc": "64M"},
			wantErr:   true,
		},
		{
			name:      "secret keys are not overridable",
			overrides: map[string]any{"RootPassword": "x"},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := base.Override(tt.overrides)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Override() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}

	if len(base.Gems) != 2 {
		t.Errorf("base attributes were modified: %v", base.Gems)
	}
}

func TestAttributesValidate(t *testing.T) {
	a := DefaultAttributes()
	if err := a.Validate(); err != nil {
		t.Fatalf("default attributes invalid: %v", err)
	}
	a.XdebugRemotePort = 0
	if err := a.Validate(); err == nil {
		t.Error("expected error for port 0")
	}
}
