package provisioner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/openfroyo/lampbox/pkg/actions"
	"github.com/openfroyo/lampbox/pkg/actions/actionstest"
	"github.com/openfroyo/lampbox/pkg/mysql"
	"github.com/openfroyo/lampbox/pkg/sites"
	"github.com/openfroyo/lampbox/pkg/telemetry"
	"github.com/rs/zerolog"
)

var (
	showDatabases = regexp.MustCompile(`^/usr/bin/mysql -u root -p\S* -e SHOW DATABASES LIKE '([^']+)'$`)
	createDB      = regexp.MustCompile(`^/usr/bin/mysqladmin -u root -p\S* create (\S+)$`)
	ensiteCmd     = regexp.MustCompile(`^a2ensite (\S+)$`)
)

// machine fakes the parts of the target machine the pipeline talks to:
// a MySQL server with a set of databases and the a2ensite helper.
type machine struct {
	root      string
	databases map[string]bool
	runner    *actionstest.Runner
	copier    *fakeCopier
}

func newMachine(t *testing.T, existing ...string) *machine {
	t.Helper()
	m := &machine{
		root:      t.TempDir(),
		databases: make(map[string]bool),
		copier:    &fakeCopier{},
	}
	for _, db := range existing {
		m.databases[db] = true
	}
	m.runner = &actionstest.Runner{Handle: m.handle, Errs: map[string]error{}}
	return m
}

func (m *machine) handle(cmd string) (string, error, bool) {
	if match := showDatabases.FindStringSubmatch(cmd); match != nil {
		if m.databases[match[1]] {
			return "Database (" + match[1] + ")\n" + match[1] + "\n", nil, true
		}
		return "", nil, true
	}
	if match := createDB.FindStringSubmatch(cmd); match != nil {
		m.databases[match[1]] = true
		return "", nil, true
	}
	if match := ensiteCmd.FindStringSubmatch(cmd); match != nil {
		enabled := filepath.Join(m.root, "etc/apache2/sites-enabled", match[1])
		if err := os.MkdirAll(filepath.Dir(enabled), 0o755); err != nil {
			return "", err, true
		}
		return "", os.WriteFile(enabled, nil, 0o644), true
	}
	return "", nil, false
}

func (m *machine) provisioner(t *testing.T, mutate ...func(*Options)) *Provisioner {
	t.Helper()
	opts := DefaultOptions()
	opts.RootPassword = "root"
	for _, f := range mutate {
		f(&opts)
	}
	p, err := New(opts, m.runner, &actions.Files{Root: m.root}, m.copier, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func (m *machine) path(p string) string {
	return filepath.Join(m.root, p)
}

func (m *machine) writeFile(t *testing.T, p, content string) {
	t.Helper()
	local := m.path(p)
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(local, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

type fakeCopier struct {
	calls []string
}

func (c *fakeCopier) CopyDump(_ context.Context, spec sites.DBCopySpec, db, localPath string) error {
	c.calls = append(c.calls, spec.SSHHost+":"+db)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(localPath, []byte("-- dump of "+spec.RemoteDatabase+"\n"), 0o644)
}

func magentoSite() sites.Site {
	return sites.Site{
		ID:        "shop",
		Host:      "shop.test",
		Webroot:   "htdocs",
		Aliases:   []string{"www.shop.test"},
		Framework: sites.FrameworkMagento,
		Databases: []sites.DatabaseSpec{{
			Name:       "shop",
			User:       "shop",
			Password:   "secret",
			Prefix:     "mage",
			HasPrefix:  true,
			ImportFile: "shop.sql",
		}},
	}
}

func wordpressSite() sites.Site {
	return sites.Site{
		ID:        "blog",
		Host:      "blog.test",
		Framework: sites.FrameworkWordPress,
		Databases: []sites.DatabaseSpec{{Name: "blog", User: "blog", Password: "secret"}},
	}
}

func findAction(t *testing.T, sr SiteReport, name string) actions.Result {
	t.Helper()
	for _, a := range sr.Actions {
		if a.Name == name {
			return a
		}
	}
	t.Fatalf("site %s has no action %q", sr.ID, name)
	return actions.Result{}
}

func hasAction(sr SiteReport, name string) bool {
	for _, a := range sr.Actions {
		if a.Name == name {
			return true
		}
	}
	return false
}

func TestProvisionSkipsInvalidDescriptors(t *testing.T) {
	m := newMachine(t)
	p := m.provisioner(t)

	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = filepath.Join(t.TempDir(), "lampbox.log")
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}

	badDB := wordpressSite()
	badDB.ID = "baddb"
	badDB.Host = "baddb.test"
	badDB.Databases = []sites.DatabaseSpec{{Name: "blog`; DROP DATABASE mysql; --"}}

	report, err := p.Provision(tel.WithContext(context.Background()), []sites.Site{
		{ID: "nohost", Source: "nohost.json"},
		{Host: "noid.test", Source: "noid.json"},
		{ID: "spaced", Host: "blog test", Source: "spaced.json"},
		{ID: "../escape", Host: "escape.test", Source: "escape.json"},
		badDB,
		wordpressSite(),
	})
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	wantReasons := []string{
		"Site nohost has no host defined.",
		"Site id is nil, skipping",
		`site spaced host "blog test" is not a valid host name`,
		`site id "../escape" must match`,
		`site baddb database "blog`,
	}
	if len(report.Skipped) != len(wantReasons) {
		t.Fatalf("skipped = %+v, want %d entries", report.Skipped, len(wantReasons))
	}
	for i, want := range wantReasons {
		if !strings.HasPrefix(report.Skipped[i].Reason, want) {
			t.Errorf("skip reason %d = %q, want prefix %q", i, report.Skipped[i].Reason, want)
		}
	}
	if len(report.Sites) != 1 || report.Sites[0].ID != "blog" {
		t.Fatalf("sites = %+v, want only blog", report.Sites)
	}
	for _, cmd := range m.runner.Commands() {
		for _, skipped := range []string{"noid.test", "nohost", "blog test", "escape", "baddb", "DROP"} {
			if strings.Contains(cmd, skipped) {
				t.Errorf("skipped descriptor produced command %q", cmd)
			}
		}
	}
	for _, vhost := range []string{"noid.test.conf", "escape.test.conf", "baddb.test.conf"} {
		if _, err := os.Stat(m.path("/etc/apache2/sites-available/" + vhost)); !os.IsNotExist(err) {
			t.Errorf("skipped descriptor wrote %s", vhost)
		}
	}

	if got := skippedCount(t, tel); got != float64(len(wantReasons)) {
		t.Errorf("malformed_descriptor errors = %v, want %d", got, len(wantReasons))
	}
}

// skippedCount reads lampbox_errors_total{class="malformed_descriptor"}.
func skippedCount(t *testing.T, tel *telemetry.Telemetry) float64 {
	t.Helper()
	families, err := tel.Metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "lampbox_errors_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "class" && lp.GetValue() == string(ErrorClassMalformedDescriptor) {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestProvisionIsIdempotent(t *testing.T) {
	m := newMachine(t)
	m.writeFile(t, "/vagrant/sites/shop.test/shop.sql", "CREATE TABLE mage_core_config_data (path text);\n")
	list := []sites.Site{magentoSite(), wordpressSite()}

	first, err := m.provisioner(t).Provision(context.Background(), list)
	if err != nil {
		t.Fatalf("first Provision() error = %v", err)
	}
	for _, sr := range first.Sites {
		if len(sr.Created) != 1 {
			t.Errorf("first pass created %v for %s", sr.Created, sr.ID)
		}
	}

	m.runner.Reset()
	second, err := m.provisioner(t).Provision(context.Background(), list)
	if err != nil {
		t.Fatalf("second Provision() error = %v", err)
	}

	if m.runner.RanContaining("mysqladmin") {
		t.Error("second pass created a database")
	}
	if m.runner.RanContaining("a2ensite") {
		t.Error("second pass re-enabled a site")
	}
	if m.runner.RanContaining("UPDATE") {
		t.Error("second pass rewrote base URLs")
	}

	for _, sr := range second.Sites {
		if len(sr.Created) != 0 {
			t.Errorf("second pass created %v for %s", sr.Created, sr.ID)
		}
		for _, a := range sr.Actions {
			// grants.sql is shared by every database and rewritten per database.
			if a.Kind == actions.KindTemplate && a.Changed && !strings.HasSuffix(a.Name, "grants.sql") {
				t.Errorf("second pass changed %s", a.Name)
			}
		}
	}

	shop, _ := second.Site("shop")
	for _, name := range []string{"web_app shop.test", "/etc/magento-cron_shop.sh", "/etc/cron.d/magento_shop", "create database shop"} {
		if a := findAction(t, shop, name); a.Changed {
			t.Errorf("second pass: %s changed", name)
		}
	}
}

func TestProvisionDocRoot(t *testing.T) {
	m := newMachine(t)
	report, err := m.provisioner(t).Provision(context.Background(), []sites.Site{
		{ID: "a", Host: "example.com", Webroot: "web"},
		{ID: "b", Host: "example.org"},
	})
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	want := map[string]string{
		"a": "/vagrant/sites/example.com/web",
		"b": "/vagrant/sites/example.org",
	}
	for _, sr := range report.Sites {
		if sr.DocRoot != want[sr.ID] {
			t.Errorf("site %s docroot = %q, want %q", sr.ID, sr.DocRoot, want[sr.ID])
		}
	}

	conf, err := os.ReadFile(m.path("/etc/apache2/sites-available/example.com.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(conf), "DocumentRoot /vagrant/sites/example.com/web") {
		t.Errorf("vhost missing docroot:\n%s", conf)
	}
}

func TestProvisionEdgeTriggered(t *testing.T) {
	site := magentoSite()
	site.Databases[0].Copy = &sites.DBCopySpec{
		SSHHost:        "db.example.com",
		SSHUser:        "deploy",
		SSHPrivateKey:  "keys/deploy",
		RemoteDatabase: "shop_live",
	}

	tests := []struct {
		name     string
		existing []string
		wantRun  bool
	}{
		{name: "new database", wantRun: true},
		{name: "existing database", existing: []string{"shop"}, wantRun: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMachine(t, tt.existing...)
			m.writeFile(t, "/vagrant/sites/shop.test/shop.sql", "-- seed\n")

			report, err := m.provisioner(t).Provision(context.Background(), []sites.Site{site})
			if err != nil {
				t.Fatalf("Provision() error = %v", err)
			}
			sr := report.Sites[0]

			for _, name := range []string{
				"import database shop",
				"copy database shop",
				"load database shop",
				"magento alter database shop",
			} {
				a := findAction(t, sr, name)
				if a.Changed != tt.wantRun {
					t.Errorf("%s changed = %v, want %v", name, a.Changed, tt.wantRun)
				}
				if !tt.wantRun && !a.Skipped {
					t.Errorf("%s not skipped for existing database", name)
				}
			}

			if got := len(m.copier.calls) > 0; got != tt.wantRun {
				t.Errorf("copier called = %v, want %v", got, tt.wantRun)
			}
			if got := m.runner.RanContaining("< " + m.path("/vagrant/sites/shop.test/shop.sql")); got != tt.wantRun {
				t.Errorf("import ran = %v, want %v", got, tt.wantRun)
			}
			if got := m.runner.RanContaining("< " + m.path("/home/vagrant/vagrant-dump-shop.sql")); got != tt.wantRun {
				t.Errorf("load ran = %v, want %v", got, tt.wantRun)
			}
			if got := m.runner.RanContaining("UPDATE mage_core_config_data"); got != tt.wantRun {
				t.Errorf("alter ran = %v, want %v", got, tt.wantRun)
			}
		})
	}
}

func TestProvisionCommandsUseRootedPaths(t *testing.T) {
	m := newMachine(t)
	site := magentoSite()
	site.Databases[0].Copy = &sites.DBCopySpec{
		SSHHost:        "db.example.com",
		SSHUser:        "deploy",
		SSHPrivateKey:  "keys/deploy",
		RemoteDatabase: "shop_live",
	}
	site.Rsync = []sites.RsyncSpec{{
		SSHHost:          "files.example.com",
		SSHUser:          "deploy",
		SSHPrivateKey:    "keys/deploy",
		RemoteSourcePath: "/srv/media/",
		LocalTargetPath:  "media/",
	}}
	m.writeFile(t, "/vagrant/sites/shop.test/shop.sql", "-- seed\n")
	m.writeFile(t, "/vagrant/sites/shop.test/htdocs/var/cache/mage--0/data", "x")

	report, err := m.provisioner(t).Provision(context.Background(), []sites.Site{site})
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	sr := report.Sites[0]

	for _, name := range []string{"clear-magento-cache", "import database shop", "copy database shop", "load database shop"} {
		if a := findAction(t, sr, name); !a.Changed {
			t.Errorf("%s = %+v, want changed", name, a)
		}
	}

	for _, want := range []string{
		"rm -rfv " + m.path("/vagrant/sites/shop.test/htdocs/var/cache") + "/*",
		"< " + m.path("/vagrant/sites/shop.test/shop.sql"),
		"< " + m.path("/home/vagrant/vagrant-dump-shop.sql"),
		"-i " + m.path("/vagrant/keys/deploy"),
		" " + m.path("/vagrant/sites/shop.test/htdocs/media") + "/",
	} {
		if !m.runner.RanContaining(want) {
			t.Errorf("no command contains %q", want)
		}
	}

	for _, cmd := range m.runner.Commands() {
		for _, field := range strings.Fields(cmd) {
			if strings.HasPrefix(field, "/vagrant/") || strings.HasPrefix(field, "/home/vagrant/") {
				t.Errorf("command %q uses %s outside the root", cmd, field)
			}
		}
	}
}

func TestProvisionImportRequiresFile(t *testing.T) {
	m := newMachine(t)
	report, err := m.provisioner(t).Provision(context.Background(), []sites.Site{magentoSite()})
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	a := findAction(t, report.Sites[0], "import database shop")
	if !a.Skipped || a.Changed {
		t.Errorf("import without file = %+v, want skipped", a)
	}
	if m.runner.RanContaining("< " + m.path("/vagrant/sites/shop.test/shop.sql")) {
		t.Error("import ran without a file")
	}
}

func TestProvisionFrameworkBranching(t *testing.T) {
	t.Run("magento", func(t *testing.T) {
		m := newMachine(t)
		m.writeFile(t, "/vagrant/sites/shop.test/htdocs/var/cache/mage--0/data", "x")

		report, err := m.provisioner(t).Provision(context.Background(), []sites.Site{magentoSite()})
		if err != nil {
			t.Fatalf("Provision() error = %v", err)
		}
		sr := report.Sites[0]

		info, err := os.Stat(m.path("/etc/magento-cron_shop.sh"))
		if err != nil {
			t.Fatalf("cron script missing: %v", err)
		}
		if info.Mode().Perm() != 0o700 {
			t.Errorf("cron script mode = %o", info.Mode().Perm())
		}
		info, err = os.Stat(m.path("/etc/cron.d/magento_shop"))
		if err != nil {
			t.Fatalf("cron schedule missing: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("cron schedule mode = %o", info.Mode().Perm())
		}

		if !m.runner.Ran("/bin/sh -c rm -rfv " + m.path("/vagrant/sites/shop.test/htdocs/var/cache") + "/*") {
			t.Errorf("cache not cleared, commands: %v", m.runner.Commands())
		}
		if hasAction(sr, "wordpress alter database shop") || m.runner.RanContaining("options SET option_value") {
			t.Error("magento site ran the wordpress URL rewrite")
		}
		if !m.runner.RanContaining("UPDATE mage_core_config_data SET value = 'https://shop.test/'") {
			t.Error("magento base URL not rewritten")
		}
	})

	t.Run("magento without cache dir", func(t *testing.T) {
		m := newMachine(t)
		report, err := m.provisioner(t).Provision(context.Background(), []sites.Site{magentoSite()})
		if err != nil {
			t.Fatalf("Provision() error = %v", err)
		}
		if a := findAction(t, report.Sites[0], "clear-magento-cache"); !a.Skipped {
			t.Errorf("cache clear = %+v, want skipped", a)
		}
		if m.runner.RanContaining("rm -rfv") {
			t.Error("cache cleared without cache directory")
		}
	})

	t.Run("wordpress", func(t *testing.T) {
		m := newMachine(t)
		report, err := m.provisioner(t).Provision(context.Background(), []sites.Site{wordpressSite()})
		if err != nil {
			t.Fatalf("Provision() error = %v", err)
		}
		sr := report.Sites[0]

		if !m.runner.RanContaining("UPDATE options SET option_value = 'http://blog.test'") {
			t.Errorf("wordpress URLs not rewritten, commands: %v", m.runner.Commands())
		}
		if hasAction(sr, "magento alter database blog") || m.runner.RanContaining("core_config_data") {
			t.Error("wordpress site ran the magento URL rewrite")
		}
		if _, err := os.Stat(m.path("/etc/magento-cron_blog.sh")); !os.IsNotExist(err) {
			t.Error("wordpress site wrote a magento cron script")
		}
		if hasAction(sr, "clear-magento-cache") {
			t.Error("wordpress site cleared the magento cache")
		}
	})

	t.Run("drupal", func(t *testing.T) {
		m := newMachine(t)
		_, err := m.provisioner(t).Provision(context.Background(), []sites.Site{
			{ID: "d", Host: "drupal.test", Webroot: "docroot", Framework: sites.FrameworkDrupal},
		})
		if err != nil {
			t.Fatalf("Provision() error = %v", err)
		}
		if !m.runner.Ran("drush -r " + m.path("/vagrant/sites/drupal.test/docroot") + " cc all") {
			t.Errorf("drush not run, commands: %v", m.runner.Commands())
		}
	})
}

func TestProvisionAliasNormalization(t *testing.T) {
	for _, raw := range []string{
		`{"id": "a", "host": "a.test"}`,
		`{"id": "a", "host": "a.test", "aliases": "not-a-list"}`,
		`{"id": "a", "host": "a.test", "aliases": 42}`,
	} {
		item, err := sites.ParseItem("a.json", []byte(raw))
		if err != nil {
			t.Fatalf("ParseItem(%s) error = %v", raw, err)
		}
		site, err := sites.FromItem(item, "a.json")
		if err != nil {
			t.Fatalf("FromItem(%s) error = %v", raw, err)
		}
		if site.Aliases == nil || len(site.Aliases) != 0 {
			t.Errorf("aliases for %s = %#v, want empty list", raw, site.Aliases)
		}

		m := newMachine(t)
		if _, err := m.provisioner(t).Provision(context.Background(), []sites.Site{site}); err != nil {
			t.Fatalf("Provision(%s) error = %v", raw, err)
		}
		conf, err := os.ReadFile(m.path("/etc/apache2/sites-available/a.test.conf"))
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(string(conf), "ServerAlias") {
			t.Errorf("vhost for %s has ServerAlias", raw)
		}
	}
}

func TestProvisionHostsEntry(t *testing.T) {
	site := sites.Site{ID: "a", Host: "a.test"}

	tests := []struct {
		name   string
		dedupe bool
		want   int
	}{
		{name: "append every pass", want: 2},
		{name: "dedupe", dedupe: true, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMachine(t)
			for i := 0; i < 2; i++ {
				p := m.provisioner(t, func(o *Options) { o.DedupeHosts = tt.dedupe })
				if _, err := p.Provision(context.Background(), []sites.Site{site}); err != nil {
					t.Fatalf("Provision() error = %v", err)
				}
			}
			hosts, err := os.ReadFile(m.path("/etc/hosts"))
			if err != nil {
				t.Fatal(err)
			}
			if got := strings.Count(string(hosts), "127.0.0.1 a.test\n"); got != tt.want {
				t.Errorf("hosts lines = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestProvisionExistenceCheck(t *testing.T) {
	tests := []struct {
		name        string
		mode        mysql.CheckMode
		existing    []string
		dbName      string
		wantCreated bool
	}{
		{name: "database check creates missing", mode: mysql.CheckDatabase, wantCreated: true},
		{name: "database check keeps existing", mode: mysql.CheckDatabase, existing: []string{"blog"}},
		{name: "site check with empty needle keeps existing", mode: mysql.CheckSite, existing: []string{"blog"}},
		{name: "site check creates missing", mode: mysql.CheckSite, wantCreated: true},
		{name: "site check with unrelated needle recreates", mode: mysql.CheckSite, existing: []string{"blog"}, dbName: "other", wantCreated: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMachine(t, tt.existing...)
			site := wordpressSite()
			site.DBName = tt.dbName

			p := m.provisioner(t, func(o *Options) { o.ExistenceCheck = tt.mode })
			report, err := p.Provision(context.Background(), []sites.Site{site})
			if err != nil {
				t.Fatalf("Provision() error = %v", err)
			}
			if got := len(report.Sites[0].Created) == 1; got != tt.wantCreated {
				t.Errorf("created = %v, want %v", got, tt.wantCreated)
			}
		})
	}
}

func TestProvisionSiteCheckWarning(t *testing.T) {
	tests := []struct {
		name     string
		mode     mysql.CheckMode
		wantWarn bool
	}{
		{name: "database mode is quiet", mode: mysql.CheckDatabase},
		{name: "site mode warns", mode: mysql.CheckSite, wantWarn: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMachine(t)
			opts := DefaultOptions()
			opts.RootPassword = "root"
			opts.ExistenceCheck = tt.mode

			var buf bytes.Buffer
			p, err := New(opts, m.runner, &actions.Files{Root: m.root}, m.copier, zerolog.New(&buf))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if _, err := p.Provision(context.Background(), nil); err != nil {
				t.Fatalf("Provision() error = %v", err)
			}

			out := buf.String()
			if got := strings.Contains(out, "existence check greps the site-level db_name field"); got != tt.wantWarn {
				t.Errorf("warning logged = %v, want %v: %s", got, tt.wantWarn, out)
			}
			if tt.wantWarn && !strings.Contains(out, "even when the listed database is a different one") {
				t.Errorf("warning does not describe the false match: %s", out)
			}
			if strings.Contains(out, "never get") {
				t.Errorf("warning still claims databases are never created: %s", out)
			}
		})
	}
}

func TestProvisionRsync(t *testing.T) {
	m := newMachine(t)
	site := sites.Site{
		ID:   "a",
		Host: "a.test",
		Rsync: []sites.RsyncSpec{{
			SSHHost:          "files.example.com",
			SSHUser:          "deploy",
			SSHPrivateKey:    "keys/deploy",
			RemoteSourcePath: "/srv/media/",
			LocalTargetPath:  "media/",
		}},
	}
	if _, err := m.provisioner(t).Provision(context.Background(), []sites.Site{site}); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	want := "rsync -rt -e ssh -i " + m.path("/vagrant/keys/deploy") +
		" -o StrictHostKeyChecking=no deploy@files.example.com:/srv/media/ " + m.path("/vagrant/sites/a.test/media") + "/"
	if !m.runner.Ran(want) {
		t.Errorf("rsync command missing, commands: %v", m.runner.Commands())
	}
}

func TestProvisionCommandFailureHaltsRun(t *testing.T) {
	m := newMachine(t)
	m.runner.Errs["drush -r "+m.path("/vagrant/sites/d.test")+" cc all"] = errors.New("exit status 1")

	report, err := m.provisioner(t).Provision(context.Background(), []sites.Site{
		{ID: "d", Host: "d.test", Framework: sites.FrameworkDrupal},
		{ID: "later", Host: "later.test"},
	})
	if err == nil {
		t.Fatal("Provision() expected error")
	}
	if !errors.Is(err, &ProvisionError{Class: ErrorClassCommandFailed}) {
		t.Errorf("error = %v, want command_failed", err)
	}
	var perr *ProvisionError
	if !errors.As(err, &perr) || perr.Site != "d" || perr.Action != "drupal clear cache - d.test" {
		t.Errorf("error context = %+v", perr)
	}
	if len(report.Sites) != 1 || report.Sites[0].Error == "" {
		t.Errorf("report = %+v, want one failed site", report.Sites)
	}
	if m.runner.RanContaining("later.test") {
		t.Error("run continued after a failed action")
	}
}

func TestProvisionBagMissing(t *testing.T) {
	m := newMachine(t)
	report, err := m.provisioner(t).ProvisionBag(context.Background(), &sites.Bag{Dir: "data_bags/sites", Missing: true})
	if err != nil {
		t.Fatalf("ProvisionBag() error = %v", err)
	}
	if len(report.Sites) != 0 || len(m.runner.Commands()) != 0 {
		t.Errorf("missing bag did work: %+v", report)
	}
}

func TestProvisionSchedulesApacheReload(t *testing.T) {
	m := newMachine(t)
	p := m.provisioner(t)
	if _, err := p.Provision(context.Background(), []sites.Site{{ID: "a", Host: "a.test"}}); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if got := p.Notifier.Pending(); len(got) != 1 || got[0] != "apache2 reload" {
		t.Errorf("pending = %v", got)
	}

	p = m.provisioner(t)
	if _, err := p.Provision(context.Background(), []sites.Site{{ID: "a", Host: "a.test"}}); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if got := p.Notifier.Pending(); len(got) != 0 {
		t.Errorf("unchanged vhost scheduled %v", got)
	}
}

func TestDumpCommand(t *testing.T) {
	spec := sites.DBCopySpec{MySQLUser: "shop", MySQLPassword: "p@ss word", RemoteDatabase: "shop_live"}
	want := "mysqldump --routines -ushop '-pp@ss word' shop_live > ~/vagrant-dump-shop.sql"
	if got := DumpCommand(spec, "shop"); got != want {
		t.Errorf("DumpCommand() = %q, want %q", got, want)
	}
}

func TestOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	if err := opts.Validate(); err != nil {
		t.Fatalf("DefaultOptions().Validate() error = %v", err)
	}
	opts.ExistenceCheck = "name"
	if err := opts.Validate(); err == nil {
		t.Error("Validate() accepted an unknown check mode")
	}
}
