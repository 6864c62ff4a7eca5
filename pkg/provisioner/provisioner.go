// Package provisioner converges the sites of a data bag: Apache virtual
// hosts, hosts entries, Magento cron, rsync'd files, databases and
// framework URL fixups.
//
// Sites are processed sequentially in the order given, and the steps of a
// site always run in the same order. Steps that depend on a database being
// new receive the created flag returned by the create step; they never run
// on a pass where the database already existed.
package provisioner

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/openfroyo/lampbox/pkg/actions"
	"github.com/openfroyo/lampbox/pkg/mysql"
	"github.com/openfroyo/lampbox/pkg/render"
	"github.com/openfroyo/lampbox/pkg/sites"
	"github.com/openfroyo/lampbox/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Provisioner runs the site pipeline.
type Provisioner struct {
	Options Options

	Runner   actions.Runner
	Files    *actions.Files
	MySQL    *mysql.Admin
	Apache   *actions.Apache
	Copier   DumpCopier
	Notifier *actions.Notifier
	Recorder *actions.Recorder

	logger zerolog.Logger
}

// New creates a Provisioner. The Notifier and Recorder may be shared with
// the system recipe so that delayed restarts run once per run.
func New(opts Options, runner actions.Runner, files *actions.Files, copier DumpCopier, logger zerolog.Logger) (*Provisioner, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provisioner options: %w", err)
	}
	return &Provisioner{
		Options:  opts,
		Runner:   runner,
		Files:    files,
		MySQL:    mysql.NewAdmin(runner, opts.RootPassword),
		Apache:   &actions.Apache{Dir: opts.ApacheDir, Files: files, Runner: runner},
		Copier:   copier,
		Notifier: &actions.Notifier{},
		Recorder: &actions.Recorder{},
		logger:   logger.With().Str("component", "provisioner").Logger(),
	}, nil
}

// ProvisionBag provisions the sites of a loaded data bag. A missing bag is
// zero sites. Items the loader could not parse are carried into the report.
func (p *Provisioner) ProvisionBag(ctx context.Context, bag *sites.Bag) (*Report, error) {
	if bag == nil || bag.Missing {
		p.logger.Warn().Msg("Sites data bag is empty")
		return &Report{}, nil
	}
	for _, s := range bag.Skipped {
		p.logger.Warn().Str("source", s.Source).Str("reason", s.Reason).Msg("data bag item skipped")
	}

	report, err := p.Provision(ctx, bag.Sites)
	report.Skipped = append(append([]sites.Skip(nil), bag.Skipped...), report.Skipped...)
	return report, err
}

// Provision converges every site in order. A descriptor without an id or a
// host, or with names unfit for paths and SQL, is skipped with a warning. A failed action stops the run and is
// returned as a ProvisionError; the report covers everything up to it.
func (p *Provisioner) Provision(ctx context.Context, list []sites.Site) (*Report, error) {
	report := &Report{}

	if p.Options.ExistenceCheck == mysql.CheckSite {
		p.logger.Warn().
			Msg("database existence check greps the site-level db_name field, not the database name; " +
				"a database counts as existing whenever the listing contains that field, " +
				"even when the listed database is a different one")
	}

	for _, site := range list {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := p.checkDescriptor(site); err != nil {
			p.logger.Warn().Str("source", site.Source).Msg(err.Message)
			if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
				tel.Metrics.RecordError(err.ErrorClass())
			}
			report.Skipped = append(report.Skipped, sites.Skip{Source: site.Source, ID: site.ID, Reason: err.Message})
			continue
		}

		sr, err := p.provisionSite(ctx, site)
		report.Sites = append(report.Sites, sr)
		if err != nil {
			return report, err
		}
	}

	return report, nil
}

// checkDescriptor returns a malformed_descriptor error for a descriptor the
// pipeline must skip.
func (p *Provisioner) checkDescriptor(site sites.Site) *ProvisionError {
	if site.ID == "" {
		return NewMalformedDescriptorError("", "Site id is nil, skipping")
	}
	if site.Host == "" {
		return NewMalformedDescriptorError(site.ID, fmt.Sprintf("Site %s has no host defined.", site.ID))
	}
	if err := sites.CheckNames(site); err != nil {
		return NewMalformedDescriptorError(site.ID, err.Error())
	}
	return nil
}

func (p *Provisioner) provisionSite(ctx context.Context, site sites.Site) (SiteReport, error) {
	docroot := sites.DocRoot(p.Options.BaseDir, site)
	sr := SiteReport{
		ID:        site.ID,
		Host:      site.Host,
		DocRoot:   docroot,
		Framework: site.Framework,
	}

	ctx, scope := telemetry.StartSite(ctx, site.ID, site.Host, string(site.Framework))
	scope.Logger.Infof("provisioning site, docroot %s", docroot)

	before := len(p.Recorder.Results())
	created, err := p.runSite(ctx, site, docroot)
	sr.Created = created
	sr.Actions = p.Recorder.Results()[before:]
	if err != nil {
		sr.Error = err.Error()
	}

	scope.End(sr.Status(), err)
	return sr, err
}

func (p *Provisioner) runSite(ctx context.Context, site sites.Site, docroot string) ([]string, error) {
	if err := p.vhost(ctx, site, docroot); err != nil {
		return nil, err
	}
	if err := p.hostsEntry(ctx, site); err != nil {
		return nil, err
	}

	if site.Framework == sites.FrameworkMagento {
		if err := p.magento(ctx, site, docroot); err != nil {
			return nil, err
		}
	}

	for _, rs := range site.Rsync {
		if err := p.rsync(ctx, site, rs, docroot); err != nil {
			return nil, err
		}
	}

	var created []string
	for _, db := range site.Databases {
		ok, err := p.database(ctx, site, db)
		if ok {
			created = append(created, db.Name)
		}
		if err != nil {
			return created, err
		}
	}

	if site.Framework == sites.FrameworkDrupal {
		name := "drupal clear cache - " + site.Host
		err := p.do(ctx, site, name, actions.KindExec, func(ctx context.Context) (actions.Outcome, error) {
			if _, err := p.Runner.Run(ctx, "drush", "-r", p.Files.Path(docroot), "cc", "all"); err != nil {
				return actions.Outcome{}, err
			}
			return actions.Changed(true), nil
		})
		if err != nil {
			return created, err
		}
	}

	return created, nil
}

// do runs a step through the recorder and classifies its failure.
func (p *Provisioner) do(ctx context.Context, site sites.Site, name, kind string, step actions.Step) error {
	return p.Recorder.Do(ctx, site.ID, name, kind, func(ctx context.Context) (actions.Outcome, error) {
		out, err := step(ctx)
		if err != nil {
			return out, NewCommandFailedError(site.ID, name, err)
		}
		return out, nil
	})
}

// write renders a template into path.
func (p *Provisioner) write(path, templateID string, vars any, mode os.FileMode) actions.Step {
	return func(ctx context.Context) (actions.Outcome, error) {
		content, err := render.Render(templateID, vars)
		if err != nil {
			return actions.Outcome{}, err
		}
		changed, err := p.Files.Write(path, []byte(content), mode)
		if err != nil {
			return actions.Outcome{}, err
		}
		return actions.Changed(changed), nil
	}
}

func (p *Provisioner) vhost(ctx context.Context, site sites.Site, docroot string) error {
	conf := site.Host + ".conf"
	vars := render.VhostVars{
		ServerName:    site.Host,
		ServerAliases: site.Aliases,
		DocRoot:       docroot,
		LogDir:        p.Options.ApacheLogDir,
	}

	write := p.write(path.Join(p.Options.ApacheDir, "sites-available", conf), render.SiteConf, vars, 0o644)
	err := p.do(ctx, site, "web_app "+site.Host, actions.KindTemplate, func(ctx context.Context) (actions.Outcome, error) {
		out, err := write(ctx)
		if out.Changed {
			p.Notifier.Notify("apache2", "reload")
		}
		return out, err
	})
	if err != nil {
		return err
	}

	return p.do(ctx, site, "enable site "+conf, actions.KindApache, func(ctx context.Context) (actions.Outcome, error) {
		changed, err := p.Apache.EnableSite(ctx, conf)
		if err != nil {
			return actions.Outcome{}, err
		}
		if changed {
			p.Notifier.Notify("apache2", "reload")
		}
		return actions.Changed(changed), nil
	})
}

func (p *Provisioner) hostsEntry(ctx context.Context, site sites.Site) error {
	line := "127.0.0.1 " + site.Host
	return p.do(ctx, site, "hosts "+site.Host, actions.KindFile, func(ctx context.Context) (actions.Outcome, error) {
		if p.Options.DedupeHosts {
			present, err := p.Files.ContainsLine(p.Options.HostsFile, line)
			if err != nil {
				return actions.Outcome{}, err
			}
			if present {
				return actions.Skip("hosts entry present"), nil
			}
		}
		if err := p.Files.Append(p.Options.HostsFile, line); err != nil {
			return actions.Outcome{}, err
		}
		return actions.Changed(true), nil
	})
}

func (p *Provisioner) magento(ctx context.Context, site sites.Site, docroot string) error {
	cacheDir := docroot + "/var/cache"
	err := p.do(ctx, site, "clear-magento-cache", actions.KindExec, func(ctx context.Context) (actions.Outcome, error) {
		if !p.Files.IsDir(cacheDir) {
			return actions.Skip("no cache directory"), nil
		}
		if _, err := actions.Shell(ctx, p.Runner, "rm -rfv "+actions.Quote(p.Files.Path(cacheDir))+"/*"); err != nil {
			return actions.Outcome{}, err
		}
		return actions.Changed(true), nil
	})
	if err != nil {
		return err
	}

	cronSh := fmt.Sprintf("/etc/magento-cron_%s.sh", site.ID)
	cronPHP := docroot + "/cron.php"

	err = p.do(ctx, site, cronSh, actions.KindTemplate,
		p.write(cronSh, render.MagentoCronScript, render.CronScriptVars{SiteID: site.ID, CronPHP: cronPHP}, 0o700))
	if err != nil {
		return err
	}

	cron := path.Join(p.Options.CronDir, "magento_"+site.ID)
	return p.do(ctx, site, cron, actions.KindTemplate,
		p.write(cron, render.MagentoCron, render.CronVars{SiteID: site.ID, CronSh: cronSh, CronPHP: cronPHP}, 0o600))
}

// RsyncArgs returns the rsync arguments that mirror rs into docroot. The
// target keeps a trailing slash from local_target_path.
func (p *Provisioner) RsyncArgs(rs sites.RsyncSpec, docroot string) []string {
	key := p.Files.Path(path.Join(p.Options.SharedDir, rs.SSHPrivateKey))
	target := p.Files.Path(path.Join(docroot, rs.LocalTargetPath))
	if (rs.LocalTargetPath == "" || strings.HasSuffix(rs.LocalTargetPath, "/")) && !strings.HasSuffix(target, "/") {
		target += "/"
	}
	return []string{
		"-rt",
		"-e", fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=no", key),
		fmt.Sprintf("%s@%s:%s", rs.SSHUser, rs.SSHHost, rs.RemoteSourcePath),
		target,
	}
}

func (p *Provisioner) rsync(ctx context.Context, site sites.Site, rs sites.RsyncSpec, docroot string) error {
	return p.do(ctx, site, "rsync files from "+rs.SSHHost, actions.KindRsync, func(ctx context.Context) (actions.Outcome, error) {
		if _, err := p.Runner.Run(ctx, "rsync", p.RsyncArgs(rs, docroot)...); err != nil {
			return actions.Outcome{}, err
		}
		return actions.Changed(true), nil
	})
}

// needle returns what the existence check looks for in the listing.
func (p *Provisioner) needle(site sites.Site, db sites.DatabaseSpec) string {
	if p.Options.ExistenceCheck == mysql.CheckSite {
		return site.DBName
	}
	return db.Name
}

// database converges one database and reports whether it was created.
func (p *Provisioner) database(ctx context.Context, site sites.Site, db sites.DatabaseSpec) (bool, error) {
	grants := path.Join(p.Options.MySQLConfDir, "grants.sql")
	err := p.do(ctx, site, grants, actions.KindTemplate,
		p.write(grants, render.Grants, render.GrantsVars{User: db.User, Password: db.Password, Database: db.Name}, 0o600))
	if err != nil {
		return false, err
	}

	var created bool
	err = p.do(ctx, site, "create database "+db.Name, actions.KindMySQL, func(ctx context.Context) (actions.Outcome, error) {
		var err error
		created, err = p.MySQL.EnsureDatabase(ctx, db.Name, p.needle(site, db))
		if err != nil {
			return actions.Outcome{}, err
		}
		if !created {
			return actions.Outcome{Reason: "database exists"}, nil
		}
		return actions.Changed(true), nil
	})
	if err != nil {
		return false, err
	}

	if err := p.afterCreate(ctx, site, db, created); err != nil {
		return created, err
	}
	return created, nil
}

// afterCreate runs the steps that only apply to a database created in
// this pass.
func (p *Provisioner) afterCreate(ctx context.Context, site sites.Site, db sites.DatabaseSpec, created bool) error {
	edge := func(step actions.Step) actions.Step {
		return func(ctx context.Context) (actions.Outcome, error) {
			if !created {
				return actions.Skip("database was not created in this run"), nil
			}
			return step(ctx)
		}
	}

	if db.ImportFile != "" {
		file := path.Join(sites.SiteRoot(p.Options.BaseDir, site), db.ImportFile)
		err := p.do(ctx, site, "import database "+db.Name, actions.KindMySQL, edge(p.importStep(db.Name, file)))
		if err != nil {
			return err
		}
	}

	if db.Copy != nil {
		staged := path.Join(p.Options.StagingDir, DumpFile(db.Name))
		err := p.do(ctx, site, "copy database "+db.Name, actions.KindDBCopy, edge(func(ctx context.Context) (actions.Outcome, error) {
			if p.Copier == nil {
				return actions.Outcome{}, fmt.Errorf("no dump copier configured")
			}
			if err := p.Copier.CopyDump(ctx, *db.Copy, db.Name, p.Files.Path(staged)); err != nil {
				return actions.Outcome{}, err
			}
			return actions.Changed(true), nil
		}))
		if err != nil {
			return err
		}

		err = p.do(ctx, site, "load database "+db.Name, actions.KindMySQL, edge(p.importStep(db.Name, staged)))
		if err != nil {
			return err
		}
	}

	prefix := db.TablePrefix()

	if site.Framework == sites.FrameworkMagento {
		err := p.do(ctx, site, "magento alter database "+db.Name, actions.KindMySQL, edge(
			p.alterStep(db, mysql.MagentoBaseURLSQL(prefix, site.Host))))
		if err != nil {
			return err
		}
	}

	if site.Framework == sites.FrameworkWordPress {
		err := p.do(ctx, site, "wordpress alter database "+db.Name, actions.KindMySQL, edge(
			p.alterStep(db, mysql.WordPressURLSQL(prefix, site.Host))))
		if err != nil {
			return err
		}
	}

	return nil
}

// importStep loads file into db when the file exists.
func (p *Provisioner) importStep(db, file string) actions.Step {
	return func(ctx context.Context) (actions.Outcome, error) {
		if !p.Files.Exists(file) {
			return actions.Skip("no file " + file), nil
		}
		if err := p.MySQL.Import(ctx, db, p.Files.Path(file)); err != nil {
			return actions.Outcome{}, err
		}
		return actions.Changed(true), nil
	}
}

func (p *Provisioner) alterStep(db sites.DatabaseSpec, sql string) actions.Step {
	return func(ctx context.Context) (actions.Outcome, error) {
		if db.Prefix != "" {
			if err := mysql.ValidateName(db.Prefix); err != nil {
				return actions.Outcome{}, err
			}
		}
		if err := p.MySQL.Exec(ctx, db.Name, sql); err != nil {
			return actions.Outcome{}, err
		}
		return actions.Changed(true), nil
	}
}
