// Package system installs and configures the base LAMP stack of the
// development machine and collects facts about it.
package system

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/lampbox/pkg/actions"
	"github.com/openfroyo/lampbox/pkg/mysql"
	"github.com/openfroyo/lampbox/pkg/render"
	"github.com/rs/zerolog"
)

// Attributes tune the base recipe.
type Attributes struct {
	Packages      []string `json:"packages" validate:"dive,required"`
	Gems          []string `json:"gems" validate:"dive,required"`
	ApacheModules []string `json:"apache_modules" validate:"dive,required"`

	ApacheDir     string `json:"apache_dir" validate:"required"`
	DefaultSite   string `json:"default_site"`
	PHPConfDir    string `json:"php_conf_dir" validate:"required"`
	PHPExtConfDir string `json:"php_ext_conf_dir" validate:"required"`

	XdebugExtension   string `json:"xdebug_extension"`
	XdebugRemotePort  int    `json:"xdebug_remote_port" validate:"min=1,max=65535"`
	XdebugProfilerDir string `json:"xdebug_profiler_dir"`

	WebgrindDir  string `json:"webgrind_dir"`
	WebgrindRepo string `json:"webgrind_repo"`

	// APCMemory enables APC with the given shared memory size.
	APCMemory string `json:"apc_memory,omitempty"`

	MailcatcherInterface string `json:"mailcatcher_interface"`
	CatchmailPath        string `json:"catchmail_path"`

	RootPassword          string `json:"-"`
	PhpMyAdminAppPassword string `json:"-"`
}

// DefaultAttributes returns the attributes of the stock machine.
func DefaultAttributes() Attributes {
	return Attributes{
		Packages: []string{
			"apache2", "mysql-server", "php5", "libapache2-mod-php5",
			"debconf", "vim", "screen", "mc", "subversion", "curl", "tmux",
			"make", "g++", "libsqlite3-dev", "git",
			"drush", "imagemagick", "php5-memcache", "php5-curl", "php-pear",
		},
		Gems:                 []string{"rake", "mailcatcher"},
		ApacheModules:        []string{"rewrite", "ssl", "php5"},
		ApacheDir:            "/etc/apache2",
		DefaultSite:          "000-default",
		PHPConfDir:           "/etc/php5/conf.d",
		PHPExtConfDir:        "/etc/php5/conf.d",
		XdebugExtension:      "/usr/lib/php5/20090626/xdebug.so",
		XdebugRemotePort:     9000,
		XdebugProfilerDir:    "/tmp",
		WebgrindDir:          "/var/www/webgrind",
		WebgrindRepo:         "git://github.com/jokkedk/webgrind.git",
		MailcatcherInterface: "eth1",
		CatchmailPath:        "catchmail",
	}
}

// Recipe is the base system recipe.
type Recipe struct {
	Attrs Attributes
	Facts *Facts

	Runner   actions.Runner
	Files    *actions.Files
	MySQL    *mysql.Admin
	Apache   *actions.Apache
	Notifier *actions.Notifier
	Recorder *actions.Recorder

	logger zerolog.Logger
}

// NewRecipe creates a recipe. notifier and recorder are shared with the
// site pipeline.
func NewRecipe(attrs Attributes, facts *Facts, runner actions.Runner, files *actions.Files,
	notifier *actions.Notifier, recorder *actions.Recorder, logger zerolog.Logger) *Recipe {
	return &Recipe{
		Attrs:    attrs,
		Facts:    facts,
		Runner:   runner,
		Files:    files,
		MySQL:    mysql.NewAdmin(runner, attrs.RootPassword),
		Apache:   &actions.Apache{Dir: attrs.ApacheDir, Files: files, Runner: runner},
		Notifier: notifier,
		Recorder: recorder,
		logger:   logger.With().Str("component", "system").Logger(),
	}
}

// Scope is the site label of actions recorded by the base recipe.
const Scope = "system"

func (r *Recipe) do(ctx context.Context, name, kind string, step actions.Step) error {
	return r.Recorder.Do(ctx, Scope, name, kind, step)
}

// template renders a configuration file and schedules an Apache restart
// when it changes.
func (r *Recipe) template(file, templateID string, vars any, restart bool) actions.Step {
	return func(ctx context.Context) (actions.Outcome, error) {
		content, err := render.Render(templateID, vars)
		if err != nil {
			return actions.Outcome{}, err
		}
		changed, err := r.Files.Write(file, []byte(content), os.FileMode(0o644))
		if err != nil {
			return actions.Outcome{}, err
		}
		if changed && restart {
			r.Notifier.Notify("apache2", "restart")
		}
		return actions.Changed(changed), nil
	}
}

func (r *Recipe) pkg(name string) actions.Step {
	return func(ctx context.Context) (actions.Outcome, error) {
		changed, err := actions.Packages{Runner: r.Runner}.Ensure(ctx, name)
		return actions.Changed(changed), err
	}
}

// Apply runs every step of the recipe in order.
func (r *Recipe) Apply(ctx context.Context) error {
	steps := []func(context.Context) error{
		r.packages,
		r.apacheModules,
		r.gems,
		r.sslCert,
		r.phpMyAdmin,
		r.xdebug,
		r.webgrind,
		r.apc,
		r.mailcatcher,
		r.disableDefaultSite,
		r.vagrantUser,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recipe) packages(ctx context.Context) error {
	for _, name := range r.Attrs.Packages {
		if err := r.do(ctx, "package "+name, actions.KindPackage, r.pkg(name)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recipe) apacheModules(ctx context.Context) error {
	for _, mod := range r.Attrs.ApacheModules {
		err := r.do(ctx, "apache module "+mod, actions.KindApache, func(ctx context.Context) (actions.Outcome, error) {
			changed, err := r.Apache.EnableModule(ctx, mod)
			if changed {
				r.Notifier.Notify("apache2", "restart")
			}
			return actions.Changed(changed), err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Recipe) gems(ctx context.Context) error {
	for _, name := range r.Attrs.Gems {
		err := r.do(ctx, "gem_package "+name, actions.KindPackage, func(ctx context.Context) (actions.Outcome, error) {
			changed, err := actions.Packages{Runner: r.Runner}.EnsureGem(ctx, name)
			return actions.Changed(changed), err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Recipe) sslCert(ctx context.Context) error {
	r.Recorder.BestEffort(ctx, Scope, "make-ssl-cert", actions.KindExec, func(ctx context.Context) (actions.Outcome, error) {
		if r.Files.Exists("/etc/ssl/certs/ssl-cert-snakeoil.pem") {
			return actions.Skip("snakeoil certificate present"), nil
		}
		if _, err := r.Runner.Run(ctx, "make-ssl-cert", "generate-default-snakeoil", "--force-overwrite"); err != nil {
			return actions.Outcome{}, err
		}
		return actions.Changed(true), nil
	})
	return nil
}

func (r *Recipe) phpMyAdmin(ctx context.Context) error {
	const selections = "/tmp/phpmyadmin.deb.conf"

	vars := render.PhpMyAdminVars{
		RootPassword: r.Attrs.RootPassword,
		AppPassword:  r.Attrs.PhpMyAdminAppPassword,
	}
	if err := r.do(ctx, selections, actions.KindTemplate, r.template(selections, render.PhpMyAdminDebconf, vars, false)); err != nil {
		return err
	}

	err := r.do(ctx, "debconf_for_phpmyadmin", actions.KindExec, func(ctx context.Context) (actions.Outcome, error) {
		if _, err := r.Runner.Run(ctx, "debconf-set-selections", r.Files.Path(selections)); err != nil {
			return actions.Outcome{}, err
		}
		return actions.Changed(true), nil
	})
	if err != nil {
		return err
	}

	return r.do(ctx, "package phpmyadmin", actions.KindPackage, r.pkg("phpmyadmin"))
}

func (r *Recipe) xdebug(ctx context.Context) error {
	err := r.do(ctx, "php_pear xdebug", actions.KindPackage, func(ctx context.Context) (actions.Outcome, error) {
		changed, err := actions.Packages{Runner: r.Runner}.EnsurePecl(ctx, "xdebug")
		return actions.Changed(changed), err
	})
	if err != nil {
		return err
	}

	ini := path.Join(r.Attrs.PHPExtConfDir, "xdebug.ini")
	vars := render.XdebugVars{
		ExtensionPath:     r.Attrs.XdebugExtension,
		RemotePort:        r.Attrs.XdebugRemotePort,
		ProfilerOutputDir: r.Attrs.XdebugProfilerDir,
	}
	return r.do(ctx, ini, actions.KindTemplate, r.template(ini, render.Xdebug, vars, true))
}

func (r *Recipe) webgrind(ctx context.Context) error {
	dir := r.Attrs.WebgrindDir
	err := r.do(ctx, "git "+dir, actions.KindExec, func(ctx context.Context) (actions.Outcome, error) {
		if !r.Files.IsDir(path.Join(dir, ".git")) {
			if _, err := r.Runner.Run(ctx, "git", "clone", "--branch", "master", r.Attrs.WebgrindRepo, r.Files.Path(dir)); err != nil {
				return actions.Outcome{}, err
			}
			return actions.Changed(true), nil
		}
		out, err := r.Runner.Run(ctx, "git", "-C", r.Files.Path(dir), "pull", "--ff-only", "origin", "master")
		if err != nil {
			return actions.Outcome{}, err
		}
		return actions.Changed(!strings.Contains(out, "Already up")), nil
	})
	if err != nil {
		return err
	}

	conf := path.Join(r.Attrs.ApacheDir, "conf.d", "webgrind.conf")
	return r.do(ctx, conf, actions.KindTemplate, r.template(conf, render.Webgrind, render.WebgrindVars{Path: dir}, true))
}

func (r *Recipe) apc(ctx context.Context) error {
	if r.Attrs.APCMemory == "" {
		return nil
	}
	ini := path.Join(r.Attrs.PHPConfDir, "apc.ini")
	if err := r.do(ctx, ini, actions.KindTemplate, r.template(ini, render.APC, render.APCVars{Memory: r.Attrs.APCMemory}, true)); err != nil {
		return err
	}
	return r.do(ctx, "package php-apc", actions.KindPackage, r.pkg("php-apc"))
}

func (r *Recipe) mailcatcher(ctx context.Context) error {
	err := r.do(ctx, "mailcatcher", actions.KindExec, func(ctx context.Context) (actions.Outcome, error) {
		ps, err := r.Runner.Run(ctx, "ps", "ax")
		if err != nil {
			return actions.Outcome{}, err
		}
		if actions.ProcessRunning(ps, "mailcatcher") {
			return actions.Skip("mailcatcher running"), nil
		}

		var ip string
		if r.Facts != nil {
			ip = r.Facts.IPv4(r.Attrs.MailcatcherInterface)
		}
		if ip == "" {
			r.logger.Warn().Str("interface", r.Attrs.MailcatcherInterface).Msg("no IPv4 address, mailcatcher not started")
			return actions.Skip(fmt.Sprintf("no IPv4 address on %s", r.Attrs.MailcatcherInterface)), nil
		}

		if _, err := r.Runner.Run(ctx, "mailcatcher", "--http-ip", ip, "--smtp-port", "25"); err != nil {
			return actions.Outcome{}, err
		}
		return actions.Changed(true), nil
	})
	if err != nil {
		return err
	}

	ini := path.Join(r.Attrs.PHPExtConfDir, "mailcatcher.ini")
	return r.do(ctx, ini, actions.KindTemplate,
		r.template(ini, render.Mailcatcher, render.MailcatcherVars{CatchmailPath: r.Attrs.CatchmailPath}, false))
}

func (r *Recipe) disableDefaultSite(ctx context.Context) error {
	if r.Attrs.DefaultSite == "" {
		return nil
	}
	return r.do(ctx, "apache_site "+r.Attrs.DefaultSite, actions.KindApache, func(ctx context.Context) (actions.Outcome, error) {
		changed, err := r.Apache.DisableSite(ctx, r.Attrs.DefaultSite)
		if changed {
			r.Notifier.Notify("apache2", "reload")
		}
		return actions.Changed(changed), err
	})
}

func (r *Recipe) vagrantUser(ctx context.Context) error {
	return r.do(ctx, "mysql-vagrant-user", actions.KindMySQL, func(ctx context.Context) (actions.Outcome, error) {
		if err := r.MySQL.Exec(ctx, "", mysql.VagrantGrantSQL); err != nil {
			return actions.Outcome{}, err
		}
		return actions.Changed(true), nil
	})
}

// FlushNotifications runs the delayed service notifications once, as the
// last action of a run.
func FlushNotifications(ctx context.Context, rec *actions.Recorder, notifier *actions.Notifier, runner actions.Runner) error {
	pending := notifier.Pending()
	if len(pending) == 0 {
		return nil
	}
	return rec.Do(ctx, Scope, "delayed notifications", actions.KindService, func(ctx context.Context) (actions.Outcome, error) {
		if err := notifier.Flush(ctx, runner); err != nil {
			return actions.Outcome{}, err
		}
		return actions.Outcome{Changed: true, Reason: strings.Join(pending, ", ")}, nil
	})
}

// Override returns a copy of a with the given attributes replaced. Keys are
// the attributes' JSON names; unknown keys are an error.
func (a Attributes) Override(overrides map[string]any) (Attributes, error) {
	if len(overrides) == 0 {
		return a, nil
	}

	raw, err := json.Marshal(overrides)
	if err != nil {
		return a, fmt.Errorf("failed to encode attribute overrides: %w", err)
	}

	out := a
	out.Packages = append([]string(nil), a.Packages...)
	out.Gems = append([]string(nil), a.Gems...)
	out.ApacheModules = append([]string(nil), a.ApacheModules...)

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return a, fmt.Errorf("invalid attribute overrides: %w", err)
	}
	return out, nil
}

// Validate checks the attributes' constraints.
func (a Attributes) Validate() error {
	if err := validator.New().Struct(a); err != nil {
		return fmt.Errorf("invalid system attributes: %w", err)
	}
	return nil
}
