// Package render turns embedded configuration templates into text.
//
// Render is pure: it reads nothing from the filesystem at call time and
// writes nothing. Callers hand the result to an action that persists it.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Template identifiers.
const (
	SiteConf          = "sites.conf"
	MagentoCronScript = "magento.cron.sh"
	MagentoCron       = "magento.cron"
	Grants            = "grants.sql"
	Xdebug            = "xdebug.ini"
	Webgrind          = "webgrind.conf"
	APC               = "apc.ini"
	Mailcatcher       = "mailcatcher.ini"
	PhpMyAdminDebconf = "phpmyadmin.deb.conf"
)

const templateExt = ".tmpl"

var templates = template.Must(
	template.New("").
		Option("missingkey=error").
		Funcs(template.FuncMap{"join": strings.Join, "sqlstr": sqlString}).
		ParseFS(templateFS, "templates/*"+templateExt),
)

// sqlString escapes s for a single-quoted MySQL string literal.
func sqlString(s string) string {
	return sqlEscaper.Replace(s)
}

var sqlEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// VhostVars feeds the sites.conf template.
type VhostVars struct {
	ServerName    string
	ServerAliases []string
	DocRoot       string
	LogDir        string
}

// CronScriptVars feeds magento.cron.sh.
type CronScriptVars struct {
	SiteID  string
	CronPHP string
}

// CronVars feeds magento.cron.
type CronVars struct {
	SiteID  string
	CronSh  string
	CronPHP string
}

// GrantsVars feeds grants.sql.
type GrantsVars struct {
	User     string
	Password string
	Database string
}

// XdebugVars feeds xdebug.ini.
type XdebugVars struct {
	ExtensionPath     string
	RemotePort        int
	ProfilerOutputDir string
}

// WebgrindVars feeds webgrind.conf.
type WebgrindVars struct {
	Path string
}

// APCVars feeds apc.ini.
type APCVars struct {
	Memory string
}

// MailcatcherVars feeds mailcatcher.ini.
type MailcatcherVars struct {
	CatchmailPath string
}

// PhpMyAdminVars feeds phpmyadmin.deb.conf.
type PhpMyAdminVars struct {
	RootPassword string
	AppPassword  string
}

// Render executes the template identified by templateID with vars.
// An unknown identifier or a missing variable is an error.
func Render(templateID string, vars any) (string, error) {
	tmpl := templates.Lookup(templateID + templateExt)
	if tmpl == nil {
		return "", fmt.Errorf("unknown template %q", templateID)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", templateID, err)
	}
	return buf.String(), nil
}

// IDs returns the identifiers of all embedded templates in sorted order.
func IDs() []string {
	var ids []string
	for _, t := range templates.Templates() {
		if name := t.Name(); strings.HasSuffix(name, templateExt) {
			ids = append(ids, strings.TrimSuffix(name, templateExt))
		}
	}
	sort.Strings(ids)
	return ids
}
